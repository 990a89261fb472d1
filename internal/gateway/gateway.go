// Package gateway serves the lifecycle operations over HTTP. Responses are
// shaped {"success":true,"data":...} on success and {"error":...} on failure;
// internal failure detail never reaches the caller.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/herder/internal/bus"
	"github.com/basket/herder/internal/config"
	"github.com/basket/herder/internal/lifecycle"
	"github.com/basket/herder/internal/otel"
	"github.com/basket/herder/internal/persistence"
	"github.com/basket/herder/internal/shared"
)

type Config struct {
	Engine  *lifecycle.Engine
	Store   *persistence.Store
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Auth    config.AuthConfig

	// ConfigFingerprint is the hash of the active config, exposed on /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, log: log}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/start", s.handleStart)
	mux.HandleFunc("/api/agents/update", s.handleUpdate)
	mux.HandleFunc("/api/events/task", s.handleTaskEvent)
	mux.HandleFunc("/healthz", s.handleHealthz)

	handler := NewAuthMiddleware(s.cfg.Auth).Wrap(mux)
	return s.trace(handler)
}

// trace assigns each request a trace id and records request telemetry.
func (s *Server) trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		w.Header().Set("X-Trace-Id", traceID)

		started := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))

		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(started).Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", r.URL.Path),
				))
		}
	})
}

// handleAgents covers create (POST), fetch (GET) and remove (DELETE).
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreate(w, r)
	case http.MethodGet:
		s.handleFetch(w, r)
	case http.MethodDelete:
		s.handleRemove(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, r, lifecycle.Validationf("invalid JSON body: %v", err))
		return
	}
	rec, err := s.cfg.Engine.Create(r.Context(), payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusCreated, rec)
}

// handleFetch dispatches on query shape: owner wins over agentId; neither
// returns every live agent.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if owner := q.Get("owner"); owner != "" {
		recs, err := s.cfg.Engine.FetchByOwner(r.Context(), owner)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeData(w, http.StatusOK, recs)
		return
	}
	if agentID := q.Get("agentId"); agentID != "" {
		rec, err := s.cfg.Engine.FetchByID(r.Context(), agentID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeData(w, http.StatusOK, rec)
		return
	}
	recs, err := s.cfg.Engine.FetchActive(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, recs)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		s.writeError(w, r, lifecycle.Validationf("agentId query parameter is required"))
		return
	}
	if err := s.cfg.Engine.Remove(r.Context(), agentID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{"agentId": agentID, "removed": true})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		AgentID       string          `json:"agentId"`
		CharacterFile string          `json:"characterFile"`
		Credentials   json.RawMessage `json:"credentials"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, lifecycle.Validationf("invalid JSON body: %v", err))
		return
	}
	entry, err := s.cfg.Engine.Start(r.Context(), body.AgentID, body.CharacterFile, credentialString(body.Credentials))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, entry)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		s.writeError(w, r, lifecycle.Validationf("agentId query parameter is required"))
		return
	}
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		s.writeError(w, r, lifecycle.Validationf("invalid JSON body: %v", err))
		return
	}
	rec, err := s.cfg.Engine.Update(r.Context(), agentID, fields)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, rec)
}

// handleTaskEvent is the webhook twin of the websocket stream consumer. Both
// feed the same bus topic.
func (s *Server) handleTaskEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var ev struct {
		TaskReference string `json:"taskReference"`
		LastStatus    string `json:"lastStatus"`
	}
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.writeError(w, r, lifecycle.Validationf("invalid JSON body: %v", err))
		return
	}
	if ev.TaskReference == "" {
		s.writeError(w, r, lifecycle.Validationf("taskReference is required"))
		return
	}
	if ev.LastStatus != "STOPPED" {
		s.log.Debug("ignoring task event", "task_ref", ev.TaskReference, "last_status", ev.LastStatus)
		s.writeData(w, http.StatusOK, map[string]any{"accepted": false})
		return
	}
	s.cfg.Bus.Publish(bus.TopicTaskStopped, bus.TaskStoppedEvent{
		TaskRef:    ev.TaskReference,
		LastStatus: ev.LastStatus,
	})
	s.writeData(w, http.StatusOK, map[string]any{"accepted": true})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.Ping(r.Context()) == nil

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := lifecycle.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", shared.Redact(err.Error()))
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.OperationErrors.Add(r.Context(), 1,
			metric.WithAttributes(attribute.String("class", string(lifecycle.ClassOf(err)))))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": lifecycle.PublicMessage(err)})
}

// credentialString accepts credentials as either a JSON string or an inline
// object and normalizes to the JSON text stored on the record.
func credentialString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
