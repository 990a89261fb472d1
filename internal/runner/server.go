package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/herder/internal/authority"
)

// TaskRunner starts a task and returns its reference.
type TaskRunner interface {
	Start(ctx context.Context, agentID, characterFile, credentials string) (string, error)
}

// Server exposes the runner over the orchestration service protocol:
// POST /start and a /events websocket carrying task stop notifications.
type Server struct {
	runner TaskRunner
	log    *slog.Logger

	mu   sync.Mutex
	subs map[chan authority.TaskEvent]struct{}
}

func NewServer(runner TaskRunner, log *slog.Logger) *Server {
	return &Server{
		runner: runner,
		log:    log,
		subs:   make(map[chan authority.TaskEvent]struct{}),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

// NotifyStopped broadcasts a stop notification to every connected event
// subscriber. Slow subscribers drop events rather than block the watcher.
func (s *Server) NotifyStopped(taskRef string) {
	ev := authority.TaskEvent{TaskReference: taskRef, LastStatus: "STOPPED"}
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
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
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.AgentID == "" || body.CharacterFile == "" {
		s.writeError(w, http.StatusBadRequest, "agentId and characterFile are required")
		return
	}

	credentials := ""
	if len(body.Credentials) > 0 {
		var str string
		if err := json.Unmarshal(body.Credentials, &str); err == nil {
			credentials = str
		} else {
			credentials = string(body.Credentials)
		}
	}

	containerID, err := s.runner.Start(r.Context(), body.AgentID, body.CharacterFile, credentials)
	if err != nil {
		s.log.Error("runner start failed", "agent_id", body.AgentID, "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    map[string]any{"container": containerID},
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("event subscriber accept failed", "error", err.Error())
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	ch := make(chan authority.TaskEvent, 16)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}
