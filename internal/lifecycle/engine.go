// Package lifecycle implements the agent lifecycle operations over the four
// denormalized stores. Every operation writes each store independently;
// partial failure leaves divergence that the reconcilers converge later, so
// nothing here rolls back.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/herder/internal/audit"
	"github.com/basket/herder/internal/bus"
	"github.com/basket/herder/internal/otel"
	"github.com/basket/herder/internal/persistence"
)

// Orchestrator starts agent tasks on the external orchestration service.
type Orchestrator interface {
	StartAgent(ctx context.Context, agentID, characterFile, credentials string) (taskRef string, err error)
}

// Config carries the engine's constructor-injected dependencies.
type Config struct {
	Store        *persistence.Store
	Orchestrator Orchestrator
	Logger       *slog.Logger
	Bus          *bus.Bus
	Audit        *audit.Log
	Metrics      *otel.Metrics

	// Now is overridable in tests. Defaults to time.Now.
	Now func() time.Time
}

// Engine executes lifecycle operations. Construct with New.
type Engine struct {
	store        *persistence.Store
	orch         Orchestrator
	log          *slog.Logger
	bus          *bus.Bus
	audit        *audit.Log
	metrics      *otel.Metrics
	now          func() time.Time
	createSchema *jsonschema.Schema
}

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("lifecycle: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	schema, err := compileCreateSchema()
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:        cfg.Store,
		orch:         cfg.Orchestrator,
		log:          cfg.Logger,
		bus:          cfg.Bus,
		audit:        cfg.Audit,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
		createSchema: schema,
	}, nil
}

func compileCreateSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(createSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal create schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("create.json", doc); err != nil {
		return nil, fmt.Errorf("add create schema resource: %w", err)
	}
	schema, err := c.Compile("create.json")
	if err != nil {
		return nil, fmt.Errorf("compile create schema: %w", err)
	}
	return schema, nil
}

func (e *Engine) auditRecord(ctx context.Context, op, agentID, decision, reason string) {
	e.audit.Record(ctx, op, agentID, decision, reason)
}

func (e *Engine) publish(topic string, ev bus.AgentLifecycleEvent) {
	if e.bus != nil {
		e.bus.Publish(topic, ev)
	}
}

// scrub removes credentials before a record leaves the engine.
func scrub(rec *persistence.AgentRecord) *persistence.AgentRecord {
	if rec == nil {
		return nil
	}
	out := *rec
	out.Credentials = ""
	return &out
}

func scrubAll(recs []persistence.AgentRecord) []persistence.AgentRecord {
	for i := range recs {
		recs[i].Credentials = ""
	}
	return recs
}
