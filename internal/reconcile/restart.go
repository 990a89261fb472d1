package reconcile

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/herder/internal/lifecycle"
	"github.com/basket/herder/internal/otel"
	"github.com/basket/herder/internal/persistence"
)

// RestartSweep brings agents whose tasks stopped back up. Each entry is
// processed independently: the mapping is deleted first, then the agent is
// restarted from its stored record, and one entry's failure never stops the
// batch.
type RestartSweep struct {
	store   *persistence.Store
	engine  *lifecycle.Engine
	log     *slog.Logger
	metrics *otel.Metrics

	// RestartRemoved restarts agents even when their record is already
	// removed. On by default; the removal sweep deactivates them again.
	restartRemoved bool
}

func NewRestartSweep(store *persistence.Store, engine *lifecycle.Engine, log *slog.Logger, metrics *otel.Metrics, restartRemoved bool) *RestartSweep {
	return &RestartSweep{
		store:          store,
		engine:         engine,
		log:            log,
		metrics:        metrics,
		restartRemoved: restartRemoved,
	}
}

func (s *RestartSweep) Run(ctx context.Context) {
	started := time.Now()
	entries, err := s.store.ListTasksByStatus(ctx, persistence.TaskStatusStopped)
	if err != nil {
		s.log.Error("restart sweep: list stopped tasks failed", "error", err.Error())
		return
	}
	s.log.Info("restart sweep", "stopped_count", len(entries))

	for _, entry := range entries {
		s.restartOne(ctx, entry)
	}
	if s.metrics != nil {
		s.metrics.SweepDuration.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(attribute.String("sweep", "restart")))
	}
}

func (s *RestartSweep) restartOne(ctx context.Context, entry persistence.TaskEntry) {
	agentID := entry.AgentID

	if err := s.store.DeleteTask(ctx, agentID); err != nil {
		s.fail(ctx, agentID, "delete stale mapping", err)
		return
	}

	rec, err := s.store.GetRecord(ctx, agentID)
	if err != nil {
		s.fail(ctx, agentID, "load record", err)
		return
	}
	if rec == nil {
		s.log.Warn("restart sweep: stopped task without record", "agent_id", agentID, "task_ref", entry.TaskRef)
		return
	}
	if rec.Removed && !s.restartRemoved {
		s.log.Info("restart sweep: skipping removed agent", "agent_id", agentID)
		return
	}

	if _, err := s.engine.Restart(ctx, agentID, rec.CharacterFile, rec.Credentials); err != nil {
		s.fail(ctx, agentID, "restart", err)
		return
	}
	s.log.Info("restart sweep: agent restarted", "agent_id", agentID)
}

func (s *RestartSweep) fail(ctx context.Context, agentID, step string, err error) {
	s.log.Error("restart sweep: item failed", "agent_id", agentID, "step", step, "error", err.Error())
	if s.metrics != nil {
		s.metrics.SweepItemFailures.Add(ctx, 1,
			metric.WithAttributes(attribute.String("sweep", "restart")))
	}
}
