package reconcile

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/herder/internal/authority"
	"github.com/basket/herder/internal/lifecycle"
	"github.com/basket/herder/internal/otel"
	"github.com/basket/herder/internal/persistence"
)

// RemovalSweep deactivates live agents whose contracts did not finalize. It
// only looks at agents created inside a trailing window, so every agent gets
// a bounded number of passes.
type RemovalSweep struct {
	store   *persistence.Store
	engine  *lifecycle.Engine
	chain   authority.ChainReader
	log     *slog.Logger
	metrics *otel.Metrics
	now     func() time.Time

	windowMin time.Duration // e.g. 48h: youngest agent considered
	windowMax time.Duration // e.g. 72h: oldest agent considered

	// failSafe treats a chain read failure as not-finalized, so a flaky RPC
	// endpoint deactivates agents rather than keeping them alive. Named
	// policy; every application of it is logged.
	failSafe bool
}

type RemovalSweepConfig struct {
	Store     *persistence.Store
	Engine    *lifecycle.Engine
	Chain     authority.ChainReader
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	WindowMin time.Duration
	WindowMax time.Duration
	FailSafe  bool
	Now       func() time.Time
}

func NewRemovalSweep(cfg RemovalSweepConfig) *RemovalSweep {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &RemovalSweep{
		store:     cfg.Store,
		engine:    cfg.Engine,
		chain:     cfg.Chain,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		now:       now,
		windowMin: cfg.WindowMin,
		windowMax: cfg.WindowMax,
		failSafe:  cfg.FailSafe,
	}
}

func (s *RemovalSweep) Run(ctx context.Context) {
	started := time.Now()
	now := s.now().UTC()
	from := now.Add(-s.windowMax)
	to := now.Add(-s.windowMin)

	records, err := s.store.ListActiveCreatedBetween(ctx, from, to)
	if err != nil {
		s.log.Error("removal sweep: list window failed", "error", err.Error())
		return
	}
	s.log.Info("removal sweep", "window_from", from, "window_to", to, "candidates", len(records))

	for i := range records {
		s.sweepOne(ctx, &records[i])
	}
	if s.metrics != nil {
		s.metrics.SweepDuration.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(attribute.String("sweep", "removal")))
	}
}

func (s *RemovalSweep) sweepOne(ctx context.Context, rec *persistence.AgentRecord) {
	finalized, err := s.chain.Finalized(ctx, rec.ContractAddress)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ChainReadFailures.Add(ctx, 1)
		}
		if !s.failSafe {
			s.log.Warn("removal sweep: chain read failed, skipping agent",
				"agent_id", rec.AgentID, "contract", rec.ContractAddress, "error", err.Error())
			return
		}
		s.log.Warn("removal sweep: chain read failed, fail-safe treats contract as not finalized",
			"agent_id", rec.AgentID, "contract", rec.ContractAddress, "error", err.Error())
		finalized = false
	}
	if finalized {
		return
	}

	if err := s.engine.Deactivate(ctx, rec, "removal_sweep"); err != nil {
		s.log.Error("removal sweep: item failed", "agent_id", rec.AgentID, "error", err.Error())
		if s.metrics != nil {
			s.metrics.SweepItemFailures.Add(ctx, 1,
				metric.WithAttributes(attribute.String("sweep", "removal")))
		}
		return
	}
	s.log.Info("removal sweep: agent deactivated", "agent_id", rec.AgentID)
}
