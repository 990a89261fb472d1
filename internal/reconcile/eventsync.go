package reconcile

import (
	"context"
	"log/slog"

	"github.com/basket/herder/internal/bus"
	"github.com/basket/herder/internal/otel"
	"github.com/basket/herder/internal/persistence"
)

// EventSync applies orchestrator stop notifications to the task mapping
// store. Events arrive on the bus from two producers: the gateway webhook and
// the websocket stream consumer.
type EventSync struct {
	store   *persistence.Store
	bus     *bus.Bus
	log     *slog.Logger
	metrics *otel.Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

func NewEventSync(store *persistence.Store, b *bus.Bus, log *slog.Logger, metrics *otel.Metrics) *EventSync {
	return &EventSync{store: store, bus: b, log: log, metrics: metrics}
}

// Start subscribes to stop events and applies them until the context ends.
func (s *EventSync) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	sub := s.bus.Subscribe(bus.TopicTaskStopped)

	go func() {
		defer close(s.done)
		defer s.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.Ch():
				stopped, ok := ev.Payload.(bus.TaskStoppedEvent)
				if !ok {
					s.log.Warn("unexpected payload on task stop topic", "topic", ev.Topic)
					continue
				}
				s.Handle(ctx, stopped)
			}
		}
	}()
}

func (s *EventSync) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Handle marks every mapping holding the task reference as STOPPED. Zero
// matches (unknown task) and redelivery (already stopped) are both no-ops.
func (s *EventSync) Handle(ctx context.Context, ev bus.TaskStoppedEvent) {
	entries, err := s.store.ListTasksByRef(ctx, ev.TaskRef)
	if err != nil {
		s.log.Error("event sync: list by task ref failed", "task_ref", ev.TaskRef, "error", err.Error())
		return
	}
	if len(entries) == 0 {
		s.log.Debug("event sync: no mapping for task", "task_ref", ev.TaskRef)
		return
	}
	for _, entry := range entries {
		if err := s.store.MarkTaskStopped(ctx, entry.AgentID); err != nil {
			s.log.Error("event sync: mark stopped failed", "agent_id", entry.AgentID, "task_ref", ev.TaskRef, "error", err.Error())
			continue
		}
		if entry.Status != persistence.TaskStatusStopped {
			if s.metrics != nil {
				s.metrics.TasksStopped.Add(ctx, 1)
			}
			s.log.Info("task marked stopped", "agent_id", entry.AgentID, "task_ref", ev.TaskRef)
		}
	}
}
