package authority

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/herder/internal/bus"
)

// TaskEvent is the orchestrator's task state change notification.
type TaskEvent struct {
	TaskReference string `json:"taskReference"`
	LastStatus    string `json:"lastStatus"`
}

// EventConsumer subscribes to the orchestrator's websocket event stream and
// republishes stop notifications on the internal bus. It reconnects with
// backoff until the context is canceled.
type EventConsumer struct {
	url string
	bus *bus.Bus
	log *slog.Logger
}

func NewEventConsumer(url string, b *bus.Bus, log *slog.Logger) *EventConsumer {
	return &EventConsumer{url: url, bus: b, log: log}
}

func (c *EventConsumer) Run(ctx context.Context) {
	const maxBackoff = 30 * time.Second
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		connected, err := c.consume(ctx)
		if connected {
			backoff = time.Second
		}
		if err != nil && ctx.Err() == nil {
			c.log.Warn("event stream disconnected", "url", c.url, "error", err.Error(), "retry_in", backoff.String())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// consume holds one websocket session open and pumps events until it fails.
// The bool reports whether the dial succeeded, so the caller can reset its
// backoff.
func (c *EventConsumer) consume(ctx context.Context) (bool, error) {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	c.log.Info("event stream connected", "url", c.url)

	for {
		var ev TaskEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return true, err
		}
		if ev.TaskReference == "" {
			continue
		}
		if ev.LastStatus != "STOPPED" {
			c.log.Debug("ignoring task event", "task_ref", ev.TaskReference, "last_status", ev.LastStatus)
			continue
		}
		c.bus.Publish(bus.TopicTaskStopped, bus.TaskStoppedEvent{
			TaskRef:    ev.TaskReference,
			LastStatus: ev.LastStatus,
		})
	}
}
