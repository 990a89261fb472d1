package lifecycle

import (
	"context"
	"sync"

	"github.com/basket/herder/internal/bus"
	"github.com/basket/herder/internal/persistence"
)

// Remove deactivates the agent: flips the removed flag, then clears the three
// secondary stores best-effort. Removing an already-removed agent re-runs the
// secondary cleanup, which is how earlier partial failures converge.
func (e *Engine) Remove(ctx context.Context, agentID string) error {
	if agentID == "" {
		return Validationf("agentId is required")
	}
	rec, err := e.store.GetRecord(ctx, agentID)
	if err != nil {
		return Internalf(err, "load record")
	}
	if rec == nil {
		return NotFoundf("agent %s not found", agentID)
	}

	return e.deactivate(ctx, rec, "api")
}

// Deactivate is the sweep-facing entry to the shared removal core.
func (e *Engine) Deactivate(ctx context.Context, rec *persistence.AgentRecord, reason string) error {
	return e.deactivate(ctx, rec, reason)
}

// deactivate is the shared removal core behind Remove, create's identity
// steal, and the removal sweep. The flag flip is the one irreversible write
// and the only one that can fail the operation; the three secondary deletes
// run concurrently and their failures are logged, never propagated.
func (e *Engine) deactivate(ctx context.Context, rec *persistence.AgentRecord, reason string) error {
	agentID := rec.AgentID
	if err := e.store.MarkRemoved(ctx, agentID, e.now().UTC()); err != nil {
		// The record is still live; a later remove or sweep retries.
		e.auditRecord(ctx, "remove", agentID, "failed", err.Error())
		return Internalf(err, "mark removed")
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := e.store.DeleteOwnerEntry(ctx, rec.Owner, agentID); err != nil {
			e.log.Warn("owner index cleanup failed", "agent_id", agentID, "owner", rec.Owner, "error", err.Error())
		}
	}()
	go func() {
		defer wg.Done()
		if err := e.store.DeleteTask(ctx, agentID); err != nil {
			e.log.Warn("task mapping cleanup failed", "agent_id", agentID, "error", err.Error())
		}
	}()
	go func() {
		defer wg.Done()
		if rec.ExternalIdentity == "" {
			return
		}
		if err := e.store.DeleteIdentity(ctx, rec.ExternalIdentity); err != nil {
			e.log.Warn("identity mapping cleanup failed", "agent_id", agentID, "identity", rec.ExternalIdentity, "error", err.Error())
		}
	}()
	wg.Wait()

	e.auditRecord(ctx, "remove", agentID, "removed", reason)
	topic := bus.TopicAgentRemoved
	if reason != "api" {
		topic = bus.TopicAgentDeactivated
	}
	e.publish(topic, bus.AgentLifecycleEvent{AgentID: agentID, Owner: rec.Owner, Reason: reason})
	if e.metrics != nil {
		e.metrics.AgentsRemoved.Add(ctx, 1)
	}
	e.log.Info("agent removed", "agent_id", agentID, "reason", reason)
	return nil
}
