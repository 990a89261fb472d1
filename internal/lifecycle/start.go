package lifecycle

import (
	"context"
	"errors"

	"github.com/basket/herder/internal/authority"
	"github.com/basket/herder/internal/bus"
	"github.com/basket/herder/internal/persistence"
)

// Start asks the orchestration authority to run a task for the agent and
// records the returned task reference. The canonical record is never touched;
// callers may start agents the record store has not seen.
func (e *Engine) Start(ctx context.Context, agentID, characterFile, credentials string) (*persistence.TaskEntry, error) {
	return e.start(ctx, agentID, characterFile, credentials, "api")
}

// Restart is the sweep-facing entry; events it emits carry the sweep as the
// originator instead of the API.
func (e *Engine) Restart(ctx context.Context, agentID, characterFile, credentials string) (*persistence.TaskEntry, error) {
	return e.start(ctx, agentID, characterFile, credentials, "restart_sweep")
}

func (e *Engine) start(ctx context.Context, agentID, characterFile, credentials, reason string) (*persistence.TaskEntry, error) {
	if agentID == "" {
		return nil, Validationf("agentId is required")
	}
	if characterFile == "" {
		return nil, Validationf("characterFile is required")
	}
	if e.orch == nil {
		return nil, Internalf(nil, "no orchestrator configured")
	}

	taskRef, err := e.orch.StartAgent(ctx, agentID, characterFile, credentials)
	if err != nil {
		if errors.Is(err, authority.ErrNotReady) {
			e.auditRecord(ctx, "start", agentID, "deferred", "orchestrator not ready")
			return nil, Unavailablef(err, "task not ready, retry")
		}
		e.auditRecord(ctx, "start", agentID, "failed", err.Error())
		return nil, Internalf(err, "start task")
	}

	now := e.now().UTC()
	entry := persistence.TaskEntry{
		AgentID:   agentID,
		TaskRef:   taskRef,
		Status:    persistence.TaskStatusRunning,
		CreatedAt: now,
	}
	if err := e.store.PutTask(ctx, agentID, taskRef, persistence.TaskStatusRunning, now); err != nil {
		// The task is running but untracked; the event stream will not find a
		// mapping for it. Surface the failure.
		return nil, Internalf(err, "record task mapping")
	}

	e.auditRecord(ctx, "start", agentID, "started", "task "+taskRef)
	e.publish(bus.TopicAgentStarted, bus.AgentLifecycleEvent{AgentID: agentID, TaskRef: taskRef, Reason: reason})
	if e.metrics != nil {
		e.metrics.TasksStarted.Add(ctx, 1)
	}
	e.log.Info("agent started", "agent_id", agentID, "task_ref", taskRef)

	return &entry, nil
}
