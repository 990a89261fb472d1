package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// --- Task Mapping (agent → orchestrator task handle + run status) ---

// PutTask records the task handle for an agent with the given status,
// replacing any prior mapping for that agent.
func (s *Store) PutTask(ctx context.Context, agentID, taskRef string, status TaskStatus, now time.Time) error {
	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO task_map (agent_id, task_ref, status, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET task_ref = excluded.task_ref,
				status = excluded.status, created_at = excluded.created_at;
		`, agentID, taskRef, string(status), now.UTC())
		return execErr
	})
	if err != nil {
		return fmt.Errorf("put task: %w", err)
	}
	return nil
}

// GetTask returns the task mapping for the agent, or nil if none exists.
func (s *Store) GetTask(ctx context.Context, agentID string) (*TaskEntry, error) {
	var entry TaskEntry
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, task_ref, status, created_at FROM task_map WHERE agent_id = ?;
	`, agentID).Scan(&entry.AgentID, &entry.TaskRef, &status, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	entry.Status = TaskStatus(status)
	return &entry, nil
}

// DeleteTask drops the agent's task mapping. No-op if absent.
func (s *Store) DeleteTask(ctx context.Context, agentID string) error {
	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			DELETE FROM task_map WHERE agent_id = ?;
		`, agentID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// ListTasksByStatus returns all task mappings with the given status, oldest
// first. The restart sweep drains the STOPPED set through this.
func (s *Store) ListTasksByStatus(ctx context.Context, status TaskStatus) ([]TaskEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, task_ref, status, created_at FROM task_map
		WHERE status = ? ORDER BY created_at ASC;
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	return collectTasks(rows, "list tasks by status")
}

// ListTasksByRef returns all task mappings sharing the task reference.
// Normally zero or one; duplicates are possible and the event sync marks
// every match.
func (s *Store) ListTasksByRef(ctx context.Context, taskRef string) ([]TaskEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, task_ref, status, created_at FROM task_map
		WHERE task_ref = ? ORDER BY agent_id ASC;
	`, taskRef)
	if err != nil {
		return nil, fmt.Errorf("list tasks by ref: %w", err)
	}
	return collectTasks(rows, "list tasks by ref")
}

// MarkTaskStopped sets the agent's task mapping to STOPPED. Applying it to an
// already-stopped mapping is a no-op, so event redelivery is safe.
func (s *Store) MarkTaskStopped(ctx context.Context, agentID string) error {
	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			UPDATE task_map SET status = 'STOPPED' WHERE agent_id = ?;
		`, agentID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("mark task stopped: %w", err)
	}
	return nil
}

func collectTasks(rows *sql.Rows, op string) ([]TaskEntry, error) {
	defer rows.Close()
	var out []TaskEntry
	for rows.Next() {
		var entry TaskEntry
		var status string
		if err := rows.Scan(&entry.AgentID, &entry.TaskRef, &status, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		entry.Status = TaskStatus(status)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return out, nil
}
