package persistence

import (
	"context"
	"fmt"
)

// --- Owner Index (owner → agent identifiers) ---

// PutOwnerEntry records that the owner claims the agent. Re-inserting the same
// pair is a no-op.
func (s *Store) PutOwnerEntry(ctx context.Context, owner, agentID string) error {
	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO owner_index (owner, agent_id) VALUES (?, ?);
		`, owner, agentID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("put owner entry: %w", err)
	}
	return nil
}

// DeleteOwnerEntry removes the (owner, agent) claim. Deleting a missing entry
// is a no-op: removal paths retry through here.
func (s *Store) DeleteOwnerEntry(ctx context.Context, owner, agentID string) error {
	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			DELETE FROM owner_index WHERE owner = ? AND agent_id = ?;
		`, owner, agentID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("delete owner entry: %w", err)
	}
	return nil
}

// ListAgentIDsByOwner returns the agent identifiers claimed by the owner.
// The result may reference records that no longer resolve; callers skip those.
func (s *Store) ListAgentIDsByOwner(ctx context.Context, owner string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id FROM owner_index WHERE owner = ? ORDER BY agent_id ASC;
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("list agents by owner: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list agents by owner: scan: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents by owner: iterate: %w", err)
	}
	return out, nil
}
