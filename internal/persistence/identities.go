package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// --- Identity Mapping (external identity → one live agent) ---

// PutIdentity points the external identity at the given agent, replacing any
// prior mapping. The engine deactivates the prior holder before calling this.
func (s *Store) PutIdentity(ctx context.Context, identity, agentID string, now time.Time) error {
	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO identity_map (identity, agent_id, created_at) VALUES (?, ?, ?)
			ON CONFLICT(identity) DO UPDATE SET agent_id = excluded.agent_id, created_at = excluded.created_at;
		`, identity, agentID, now.UTC())
		return execErr
	})
	if err != nil {
		return fmt.Errorf("put identity: %w", err)
	}
	return nil
}

// GetIdentity returns the mapping for the identity, or nil if none exists.
func (s *Store) GetIdentity(ctx context.Context, identity string) (*IdentityEntry, error) {
	var entry IdentityEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT identity, agent_id, created_at FROM identity_map WHERE identity = ?;
	`, identity).Scan(&entry.Identity, &entry.AgentID, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return &entry, nil
}

// DeleteIdentity drops the mapping for the identity. No-op if absent.
func (s *Store) DeleteIdentity(ctx context.Context, identity string) error {
	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			DELETE FROM identity_map WHERE identity = ?;
		`, identity)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	return nil
}
