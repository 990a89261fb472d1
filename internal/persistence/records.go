package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// --- Record Store (canonical agent records) ---

const recordColumns = `agent_id, owner, external_identity, character_file, contract_address, credentials, attrs, removed, created_at, updated_at`

// PutRecord inserts a new agent record. Fails if the agent_id already exists;
// the engine performs its own existence check first to map that to a conflict.
func (s *Store) PutRecord(ctx context.Context, rec AgentRecord) error {
	attrs, err := marshalAttrs(rec.Attrs)
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	err = retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO agents (`+recordColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.AgentID, rec.Owner, rec.ExternalIdentity, rec.CharacterFile, rec.ContractAddress,
			rec.Credentials, attrs, boolToInt(rec.Removed), rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
		return execErr
	})
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// GetRecord returns the record for the given agent, or nil if not found.
func (s *Store) GetRecord(ctx context.Context, agentID string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM agents WHERE agent_id = ?;
	`, agentID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// ListActive returns all records with removed=false, oldest first.
func (s *Store) ListActive(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM agents WHERE removed = 0 ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	return collectRecords(rows, "list active")
}

// ListActiveCreatedBetween returns non-removed records whose created_at falls
// inside [from, to]. Used by the removal sweep's look-back window.
func (s *Store) ListActiveCreatedBetween(ctx context.Context, from, to time.Time) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM agents
		WHERE removed = 0 AND created_at BETWEEN ? AND ?
		ORDER BY created_at ASC;
	`, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list active created between: %w", err)
	}
	return collectRecords(rows, "list active created between")
}

// MarkRemoved flips the removed flag and refreshes updated_at. The flag is
// monotone: there is no way to unset it. Idempotent on retry.
func (s *Store) MarkRemoved(ctx context.Context, agentID string, now time.Time) error {
	err := retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			UPDATE agents SET removed = 1, updated_at = ? WHERE agent_id = ?;
		`, now.UTC(), agentID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("mark removed: %w", err)
	}
	return nil
}

// Mutable record fields addressable by name in an update payload. Everything
// else merges into the attrs blob.
var recordColumnFields = map[string]bool{
	"owner":            true,
	"externalIdentity": true,
	"characterFile":    true,
	"contractAddress":  true,
	"credentials":      true,
}

// ColumnField reports whether an update field maps to a dedicated column.
// Column fields only accept string values; everything else merges into the
// attrs blob untyped.
func ColumnField(name string) bool {
	return recordColumnFields[name]
}

// UpdateRecordFields merges the supplied field→value pairs into the record and
// refreshes updated_at. The agentId key must already have been stripped by the
// caller. Returns the updated record, or nil if the agent does not exist.
func (s *Store) UpdateRecordFields(ctx context.Context, agentID string, fields map[string]any, now time.Time) (*AgentRecord, error) {
	rec, err := s.GetRecord(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	for key, value := range fields {
		if recordColumnFields[key] {
			str, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("update record: field %q must be a string", key)
			}
			switch key {
			case "owner":
				rec.Owner = str
			case "externalIdentity":
				rec.ExternalIdentity = str
			case "characterFile":
				rec.CharacterFile = str
			case "contractAddress":
				rec.ContractAddress = str
			case "credentials":
				rec.Credentials = str
			}
			continue
		}
		if rec.Attrs == nil {
			rec.Attrs = make(map[string]any)
		}
		rec.Attrs[key] = value
	}
	rec.UpdatedAt = now.UTC()

	attrs, err := marshalAttrs(rec.Attrs)
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}
	err = retryOnBusy(ctx, 3, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			UPDATE agents SET owner = ?, external_identity = ?, character_file = ?,
				contract_address = ?, credentials = ?, attrs = ?, updated_at = ?
			WHERE agent_id = ?;
		`, rec.Owner, rec.ExternalIdentity, rec.CharacterFile, rec.ContractAddress,
			rec.Credentials, attrs, rec.UpdatedAt, agentID)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*AgentRecord, error) {
	var rec AgentRecord
	var attrs string
	var removed int
	if err := row.Scan(&rec.AgentID, &rec.Owner, &rec.ExternalIdentity, &rec.CharacterFile,
		&rec.ContractAddress, &rec.Credentials, &attrs, &removed, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Removed = removed != 0
	if attrs != "" && attrs != "{}" {
		if err := json.Unmarshal([]byte(attrs), &rec.Attrs); err != nil {
			return nil, fmt.Errorf("decode attrs: %w", err)
		}
	}
	return &rec, nil
}

func collectRecords(rows *sql.Rows, op string) ([]AgentRecord, error) {
	defer rows.Close()
	var out []AgentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return out, nil
}

func marshalAttrs(attrs map[string]any) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("encode attrs: %w", err)
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
