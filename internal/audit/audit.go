// Package audit records lifecycle decisions (creates, removals, identity
// steals, sweep deactivations) to an append-only JSONL file and, when a
// database is attached, to the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"time"

	"github.com/basket/herder/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Op        string `json:"op"`
	AgentID   string `json:"agent_id"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// Log is an append-only audit sink. The zero value is a no-op sink, which
// keeps tests and callers that don't care about auditing simple.
type Log struct {
	mu   sync.Mutex
	file *os.File
	db   *sql.DB
}

// Open creates (or appends to) logs/audit.jsonl under homeDir.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f}, nil
}

// SetDB attaches a database so entries are mirrored into the audit_log table.
func (l *Log) SetDB(d *sql.DB) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.db = d
}

// Close closes the JSONL file. Safe on a nil or already-closed Log.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Record appends one audit entry. Reasons are redacted before persistence so
// stored credentials can never leak through error text.
func (l *Log) Record(ctx context.Context, op, agentID, decision, reason string) {
	if l == nil {
		return
	}
	reason = shared.Redact(reason)
	traceID := shared.TraceID(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Op:        op,
			AgentID:   agentID,
			Decision:  decision,
			Reason:    reason,
			TraceID:   traceID,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}

	if l.db != nil {
		_, _ = l.db.ExecContext(ctx, `
			INSERT INTO audit_log (trace_id, agent_id, op, decision, reason)
			VALUES (?, ?, ?, ?, ?);
		`, traceID, agentID, op, decision, reason)
	}
}
