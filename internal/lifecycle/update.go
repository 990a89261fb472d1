package lifecycle

import (
	"context"

	"github.com/basket/herder/internal/persistence"
)

// Update merges the supplied fields into the agent's record. The agentId key
// is stripped; the identifier is immutable. A payload carrying nothing else
// is rejected.
func (e *Engine) Update(ctx context.Context, agentID string, fields map[string]any) (*persistence.AgentRecord, error) {
	if agentID == "" {
		return nil, Validationf("agentId is required")
	}
	delete(fields, "agentId")
	if len(fields) == 0 {
		return nil, Validationf("no fields to update")
	}
	for key, value := range fields {
		if persistence.ColumnField(key) {
			if _, ok := value.(string); !ok {
				return nil, Validationf("field %q must be a string", key)
			}
		}
	}

	rec, err := e.store.UpdateRecordFields(ctx, agentID, fields, e.now().UTC())
	if err != nil {
		return nil, Internalf(err, "update record")
	}
	if rec == nil {
		return nil, NotFoundf("agent %s not found", agentID)
	}

	e.auditRecord(ctx, "update", agentID, "updated", "")
	e.log.Info("agent updated", "agent_id", agentID, "field_count", len(fields))
	return scrub(rec), nil
}
