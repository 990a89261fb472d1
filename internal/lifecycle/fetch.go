package lifecycle

import (
	"context"

	"github.com/basket/herder/internal/persistence"
)

// FetchByID returns the agent's record, removed or not. Credentials are
// scrubbed, as on every read path.
func (e *Engine) FetchByID(ctx context.Context, agentID string) (*persistence.AgentRecord, error) {
	if agentID == "" {
		return nil, Validationf("agentId is required")
	}
	rec, err := e.store.GetRecord(ctx, agentID)
	if err != nil {
		return nil, Internalf(err, "load record")
	}
	if rec == nil {
		return nil, NotFoundf("agent %s not found", agentID)
	}
	return scrub(rec), nil
}

// FetchByOwner resolves the owner index and loads each record. Index entries
// whose record is gone are skipped, not errors; the index may briefly lead
// the record store.
func (e *Engine) FetchByOwner(ctx context.Context, owner string) ([]persistence.AgentRecord, error) {
	if owner == "" {
		return nil, Validationf("owner is required")
	}
	ids, err := e.store.ListAgentIDsByOwner(ctx, owner)
	if err != nil {
		return nil, Internalf(err, "list owner index")
	}

	out := make([]persistence.AgentRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := e.store.GetRecord(ctx, id)
		if err != nil {
			return nil, Internalf(err, "load record")
		}
		if rec == nil {
			e.log.Warn("owner index entry without record", "owner", owner, "agent_id", id)
			continue
		}
		out = append(out, *rec)
	}
	return scrubAll(out), nil
}

// FetchActive returns every record with the removed flag unset.
func (e *Engine) FetchActive(ctx context.Context) ([]persistence.AgentRecord, error) {
	recs, err := e.store.ListActive(ctx)
	if err != nil {
		return nil, Internalf(err, "list active records")
	}
	return scrubAll(recs), nil
}
