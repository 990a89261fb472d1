package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/herder/internal/bus"
	"github.com/basket/herder/internal/persistence"
)

// createSchemaJSON gates create payloads before any store read. Unknown keys
// are allowed; they land in the record's attrs blob.
const createSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["agentId", "owner"],
	"properties": {
		"agentId": {"type": "string", "minLength": 1},
		"owner": {"type": "string", "minLength": 1},
		"externalIdentity": {"type": "string"},
		"characterFile": {"type": "string"},
		"contractAddress": {"type": "string"},
		"credentials": {"type": ["string", "object"]}
	},
	"additionalProperties": true
}`

// reservedCreateKeys are lifted into record columns; everything else in the
// payload merges into attrs.
var reservedCreateKeys = map[string]bool{
	"agentId":          true,
	"owner":            true,
	"externalIdentity": true,
	"characterFile":    true,
	"contractAddress":  true,
	"credentials":      true,
}

// Create registers a new agent: canonical record first, then the owner index
// entry, then the identity mapping. If the requested external identity is
// already held by a different live agent, that agent is deactivated first.
func (e *Engine) Create(ctx context.Context, payload map[string]any) (*persistence.AgentRecord, error) {
	if err := e.createSchema.Validate(payload); err != nil {
		return nil, Validationf("invalid create payload: %v", err)
	}

	agentID, _ := payload["agentId"].(string)
	owner, _ := payload["owner"].(string)
	identity := stringField(payload, "externalIdentity")

	existing, err := e.store.GetRecord(ctx, agentID)
	if err != nil {
		return nil, Internalf(err, "check existing record")
	}
	if existing != nil {
		e.auditRecord(ctx, "create", agentID, "rejected", "agent already exists")
		return nil, Conflictf("agent %s already exists", agentID)
	}

	if identity != "" {
		if err := e.stealIdentity(ctx, identity, agentID); err != nil {
			return nil, err
		}
	}

	credentials, err := credentialField(payload)
	if err != nil {
		return nil, Validationf("invalid credentials: %v", err)
	}

	now := e.now().UTC()
	rec := persistence.AgentRecord{
		AgentID:          agentID,
		Owner:            owner,
		ExternalIdentity: identity,
		CharacterFile:    stringField(payload, "characterFile"),
		ContractAddress:  stringField(payload, "contractAddress"),
		Credentials:      credentials,
		Attrs:            extraAttrs(payload),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	// Three independent writes, no rollback. A failure after the record write
	// leaves a dangling record for the sweeps to deal with.
	if err := e.store.PutRecord(ctx, rec); err != nil {
		return nil, Internalf(err, "write agent record")
	}
	if err := e.store.PutOwnerEntry(ctx, owner, agentID); err != nil {
		return nil, Internalf(err, "write owner index entry")
	}
	if identity != "" {
		if err := e.store.PutIdentity(ctx, identity, agentID, now); err != nil {
			return nil, Internalf(err, "write identity mapping")
		}
	}

	e.auditRecord(ctx, "create", agentID, "created", "owner "+owner)
	e.publish(bus.TopicAgentCreated, bus.AgentLifecycleEvent{AgentID: agentID, Owner: owner, Reason: "api"})
	if e.metrics != nil {
		e.metrics.AgentsCreated.Add(ctx, 1)
	}
	e.log.Info("agent created", "agent_id", agentID, "owner", owner, "has_identity", identity != "")

	return scrub(&rec), nil
}

// stealIdentity deactivates the live agent currently holding the identity, if
// it is a different agent. The mapping itself is rewritten by the caller.
func (e *Engine) stealIdentity(ctx context.Context, identity, newAgentID string) error {
	entry, err := e.store.GetIdentity(ctx, identity)
	if err != nil {
		return Internalf(err, "check identity holder")
	}
	if entry == nil || entry.AgentID == newAgentID {
		return nil
	}

	holder, err := e.store.GetRecord(ctx, entry.AgentID)
	if err != nil {
		return Internalf(err, "load identity holder")
	}
	if holder == nil || holder.Removed {
		// Stale mapping; the upsert below will repoint it.
		return nil
	}

	e.log.Info("identity steal", "identity", identity, "from_agent", holder.AgentID, "to_agent", newAgentID)
	e.auditRecord(ctx, "create", newAgentID, "identity_steal", "deactivating "+holder.AgentID)
	if e.metrics != nil {
		e.metrics.IdentitySteals.Add(ctx, 1)
	}
	return e.deactivate(ctx, holder, "identity_steal")
}

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// credentialField accepts credentials either as a pre-encoded JSON string or
// as an inline object, and stores the JSON text.
func credentialField(payload map[string]any) (string, error) {
	raw, ok := payload["credentials"]
	if !ok || raw == nil {
		return "", nil
	}
	if s, ok := raw.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("encode credentials: %w", err)
	}
	return string(b), nil
}

func extraAttrs(payload map[string]any) map[string]any {
	var attrs map[string]any
	for key, value := range payload {
		if reservedCreateKeys[key] {
			continue
		}
		if attrs == nil {
			attrs = make(map[string]any)
		}
		attrs[key] = value
	}
	return attrs
}
