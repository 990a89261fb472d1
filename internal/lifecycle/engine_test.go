package lifecycle_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/herder/internal/authority"
	"github.com/basket/herder/internal/bus"
	"github.com/basket/herder/internal/lifecycle"
	"github.com/basket/herder/internal/persistence"
)

type fakeOrchestrator struct {
	nextRef string
	err     error
	calls   []string
}

func (f *fakeOrchestrator) StartAgent(_ context.Context, agentID, _, _ string) (string, error) {
	f.calls = append(f.calls, agentID)
	if f.err != nil {
		return "", f.err
	}
	if f.nextRef == "" {
		return "task-ref-" + agentID, nil
	}
	return f.nextRef, nil
}

type testEnv struct {
	engine *lifecycle.Engine
	store  *persistence.Store
	orch   *fakeOrchestrator
	bus    *bus.Bus
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "herder.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	env := &testEnv{
		store: store,
		orch:  &fakeOrchestrator{},
		bus:   bus.New(),
		now:   time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
	}
	engine, err := lifecycle.New(lifecycle.Config{
		Store:        store,
		Orchestrator: env.orch,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Bus:          env.bus,
		Now:          func() time.Time { return env.now },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	env.engine = engine
	return env
}

func createPayload(agentID, owner string, extra map[string]any) map[string]any {
	payload := map[string]any{"agentId": agentID, "owner": owner}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}

func TestCreate_WritesAllThreeStores(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	rec, err := env.engine.Create(ctx, createPayload("agent-1", "owner-1", map[string]any{
		"externalIdentity": "mycharacter",
		"characterFile":    "s3://chars/a.json",
		"credentials":      map[string]any{"apiKey": "secret"},
		"plan":             "pro",
	}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Credentials != "" {
		t.Fatalf("create response must not expose credentials, got %q", rec.Credentials)
	}
	if rec.Attrs["plan"] != "pro" {
		t.Fatalf("unexpected attrs: %+v", rec.Attrs)
	}

	stored, err := env.store.GetRecord(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if stored == nil || stored.Removed {
		t.Fatalf("expected live stored record, got %+v", stored)
	}
	if stored.Credentials != `{"apiKey":"secret"}` {
		t.Fatalf("credentials not persisted: %q", stored.Credentials)
	}

	ids, err := env.store.ListAgentIDsByOwner(ctx, "owner-1")
	if err != nil {
		t.Fatalf("list by owner: %v", err)
	}
	if len(ids) != 1 || ids[0] != "agent-1" {
		t.Fatalf("owner index not written: %v", ids)
	}

	identity, err := env.store.GetIdentity(ctx, "mycharacter")
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if identity == nil || identity.AgentID != "agent-1" {
		t.Fatalf("identity mapping not written: %+v", identity)
	}
}

func TestCreate_MissingRequiredFieldsIsValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Create(t.Context(), map[string]any{"owner": "owner-1"})
	if lifecycle.ClassOf(err) != lifecycle.ClassValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = env.engine.Create(t.Context(), map[string]any{"agentId": "agent-1"})
	if lifecycle.ClassOf(err) != lifecycle.ClassValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreate_ExistingAgentIsConflictWithoutWrites(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	if _, err := env.engine.Create(ctx, createPayload("agent-1", "owner-1", nil)); err != nil {
		t.Fatalf("first create: %v", err)
	}

	_, err := env.engine.Create(ctx, createPayload("agent-1", "owner-2", map[string]any{"externalIdentity": "newhandle"}))
	if lifecycle.ClassOf(err) != lifecycle.ClassConflict {
		t.Fatalf("expected conflict, got %v", err)
	}

	// The rejected create must not have touched the secondary stores.
	ids, err := env.store.ListAgentIDsByOwner(ctx, "owner-2")
	if err != nil {
		t.Fatalf("list by owner: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("conflict create leaked an owner entry: %v", ids)
	}
	identity, err := env.store.GetIdentity(ctx, "newhandle")
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if identity != nil {
		t.Fatalf("conflict create leaked an identity mapping: %+v", identity)
	}
}

func TestCreate_StealDeactivatesPriorHolder(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	if _, err := env.engine.Create(ctx, createPayload("agent-old", "owner-1", map[string]any{"externalIdentity": "mycharacter"})); err != nil {
		t.Fatalf("create old: %v", err)
	}
	if _, err := env.engine.Start(ctx, "agent-old", "char.json", ""); err != nil {
		t.Fatalf("start old: %v", err)
	}

	if _, err := env.engine.Create(ctx, createPayload("agent-new", "owner-2", map[string]any{"externalIdentity": "mycharacter"})); err != nil {
		t.Fatalf("create new: %v", err)
	}

	old, err := env.store.GetRecord(ctx, "agent-old")
	if err != nil {
		t.Fatalf("get old record: %v", err)
	}
	if !old.Removed {
		t.Fatal("expected prior identity holder deactivated")
	}
	if task, _ := env.store.GetTask(ctx, "agent-old"); task != nil {
		t.Fatalf("expected old task mapping cleared, got %+v", task)
	}
	if ids, _ := env.store.ListAgentIDsByOwner(ctx, "owner-1"); len(ids) != 0 {
		t.Fatalf("expected old owner entry cleared, got %v", ids)
	}

	identity, err := env.store.GetIdentity(ctx, "mycharacter")
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if identity == nil || identity.AgentID != "agent-new" {
		t.Fatalf("expected identity repointed to agent-new, got %+v", identity)
	}
}

func TestCreate_StaleIdentityMappingIsNotASteal(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	// A mapping pointing at an already-removed agent is just repointed.
	if _, err := env.engine.Create(ctx, createPayload("agent-old", "owner-1", map[string]any{"externalIdentity": "mycharacter"})); err != nil {
		t.Fatalf("create old: %v", err)
	}
	if err := env.engine.Remove(ctx, "agent-old"); err != nil {
		t.Fatalf("remove old: %v", err)
	}
	// Remove deleted the mapping; recreate a stale one by hand.
	if err := env.store.PutIdentity(ctx, "mycharacter", "agent-old", env.now); err != nil {
		t.Fatalf("put stale identity: %v", err)
	}

	if _, err := env.engine.Create(ctx, createPayload("agent-new", "owner-2", map[string]any{"externalIdentity": "mycharacter"})); err != nil {
		t.Fatalf("create new: %v", err)
	}
	identity, _ := env.store.GetIdentity(ctx, "mycharacter")
	if identity == nil || identity.AgentID != "agent-new" {
		t.Fatalf("expected stale mapping repointed, got %+v", identity)
	}
}

func TestStart_RecordsTaskMapping(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	entry, err := env.engine.Start(ctx, "agent-1", "s3://chars/a.json", `{"apiKey":"k"}`)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if entry.TaskRef != "task-ref-agent-1" || entry.Status != persistence.TaskStatusRunning {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	stored, err := env.store.GetTask(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored == nil || stored.TaskRef != "task-ref-agent-1" {
		t.Fatalf("task mapping not written: %+v", stored)
	}
}

func TestStart_ValidatesInput(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.engine.Start(t.Context(), "", "char.json", ""); lifecycle.ClassOf(err) != lifecycle.ClassValidation {
		t.Fatalf("expected validation error for missing agentId, got %v", err)
	}
	if _, err := env.engine.Start(t.Context(), "agent-1", "", ""); lifecycle.ClassOf(err) != lifecycle.ClassValidation {
		t.Fatalf("expected validation error for missing characterFile, got %v", err)
	}
	if len(env.orch.calls) != 0 {
		t.Fatalf("validation failures must not reach the orchestrator: %v", env.orch.calls)
	}
}

func TestStart_NotReadyIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	env.orch.err = fmt.Errorf("orchestrator: warming up: %w", authority.ErrNotReady)

	_, err := env.engine.Start(t.Context(), "agent-1", "char.json", "")
	if lifecycle.ClassOf(err) != lifecycle.ClassUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if lifecycle.HTTPStatus(err) != 503 {
		t.Fatalf("expected 503, got %d", lifecycle.HTTPStatus(err))
	}
	if task, _ := env.store.GetTask(t.Context(), "agent-1"); task != nil {
		t.Fatalf("failed start must not record a mapping, got %+v", task)
	}
}

func TestStart_OtherAuthorityFailureIsInternal(t *testing.T) {
	env := newTestEnv(t)
	env.orch.err = errors.New("image pull failed")

	_, err := env.engine.Start(t.Context(), "agent-1", "char.json", "")
	if lifecycle.ClassOf(err) != lifecycle.ClassInternal {
		t.Fatalf("expected internal, got %v", err)
	}
	if lifecycle.HTTPStatus(err) != 500 {
		t.Fatalf("expected 500, got %d", lifecycle.HTTPStatus(err))
	}
}

func TestFetch_ByIDScrubsCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	if _, err := env.engine.Create(ctx, createPayload("agent-1", "owner-1", map[string]any{"credentials": `{"apiKey":"secret"}`})); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec, err := env.engine.FetchByID(ctx, "agent-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if rec.Credentials != "" {
		t.Fatalf("fetch exposed credentials: %q", rec.Credentials)
	}
}

func TestFetch_ByIDMissingIsNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.FetchByID(t.Context(), "ghost")
	if lifecycle.ClassOf(err) != lifecycle.ClassNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFetch_ByOwnerSkipsDanglingEntries(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	if _, err := env.engine.Create(ctx, createPayload("agent-1", "owner-1", nil)); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Index entry for a record that was never written.
	if err := env.store.PutOwnerEntry(ctx, "owner-1", "agent-ghost"); err != nil {
		t.Fatalf("put dangling owner entry: %v", err)
	}

	recs, err := env.engine.FetchByOwner(ctx, "owner-1")
	if err != nil {
		t.Fatalf("fetch by owner: %v", err)
	}
	if len(recs) != 1 || recs[0].AgentID != "agent-1" {
		t.Fatalf("expected only agent-1, got %+v", recs)
	}
}

func TestFetch_ActiveExcludesRemoved(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	if _, err := env.engine.Create(ctx, createPayload("agent-1", "owner-1", nil)); err != nil {
		t.Fatalf("create agent-1: %v", err)
	}
	env.now = env.now.Add(time.Minute)
	if _, err := env.engine.Create(ctx, createPayload("agent-2", "owner-1", nil)); err != nil {
		t.Fatalf("create agent-2: %v", err)
	}
	if err := env.engine.Remove(ctx, "agent-1"); err != nil {
		t.Fatalf("remove agent-1: %v", err)
	}

	recs, err := env.engine.FetchActive(ctx)
	if err != nil {
		t.Fatalf("fetch active: %v", err)
	}
	if len(recs) != 1 || recs[0].AgentID != "agent-2" {
		t.Fatalf("expected only agent-2, got %+v", recs)
	}
}

func TestUpdate_StripsIdentifierAndRejectsEmpty(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	if _, err := env.engine.Create(ctx, createPayload("agent-1", "owner-1", nil)); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := env.engine.Update(ctx, "agent-1", map[string]any{"agentId": "agent-1"})
	if lifecycle.ClassOf(err) != lifecycle.ClassValidation {
		t.Fatalf("expected validation error for identifier-only payload, got %v", err)
	}

	rec, err := env.engine.Update(ctx, "agent-1", map[string]any{"agentId": "agent-hijack", "characterFile": "v2.json"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rec.AgentID != "agent-1" {
		t.Fatalf("agent id must be immutable, got %q", rec.AgentID)
	}
	if rec.CharacterFile != "v2.json" {
		t.Fatalf("field not updated: %+v", rec)
	}
}

func TestUpdate_NonStringColumnFieldIsValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	if _, err := env.engine.Create(ctx, createPayload("agent-1", "owner-1", nil)); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := env.engine.Update(ctx, "agent-1", map[string]any{"owner": 123})
	if lifecycle.ClassOf(err) != lifecycle.ClassValidation {
		t.Fatalf("expected validation error for non-string owner, got %v", err)
	}
	if got := lifecycle.HTTPStatus(err); got != 400 {
		t.Fatalf("expected status 400, got %d", got)
	}

	rec, err := env.store.GetRecord(ctx, "agent-1")
	if err != nil || rec == nil {
		t.Fatalf("get record: %v %+v", err, rec)
	}
	if rec.Owner != "owner-1" {
		t.Fatalf("rejected update must not change the record, got owner %q", rec.Owner)
	}
}

func TestUpdate_MissingAgentIsNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Update(t.Context(), "ghost", map[string]any{"characterFile": "v2.json"})
	if lifecycle.ClassOf(err) != lifecycle.ClassNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRemove_FlipsFlagAndClearsSecondaries(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	if _, err := env.engine.Create(ctx, createPayload("agent-1", "owner-1", map[string]any{"externalIdentity": "mycharacter"})); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.engine.Start(ctx, "agent-1", "char.json", ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := env.engine.Remove(ctx, "agent-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	rec, _ := env.store.GetRecord(ctx, "agent-1")
	if rec == nil || !rec.Removed {
		t.Fatalf("expected removed record, got %+v", rec)
	}
	if ids, _ := env.store.ListAgentIDsByOwner(ctx, "owner-1"); len(ids) != 0 {
		t.Fatalf("owner entry not cleared: %v", ids)
	}
	if task, _ := env.store.GetTask(ctx, "agent-1"); task != nil {
		t.Fatalf("task mapping not cleared: %+v", task)
	}
	if identity, _ := env.store.GetIdentity(ctx, "mycharacter"); identity != nil {
		t.Fatalf("identity mapping not cleared: %+v", identity)
	}
}

func TestRemove_FlipsFlagWhenAllSecondaryDeletesFail(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	if _, err := env.engine.Create(ctx, createPayload("agent-1", "owner-1", map[string]any{"externalIdentity": "mycharacter"})); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.engine.Start(ctx, "agent-1", "char.json", ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Make every secondary delete fail while the record store stays healthy.
	for _, table := range []string{"owner_index", "task_map", "identity_map"} {
		if _, err := env.store.DB().ExecContext(ctx, "DROP TABLE "+table); err != nil {
			t.Fatalf("drop %s: %v", table, err)
		}
	}

	if err := env.engine.Remove(ctx, "agent-1"); err != nil {
		t.Fatalf("remove must succeed despite secondary failures, got %v", err)
	}

	rec, err := env.store.GetRecord(ctx, "agent-1")
	if err != nil || rec == nil {
		t.Fatalf("get record: %v %+v", err, rec)
	}
	if !rec.Removed {
		t.Fatalf("removed flag not flipped: %+v", rec)
	}
}

func TestRemove_IsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	if _, err := env.engine.Create(ctx, createPayload("agent-1", "owner-1", nil)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.engine.Remove(ctx, "agent-1"); err != nil {
		t.Fatalf("first remove: %v", err)
	}
	// Second remove re-runs the cleanup against a removed record.
	if err := env.engine.Remove(ctx, "agent-1"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

func TestRemove_MissingAgentIsNotFound(t *testing.T) {
	env := newTestEnv(t)

	err := env.engine.Remove(t.Context(), "ghost")
	if lifecycle.ClassOf(err) != lifecycle.ClassNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
