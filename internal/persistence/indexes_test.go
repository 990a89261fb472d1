package persistence_test

import (
	"testing"
	"time"
)

func TestOwnerIndex_PutListDelete(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := t.Context()

	for _, id := range []string{"agent-b", "agent-a"} {
		if err := store.PutOwnerEntry(ctx, "owner-1", id); err != nil {
			t.Fatalf("put owner entry %s: %v", id, err)
		}
	}
	// Re-claiming the same pair is a no-op, not an error.
	if err := store.PutOwnerEntry(ctx, "owner-1", "agent-a"); err != nil {
		t.Fatalf("duplicate put owner entry: %v", err)
	}
	if err := store.PutOwnerEntry(ctx, "owner-2", "agent-c"); err != nil {
		t.Fatalf("put owner entry for owner-2: %v", err)
	}

	ids, err := store.ListAgentIDsByOwner(ctx, "owner-1")
	if err != nil {
		t.Fatalf("list by owner: %v", err)
	}
	if len(ids) != 2 || ids[0] != "agent-a" || ids[1] != "agent-b" {
		t.Fatalf("expected [agent-a agent-b], got %v", ids)
	}

	if err := store.DeleteOwnerEntry(ctx, "owner-1", "agent-a"); err != nil {
		t.Fatalf("delete owner entry: %v", err)
	}
	if err := store.DeleteOwnerEntry(ctx, "owner-1", "agent-a"); err != nil {
		t.Fatalf("second delete must be a no-op: %v", err)
	}

	ids, err = store.ListAgentIDsByOwner(ctx, "owner-1")
	if err != nil {
		t.Fatalf("list by owner: %v", err)
	}
	if len(ids) != 1 || ids[0] != "agent-b" {
		t.Fatalf("expected [agent-b], got %v", ids)
	}
}

func TestOwnerIndex_UnknownOwnerIsEmpty(t *testing.T) {
	store, _ := openTestStore(t)

	ids, err := store.ListAgentIDsByOwner(t.Context(), "nobody")
	if err != nil {
		t.Fatalf("list by owner: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty list, got %v", ids)
	}
}

func TestIdentityMap_UpsertReplacesHolder(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := t.Context()

	first := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	if err := store.PutIdentity(ctx, "mycharacter", "agent-1", first); err != nil {
		t.Fatalf("put identity: %v", err)
	}

	got, err := store.GetIdentity(ctx, "mycharacter")
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if got == nil || got.AgentID != "agent-1" {
		t.Fatalf("expected agent-1 to hold the identity, got %+v", got)
	}

	// A later claim takes the identity over.
	second := first.Add(time.Hour)
	if err := store.PutIdentity(ctx, "mycharacter", "agent-2", second); err != nil {
		t.Fatalf("re-put identity: %v", err)
	}
	got, err = store.GetIdentity(ctx, "mycharacter")
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if got.AgentID != "agent-2" {
		t.Fatalf("expected agent-2 to hold the identity, got %+v", got)
	}
	if !got.CreatedAt.Equal(second) {
		t.Fatalf("expected created_at refreshed to %v, got %v", second, got.CreatedAt)
	}
}

func TestIdentityMap_GetMissingReturnsNil(t *testing.T) {
	store, _ := openTestStore(t)

	got, err := store.GetIdentity(t.Context(), "ghost")
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing identity, got %+v", got)
	}
}

func TestIdentityMap_DeleteIsIdempotent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := t.Context()

	if err := store.PutIdentity(ctx, "mycharacter", "agent-1", time.Now().UTC()); err != nil {
		t.Fatalf("put identity: %v", err)
	}
	if err := store.DeleteIdentity(ctx, "mycharacter"); err != nil {
		t.Fatalf("delete identity: %v", err)
	}
	if err := store.DeleteIdentity(ctx, "mycharacter"); err != nil {
		t.Fatalf("second delete must be a no-op: %v", err)
	}

	got, err := store.GetIdentity(ctx, "mycharacter")
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if got != nil {
		t.Fatalf("expected identity gone, got %+v", got)
	}
}
