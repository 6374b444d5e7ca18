package bridge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/louisbranch/convene/internal/conversations/domain"
	"github.com/louisbranch/convene/internal/conversations/session"
	"github.com/louisbranch/convene/internal/conversations/storage"
	"github.com/louisbranch/convene/internal/conversations/storage/memory"
	apperrors "github.com/louisbranch/convene/internal/platform/errors"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func sequentialIDs(prefix string) func() (string, error) {
	counter := 0
	return func() (string, error) {
		counter++
		return fmt.Sprintf("%s-%d", prefix, counter), nil
	}
}

func newBridge(t *testing.T, store Store, at time.Time) *SyncBridge {
	t.Helper()
	b, err := New(store, fixedClock(at), sequentialIDs("sess"))
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	return b
}

func seedConversation(t *testing.T, store *memory.Store, participants ...domain.Participant) domain.Conversation {
	t.Helper()
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	conversation := domain.Conversation{
		ID:           "conv-1",
		Name:         "Planning",
		CreatedBy:    "user-1",
		CreatedAt:    created,
		LastActivity: created,
		Settings: domain.Settings{
			AllowInvites:    true,
			AllowAgents:     true,
			MaxParticipants: domain.DefaultMaxParticipants,
		},
		Participants: participants,
	}
	if err := store.CreateConversation(context.Background(), conversation); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return conversation
}

func activeHuman(id, name string) domain.Participant {
	return domain.Participant{
		ID:          id,
		DisplayName: name,
		Kind:        domain.KindHuman,
		Status:      domain.StatusActive,
		Role:        domain.RoleParticipant,
	}
}

func TestTrackRegistersUnsynced(t *testing.T) {
	store := memory.NewStore()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b := newBridge(t, store, at)

	if err := b.Track(context.Background(), "conv-1"); err != nil {
		t.Fatalf("track: %v", err)
	}
	record, err := store.GetSyncState(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("get sync state: %v", err)
	}
	if record.State != storage.SyncStateUnsynced {
		t.Fatalf("expected unsynced, got %v", record.State)
	}
}

func TestTrackPreservesExistingState(t *testing.T) {
	store := memory.NewStore()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := store.PutSyncState(context.Background(), storage.SyncStateRecord{
		ConversationID:     "conv-1",
		State:              storage.SyncStateSynced,
		SyncedParticipants: 3,
		UpdatedAt:          at,
	}); err != nil {
		t.Fatalf("seed sync state: %v", err)
	}
	b := newBridge(t, store, at)

	if err := b.Track(context.Background(), "conv-1"); err != nil {
		t.Fatalf("track: %v", err)
	}
	record, err := store.GetSyncState(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("get sync state: %v", err)
	}
	if record.State != storage.SyncStateSynced || record.SyncedParticipants != 3 {
		t.Fatalf("state reset by track: %+v", record)
	}
}

func TestSyncProjectsActiveParticipants(t *testing.T) {
	store := memory.NewStore()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	creator := activeHuman("user-1", "User One")
	creator.Role = domain.RoleCreator
	pending := domain.Participant{
		ID:     "user-3",
		Kind:   domain.KindHuman,
		Status: domain.StatusPending,
		Role:   domain.RoleParticipant,
	}
	agent := domain.Participant{
		ID:          "agent-1",
		DisplayName: "Helper",
		Kind:        domain.KindAgent,
		Status:      domain.StatusActive,
		Role:        domain.RoleParticipant,
	}
	seedConversation(t, store, creator, activeHuman("user-2", "User Two"), pending, agent)
	b := newBridge(t, store, at)

	if err := b.Sync(context.Background(), "conv-1"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	unified, err := store.GetUnifiedSessionByConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("get unified session: %v", err)
	}
	if len(unified.Participants) != 3 {
		t.Fatalf("expected 3 projected participants, got %d", len(unified.Participants))
	}
	if unified.Mode != session.ModeShared {
		t.Fatalf("expected shared mode, got %v", unified.Mode)
	}
	if unified.HostUserID != "user-1" || unified.AgentID != "agent-1" {
		t.Fatalf("unexpected host or agent: %+v", unified)
	}
	if unified.Metadata.LinkedSessionID != "conv-1" {
		t.Fatalf("unexpected linkage: %+v", unified.Metadata)
	}

	record, err := store.GetSyncState(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("get sync state: %v", err)
	}
	if record.State != storage.SyncStateSynced || record.SyncedParticipants != 3 {
		t.Fatalf("unexpected sync state: %+v", record)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	creator := activeHuman("user-1", "User One")
	creator.Role = domain.RoleCreator
	seedConversation(t, store, creator, activeHuman("user-2", "User Two"))
	b := newBridge(t, store, at)

	if err := b.Sync(context.Background(), "conv-1"); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	first, err := store.GetUnifiedSessionByConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("get unified session: %v", err)
	}

	if err := b.Sync(context.Background(), "conv-1"); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	second, err := store.GetUnifiedSessionByConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("reload unified session: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("session id changed across syncs: %q vs %q", first.ID, second.ID)
	}
	if len(second.Participants) != len(first.Participants) || second.Mode != first.Mode {
		t.Fatalf("session drifted across syncs: %+v vs %+v", first, second)
	}
}

func TestSyncPartialFailureKeepsProjectedParticipants(t *testing.T) {
	store := memory.NewStore()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	creator := activeHuman("user-1", "User One")
	creator.Role = domain.RoleCreator
	// Legacy record with an unrecognized participant kind.
	broken := domain.Participant{
		ID:     "user-x",
		Status: domain.StatusActive,
		Role:   domain.RoleParticipant,
	}
	seedConversation(t, store, creator, broken, activeHuman("user-2", "User Two"))
	b := newBridge(t, store, at)

	err := b.Sync(context.Background(), "conv-1")
	if !errors.Is(err, apperrors.New(apperrors.CodeSessionProjectionFailed, "")) {
		t.Fatalf("expected projection failure, got %v", err)
	}

	unified, sessionErr := store.GetUnifiedSessionByConversation(context.Background(), "conv-1")
	if sessionErr != nil {
		t.Fatalf("get unified session: %v", sessionErr)
	}
	if len(unified.Participants) != 2 {
		t.Fatalf("expected 2 projected participants, got %d", len(unified.Participants))
	}

	record, stateErr := store.GetSyncState(context.Background(), "conv-1")
	if stateErr != nil {
		t.Fatalf("get sync state: %v", stateErr)
	}
	if record.State != storage.SyncStateFailed || record.SyncedParticipants != 2 {
		t.Fatalf("unexpected sync state: %+v", record)
	}
	if record.LastError == "" {
		t.Fatal("expected recorded error")
	}
}

func TestSyncMissingConversationFails(t *testing.T) {
	store := memory.NewStore()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b := newBridge(t, store, at)

	err := b.Sync(context.Background(), "missing")
	if !errors.Is(err, apperrors.New(apperrors.CodeSessionProjectionFailed, "")) {
		t.Fatalf("expected projection failure, got %v", err)
	}
	record, stateErr := store.GetSyncState(context.Background(), "missing")
	if stateErr != nil {
		t.Fatalf("get sync state: %v", stateErr)
	}
	if record.State != storage.SyncStateFailed {
		t.Fatalf("expected failed state, got %v", record.State)
	}
}

func TestReconcileTickDrainsBacklog(t *testing.T) {
	store := memory.NewStore()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	creator := activeHuman("user-1", "User One")
	creator.Role = domain.RoleCreator
	seedConversation(t, store, creator)
	b := newBridge(t, store, at)

	if err := b.Track(context.Background(), "conv-1"); err != nil {
		t.Fatalf("track: %v", err)
	}

	synced, failed := b.ReconcileTick(context.Background(), 10)
	if synced != 1 || failed != 0 {
		t.Fatalf("expected 1 synced, got %d synced %d failed", synced, failed)
	}
	record, err := store.GetSyncState(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("get sync state: %v", err)
	}
	if record.State != storage.SyncStateSynced {
		t.Fatalf("expected synced, got %v", record.State)
	}

	synced, failed = b.ReconcileTick(context.Background(), 10)
	if synced != 0 || failed != 0 {
		t.Fatalf("expected empty pass, got %d synced %d failed", synced, failed)
	}
}
