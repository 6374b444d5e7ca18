package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/convene/internal/conversations/domain"
	"github.com/louisbranch/convene/internal/conversations/invite"
	"github.com/louisbranch/convene/internal/conversations/session"
	"github.com/louisbranch/convene/internal/conversations/storage"
)

func sampleConversation(id string, lastActivity time.Time) domain.Conversation {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return domain.Conversation{
		ID:           id,
		Name:         "Planning",
		CreatedBy:    "user-1",
		CreatedAt:    created,
		LastActivity: lastActivity,
		Settings: domain.Settings{
			AllowInvites:    true,
			AllowAgents:     true,
			MaxParticipants: domain.DefaultMaxParticipants,
		},
		Participants: []domain.Participant{{
			ID:          "user-1",
			DisplayName: "User One",
			Kind:        domain.KindHuman,
			Status:      domain.StatusActive,
			Role:        domain.RoleCreator,
			JoinedAt:    created,
		}},
	}
}

func TestCreateConversationDuplicate(t *testing.T) {
	store := NewStore()

	conversation := sampleConversation("conv-1", time.Now().UTC())
	if err := store.CreateConversation(context.Background(), conversation); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if err := store.CreateConversation(context.Background(), conversation); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
}

func TestGetConversationByAnyKey(t *testing.T) {
	store := NewStore()

	conversation := sampleConversation("conv-1", time.Now().UTC())
	conversation.Aliases = []string{"host-chat-42"}
	if err := store.CreateConversation(context.Background(), conversation); err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	got, err := store.GetConversationByAnyKey(context.Background(), "host-chat-42")
	if err != nil {
		t.Fatalf("get by alias: %v", err)
	}
	if got.ID != "conv-1" {
		t.Fatalf("alias resolved to %q", got.ID)
	}
	if _, err := store.GetConversationByAnyKey(context.Background(), "unknown"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetConversationIsolatedFromCallerMutation(t *testing.T) {
	store := NewStore()

	conversation := sampleConversation("conv-1", time.Now().UTC())
	if err := store.CreateConversation(context.Background(), conversation); err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	got, err := store.GetConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	got.Participants[0].DisplayName = "mutated"

	reloaded, err := store.GetConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("reload conversation: %v", err)
	}
	if reloaded.Participants[0].DisplayName != "User One" {
		t.Fatalf("stored record mutated: %+v", reloaded.Participants[0])
	}
}

func TestMirrorConversationOverwrites(t *testing.T) {
	store := NewStore()

	conversation := sampleConversation("conv-1", time.Now().UTC())
	if err := store.MirrorConversation(context.Background(), conversation); err != nil {
		t.Fatalf("mirror conversation: %v", err)
	}
	conversation.Name = "Renamed"
	if err := store.MirrorConversation(context.Background(), conversation); err != nil {
		t.Fatalf("mirror again: %v", err)
	}

	got, err := store.GetConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.Name != "Renamed" {
		t.Fatalf("unexpected name: %q", got.Name)
	}
}

func TestUpsertParticipantsMissing(t *testing.T) {
	store := NewStore()

	err := store.UpsertParticipants(context.Background(), "missing", nil)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListConversationsByParticipantPaging(t *testing.T) {
	store := NewStore()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"conv-a", "conv-b", "conv-c"} {
		conversation := sampleConversation(id, base.Add(time.Duration(i)*time.Hour))
		if err := store.CreateConversation(context.Background(), conversation); err != nil {
			t.Fatalf("create conversation %s: %v", id, err)
		}
	}

	page, err := store.ListConversationsByParticipant(context.Background(), "user-1", 2, "")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(page.Conversations) != 2 || page.Conversations[0].ID != "conv-c" {
		t.Fatalf("unexpected first page: %+v", page.Conversations)
	}

	rest, err := store.ListConversationsByParticipant(context.Background(), "user-1", 2, page.NextPageToken)
	if err != nil {
		t.Fatalf("list second page: %v", err)
	}
	if len(rest.Conversations) != 1 || rest.Conversations[0].ID != "conv-a" {
		t.Fatalf("unexpected second page: %+v", rest.Conversations)
	}
}

func TestResolveInvitationStatusTransitions(t *testing.T) {
	store := NewStore()

	created := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	invitation := invite.Invitation{
		ID:             "inv-1",
		ConversationID: "conv-1",
		FromUserID:     "user-1",
		ToUserID:       "user-2",
		Status:         invite.StatusPending,
		CreatedAt:      created,
		UpdatedAt:      created,
		ExpiresAt:      created.Add(invite.TTL),
	}
	if err := store.PutInvitation(context.Background(), invitation); err != nil {
		t.Fatalf("put invitation: %v", err)
	}

	if err := store.ResolveInvitationStatus(context.Background(), "inv-1", invite.StatusPending, invite.StatusAccepted, created.Add(time.Minute)); err != nil {
		t.Fatalf("resolve invitation: %v", err)
	}
	err := store.ResolveInvitationStatus(context.Background(), "inv-1", invite.StatusPending, invite.StatusDeclined, created.Add(time.Minute))
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	err = store.ResolveInvitationStatus(context.Background(), "missing", invite.StatusPending, invite.StatusAccepted, created)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListPendingInvitationsByRecipient(t *testing.T) {
	store := NewStore()

	created := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	invitations := []invite.Invitation{
		{ID: "inv-1", ConversationID: "conv-1", FromUserID: "user-1", ToUserID: "user-2", Status: invite.StatusPending, CreatedAt: created, UpdatedAt: created, ExpiresAt: created.Add(invite.TTL)},
		{ID: "inv-2", ConversationID: "conv-2", FromUserID: "user-1", ToEmail: "pat@example.com", Status: invite.StatusPending, CreatedAt: created, UpdatedAt: created, ExpiresAt: created.Add(invite.TTL)},
		{ID: "inv-3", ConversationID: "conv-3", FromUserID: "user-1", ToUserID: "user-2", Status: invite.StatusDeclined, CreatedAt: created, UpdatedAt: created, ExpiresAt: created.Add(invite.TTL)},
	}
	for _, invitation := range invitations {
		if err := store.PutInvitation(context.Background(), invitation); err != nil {
			t.Fatalf("put invitation %s: %v", invitation.ID, err)
		}
	}

	byUser, err := store.ListPendingInvitationsByRecipient(context.Background(), "user-2", 5, "")
	if err != nil {
		t.Fatalf("list by user: %v", err)
	}
	if len(byUser.Invitations) != 1 || byUser.Invitations[0].ID != "inv-1" {
		t.Fatalf("unexpected user page: %+v", byUser.Invitations)
	}

	byEmail, err := store.ListPendingInvitationsByRecipient(context.Background(), "Pat@Example.com", 5, "")
	if err != nil {
		t.Fatalf("list by email: %v", err)
	}
	if len(byEmail.Invitations) != 1 || byEmail.Invitations[0].ID != "inv-2" {
		t.Fatalf("unexpected email page: %+v", byEmail.Invitations)
	}
}

func TestListExpiredPending(t *testing.T) {
	store := NewStore()

	created := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	old := invite.Invitation{ID: "inv-old", ConversationID: "conv-1", FromUserID: "user-1", ToUserID: "user-2", Status: invite.StatusPending, CreatedAt: created, UpdatedAt: created, ExpiresAt: created.Add(invite.TTL)}
	fresh := old
	fresh.ID = "inv-new"
	fresh.ExpiresAt = created.Add(invite.TTL + 48*time.Hour)
	for _, invitation := range []invite.Invitation{old, fresh} {
		if err := store.PutInvitation(context.Background(), invitation); err != nil {
			t.Fatalf("put invitation %s: %v", invitation.ID, err)
		}
	}

	got, err := store.ListExpiredPending(context.Background(), created.Add(invite.TTL), 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(got) != 1 || got[0].ID != "inv-old" {
		t.Fatalf("unexpected expired set: %+v", got)
	}
}

func TestUnifiedSessionRoundTrip(t *testing.T) {
	store := NewStore()

	unified := session.UnifiedSession{
		ID:       "sess-1",
		Mode:     session.ModeRegular,
		Metadata: session.Metadata{LinkedSessionID: "conv-1"},
		Participants: []session.Participant{
			{ID: "user-1", DisplayName: "User One", Kind: domain.KindHuman},
		},
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.PutUnifiedSession(context.Background(), unified); err != nil {
		t.Fatalf("put unified session: %v", err)
	}

	got, err := store.GetUnifiedSessionByConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("get by conversation: %v", err)
	}
	if got.ID != "sess-1" || len(got.Participants) != 1 {
		t.Fatalf("unexpected session: %+v", got)
	}
	if _, err := store.GetUnifiedSession(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListSyncStatesNeedingWork(t *testing.T) {
	store := NewStore()

	base := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	records := []storage.SyncStateRecord{
		{ConversationID: "conv-synced", State: storage.SyncStateSynced, UpdatedAt: base},
		{ConversationID: "conv-unsynced", State: storage.SyncStateUnsynced, UpdatedAt: base.Add(2 * time.Minute)},
		{ConversationID: "conv-failed", State: storage.SyncStateFailed, UpdatedAt: base.Add(time.Minute)},
	}
	for _, record := range records {
		if err := store.PutSyncState(context.Background(), record); err != nil {
			t.Fatalf("put sync state %s: %v", record.ConversationID, err)
		}
	}

	got, err := store.ListSyncStatesNeedingWork(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sync states: %v", err)
	}
	if len(got) != 2 || got[0].ConversationID != "conv-failed" || got[1].ConversationID != "conv-unsynced" {
		t.Fatalf("unexpected records: %+v", got)
	}
}
