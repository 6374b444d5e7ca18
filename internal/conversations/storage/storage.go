// Package storage defines persistence contracts for conversation membership state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/convene/internal/conversations/domain"
	"github.com/louisbranch/convene/internal/conversations/invite"
	"github.com/louisbranch/convene/internal/conversations/session"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrConflict indicates a conditional write observed a different state than
// it required. Callers lost a race and must not retry blindly.
var ErrConflict = errors.New("record conflict")

// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
var ErrAlreadyExists = errors.New("record already exists")

// ConversationPage stores a page of conversations ordered by last activity
// descending.
type ConversationPage struct {
	Conversations []domain.Conversation
	NextPageToken string
}

// InvitationPage stores a page of invitation records.
type InvitationPage struct {
	Invitations   []invite.Invitation
	NextPageToken string
}

// SyncState identifies one conversation's projection lifecycle state.
type SyncState string

const (
	// SyncStateUnsynced means the conversation has never been projected.
	SyncStateUnsynced SyncState = "unsynced"
	// SyncStateSyncing means a projection pass is in flight.
	SyncStateSyncing SyncState = "syncing"
	// SyncStateSynced means the projection matches the conversation.
	SyncStateSynced SyncState = "synced"
	// SyncStateFailed means the last projection pass stopped early. A
	// conversation that synced at least one participant stays usable in
	// degraded mode until the next reconciliation tick.
	SyncStateFailed SyncState = "sync_failed"
)

// SyncStateRecord stores one conversation's projection state.
type SyncStateRecord struct {
	ConversationID     string
	State              SyncState
	SyncedParticipants int
	LastError          string
	UpdatedAt          time.Time
}

// ConversationStore persists the conversation aggregate and its denormalized
// membership index.
type ConversationStore interface {
	// CreateConversation persists the conversation shell. The record is
	// written before any participant write so later add/activate calls
	// always update an existing row instead of racing creation.
	CreateConversation(ctx context.Context, conversation domain.Conversation) error
	PutConversation(ctx context.Context, conversation domain.Conversation) error
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	// GetConversationByAnyKey resolves the canonical id or any recognized
	// legacy alias. Historical records are never rewritten to one scheme.
	GetConversationByAnyKey(ctx context.Context, key string) (domain.Conversation, error)
	// UpsertParticipants replaces the participant list and its id index in
	// one transaction; partial lists are never visible mid-write.
	UpsertParticipants(ctx context.Context, conversationID string, participants []domain.Participant) error
	// ListConversationsByParticipant returns conversations containing the
	// participant, ordered by last activity descending.
	ListConversationsByParticipant(ctx context.Context, participantID string, pageSize int, pageToken string) (ConversationPage, error)
}

// InvitationStore persists invitation lifecycle records.
type InvitationStore interface {
	PutInvitation(ctx context.Context, invitation invite.Invitation) error
	GetInvitation(ctx context.Context, invitationID string) (invite.Invitation, error)
	// ResolveInvitationStatus performs a compare-and-set transition from one
	// status to another. ErrConflict is returned when the current status is
	// not the expected one, ErrNotFound when the invitation is missing.
	// Concurrent resolutions are serialized only by this conditional write.
	ResolveInvitationStatus(ctx context.Context, invitationID string, from invite.Status, to invite.Status, updatedAt time.Time) error
	ListInvitationsByConversation(ctx context.Context, conversationID string, status invite.Status, pageSize int, pageToken string) (InvitationPage, error)
	ListPendingInvitationsByRecipient(ctx context.Context, recipient string, pageSize int, pageToken string) (InvitationPage, error)
	// ListExpiredPending returns pending invitations whose expiry has passed,
	// for the background sweep.
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]invite.Invitation, error)
}

// SessionStore persists the unified session projection and per-conversation
// sync state.
type SessionStore interface {
	PutUnifiedSession(ctx context.Context, unified session.UnifiedSession) error
	GetUnifiedSession(ctx context.Context, sessionID string) (session.UnifiedSession, error)
	GetUnifiedSessionByConversation(ctx context.Context, conversationID string) (session.UnifiedSession, error)
	PutSyncState(ctx context.Context, record SyncStateRecord) error
	GetSyncState(ctx context.Context, conversationID string) (SyncStateRecord, error)
	// ListSyncStatesNeedingWork returns states that are not synced yet,
	// oldest first, for the periodic reconciliation tick.
	ListSyncStatesNeedingWork(ctx context.Context, limit int) ([]SyncStateRecord, error)
}
