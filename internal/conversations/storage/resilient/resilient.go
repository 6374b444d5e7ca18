// Package resilient wraps a durable conversations store with retries, call
// timeouts, and an in-memory mirror that keeps reads serving while the
// durable store is unreachable.
package resilient

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/louisbranch/convene/internal/conversations/domain"
	"github.com/louisbranch/convene/internal/conversations/invite"
	"github.com/louisbranch/convene/internal/conversations/session"
	"github.com/louisbranch/convene/internal/conversations/storage"
	"github.com/louisbranch/convene/internal/conversations/storage/memory"
	apperrors "github.com/louisbranch/convene/internal/platform/errors"
	"github.com/louisbranch/convene/internal/platform/timeouts"
)

const maxAttempts = 3

const retryBackoff = 50 * time.Millisecond

// Store decorates a durable backend. Reads that fail against the backend
// fall back to the mirror; mutations that exhaust their retries surface a
// store-unavailable error so callers can degrade explicitly. Domain
// sentinels pass through untouched and are never retried.
type Store struct {
	durable Backend
	mirror  *memory.Store
}

// Backend is the durable store the wrapper protects.
type Backend interface {
	storage.ConversationStore
	storage.InvitationStore
	storage.SessionStore
}

// New wraps the durable backend with a fresh mirror.
func New(durable Backend) *Store {
	return &Store{durable: durable, mirror: memory.NewStore()}
}

func isDomainError(err error) bool {
	return errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, storage.ErrConflict) ||
		errors.Is(err, storage.ErrAlreadyExists)
}

// call runs one attempt against the durable backend under the store-call
// timeout. Retries stop early on domain sentinels and context cancellation.
func (s *Store) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff):
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeouts.StoreCall)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if isDomainError(err) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		log.Printf("store %s attempt %d failed: %v", op, attempt+1, err)
	}
	return apperrors.Wrap(apperrors.CodeStoreUnavailable, "durable store is unavailable", lastErr)
}

// CreateConversation writes through to the durable store and mirrors the
// record on success.
func (s *Store) CreateConversation(ctx context.Context, conversation domain.Conversation) error {
	err := s.call(ctx, "create conversation", func(ctx context.Context) error {
		return s.durable.CreateConversation(ctx, conversation)
	})
	if err != nil {
		return err
	}
	if err := s.mirror.MirrorConversation(ctx, conversation); err != nil {
		log.Printf("mirror conversation %s: %v", conversation.ID, err)
	}
	return nil
}

// PutConversation writes through to the durable store and mirrors the
// record on success.
func (s *Store) PutConversation(ctx context.Context, conversation domain.Conversation) error {
	err := s.call(ctx, "put conversation", func(ctx context.Context) error {
		return s.durable.PutConversation(ctx, conversation)
	})
	if err != nil {
		return err
	}
	if err := s.mirror.MirrorConversation(ctx, conversation); err != nil {
		log.Printf("mirror conversation %s: %v", conversation.ID, err)
	}
	return nil
}

// GetConversation reads from the durable store, falling back to the mirror
// when the backend is unreachable.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	var conversation domain.Conversation
	err := s.call(ctx, "get conversation", func(ctx context.Context) error {
		var callErr error
		conversation, callErr = s.durable.GetConversation(ctx, conversationID)
		return callErr
	})
	if err == nil {
		if mirrorErr := s.mirror.MirrorConversation(ctx, conversation); mirrorErr != nil {
			log.Printf("mirror conversation %s: %v", conversation.ID, mirrorErr)
		}
		return conversation, nil
	}
	if isDomainError(err) {
		return domain.Conversation{}, err
	}
	mirrored, mirrorErr := s.mirror.GetConversation(ctx, conversationID)
	if mirrorErr != nil {
		return domain.Conversation{}, err
	}
	log.Printf("serving conversation %s from mirror", conversationID)
	return mirrored, nil
}

// GetConversationByAnyKey resolves via the durable store with mirror
// fallback.
func (s *Store) GetConversationByAnyKey(ctx context.Context, key string) (domain.Conversation, error) {
	var conversation domain.Conversation
	err := s.call(ctx, "get conversation by key", func(ctx context.Context) error {
		var callErr error
		conversation, callErr = s.durable.GetConversationByAnyKey(ctx, key)
		return callErr
	})
	if err == nil {
		if mirrorErr := s.mirror.MirrorConversation(ctx, conversation); mirrorErr != nil {
			log.Printf("mirror conversation %s: %v", conversation.ID, mirrorErr)
		}
		return conversation, nil
	}
	if isDomainError(err) {
		return domain.Conversation{}, err
	}
	mirrored, mirrorErr := s.mirror.GetConversationByAnyKey(ctx, key)
	if mirrorErr != nil {
		return domain.Conversation{}, err
	}
	log.Printf("serving conversation key %s from mirror", key)
	return mirrored, nil
}

// UpsertParticipants writes through to the durable store and refreshes the
// mirrored participant list on success.
func (s *Store) UpsertParticipants(ctx context.Context, conversationID string, participants []domain.Participant) error {
	err := s.call(ctx, "upsert participants", func(ctx context.Context) error {
		return s.durable.UpsertParticipants(ctx, conversationID, participants)
	})
	if err != nil {
		return err
	}
	if mirrorErr := s.mirror.UpsertParticipants(ctx, conversationID, participants); mirrorErr != nil && !errors.Is(mirrorErr, storage.ErrNotFound) {
		log.Printf("mirror participants %s: %v", conversationID, mirrorErr)
	}
	return nil
}

// ListConversationsByParticipant lists from the durable store with mirror
// fallback.
func (s *Store) ListConversationsByParticipant(ctx context.Context, participantID string, pageSize int, pageToken string) (storage.ConversationPage, error) {
	var page storage.ConversationPage
	err := s.call(ctx, "list conversations", func(ctx context.Context) error {
		var callErr error
		page, callErr = s.durable.ListConversationsByParticipant(ctx, participantID, pageSize, pageToken)
		return callErr
	})
	if err == nil {
		return page, nil
	}
	if isDomainError(err) {
		return storage.ConversationPage{}, err
	}
	mirrored, mirrorErr := s.mirror.ListConversationsByParticipant(ctx, participantID, pageSize, pageToken)
	if mirrorErr != nil {
		return storage.ConversationPage{}, err
	}
	log.Printf("serving conversation list for %s from mirror", participantID)
	return mirrored, nil
}

// PutInvitation writes through and mirrors on success.
func (s *Store) PutInvitation(ctx context.Context, invitation invite.Invitation) error {
	err := s.call(ctx, "put invitation", func(ctx context.Context) error {
		return s.durable.PutInvitation(ctx, invitation)
	})
	if err != nil {
		return err
	}
	if mirrorErr := s.mirror.PutInvitation(ctx, invitation); mirrorErr != nil {
		log.Printf("mirror invitation %s: %v", invitation.ID, mirrorErr)
	}
	return nil
}

// GetInvitation reads from the durable store with mirror fallback.
func (s *Store) GetInvitation(ctx context.Context, invitationID string) (invite.Invitation, error) {
	var invitation invite.Invitation
	err := s.call(ctx, "get invitation", func(ctx context.Context) error {
		var callErr error
		invitation, callErr = s.durable.GetInvitation(ctx, invitationID)
		return callErr
	})
	if err == nil {
		if mirrorErr := s.mirror.PutInvitation(ctx, invitation); mirrorErr != nil {
			log.Printf("mirror invitation %s: %v", invitation.ID, mirrorErr)
		}
		return invitation, nil
	}
	if isDomainError(err) {
		return invite.Invitation{}, err
	}
	mirrored, mirrorErr := s.mirror.GetInvitation(ctx, invitationID)
	if mirrorErr != nil {
		return invite.Invitation{}, err
	}
	log.Printf("serving invitation %s from mirror", invitationID)
	return mirrored, nil
}

// ResolveInvitationStatus is never served from the mirror: the conditional
// transition must observe durable state to pick exactly one winner.
func (s *Store) ResolveInvitationStatus(ctx context.Context, invitationID string, from invite.Status, to invite.Status, updatedAt time.Time) error {
	err := s.call(ctx, "resolve invitation", func(ctx context.Context) error {
		return s.durable.ResolveInvitationStatus(ctx, invitationID, from, to, updatedAt)
	})
	if err != nil {
		return err
	}
	if mirrorErr := s.mirror.ResolveInvitationStatus(ctx, invitationID, from, to, updatedAt); mirrorErr != nil && !errors.Is(mirrorErr, storage.ErrNotFound) {
		log.Printf("mirror invitation transition %s: %v", invitationID, mirrorErr)
	}
	return nil
}

// ListInvitationsByConversation lists from the durable store with mirror
// fallback.
func (s *Store) ListInvitationsByConversation(ctx context.Context, conversationID string, status invite.Status, pageSize int, pageToken string) (storage.InvitationPage, error) {
	var page storage.InvitationPage
	err := s.call(ctx, "list invitations", func(ctx context.Context) error {
		var callErr error
		page, callErr = s.durable.ListInvitationsByConversation(ctx, conversationID, status, pageSize, pageToken)
		return callErr
	})
	if err == nil {
		return page, nil
	}
	if isDomainError(err) {
		return storage.InvitationPage{}, err
	}
	mirrored, mirrorErr := s.mirror.ListInvitationsByConversation(ctx, conversationID, status, pageSize, pageToken)
	if mirrorErr != nil {
		return storage.InvitationPage{}, err
	}
	return mirrored, nil
}

// ListPendingInvitationsByRecipient lists from the durable store with
// mirror fallback.
func (s *Store) ListPendingInvitationsByRecipient(ctx context.Context, recipient string, pageSize int, pageToken string) (storage.InvitationPage, error) {
	var page storage.InvitationPage
	err := s.call(ctx, "list pending invitations", func(ctx context.Context) error {
		var callErr error
		page, callErr = s.durable.ListPendingInvitationsByRecipient(ctx, recipient, pageSize, pageToken)
		return callErr
	})
	if err == nil {
		return page, nil
	}
	if isDomainError(err) {
		return storage.InvitationPage{}, err
	}
	mirrored, mirrorErr := s.mirror.ListPendingInvitationsByRecipient(ctx, recipient, pageSize, pageToken)
	if mirrorErr != nil {
		return storage.InvitationPage{}, err
	}
	return mirrored, nil
}

// ListExpiredPending reads only from the durable store. The sweep tolerates
// a skipped tick, and expiring from a stale mirror could race a concurrent
// acceptance.
func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]invite.Invitation, error) {
	var expired []invite.Invitation
	err := s.call(ctx, "list expired invitations", func(ctx context.Context) error {
		var callErr error
		expired, callErr = s.durable.ListExpiredPending(ctx, now, limit)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// PutUnifiedSession writes through and mirrors on success.
func (s *Store) PutUnifiedSession(ctx context.Context, unified session.UnifiedSession) error {
	err := s.call(ctx, "put unified session", func(ctx context.Context) error {
		return s.durable.PutUnifiedSession(ctx, unified)
	})
	if err != nil {
		return err
	}
	if mirrorErr := s.mirror.PutUnifiedSession(ctx, unified); mirrorErr != nil {
		log.Printf("mirror unified session %s: %v", unified.ID, mirrorErr)
	}
	return nil
}

// GetUnifiedSession reads from the durable store with mirror fallback.
func (s *Store) GetUnifiedSession(ctx context.Context, sessionID string) (session.UnifiedSession, error) {
	var unified session.UnifiedSession
	err := s.call(ctx, "get unified session", func(ctx context.Context) error {
		var callErr error
		unified, callErr = s.durable.GetUnifiedSession(ctx, sessionID)
		return callErr
	})
	if err == nil {
		return unified, nil
	}
	if isDomainError(err) {
		return session.UnifiedSession{}, err
	}
	mirrored, mirrorErr := s.mirror.GetUnifiedSession(ctx, sessionID)
	if mirrorErr != nil {
		return session.UnifiedSession{}, err
	}
	return mirrored, nil
}

// GetUnifiedSessionByConversation reads from the durable store with mirror
// fallback.
func (s *Store) GetUnifiedSessionByConversation(ctx context.Context, conversationID string) (session.UnifiedSession, error) {
	var unified session.UnifiedSession
	err := s.call(ctx, "get unified session by conversation", func(ctx context.Context) error {
		var callErr error
		unified, callErr = s.durable.GetUnifiedSessionByConversation(ctx, conversationID)
		return callErr
	})
	if err == nil {
		return unified, nil
	}
	if isDomainError(err) {
		return session.UnifiedSession{}, err
	}
	mirrored, mirrorErr := s.mirror.GetUnifiedSessionByConversation(ctx, conversationID)
	if mirrorErr != nil {
		return session.UnifiedSession{}, err
	}
	return mirrored, nil
}

// PutSyncState writes through and mirrors on success.
func (s *Store) PutSyncState(ctx context.Context, record storage.SyncStateRecord) error {
	err := s.call(ctx, "put sync state", func(ctx context.Context) error {
		return s.durable.PutSyncState(ctx, record)
	})
	if err != nil {
		return err
	}
	if mirrorErr := s.mirror.PutSyncState(ctx, record); mirrorErr != nil {
		log.Printf("mirror sync state %s: %v", record.ConversationID, mirrorErr)
	}
	return nil
}

// GetSyncState reads from the durable store with mirror fallback.
func (s *Store) GetSyncState(ctx context.Context, conversationID string) (storage.SyncStateRecord, error) {
	var record storage.SyncStateRecord
	err := s.call(ctx, "get sync state", func(ctx context.Context) error {
		var callErr error
		record, callErr = s.durable.GetSyncState(ctx, conversationID)
		return callErr
	})
	if err == nil {
		return record, nil
	}
	if isDomainError(err) {
		return storage.SyncStateRecord{}, err
	}
	mirrored, mirrorErr := s.mirror.GetSyncState(ctx, conversationID)
	if mirrorErr != nil {
		return storage.SyncStateRecord{}, err
	}
	return mirrored, nil
}

// ListSyncStatesNeedingWork reads only from the durable store. The
// reconciliation tick retries on its own schedule.
func (s *Store) ListSyncStatesNeedingWork(ctx context.Context, limit int) ([]storage.SyncStateRecord, error) {
	var records []storage.SyncStateRecord
	err := s.call(ctx, "list sync states", func(ctx context.Context) error {
		var callErr error
		records, callErr = s.durable.ListSyncStatesNeedingWork(ctx, limit)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
