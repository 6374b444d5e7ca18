// Package service orchestrates conversation membership and invitation
// lifecycle use-cases on top of the storage contracts.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/convene/internal/conversations/domain"
	"github.com/louisbranch/convene/internal/conversations/storage"
	apperrors "github.com/louisbranch/convene/internal/platform/errors"
	platformid "github.com/louisbranch/convene/internal/platform/id"
)

// Store is the persistence surface the service needs.
type Store interface {
	storage.ConversationStore
	storage.InvitationStore
}

// ConnectionGraph reports whether two users share a connection edge. It
// gates who may be invited across accounts.
type ConnectionGraph interface {
	AreConnected(ctx context.Context, userA string, userB string) (bool, error)
}

// UserRecord is the directory view of one user.
type UserRecord struct {
	DisplayName string
	Email       string
}

// UserDirectory resolves display names and email addresses for users.
type UserDirectory interface {
	Lookup(ctx context.Context, userID string) (UserRecord, error)
}

// EmailMessage is one outbound invitation email.
type EmailMessage struct {
	To      string
	Subject string
	Body    string
}

// EmailDelivery sends invitation emails. Delivery is fire-and-forget:
// failures are logged, never surfaced to the inviter.
type EmailDelivery interface {
	Send(ctx context.Context, message EmailMessage) error
}

// Syncer keeps the unified session projection in step with conversations.
type Syncer interface {
	Track(ctx context.Context, conversationID string) error
	Sync(ctx context.Context, conversationID string) error
}

// Service implements the conversation membership use-cases.
type Service struct {
	store       Store
	connections ConnectionGraph
	directory   UserDirectory
	delivery    EmailDelivery
	syncer      Syncer
	signer      GrantIssuer
	verifier    GrantValidator
	now         func() time.Time
	idGenerator func() (string, error)
}

// Options carries optional collaborators for NewService.
type Options struct {
	Connections ConnectionGraph
	Directory   UserDirectory
	Delivery    EmailDelivery
	Syncer      Syncer
	Signer      GrantIssuer
	Verifier    GrantValidator
	Now         func() time.Time
	IDGenerator func() (string, error)
}

// NewService builds a Service. The store is required; collaborators left
// nil disable their feature (no connection gating, no directory lookups,
// no email delivery, no projection sync, no grants).
func NewService(store Store, opts Options) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	idGenerator := opts.IDGenerator
	if idGenerator == nil {
		idGenerator = platformid.NewID
	}
	return &Service{
		store:       store,
		connections: opts.Connections,
		directory:   opts.Directory,
		delivery:    opts.Delivery,
		syncer:      opts.Syncer,
		signer:      opts.Signer,
		verifier:    opts.Verifier,
		now:         now,
		idGenerator: idGenerator,
	}, nil
}

// CreateConversation creates a conversation with the caller as creator. The
// shell record is persisted with an empty participant list first, then the
// creator row lands through the participant upsert, so later participant
// writes always update an existing record.
func (s *Service) CreateConversation(ctx context.Context, input domain.CreateConversationInput) (domain.Conversation, error) {
	if strings.TrimSpace(input.CreatorName) == "" {
		input.CreatorName = s.displayNameFor(ctx, input.CreatedBy)
	}
	conversation, err := domain.CreateConversation(input, s.now, s.idGenerator)
	if err != nil {
		return domain.Conversation{}, err
	}

	shell := conversation
	shell.Participants = nil
	if err := s.store.CreateConversation(ctx, shell); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return domain.Conversation{}, apperrors.Wrap(apperrors.CodeConflict, "conversation already exists", err)
		}
		return domain.Conversation{}, err
	}
	if err := s.store.UpsertParticipants(ctx, conversation.ID, conversation.Participants); err != nil {
		return domain.Conversation{}, err
	}

	s.syncConversation(ctx, conversation.ID, true)
	return conversation, nil
}

// GetConversation resolves a conversation by canonical id or legacy alias.
func (s *Service) GetConversation(ctx context.Context, key string) (domain.Conversation, error) {
	conversation, err := s.store.GetConversationByAnyKey(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Conversation{}, apperrors.WithMetadata(apperrors.CodeNotFound, "conversation not found", map[string]string{"Key": key})
		}
		return domain.Conversation{}, err
	}
	return conversation, nil
}

// ListConversationsForUser returns the user's conversations ordered by last
// activity descending.
func (s *Service) ListConversationsForUser(ctx context.Context, userID string, pageSize int, pageToken string) (storage.ConversationPage, error) {
	if err := domain.ValidateParticipantID(userID); err != nil {
		return storage.ConversationPage{}, err
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return s.store.ListConversationsByParticipant(ctx, userID, pageSize, pageToken)
}

// RemoveParticipant removes a participant and every participant they
// brought along, then reprojects the session.
func (s *Service) RemoveParticipant(ctx context.Context, conversationID string, participantID string, removedBy string) ([]domain.Participant, error) {
	conversation, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	removed, err := conversation.Remove(participantID, removedBy, s.now)
	if err != nil {
		return nil, err
	}

	conversation.LastActivity = s.now().UTC()
	if err := s.store.PutConversation(ctx, conversation); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.Wrap(apperrors.CodeNotFound, "conversation disappeared during removal", err)
		}
		return nil, err
	}

	s.syncConversation(ctx, conversation.ID, false)
	return removed, nil
}

const defaultPageSize = 20

// syncConversation triggers projection and logs failures. Membership
// mutations never fail because the projection lagged.
func (s *Service) syncConversation(ctx context.Context, conversationID string, track bool) {
	if s.syncer == nil {
		return
	}
	if track {
		if err := s.syncer.Track(ctx, conversationID); err != nil {
			log.Printf("track conversation %s: %v", conversationID, err)
		}
	}
	if err := s.syncer.Sync(ctx, conversationID); err != nil {
		log.Printf("sync conversation %s: %v", conversationID, err)
	}
}

func (s *Service) displayNameFor(ctx context.Context, userID string) string {
	if s.directory == nil {
		return userID
	}
	record, err := s.directory.Lookup(ctx, userID)
	if err != nil {
		log.Printf("directory lookup %s: %v", userID, err)
		return userID
	}
	if strings.TrimSpace(record.DisplayName) == "" {
		return userID
	}
	return record.DisplayName
}
