// Package memory provides an in-memory conversations store. It backs tests
// and the degraded-mode mirror used when the durable store is unreachable.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/convene/internal/conversations/domain"
	"github.com/louisbranch/convene/internal/conversations/invite"
	"github.com/louisbranch/convene/internal/conversations/session"
	"github.com/louisbranch/convene/internal/conversations/storage"
)

// Store keeps all records in process memory behind one mutex. It implements
// storage.ConversationStore, storage.InvitationStore, and
// storage.SessionStore.
type Store struct {
	mu sync.RWMutex

	conversations map[string]domain.Conversation
	aliases       map[string]string
	invitations   map[string]invite.Invitation
	sessions      map[string]session.UnifiedSession
	syncStates    map[string]storage.SyncStateRecord
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		conversations: make(map[string]domain.Conversation),
		aliases:       make(map[string]string),
		invitations:   make(map[string]invite.Invitation),
		sessions:      make(map[string]session.UnifiedSession),
		syncStates:    make(map[string]storage.SyncStateRecord),
	}
}

// CreateConversation stores a new conversation and registers its aliases.
func (s *Store) CreateConversation(ctx context.Context, conversation domain.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(conversation.ID) == "" {
		return fmt.Errorf("conversation id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversation.ID]; ok {
		return storage.ErrAlreadyExists
	}
	for _, alias := range conversation.Aliases {
		if _, ok := s.aliases[alias]; ok {
			return storage.ErrAlreadyExists
		}
	}
	s.conversations[conversation.ID] = cloneConversation(conversation)
	for _, alias := range conversation.Aliases {
		s.aliases[alias] = conversation.ID
	}
	return nil
}

// PutConversation replaces an existing conversation record.
func (s *Store) PutConversation(ctx context.Context, conversation domain.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(conversation.ID) == "" {
		return fmt.Errorf("conversation id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	previous, ok := s.conversations[conversation.ID]
	if !ok {
		return storage.ErrNotFound
	}
	for _, alias := range previous.Aliases {
		delete(s.aliases, alias)
	}
	s.conversations[conversation.ID] = cloneConversation(conversation)
	for _, alias := range conversation.Aliases {
		s.aliases[alias] = conversation.ID
	}
	return nil
}

// MirrorConversation stores the conversation unconditionally. The resilient
// wrapper uses it to keep the mirror current regardless of prior state.
func (s *Store) MirrorConversation(ctx context.Context, conversation domain.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(conversation.ID) == "" {
		return fmt.Errorf("conversation id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if previous, ok := s.conversations[conversation.ID]; ok {
		for _, alias := range previous.Aliases {
			delete(s.aliases, alias)
		}
	}
	s.conversations[conversation.ID] = cloneConversation(conversation)
	for _, alias := range conversation.Aliases {
		s.aliases[alias] = conversation.ID
	}
	return nil
}

// GetConversation loads one conversation by its canonical id.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Conversation{}, err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return domain.Conversation{}, fmt.Errorf("conversation id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	conversation, ok := s.conversations[conversationID]
	if !ok {
		return domain.Conversation{}, storage.ErrNotFound
	}
	return cloneConversation(conversation), nil
}

// GetConversationByAnyKey resolves the canonical id or a registered alias.
func (s *Store) GetConversationByAnyKey(ctx context.Context, key string) (domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Conversation{}, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Conversation{}, fmt.Errorf("conversation key is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if conversation, ok := s.conversations[key]; ok {
		return cloneConversation(conversation), nil
	}
	conversationID, ok := s.aliases[key]
	if !ok {
		return domain.Conversation{}, storage.ErrNotFound
	}
	conversation, ok := s.conversations[conversationID]
	if !ok {
		return domain.Conversation{}, storage.ErrNotFound
	}
	return cloneConversation(conversation), nil
}

// UpsertParticipants replaces the participant list of one conversation.
func (s *Store) UpsertParticipants(ctx context.Context, conversationID string, participants []domain.Participant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.conversations[conversationID]
	if !ok {
		return storage.ErrNotFound
	}
	conversation.Participants = append([]domain.Participant(nil), participants...)
	s.conversations[conversationID] = conversation
	return nil
}

// ListConversationsByParticipant returns conversations containing the
// participant ordered by last activity descending.
func (s *Store) ListConversationsByParticipant(ctx context.Context, participantID string, pageSize int, pageToken string) (storage.ConversationPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.ConversationPage{}, err
	}
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return storage.ConversationPage{}, fmt.Errorf("participant id is required")
	}
	if pageSize <= 0 {
		return storage.ConversationPage{}, fmt.Errorf("page size must be greater than zero")
	}

	s.mu.RLock()
	var matches []domain.Conversation
	for _, conversation := range s.conversations {
		if _, ok := conversation.Participant(participantID); ok {
			matches = append(matches, cloneConversation(conversation))
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].LastActivity.Equal(matches[j].LastActivity) {
			return matches[i].LastActivity.After(matches[j].LastActivity)
		}
		return matches[i].ID < matches[j].ID
	})

	start := 0
	if token := strings.TrimSpace(pageToken); token != "" {
		activity, id, err := parseActivityToken(token)
		if err != nil {
			return storage.ConversationPage{}, err
		}
		for i, conversation := range matches {
			millis := conversation.LastActivity.UTC().UnixMilli()
			if millis < activity || (millis == activity && conversation.ID > id) {
				start = i
				break
			}
			start = i + 1
		}
	}

	page := storage.ConversationPage{}
	end := start + pageSize
	if end > len(matches) {
		end = len(matches)
	}
	page.Conversations = matches[start:end]
	if end < len(matches) {
		last := page.Conversations[len(page.Conversations)-1]
		page.NextPageToken = strconv.FormatInt(last.LastActivity.UTC().UnixMilli(), 10) + ":" + last.ID
	}
	return page, nil
}

// PutInvitation stores one invitation record.
func (s *Store) PutInvitation(ctx context.Context, invitation invite.Invitation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(invitation.ID) == "" {
		return fmt.Errorf("invitation id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.invitations[invitation.ID] = invitation
	return nil
}

// GetInvitation loads one invitation by id.
func (s *Store) GetInvitation(ctx context.Context, invitationID string) (invite.Invitation, error) {
	if err := ctx.Err(); err != nil {
		return invite.Invitation{}, err
	}
	invitationID = strings.TrimSpace(invitationID)
	if invitationID == "" {
		return invite.Invitation{}, fmt.Errorf("invitation id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	invitation, ok := s.invitations[invitationID]
	if !ok {
		return invite.Invitation{}, storage.ErrNotFound
	}
	return invitation, nil
}

// ResolveInvitationStatus performs the conditional status transition.
func (s *Store) ResolveInvitationStatus(ctx context.Context, invitationID string, from invite.Status, to invite.Status, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	invitationID = strings.TrimSpace(invitationID)
	if invitationID == "" {
		return fmt.Errorf("invitation id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	invitation, ok := s.invitations[invitationID]
	if !ok {
		return storage.ErrNotFound
	}
	if invitation.Status != from {
		return storage.ErrConflict
	}
	invitation.Status = to
	invitation.UpdatedAt = updatedAt
	s.invitations[invitationID] = invitation
	return nil
}

// ListInvitationsByConversation returns invitations for one conversation
// filtered by status.
func (s *Store) ListInvitationsByConversation(ctx context.Context, conversationID string, status invite.Status, pageSize int, pageToken string) (storage.InvitationPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.InvitationPage{}, err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return storage.InvitationPage{}, fmt.Errorf("conversation id is required")
	}
	return s.listInvitations(pageSize, pageToken, func(invitation invite.Invitation) bool {
		return invitation.ConversationID == conversationID && invitation.Status == status
	})
}

// ListPendingInvitationsByRecipient returns pending invitations addressed to
// one user id or email.
func (s *Store) ListPendingInvitationsByRecipient(ctx context.Context, recipient string, pageSize int, pageToken string) (storage.InvitationPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.InvitationPage{}, err
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return storage.InvitationPage{}, fmt.Errorf("recipient is required")
	}
	email := strings.ToLower(recipient)
	return s.listInvitations(pageSize, pageToken, func(invitation invite.Invitation) bool {
		if invitation.Status != invite.StatusPending {
			return false
		}
		return invitation.ToUserID == recipient || (invitation.ToEmail != "" && invitation.ToEmail == email)
	})
}

// ListExpiredPending returns pending invitations whose expiry has passed.
func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]invite.Invitation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	s.mu.RLock()
	var expired []invite.Invitation
	for _, invitation := range s.invitations {
		if invitation.Status == invite.StatusPending && invitation.ExpiredAt(now) {
			expired = append(expired, invitation)
		}
	}
	s.mu.RUnlock()

	sort.Slice(expired, func(i, j int) bool {
		if !expired[i].ExpiresAt.Equal(expired[j].ExpiresAt) {
			return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
		}
		return expired[i].ID < expired[j].ID
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (s *Store) listInvitations(pageSize int, pageToken string, match func(invite.Invitation) bool) (storage.InvitationPage, error) {
	if pageSize <= 0 {
		return storage.InvitationPage{}, fmt.Errorf("page size must be greater than zero")
	}

	s.mu.RLock()
	var matches []invite.Invitation
	for _, invitation := range s.invitations {
		if match(invitation) {
			matches = append(matches, invitation)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })

	start := 0
	if token := strings.TrimSpace(pageToken); token != "" {
		for i, invitation := range matches {
			if invitation.ID > token {
				start = i
				break
			}
			start = i + 1
		}
	}

	page := storage.InvitationPage{}
	end := start + pageSize
	if end > len(matches) {
		end = len(matches)
	}
	page.Invitations = matches[start:end]
	if end < len(matches) {
		page.NextPageToken = page.Invitations[len(page.Invitations)-1].ID
	}
	return page, nil
}

// PutUnifiedSession stores one unified session projection.
func (s *Store) PutUnifiedSession(ctx context.Context, unified session.UnifiedSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(unified.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(unified.Metadata.LinkedSessionID) == "" {
		return fmt.Errorf("linked session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[unified.ID] = cloneSession(unified)
	return nil
}

// GetUnifiedSession loads one unified session by id.
func (s *Store) GetUnifiedSession(ctx context.Context, sessionID string) (session.UnifiedSession, error) {
	if err := ctx.Err(); err != nil {
		return session.UnifiedSession{}, err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return session.UnifiedSession{}, fmt.Errorf("session id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	unified, ok := s.sessions[sessionID]
	if !ok {
		return session.UnifiedSession{}, storage.ErrNotFound
	}
	return cloneSession(unified), nil
}

// GetUnifiedSessionByConversation loads the session projected from one
// conversation.
func (s *Store) GetUnifiedSessionByConversation(ctx context.Context, conversationID string) (session.UnifiedSession, error) {
	if err := ctx.Err(); err != nil {
		return session.UnifiedSession{}, err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return session.UnifiedSession{}, fmt.Errorf("conversation id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, unified := range s.sessions {
		if unified.Metadata.LinkedSessionID == conversationID {
			return cloneSession(unified), nil
		}
	}
	return session.UnifiedSession{}, storage.ErrNotFound
}

// PutSyncState stores one conversation's sync state record.
func (s *Store) PutSyncState(ctx context.Context, record storage.SyncStateRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(record.ConversationID) == "" {
		return fmt.Errorf("conversation id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncStates[record.ConversationID] = record
	return nil
}

// GetSyncState loads one conversation's sync state record.
func (s *Store) GetSyncState(ctx context.Context, conversationID string) (storage.SyncStateRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.SyncStateRecord{}, err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return storage.SyncStateRecord{}, fmt.Errorf("conversation id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.syncStates[conversationID]
	if !ok {
		return storage.SyncStateRecord{}, storage.ErrNotFound
	}
	return record, nil
}

// ListSyncStatesNeedingWork returns states that are not synced yet, oldest
// update first.
func (s *Store) ListSyncStatesNeedingWork(ctx context.Context, limit int) ([]storage.SyncStateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	s.mu.RLock()
	var records []storage.SyncStateRecord
	for _, record := range s.syncStates {
		if record.State != storage.SyncStateSynced {
			records = append(records, record)
		}
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if !records[i].UpdatedAt.Equal(records[j].UpdatedAt) {
			return records[i].UpdatedAt.Before(records[j].UpdatedAt)
		}
		return records[i].ConversationID < records[j].ConversationID
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func cloneConversation(conversation domain.Conversation) domain.Conversation {
	clone := conversation
	clone.Participants = append([]domain.Participant(nil), conversation.Participants...)
	clone.Aliases = append([]string(nil), conversation.Aliases...)
	return clone
}

func cloneSession(unified session.UnifiedSession) session.UnifiedSession {
	clone := unified
	clone.Participants = append([]session.Participant(nil), unified.Participants...)
	return clone
}

func parseActivityToken(token string) (int64, string, error) {
	stamp, id, ok := strings.Cut(token, ":")
	if !ok {
		return 0, "", fmt.Errorf("malformed page token")
	}
	activity, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed page token: %w", err)
	}
	return activity, id, nil
}
