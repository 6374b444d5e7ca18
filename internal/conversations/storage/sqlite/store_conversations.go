package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/louisbranch/convene/internal/conversations/domain"
	"github.com/louisbranch/convene/internal/conversations/storage"
)

// CreateConversation writes the conversation shell, its aliases, and its
// seed participants. The shell row is inserted first so concurrent
// participant writes always find an existing conversation.
func (s *Store) CreateConversation(ctx context.Context, conversation domain.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(conversation.ID) == "" {
		return fmt.Errorf("conversation id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create conversation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO conversations (id, name, created_by, created_at, last_activity, private, share_history, allow_invites, allow_agents, max_participants, participant_ids)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		conversation.ID,
		conversation.Name,
		conversation.CreatedBy,
		toMillis(conversation.CreatedAt),
		toMillis(conversation.LastActivity),
		boolToInt(conversation.Private),
		boolToInt(conversation.ShareHistory),
		boolToInt(conversation.Settings.AllowInvites),
		boolToInt(conversation.Settings.AllowAgents),
		conversation.Settings.MaxParticipants,
		participantIDIndex(conversation.Participants),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert conversation: %w", err)
	}

	if err := writeAliases(ctx, tx, conversation.ID, conversation.Aliases); err != nil {
		return err
	}
	if err := writeParticipants(ctx, tx, conversation.ID, conversation.Participants); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create conversation: %w", err)
	}
	return nil
}

// PutConversation replaces the full conversation record, including its
// participant list, alias set, and denormalized id index.
func (s *Store) PutConversation(ctx context.Context, conversation domain.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(conversation.ID) == "" {
		return fmt.Errorf("conversation id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put conversation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE conversations
SET name = ?, created_by = ?, created_at = ?, last_activity = ?, private = ?, share_history = ?, allow_invites = ?, allow_agents = ?, max_participants = ?, participant_ids = ?
WHERE id = ?
`,
		conversation.Name,
		conversation.CreatedBy,
		toMillis(conversation.CreatedAt),
		toMillis(conversation.LastActivity),
		boolToInt(conversation.Private),
		boolToInt(conversation.ShareHistory),
		boolToInt(conversation.Settings.AllowInvites),
		boolToInt(conversation.Settings.AllowAgents),
		conversation.Settings.MaxParticipants,
		participantIDIndex(conversation.Participants),
		conversation.ID,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update conversation result: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_aliases WHERE conversation_id = ?`, conversation.ID); err != nil {
		return fmt.Errorf("clear conversation aliases: %w", err)
	}
	if err := writeAliases(ctx, tx, conversation.ID, conversation.Aliases); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_participants WHERE conversation_id = ?`, conversation.ID); err != nil {
		return fmt.Errorf("clear conversation participants: %w", err)
	}
	if err := writeParticipants(ctx, tx, conversation.ID, conversation.Participants); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put conversation: %w", err)
	}
	return nil
}

// GetConversation loads one conversation by its canonical id.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Conversation{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Conversation{}, fmt.Errorf("storage is not configured")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return domain.Conversation{}, fmt.Errorf("conversation id is required")
	}
	return s.loadConversation(ctx, conversationID)
}

// GetConversationByAnyKey resolves the canonical id or any stored alias.
// Alias rows are written once at creation time and never rewritten, so
// historical external keys keep resolving.
func (s *Store) GetConversationByAnyKey(ctx context.Context, key string) (domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Conversation{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Conversation{}, fmt.Errorf("storage is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Conversation{}, fmt.Errorf("conversation key is required")
	}

	conversation, err := s.loadConversation(ctx, key)
	if err == nil {
		return conversation, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return domain.Conversation{}, err
	}

	var conversationID string
	row := s.sqlDB.QueryRowContext(ctx, `SELECT conversation_id FROM conversation_aliases WHERE alias = ?`, key)
	if err := row.Scan(&conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Conversation{}, storage.ErrNotFound
		}
		return domain.Conversation{}, fmt.Errorf("resolve conversation alias: %w", err)
	}
	return s.loadConversation(ctx, conversationID)
}

// UpsertParticipants replaces the participant list and the denormalized id
// index in one transaction. Readers never observe a partially written list.
func (s *Store) UpsertParticipants(ctx context.Context, conversationID string, participants []domain.Participant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert participants: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET participant_ids = ? WHERE id = ?`, participantIDIndex(participants), conversationID)
	if err != nil {
		return fmt.Errorf("update participant index: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update participant index result: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_participants WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear conversation participants: %w", err)
	}
	if err := writeParticipants(ctx, tx, conversationID, participants); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert participants: %w", err)
	}
	return nil
}

// ListConversationsByParticipant returns a page of conversations the
// participant belongs to, ordered by last activity descending. The page
// token encodes the last returned row's activity stamp and id.
func (s *Store) ListConversationsByParticipant(ctx context.Context, participantID string, pageSize int, pageToken string) (storage.ConversationPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.ConversationPage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ConversationPage{}, fmt.Errorf("storage is not configured")
	}
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return storage.ConversationPage{}, fmt.Errorf("participant id is required")
	}
	if pageSize <= 0 {
		return storage.ConversationPage{}, fmt.Errorf("page size must be greater than zero")
	}

	limit := pageSize + 1
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(pageToken) == "" {
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT c.id
FROM conversations c
JOIN conversation_participants p ON p.conversation_id = c.id
WHERE p.participant_id = ?
ORDER BY c.last_activity DESC, c.id
LIMIT ?
`, participantID, limit)
	} else {
		tokenActivity, tokenID, tokenErr := parseActivityToken(pageToken)
		if tokenErr != nil {
			return storage.ConversationPage{}, tokenErr
		}
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT c.id
FROM conversations c
JOIN conversation_participants p ON p.conversation_id = c.id
WHERE p.participant_id = ? AND (c.last_activity < ? OR (c.last_activity = ? AND c.id > ?))
ORDER BY c.last_activity DESC, c.id
LIMIT ?
`, participantID, tokenActivity, tokenActivity, tokenID, limit)
	}
	if err != nil {
		return storage.ConversationPage{}, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return storage.ConversationPage{}, fmt.Errorf("scan conversation row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return storage.ConversationPage{}, fmt.Errorf("iterate conversation rows: %w", err)
	}

	page := storage.ConversationPage{Conversations: make([]domain.Conversation, 0, pageSize)}
	for i, id := range ids {
		if i == pageSize {
			break
		}
		conversation, err := s.loadConversation(ctx, id)
		if err != nil {
			return storage.ConversationPage{}, err
		}
		page.Conversations = append(page.Conversations, conversation)
	}
	if len(ids) > pageSize {
		last := page.Conversations[pageSize-1]
		page.NextPageToken = formatActivityToken(toMillis(last.LastActivity), last.ID)
	}
	return page, nil
}

func (s *Store) loadConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	var (
		conversation                                        domain.Conversation
		createdAt, lastActivity                             int64
		private, shareHistory, allowInvites, allowAgents    int
	)
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, name, created_by, created_at, last_activity, private, share_history, allow_invites, allow_agents, max_participants
FROM conversations
WHERE id = ?
`, conversationID)
	if err := row.Scan(
		&conversation.ID,
		&conversation.Name,
		&conversation.CreatedBy,
		&createdAt,
		&lastActivity,
		&private,
		&shareHistory,
		&allowInvites,
		&allowAgents,
		&conversation.Settings.MaxParticipants,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Conversation{}, storage.ErrNotFound
		}
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	conversation.CreatedAt = fromMillis(createdAt)
	conversation.LastActivity = fromMillis(lastActivity)
	conversation.Private = private != 0
	conversation.ShareHistory = shareHistory != 0
	conversation.Settings.AllowInvites = allowInvites != 0
	conversation.Settings.AllowAgents = allowAgents != 0

	participants, err := s.loadParticipants(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, err
	}
	conversation.Participants = participants

	aliases, err := s.loadAliases(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, err
	}
	conversation.Aliases = aliases
	return conversation, nil
}

func (s *Store) loadParticipants(ctx context.Context, conversationID string) ([]domain.Participant, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT participant_id, display_name, kind, status, role, added_by, joined_at, invitation_id
FROM conversation_participants
WHERE conversation_id = ?
ORDER BY position
`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	defer rows.Close()

	var participants []domain.Participant
	for rows.Next() {
		var (
			participant          domain.Participant
			kind, status, role   string
			joinedAt             sql.NullInt64
		)
		if err := rows.Scan(
			&participant.ID,
			&participant.DisplayName,
			&kind,
			&status,
			&role,
			&participant.AddedBy,
			&joinedAt,
			&participant.InvitationID,
		); err != nil {
			return nil, fmt.Errorf("scan participant row: %w", err)
		}
		participant.Kind = domain.KindFromLabel(kind)
		participant.Status = domain.StatusFromLabel(status)
		participant.Role = domain.RoleFromLabel(role)
		if joinedAt.Valid {
			participant.JoinedAt = fromMillis(joinedAt.Int64)
		}
		participants = append(participants, participant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participant rows: %w", err)
	}
	return participants, nil
}

func (s *Store) loadAliases(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT alias
FROM conversation_aliases
WHERE conversation_id = ?
ORDER BY alias
`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation aliases: %w", err)
	}
	defer rows.Close()

	var aliases []string
	for rows.Next() {
		var alias string
		if err := rows.Scan(&alias); err != nil {
			return nil, fmt.Errorf("scan alias row: %w", err)
		}
		aliases = append(aliases, alias)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alias rows: %w", err)
	}
	return aliases, nil
}

func writeParticipants(ctx context.Context, tx *sql.Tx, conversationID string, participants []domain.Participant) error {
	for position, participant := range participants {
		var joinedAt sql.NullInt64
		if !participant.JoinedAt.IsZero() {
			joinedAt = sql.NullInt64{Int64: toMillis(participant.JoinedAt), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO conversation_participants (conversation_id, participant_id, display_name, kind, status, role, added_by, joined_at, invitation_id, position)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
			conversationID,
			participant.ID,
			participant.DisplayName,
			domain.KindLabel(participant.Kind),
			domain.StatusLabel(participant.Status),
			domain.RoleLabel(participant.Role),
			participant.AddedBy,
			joinedAt,
			participant.InvitationID,
			position,
		)
		if err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return nil
}

func writeAliases(ctx context.Context, tx *sql.Tx, conversationID string, aliases []string) error {
	for _, alias := range aliases {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO conversation_aliases (alias, conversation_id)
VALUES (?, ?)
`, alias, conversationID); err != nil {
			if isUniqueViolation(err) {
				return storage.ErrAlreadyExists
			}
			return fmt.Errorf("insert conversation alias: %w", err)
		}
	}
	return nil
}

func participantIDIndex(participants []domain.Participant) string {
	ids := make([]string, 0, len(participants))
	for _, participant := range participants {
		ids = append(ids, participant.ID)
	}
	return strings.Join(ids, ",")
}

func formatActivityToken(activity int64, id string) string {
	return strconv.FormatInt(activity, 10) + ":" + id
}

func parseActivityToken(token string) (int64, string, error) {
	stamp, id, ok := strings.Cut(strings.TrimSpace(token), ":")
	if !ok {
		return 0, "", fmt.Errorf("malformed page token")
	}
	activity, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed page token: %w", err)
	}
	return activity, id, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
