package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/convene/internal/conversations/domain"
	"github.com/louisbranch/convene/internal/conversations/session"
	"github.com/louisbranch/convene/internal/conversations/storage"
)

// PutUnifiedSession inserts or replaces one unified session projection
// together with its participant list.
func (s *Store) PutUnifiedSession(ctx context.Context, unified session.UnifiedSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(unified.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(unified.Metadata.LinkedSessionID) == "" {
		return fmt.Errorf("linked session id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put unified session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO unified_sessions (id, conversation_id, mode, host_user_id, agent_id, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    conversation_id = excluded.conversation_id,
    mode = excluded.mode,
    host_user_id = excluded.host_user_id,
    agent_id = excluded.agent_id,
    updated_at = excluded.updated_at
`,
		unified.ID,
		unified.Metadata.LinkedSessionID,
		session.ModeLabel(unified.Mode),
		unified.HostUserID,
		unified.AgentID,
		toMillis(unified.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put unified session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM unified_session_participants WHERE session_id = ?`, unified.ID); err != nil {
		return fmt.Errorf("clear unified session participants: %w", err)
	}
	for position, participant := range unified.Participants {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO unified_session_participants (session_id, participant_id, display_name, kind, position)
VALUES (?, ?, ?, ?, ?)
`, unified.ID, participant.ID, participant.DisplayName, domain.KindLabel(participant.Kind), position); err != nil {
			return fmt.Errorf("insert unified session participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put unified session: %w", err)
	}
	return nil
}

// GetUnifiedSession loads one unified session by its id.
func (s *Store) GetUnifiedSession(ctx context.Context, sessionID string) (session.UnifiedSession, error) {
	if err := ctx.Err(); err != nil {
		return session.UnifiedSession{}, err
	}
	if s == nil || s.sqlDB == nil {
		return session.UnifiedSession{}, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return session.UnifiedSession{}, fmt.Errorf("session id is required")
	}
	return s.loadUnifiedSession(ctx, `WHERE id = ?`, sessionID)
}

// GetUnifiedSessionByConversation loads the unified session projected from
// one conversation. Each conversation projects at most one session.
func (s *Store) GetUnifiedSessionByConversation(ctx context.Context, conversationID string) (session.UnifiedSession, error) {
	if err := ctx.Err(); err != nil {
		return session.UnifiedSession{}, err
	}
	if s == nil || s.sqlDB == nil {
		return session.UnifiedSession{}, fmt.Errorf("storage is not configured")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return session.UnifiedSession{}, fmt.Errorf("conversation id is required")
	}
	return s.loadUnifiedSession(ctx, `WHERE conversation_id = ?`, conversationID)
}

func (s *Store) loadUnifiedSession(ctx context.Context, where string, arg string) (session.UnifiedSession, error) {
	var (
		unified   session.UnifiedSession
		mode      string
		updatedAt int64
	)
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, mode, host_user_id, agent_id, conversation_id, updated_at
FROM unified_sessions
`+where, arg)
	if err := row.Scan(
		&unified.ID,
		&mode,
		&unified.HostUserID,
		&unified.AgentID,
		&unified.Metadata.LinkedSessionID,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.UnifiedSession{}, storage.ErrNotFound
		}
		return session.UnifiedSession{}, fmt.Errorf("load unified session: %w", err)
	}
	unified.Mode = session.ModeFromLabel(mode)
	unified.UpdatedAt = fromMillis(updatedAt)

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT participant_id, display_name, kind
FROM unified_session_participants
WHERE session_id = ?
ORDER BY position
`, unified.ID)
	if err != nil {
		return session.UnifiedSession{}, fmt.Errorf("load unified session participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			participant session.Participant
			kind        string
		)
		if err := rows.Scan(&participant.ID, &participant.DisplayName, &kind); err != nil {
			return session.UnifiedSession{}, fmt.Errorf("scan unified session participant: %w", err)
		}
		participant.Kind = domain.KindFromLabel(kind)
		unified.Participants = append(unified.Participants, participant)
	}
	if err := rows.Err(); err != nil {
		return session.UnifiedSession{}, fmt.Errorf("iterate unified session participants: %w", err)
	}
	return unified, nil
}

// PutSyncState inserts or replaces one conversation's sync state record.
func (s *Store) PutSyncState(ctx context.Context, record storage.SyncStateRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ConversationID) == "" {
		return fmt.Errorf("conversation id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sync_states (conversation_id, state, synced_participants, last_error, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(conversation_id) DO UPDATE SET
    state = excluded.state,
    synced_participants = excluded.synced_participants,
    last_error = excluded.last_error,
    updated_at = excluded.updated_at
`,
		record.ConversationID,
		string(record.State),
		record.SyncedParticipants,
		record.LastError,
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put sync state: %w", err)
	}
	return nil
}

// GetSyncState loads one conversation's sync state record.
func (s *Store) GetSyncState(ctx context.Context, conversationID string) (storage.SyncStateRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.SyncStateRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SyncStateRecord{}, fmt.Errorf("storage is not configured")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return storage.SyncStateRecord{}, fmt.Errorf("conversation id is required")
	}

	var (
		record    storage.SyncStateRecord
		state     string
		updatedAt int64
	)
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT conversation_id, state, synced_participants, last_error, updated_at
FROM sync_states
WHERE conversation_id = ?
`, conversationID)
	if err := row.Scan(&record.ConversationID, &state, &record.SyncedParticipants, &record.LastError, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SyncStateRecord{}, storage.ErrNotFound
		}
		return storage.SyncStateRecord{}, fmt.Errorf("load sync state: %w", err)
	}
	record.State = storage.SyncState(state)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

// ListSyncStatesNeedingWork returns sync states that are not synced yet,
// oldest update first, for the reconciliation tick.
func (s *Store) ListSyncStatesNeedingWork(ctx context.Context, limit int) ([]storage.SyncStateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT conversation_id, state, synced_participants, last_error, updated_at
FROM sync_states
WHERE state IN (?, ?, ?)
ORDER BY updated_at
LIMIT ?
`, string(storage.SyncStateUnsynced), string(storage.SyncStateSyncing), string(storage.SyncStateFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("list sync states: %w", err)
	}
	defer rows.Close()

	var records []storage.SyncStateRecord
	for rows.Next() {
		var (
			record    storage.SyncStateRecord
			state     string
			updatedAt int64
		)
		if err := rows.Scan(&record.ConversationID, &state, &record.SyncedParticipants, &record.LastError, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan sync state row: %w", err)
		}
		record.State = storage.SyncState(state)
		record.UpdatedAt = fromMillis(updatedAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync state rows: %w", err)
	}
	return records, nil
}
