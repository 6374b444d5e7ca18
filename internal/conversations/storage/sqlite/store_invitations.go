package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/convene/internal/conversations/invite"
	"github.com/louisbranch/convene/internal/conversations/storage"
)

const invitationColumns = "id, conversation_id, from_user_id, to_user_id, to_email, message, include_history, history_from, status, created_at, updated_at, expires_at"

// PutInvitation inserts or replaces one invitation record.
func (s *Store) PutInvitation(ctx context.Context, invitation invite.Invitation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(invitation.ID) == "" {
		return fmt.Errorf("invitation id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO invitations (id, conversation_id, from_user_id, to_user_id, to_email, message, include_history, history_from, status, created_at, updated_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    conversation_id = excluded.conversation_id,
    from_user_id = excluded.from_user_id,
    to_user_id = excluded.to_user_id,
    to_email = excluded.to_email,
    message = excluded.message,
    include_history = excluded.include_history,
    history_from = excluded.history_from,
    status = excluded.status,
    created_at = excluded.created_at,
    updated_at = excluded.updated_at,
    expires_at = excluded.expires_at
`,
		invitation.ID,
		invitation.ConversationID,
		invitation.FromUserID,
		invitation.ToUserID,
		invitation.ToEmail,
		invitation.Message,
		boolToInt(invitation.IncludeHistory),
		toNullMillis(invitation.HistoryFrom),
		invite.StatusLabel(invitation.Status),
		toMillis(invitation.CreatedAt),
		toMillis(invitation.UpdatedAt),
		toMillis(invitation.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put invitation: %w", err)
	}
	return nil
}

// GetInvitation loads one invitation by id.
func (s *Store) GetInvitation(ctx context.Context, invitationID string) (invite.Invitation, error) {
	if err := ctx.Err(); err != nil {
		return invite.Invitation{}, err
	}
	if s == nil || s.sqlDB == nil {
		return invite.Invitation{}, fmt.Errorf("storage is not configured")
	}
	invitationID = strings.TrimSpace(invitationID)
	if invitationID == "" {
		return invite.Invitation{}, fmt.Errorf("invitation id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+invitationColumns+`
FROM invitations
WHERE id = ?
`, invitationID)
	invitation, err := scanInvitation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return invite.Invitation{}, storage.ErrNotFound
		}
		return invite.Invitation{}, fmt.Errorf("load invitation: %w", err)
	}
	return invitation, nil
}

// ResolveInvitationStatus moves one invitation from one status to another.
// The transition is a single conditional update: when the row exists but the
// current status differs, the caller lost a race and gets ErrConflict.
func (s *Store) ResolveInvitationStatus(ctx context.Context, invitationID string, from invite.Status, to invite.Status, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	invitationID = strings.TrimSpace(invitationID)
	if invitationID == "" {
		return fmt.Errorf("invitation id is required")
	}

	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE invitations
SET status = ?, updated_at = ?
WHERE id = ? AND status = ?
`, invite.StatusLabel(to), toMillis(updatedAt), invitationID, invite.StatusLabel(from))
	if err != nil {
		return fmt.Errorf("resolve invitation status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve invitation status result: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists int
	row := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM invitations WHERE id = ?`, invitationID)
	if err := row.Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("check invitation existence: %w", err)
	}
	return storage.ErrConflict
}

// ListInvitationsByConversation returns a page of invitations for one
// conversation filtered by status, newest first.
func (s *Store) ListInvitationsByConversation(ctx context.Context, conversationID string, status invite.Status, pageSize int, pageToken string) (storage.InvitationPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.InvitationPage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.InvitationPage{}, fmt.Errorf("storage is not configured")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return storage.InvitationPage{}, fmt.Errorf("conversation id is required")
	}
	if pageSize <= 0 {
		return storage.InvitationPage{}, fmt.Errorf("page size must be greater than zero")
	}

	limit := pageSize + 1
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(pageToken) == "" {
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT `+invitationColumns+`
FROM invitations
WHERE conversation_id = ? AND status = ?
ORDER BY id
LIMIT ?
`, conversationID, invite.StatusLabel(status), limit)
	} else {
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT `+invitationColumns+`
FROM invitations
WHERE conversation_id = ? AND status = ? AND id > ?
ORDER BY id
LIMIT ?
`, conversationID, invite.StatusLabel(status), strings.TrimSpace(pageToken), limit)
	}
	if err != nil {
		return storage.InvitationPage{}, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()
	return collectInvitationPage(rows, pageSize)
}

// ListPendingInvitationsByRecipient returns pending invitations addressed to
// one recipient key, either a user id or a normalized email.
func (s *Store) ListPendingInvitationsByRecipient(ctx context.Context, recipient string, pageSize int, pageToken string) (storage.InvitationPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.InvitationPage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.InvitationPage{}, fmt.Errorf("storage is not configured")
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return storage.InvitationPage{}, fmt.Errorf("recipient is required")
	}
	if pageSize <= 0 {
		return storage.InvitationPage{}, fmt.Errorf("page size must be greater than zero")
	}

	pending := invite.StatusLabel(invite.StatusPending)
	limit := pageSize + 1
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(pageToken) == "" {
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT `+invitationColumns+`
FROM invitations
WHERE status = ? AND (to_user_id = ? OR to_email = ?)
ORDER BY id
LIMIT ?
`, pending, recipient, strings.ToLower(recipient), limit)
	} else {
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT `+invitationColumns+`
FROM invitations
WHERE status = ? AND (to_user_id = ? OR to_email = ?) AND id > ?
ORDER BY id
LIMIT ?
`, pending, recipient, strings.ToLower(recipient), strings.TrimSpace(pageToken), limit)
	}
	if err != nil {
		return storage.InvitationPage{}, fmt.Errorf("list pending invitations: %w", err)
	}
	defer rows.Close()
	return collectInvitationPage(rows, pageSize)
}

// ListExpiredPending returns pending invitations whose expiry stamp has
// passed, oldest expiry first, capped for the background sweep.
func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]invite.Invitation, error) {
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
SELECT `+invitationColumns+`
FROM invitations
WHERE status = ? AND expires_at <= ?
ORDER BY expires_at, id
LIMIT ?
`, invite.StatusLabel(invite.StatusPending), toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired invitations: %w", err)
	}
	defer rows.Close()

	var invitations []invite.Invitation
	for rows.Next() {
		invitation, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invitation row: %w", err)
		}
		invitations = append(invitations, invitation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invitation rows: %w", err)
	}
	return invitations, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvitation(row rowScanner) (invite.Invitation, error) {
	var (
		invitation                      invite.Invitation
		includeHistory                  int
		historyFrom                     sql.NullInt64
		status                          string
		createdAt, updatedAt, expiresAt int64
	)
	if err := row.Scan(
		&invitation.ID,
		&invitation.ConversationID,
		&invitation.FromUserID,
		&invitation.ToUserID,
		&invitation.ToEmail,
		&invitation.Message,
		&includeHistory,
		&historyFrom,
		&status,
		&createdAt,
		&updatedAt,
		&expiresAt,
	); err != nil {
		return invite.Invitation{}, err
	}
	invitation.IncludeHistory = includeHistory != 0
	invitation.HistoryFrom = fromNullMillis(historyFrom)
	invitation.Status = invite.StatusFromLabel(status)
	invitation.CreatedAt = fromMillis(createdAt)
	invitation.UpdatedAt = fromMillis(updatedAt)
	invitation.ExpiresAt = fromMillis(expiresAt)
	return invitation, nil
}

func collectInvitationPage(rows *sql.Rows, pageSize int) (storage.InvitationPage, error) {
	page := storage.InvitationPage{Invitations: make([]invite.Invitation, 0, pageSize)}
	for rows.Next() {
		invitation, err := scanInvitation(rows)
		if err != nil {
			return storage.InvitationPage{}, fmt.Errorf("scan invitation row: %w", err)
		}
		page.Invitations = append(page.Invitations, invitation)
	}
	if err := rows.Err(); err != nil {
		return storage.InvitationPage{}, fmt.Errorf("iterate invitation rows: %w", err)
	}
	if len(page.Invitations) > pageSize {
		page.NextPageToken = page.Invitations[pageSize-1].ID
		page.Invitations = page.Invitations[:pageSize]
	}
	return page, nil
}
