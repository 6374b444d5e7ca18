// Package invite provides the invitation lifecycle for conversation membership.
package invite

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/convene/internal/platform/errors"
	"github.com/louisbranch/convene/internal/platform/id"
)

// TTL is how long an invitation stays resolvable after creation.
const TTL = 7 * 24 * time.Hour

// Status represents the lifecycle status of an invitation.
type Status int

const (
	// StatusUnspecified represents an invalid invitation status.
	StatusUnspecified Status = iota
	// StatusPending indicates an invitation awaiting a response.
	StatusPending
	// StatusAccepted indicates the recipient accepted.
	StatusAccepted
	// StatusDeclined indicates the recipient declined.
	StatusDeclined
	// StatusExpired indicates the invitation lapsed unanswered.
	StatusExpired
)

// Decision is a recipient response to a pending invitation.
type Decision int

const (
	// DecisionUnspecified represents an invalid decision.
	DecisionUnspecified Decision = iota
	// DecisionAccepted accepts the invitation.
	DecisionAccepted
	// DecisionDeclined declines the invitation.
	DecisionDeclined
)

// Invitation is an offer to join a conversation with its own lifecycle and
// expiry, independent of the participant record it produces.
type Invitation struct {
	ID             string
	ConversationID string
	FromUserID     string
	ToUserID       string
	ToEmail        string
	Message        string
	IncludeHistory bool
	HistoryFrom    *time.Time
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
}

// CreateInvitationInput describes the metadata needed to create an invitation.
type CreateInvitationInput struct {
	ConversationID string
	FromUserID     string
	ToUserID       string
	ToEmail        string
	Message        string
	IncludeHistory bool
	HistoryFrom    *time.Time
}

// CreateInvitation creates a pending invitation with a generated ID and a
// seven-day expiry window.
func CreateInvitation(input CreateInvitationInput, now func() time.Time, idGenerator func() (string, error)) (Invitation, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateInvitationInput(input)
	if err != nil {
		return Invitation{}, err
	}

	invitationID, err := idGenerator()
	if err != nil {
		return Invitation{}, fmt.Errorf("generate invitation id: %w", err)
	}

	createdAt := now().UTC()
	return Invitation{
		ID:             invitationID,
		ConversationID: normalized.ConversationID,
		FromUserID:     normalized.FromUserID,
		ToUserID:       normalized.ToUserID,
		ToEmail:        normalized.ToEmail,
		Message:        normalized.Message,
		IncludeHistory: normalized.IncludeHistory,
		HistoryFrom:    normalized.HistoryFrom,
		Status:         StatusPending,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
		ExpiresAt:      createdAt.Add(TTL),
	}, nil
}

// NormalizeCreateInvitationInput trims and validates invitation metadata.
func NormalizeCreateInvitationInput(input CreateInvitationInput) (CreateInvitationInput, error) {
	input.ConversationID = strings.TrimSpace(input.ConversationID)
	if input.ConversationID == "" {
		return CreateInvitationInput{}, apperrors.New(apperrors.CodeInvitationEmptyConversationID, "conversation id is required")
	}
	input.FromUserID = strings.TrimSpace(input.FromUserID)
	if input.FromUserID == "" {
		return CreateInvitationInput{}, apperrors.New(apperrors.CodeConversationCreatorMissing, "inviter user id is required")
	}
	input.ToUserID = strings.TrimSpace(input.ToUserID)
	input.ToEmail = strings.TrimSpace(strings.ToLower(input.ToEmail))
	if input.ToUserID == "" && input.ToEmail == "" {
		return CreateInvitationInput{}, apperrors.New(apperrors.CodeInvitationEmptyRecipient, "invitation recipient is required")
	}
	input.Message = strings.TrimSpace(input.Message)
	return input, nil
}

// RecipientKey returns the participant id the invitation's pending record is
// written under: the recipient user id when known, otherwise the email.
func (i Invitation) RecipientKey() string {
	if i.ToUserID != "" {
		return i.ToUserID
	}
	return i.ToEmail
}

// ExpiredAt reports whether the invitation has lapsed by the given instant.
func (i Invitation) ExpiredAt(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.UTC().Before(i.ExpiresAt)
}

// Terminal reports whether the invitation can no longer change status.
// Status transitions only move pending -> {accepted, declined, expired};
// once terminal, every further resolve observes a fixed point.
func (i Invitation) Terminal() bool {
	switch i.Status {
	case StatusAccepted, StatusDeclined, StatusExpired:
		return true
	default:
		return false
	}
}

// StatusForDecision maps a recipient decision to the resulting status.
func StatusForDecision(decision Decision) (Status, error) {
	switch decision {
	case DecisionAccepted:
		return StatusAccepted, nil
	case DecisionDeclined:
		return StatusDeclined, nil
	default:
		return StatusUnspecified, apperrors.New(apperrors.CodeUnknown, "invitation decision is required")
	}
}

// StatusLabel returns the string label for an invitation status.
func StatusLabel(status Status) string {
	switch status {
	case StatusPending:
		return "PENDING"
	case StatusAccepted:
		return "ACCEPTED"
	case StatusDeclined:
		return "DECLINED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNSPECIFIED"
	}
}

// StatusFromLabel converts a status label to a Status value.
func StatusFromLabel(label string) Status {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "PENDING":
		return StatusPending
	case "ACCEPTED":
		return StatusAccepted
	case "DECLINED":
		return StatusDeclined
	case "EXPIRED":
		return StatusExpired
	default:
		return StatusUnspecified
	}
}
