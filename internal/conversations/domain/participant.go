package domain

import (
	"strings"
	"time"
	"unicode"

	apperrors "github.com/louisbranch/convene/internal/platform/errors"
)

// Kind identifies whether a participant is driven by a human or an agent.
type Kind int

const (
	// KindUnspecified represents an invalid participant kind.
	KindUnspecified Kind = iota
	// KindHuman represents a human participant.
	KindHuman
	// KindAgent represents an AI agent participant.
	KindAgent
)

// Status represents the membership lifecycle status of a participant.
type Status int

const (
	// StatusUnspecified represents an invalid participant status.
	StatusUnspecified Status = iota
	// StatusPending indicates a participant invited but not yet joined.
	StatusPending
	// StatusActive indicates a participant who has joined the conversation.
	StatusActive
	// StatusDeclined indicates a participant who declined their invitation.
	StatusDeclined
)

// Role distinguishes the conversation creator from regular participants.
type Role int

const (
	// RoleUnspecified represents an invalid participant role.
	RoleUnspecified Role = iota
	// RoleCreator marks the participant who created the conversation.
	RoleCreator
	// RoleParticipant marks every other member.
	RoleParticipant
)

// Participant is one human or agent entry in a conversation's membership list.
type Participant struct {
	ID           string
	DisplayName  string
	Kind         Kind
	Status       Status
	Role         Role
	AddedBy      string
	JoinedAt     time.Time
	InvitationID string
}

// ValidateParticipantID enforces the participant identifier contract.
// Identifiers must be at least two characters long and contain no embedded
// whitespace, guarding against accidental substitution of display names.
func ValidateParticipantID(participantID string) error {
	if len(participantID) < 2 {
		return apperrors.WithMetadata(
			apperrors.CodeParticipantInvalidID,
			"participant id must be at least 2 characters",
			map[string]string{"ParticipantID": participantID},
		)
	}
	for _, r := range participantID {
		if unicode.IsSpace(r) {
			return apperrors.WithMetadata(
				apperrors.CodeParticipantInvalidID,
				"participant id must not contain whitespace",
				map[string]string{"ParticipantID": participantID},
			)
		}
	}
	return nil
}

// KindLabel returns the string label for a participant kind.
func KindLabel(kind Kind) string {
	switch kind {
	case KindHuman:
		return "HUMAN"
	case KindAgent:
		return "AGENT"
	default:
		return "UNSPECIFIED"
	}
}

// KindFromLabel converts a kind label to a Kind value.
func KindFromLabel(label string) Kind {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "HUMAN":
		return KindHuman
	case "AGENT":
		return KindAgent
	default:
		return KindUnspecified
	}
}

// StatusLabel returns the string label for a participant status.
func StatusLabel(status Status) string {
	switch status {
	case StatusPending:
		return "PENDING"
	case StatusActive:
		return "ACTIVE"
	case StatusDeclined:
		return "DECLINED"
	default:
		return "UNSPECIFIED"
	}
}

// StatusFromLabel converts a status label to a Status value.
func StatusFromLabel(label string) Status {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "PENDING":
		return StatusPending
	case "ACTIVE":
		return StatusActive
	case "DECLINED":
		return StatusDeclined
	default:
		return StatusUnspecified
	}
}

// RoleLabel returns the string label for a participant role.
func RoleLabel(role Role) string {
	switch role {
	case RoleCreator:
		return "CREATOR"
	case RoleParticipant:
		return "PARTICIPANT"
	default:
		return "UNSPECIFIED"
	}
}

// RoleFromLabel converts a role label to a Role value.
func RoleFromLabel(label string) Role {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "CREATOR":
		return RoleCreator
	case "PARTICIPANT":
		return RoleParticipant
	default:
		return RoleUnspecified
	}
}
