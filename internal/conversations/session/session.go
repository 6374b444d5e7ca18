// Package session holds the unified session projection of a conversation.
//
// A UnifiedSession is a pure, recomputable view consumed independently of
// the conversation aggregate. It is never a source of truth: every field is
// derivable from the conversation, and projection may run any number of
// times without changing an already-correct session.
package session

import (
	"strings"
	"time"

	apperrors "github.com/louisbranch/convene/internal/platform/errors"

	"github.com/louisbranch/convene/internal/conversations/domain"
)

// Mode identifies how the session consumer renders the conversation.
type Mode int

const (
	// ModeUnspecified represents an invalid mode.
	ModeUnspecified Mode = iota
	// ModeRegular is a one-on-one or pair session.
	ModeRegular
	// ModeShared is a multi-party session with more than two participants.
	ModeShared
)

// Participant is the projected view of one conversation participant.
type Participant struct {
	ID          string
	DisplayName string
	Kind        domain.Kind
}

// Metadata carries consumer-facing linkage back to the conversation.
type Metadata struct {
	LinkedSessionID string
}

// UnifiedSession is the projected representation of a conversation for the
// unified session consumer.
type UnifiedSession struct {
	ID           string
	Mode         Mode
	Participants []Participant
	HostUserID   string
	AgentID      string
	Metadata     Metadata
	UpdatedAt    time.Time
}

// ModeFor computes the session mode from an active participant count.
// Mode is recomputed on every sync and never persisted independently.
func ModeFor(activeParticipants int) Mode {
	if activeParticipants > 2 {
		return ModeShared
	}
	return ModeRegular
}

// ProjectParticipant maps one active conversation participant into its
// session representation.
func ProjectParticipant(participant domain.Participant) (Participant, error) {
	if strings.TrimSpace(participant.ID) == "" {
		return Participant{}, apperrors.New(apperrors.CodeSessionProjectionFailed, "participant id is required for projection")
	}
	if participant.Kind != domain.KindHuman && participant.Kind != domain.KindAgent {
		return Participant{}, apperrors.WithMetadata(
			apperrors.CodeSessionProjectionFailed,
			"participant kind is unprojectable",
			map[string]string{"ParticipantID": participant.ID},
		)
	}
	displayName := strings.TrimSpace(participant.DisplayName)
	if displayName == "" {
		displayName = participant.ID
	}
	return Participant{
		ID:          participant.ID,
		DisplayName: displayName,
		Kind:        participant.Kind,
	}, nil
}

// Reconcile merges the projected participants into the session by set
// reconciliation: missing entries are added, existing entries are updated in
// place, and entries absent from the projection are dropped. Re-running
// reconciliation with an unchanged projection leaves the session identical.
func Reconcile(unified *UnifiedSession, projected []Participant) (changed bool) {
	byID := make(map[string]Participant, len(unified.Participants))
	for _, participant := range unified.Participants {
		byID[participant.ID] = participant
	}

	next := make([]Participant, 0, len(projected))
	seen := make(map[string]bool, len(projected))
	for _, participant := range projected {
		if seen[participant.ID] {
			continue
		}
		seen[participant.ID] = true
		existing, ok := byID[participant.ID]
		if !ok || existing != participant {
			changed = true
		}
		next = append(next, participant)
	}
	if len(next) != len(unified.Participants) {
		changed = true
	}
	unified.Participants = next
	unified.Mode = ModeFor(len(next))
	return changed
}

// AgentIDFor returns the first projected agent participant, if any. The
// unified consumer surfaces a single primary agent.
func AgentIDFor(participants []Participant) string {
	for _, participant := range participants {
		if participant.Kind == domain.KindAgent {
			return participant.ID
		}
	}
	return ""
}

// ModeLabel returns the string label for a session mode.
func ModeLabel(mode Mode) string {
	switch mode {
	case ModeRegular:
		return "REGULAR"
	case ModeShared:
		return "SHARED"
	default:
		return "UNSPECIFIED"
	}
}

// ModeFromLabel converts a mode label to a Mode value.
func ModeFromLabel(label string) Mode {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "REGULAR":
		return ModeRegular
	case "SHARED":
		return ModeShared
	default:
		return ModeUnspecified
	}
}
