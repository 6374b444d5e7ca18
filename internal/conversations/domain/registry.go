package domain

import (
	"strings"
	"time"

	apperrors "github.com/louisbranch/convene/internal/platform/errors"
)

// AddParticipantInput describes a participant to add to a conversation.
type AddParticipantInput struct {
	ParticipantID string
	DisplayName   string
	Kind          Kind
	AddedBy       string
	InvitationID  string
}

// AddActive adds a participant directly with active status. When the id is
// already present the existing record is returned unchanged, so retried
// calls are safe.
func (c *Conversation) AddActive(input AddParticipantInput, now func() time.Time) (Participant, error) {
	if now == nil {
		now = time.Now
	}
	normalized, err := c.normalizeAddInput(input)
	if err != nil {
		return Participant{}, err
	}

	if existing, ok := c.Participant(normalized.ParticipantID); ok {
		return existing, nil
	}
	if err := c.checkCapacity(); err != nil {
		return Participant{}, err
	}

	participant := Participant{
		ID:          normalized.ParticipantID,
		DisplayName: normalized.DisplayName,
		Kind:        normalized.Kind,
		Status:      StatusActive,
		Role:        RoleParticipant,
		AddedBy:     normalized.AddedBy,
		JoinedAt:    now().UTC(),
	}
	c.Participants = append(c.Participants, participant)
	c.LastActivity = now().UTC()
	return participant, nil
}

// AddPending adds a participant with pending status, keyed by the invitation
// that produced it. Duplicate ids are rejected.
func (c *Conversation) AddPending(input AddParticipantInput, now func() time.Time) (Participant, error) {
	if now == nil {
		now = time.Now
	}
	normalized, err := c.normalizeAddInput(input)
	if err != nil {
		return Participant{}, err
	}

	if existing, ok := c.Participant(normalized.ParticipantID); ok {
		// A retried addPending for the same invitation is the partial-failure
		// recovery path, not a conflict.
		if existing.Status == StatusPending && existing.InvitationID == normalized.InvitationID && normalized.InvitationID != "" {
			return existing, nil
		}
		return Participant{}, apperrors.WithMetadata(
			apperrors.CodeParticipantAlreadyPresent,
			"participant already present in conversation",
			map[string]string{"ParticipantID": normalized.ParticipantID},
		)
	}
	if err := c.checkCapacity(); err != nil {
		return Participant{}, err
	}

	participant := Participant{
		ID:           normalized.ParticipantID,
		DisplayName:  normalized.DisplayName,
		Kind:         normalized.Kind,
		Status:       StatusPending,
		Role:         RoleParticipant,
		AddedBy:      normalized.AddedBy,
		InvitationID: normalized.InvitationID,
	}
	c.Participants = append(c.Participants, participant)
	c.LastActivity = now().UTC()
	return participant, nil
}

// ClaimPending transfers a pending participant row to the claimant's id.
// Email invitations park their pending row under the recipient key until an
// acceptance proves which user it belongs to. AddedBy and InvitationID carry
// over so the invitation linkage and removal cascade survive the claim.
func (c *Conversation) ClaimPending(recipientKey string, claimantID string, displayName string, now func() time.Time) (Participant, error) {
	if now == nil {
		now = time.Now
	}
	claimantID = strings.TrimSpace(claimantID)
	if err := ValidateParticipantID(claimantID); err != nil {
		return Participant{}, err
	}
	if _, ok := c.Participant(claimantID); ok {
		return Participant{}, apperrors.WithMetadata(
			apperrors.CodeParticipantAlreadyPresent,
			"claimant already present in conversation",
			map[string]string{"ParticipantID": claimantID},
		)
	}
	for i, participant := range c.Participants {
		if participant.ID != recipientKey || participant.Status != StatusPending {
			continue
		}
		participant.ID = claimantID
		if name := strings.TrimSpace(displayName); name != "" {
			participant.DisplayName = name
		}
		c.Participants[i] = participant
		c.LastActivity = now().UTC()
		return participant, nil
	}
	return Participant{}, apperrors.WithMetadata(
		apperrors.CodeParticipantNotFound,
		"no pending participant under recipient key",
		map[string]string{"ParticipantID": recipientKey},
	)
}

// Activate transitions a pending participant to active and stamps JoinedAt.
// Activating an already-active participant is a no-op returning the current
// record, so retried invitation resolutions converge on one state.
func (c *Conversation) Activate(participantID string, now func() time.Time) (Participant, error) {
	if now == nil {
		now = time.Now
	}
	for i, participant := range c.Participants {
		if participant.ID != participantID {
			continue
		}
		if participant.Status == StatusActive {
			return participant, nil
		}
		participant.Status = StatusActive
		participant.JoinedAt = now().UTC()
		c.Participants[i] = participant
		c.LastActivity = now().UTC()
		return participant, nil
	}
	return Participant{}, apperrors.WithMetadata(
		apperrors.CodeParticipantNotFound,
		"participant not found in conversation",
		map[string]string{"ParticipantID": participantID},
	)
}

// MarkDeclined transitions a pending participant to declined. Declining an
// already-declined participant is a no-op.
func (c *Conversation) MarkDeclined(participantID string, now func() time.Time) (Participant, error) {
	if now == nil {
		now = time.Now
	}
	for i, participant := range c.Participants {
		if participant.ID != participantID {
			continue
		}
		if participant.Status == StatusDeclined {
			return participant, nil
		}
		participant.Status = StatusDeclined
		c.Participants[i] = participant
		c.LastActivity = now().UTC()
		return participant, nil
	}
	return Participant{}, apperrors.WithMetadata(
		apperrors.CodeParticipantNotFound,
		"participant not found in conversation",
		map[string]string{"ParticipantID": participantID},
	)
}

// Remove deletes a participant and every participant they brought in.
// Only the conversation creator or the participant themselves may remove.
// Removal cascades one level through the addedBy edges so dependents (for
// example agents added by a departing human) do not remain orphaned.
func (c *Conversation) Remove(participantID string, removedBy string, now func() time.Time) ([]Participant, error) {
	if now == nil {
		now = time.Now
	}
	participantID = strings.TrimSpace(participantID)
	removedBy = strings.TrimSpace(removedBy)
	if _, ok := c.Participant(participantID); !ok {
		return nil, apperrors.WithMetadata(
			apperrors.CodeParticipantNotFound,
			"participant not found in conversation",
			map[string]string{"ParticipantID": participantID},
		)
	}
	if removedBy != c.CreatedBy && removedBy != participantID {
		return nil, apperrors.WithMetadata(
			apperrors.CodeParticipantRemovalRefused,
			"only the conversation creator or the participant may remove",
			map[string]string{"ParticipantID": participantID, "RemovedBy": removedBy},
		)
	}

	doomed := map[string]bool{participantID: true}
	for child := range c.dependents(participantID) {
		doomed[child] = true
	}

	var removed []Participant
	var kept []Participant
	for _, participant := range c.Participants {
		if doomed[participant.ID] {
			removed = append(removed, participant)
			continue
		}
		kept = append(kept, participant)
	}
	c.Participants = kept
	c.LastActivity = now().UTC()
	return removed, nil
}

// dependents returns the set of participant ids whose addedBy edge points at
// the given participant. Self-edges (the creator adds themselves) are skipped.
func (c *Conversation) dependents(participantID string) map[string]bool {
	children := map[string]bool{}
	for _, participant := range c.Participants {
		if participant.AddedBy == participantID && participant.ID != participantID {
			children[participant.ID] = true
		}
	}
	return children
}

func (c *Conversation) normalizeAddInput(input AddParticipantInput) (AddParticipantInput, error) {
	input.ParticipantID = strings.TrimSpace(input.ParticipantID)
	if err := ValidateParticipantID(input.ParticipantID); err != nil {
		return AddParticipantInput{}, err
	}
	input.DisplayName = strings.TrimSpace(input.DisplayName)
	if input.DisplayName == "" {
		input.DisplayName = input.ParticipantID
	}
	switch input.Kind {
	case KindHuman:
	case KindAgent:
		if !c.Settings.AllowAgents {
			return AddParticipantInput{}, apperrors.New(apperrors.CodeConversationAgentsOff, "conversation does not allow agent participants")
		}
	default:
		return AddParticipantInput{}, apperrors.New(apperrors.CodeParticipantInvalidKind, "participant kind is required")
	}
	input.AddedBy = strings.TrimSpace(input.AddedBy)
	input.InvitationID = strings.TrimSpace(input.InvitationID)
	return input, nil
}

func (c *Conversation) checkCapacity() error {
	max := c.Settings.MaxParticipants
	if max <= 0 {
		max = DefaultMaxParticipants
	}
	if len(c.Participants) >= max {
		return apperrors.New(apperrors.CodeConversationFull, "conversation participant limit reached")
	}
	return nil
}
