package domain

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/convene/internal/platform/errors"
	"github.com/louisbranch/convene/internal/platform/id"
)

// DefaultMaxParticipants bounds membership when a conversation does not
// configure its own limit.
const DefaultMaxParticipants = 16

// Settings holds per-conversation membership policy.
type Settings struct {
	AllowInvites    bool
	AllowAgents     bool
	MaxParticipants int
}

// Conversation is a named multi-participant aggregate with membership and
// visibility settings. Participants are mutated only through the registry
// operations in this package so membership invariants hold.
type Conversation struct {
	ID           string
	Name         string
	CreatedBy    string
	CreatedAt    time.Time
	LastActivity time.Time
	Private      bool
	ShareHistory bool
	Settings     Settings
	Participants []Participant

	// Aliases lists legacy external keys that resolve to this conversation.
	// Historical records were written under host_chat_session_id or
	// conversation_id and are never rewritten to the canonical scheme.
	Aliases []string
}

// CreateConversationInput describes the metadata needed to create a conversation.
type CreateConversationInput struct {
	Name         string
	CreatedBy    string
	CreatorName  string
	Private      bool
	ShareHistory bool
	Settings     Settings
	Aliases      []string
}

// CreateConversation creates a conversation with the creator as its sole
// active participant.
func CreateConversation(input CreateConversationInput, now func() time.Time, idGenerator func() (string, error)) (Conversation, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Conversation{}, apperrors.New(apperrors.CodeConversationNameEmpty, "conversation name is required")
	}
	createdBy := strings.TrimSpace(input.CreatedBy)
	if createdBy == "" {
		return Conversation{}, apperrors.New(apperrors.CodeConversationCreatorMissing, "conversation creator is required")
	}
	if err := ValidateParticipantID(createdBy); err != nil {
		return Conversation{}, err
	}

	settings := input.Settings
	if settings == (Settings{}) {
		// Unconfigured conversations are open: invites and agents on,
		// matching the schema defaults.
		settings.AllowInvites = true
		settings.AllowAgents = true
	}
	if settings.MaxParticipants <= 0 {
		settings.MaxParticipants = DefaultMaxParticipants
	}

	conversationID, err := idGenerator()
	if err != nil {
		return Conversation{}, fmt.Errorf("generate conversation id: %w", err)
	}

	creatorName := strings.TrimSpace(input.CreatorName)
	if creatorName == "" {
		creatorName = createdBy
	}

	createdAt := now().UTC()
	return Conversation{
		ID:           conversationID,
		Name:         name,
		CreatedBy:    createdBy,
		CreatedAt:    createdAt,
		LastActivity: createdAt,
		Private:      input.Private,
		ShareHistory: input.ShareHistory,
		Settings:     settings,
		Aliases:      normalizeAliases(input.Aliases),
		Participants: []Participant{{
			ID:          createdBy,
			DisplayName: creatorName,
			Kind:        KindHuman,
			Status:      StatusActive,
			Role:        RoleCreator,
			AddedBy:     createdBy,
			JoinedAt:    createdAt,
		}},
	}, nil
}

// Participant returns the participant with the given id, if present.
func (c *Conversation) Participant(participantID string) (Participant, bool) {
	for _, participant := range c.Participants {
		if participant.ID == participantID {
			return participant, true
		}
	}
	return Participant{}, false
}

// ActiveParticipants returns the participants currently active in the
// conversation, in membership order.
func (c *Conversation) ActiveParticipants() []Participant {
	var active []Participant
	for _, participant := range c.Participants {
		if participant.Status == StatusActive {
			active = append(active, participant)
		}
	}
	return active
}

// IsActiveParticipant reports whether the given id is an active member.
func (c *Conversation) IsActiveParticipant(participantID string) bool {
	participant, ok := c.Participant(participantID)
	return ok && participant.Status == StatusActive
}

func normalizeAliases(aliases []string) []string {
	var normalized []string
	seen := map[string]bool{}
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" || seen[alias] {
			continue
		}
		seen[alias] = true
		normalized = append(normalized, alias)
	}
	return normalized
}
