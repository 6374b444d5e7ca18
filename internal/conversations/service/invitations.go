package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/convene/internal/conversations/domain"
	"github.com/louisbranch/convene/internal/conversations/invite"
	"github.com/louisbranch/convene/internal/conversations/storage"
	apperrors "github.com/louisbranch/convene/internal/platform/errors"
	"github.com/louisbranch/convene/internal/platform/timeouts"
)

// GrantIssuer mints signed join grants for email invitations.
type GrantIssuer interface {
	IssueGrant(invitation invite.Invitation, grantID string) (string, error)
}

// GrantValidator checks join grants presented on acceptance.
type GrantValidator interface {
	ValidateGrant(grant string, expected invite.GrantExpectation) (invite.GrantClaims, error)
}

// InviteParticipantInput describes one invitation request.
type InviteParticipantInput struct {
	ConversationID string
	FromUserID     string
	ToUserID       string
	ToEmail        string
	Message        string
	IncludeHistory bool
	HistoryFrom    *time.Time
}

// ResolveInvitationInput identifies the invitation, the resolving user,
// and, for email invitations, the presented join grant.
type ResolveInvitationInput struct {
	InvitationID string
	UserID       string
	DisplayName  string
	Grant        string
}

// InviteParticipant issues a pending invitation. The inviter must be an
// active participant, and cross-user invites require an existing connection
// edge. The invitation record is persisted before the pending participant
// row so a partial failure is detectable and retryable under the same
// invitation id.
func (s *Service) InviteParticipant(ctx context.Context, input InviteParticipantInput) (invite.Invitation, error) {
	conversation, err := s.GetConversation(ctx, input.ConversationID)
	if err != nil {
		return invite.Invitation{}, err
	}
	input.ConversationID = conversation.ID

	if !conversation.Settings.AllowInvites {
		return invite.Invitation{}, apperrors.New(apperrors.CodeConversationInvitesOff, "conversation does not accept invitations")
	}
	if !conversation.IsActiveParticipant(input.FromUserID) {
		return invite.Invitation{}, apperrors.WithMetadata(
			apperrors.CodePermissionDenied,
			"inviter is not an active participant",
			map[string]string{"UserID": input.FromUserID},
		)
	}
	if strings.TrimSpace(input.ToUserID) != "" {
		if err := s.checkConnected(ctx, input.FromUserID, input.ToUserID); err != nil {
			return invite.Invitation{}, err
		}
	}

	invitation, err := invite.CreateInvitation(invite.CreateInvitationInput{
		ConversationID: input.ConversationID,
		FromUserID:     input.FromUserID,
		ToUserID:       input.ToUserID,
		ToEmail:        input.ToEmail,
		Message:        input.Message,
		IncludeHistory: input.IncludeHistory,
		HistoryFrom:    input.HistoryFrom,
	}, s.now, s.idGenerator)
	if err != nil {
		return invite.Invitation{}, err
	}
	if err := s.store.PutInvitation(ctx, invitation); err != nil {
		return invite.Invitation{}, err
	}

	// The pending row is keyed by the recipient: the user id when known,
	// otherwise the invited email until acceptance claims it. A recipient
	// already present keeps their row: duplicate invitations coexist as
	// records and resolve independently.
	var displayName string
	if invitation.ToUserID != "" {
		displayName = s.displayNameFor(ctx, invitation.ToUserID)
	}
	_, addErr := conversation.AddPending(domain.AddParticipantInput{
		ParticipantID: invitation.RecipientKey(),
		DisplayName:   displayName,
		Kind:          domain.KindHuman,
		AddedBy:       invitation.FromUserID,
		InvitationID:  invitation.ID,
	}, s.now)
	if addErr != nil && !errors.Is(addErr, apperrors.New(apperrors.CodeParticipantAlreadyPresent, "")) {
		return invite.Invitation{}, addErr
	}
	conversation.LastActivity = s.now().UTC()
	if err := s.store.PutConversation(ctx, conversation); err != nil {
		return invite.Invitation{}, err
	}

	s.sendInvitationEmail(ctx, conversation, invitation)
	return invitation, nil
}

// AcceptInvitation resolves an invitation as accepted and activates the
// participant. Exactly one concurrent resolution wins; the rest observe a
// conflict from the conditional status write.
func (s *Service) AcceptInvitation(ctx context.Context, input ResolveInvitationInput) (invite.Invitation, error) {
	return s.resolveInvitation(ctx, input, invite.DecisionAccepted)
}

// DeclineInvitation resolves an invitation as declined. The pending
// participant row, if any, is marked declined and never activates.
func (s *Service) DeclineInvitation(ctx context.Context, input ResolveInvitationInput) (invite.Invitation, error) {
	return s.resolveInvitation(ctx, input, invite.DecisionDeclined)
}

func (s *Service) resolveInvitation(ctx context.Context, input ResolveInvitationInput, decision invite.Decision) (invite.Invitation, error) {
	if err := domain.ValidateParticipantID(input.UserID); err != nil {
		return invite.Invitation{}, err
	}

	invitation, err := s.store.GetInvitation(ctx, input.InvitationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return invite.Invitation{}, apperrors.WithMetadata(apperrors.CodeInvitationNotFound, "invitation not found", map[string]string{"InvitationID": input.InvitationID})
		}
		return invite.Invitation{}, err
	}

	if invitation.Terminal() {
		// A membership write lost after the status flip leaves an accepted
		// invitation with a pending participant. A retried accept from the
		// recipient re-lands the membership before reporting the conflict,
		// so exactly one active record exists regardless of retries.
		if invitation.Status == invite.StatusAccepted && decision == invite.DecisionAccepted &&
			s.checkRecipient(invitation, input) == nil {
			s.repairAcceptedMembership(ctx, invitation, input)
		}
		return invite.Invitation{}, apperrors.WithMetadata(
			apperrors.CodeInvitationAlreadyResolved,
			"invitation is already resolved",
			map[string]string{"Status": invite.StatusLabel(invitation.Status)},
		)
	}
	now := s.now().UTC()
	if invitation.ExpiredAt(now) {
		return invite.Invitation{}, apperrors.New(apperrors.CodeInvitationExpired, "invitation has expired")
	}
	if err := s.checkRecipient(invitation, input); err != nil {
		return invite.Invitation{}, err
	}

	target, err := invite.StatusForDecision(decision)
	if err != nil {
		return invite.Invitation{}, err
	}
	if err := s.store.ResolveInvitationStatus(ctx, invitation.ID, invite.StatusPending, target, now); err != nil {
		switch {
		case errors.Is(err, storage.ErrConflict):
			return invite.Invitation{}, apperrors.Wrap(apperrors.CodeInvitationAlreadyResolved, "invitation was resolved concurrently", err)
		case errors.Is(err, storage.ErrNotFound):
			return invite.Invitation{}, apperrors.Wrap(apperrors.CodeInvitationNotFound, "invitation not found", err)
		default:
			return invite.Invitation{}, err
		}
	}
	invitation.Status = target
	invitation.UpdatedAt = now

	if err := s.applyResolution(ctx, invitation, input, decision); err != nil {
		return invite.Invitation{}, err
	}
	return invitation, nil
}

// applyResolution lands the membership side of a resolved invitation. The
// participant mutation is idempotent, so a retry after a partial failure
// converges instead of erroring.
func (s *Service) applyResolution(ctx context.Context, invitation invite.Invitation, input ResolveInvitationInput, decision invite.Decision) error {
	conversation, err := s.GetConversation(ctx, invitation.ConversationID)
	if err != nil {
		return err
	}

	recipientKey := invitation.RecipientKey()
	switch decision {
	case invite.DecisionAccepted:
		if _, ok := conversation.Participant(input.UserID); !ok {
			displayName := strings.TrimSpace(input.DisplayName)
			if displayName == "" {
				displayName = s.displayNameFor(ctx, input.UserID)
			}
			if _, ok := conversation.Participant(recipientKey); ok && recipientKey != input.UserID {
				// Email acceptance claims the placeholder row parked under
				// the recipient key.
				if _, err := conversation.ClaimPending(recipientKey, input.UserID, displayName, s.now); err != nil {
					return err
				}
			} else if _, err := conversation.AddPending(domain.AddParticipantInput{
				ParticipantID: input.UserID,
				DisplayName:   displayName,
				Kind:          domain.KindHuman,
				AddedBy:       invitation.FromUserID,
				InvitationID:  invitation.ID,
			}, s.now); err != nil {
				return err
			}
		}
		if _, err := conversation.Activate(input.UserID, s.now); err != nil {
			return err
		}
	case invite.DecisionDeclined:
		target := input.UserID
		if _, ok := conversation.Participant(target); !ok {
			target = recipientKey
		}
		if _, ok := conversation.Participant(target); ok {
			if _, err := conversation.MarkDeclined(target, s.now); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported decision %d", decision)
	}

	conversation.LastActivity = s.now().UTC()
	if err := s.store.PutConversation(ctx, conversation); err != nil {
		return err
	}

	if decision == invite.DecisionAccepted {
		s.syncConversation(ctx, conversation.ID, false)
	}
	return nil
}

// repairAcceptedMembership re-runs the membership side of an accepted
// invitation whose participant row never activated. Failures are logged;
// the caller still reports the resolution conflict.
func (s *Service) repairAcceptedMembership(ctx context.Context, invitation invite.Invitation, input ResolveInvitationInput) {
	conversation, err := s.GetConversation(ctx, invitation.ConversationID)
	if err != nil {
		return
	}
	if conversation.IsActiveParticipant(input.UserID) {
		return
	}
	if err := s.applyResolution(ctx, invitation, input, invite.DecisionAccepted); err != nil {
		log.Printf("repair membership for invitation %s: %v", invitation.ID, err)
	}
}

// checkRecipient verifies the resolving user is the invited recipient.
// User-addressed invitations match on id; email invitations require a
// valid join grant carrying the invitation identity.
func (s *Service) checkRecipient(invitation invite.Invitation, input ResolveInvitationInput) error {
	if invitation.ToUserID != "" {
		if invitation.ToUserID != input.UserID {
			return apperrors.WithMetadata(
				apperrors.CodePermissionDenied,
				"invitation is addressed to another user",
				map[string]string{"InvitationID": invitation.ID},
			)
		}
		return nil
	}

	if s.verifier == nil {
		return apperrors.New(apperrors.CodeInvitationGrantInvalid, "grant validation is not configured")
	}
	if strings.TrimSpace(input.Grant) == "" {
		return apperrors.New(apperrors.CodeInvitationGrantInvalid, "email invitations require a join grant")
	}
	_, err := s.verifier.ValidateGrant(input.Grant, invite.GrantExpectation{
		ConversationID: invitation.ConversationID,
		InvitationID:   invitation.ID,
		Recipient:      invitation.RecipientKey(),
	})
	return err
}

// ListPendingInvitationsForRecipient returns the recipient's open
// invitations, for invite inboxes.
func (s *Service) ListPendingInvitationsForRecipient(ctx context.Context, recipient string, pageSize int, pageToken string) (storage.InvitationPage, error) {
	if strings.TrimSpace(recipient) == "" {
		return storage.InvitationPage{}, apperrors.New(apperrors.CodeInvitationEmptyRecipient, "recipient is required")
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return s.store.ListPendingInvitationsByRecipient(ctx, recipient, pageSize, pageToken)
}

// ListInvitations returns a conversation's invitations filtered by status.
func (s *Service) ListInvitations(ctx context.Context, conversationID string, status invite.Status, pageSize int, pageToken string) (storage.InvitationPage, error) {
	conversation, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return storage.InvitationPage{}, err
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return s.store.ListInvitationsByConversation(ctx, conversation.ID, status, pageSize, pageToken)
}

// Expire sweeps pending invitations past their expiry into the expired
// state. Lost races with concurrent resolutions are skipped, not errors.
func (s *Service) Expire(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultExpireBatch
	}
	now := s.now().UTC()
	expired, err := s.store.ListExpiredPending(ctx, now, batchSize)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, invitation := range expired {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		err := s.store.ResolveInvitationStatus(ctx, invitation.ID, invite.StatusPending, invite.StatusExpired, now)
		if err != nil {
			if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return count, err
		}
		count++
	}
	return count, nil
}

// RunExpiry drives the expiry sweep until the context ends.
func (s *Service) RunExpiry(ctx context.Context, interval time.Duration, batchSize int) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be greater than zero")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			count, err := s.Expire(ctx, batchSize)
			if err != nil {
				log.Printf("invitation expiry sweep: %v", err)
				continue
			}
			if count > 0 {
				log.Printf("expired %d invitations", count)
			}
		}
	}
}

func (s *Service) checkConnected(ctx context.Context, fromUserID string, toUserID string) error {
	if s.connections == nil {
		return nil
	}
	connected, err := s.connections.AreConnected(ctx, fromUserID, toUserID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "connection check failed", err)
	}
	if !connected {
		return apperrors.WithMetadata(
			apperrors.CodeInvitationNotConnected,
			"users are not connected",
			map[string]string{"FromUserID": fromUserID, "ToUserID": toUserID},
		)
	}
	return nil
}

// sendInvitationEmail delivers the invitation email, attaching a join grant
// when a signer is configured. Delivery failures are logged only.
func (s *Service) sendInvitationEmail(ctx context.Context, conversation domain.Conversation, invitation invite.Invitation) {
	if s.delivery == nil {
		return
	}
	to := invitation.ToEmail
	if to == "" && s.directory != nil {
		record, err := s.directory.Lookup(ctx, invitation.ToUserID)
		if err != nil {
			log.Printf("directory lookup %s for invitation email: %v", invitation.ToUserID, err)
			return
		}
		to = record.Email
	}
	if strings.TrimSpace(to) == "" {
		return
	}

	body := fmt.Sprintf("%s invited you to join %q.", s.displayNameFor(ctx, invitation.FromUserID), conversation.Name)
	if invitation.Message != "" {
		body += "\n\n" + invitation.Message
	}
	if s.signer != nil && invitation.ToEmail != "" {
		grantID, err := s.idGenerator()
		if err != nil {
			log.Printf("generate grant id for invitation %s: %v", invitation.ID, err)
			return
		}
		grant, err := s.signer.IssueGrant(invitation, grantID)
		if err != nil {
			log.Printf("issue grant for invitation %s: %v", invitation.ID, err)
			return
		}
		body += "\n\nJoin grant: " + grant
	}

	deliveryCtx, cancel := context.WithTimeout(ctx, timeouts.Delivery)
	defer cancel()
	if err := s.delivery.Send(deliveryCtx, EmailMessage{
		To:      to,
		Subject: fmt.Sprintf("Invitation to join %s", conversation.Name),
		Body:    body,
	}); err != nil {
		log.Printf("send invitation email for %s: %v", invitation.ID, err)
	}
}

const defaultExpireBatch = 100
