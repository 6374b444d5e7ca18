// Package errors provides structured error handling with machine-readable codes.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Conversation errors
	CodeConversationNameEmpty      Code = "CONVERSATION_NAME_EMPTY"
	CodeConversationCreatorMissing Code = "CONVERSATION_CREATOR_MISSING"
	CodeConversationFull           Code = "CONVERSATION_FULL"
	CodeConversationInvitesOff     Code = "CONVERSATION_INVITES_DISABLED"
	CodeConversationAgentsOff      Code = "CONVERSATION_AGENTS_DISABLED"

	// Participant errors
	CodeParticipantInvalidID      Code = "PARTICIPANT_INVALID_ID"
	CodeParticipantEmptyName      Code = "PARTICIPANT_EMPTY_DISPLAY_NAME"
	CodeParticipantInvalidKind    Code = "PARTICIPANT_INVALID_KIND"
	CodeParticipantAlreadyPresent Code = "PARTICIPANT_ALREADY_PRESENT"
	CodeParticipantNotFound       Code = "PARTICIPANT_NOT_FOUND"
	CodeParticipantRemovalRefused Code = "PARTICIPANT_REMOVAL_REFUSED"
	CodeParticipantNotActive      Code = "PARTICIPANT_NOT_ACTIVE"

	// Invitation errors
	CodeInvitationEmptyConversationID Code = "INVITATION_EMPTY_CONVERSATION_ID"
	CodeInvitationEmptyRecipient      Code = "INVITATION_EMPTY_RECIPIENT"
	CodeInvitationNotFound            Code = "INVITATION_NOT_FOUND"
	CodeInvitationExpired             Code = "INVITATION_EXPIRED"
	CodeInvitationAlreadyResolved     Code = "INVITATION_ALREADY_RESOLVED"
	CodeInvitationNotConnected        Code = "INVITATION_USERS_NOT_CONNECTED"
	CodeInvitationGrantInvalid        Code = "INVITATION_GRANT_INVALID"
	CodeInvitationGrantExpired        Code = "INVITATION_GRANT_EXPIRED"
	CodeInvitationGrantMismatch       Code = "INVITATION_GRANT_MISMATCH"

	// Session projection errors
	CodeSessionProjectionFailed Code = "SESSION_PROJECTION_FAILED"

	// Storage errors
	CodeNotFound         Code = "NOT_FOUND"
	CodeConflict         Code = "CONFLICT"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"

	// Permission errors
	CodePermissionDenied Code = "PERMISSION_DENIED"
)

// GRPCCode maps an error code to the canonical gRPC status code.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - malformed or missing input
	case CodeConversationNameEmpty,
		CodeConversationCreatorMissing,
		CodeParticipantInvalidID,
		CodeParticipantEmptyName,
		CodeParticipantInvalidKind,
		CodeInvitationEmptyConversationID,
		CodeInvitationEmptyRecipient,
		CodeInvitationGrantInvalid,
		CodeInvitationGrantMismatch:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow the operation
	case CodeConversationFull,
		CodeConversationInvitesOff,
		CodeConversationAgentsOff,
		CodeParticipantNotActive,
		CodeInvitationExpired,
		CodeInvitationGrantExpired:
		return codes.FailedPrecondition

	// NotFound - resource doesn't exist
	case CodeNotFound,
		CodeParticipantNotFound,
		CodeInvitationNotFound:
		return codes.NotFound

	// AlreadyExists - unique resource constraint
	case CodeParticipantAlreadyPresent:
		return codes.AlreadyExists

	// Aborted - lost a conditional write race
	case CodeConflict,
		CodeInvitationAlreadyResolved:
		return codes.Aborted

	case CodePermissionDenied,
		CodeParticipantRemovalRefused,
		CodeInvitationNotConnected:
		return codes.PermissionDenied

	case CodeStoreUnavailable:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}
