// Package domain contains the conversation membership aggregate and its
// participant registry state machine.
//
// A Conversation owns its participant list; every mutation goes through the
// registry operations (AddActive, AddPending, Activate, MarkDeclined,
// Remove) so that participant ids stay unique and lifecycle transitions stay
// monotonic. The operations are idempotent where retries are expected:
// re-adding an active participant and re-activating an activated one both
// converge on the already-persisted state instead of failing.
//
// The package holds no persistence or transport logic. Stores receive
// fully-formed aggregates and services coordinate the calls.
package domain
