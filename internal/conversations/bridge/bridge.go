// Package bridge keeps unified session projections in step with their
// conversations. Each conversation moves through a small sync lifecycle:
// unsynced until the first pass, syncing while a pass runs, then synced or
// sync_failed. A failed pass records how many participants made it across
// so the conversation stays usable in degraded mode.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/louisbranch/convene/internal/conversations/session"
	"github.com/louisbranch/convene/internal/conversations/storage"
	apperrors "github.com/louisbranch/convene/internal/platform/errors"
)

// Store is the persistence surface the bridge needs.
type Store interface {
	storage.ConversationStore
	storage.SessionStore
}

// SyncBridge projects conversations into unified sessions.
type SyncBridge struct {
	store       Store
	now         func() time.Time
	idGenerator func() (string, error)
}

// New builds a bridge over the given store. The clock and id generator
// default to time.Now and an error when ids are needed but absent.
func New(store Store, now func() time.Time, idGenerator func() (string, error)) (*SyncBridge, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	return &SyncBridge{store: store, now: now, idGenerator: idGenerator}, nil
}

// Track registers a conversation for projection without running a pass.
// Existing state is left untouched so re-tracking never resets progress.
func (b *SyncBridge) Track(ctx context.Context, conversationID string) error {
	_, err := b.store.GetSyncState(ctx, conversationID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return b.store.PutSyncState(ctx, storage.SyncStateRecord{
		ConversationID: conversationID,
		State:          storage.SyncStateUnsynced,
		UpdatedAt:      b.now().UTC(),
	})
}

// Sync runs one projection pass for the conversation. Participants that
// project cleanly reach the session even when a later one fails; the pass
// then lands in sync_failed with the partial count instead of rolling back.
func (b *SyncBridge) Sync(ctx context.Context, conversationID string) error {
	if err := b.store.PutSyncState(ctx, storage.SyncStateRecord{
		ConversationID: conversationID,
		State:          storage.SyncStateSyncing,
		UpdatedAt:      b.now().UTC(),
	}); err != nil {
		return err
	}

	conversation, err := b.store.GetConversation(ctx, conversationID)
	if err != nil {
		return b.fail(ctx, conversationID, 0, err)
	}

	active := conversation.ActiveParticipants()
	projected := make([]session.Participant, 0, len(active))
	var projectionErr error
	for _, participant := range active {
		mapped, err := session.ProjectParticipant(participant)
		if err != nil {
			projectionErr = err
			log.Printf("project participant %s in conversation %s: %v", participant.ID, conversationID, err)
			continue
		}
		projected = append(projected, mapped)
	}

	unified, err := b.store.GetUnifiedSessionByConversation(ctx, conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		sessionID, idErr := b.idGenerator()
		if idErr != nil {
			return b.fail(ctx, conversationID, 0, idErr)
		}
		unified = session.UnifiedSession{
			ID:       sessionID,
			Metadata: session.Metadata{LinkedSessionID: conversationID},
		}
	} else if err != nil {
		return b.fail(ctx, conversationID, 0, err)
	}

	session.Reconcile(&unified, projected)
	unified.HostUserID = conversation.CreatedBy
	unified.AgentID = session.AgentIDFor(unified.Participants)
	unified.UpdatedAt = b.now().UTC()

	if err := b.store.PutUnifiedSession(ctx, unified); err != nil {
		return b.fail(ctx, conversationID, 0, err)
	}

	if projectionErr != nil {
		return b.fail(ctx, conversationID, len(projected), projectionErr)
	}

	return b.store.PutSyncState(ctx, storage.SyncStateRecord{
		ConversationID:     conversationID,
		State:              storage.SyncStateSynced,
		SyncedParticipants: len(projected),
		UpdatedAt:          b.now().UTC(),
	})
}

func (b *SyncBridge) fail(ctx context.Context, conversationID string, synced int, cause error) error {
	record := storage.SyncStateRecord{
		ConversationID:     conversationID,
		State:              storage.SyncStateFailed,
		SyncedParticipants: synced,
		LastError:          cause.Error(),
		UpdatedAt:          b.now().UTC(),
	}
	if putErr := b.store.PutSyncState(ctx, record); putErr != nil {
		log.Printf("record sync failure for %s: %v", conversationID, putErr)
	}
	return apperrors.Wrap(apperrors.CodeSessionProjectionFailed, "conversation projection failed", cause)
}

// ReconcileTick runs one reconciliation sweep over conversations whose
// projections are behind. Errors are logged and counted, not fatal: the
// next tick retries.
func (b *SyncBridge) ReconcileTick(ctx context.Context, limit int) (synced int, failed int) {
	records, err := b.store.ListSyncStatesNeedingWork(ctx, limit)
	if err != nil {
		log.Printf("list sync states: %v", err)
		return 0, 0
	}
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return synced, failed
		}
		if err := b.Sync(ctx, record.ConversationID); err != nil {
			failed++
			continue
		}
		synced++
	}
	return synced, failed
}

// Run drives periodic reconciliation until the context ends.
func (b *SyncBridge) Run(ctx context.Context, interval time.Duration, batchSize int) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be greater than zero")
	}
	if batchSize <= 0 {
		return fmt.Errorf("batch size must be greater than zero")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			synced, failed := b.ReconcileTick(ctx, batchSize)
			if synced > 0 || failed > 0 {
				log.Printf("sync reconciliation pass: %d synced, %d failed", synced, failed)
			}
		}
	}
}
