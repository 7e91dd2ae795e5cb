package worker

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"focusdeck/internal/config"
	"focusdeck/internal/domain"
	"focusdeck/internal/metrics"
	"focusdeck/internal/models"

	"github.com/rs/zerolog"
)

// MsgCacheInvalidate tells other tabs to drop their cached copy of an entity.
const MsgCacheInvalidate = "cache_invalidate"

// MsgEntityChanged carries an authoritative remote row other tabs should
// adopt, sent when a local write loses last-write-wins.
const MsgEntityChanged = "entity_changed"

// InvalidatePayload is the data of a MsgCacheInvalidate broadcast.
type InvalidatePayload struct {
	EntityType models.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
}

// Pinger is implemented by remote stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Orchestrator drains the durable operation queue against the remote store.
// One instance per process, constructed at startup and injected into callers;
// UI surfaces only ever enqueue operations or read the snapshot.
type Orchestrator struct {
	store  domain.OperationStore
	remote domain.RemoteStore
	bus    domain.Bus
	cache  domain.EntityCache
	ledger *PendingLedger
	retry  RetryPolicy
	cfg    config.SyncConfig
	log    zerolog.Logger

	online   atomic.Bool
	draining atomic.Bool
	kick     chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu         sync.Mutex
	lastSyncAt *time.Time
	lastError  string
	snapshot   models.SyncSnapshot
	observers  []func(models.SyncSnapshot)
}

// NewOrchestrator builds the orchestrator. remote may be nil, in which case
// the daemon runs queue-only and reports offline forever. bus and cache are
// optional collaborators.
func NewOrchestrator(
	store domain.OperationStore,
	remote domain.RemoteStore,
	bus domain.Bus,
	cache domain.EntityCache,
	retry RetryPolicy,
	cfg config.SyncConfig,
	logger *zerolog.Logger,
) *Orchestrator {
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 5
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}
	if cfg.DrainInterval == 0 {
		cfg.DrainInterval = models.DefaultDrainInterval
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = models.DefaultDrainBatchSize
	}
	if cfg.CompletedWindow == 0 {
		cfg.CompletedWindow = models.CompletedGraceWindow
	}

	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "orchestrator").Logger()
	}

	return &Orchestrator{
		store:  store,
		remote: remote,
		bus:    bus,
		cache:  cache,
		ledger: NewPendingLedger(cfg.LedgerTTL),
		retry:  retry,
		cfg:    cfg,
		log:    log,
		kick:   make(chan struct{}, 1),
	}
}

// Ledger exposes the pending-write ledger for the ingest bridge.
func (o *Orchestrator) Ledger() *PendingLedger {
	return o.ledger
}

// Start recovers stale rows and launches the drain loop. Must be called once.
func (o *Orchestrator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	if n, err := o.store.RecoverStaleSyncing(runCtx); err != nil {
		o.log.Error().Err(err).Msg("recover stale syncing rows")
	} else if n > 0 {
		o.log.Warn().Int64("count", n).Msg("recovered operations stuck in syncing from a prior crash")
	}

	o.recomputeSnapshot(runCtx)

	o.wg.Add(1)
	go o.loop(runCtx)
}

// Stop halts the drain loop and waits for the current pass to finish.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.probeConnectivity(ctx)
			if err := o.Drain(ctx); err != nil {
				o.log.Error().Err(err).Msg("drain pass failed")
			}
		case <-o.kick:
			if err := o.Drain(ctx); err != nil {
				o.log.Error().Err(err).Msg("drain pass failed")
			}
		}
	}
}

// probeConnectivity flips the online flag based on the remote store's ping.
// Regaining connectivity triggers an immediate drain.
func (o *Orchestrator) probeConnectivity(ctx context.Context) {
	pinger, ok := o.remote.(Pinger)
	if !ok {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	o.SetOnline(pinger.Ping(probeCtx) == nil)
}

// SetOnline feeds the network-online signal. Transitioning to online kicks
// an immediate drain; offline dominates the reported status regardless of
// queue contents.
func (o *Orchestrator) SetOnline(online bool) {
	was := o.online.Swap(online)
	if was == online {
		return
	}
	if online {
		o.log.Info().Msg("network online, scheduling drain")
		o.Kick()
	} else {
		o.log.Warn().Msg("network offline, suspending sync")
	}
	o.recomputeSnapshot(context.Background())
}

// IsOnline reports the current connectivity signal.
func (o *Orchestrator) IsOnline() bool {
	return o.online.Load()
}

// Kick schedules an immediate drain pass; a no-op when one is already queued.
func (o *Orchestrator) Kick() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// Enqueue validates and persists a write operation, then schedules a drain.
// This is the sole path from a UI mutation into the queue. It fails only on
// malformed input; remote-world unavailability never surfaces here.
func (o *Orchestrator) Enqueue(ctx context.Context, op models.NewOperation) (*models.WriteOperation, error) {
	if err := op.Validate(); err != nil {
		return nil, fmt.Errorf("invalid operation: %w", err)
	}

	stored, err := o.store.Enqueue(ctx, op)
	if err != nil {
		return nil, fmt.Errorf("enqueue operation: %w", err)
	}

	o.log.Debug().
		Int64("op_id", stored.ID).
		Str("entity_type", string(stored.EntityType)).
		Str("operation", string(stored.Op)).
		Str("entity_id", stored.EntityID).
		Msg("operation enqueued")

	o.recomputeSnapshot(ctx)
	o.Kick()
	return stored, nil
}

// Drain executes one pass over the eligible queue. Reentrant calls are
// no-ops; connectivity loss stops the pass between operations.
func (o *Orchestrator) Drain(ctx context.Context) error {
	if !o.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer o.draining.Store(false)
	defer o.recomputeSnapshot(ctx)

	if !o.online.Load() || o.remote == nil {
		return nil
	}

	if _, err := o.store.RecoverStaleSyncing(ctx); err != nil {
		return fmt.Errorf("recover stale syncing: %w", err)
	}

	ops, err := o.store.GetPendingOperations(ctx, o.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch pending operations: %w", err)
	}
	if len(ops) == 0 {
		if n, err := o.store.CleanupCompleted(ctx, o.cfg.CompletedWindow); err == nil && n > 0 {
			o.log.Debug().Int64("purged", n).Msg("purged completed operations")
		}
		return nil
	}

	started := time.Now()
	o.publishSyncing()

	seen := make(map[string]bool)
	for _, op := range SortOperations(ops) {
		if ctx.Err() != nil {
			break
		}
		if !o.online.Load() {
			o.log.Warn().Msg("connectivity lost mid-drain, stopping pass")
			break
		}

		key := ledgerKey(op.EntityType, op.EntityID)
		if seen[key] {
			continue
		}
		seen[key] = true

		if err := o.processEntity(ctx, op.EntityType, op.EntityID); err != nil {
			o.log.Error().Err(err).
				Str("entity_type", string(op.EntityType)).
				Str("entity_id", op.EntityID).
				Msg("process entity")
		}
	}

	metrics.ObserveDrain(time.Since(started).Seconds())
	return nil
}

// processEntity coalesces the entity's queued operations into one effective
// operation, dispatches it, and routes the result through the classifier.
func (o *Orchestrator) processEntity(ctx context.Context, entity models.EntityType, entityID string) error {
	group, err := o.store.GetOperationsForEntity(ctx, entity, entityID)
	if err != nil {
		return fmt.Errorf("load entity group: %w", err)
	}
	eff := CoalesceOperations(group)
	if eff == nil {
		return nil
	}

	// The coalesced operation replaces its constituents: absorbed rows are
	// completed up front and only the effective row is ever retried.
	if len(group) > 1 {
		replacement, err := o.store.Enqueue(ctx, models.NewOperation{
			EntityType:  eff.EntityType,
			Op:          eff.Op,
			EntityID:    eff.EntityID,
			Payload:     eff.Payload,
			BaseVersion: eff.BaseVersion,
			UserID:      eff.UserID,
		})
		if err != nil {
			return fmt.Errorf("persist coalesced operation: %w", err)
		}
		for _, constituent := range group {
			if err := o.store.MarkCompleted(ctx, constituent.ID); err != nil {
				o.log.Error().Err(err).Int64("op_id", constituent.ID).Msg("absorb constituent")
			}
		}
		replacement.RetryCount = maxRetryCount(group)
		eff = replacement
	}

	if err := o.store.MarkSyncing(ctx, eff.ID); err != nil {
		return fmt.Errorf("mark syncing: %w", err)
	}

	execErr := o.execute(ctx, eff)
	if execErr == nil {
		if err := o.store.MarkCompleted(ctx, eff.ID); err != nil {
			o.log.Error().Err(err).Int64("op_id", eff.ID).Msg("mark completed")
		}
		now := time.Now()
		o.mu.Lock()
		o.lastSyncAt = &now
		o.lastError = ""
		o.mu.Unlock()
		metrics.IncOperation(string(entity), "completed")
		o.broadcastInvalidate(ctx, entity, entityID)
		return nil
	}

	class := ClassifyError(execErr)
	o.mu.Lock()
	o.lastError = execErr.Error()
	o.mu.Unlock()

	switch class {
	case ClassPermanent:
		metrics.IncOperation(string(entity), "permanent")
		o.log.Warn().Err(execErr).Int64("op_id", eff.ID).Msg("permanent failure, parking operation")
		return o.store.MarkFailed(ctx, eff.ID, execErr.Error(), time.Now().Add(models.NeverRetryDelay))
	default:
		metrics.IncOperation(string(entity), "failed")
		// MarkFailed increments the stored retry count, so the gate is
		// computed from the count this failure brings the row to.
		failures := eff.RetryCount + 1
		nextRetry := o.retry.NextRetryTime(failures)
		if !o.retry.ShouldRetry(failures) {
			o.log.Warn().Err(execErr).Int64("op_id", eff.ID).Int("retries", failures).
				Msg("retry ceiling reached, operation needs manual retry")
		}
		return o.store.MarkFailed(ctx, eff.ID, execErr.Error(), nextRetry)
	}
}

func maxRetryCount(ops []models.WriteOperation) int {
	max := 0
	for _, op := range ops {
		if op.RetryCount > max {
			max = op.RetryCount
		}
	}
	return max
}

// execute dispatches one effective operation against the remote store and
// resolves version conflicts via last-write-wins. A nil return means the
// local intent was applied or legitimately superseded.
func (o *Orchestrator) execute(ctx context.Context, op *models.WriteOperation) error {
	table := models.TableFor(op.EntityType)
	localTS := op.Payload.UpdatedAt()
	if localTS.IsZero() {
		localTS = op.CreatedAt
	}

	// Populate the echo-suppression ledger before the write goes out.
	o.ledger.Add(op.EntityType, op.EntityID)

	switch op.Op {
	case models.OpCreate:
		row := domain.RemoteRow{
			ID:        op.EntityID,
			UserID:    op.UserID,
			Version:   1,
			UpdatedAt: localTS,
			Payload:   op.Payload,
		}
		// Upsert keeps a re-executed create idempotent when the row
		// already landed through a direct save.
		if err := o.remote.Upsert(ctx, table, row); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", table, op.EntityID, err)
		}
		return nil

	case models.OpUpdate:
		row := domain.RemoteRow{
			ID:        op.EntityID,
			UserID:    op.UserID,
			UpdatedAt: localTS,
			Payload:   op.Payload,
		}
		affected, err := o.remote.Update(ctx, table, row, op.BaseVersion)
		if err != nil {
			return fmt.Errorf("update %s/%s: %w", table, op.EntityID, err)
		}
		if affected > 0 {
			return nil
		}
		return o.resolveConflict(ctx, op, row, localTS)

	case models.OpDelete:
		affected, err := o.remote.SoftDelete(ctx, table, op.EntityID, op.UserID, time.Now().UTC(), op.BaseVersion)
		if err != nil {
			return fmt.Errorf("soft delete %s/%s: %w", table, op.EntityID, err)
		}
		if affected > 0 {
			return nil
		}
		// Version guard lost or the row is already gone. A delete that
		// survives last-write-wins is re-issued without the guard;
		// a missing row is already the desired end state.
		remoteRow, err := o.remote.Select(ctx, table, op.EntityID, op.UserID)
		if err != nil {
			return fmt.Errorf("fetch remote %s/%s: %w", table, op.EntityID, err)
		}
		if remoteRow == nil || remoteRow.IsDeleted {
			metrics.IncConflict("deleted_remotely")
			return nil
		}
		if localTS.Before(remoteRow.UpdatedAt) {
			metrics.IncConflict("remote_won")
			return o.adoptRemote(ctx, op.EntityType, *remoteRow)
		}
		if _, err := o.remote.SoftDelete(ctx, table, op.EntityID, op.UserID, time.Now().UTC(), nil); err != nil {
			return fmt.Errorf("force soft delete %s/%s: %w", table, op.EntityID, err)
		}
		metrics.IncConflict("local_won")
		return nil

	default:
		return fmt.Errorf("unknown operation type %q: %w", op.Op, errPermanentShape)
	}
}

var errPermanentShape = fmt.Errorf("invalid payload")

// resolveConflict applies last-write-wins after a version-guarded update
// matched zero rows. Either outcome reports success; a superseded local
// write is discarded, not retried.
func (o *Orchestrator) resolveConflict(ctx context.Context, op *models.WriteOperation, row domain.RemoteRow, localTS time.Time) error {
	table := models.TableFor(op.EntityType)

	remoteRow, err := o.remote.Select(ctx, table, op.EntityID, op.UserID)
	if err != nil {
		return fmt.Errorf("fetch remote %s/%s: %w", table, op.EntityID, err)
	}

	if remoteRow == nil || remoteRow.IsDeleted {
		// Deleted elsewhere: nothing left to update, successful no-op.
		metrics.IncConflict("deleted_remotely")
		o.log.Info().
			Str("entity_type", string(op.EntityType)).
			Str("entity_id", op.EntityID).
			Msg("conflict: entity deleted remotely, discarding local update")
		return nil
	}

	if localTS.Before(remoteRow.UpdatedAt) {
		// Remote write is newer; local intent is superseded.
		metrics.IncConflict("remote_won")
		o.log.Info().
			Str("entity_type", string(op.EntityType)).
			Str("entity_id", op.EntityID).
			Time("local", localTS).
			Time("remote", remoteRow.UpdatedAt).
			Msg("conflict: remote write wins, adopting remote state")
		return o.adoptRemote(ctx, op.EntityType, *remoteRow)
	}

	// Local write is at least as new: force-apply without the guard.
	affected, err := o.remote.Update(ctx, table, row, nil)
	if err != nil {
		return fmt.Errorf("force update %s/%s: %w", table, op.EntityID, err)
	}
	if affected == 0 {
		// Row vanished between select and update; same as deleted
		// elsewhere.
		metrics.IncConflict("deleted_remotely")
		return nil
	}
	metrics.IncConflict("local_won")
	return nil
}

// adoptRemote converges local state on the authoritative remote row.
func (o *Orchestrator) adoptRemote(ctx context.Context, entity models.EntityType, row domain.RemoteRow) error {
	if o.cache != nil {
		if err := o.cache.Set(ctx, entity, row); err != nil {
			o.log.Error().Err(err).Str("entity_id", row.ID).Msg("cache remote row")
		}
	}
	if o.bus != nil {
		if err := o.bus.Broadcast(ctx, MsgEntityChanged, map[string]any{
			"entity_type": entity,
			"row":         row,
		}); err != nil {
			o.log.Error().Err(err).Msg("broadcast entity change")
		}
	}
	return nil
}

func (o *Orchestrator) broadcastInvalidate(ctx context.Context, entity models.EntityType, entityID string) {
	if o.cache != nil {
		if err := o.cache.Invalidate(ctx, entity, entityID); err != nil {
			o.log.Error().Err(err).Str("entity_id", entityID).Msg("invalidate cache")
		}
	}
	if o.bus == nil {
		return
	}
	err := o.bus.Broadcast(ctx, MsgCacheInvalidate, InvalidatePayload{EntityType: entity, EntityID: entityID})
	if err != nil {
		o.log.Error().Err(err).Msg("broadcast cache invalidation")
	}
}

// RetryFailed resets every parked operation and drains immediately.
func (o *Orchestrator) RetryFailed(ctx context.Context) (int64, error) {
	n, err := o.store.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}
	o.mu.Lock()
	o.lastError = ""
	o.mu.Unlock()
	o.recomputeSnapshot(ctx)
	o.Kick()
	return n, nil
}

// ClearFailed abandons every parked operation irreversibly.
func (o *Orchestrator) ClearFailed(ctx context.Context) (int64, error) {
	n, err := o.store.ClearFailed(ctx)
	if err != nil {
		return 0, err
	}
	o.mu.Lock()
	o.lastError = ""
	o.mu.Unlock()
	o.recomputeSnapshot(ctx)
	return n, nil
}

// ForceSync schedules an immediate drain pass.
func (o *Orchestrator) ForceSync() {
	o.Kick()
}

// Snapshot returns the latest derived sync state.
func (o *Orchestrator) Snapshot() models.SyncSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot
}

// OnChange registers an observer invoked whenever the snapshot changes.
func (o *Orchestrator) OnChange(fn func(models.SyncSnapshot)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, fn)
}

func (o *Orchestrator) publishSyncing() {
	o.mu.Lock()
	snap := o.snapshot
	snap.Status = models.SyncSyncing
	o.snapshot = snap
	observers := slices.Clone(o.observers)
	o.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}

// recomputeSnapshot rebuilds the derived state from the store and the live
// connectivity flag. Called after every drain, enqueue and manual action.
func (o *Orchestrator) recomputeSnapshot(ctx context.Context) {
	stats, err := o.store.GetStats(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("read queue stats")
		return
	}

	online := o.online.Load() && o.remote != nil
	pending := stats.Pending + stats.Syncing
	failedCount := stats.Failed + stats.Conflict

	var status models.SyncStatus
	switch {
	case !online:
		status = models.SyncOffline
	case failedCount > 0:
		status = models.SyncError
	case pending > 0:
		status = models.SyncPending
	default:
		status = models.SyncSynced
	}

	var failed []models.WriteOperation
	if failedCount > 0 {
		if failed, err = o.store.GetFailedOperations(ctx); err != nil {
			o.log.Error().Err(err).Msg("read failed operations")
		}
	}

	metrics.SetQueueDepth(pending)

	o.mu.Lock()
	snap := models.SyncSnapshot{
		Status:       status,
		PendingCount: pending,
		FailedCount:  failedCount,
		LastSyncAt:   o.lastSyncAt,
		LastError:    o.lastError,
		IsOnline:     online,
		Failed:       failed,
	}
	changed := snap.Status != o.snapshot.Status ||
		snap.PendingCount != o.snapshot.PendingCount ||
		snap.FailedCount != o.snapshot.FailedCount ||
		snap.LastError != o.snapshot.LastError ||
		snap.IsOnline != o.snapshot.IsOnline
	o.snapshot = snap
	observers := slices.Clone(o.observers)
	o.mu.Unlock()

	if changed {
		for _, fn := range observers {
			fn(snap)
		}
	}
}
