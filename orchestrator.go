package fleetsync

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Archiver receives records removed by the retention purge so they can be
// written somewhere cheap before they are gone from the device.
type Archiver interface {
	Archive(ctx context.Context, purged *PurgeResult) error
}

// ItemError describes a single record the server refused or a batch that
// could not be delivered during a sync pass.
type ItemError struct {
	Collection Collection `json:"collection"`
	LocalID    string     `json:"local_id,omitempty"`
	Message    string     `json:"message"`
	Permanent  bool       `json:"permanent"`
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Collection, e.LocalID, e.Message)
}

// SyncedCounts tallies records uploaded during one pass.
type SyncedCounts struct {
	Trips     int `json:"trips"`
	Closures  int `json:"closures"`
	Expenses  int `json:"expenses"`
	GPSPoints int `json:"gps_points"`
}

// Total returns the number of records uploaded.
func (c SyncedCounts) Total() int {
	return c.Trips + c.Closures + c.Expenses + c.GPSPoints
}

// Report summarizes a completed sync pass.
type Report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Synced     SyncedCounts  `json:"synced"`
	Pending    PendingCounts `json:"pending"`
	Errors     []ItemError   `json:"errors,omitempty"`
	Purged     int           `json:"purged,omitempty"`
}

// Clean reports whether the pass finished with nothing left behind by a
// transient failure. Permanently rejected records are parked in StateFailed
// and do not make a pass dirty.
func (r *Report) Clean() bool {
	for _, e := range r.Errors {
		if !e.Permanent {
			return false
		}
	}
	return true
}

// OrchestratorConfig configures sync pass behavior.
type OrchestratorConfig struct {
	// GPSBatchSize is the number of points per upload batch. Default: 200.
	GPSBatchSize int `yaml:"gps_batch_size"`

	// RetentionWindow is how long synced records stay on the device before
	// the post-pass purge removes them. Zero disables purging.
	RetentionWindow time.Duration `yaml:"retention_window"`

	// Retry governs per-item upload retries within a pass.
	Retry RetryConfig `yaml:"retry"`

	// BreakerThreshold is how many consecutive transient failures open the
	// circuit to the endpoint. Default: 5.
	BreakerThreshold int `yaml:"breaker_threshold"`

	// BreakerResetTimeout is how long the circuit stays open before a
	// probe request is allowed through. Default: 30s.
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout"`
}

// DefaultOrchestratorConfig returns default configuration.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		GPSBatchSize:        200,
		RetentionWindow:     7 * 24 * time.Hour,
		Retry:               DefaultRetryConfig(),
		BreakerThreshold:    5,
		BreakerResetTimeout: 30 * time.Second,
	}
}

// Orchestrator drains the local store to the remote API in dependency order:
// trips first, then the GPS queue and closures that reference them, then
// expenses. One failing record never blocks the rest of its collection, and a
// pass never runs concurrently with itself.
type Orchestrator struct {
	store   Store
	api     RemoteAPI
	monitor *Monitor
	emitter *Emitter
	config  OrchestratorConfig
	retryer *Retryer
	breaker *CircuitBreaker
	archive Archiver
	logger  *slog.Logger

	mu             sync.Mutex
	syncInProgress bool

	now func() time.Time
}

// NewOrchestrator creates a sync orchestrator. monitor and archive may be nil.
func NewOrchestrator(store Store, api RemoteAPI, monitor *Monitor, emitter *Emitter, config OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if config.GPSBatchSize <= 0 {
		config.GPSBatchSize = 200
	}
	if config.BreakerThreshold <= 0 {
		config.BreakerThreshold = 5
	}
	if config.BreakerResetTimeout <= 0 {
		config.BreakerResetTimeout = 30 * time.Second
	}
	if emitter == nil {
		emitter = NewEmitter()
	}
	if logger == nil {
		logger = slog.Default()
	}
	retry := config.Retry
	if retry.RetryIf == nil {
		retry.RetryIf = IsRetryable
	}
	return &Orchestrator{
		store:   store,
		api:     api,
		monitor: monitor,
		emitter: emitter,
		config:  config,
		retryer: NewRetryer(retry),
		breaker: NewCircuitBreaker(config.BreakerThreshold, config.BreakerResetTimeout),
		logger:  logger,
		now:     time.Now,
	}
}

// call runs one remote operation through the circuit breaker and the per-item
// retry schedule. An open circuit fails fast without touching the network, so
// a dead endpoint does not cost a full timeout per remaining item.
func (o *Orchestrator) call(ctx context.Context, op func() error) error {
	result := o.retryer.Do(ctx, func() error {
		return o.breaker.Execute(op)
	})
	return result.LastErr
}

// SetArchiver attaches the retention archive destination.
func (o *Orchestrator) SetArchiver(a Archiver) {
	o.archive = a
}

// Syncing reports whether a pass is currently running.
func (o *Orchestrator) Syncing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.syncInProgress
}

// SyncAll runs one full sync pass and returns its report. A second call while
// a pass is in flight returns ErrAlreadySyncing; a call while the monitor
// reports offline returns ErrOffline without touching the network.
func (o *Orchestrator) SyncAll(ctx context.Context) (*Report, error) {
	o.mu.Lock()
	if o.syncInProgress {
		o.mu.Unlock()
		return nil, ErrAlreadySyncing
	}
	o.syncInProgress = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.syncInProgress = false
		o.mu.Unlock()
	}()

	if o.monitor != nil && !o.monitor.Online() {
		return nil, ErrOffline
	}

	o.emitter.emit(EventSyncStarted, nil)
	report := &Report{StartedAt: o.now()}

	steps := []struct {
		name string
		fn   func(context.Context, *Report) error
	}{
		{"trips", o.syncTrips},
		{"gps", o.syncGPS},
		{"closures", o.syncClosures},
		{"expenses", o.syncExpenses},
	}
	for _, step := range steps {
		if err := step.fn(ctx, report); err != nil {
			err = fmt.Errorf("sync %s: %w", step.name, err)
			o.logger.Error("sync pass aborted", "step", step.name, "error", err)
			o.bumpFailureStreak()
			o.emitter.emit(EventSyncFailed, err)
			return report, err
		}
	}

	o.runRetentionPurge(ctx, report)
	o.updateBookkeeping(report)

	if pending, err := o.store.CountPending(); err == nil {
		report.Pending = pending
	}
	report.FinishedAt = o.now()

	o.logger.Info("sync pass complete",
		"synced", report.Synced.Total(),
		"errors", len(report.Errors),
		"pending", report.Pending.Total(),
		"duration", report.FinishedAt.Sub(report.StartedAt))
	o.emitter.emit(EventSyncCompleted, report)
	return report, nil
}

// syncTrips uploads pending trips oldest first. Each success immediately
// rewrites dependent closures and GPS points to carry the server trip ID so
// they become eligible later in the same pass. The pending set is snapshotted
// up front; trips enqueued mid-pass wait for the next one.
func (o *Orchestrator) syncTrips(ctx context.Context, report *Report) error {
	trips, err := o.store.PendingTrips()
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	for _, t := range trips {
		if err := ctx.Err(); err != nil {
			return err
		}
		var serverID int64
		callErr := o.call(ctx, func() error {
			id, err := o.api.CreateTrip(ctx, t)
			if err != nil {
				return err
			}
			serverID = id
			return nil
		})
		if callErr != nil {
			o.recordItemError(report, CollectionTrips, t.LocalID, callErr)
			continue
		}
		if err := o.store.MarkSynced(CollectionTrips, t.LocalID, serverID); err != nil {
			return fmt.Errorf("mark synced %s: %w", t.LocalID, err)
		}
		if err := o.store.ResolveTripRefs(t.LocalID, serverID); err != nil {
			return fmt.Errorf("resolve refs %s: %w", t.LocalID, err)
		}
		report.Synced.Trips++
	}
	return nil
}

// syncGPS drains resolved queue points in fixed-size batches. Points still
// referencing an unsynced trip are skipped, not dropped. A failed batch stays
// queued whole; a permanent rejection is reported once and the step stops so
// the same batch is not hammered again this pass.
func (o *Orchestrator) syncGPS(ctx context.Context, report *Report) error {
	points, err := o.store.PendingGPS()
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	eligible := points[:0]
	for _, p := range points {
		if p.Resolved() {
			eligible = append(eligible, p)
		}
	}
	for start := 0; start < len(eligible); start += o.config.GPSBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + o.config.GPSBatchSize
		if end > len(eligible) {
			end = len(eligible)
		}
		batch := eligible[start:end]

		if err := o.call(ctx, func() error {
			return o.api.SendGPSBatch(ctx, batch)
		}); err != nil {
			o.recordItemError(report, CollectionGPS, "", err)
			return nil
		}
		ids := make([]int64, len(batch))
		for i, p := range batch {
			ids[i] = p.QueueID
		}
		if err := o.store.MarkGPSSynced(ids); err != nil {
			return fmt.Errorf("mark synced: %w", err)
		}
		report.Synced.GPSPoints += len(batch)
	}
	return nil
}

func (o *Orchestrator) syncClosures(ctx context.Context, report *Report) error {
	closures, err := o.store.PendingClosures()
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	for _, c := range closures {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !c.Resolved() {
			// Parent trip has not synced. Stays pending, no error.
			continue
		}
		if err := o.call(ctx, func() error {
			return o.api.FinalizeTrip(ctx, c.TripServerID, c.ReturnTime, c.KmReturn)
		}); err != nil {
			o.recordItemError(report, CollectionClosures, c.LocalID, err)
			continue
		}
		if err := o.store.MarkSynced(CollectionClosures, c.LocalID, 0); err != nil {
			return fmt.Errorf("mark synced %s: %w", c.LocalID, err)
		}
		report.Synced.Closures++
	}
	return nil
}

func (o *Orchestrator) syncExpenses(ctx context.Context, report *Report) error {
	expenses, err := o.store.PendingExpenses()
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	for _, e := range expenses {
		if err := ctx.Err(); err != nil {
			return err
		}
		var serverID int64
		callErr := o.call(ctx, func() error {
			id, err := o.api.CreateExpense(ctx, e)
			if err != nil {
				return err
			}
			serverID = id
			return nil
		})
		if callErr != nil {
			o.recordItemError(report, CollectionExpenses, e.LocalID, callErr)
			continue
		}
		if err := o.store.MarkSynced(CollectionExpenses, e.LocalID, serverID); err != nil {
			return fmt.Errorf("mark synced %s: %w", e.LocalID, err)
		}
		report.Synced.Expenses++
	}
	return nil
}

// recordItemError classifies an upload failure. Permanent rejections park the
// record in StateFailed so it stops burning bandwidth until the user fixes
// it; transient failures leave the record pending for the next pass.
func (o *Orchestrator) recordItemError(report *Report, col Collection, localID string, err error) {
	item := ItemError{
		Collection: col,
		LocalID:    localID,
		Message:    err.Error(),
		Permanent:  IsPermanent(err),
	}
	report.Errors = append(report.Errors, item)

	if item.Permanent && localID != "" {
		if mErr := o.store.MarkFailed(col, localID, item.Message); mErr != nil {
			o.logger.Error("mark failed", "collection", col, "local_id", localID, "error", mErr)
		}
		o.emitter.emit(EventItemRejected, item)
		o.logger.Warn("record rejected by server", "collection", col, "local_id", localID, "error", err)
		return
	}
	o.logger.Warn("upload failed, will retry next pass", "collection", col, "local_id", localID, "error", err)
}

// runRetentionPurge removes synced records older than the retention window
// and hands them to the archiver. Purge and archive failures are logged but
// never fail a pass that already uploaded data.
func (o *Orchestrator) runRetentionPurge(ctx context.Context, report *Report) {
	if o.config.RetentionWindow <= 0 {
		return
	}
	cutoff := o.now().Add(-o.config.RetentionWindow)
	purged, err := o.store.PurgeSynced(cutoff)
	if err != nil {
		o.logger.Error("retention purge failed", "error", err)
		return
	}
	if purged.Empty() {
		return
	}
	report.Purged = len(purged.Trips) + len(purged.Closures) + len(purged.Expenses) + purged.GPS
	o.logger.Info("retention purge",
		"trips", len(purged.Trips),
		"closures", len(purged.Closures),
		"expenses", len(purged.Expenses),
		"gps", purged.GPS)

	if o.archive == nil {
		return
	}
	if err := o.archive.Archive(ctx, purged); err != nil {
		o.logger.Error("archive purged records failed", "error", err)
	}
}

// updateBookkeeping records pass outcome in sync_meta. The full-sync
// timestamp only advances on a clean pass.
func (o *Orchestrator) updateBookkeeping(report *Report) {
	if report.Clean() {
		if err := o.store.PutMeta(metaLastFullSync, o.now().UTC().Format(time.RFC3339)); err != nil {
			o.logger.Error("record last full sync", "error", err)
		}
		if err := o.store.PutMeta(metaConsecutiveErr, "0"); err != nil {
			o.logger.Error("reset failure streak", "error", err)
		}
		return
	}
	o.bumpFailureStreak()
}

func (o *Orchestrator) bumpFailureStreak() {
	raw, err := o.store.GetMeta(metaConsecutiveErr)
	if err != nil {
		o.logger.Error("read failure streak", "error", err)
		return
	}
	n, _ := strconv.Atoi(raw)
	if err := o.store.PutMeta(metaConsecutiveErr, strconv.Itoa(n+1)); err != nil {
		o.logger.Error("record failure streak", "error", err)
	}
}

// LastFullSync returns when the last clean pass finished, zero if never.
func (o *Orchestrator) LastFullSync() (time.Time, error) {
	raw, err := o.store.GetMeta(metaLastFullSync)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, raw)
}

// FailureStreak returns the number of consecutive dirty or aborted passes.
func (o *Orchestrator) FailureStreak() (int, error) {
	raw, err := o.store.GetMeta(metaConsecutiveErr)
	if err != nil || raw == "" {
		return 0, err
	}
	return strconv.Atoi(raw)
}
