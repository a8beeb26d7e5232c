package fleetsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Agent is the device-side entry point. It wires the durable store, the REST
// client, connectivity monitoring, the sync orchestrator and the background
// trigger behind one handle. Every write lands in the local store first and
// reaches the server through sync passes; the caller never blocks on the
// network to record data.
type Agent struct {
	config  Config
	store   Store
	api     RemoteAPI
	monitor *Monitor
	orch    *Orchestrator
	batcher *GPSBatcher
	stream  *GPSStreamer
	cache   *ReferenceCache
	trigger *Trigger
	emitter *Emitter
	logger  *slog.Logger

	now func() time.Time
}

// New creates a fully wired agent. Nothing starts running until Start.
func New(config Config, logger *slog.Logger) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	if config.Encryption.Enabled {
		enc, err := buildEncryptor(config.Encryption, config.Store.Path+".salt")
		if err != nil {
			return nil, fmt.Errorf("init encryption: %w", err)
		}
		config.Store.Encryptor = enc
	}

	store, err := NewSQLiteStore(config.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	apiCfg := config.API
	if apiCfg.DeviceID == "" {
		apiCfg.DeviceID = config.DeviceID
	}
	client, err := NewClient(apiCfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create api client: %w", err)
	}

	emitter := NewEmitter()
	monitor := NewMonitor(client, config.Connectivity)
	monitor.OnChange(func(online bool) {
		if online {
			emitter.emit(EventOnline, nil)
		} else {
			emitter.emit(EventOffline, nil)
		}
	})

	orch := NewOrchestrator(store, client, monitor, emitter, config.Sync, logger)
	if config.Archive.Dir != "" || config.Archive.S3.Enabled {
		archiver, err := NewSnapshotArchiver(config.Archive, config.DeviceID, logger)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("init archiver: %w", err)
		}
		orch.SetArchiver(archiver)
	}

	cache := NewReferenceCache(store, client, logger)
	a := &Agent{
		config:  config,
		store:   store,
		api:     client,
		monitor: monitor,
		orch:    orch,
		batcher: NewGPSBatcher(store, config.GPS, logger),
		stream:  NewGPSStreamer(config.Stream, logger),
		cache:   cache,
		trigger: NewTrigger(orch, monitor, cache, config.Trigger, logger),
		emitter: emitter,
		logger:  logger,
		now:     time.Now,
	}
	return a, nil
}

// buildEncryptor derives the photo encryption key. A password-derived key
// needs a stable salt across restarts, kept in a sidecar file next to the
// database.
func buildEncryptor(cfg EncryptionConfig, saltPath string) (*Encryptor, error) {
	if len(cfg.Key) > 0 || cfg.KeyPassword == "" {
		return NewEncryptor(cfg)
	}
	salt, err := os.ReadFile(saltPath)
	if err == nil && len(salt) == EncryptionSaltSize {
		return NewEncryptorWithSalt(cfg.KeyPassword, salt)
	}
	enc, err := NewEncryptor(cfg)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(saltPath, enc.Salt()); err != nil {
		return nil, fmt.Errorf("persist key salt: %w", err)
	}
	return enc, nil
}

// Start launches the background machinery: connectivity probing, the sync
// trigger and the optional live GPS feed.
func (a *Agent) Start() {
	a.monitor.Start()
	a.trigger.Start()
	a.stream.Start()
	a.logger.Info("fleetsync agent started", "device_id", a.config.DeviceID)
}

// Close stops background work and closes the store. Pending records stay in
// the store and sync on the next run.
func (a *Agent) Close() error {
	a.trigger.Stop()
	a.stream.Stop()
	a.monitor.Stop()
	return a.store.Close()
}

// On registers an event handler. Handlers run synchronously on internal
// goroutines and must not block.
func (a *Agent) On(event Event, handler func(payload any)) {
	a.emitter.On(event, handler)
}

// Online reports the current connectivity state.
func (a *Agent) Online() bool {
	return a.monitor.Online()
}

// SetOnline feeds a platform connectivity callback into the monitor.
func (a *Agent) SetOnline(online bool) {
	a.monitor.SetOnline(online)
}

// RecordTrip validates and stores a new trip, returning its local ID. The
// trip uploads on the next sync pass.
func (a *Agent) RecordTrip(t *TripRecord) (string, error) {
	if t.DepartureTime.IsZero() {
		t.DepartureTime = a.now()
	}
	if err := t.Validate(); err != nil {
		return "", err
	}
	localID, err := a.store.EnqueueTrip(t)
	if err != nil {
		return "", fmt.Errorf("store trip: %w", err)
	}
	a.logger.Debug("trip recorded", "local_id", localID, "vehicle_id", t.VehicleID)
	return localID, nil
}

// FinalizeTrip records the return leg of a trip identified by its local ID.
// The return odometer must read past the departure one.
func (a *Agent) FinalizeTrip(tripLocalID string, returnTime time.Time, kmReturn float64) (string, error) {
	trip, err := a.store.Trip(tripLocalID)
	if err != nil {
		return "", err
	}
	if kmReturn <= trip.KmDeparture {
		return "", fmt.Errorf("%w: return odometer %.1f not past departure %.1f",
			ErrInvalidClosure, kmReturn, trip.KmDeparture)
	}
	c := &TripClosure{
		TripLocalID:  tripLocalID,
		TripServerID: trip.ServerID,
		ReturnTime:   returnTime,
		KmReturn:     kmReturn,
	}
	if c.ReturnTime.IsZero() {
		c.ReturnTime = a.now()
	}
	if err := c.Validate(); err != nil {
		return "", err
	}
	localID, err := a.store.EnqueueClosure(c)
	if err != nil {
		return "", fmt.Errorf("store closure: %w", err)
	}
	a.logger.Debug("trip closure recorded", "local_id", localID, "trip_local_id", tripLocalID)
	return localID, nil
}

// RecordExpense validates and stores a new expense, computing the fuel total
// from liters and unit price when the caller left it blank.
func (a *Agent) RecordExpense(e *ExpenseRecord) (string, error) {
	if e.Date.IsZero() {
		e.Date = a.now()
	}
	e.ComputeTotal()
	if err := e.Validate(); err != nil {
		return "", err
	}
	localID, err := a.store.EnqueueExpense(e)
	if err != nil {
		return "", fmt.Errorf("store expense: %w", err)
	}
	a.logger.Debug("expense recorded", "local_id", localID, "category", e.Category)
	return localID, nil
}

// Track stores one GPS sample in the durable queue and offers it to the live
// feed. The live feed is best effort; the queue is the source of truth.
func (a *Agent) Track(p *GPSPoint) (int64, error) {
	id, err := a.batcher.Enqueue(p)
	if err != nil {
		return 0, err
	}
	a.stream.Publish(p)
	return id, nil
}

// SyncAll runs one sync pass now. See Orchestrator.SyncAll.
func (a *Agent) SyncAll(ctx context.Context) (*Report, error) {
	return a.orch.SyncAll(ctx)
}

// RetryFailed returns a permanently rejected record to the pending queue
// after the user corrected it.
func (a *Agent) RetryFailed(col Collection, localID string) error {
	return a.store.RetryFailed(col, localID)
}

// DiscardFailed drops a permanently rejected record for good.
func (a *Agent) DiscardFailed(col Collection, localID string) error {
	return a.store.Remove(col, localID)
}

// PendingCounts returns per-collection pending record counts for badges.
func (a *Agent) PendingCounts() (PendingCounts, error) {
	return a.store.CountPending()
}

// LastFullSync returns when the last clean pass finished, zero if never.
func (a *Agent) LastFullSync() (time.Time, error) {
	return a.orch.LastFullSync()
}

// RefreshReferenceData fetches the server reference lists into the local
// mirrors.
func (a *Agent) RefreshReferenceData(ctx context.Context) error {
	return a.cache.Refresh(ctx)
}

// Vehicles returns the mirrored vehicle list for offline form population.
func (a *Agent) Vehicles() ([]Vehicle, error) {
	return a.cache.Vehicles()
}

// Destinations returns the mirrored destination list.
func (a *Agent) Destinations() ([]Destination, error) {
	return a.cache.Destinations()
}

// RecentUsage returns the mirrored recent usage list.
func (a *Agent) RecentUsage() ([]UsageRecord, error) {
	return a.cache.RecentUsage()
}
