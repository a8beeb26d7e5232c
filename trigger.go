package fleetsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// TriggerConfig configures the background sync trigger.
type TriggerConfig struct {
	// Interval is the periodic sync cadence. Default: 5m.
	Interval time.Duration `yaml:"interval"`

	// RefreshInterval is how often reference mirrors are refreshed while
	// online. Zero disables periodic refresh. Default: 1h.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// DefaultTriggerConfig returns default configuration.
func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{
		Interval:        5 * time.Minute,
		RefreshInterval: time.Hour,
	}
}

// Trigger fires sync passes in the background: on a fixed cadence and
// immediately when connectivity comes back after the settle delay. It is
// tolerant of overlap; a pass already in flight or a dead link simply skips
// the attempt.
type Trigger struct {
	orch    *Orchestrator
	monitor *Monitor
	cache   *ReferenceCache
	config  TriggerConfig
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewTrigger creates a background trigger. cache may be nil to skip periodic
// reference refresh.
func NewTrigger(orch *Orchestrator, monitor *Monitor, cache *ReferenceCache, config TriggerConfig, logger *slog.Logger) *Trigger {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Trigger{
		orch:    orch,
		monitor: monitor,
		cache:   cache,
		config:  config,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to connectivity transitions and launches the cadence loop.
func (t *Trigger) Start() {
	t.once.Do(func() {
		if t.monitor != nil {
			t.monitor.OnChange(func(online bool) {
				if !online {
					return
				}
				t.wg.Add(1)
				go func() {
					defer t.wg.Done()
					t.fire("connectivity restored")
					t.refresh()
				}()
			})
		}
		t.wg.Add(1)
		go t.loop()
	})
}

// Stop terminates the cadence loop and waits for in-flight attempts.
func (t *Trigger) Stop() {
	t.cancel()
	t.wg.Wait()
}

func (t *Trigger) loop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.Interval)
	defer ticker.Stop()

	var refreshC <-chan time.Time
	if t.cache != nil && t.config.RefreshInterval > 0 {
		refresh := time.NewTicker(t.config.RefreshInterval)
		defer refresh.Stop()
		refreshC = refresh.C
	}

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.fire("interval")
		case <-refreshC:
			t.refresh()
		}
	}
}

func (t *Trigger) fire(reason string) {
	report, err := t.orch.SyncAll(t.ctx)
	switch {
	case errors.Is(err, ErrAlreadySyncing), errors.Is(err, ErrOffline):
		t.logger.Debug("sync attempt skipped", "reason", reason, "cause", err)
	case err != nil:
		t.logger.Warn("background sync failed", "reason", reason, "error", err)
	default:
		t.logger.Debug("background sync done",
			"reason", reason, "synced", report.Synced.Total(), "errors", len(report.Errors))
	}
}

func (t *Trigger) refresh() {
	if t.cache == nil {
		return
	}
	if t.monitor != nil && !t.monitor.Online() {
		return
	}
	if err := t.cache.Refresh(t.ctx); err != nil {
		t.logger.Warn("reference refresh failed", "error", err)
	}
}
