package fleetsync

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BatcherConfig configures the GPS point queue bound.
type BatcherConfig struct {
	// MaxQueueSize caps the stored point count. Default: 1000.
	MaxQueueSize int `yaml:"max_queue_size"`

	// EvictionBatch is how many of the oldest unsynced points are dropped
	// in one go when the queue is full. Default: 50.
	EvictionBatch int `yaml:"eviction_batch"`
}

// DefaultBatcherConfig returns default configuration.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		MaxQueueSize:  1000,
		EvictionBatch: 50,
	}
}

// GPSBatcher is the write side of the GPS queue. It validates and stamps
// incoming points and enforces the queue bound by evicting the oldest
// unsynced points, so a long stretch offline degrades track resolution
// instead of filling the device. Synced points are never evicted; they leave
// through the retention purge.
type GPSBatcher struct {
	store  Store
	config BatcherConfig
	logger *slog.Logger

	mu sync.Mutex

	now func() time.Time
}

// NewGPSBatcher creates a batcher writing to the given store.
func NewGPSBatcher(store Store, config BatcherConfig, logger *slog.Logger) *GPSBatcher {
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = 1000
	}
	if config.EvictionBatch <= 0 {
		config.EvictionBatch = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GPSBatcher{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Enqueue validates and persists one location sample, returning its queue ID.
// When the queue is at capacity a block of the oldest unsynced points is
// evicted first.
func (b *GPSBatcher) Enqueue(p *GPSPoint) (int64, error) {
	if p.SampledAt.IsZero() {
		p.SampledAt = b.now()
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}
	p.State = StatePending

	b.mu.Lock()
	defer b.mu.Unlock()

	size, err := b.store.GPSQueueSize()
	if err != nil {
		return 0, fmt.Errorf("gps queue size: %w", err)
	}
	if size >= b.config.MaxQueueSize {
		overflow := size - b.config.MaxQueueSize + 1
		n := b.config.EvictionBatch
		if overflow > n {
			n = overflow
		}
		evicted, err := b.store.EvictOldestUnsyncedGPS(n)
		if err != nil {
			return 0, fmt.Errorf("evict gps points: %w", err)
		}
		if evicted > 0 {
			b.logger.Warn("gps queue full, dropped oldest unsynced points",
				"evicted", evicted, "queue_size", size, "max", b.config.MaxQueueSize)
		}
	}

	id, err := b.store.EnqueueGPS(p)
	if err != nil {
		return 0, fmt.Errorf("enqueue gps point: %w", err)
	}
	return id, nil
}

// QueueSize returns the current stored point count.
func (b *GPSBatcher) QueueSize() (int, error) {
	return b.store.GPSQueueSize()
}
