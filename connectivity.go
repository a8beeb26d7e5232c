package fleetsync

import (
	"context"
	"sync"
	"time"
)

// Pinger probes the remote endpoint for reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MonitorConfig configures the connectivity monitor.
type MonitorConfig struct {
	// ProbeInterval is how often the endpoint is probed. Default: 30s.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// ProbeTimeout bounds each probe. Default: 5s.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// SettleDelay is how long the connection must stay up before the
	// online transition is announced. Avoids syncing against a flapping
	// link. Default: 2s; zero announces immediately.
	SettleDelay time.Duration `yaml:"settle_delay"`

	// AssumeOnline sets the initial state before the first probe.
	AssumeOnline bool `yaml:"assume_online"`
}

// DefaultMonitorConfig returns default configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
		SettleDelay:   2 * time.Second,
	}
}

// Monitor is the single source of truth for online/offline state. State can
// be pushed by the host (platform network callbacks) via SetOnline or pulled
// by the built-in probe loop; both paths de-duplicate transitions so each
// registered callback observes exactly one notification per genuine change.
type Monitor struct {
	config MonitorConfig
	pinger Pinger

	mu        sync.Mutex
	raw       bool // last observed link state
	announced bool // state observers have been told about
	settle    *time.Timer
	callbacks []func(online bool)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewMonitor creates a connectivity monitor. pinger may be nil when state is
// fed exclusively through SetOnline.
func NewMonitor(pinger Pinger, config MonitorConfig) *Monitor {
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = 30 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		config:    config,
		pinger:    pinger,
		raw:       config.AssumeOnline,
		announced: config.AssumeOnline,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Online returns the current announced state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.announced
}

// OnChange registers a callback invoked exactly once per genuine transition.
// Callbacks run on the monitor's goroutine and must not block.
func (m *Monitor) OnChange(cb func(online bool)) {
	if cb == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// SetOnline feeds an observed link state. Repeated identical states are
// ignored. An offline transition is announced immediately; an online
// transition is announced only after the settle delay elapses with the link
// still up.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if online == m.raw {
		m.mu.Unlock()
		return
	}
	m.raw = online

	if !online {
		if m.settle != nil {
			m.settle.Stop()
			m.settle = nil
		}
		if m.announced {
			m.announced = false
			cbs := append([]func(bool){}, m.callbacks...)
			m.mu.Unlock()
			for _, cb := range cbs {
				cb(false)
			}
			return
		}
		m.mu.Unlock()
		return
	}

	if m.config.SettleDelay <= 0 {
		m.announceOnlineLocked()
		return
	}
	if m.settle != nil {
		m.settle.Stop()
	}
	m.settle = time.AfterFunc(m.config.SettleDelay, func() {
		m.mu.Lock()
		if !m.raw || m.announced {
			m.mu.Unlock()
			return
		}
		m.announceOnlineLocked()
	})
	m.mu.Unlock()
}

// announceOnlineLocked fires the online callbacks. The mutex must be held; it
// is released before callbacks run.
func (m *Monitor) announceOnlineLocked() {
	m.announced = true
	m.settle = nil
	cbs := append([]func(bool){}, m.callbacks...)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(true)
	}
}

// Start begins the probe loop. A nil pinger makes Start a no-op.
func (m *Monitor) Start() {
	if m.pinger == nil {
		return
	}
	m.once.Do(func() {
		m.wg.Add(1)
		go m.probeLoop()
	})
}

// Stop terminates the probe loop and pending settle timers.
func (m *Monitor) Stop() {
	m.cancel()
	m.mu.Lock()
	if m.settle != nil {
		m.settle.Stop()
		m.settle = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) probeLoop() {
	defer m.wg.Done()

	m.probe()
	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

func (m *Monitor) probe() {
	ctx, cancel := context.WithTimeout(m.ctx, m.config.ProbeTimeout)
	err := m.pinger.Ping(ctx)
	cancel()
	m.SetOnline(err == nil)
}
