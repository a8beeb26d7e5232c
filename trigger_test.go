package fleetsync

import (
	"testing"
	"time"
)

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestTriggerPeriodicSync(t *testing.T) {
	api := &fakeAPI{}
	store := NewMemoryStore()
	defer store.Close()
	store.EnqueueTrip(testTrip(time.Now()))

	cfg := DefaultOrchestratorConfig()
	cfg.Retry.MaxAttempts = 1
	orch := NewOrchestrator(store, api, nil, nil, cfg, testLogger())

	trigger := NewTrigger(orch, nil, nil, TriggerConfig{Interval: 10 * time.Millisecond}, testLogger())
	trigger.Start()
	defer trigger.Stop()

	waitCond(t, "periodic sync", func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.trips) == 1
	})
}

func TestTriggerFiresOnReconnect(t *testing.T) {
	api := &fakeAPI{}
	store := NewMemoryStore()
	defer store.Close()
	store.EnqueueTrip(testTrip(time.Now()))

	monitorCfg := DefaultMonitorConfig()
	monitorCfg.SettleDelay = 0
	monitor := NewMonitor(nil, monitorCfg)
	defer monitor.Stop()

	cfg := DefaultOrchestratorConfig()
	cfg.Retry.MaxAttempts = 1
	orch := NewOrchestrator(store, api, monitor, nil, cfg, testLogger())

	// A long interval so only the connectivity transition can fire
	trigger := NewTrigger(orch, monitor, nil, TriggerConfig{Interval: time.Hour}, testLogger())
	trigger.Start()
	defer trigger.Stop()

	monitor.SetOnline(true)
	waitCond(t, "reconnect sync", func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.trips) == 1
	})
}

func TestTriggerRefreshesReferencesOnReconnect(t *testing.T) {
	api := &fakeAPI{}
	store := NewMemoryStore()
	defer store.Close()

	monitorCfg := DefaultMonitorConfig()
	monitorCfg.SettleDelay = 0
	monitor := NewMonitor(nil, monitorCfg)
	defer monitor.Stop()

	cfg := DefaultOrchestratorConfig()
	cfg.Retry.MaxAttempts = 1
	orch := NewOrchestrator(store, api, monitor, nil, cfg, testLogger())
	cache := NewReferenceCache(store, api, testLogger())

	trigger := NewTrigger(orch, monitor, cache, TriggerConfig{Interval: time.Hour}, testLogger())
	trigger.Start()
	defer trigger.Stop()

	monitor.SetOnline(true)
	waitCond(t, "reference refresh", func() bool {
		vehicles, _ := store.Vehicles()
		return len(vehicles) == 1
	})
}
