package fleetsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fleetBackend is a minimal in-memory stand-in for the fleet REST API.
type fleetBackend struct {
	mu        sync.Mutex
	nextID    int64
	trips     []tripCreateRequest
	finalized []string
	expenses  []expenseCreateRequest
	gpsPoints int
}

func (b *fleetBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, nil, "")
	})
	mux.HandleFunc("POST /api/trips", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		var req tripCreateRequest
		json.NewDecoder(r.Body).Decode(&req)
		b.trips = append(b.trips, req)
		b.nextID++
		writeEnvelope(w, http.StatusCreated, map[string]int64{"id": b.nextID}, "")
	})
	mux.HandleFunc("POST /api/trips/", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.finalized = append(b.finalized, strings.TrimPrefix(r.URL.Path, "/api/trips/"))
		writeEnvelope(w, http.StatusOK, nil, "")
	})
	mux.HandleFunc("POST /api/expenses", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		var req expenseCreateRequest
		json.NewDecoder(r.Body).Decode(&req)
		b.expenses = append(b.expenses, req)
		b.nextID++
		writeEnvelope(w, http.StatusCreated, map[string]int64{"id": b.nextID}, "")
	})
	mux.HandleFunc("POST /api/gps/batch", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		var req gpsBatchRequest
		json.NewDecoder(r.Body).Decode(&req)
		b.gpsPoints += len(req.Points)
		writeEnvelope(w, http.StatusOK, nil, "")
	})
	mux.HandleFunc("GET /api/vehicles", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, []Vehicle{{ID: 1, Plate: "ABC-1234", Active: true}}, "")
	})
	mux.HandleFunc("GET /api/destinations", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, []Destination{{ID: 3, Name: "Depot"}}, "")
	})
	mux.HandleFunc("GET /api/usage/recent", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, []UsageRecord{}, "")
	})
	return mux
}

func newTestAgent(t *testing.T) (*Agent, *fleetBackend) {
	t.Helper()
	backend := &fleetBackend{}
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	config := DefaultConfig()
	config.DeviceID = "test-device"
	config.Store.Path = filepath.Join(t.TempDir(), "agent.db")
	config.API.BaseURL = srv.URL
	config.Connectivity.SettleDelay = 0
	config.Sync.Retry.MaxAttempts = 1
	config.Sync.RetentionWindow = 0
	config.Trigger.Interval = time.Hour

	agent, err := New(config, testLogger())
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	t.Cleanup(func() { agent.Close() })
	return agent, backend
}

func TestAgentOfflineDayThenSync(t *testing.T) {
	agent, backend := newTestAgent(t)

	// Everything below happens while offline
	tripID, err := agent.RecordTrip(&TripRecord{
		VehicleID:     12,
		DriverID:      7,
		DestinationID: 3,
		DepartureTime: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		KmDeparture:   48211,
	})
	if err != nil {
		t.Fatalf("record trip: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := agent.Track(&GPSPoint{
			TripLocalID: tripID,
			VehicleID:   12,
			DriverID:    7,
			Latitude:    -23.55,
			Longitude:   -46.63,
			SampledAt:   time.Date(2026, 3, 1, 8, i, 0, 0, time.UTC),
		}); err != nil {
			t.Fatalf("track %d: %v", i, err)
		}
	}

	if _, err := agent.RecordExpense(&ExpenseRecord{
		VehicleID:     12,
		Category:      "fuel",
		Date:          time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Liters:        41.3,
		PricePerLiter: 5.89,
	}); err != nil {
		t.Fatalf("record expense: %v", err)
	}

	if _, err := agent.FinalizeTrip(tripID, time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC), 48402); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	counts, err := agent.PendingCounts()
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	want := PendingCounts{Trips: 1, Closures: 1, Expenses: 1, GPSPoints: 3}
	if counts != want {
		t.Fatalf("pending = %+v, want %+v", counts, want)
	}

	// Syncing while offline never touches the network
	if _, err := agent.SyncAll(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("offline sync err = %v, want ErrOffline", err)
	}

	// Connectivity returns; one pass drains everything in order
	agent.SetOnline(true)
	report, err := agent.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	wantSynced := SyncedCounts{Trips: 1, Closures: 1, Expenses: 1, GPSPoints: 3}
	if report.Synced != wantSynced {
		t.Fatalf("synced = %+v, want %+v", report.Synced, wantSynced)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.trips) != 1 || backend.trips[0].VehicleID != 12 {
		t.Errorf("backend trips = %+v", backend.trips)
	}
	if len(backend.finalized) != 1 || backend.finalized[0] != "1/finalize" {
		t.Errorf("backend finalized = %v", backend.finalized)
	}
	if len(backend.expenses) != 1 || backend.expenses[0].TotalValue != 243.26 {
		t.Errorf("backend expenses = %+v (fuel total should be computed)", backend.expenses)
	}
	if backend.gpsPoints != 3 {
		t.Errorf("backend gps points = %d, want 3", backend.gpsPoints)
	}

	last, err := agent.LastFullSync()
	if err != nil || last.IsZero() {
		t.Errorf("last full sync = %v (%v), want recorded", last, err)
	}
}

func TestAgentFinalizeValidatesOdometer(t *testing.T) {
	agent, _ := newTestAgent(t)

	tripID, err := agent.RecordTrip(&TripRecord{
		VehicleID:     1,
		DriverID:      2,
		DepartureTime: time.Now(),
		KmDeparture:   500,
	})
	if err != nil {
		t.Fatalf("record trip: %v", err)
	}

	if _, err := agent.FinalizeTrip(tripID, time.Now(), 499); !errors.Is(err, ErrInvalidClosure) {
		t.Errorf("err = %v, want ErrInvalidClosure for km going backwards", err)
	}
	if _, err := agent.FinalizeTrip("loc-unknown", time.Now(), 600); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound for unknown trip", err)
	}
	if _, err := agent.FinalizeTrip(tripID, time.Now(), 600); err != nil {
		t.Errorf("valid finalization rejected: %v", err)
	}
}

func TestAgentRejectsInvalidRecords(t *testing.T) {
	agent, _ := newTestAgent(t)

	if _, err := agent.RecordTrip(&TripRecord{DriverID: 2}); !errors.Is(err, ErrInvalidTrip) {
		t.Errorf("trip err = %v, want ErrInvalidTrip", err)
	}
	if _, err := agent.RecordExpense(&ExpenseRecord{VehicleID: 1}); !errors.Is(err, ErrInvalidExpense) {
		t.Errorf("expense err = %v, want ErrInvalidExpense", err)
	}
	if _, err := agent.Track(&GPSPoint{VehicleID: 1, Latitude: 200, SampledAt: time.Now()}); !errors.Is(err, ErrInvalidGPSPoint) {
		t.Errorf("gps err = %v, want ErrInvalidGPSPoint", err)
	}
}

func TestAgentRetryFailed(t *testing.T) {
	agent, _ := newTestAgent(t)

	tripID, err := agent.RecordTrip(&TripRecord{
		VehicleID: 1, DriverID: 2, DepartureTime: time.Now(), KmDeparture: 10,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := agent.store.MarkFailed(CollectionTrips, tripID, "rejected"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	counts, _ := agent.PendingCounts()
	if counts.Trips != 0 {
		t.Fatalf("failed trip counted as pending")
	}
	if err := agent.RetryFailed(CollectionTrips, tripID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	counts, _ = agent.PendingCounts()
	if counts.Trips != 1 {
		t.Errorf("trip not pending after retry")
	}
}

func TestAgentReferenceData(t *testing.T) {
	agent, _ := newTestAgent(t)

	if err := agent.RefreshReferenceData(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	vehicles, err := agent.Vehicles()
	if err != nil {
		t.Fatalf("vehicles: %v", err)
	}
	if len(vehicles) != 1 || vehicles[0].Plate != "ABC-1234" {
		t.Errorf("vehicles = %+v", vehicles)
	}
	dests, _ := agent.Destinations()
	if len(dests) != 1 {
		t.Errorf("destinations = %+v", dests)
	}
}

func TestAgentEncryptionSaltPersists(t *testing.T) {
	dir := t.TempDir()
	backend := &fleetBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	config := DefaultConfig()
	config.Store.Path = filepath.Join(dir, "agent.db")
	config.API.BaseURL = srv.URL
	config.Encryption.Enabled = true
	config.Encryption.KeyPassword = "field-device-secret"

	agent, err := New(config, testLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tripID, err := agent.RecordTrip(&TripRecord{
		VehicleID: 1, DriverID: 2, DepartureTime: time.Now(), KmDeparture: 10,
		IncidentPhoto: []byte("photo bytes"),
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	agent.Close()

	saltPath := config.Store.Path + ".salt"
	salt, err := os.ReadFile(saltPath)
	if err != nil || len(salt) != EncryptionSaltSize {
		t.Fatalf("salt file = %d bytes (%v), want %d", len(salt), err, EncryptionSaltSize)
	}

	// A second run derives the same key from the stored salt
	agent, err = New(config, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer agent.Close()
	trip, err := agent.store.Trip(tripID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(trip.IncidentPhoto) != "photo bytes" {
		t.Errorf("photo = %q after reopen", trip.IncidentPhoto)
	}
}
