package fleetsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(ClientConfig{
		BaseURL:   srv.URL,
		AuthToken: "tok-123",
		DeviceID:  "dev-1",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, srv
}

func writeEnvelope(w http.ResponseWriter, status int, data any, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	raw, _ := json.Marshal(data)
	json.NewEncoder(w).Encode(map[string]any{
		"success": status < 300,
		"data":    json.RawMessage(raw),
		"message": message,
	})
}

func TestClientCreateTrip(t *testing.T) {
	var gotAuth, gotDevice string
	var gotBody tripCreateRequest
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/trips" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotDevice = r.Header.Get("X-Fleet-Device-ID")
		json.NewDecoder(r.Body).Decode(&gotBody)
		writeEnvelope(w, http.StatusCreated, map[string]int64{"id": 42}, "")
	}))

	id, err := client.CreateTrip(context.Background(), &TripRecord{
		VehicleID:     12,
		DriverID:      7,
		DepartureTime: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		KmDeparture:   100,
	})
	if err != nil {
		t.Fatalf("create trip: %v", err)
	}
	if id != 42 {
		t.Errorf("id = %d, want 42", id)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotDevice != "dev-1" {
		t.Errorf("device header = %q", gotDevice)
	}
	if gotBody.VehicleID != 12 || gotBody.KmDeparture != 100 {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestClientPermanentRejection(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusUnprocessableEntity, nil, "vehicle does not exist")
	}))

	_, err := client.CreateTrip(context.Background(), &TripRecord{VehicleID: 99, DriverID: 1})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if !apiErr.Permanent {
		t.Error("422 rejection not classified permanent")
	}
	if apiErr.Message != "vehicle does not exist" {
		t.Errorf("message = %q", apiErr.Message)
	}
	if !IsPermanent(err) {
		t.Error("IsPermanent false for permanent APIError")
	}
}

func TestClientTransientFailure(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusServiceUnavailable, nil, "maintenance")
	}))

	err := client.Ping(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Permanent {
		t.Error("503 classified permanent")
	}
	if !IsRetryable(err) {
		t.Error("transient APIError not retryable")
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.permanent {
			t.Errorf("classifyStatus(%d) = %v, want %v", tt.status, got, tt.permanent)
		}
	}
}

func TestClientGPSBatchSnappy(t *testing.T) {
	var gotEncoding string
	var decoded gpsBatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		raw, _ := io.ReadAll(r.Body)
		plain, err := snappy.Decode(nil, raw)
		if err != nil {
			t.Errorf("decode snappy: %v", err)
		}
		json.Unmarshal(plain, &decoded)
		writeEnvelope(w, http.StatusOK, nil, "")
	}))
	defer srv.Close()

	client, err := NewClient(ClientConfig{BaseURL: srv.URL, CompressGPS: true})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	points := []*GPSPoint{{
		TripServerID: 42,
		VehicleID:    1,
		DriverID:     2,
		Latitude:     -23.55,
		Longitude:    -46.63,
		SampledAt:    time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}}
	if err := client.SendGPSBatch(context.Background(), points); err != nil {
		t.Fatalf("send batch: %v", err)
	}
	if gotEncoding != "snappy" {
		t.Errorf("content encoding = %q, want snappy", gotEncoding)
	}
	if len(decoded.Points) != 1 || decoded.Points[0].TripID != 42 {
		t.Errorf("decoded batch = %+v", decoded)
	}
}

func TestClientEmptyGPSBatchSkipsRequest(t *testing.T) {
	called := false
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	if err := client.SendGPSBatch(context.Background(), nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	if called {
		t.Error("empty batch hit the network")
	}
}

func TestClientFetchVehicles(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/vehicles" {
			t.Errorf("path = %s", r.URL.Path)
		}
		writeEnvelope(w, http.StatusOK, []Vehicle{
			{ID: 1, Plate: "ABC-1234", Model: "Sprinter", Active: true},
			{ID: 2, Plate: "DEF-5678", Model: "Master", Active: false},
		}, "")
	}))

	vehicles, err := client.FetchVehicles(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(vehicles) != 2 || vehicles[0].Plate != "ABC-1234" {
		t.Errorf("vehicles = %+v", vehicles)
	}
}

func TestClientNonEnvelopeResponse(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>upstream error</html>"))
	}))

	err := client.Ping(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusBadGateway || apiErr.Permanent {
		t.Errorf("apiErr = %+v, want transient 502", apiErr)
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Error("expected error for missing base url")
	}
}
