package fleetsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/snappy"
)

// RemoteAPI is the orchestrator's view of the fleet backend. The backend is
// reachable only while online; every call is bounded by a timeout and any
// failure is classified transient or permanent through APIError.
type RemoteAPI interface {
	// Ping probes the backend health endpoint.
	Ping(ctx context.Context) error

	// CreateTrip registers a trip and returns the server-assigned ID.
	// Fails if the departure odometer is below the vehicle's known reading.
	CreateTrip(ctx context.Context, t *TripRecord) (int64, error)

	// FinalizeTrip closes a trip. Fails if kmReturn does not exceed the
	// trip's recorded departure odometer.
	FinalizeTrip(ctx context.Context, tripID int64, returnTime time.Time, kmReturn float64) error

	// CreateExpense registers an expense and returns the server-assigned ID.
	CreateExpense(ctx context.Context, e *ExpenseRecord) (int64, error)

	// SendGPSBatch uploads a batch of location samples. All points in a
	// batch reference server-side trip IDs.
	SendGPSBatch(ctx context.Context, points []*GPSPoint) error

	// Reference data fetches, mirrored wholesale into the local store.
	FetchVehicles(ctx context.Context) ([]Vehicle, error)
	FetchDestinations(ctx context.Context) ([]Destination, error)
	FetchRecentUsage(ctx context.Context) ([]UsageRecord, error)
}

// ClientConfig configures the REST API client.
type ClientConfig struct {
	// BaseURL of the fleet backend, e.g. "https://fleet.example.com".
	BaseURL string `yaml:"base_url"`

	// AuthToken is sent as a bearer token when non-empty.
	AuthToken string `yaml:"auth_token"`

	// DeviceID identifies this device to the backend.
	DeviceID string `yaml:"device_id"`

	// Timeout bounds each remote call. Default: 15s.
	Timeout time.Duration `yaml:"timeout"`

	// CompressGPS enables snappy compression of GPS batch bodies.
	CompressGPS bool `yaml:"compress_gps"`

	// HTTPClient allows injecting a custom HTTP client for testing.
	// If nil, a default client is created with the configured timeout.
	HTTPClient HTTPDoer `yaml:"-"`
}

// Client is the REST implementation of RemoteAPI.
type Client struct {
	config ClientConfig
	client HTTPDoer
}

// NewClient creates a REST client for the fleet backend.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("client base URL not configured")
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	c := &Client{config: config, client: config.HTTPClient}
	if c.client == nil {
		c.client = &http.Client{Timeout: config.Timeout}
	}
	return c, nil
}

// envelope is the backend's uniform response shape.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// idPayload carries a server-assigned identifier.
type idPayload struct {
	ID int64 `json:"id"`
}

// classifyStatus maps an HTTP status on a non-success envelope to the error
// taxonomy: 4xx means the server understood and rejected the payload, which
// repeats forever without user correction; everything else is worth another
// pass. 408 and 429 are transport conditions, not rejections.
func classifyStatus(status int) bool {
	if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		return true
	}
	return false
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, contentEncoding string) (*envelope, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}
	if c.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}
	if c.config.DeviceID != "" {
		req.Header.Set("X-Fleet-Device-ID", c.config.DeviceID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			// Not the uniform envelope; treat by status alone.
			env = envelope{Success: resp.StatusCode < 300}
		}
	}

	if !env.Success || resp.StatusCode >= 400 {
		return nil, resp.StatusCode, &APIError{
			Status:    resp.StatusCode,
			Message:   env.Message,
			Permanent: classifyStatus(resp.StatusCode),
		}
	}
	return &env, resp.StatusCode, nil
}

// Ping probes the backend health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, _, err := c.do(ctx, http.MethodGet, "/api/health", nil, "")
	return err
}

type tripCreateRequest struct {
	VehicleID     int64     `json:"vehicle_id"`
	DriverID      int64     `json:"driver_id"`
	DestinationID int64     `json:"destination_id,omitempty"`
	DepartureTime time.Time `json:"departure_time"`
	KmDeparture   float64   `json:"km_departure"`
	Notes         string    `json:"notes,omitempty"`
	IncidentPhoto []byte    `json:"incident_photo,omitempty"`
}

// CreateTrip registers a trip with the backend.
func (c *Client) CreateTrip(ctx context.Context, t *TripRecord) (int64, error) {
	body, err := json.Marshal(tripCreateRequest{
		VehicleID:     t.VehicleID,
		DriverID:      t.DriverID,
		DestinationID: t.DestinationID,
		DepartureTime: t.DepartureTime,
		KmDeparture:   t.KmDeparture,
		Notes:         t.Notes,
		IncidentPhoto: t.IncidentPhoto,
	})
	if err != nil {
		return 0, fmt.Errorf("encode trip: %w", err)
	}
	env, _, err := c.do(ctx, http.MethodPost, "/api/trips", body, "")
	if err != nil {
		return 0, err
	}
	var id idPayload
	if err := json.Unmarshal(env.Data, &id); err != nil {
		return 0, fmt.Errorf("decode trip id: %w", err)
	}
	return id.ID, nil
}

type tripFinalizeRequest struct {
	ReturnTime time.Time `json:"return_time"`
	KmReturn   float64   `json:"km_return"`
}

// FinalizeTrip closes a trip on the backend.
func (c *Client) FinalizeTrip(ctx context.Context, tripID int64, returnTime time.Time, kmReturn float64) error {
	body, err := json.Marshal(tripFinalizeRequest{ReturnTime: returnTime, KmReturn: kmReturn})
	if err != nil {
		return fmt.Errorf("encode finalization: %w", err)
	}
	_, _, err = c.do(ctx, http.MethodPost, fmt.Sprintf("/api/trips/%d/finalize", tripID), body, "")
	return err
}

type expenseCreateRequest struct {
	VehicleID     int64     `json:"vehicle_id"`
	Category      string    `json:"category"`
	Date          time.Time `json:"date"`
	CurrentKm     float64   `json:"current_km,omitempty"`
	Liters        float64   `json:"liters,omitempty"`
	PricePerLiter float64   `json:"price_per_liter,omitempty"`
	TotalValue    float64   `json:"total_value,omitempty"`
	Notes         string    `json:"notes,omitempty"`
}

// CreateExpense registers an expense with the backend.
func (c *Client) CreateExpense(ctx context.Context, e *ExpenseRecord) (int64, error) {
	body, err := json.Marshal(expenseCreateRequest{
		VehicleID:     e.VehicleID,
		Category:      e.Category,
		Date:          e.Date,
		CurrentKm:     e.CurrentKm,
		Liters:        e.Liters,
		PricePerLiter: e.PricePerLiter,
		TotalValue:    e.TotalValue,
		Notes:         e.Notes,
	})
	if err != nil {
		return 0, fmt.Errorf("encode expense: %w", err)
	}
	env, _, err := c.do(ctx, http.MethodPost, "/api/expenses", body, "")
	if err != nil {
		return 0, err
	}
	var id idPayload
	if err := json.Unmarshal(env.Data, &id); err != nil {
		return 0, fmt.Errorf("decode expense id: %w", err)
	}
	return id.ID, nil
}

type gpsBatchPoint struct {
	TripID    int64     `json:"trip_id"`
	VehicleID int64     `json:"vehicle_id"`
	DriverID  int64     `json:"driver_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Speed     float64   `json:"speed,omitempty"`
	Altitude  float64   `json:"altitude,omitempty"`
	Heading   float64   `json:"heading,omitempty"`
	SampledAt time.Time `json:"sampled_at"`
}

type gpsBatchRequest struct {
	Points []gpsBatchPoint `json:"points"`
}

// SendGPSBatch uploads a batch of location samples.
func (c *Client) SendGPSBatch(ctx context.Context, points []*GPSPoint) error {
	if len(points) == 0 {
		return nil
	}
	batch := gpsBatchRequest{Points: make([]gpsBatchPoint, 0, len(points))}
	for _, p := range points {
		batch.Points = append(batch.Points, gpsBatchPoint{
			TripID:    p.TripServerID,
			VehicleID: p.VehicleID,
			DriverID:  p.DriverID,
			Latitude:  p.Latitude,
			Longitude: p.Longitude,
			Accuracy:  p.Accuracy,
			Speed:     p.Speed,
			Altitude:  p.Altitude,
			Heading:   p.Heading,
			SampledAt: p.SampledAt,
		})
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode gps batch: %w", err)
	}

	encoding := ""
	if c.config.CompressGPS {
		body = snappy.Encode(nil, body)
		encoding = "snappy"
	}
	_, _, err = c.do(ctx, http.MethodPost, "/api/gps/batch", body, encoding)
	return err
}

func fetchList[T any](c *Client, ctx context.Context, path string) ([]T, error) {
	env, _, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	var out []T
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &out); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return out, nil
}

// FetchVehicles returns the server's vehicle list.
func (c *Client) FetchVehicles(ctx context.Context) ([]Vehicle, error) {
	return fetchList[Vehicle](c, ctx, "/api/vehicles")
}

// FetchDestinations returns the server's destination list.
func (c *Client) FetchDestinations(ctx context.Context) ([]Destination, error) {
	return fetchList[Destination](c, ctx, "/api/destinations")
}

// FetchRecentUsage returns recent server-side trips.
func (c *Client) FetchRecentUsage(ctx context.Context) ([]UsageRecord, error) {
	return fetchList[UsageRecord](c, ctx, "/api/usage/recent")
}
