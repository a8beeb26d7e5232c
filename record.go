package fleetsync

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// SyncState describes where a locally created record stands relative to the
// remote server of record.
type SyncState int

const (
	// StatePending means the record has not been accepted by the server yet.
	StatePending SyncState = iota
	// StateSynced means the server has acknowledged the record. Synced
	// records are retained for a grace window and then purged.
	StateSynced
	// StateFailed means the server rejected the record with a validation
	// error. Failed records are excluded from automatic retry until the
	// user corrects and re-enqueues them.
	StateFailed
)

func (s SyncState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSynced:
		return "synced"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Collection identifies one of the durable store's record collections.
type Collection string

const (
	CollectionTrips    Collection = "trips"
	CollectionClosures Collection = "trip_closures"
	CollectionExpenses Collection = "expenses"
	CollectionGPS      Collection = "gps_points"
)

// Validation errors
var (
	ErrInvalidTrip     = errors.New("invalid trip record")
	ErrInvalidClosure  = errors.New("invalid trip closure")
	ErrInvalidExpense  = errors.New("invalid expense record")
	ErrInvalidGPSPoint = errors.New("invalid gps point")
)

// TripRecord is a vehicle departure logged on the device. It is created
// locally (possibly offline) and synced to the server, which assigns the
// authoritative trip identifier.
type TripRecord struct {
	LocalID       string    `json:"local_id"`
	ServerID      int64     `json:"server_id,omitempty"`
	VehicleID     int64     `json:"vehicle_id"`
	DriverID      int64     `json:"driver_id"`
	DestinationID int64     `json:"destination_id"`
	DepartureTime time.Time `json:"departure_time"`
	KmDeparture   float64   `json:"km_departure"`
	Notes         string    `json:"notes,omitempty"`
	IncidentPhoto []byte    `json:"incident_photo,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	State         SyncState `json:"sync_state"`
	LastError     string    `json:"last_error,omitempty"`
}

// Validate checks the trip's required fields.
func (t *TripRecord) Validate() error {
	if t.VehicleID <= 0 {
		return fmt.Errorf("%w: vehicle id required", ErrInvalidTrip)
	}
	if t.DriverID <= 0 {
		return fmt.Errorf("%w: driver id required", ErrInvalidTrip)
	}
	if t.DepartureTime.IsZero() {
		return fmt.Errorf("%w: departure time required", ErrInvalidTrip)
	}
	if t.KmDeparture < 0 {
		return fmt.Errorf("%w: negative departure odometer", ErrInvalidTrip)
	}
	return nil
}

// TripClosure finalizes a trip with its return time and odometer reading.
// The referenced trip may still be local-only; TripServerID is filled in by
// the orchestrator once the trip itself has synced.
type TripClosure struct {
	LocalID      string    `json:"local_id"`
	TripLocalID  string    `json:"trip_local_id,omitempty"`
	TripServerID int64     `json:"trip_server_id,omitempty"`
	ReturnTime   time.Time `json:"return_time"`
	KmReturn     float64   `json:"km_return"`
	CreatedAt    time.Time `json:"created_at"`
	State        SyncState `json:"sync_state"`
	LastError    string    `json:"last_error,omitempty"`
}

// Validate checks the closure's required fields. The km_return > km_departure
// rule needs the trip record and is enforced at enqueue time by the agent,
// then re-validated by the server.
func (c *TripClosure) Validate() error {
	if c.TripLocalID == "" && c.TripServerID == 0 {
		return fmt.Errorf("%w: no trip reference", ErrInvalidClosure)
	}
	if c.ReturnTime.IsZero() {
		return fmt.Errorf("%w: return time required", ErrInvalidClosure)
	}
	if c.KmReturn < 0 {
		return fmt.Errorf("%w: negative return odometer", ErrInvalidClosure)
	}
	return nil
}

// Resolved reports whether the closure already references a server-side trip
// and is therefore eligible for upload.
func (c *TripClosure) Resolved() bool {
	return c.TripServerID != 0
}

// ExpenseRecord is a vehicle expense (fuel, toll, maintenance, ...) logged on
// the device. Expenses have no ordering dependency on trips.
type ExpenseRecord struct {
	LocalID       string    `json:"local_id"`
	ServerID      int64     `json:"server_id,omitempty"`
	VehicleID     int64     `json:"vehicle_id"`
	Category      string    `json:"category"`
	Date          time.Time `json:"date"`
	CurrentKm     float64   `json:"current_km,omitempty"`
	Liters        float64   `json:"liters,omitempty"`
	PricePerLiter float64   `json:"price_per_liter,omitempty"`
	TotalValue    float64   `json:"total_value,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	State         SyncState `json:"sync_state"`
	LastError     string    `json:"last_error,omitempty"`
}

// Validate checks the expense's required fields.
func (e *ExpenseRecord) Validate() error {
	if e.VehicleID <= 0 {
		return fmt.Errorf("%w: vehicle id required", ErrInvalidExpense)
	}
	if e.Category == "" {
		return fmt.Errorf("%w: category required", ErrInvalidExpense)
	}
	if e.Date.IsZero() {
		return fmt.Errorf("%w: date required", ErrInvalidExpense)
	}
	if e.Liters < 0 || e.PricePerLiter < 0 || e.TotalValue < 0 {
		return fmt.Errorf("%w: negative amount", ErrInvalidExpense)
	}
	return nil
}

// ComputeTotal fills TotalValue from liters and unit price when the caller
// did not supply one. A client-supplied total always wins; the server accepts
// whichever value is sent.
func (e *ExpenseRecord) ComputeTotal() {
	if e.TotalValue == 0 && e.Liters > 0 && e.PricePerLiter > 0 {
		e.TotalValue = math.Round(e.Liters*e.PricePerLiter*100) / 100
	}
}

// GPSPoint is a single location sample tied to a trip. Points accumulate in a
// bounded queue and are uploaded in batches independent of trip sync status.
type GPSPoint struct {
	QueueID      int64     `json:"queue_id,omitempty"`
	TripLocalID  string    `json:"trip_local_id,omitempty"`
	TripServerID int64     `json:"trip_server_id,omitempty"`
	VehicleID    int64     `json:"vehicle_id"`
	DriverID     int64     `json:"driver_id"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Accuracy     float64   `json:"accuracy,omitempty"`
	Speed        float64   `json:"speed,omitempty"`
	Altitude     float64   `json:"altitude,omitempty"`
	Heading      float64   `json:"heading,omitempty"`
	SampledAt    time.Time `json:"sampled_at"`
	State        SyncState `json:"sync_state"`
}

// Validate checks coordinate ranges and required references.
func (p *GPSPoint) Validate() error {
	if p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("%w: latitude out of range", ErrInvalidGPSPoint)
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w: longitude out of range", ErrInvalidGPSPoint)
	}
	if p.VehicleID <= 0 {
		return fmt.Errorf("%w: vehicle id required", ErrInvalidGPSPoint)
	}
	if p.SampledAt.IsZero() {
		return fmt.Errorf("%w: sample time required", ErrInvalidGPSPoint)
	}
	return nil
}

// Resolved reports whether the point references a server-side trip.
func (p *GPSPoint) Resolved() bool {
	return p.TripServerID != 0
}

// Vehicle is a read-only mirror of server vehicle data, used to populate
// offline forms. Never a source of truth for writes.
type Vehicle struct {
	ID        int64   `json:"id"`
	Plate     string  `json:"plate"`
	Model     string  `json:"model"`
	CurrentKm float64 `json:"current_km"`
	Active    bool    `json:"active"`
}

// Destination is a read-only mirror of server destination data.
type Destination struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

// UsageRecord is a read-only mirror of a recent server-side trip, shown on
// the device so drivers can see recent vehicle usage while offline.
type UsageRecord struct {
	ID            int64     `json:"id"`
	VehicleID     int64     `json:"vehicle_id"`
	DriverID      int64     `json:"driver_id"`
	DepartureTime time.Time `json:"departure_time"`
	ReturnTime    time.Time `json:"return_time,omitempty"`
	KmDeparture   float64   `json:"km_departure"`
	KmReturn      float64   `json:"km_return,omitempty"`
	Destination   string    `json:"destination,omitempty"`
}

// PendingCounts aggregates pending record counts per collection, used to
// drive UI indicators.
type PendingCounts struct {
	Trips     int `json:"trips"`
	Closures  int `json:"closures"`
	Expenses  int `json:"expenses"`
	GPSPoints int `json:"gps_points"`
}

// Total returns the grand total across collections.
func (c PendingCounts) Total() int {
	return c.Trips + c.Closures + c.Expenses + c.GPSPoints
}
