package fleetsync

import (
	"fmt"
	"sync"
	"time"
)

// MemoryStore implements Store entirely in memory. It offers no crash
// durability and exists for tests and short-lived tooling; production
// agents use SQLiteStore.
type MemoryStore struct {
	mu       sync.Mutex
	trips    []*TripRecord
	closures []*TripClosure
	expenses []*ExpenseRecord
	gps      []*GPSPoint
	meta     map[string]string

	vehicles     []Vehicle
	destinations []Destination
	usage        []UsageRecord

	nextQueueID int64
	closed      bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		meta:        make(map[string]string),
		nextQueueID: 1,
	}
}

func (m *MemoryStore) EnqueueTrip(t *TripRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrStoreClosed
	}
	if t.LocalID == "" {
		t.LocalID = NewLocalID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.State = StatePending
	cp := *t
	m.trips = append(m.trips, &cp)
	return t.LocalID, nil
}

func (m *MemoryStore) EnqueueClosure(c *TripClosure) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrStoreClosed
	}
	if c.LocalID == "" {
		c.LocalID = NewLocalID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.State = StatePending
	cp := *c
	m.closures = append(m.closures, &cp)
	return c.LocalID, nil
}

func (m *MemoryStore) EnqueueExpense(e *ExpenseRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrStoreClosed
	}
	if e.LocalID == "" {
		e.LocalID = NewLocalID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.State = StatePending
	cp := *e
	m.expenses = append(m.expenses, &cp)
	return e.LocalID, nil
}

func (m *MemoryStore) EnqueueGPS(p *GPSPoint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	if p.SampledAt.IsZero() {
		p.SampledAt = time.Now()
	}
	p.State = StatePending
	p.QueueID = m.nextQueueID
	m.nextQueueID++
	cp := *p
	m.gps = append(m.gps, &cp)
	return p.QueueID, nil
}

func (m *MemoryStore) PendingTrips() ([]*TripRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	var out []*TripRecord
	for _, t := range m.trips {
		if t.State == StatePending {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) PendingClosures() ([]*TripClosure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	var out []*TripClosure
	for _, c := range m.closures {
		if c.State == StatePending {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) PendingExpenses() ([]*ExpenseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	var out []*ExpenseRecord
	for _, e := range m.expenses {
		if e.State == StatePending {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) PendingGPS() ([]*GPSPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	var out []*GPSPoint
	for _, p := range m.gps {
		if p.State == StatePending {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkSynced(col Collection, localID string, serverID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	switch col {
	case CollectionTrips:
		for _, t := range m.trips {
			if t.LocalID == localID {
				if t.State != StateSynced {
					t.State = StateSynced
					t.ServerID = serverID
					t.LastError = ""
				}
				return nil
			}
		}
	case CollectionClosures:
		for _, c := range m.closures {
			if c.LocalID == localID {
				if c.State != StateSynced {
					c.State = StateSynced
					c.LastError = ""
				}
				return nil
			}
		}
	case CollectionExpenses:
		for _, e := range m.expenses {
			if e.LocalID == localID {
				if e.State != StateSynced {
					e.State = StateSynced
					e.ServerID = serverID
					e.LastError = ""
				}
				return nil
			}
		}
	default:
		return fmt.Errorf("unknown collection %q", col)
	}
	return fmt.Errorf("%w: %s/%s", ErrNotFound, col, localID)
}

func (m *MemoryStore) MarkFailed(col Collection, localID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	switch col {
	case CollectionTrips:
		for _, t := range m.trips {
			if t.LocalID == localID && t.State == StatePending {
				t.State = StateFailed
				t.LastError = message
				return nil
			}
		}
	case CollectionClosures:
		for _, c := range m.closures {
			if c.LocalID == localID && c.State == StatePending {
				c.State = StateFailed
				c.LastError = message
				return nil
			}
		}
	case CollectionExpenses:
		for _, e := range m.expenses {
			if e.LocalID == localID && e.State == StatePending {
				e.State = StateFailed
				e.LastError = message
				return nil
			}
		}
	default:
		return fmt.Errorf("unknown collection %q", col)
	}
	return fmt.Errorf("%w: %s/%s", ErrNotFound, col, localID)
}

func (m *MemoryStore) RetryFailed(col Collection, localID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	switch col {
	case CollectionTrips:
		for _, t := range m.trips {
			if t.LocalID == localID && t.State == StateFailed {
				t.State = StatePending
				t.LastError = ""
				return nil
			}
		}
	case CollectionClosures:
		for _, c := range m.closures {
			if c.LocalID == localID && c.State == StateFailed {
				c.State = StatePending
				c.LastError = ""
				return nil
			}
		}
	case CollectionExpenses:
		for _, e := range m.expenses {
			if e.LocalID == localID && e.State == StateFailed {
				e.State = StatePending
				e.LastError = ""
				return nil
			}
		}
	default:
		return fmt.Errorf("unknown collection %q", col)
	}
	return fmt.Errorf("%w: %s/%s", ErrNotFound, col, localID)
}

func (m *MemoryStore) Remove(col Collection, localID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	switch col {
	case CollectionTrips:
		for i, t := range m.trips {
			if t.LocalID == localID {
				m.trips = append(m.trips[:i], m.trips[i+1:]...)
				return nil
			}
		}
	case CollectionClosures:
		for i, c := range m.closures {
			if c.LocalID == localID {
				m.closures = append(m.closures[:i], m.closures[i+1:]...)
				return nil
			}
		}
	case CollectionExpenses:
		for i, e := range m.expenses {
			if e.LocalID == localID {
				m.expenses = append(m.expenses[:i], m.expenses[i+1:]...)
				return nil
			}
		}
	default:
		return fmt.Errorf("unknown collection %q", col)
	}
	return fmt.Errorf("%w: %s/%s", ErrNotFound, col, localID)
}

func (m *MemoryStore) Trip(localID string) (*TripRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	for _, t := range m.trips {
		if t.LocalID == localID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: trips/%s", ErrNotFound, localID)
}

func (m *MemoryStore) ResolveTripRefs(tripLocalID string, serverID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	for _, c := range m.closures {
		if c.TripLocalID == tripLocalID && c.TripServerID == 0 {
			c.TripServerID = serverID
		}
	}
	for _, p := range m.gps {
		if p.TripLocalID == tripLocalID && p.TripServerID == 0 {
			p.TripServerID = serverID
		}
	}
	return nil
}

func (m *MemoryStore) MarkGPSSynced(queueIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	ids := make(map[int64]struct{}, len(queueIDs))
	for _, id := range queueIDs {
		ids[id] = struct{}{}
	}
	for _, p := range m.gps {
		if _, ok := ids[p.QueueID]; ok {
			p.State = StateSynced
		}
	}
	return nil
}

func (m *MemoryStore) GPSQueueSize() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	return len(m.gps), nil
}

func (m *MemoryStore) EvictOldestUnsyncedGPS(n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	evicted := 0
	kept := m.gps[:0]
	for _, p := range m.gps {
		if evicted < n && p.State == StatePending {
			evicted++
			continue
		}
		kept = append(kept, p)
	}
	m.gps = kept
	return evicted, nil
}

func (m *MemoryStore) CountPending() (PendingCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var counts PendingCounts
	if m.closed {
		return counts, ErrStoreClosed
	}
	for _, t := range m.trips {
		if t.State == StatePending {
			counts.Trips++
		}
	}
	for _, c := range m.closures {
		if c.State == StatePending {
			counts.Closures++
		}
	}
	for _, e := range m.expenses {
		if e.State == StatePending {
			counts.Expenses++
		}
	}
	for _, p := range m.gps {
		if p.State == StatePending {
			counts.GPSPoints++
		}
	}
	return counts, nil
}

func (m *MemoryStore) PurgeSynced(olderThan time.Time) (*PurgeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	result := &PurgeResult{}

	keptTrips := m.trips[:0]
	for _, t := range m.trips {
		if t.State == StateSynced && t.CreatedAt.Before(olderThan) {
			result.Trips = append(result.Trips, t)
			continue
		}
		keptTrips = append(keptTrips, t)
	}
	m.trips = keptTrips

	keptClosures := m.closures[:0]
	for _, c := range m.closures {
		if c.State == StateSynced && c.CreatedAt.Before(olderThan) {
			result.Closures = append(result.Closures, c)
			continue
		}
		keptClosures = append(keptClosures, c)
	}
	m.closures = keptClosures

	keptExpenses := m.expenses[:0]
	for _, e := range m.expenses {
		if e.State == StateSynced && e.CreatedAt.Before(olderThan) {
			result.Expenses = append(result.Expenses, e)
			continue
		}
		keptExpenses = append(keptExpenses, e)
	}
	m.expenses = keptExpenses

	keptGPS := m.gps[:0]
	for _, p := range m.gps {
		if p.State == StateSynced && p.SampledAt.Before(olderThan) {
			result.GPS++
			continue
		}
		keptGPS = append(keptGPS, p)
	}
	m.gps = keptGPS

	return result, nil
}

func (m *MemoryStore) PutMeta(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.meta[key] = value
	return nil
}

func (m *MemoryStore) GetMeta(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrStoreClosed
	}
	return m.meta[key], nil
}

func (m *MemoryStore) ReplaceVehicles(v []Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.vehicles = append([]Vehicle(nil), v...)
	return nil
}

func (m *MemoryStore) ReplaceDestinations(d []Destination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.destinations = append([]Destination(nil), d...)
	return nil
}

func (m *MemoryStore) ReplaceUsage(u []UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.usage = append([]UsageRecord(nil), u...)
	return nil
}

func (m *MemoryStore) Vehicles() ([]Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	return append([]Vehicle(nil), m.vehicles...), nil
}

func (m *MemoryStore) Destinations() ([]Destination, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	return append([]Destination(nil), m.destinations...), nil
}

func (m *MemoryStore) RecentUsage() ([]UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	return append([]UsageRecord(nil), m.usage...), nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
