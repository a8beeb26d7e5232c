package fleetsync

import "time"

// Store is the local durable store. It exclusively owns all locally created
// records: pending outbound mutations, the GPS point queue, read-through
// reference mirrors and sync bookkeeping. It makes no network calls.
//
// Every operation is atomic per record: a read-modify-write of a single
// record is never interleaved with another write to that same record.
// Listing methods return pending records in FIFO order by creation time,
// which the orchestrator relies on for dependency ordering.
type Store interface {
	// EnqueueTrip persists a new pending trip, assigning a local ID when
	// absent. A write that cannot be durably committed surfaces an error.
	EnqueueTrip(t *TripRecord) (string, error)

	// EnqueueClosure persists a new pending trip closure.
	EnqueueClosure(c *TripClosure) (string, error)

	// EnqueueExpense persists a new pending expense.
	EnqueueExpense(e *ExpenseRecord) (string, error)

	// EnqueueGPS appends a point to the GPS queue and returns its queue ID.
	// Queue bounding is the batcher's concern, not the store's.
	EnqueueGPS(p *GPSPoint) (int64, error)

	// PendingTrips returns pending trips, oldest first.
	PendingTrips() ([]*TripRecord, error)

	// PendingClosures returns pending closures, oldest first.
	PendingClosures() ([]*TripClosure, error)

	// PendingExpenses returns pending expenses, oldest first.
	PendingExpenses() ([]*ExpenseRecord, error)

	// PendingGPS returns queued unsynced points, oldest first.
	PendingGPS() ([]*GPSPoint, error)

	// MarkSynced transitions a record to StateSynced and attaches the
	// server-assigned identifier where applicable. Marking an already
	// synced record again is a no-op.
	MarkSynced(col Collection, localID string, serverID int64) error

	// MarkFailed records a permanent validation rejection. Failed records
	// are excluded from pending listings until RetryFailed.
	MarkFailed(col Collection, localID, message string) error

	// RetryFailed returns a failed record to StatePending after user
	// correction.
	RetryFailed(col Collection, localID string) error

	// Remove hard-deletes a record from its collection.
	Remove(col Collection, localID string) error

	// Trip returns a trip by local ID, or ErrNotFound.
	Trip(localID string) (*TripRecord, error)

	// ResolveTripRefs rewrites closures and GPS points referencing the
	// given local trip ID to carry the trip's server ID.
	ResolveTripRefs(tripLocalID string, serverID int64) error

	// MarkGPSSynced marks the given queue entries synced.
	MarkGPSSynced(queueIDs []int64) error

	// GPSQueueSize returns the total number of queued points, synced or not.
	GPSQueueSize() (int, error)

	// EvictOldestUnsyncedGPS removes up to n of the oldest unsynced points
	// and returns how many were evicted. Synced points are never evicted
	// here; they leave through the retention purge.
	EvictOldestUnsyncedGPS(n int) (int, error)

	// CountPending returns per-collection pending counts.
	CountPending() (PendingCounts, error)

	// PurgeSynced removes synced records created before the cutoff and
	// returns them so they can be archived.
	PurgeSynced(olderThan time.Time) (*PurgeResult, error)

	// PutMeta and GetMeta store orchestrator bookkeeping key/value pairs.
	// GetMeta returns "" for missing keys.
	PutMeta(key, value string) error
	GetMeta(key string) (string, error)

	// Reference mirrors, overwritten wholesale on each successful fetch.
	ReplaceVehicles(v []Vehicle) error
	ReplaceDestinations(d []Destination) error
	ReplaceUsage(u []UsageRecord) error
	Vehicles() ([]Vehicle, error)
	Destinations() ([]Destination, error)
	RecentUsage() ([]UsageRecord, error)

	Close() error
}

// PurgeResult holds the records removed by a retention purge, handed to the
// archive writer before they are gone for good.
type PurgeResult struct {
	Trips    []*TripRecord
	Closures []*TripClosure
	Expenses []*ExpenseRecord
	GPS      int
}

// Empty reports whether the purge removed nothing.
func (r *PurgeResult) Empty() bool {
	return len(r.Trips) == 0 && len(r.Closures) == 0 && len(r.Expenses) == 0 && r.GPS == 0
}

// Bookkeeping keys used with PutMeta/GetMeta.
const (
	metaLastFullSync   = "last_full_sync"
	metaConsecutiveErr = "consecutive_sync_failures"
)
