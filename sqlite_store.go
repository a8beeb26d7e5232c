package fleetsync

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteStoreConfig configures the SQLite-backed durable store.
type SQLiteStoreConfig struct {
	// Path to the SQLite database file
	Path string `yaml:"path"`

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string `yaml:"journal_mode"`

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string `yaml:"synchronous"`

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int `yaml:"busy_timeout"`

	// Encryptor, when non-nil, encrypts incident photo blobs at rest.
	Encryptor *Encryptor `yaml:"-"`
}

// DefaultSQLiteStoreConfig returns default configuration.
func DefaultSQLiteStoreConfig() SQLiteStoreConfig {
	return SQLiteStoreConfig{
		Path:        "fleetsync.db",
		JournalMode: "WAL",
		Synchronous: "NORMAL",
		BusyTimeout: 5000,
	}
}

// SQLiteStore implements Store using SQLite. Records survive crashes and
// process restarts; the file can be inspected with standard SQLite tools.
type SQLiteStore struct {
	db     *sql.DB
	config SQLiteStoreConfig
	mu     sync.Mutex
	closed bool
}

// NewSQLiteStore opens (creating if needed) the durable store at the
// configured path.
func NewSQLiteStore(config SQLiteStoreConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		config.Path = "fleetsync.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	// A single writer keeps per-record read-modify-write atomic without
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, config: config}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS trips (
			local_id       TEXT PRIMARY KEY,
			server_id      INTEGER NOT NULL DEFAULT 0,
			vehicle_id     INTEGER NOT NULL,
			driver_id      INTEGER NOT NULL,
			destination_id INTEGER NOT NULL DEFAULT 0,
			departure_time INTEGER NOT NULL,
			km_departure   REAL NOT NULL,
			notes          TEXT NOT NULL DEFAULT '',
			incident_photo BLOB,
			created_at     INTEGER NOT NULL,
			sync_state     INTEGER NOT NULL DEFAULT 0,
			last_error     TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS trip_closures (
			local_id       TEXT PRIMARY KEY,
			trip_local_id  TEXT NOT NULL DEFAULT '',
			trip_server_id INTEGER NOT NULL DEFAULT 0,
			return_time    INTEGER NOT NULL,
			km_return      REAL NOT NULL,
			created_at     INTEGER NOT NULL,
			sync_state     INTEGER NOT NULL DEFAULT 0,
			last_error     TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS expenses (
			local_id        TEXT PRIMARY KEY,
			server_id       INTEGER NOT NULL DEFAULT 0,
			vehicle_id      INTEGER NOT NULL,
			category        TEXT NOT NULL,
			expense_date    INTEGER NOT NULL,
			current_km      REAL NOT NULL DEFAULT 0,
			liters          REAL NOT NULL DEFAULT 0,
			price_per_liter REAL NOT NULL DEFAULT 0,
			total_value     REAL NOT NULL DEFAULT 0,
			notes           TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL,
			sync_state      INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS gps_points (
			queue_id       INTEGER PRIMARY KEY AUTOINCREMENT,
			trip_local_id  TEXT NOT NULL DEFAULT '',
			trip_server_id INTEGER NOT NULL DEFAULT 0,
			vehicle_id     INTEGER NOT NULL,
			driver_id      INTEGER NOT NULL,
			latitude       REAL NOT NULL,
			longitude      REAL NOT NULL,
			accuracy       REAL NOT NULL DEFAULT 0,
			speed          REAL NOT NULL DEFAULT 0,
			altitude       REAL NOT NULL DEFAULT 0,
			heading        REAL NOT NULL DEFAULT 0,
			sampled_at     INTEGER NOT NULL,
			sync_state     INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS sync_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		-- Reference mirrors are overwritten wholesale, so one JSON blob per
		-- collection is enough.
		CREATE TABLE IF NOT EXISTS reference_cache (
			collection TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			fetched_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_trips_state_created ON trips(sync_state, created_at);
		CREATE INDEX IF NOT EXISTS idx_closures_state_created ON trip_closures(sync_state, created_at);
		CREATE INDEX IF NOT EXISTS idx_closures_trip_ref ON trip_closures(trip_local_id);
		CREATE INDEX IF NOT EXISTS idx_expenses_state_created ON expenses(sync_state, created_at);
		CREATE INDEX IF NOT EXISTS idx_gps_state ON gps_points(sync_state, queue_id);
		CREATE INDEX IF NOT EXISTS idx_gps_trip_ref ON gps_points(trip_local_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// collectionTable maps collections with string local IDs to their tables.
func collectionTable(col Collection) (string, error) {
	switch col {
	case CollectionTrips:
		return "trips", nil
	case CollectionClosures:
		return "trip_closures", nil
	case CollectionExpenses:
		return "expenses", nil
	default:
		return "", fmt.Errorf("unknown collection %q", col)
	}
}

// EnqueueTrip persists a new pending trip.
func (s *SQLiteStore) EnqueueTrip(t *TripRecord) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	if t.LocalID == "" {
		t.LocalID = NewLocalID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.State = StatePending

	photo := t.IncidentPhoto
	if len(photo) > 0 && s.config.Encryptor != nil {
		enc, err := s.config.Encryptor.Encrypt(photo)
		if err != nil {
			return "", fmt.Errorf("encrypt incident photo: %w", err)
		}
		photo = enc
	}

	_, err := s.db.Exec(`
		INSERT INTO trips (local_id, vehicle_id, driver_id, destination_id,
			departure_time, km_departure, notes, incident_photo, created_at, sync_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.LocalID, t.VehicleID, t.DriverID, t.DestinationID,
		t.DepartureTime.UnixNano(), t.KmDeparture, t.Notes, photo,
		t.CreatedAt.UnixNano(), int(StatePending))
	if err != nil {
		return "", fmt.Errorf("failed to enqueue trip: %w", err)
	}
	return t.LocalID, nil
}

// EnqueueClosure persists a new pending trip closure.
func (s *SQLiteStore) EnqueueClosure(c *TripClosure) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	if c.LocalID == "" {
		c.LocalID = NewLocalID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.State = StatePending

	_, err := s.db.Exec(`
		INSERT INTO trip_closures (local_id, trip_local_id, trip_server_id,
			return_time, km_return, created_at, sync_state)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.LocalID, c.TripLocalID, c.TripServerID,
		c.ReturnTime.UnixNano(), c.KmReturn, c.CreatedAt.UnixNano(), int(StatePending))
	if err != nil {
		return "", fmt.Errorf("failed to enqueue closure: %w", err)
	}
	return c.LocalID, nil
}

// EnqueueExpense persists a new pending expense.
func (s *SQLiteStore) EnqueueExpense(e *ExpenseRecord) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	if e.LocalID == "" {
		e.LocalID = NewLocalID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.State = StatePending

	_, err := s.db.Exec(`
		INSERT INTO expenses (local_id, vehicle_id, category, expense_date,
			current_km, liters, price_per_liter, total_value, notes, created_at, sync_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.LocalID, e.VehicleID, e.Category, e.Date.UnixNano(),
		e.CurrentKm, e.Liters, e.PricePerLiter, e.TotalValue, e.Notes,
		e.CreatedAt.UnixNano(), int(StatePending))
	if err != nil {
		return "", fmt.Errorf("failed to enqueue expense: %w", err)
	}
	return e.LocalID, nil
}

// EnqueueGPS appends a point to the GPS queue.
func (s *SQLiteStore) EnqueueGPS(p *GPSPoint) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if p.SampledAt.IsZero() {
		p.SampledAt = time.Now()
	}
	p.State = StatePending

	res, err := s.db.Exec(`
		INSERT INTO gps_points (trip_local_id, trip_server_id, vehicle_id, driver_id,
			latitude, longitude, accuracy, speed, altitude, heading, sampled_at, sync_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.TripLocalID, p.TripServerID, p.VehicleID, p.DriverID,
		p.Latitude, p.Longitude, p.Accuracy, p.Speed, p.Altitude, p.Heading,
		p.SampledAt.UnixNano(), int(StatePending))
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue gps point: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read gps queue id: %w", err)
	}
	p.QueueID = id
	return id, nil
}

// PendingTrips returns pending trips in FIFO order.
func (s *SQLiteStore) PendingTrips() ([]*TripRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT local_id, server_id, vehicle_id, driver_id, destination_id,
			departure_time, km_departure, notes, incident_photo, created_at,
			sync_state, last_error
		FROM trips WHERE sync_state = ? ORDER BY created_at ASC, local_id ASC`,
		int(StatePending))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending trips: %w", err)
	}
	defer rows.Close()

	var out []*TripRecord
	for rows.Next() {
		t, err := s.scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanTrip(row rowScanner) (*TripRecord, error) {
	var t TripRecord
	var dep, created int64
	var state int
	var photo []byte
	if err := row.Scan(&t.LocalID, &t.ServerID, &t.VehicleID, &t.DriverID,
		&t.DestinationID, &dep, &t.KmDeparture, &t.Notes, &photo, &created,
		&state, &t.LastError); err != nil {
		return nil, fmt.Errorf("failed to scan trip: %w", err)
	}
	if len(photo) > 0 && s.config.Encryptor != nil {
		dec, err := s.config.Encryptor.Decrypt(photo)
		if err != nil {
			return nil, fmt.Errorf("decrypt incident photo: %w", err)
		}
		photo = dec
	}
	t.IncidentPhoto = photo
	t.DepartureTime = time.Unix(0, dep)
	t.CreatedAt = time.Unix(0, created)
	t.State = SyncState(state)
	return &t, nil
}

// PendingClosures returns pending closures in FIFO order.
func (s *SQLiteStore) PendingClosures() ([]*TripClosure, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT local_id, trip_local_id, trip_server_id, return_time, km_return,
			created_at, sync_state, last_error
		FROM trip_closures WHERE sync_state = ? ORDER BY created_at ASC, local_id ASC`,
		int(StatePending))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending closures: %w", err)
	}
	defer rows.Close()

	var out []*TripClosure
	for rows.Next() {
		var c TripClosure
		var ret, created int64
		var state int
		if err := rows.Scan(&c.LocalID, &c.TripLocalID, &c.TripServerID,
			&ret, &c.KmReturn, &created, &state, &c.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan closure: %w", err)
		}
		c.ReturnTime = time.Unix(0, ret)
		c.CreatedAt = time.Unix(0, created)
		c.State = SyncState(state)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// PendingExpenses returns pending expenses in FIFO order.
func (s *SQLiteStore) PendingExpenses() ([]*ExpenseRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT local_id, server_id, vehicle_id, category, expense_date, current_km,
			liters, price_per_liter, total_value, notes, created_at, sync_state, last_error
		FROM expenses WHERE sync_state = ? ORDER BY created_at ASC, local_id ASC`,
		int(StatePending))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending expenses: %w", err)
	}
	defer rows.Close()

	var out []*ExpenseRecord
	for rows.Next() {
		var e ExpenseRecord
		var date, created int64
		var state int
		if err := rows.Scan(&e.LocalID, &e.ServerID, &e.VehicleID, &e.Category,
			&date, &e.CurrentKm, &e.Liters, &e.PricePerLiter, &e.TotalValue,
			&e.Notes, &created, &state, &e.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan expense: %w", err)
		}
		e.Date = time.Unix(0, date)
		e.CreatedAt = time.Unix(0, created)
		e.State = SyncState(state)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PendingGPS returns queued unsynced points in FIFO order.
func (s *SQLiteStore) PendingGPS() ([]*GPSPoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT queue_id, trip_local_id, trip_server_id, vehicle_id, driver_id,
			latitude, longitude, accuracy, speed, altitude, heading, sampled_at, sync_state
		FROM gps_points WHERE sync_state = ? ORDER BY queue_id ASC`,
		int(StatePending))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending gps points: %w", err)
	}
	defer rows.Close()

	var out []*GPSPoint
	for rows.Next() {
		var p GPSPoint
		var sampled int64
		var state int
		if err := rows.Scan(&p.QueueID, &p.TripLocalID, &p.TripServerID,
			&p.VehicleID, &p.DriverID, &p.Latitude, &p.Longitude, &p.Accuracy,
			&p.Speed, &p.Altitude, &p.Heading, &sampled, &state); err != nil {
			return nil, fmt.Errorf("failed to scan gps point: %w", err)
		}
		p.SampledAt = time.Unix(0, sampled)
		p.State = SyncState(state)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// MarkSynced transitions a record to StateSynced. Idempotent.
func (s *SQLiteStore) MarkSynced(col Collection, localID string, serverID int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	table, err := collectionTable(col)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin mark-synced: %w", err)
	}
	defer tx.Rollback()

	var state int
	err = tx.QueryRow("SELECT sync_state FROM "+table+" WHERE local_id = ?", localID).Scan(&state)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, col, localID)
	}
	if err != nil {
		return fmt.Errorf("failed to read sync state: %w", err)
	}
	if SyncState(state) == StateSynced {
		// Already synced; keep the original server ID.
		return nil
	}

	if col == CollectionClosures {
		_, err = tx.Exec("UPDATE "+table+" SET sync_state = ?, last_error = '' WHERE local_id = ?",
			int(StateSynced), localID)
	} else {
		_, err = tx.Exec("UPDATE "+table+" SET sync_state = ?, server_id = ?, last_error = '' WHERE local_id = ?",
			int(StateSynced), serverID, localID)
	}
	if err != nil {
		return fmt.Errorf("failed to mark synced: %w", err)
	}
	return tx.Commit()
}

// MarkFailed records a permanent rejection against a record.
func (s *SQLiteStore) MarkFailed(col Collection, localID, message string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	table, err := collectionTable(col)
	if err != nil {
		return err
	}
	res, err := s.db.Exec("UPDATE "+table+" SET sync_state = ?, last_error = ? WHERE local_id = ? AND sync_state = ?",
		int(StateFailed), message, localID, int(StatePending))
	if err != nil {
		return fmt.Errorf("failed to mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, col, localID)
	}
	return nil
}

// RetryFailed returns a failed record to the pending queue.
func (s *SQLiteStore) RetryFailed(col Collection, localID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	table, err := collectionTable(col)
	if err != nil {
		return err
	}
	res, err := s.db.Exec("UPDATE "+table+" SET sync_state = ?, last_error = '' WHERE local_id = ? AND sync_state = ?",
		int(StatePending), localID, int(StateFailed))
	if err != nil {
		return fmt.Errorf("failed to retry record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, col, localID)
	}
	return nil
}

// Remove hard-deletes a record.
func (s *SQLiteStore) Remove(col Collection, localID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	table, err := collectionTable(col)
	if err != nil {
		return err
	}
	res, err := s.db.Exec("DELETE FROM "+table+" WHERE local_id = ?", localID)
	if err != nil {
		return fmt.Errorf("failed to remove record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, col, localID)
	}
	return nil
}

// Trip returns a trip by local ID.
func (s *SQLiteStore) Trip(localID string) (*TripRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRow(`
		SELECT local_id, server_id, vehicle_id, driver_id, destination_id,
			departure_time, km_departure, notes, incident_photo, created_at,
			sync_state, last_error
		FROM trips WHERE local_id = ?`, localID)
	t, err := s.scanTrip(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: trips/%s", ErrNotFound, localID)
		}
		return nil, err
	}
	return t, nil
}

// ResolveTripRefs rewrites dependent closures and GPS points to carry the
// trip's server-assigned ID.
func (s *SQLiteStore) ResolveTripRefs(tripLocalID string, serverID int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin ref rewrite: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE trip_closures SET trip_server_id = ? WHERE trip_local_id = ? AND trip_server_id = 0`,
		serverID, tripLocalID); err != nil {
		return fmt.Errorf("failed to rewrite closure refs: %w", err)
	}
	if _, err := tx.Exec(`UPDATE gps_points SET trip_server_id = ? WHERE trip_local_id = ? AND trip_server_id = 0`,
		serverID, tripLocalID); err != nil {
		return fmt.Errorf("failed to rewrite gps refs: %w", err)
	}
	return tx.Commit()
}

// MarkGPSSynced marks the given queue entries synced.
func (s *SQLiteStore) MarkGPSSynced(queueIDs []int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(queueIDs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin gps mark: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("UPDATE gps_points SET sync_state = ? WHERE queue_id = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare gps mark: %w", err)
	}
	defer stmt.Close()

	for _, id := range queueIDs {
		if _, err := stmt.Exec(int(StateSynced), id); err != nil {
			return fmt.Errorf("failed to mark gps point %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// GPSQueueSize returns the total number of queued points.
func (s *SQLiteStore) GPSQueueSize() (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM gps_points").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count gps queue: %w", err)
	}
	return n, nil
}

// EvictOldestUnsyncedGPS removes up to n of the oldest unsynced points.
func (s *SQLiteStore) EvictOldestUnsyncedGPS(n int) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, nil
	}
	res, err := s.db.Exec(`
		DELETE FROM gps_points WHERE queue_id IN (
			SELECT queue_id FROM gps_points WHERE sync_state = ?
			ORDER BY queue_id ASC LIMIT ?
		)`, int(StatePending), n)
	if err != nil {
		return 0, fmt.Errorf("failed to evict gps points: %w", err)
	}
	evicted, _ := res.RowsAffected()
	return int(evicted), nil
}

// CountPending returns per-collection pending counts.
func (s *SQLiteStore) CountPending() (PendingCounts, error) {
	var counts PendingCounts
	if err := s.checkOpen(); err != nil {
		return counts, err
	}
	queries := []struct {
		table string
		dst   *int
	}{
		{"trips", &counts.Trips},
		{"trip_closures", &counts.Closures},
		{"expenses", &counts.Expenses},
		{"gps_points", &counts.GPSPoints},
	}
	for _, q := range queries {
		if err := s.db.QueryRow("SELECT COUNT(*) FROM "+q.table+" WHERE sync_state = ?",
			int(StatePending)).Scan(q.dst); err != nil {
			return counts, fmt.Errorf("failed to count %s: %w", q.table, err)
		}
	}
	return counts, nil
}

// PurgeSynced removes synced records created before the cutoff and returns
// them for archival.
func (s *SQLiteStore) PurgeSynced(olderThan time.Time) (*PurgeResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	cutoff := olderThan.UnixNano()
	result := &PurgeResult{}

	rows, err := s.db.Query(`
		SELECT local_id, server_id, vehicle_id, driver_id, destination_id,
			departure_time, km_departure, notes, incident_photo, created_at,
			sync_state, last_error
		FROM trips WHERE sync_state = ? AND created_at < ?`, int(StateSynced), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to select purged trips: %w", err)
	}
	for rows.Next() {
		t, err := s.scanTrip(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		result.Trips = append(result.Trips, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	closures, err := s.purgeClosures(cutoff)
	if err != nil {
		return nil, err
	}
	result.Closures = closures

	expenses, err := s.purgeExpensesSelect(cutoff)
	if err != nil {
		return nil, err
	}
	result.Expenses = expenses

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin purge: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"trips", "trip_closures", "expenses"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE sync_state = ? AND created_at < ?",
			int(StateSynced), cutoff); err != nil {
			return nil, fmt.Errorf("failed to purge %s: %w", table, err)
		}
	}
	res, err := tx.Exec("DELETE FROM gps_points WHERE sync_state = ? AND sampled_at < ?",
		int(StateSynced), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to purge gps points: %w", err)
	}
	gps, _ := res.RowsAffected()
	result.GPS = int(gps)

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit purge: %w", err)
	}
	return result, nil
}

func (s *SQLiteStore) purgeClosures(cutoff int64) ([]*TripClosure, error) {
	rows, err := s.db.Query(`
		SELECT local_id, trip_local_id, trip_server_id, return_time, km_return,
			created_at, sync_state, last_error
		FROM trip_closures WHERE sync_state = ? AND created_at < ?`, int(StateSynced), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to select purged closures: %w", err)
	}
	defer rows.Close()

	var out []*TripClosure
	for rows.Next() {
		var c TripClosure
		var ret, created int64
		var state int
		if err := rows.Scan(&c.LocalID, &c.TripLocalID, &c.TripServerID,
			&ret, &c.KmReturn, &created, &state, &c.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan purged closure: %w", err)
		}
		c.ReturnTime = time.Unix(0, ret)
		c.CreatedAt = time.Unix(0, created)
		c.State = SyncState(state)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) purgeExpensesSelect(cutoff int64) ([]*ExpenseRecord, error) {
	rows, err := s.db.Query(`
		SELECT local_id, server_id, vehicle_id, category, expense_date, current_km,
			liters, price_per_liter, total_value, notes, created_at, sync_state, last_error
		FROM expenses WHERE sync_state = ? AND created_at < ?`, int(StateSynced), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to select purged expenses: %w", err)
	}
	defer rows.Close()

	var out []*ExpenseRecord
	for rows.Next() {
		var e ExpenseRecord
		var date, created int64
		var state int
		if err := rows.Scan(&e.LocalID, &e.ServerID, &e.VehicleID, &e.Category,
			&date, &e.CurrentKm, &e.Liters, &e.PricePerLiter, &e.TotalValue,
			&e.Notes, &created, &state, &e.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan purged expense: %w", err)
		}
		e.Date = time.Unix(0, date)
		e.CreatedAt = time.Unix(0, created)
		e.State = SyncState(state)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PutMeta stores an orchestrator bookkeeping value.
func (s *SQLiteStore) PutMeta(key, value string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.Exec("INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)", key, value); err != nil {
		return fmt.Errorf("failed to put meta %q: %w", key, err)
	}
	return nil
}

// GetMeta returns a bookkeeping value, or "" when missing.
func (s *SQLiteStore) GetMeta(key string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	var value string
	err := s.db.QueryRow("SELECT value FROM sync_meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) replaceReference(collection string, payload any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s mirror: %w", collection, err)
	}
	if _, err := s.db.Exec("INSERT OR REPLACE INTO reference_cache (collection, payload, fetched_at) VALUES (?, ?, ?)",
		collection, string(data), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to store %s mirror: %w", collection, err)
	}
	return nil
}

func (s *SQLiteStore) loadReference(collection string, dst any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var payload string
	err := s.db.QueryRow("SELECT payload FROM reference_cache WHERE collection = ?", collection).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load %s mirror: %w", collection, err)
	}
	if err := json.Unmarshal([]byte(payload), dst); err != nil {
		return fmt.Errorf("failed to decode %s mirror: %w", collection, err)
	}
	return nil
}

// ReplaceVehicles overwrites the vehicle mirror wholesale.
func (s *SQLiteStore) ReplaceVehicles(v []Vehicle) error {
	return s.replaceReference("vehicles", v)
}

// ReplaceDestinations overwrites the destination mirror wholesale.
func (s *SQLiteStore) ReplaceDestinations(d []Destination) error {
	return s.replaceReference("destinations", d)
}

// ReplaceUsage overwrites the recent-usage mirror wholesale.
func (s *SQLiteStore) ReplaceUsage(u []UsageRecord) error {
	return s.replaceReference("recent_usage", u)
}

// Vehicles returns the cached vehicle mirror.
func (s *SQLiteStore) Vehicles() ([]Vehicle, error) {
	var v []Vehicle
	if err := s.loadReference("vehicles", &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Destinations returns the cached destination mirror.
func (s *SQLiteStore) Destinations() ([]Destination, error) {
	var d []Destination
	if err := s.loadReference("destinations", &d); err != nil {
		return nil, err
	}
	return d, nil
}

// RecentUsage returns the cached recent-usage mirror.
func (s *SQLiteStore) RecentUsage() ([]UsageRecord, error) {
	var u []UsageRecord
	if err := s.loadReference("recent_usage", &u); err != nil {
		return nil, err
	}
	return u, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
