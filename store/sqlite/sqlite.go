/*
Package sqlite provides a SQLite-backed implementation of the attendance
collaborators.

PURPOSE:
  Implements every persistence interface the session controller depends on
  (RecordStore, FacilityDirectory, IdentityDirectory, ApprovalQueue) in a
  single database file. The same schema ports to PostgreSQL with minor
  dialect changes.

INTERFACES IMPLEMENTED:
  session.RecordStore:       Check-in / check-out commits, session lookup
  session.FacilityDirectory: Active facilities
  session.IdentityDirectory: Employee role and department
  session.ApprovalQueue:     Off-premises requests and decisions

APPEND-ONLY EVENTS:
  Every commit appends one row to attendance_events keyed by its
  idempotency key (checkin:<user>:<day>, checkout:<user>:<day>):
  - Replaying a commit with the same session ID is a no-op
  - A different session under a used key is session.ErrConflict
  - Events are never updated or deleted; sessions is the derived view

KEY TABLES:
  attendance_events:  Immutable log of check-ins and check-outs
  sessions:           One row per user and local day
  facilities:         Facility directory
  employees:          Identity records (role, department)
  approval_requests:  Off-premises exception requests

INDEXES:
  - idx_sessions_user_day: At most one session per user and day
  - idx_events_user_day: Audit queries
  - idx_approvals_status: Pending queue

CONCURRENCY:
  Writes are serialized with sync.RWMutex. Commits run inside a database
  transaction so the event and the session row land together.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/attendance.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  registry := session.NewRegistry(session.Deps{
      Records:    store,
      Facilities: store,
      Identity:   store,
      Approvals:  store,
  })

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - session/collaborators.go: Interface definitions
  - session/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/attendance-engine/position"
	"github.com/warp/attendance-engine/proximity"
	"github.com/warp/attendance-engine/session"
)

// Store implements the attendance collaborators using SQLite. Approval
// decisions are published to in-process subscribers through the embedded
// Broadcaster.
type Store struct {
	session.Broadcaster

	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Attendance events (append-only)
	CREATE TABLE IF NOT EXISTS attendance_events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		day TEXT NOT NULL,
		event_type TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		facility_id TEXT,
		remote INTEGER NOT NULL DEFAULT 0,
		latitude REAL,
		longitude REAL,
		accuracy_m REAL,
		reason TEXT,
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_user_day
		ON attendance_events(user_id, day);
	CREATE INDEX IF NOT EXISTS idx_events_session
		ON attendance_events(session_id);

	-- Sessions (derived from events)
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		day TEXT NOT NULL,
		day_start TEXT NOT NULL,
		check_in_time TEXT NOT NULL,
		check_in_facility TEXT,
		check_in_remote INTEGER NOT NULL DEFAULT 0,
		check_in_lat REAL,
		check_in_lng REAL,
		check_in_accuracy REAL,
		check_in_source TEXT,
		check_out_time TEXT,
		check_out_facility TEXT,
		lateness_reason TEXT,
		early_checkout_reason TEXT,
		off_premises_request_id TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_user_day
		ON sessions(user_id, day);

	-- Facilities
	CREATE TABLE IF NOT EXISTS facilities (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		radius_meters REAL NOT NULL,
		check_in_window_start TEXT,
		check_in_window_end TEXT,
		end_of_day TEXT,
		requires_early_checkout_reason INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Employees (identity)
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		role TEXT,
		department TEXT,
		created_at TEXT NOT NULL
	);

	-- Off-premises approval requests
	CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		latitude REAL,
		longitude REAL,
		accuracy_m REAL,
		requested_at TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		decided_by TEXT,
		decided_at TEXT,
		note TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_approvals_status
		ON approval_requests(status, requested_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// RECORD STORE (session.RecordStore interface)
// =============================================================================

// Event types recorded in attendance_events.
const (
	EventCheckIn      = "check_in"
	EventCheckOut     = "check_out"
	EventAutoCheckout = "auto_checkout"
)

// CommitCheckIn records the check-in event and opens the day's session.
func (s *Store) CommitCheckIn(ctx context.Context, sess session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		key := session.CheckInKey(sess.UserID, sess.Day)
		done, err := claimKey(ctx, tx, key, sess.ID)
		if err != nil || done {
			return err
		}

		loc := sess.CheckInLocation
		if err := s.appendEvent(ctx, tx, sess, EventCheckIn, sess.CheckInTime, sess.CheckInFacility, &loc, sess.LatenessReason, key); err != nil {
			return err
		}

		now := s.now().UTC().Format(time.RFC3339)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (id, user_id, day, day_start, check_in_time, check_in_facility,
				check_in_remote, check_in_lat, check_in_lng, check_in_accuracy, check_in_source,
				lateness_reason, off_premises_request_id, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			sess.ID, sess.UserID, dayKey(sess.Day), formatTime(sess.Day),
			formatTime(sess.CheckInTime), nullString(string(sess.CheckInFacility)),
			sess.CheckInRemote, loc.Latitude, loc.Longitude, loc.AccuracyMeters, nullString(string(loc.Source)),
			nullString(sess.LatenessReason), nullString(string(sess.OffPremisesRequestID)),
			sess.Status, now, now,
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return session.ErrConflict
			}
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

// CommitCheckOut records the check-out event and closes the open session.
func (s *Store) CommitCheckOut(ctx context.Context, sess session.Session) error {
	if sess.CheckOutTime == nil {
		return fmt.Errorf("commit check-out for session %s: no check-out time", sess.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		key := session.CheckOutKey(sess.UserID, sess.Day)
		done, err := claimKey(ctx, tx, key, sess.ID)
		if err != nil || done {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET
				check_out_time = ?,
				check_out_facility = ?,
				early_checkout_reason = ?,
				status = ?,
				updated_at = ?
			WHERE id = ? AND user_id = ? AND check_out_time IS NULL
		`,
			formatTime(*sess.CheckOutTime), nullString(string(sess.CheckOutFacility)),
			nullString(sess.EarlyCheckoutReason), sess.Status,
			s.now().UTC().Format(time.RFC3339),
			sess.ID, sess.UserID,
		)
		if err != nil {
			return fmt.Errorf("failed to close session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return session.ErrConflict
		}

		eventType := EventCheckOut
		if sess.Status == session.StatusAutoClosed {
			eventType = EventAutoCheckout
		}
		return s.appendEvent(ctx, tx, sess, eventType, *sess.CheckOutTime, sess.CheckOutFacility, nil, sess.EarlyCheckoutReason, key)
	})
}

// FindSession returns the user's session for the local day, or nil.
func (s *Store) FindSession(ctx context.Context, user session.UserID, day time.Time) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions, err := s.querySessions(ctx, sessionColumns+" FROM sessions WHERE user_id = ? AND day = ?", user, dayKey(day))
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

// OpenSessionsBefore returns sessions with no check-out on local days
// before day, oldest first. An empty user matches every user.
func (s *Store) OpenSessionsBefore(ctx context.Context, user session.UserID, day time.Time) ([]session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := sessionColumns + " FROM sessions WHERE check_out_time IS NULL AND day < ?"
	args := []any{dayKey(day)}
	if user != "" {
		query += " AND user_id = ?"
		args = append(args, user)
	}
	return s.querySessions(ctx, query+" ORDER BY day, user_id", args...)
}

// History returns a user's sessions between from and to (inclusive local
// days), oldest first.
func (s *Store) History(ctx context.Context, user session.UserID, from, to time.Time) ([]session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.querySessions(ctx,
		sessionColumns+" FROM sessions WHERE user_id = ? AND day >= ? AND day <= ? ORDER BY day",
		user, dayKey(from), dayKey(to),
	)
}

// Event is one row of the append-only attendance log.
type Event struct {
	ID             string
	SessionID      session.SessionID
	UserID         session.UserID
	Day            string
	Type           string
	OccurredAt     time.Time
	FacilityID     proximity.FacilityID
	Remote         bool
	Reason         string
	IdempotencyKey string
}

// Events returns the user's attendance log in insertion order.
func (s *Store) Events(ctx context.Context, user session.UserID) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, day, event_type, occurred_at, facility_id, remote, reason, idempotency_key
		FROM attendance_events WHERE user_id = ? ORDER BY rowid
	`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                Event
			occurredAt       string
			facility, reason sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.UserID, &e.Day, &e.Type, &occurredAt,
			&facility, &e.Remote, &reason, &e.IdempotencyKey); err != nil {
			return nil, err
		}
		e.OccurredAt, _ = time.Parse(time.RFC3339Nano, occurredAt)
		e.FacilityID = proximity.FacilityID(facility.String)
		e.Reason = reason.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// claimKey checks an idempotency key inside tx. done is true when the same
// session already committed under key.
func claimKey(ctx context.Context, tx *sql.Tx, key string, id session.SessionID) (done bool, err error) {
	var existing string
	err = tx.QueryRowContext(ctx,
		"SELECT session_id FROM attendance_events WHERE idempotency_key = ?", key,
	).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	if session.SessionID(existing) != id {
		return false, session.ErrConflict
	}
	return true, nil
}

func (s *Store) appendEvent(ctx context.Context, tx *sql.Tx, sess session.Session, eventType string,
	at time.Time, facility proximity.FacilityID, loc *position.Sample, reason, key string) error {
	var lat, lng, acc sql.NullFloat64
	if loc != nil {
		lat = sql.NullFloat64{Float64: loc.Latitude, Valid: true}
		lng = sql.NullFloat64{Float64: loc.Longitude, Valid: true}
		acc = sql.NullFloat64{Float64: loc.AccuracyMeters, Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_events
		(id, session_id, user_id, day, event_type, occurred_at, facility_id, remote,
		 latitude, longitude, accuracy_m, reason, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		uuid.NewString(), sess.ID, sess.UserID, dayKey(sess.Day), eventType,
		formatTime(at), nullString(string(facility)), sess.CheckInRemote,
		lat, lng, acc, nullString(reason), key,
		s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return session.ErrConflict
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

const sessionColumns = `
	SELECT id, user_id, day_start, check_in_time, check_in_facility, check_in_remote,
		check_in_lat, check_in_lng, check_in_accuracy, check_in_source,
		check_out_time, check_out_facility, lateness_reason, early_checkout_reason,
		off_premises_request_id, status`

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func scanSession(rows *sql.Rows) (session.Session, error) {
	var (
		sess                                  session.Session
		dayStart, checkIn                     string
		inFacility, source, checkOut          sql.NullString
		outFacility, lateness, early, request sql.NullString
		lat, lng, acc                         sql.NullFloat64
	)
	err := rows.Scan(
		&sess.ID, &sess.UserID, &dayStart, &checkIn, &inFacility, &sess.CheckInRemote,
		&lat, &lng, &acc, &source,
		&checkOut, &outFacility, &lateness, &early,
		&request, &sess.Status,
	)
	if err != nil {
		return session.Session{}, err
	}

	sess.Day, _ = time.Parse(time.RFC3339Nano, dayStart)
	sess.CheckInTime, _ = time.Parse(time.RFC3339Nano, checkIn)
	sess.CheckInFacility = proximity.FacilityID(inFacility.String)
	sess.CheckInLocation = position.Sample{
		Latitude:       lat.Float64,
		Longitude:      lng.Float64,
		AccuracyMeters: acc.Float64,
		CapturedAt:     sess.CheckInTime,
		Source:         position.Source(source.String),
	}
	if checkOut.Valid {
		t, _ := time.Parse(time.RFC3339Nano, checkOut.String)
		sess.CheckOutTime = &t
	}
	sess.CheckOutFacility = proximity.FacilityID(outFacility.String)
	sess.LatenessReason = lateness.String
	sess.EarlyCheckoutReason = early.String
	sess.OffPremisesRequestID = session.RequestID(request.String)
	return sess, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// withTx runs fn inside a database transaction. Callers hold s.mu.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// formatTime keeps the wall-clock offset so local days survive a round trip.
func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func dayKey(day time.Time) string {
	return day.Format("2006-01-02")
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
