package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warp/attendance-engine/policy"
	"github.com/warp/attendance-engine/position"
	"github.com/warp/attendance-engine/proximity"
	"github.com/warp/attendance-engine/session"
)

// =============================================================================
// FACILITY STORE (session.FacilityDirectory interface)
// =============================================================================

// SaveFacility creates or replaces a facility.
func (s *Store) SaveFacility(ctx context.Context, f proximity.Facility) error {
	if err := proximity.ValidateFacility(f); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return saveFacility(ctx, s.db, f, s.now())
}

// SeedFacilities upserts fs in one transaction, typically from a YAML file
// parsed with proximity.ParseFacilities.
func (s *Store) SeedFacilities(ctx context.Context, fs []proximity.Facility) error {
	for _, f := range fs {
		if err := proximity.ValidateFacility(f); err != nil {
			return fmt.Errorf("facility %s: %w", f.ID, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, f := range fs {
			if err := saveFacility(ctx, tx, f, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func saveFacility(ctx context.Context, db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, f proximity.Facility, now time.Time) error {
	query := `
		INSERT INTO facilities (id, name, latitude, longitude, radius_meters,
			check_in_window_start, check_in_window_end, end_of_day,
			requires_early_checkout_reason, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			radius_meters = excluded.radius_meters,
			check_in_window_start = excluded.check_in_window_start,
			check_in_window_end = excluded.check_in_window_end,
			end_of_day = excluded.end_of_day,
			requires_early_checkout_reason = excluded.requires_early_checkout_reason,
			active = excluded.active,
			updated_at = excluded.updated_at
	`
	ts := now.UTC().Format(time.RFC3339)
	_, err := db.ExecContext(ctx, query,
		f.ID, f.Name, f.Latitude, f.Longitude, f.RadiusMeters,
		timeOfDay(f.CheckInWindowStart), timeOfDay(f.CheckInWindowEnd), timeOfDay(f.EndOfDay),
		f.RequiresEarlyCheckoutReason, f.Active, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("failed to save facility %s: %w", f.ID, err)
	}
	return nil
}

// GetFacility retrieves a facility by ID, or nil.
func (s *Store) GetFacility(ctx context.Context, id proximity.FacilityID) (*proximity.Facility, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fs, err := s.queryFacilities(ctx, facilityColumns+" WHERE id = ?", id)
	if err != nil || len(fs) == 0 {
		return nil, err
	}
	return &fs[0], nil
}

// ListFacilities returns every facility ordered by ID.
func (s *Store) ListFacilities(ctx context.Context) ([]proximity.Facility, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryFacilities(ctx, facilityColumns+" ORDER BY id")
}

// ListActiveFacilities returns the facilities check-ins are evaluated
// against, ordered by ID.
func (s *Store) ListActiveFacilities(ctx context.Context) ([]proximity.Facility, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryFacilities(ctx, facilityColumns+" WHERE active = 1 ORDER BY id")
}

// DeleteFacility removes a facility. Sessions keep their facility ID.
func (s *Store) DeleteFacility(ctx context.Context, id proximity.FacilityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM facilities WHERE id = ?", id)
	return err
}

const facilityColumns = `
	SELECT id, name, latitude, longitude, radius_meters,
		check_in_window_start, check_in_window_end, end_of_day,
		requires_early_checkout_reason, active
	FROM facilities`

func (s *Store) queryFacilities(ctx context.Context, query string, args ...any) ([]proximity.Facility, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var facilities []proximity.Facility
	for rows.Next() {
		var (
			f                   proximity.Facility
			opens, closes, ends sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.Name, &f.Latitude, &f.Longitude, &f.RadiusMeters,
			&opens, &closes, &ends, &f.RequiresEarlyCheckoutReason, &f.Active); err != nil {
			return nil, err
		}
		if f.CheckInWindowStart, err = parseTimeOfDay(opens); err != nil {
			return nil, err
		}
		if f.CheckInWindowEnd, err = parseTimeOfDay(closes); err != nil {
			return nil, err
		}
		if f.EndOfDay, err = parseTimeOfDay(ends); err != nil {
			return nil, err
		}
		facilities = append(facilities, f)
	}
	return facilities, rows.Err()
}

func timeOfDay(t *policy.TimeOfDay) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.String(), Valid: true}
}

func parseTimeOfDay(v sql.NullString) (*policy.TimeOfDay, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := policy.ParseTimeOfDay(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// =============================================================================
// EMPLOYEE STORE (session.IdentityDirectory interface)
// =============================================================================

// Employee represents an employee record.
type Employee struct {
	ID         session.UserID
	Name       string
	Email      string
	Role       string
	Department string
	CreatedAt  time.Time
}

// SaveEmployee saves an employee.
func (s *Store) SaveEmployee(ctx context.Context, emp Employee) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO employees (id, name, email, role, department, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			role = excluded.role,
			department = excluded.department
	`

	_, err := s.db.ExecContext(ctx, query,
		emp.ID, emp.Name, nullString(emp.Email), nullString(emp.Role), nullString(emp.Department),
		s.now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetEmployee retrieves an employee by ID, or nil.
func (s *Store) GetEmployee(ctx context.Context, id session.UserID) (*Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		emp                     Employee
		email, role, department sql.NullString
		createdAt               string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, email, role, department, created_at FROM employees WHERE id = ?",
		id,
	).Scan(&emp.ID, &emp.Name, &email, &role, &department, &createdAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	emp.Email, emp.Role, emp.Department = email.String, role.String, department.String
	emp.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &emp, nil
}

// ListEmployees returns all employees ordered by name.
func (s *Store) ListEmployees(ctx context.Context) ([]Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, email, role, department, created_at FROM employees ORDER BY name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var employees []Employee
	for rows.Next() {
		var (
			emp                     Employee
			email, role, department sql.NullString
			createdAt               string
		)
		if err := rows.Scan(&emp.ID, &emp.Name, &email, &role, &department, &createdAt); err != nil {
			return nil, err
		}
		emp.Email, emp.Role, emp.Department = email.String, role.String, department.String
		emp.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		employees = append(employees, emp)
	}
	return employees, rows.Err()
}

// Profile implements session.IdentityDirectory.
func (s *Store) Profile(ctx context.Context, user session.UserID) (session.UserProfile, error) {
	emp, err := s.GetEmployee(ctx, user)
	if err != nil {
		return session.UserProfile{}, err
	}
	if emp == nil {
		return session.UserProfile{}, session.ErrUserNotFound
	}
	return session.UserProfile{UserID: emp.ID, Name: emp.Name, Role: emp.Role, Department: emp.Department}, nil
}

// =============================================================================
// APPROVAL STORE (session.ApprovalQueue interface)
// =============================================================================

// SubmitRequest stores a pending off-premises request.
func (s *Store) SubmitRequest(ctx context.Context, req session.ApprovalRequest) (session.RequestID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == "" {
		req.ID = session.RequestID(uuid.NewString())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (id, user_id, reason, latitude, longitude, accuracy_m, requested_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		req.ID, req.UserID, req.Reason,
		req.Location.Latitude, req.Location.Longitude, req.Location.AccuracyMeters,
		formatTime(req.RequestedAt), session.ApprovalPending,
	)
	if err != nil {
		return "", fmt.Errorf("failed to save approval request: %w", err)
	}
	return req.ID, nil
}

// GetRequest retrieves an approval request by ID, or nil.
func (s *Store) GetRequest(ctx context.Context, id session.RequestID) (*session.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reqs, err := s.queryRequests(ctx, requestColumns+" WHERE id = ?", id)
	if err != nil || len(reqs) == 0 {
		return nil, err
	}
	return &reqs[0], nil
}

// Pending returns undecided requests, oldest first.
func (s *Store) Pending(ctx context.Context) ([]session.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRequests(ctx, requestColumns+" WHERE status = ? ORDER BY requested_at", session.ApprovalPending)
}

// Decide records a manager's decision and publishes it to subscribers.
// Only pending requests can be decided.
func (s *Store) Decide(ctx context.Context, id session.RequestID, approved bool, decidedBy, note string) (session.ApprovalDecision, error) {
	s.mu.Lock()

	status := session.ApprovalRejected
	if approved {
		status = session.ApprovalApproved
	}
	now := s.now()

	var (
		user, requestedAt string
		lat, lng, acc     sql.NullFloat64
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			"SELECT user_id, status, requested_at, latitude, longitude, accuracy_m FROM approval_requests WHERE id = ?", id,
		).Scan(&user, &current, &requestedAt, &lat, &lng, &acc)
		if errors.Is(err, sql.ErrNoRows) {
			return session.ErrRequestNotFound
		}
		if err != nil {
			return err
		}
		if session.ApprovalStatus(current) != session.ApprovalPending {
			return session.ErrAlreadyDecided
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE approval_requests SET status = ?, decided_by = ?, decided_at = ?, note = ?
			WHERE id = ? AND status = ?
		`, status, nullString(decidedBy), formatTime(now), nullString(note), id, session.ApprovalPending)
		return err
	})
	s.mu.Unlock()
	if err != nil {
		return session.ApprovalDecision{}, err
	}

	at, _ := time.Parse(time.RFC3339Nano, requestedAt)
	d := session.ApprovalDecision{
		RequestID: id,
		UserID:    session.UserID(user),
		Approved:  approved,
		DecidedBy: decidedBy,
		Note:      note,
		DecidedAt: now,

		RequestedAt: at,
		Location: position.Sample{
			Latitude:       lat.Float64,
			Longitude:      lng.Float64,
			AccuracyMeters: acc.Float64,
			CapturedAt:     at,
		},
	}
	s.Publish(d)
	return d, nil
}

const requestColumns = `
	SELECT id, user_id, reason, latitude, longitude, accuracy_m, requested_at,
		status, decided_by, decided_at, note
	FROM approval_requests`

func (s *Store) queryRequests(ctx context.Context, query string, args ...any) ([]session.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []session.ApprovalRequest
	for rows.Next() {
		var (
			r                          session.ApprovalRequest
			lat, lng, acc              sql.NullFloat64
			requestedAt                string
			decidedBy, decidedAt, note sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Reason, &lat, &lng, &acc, &requestedAt,
			&r.Status, &decidedBy, &decidedAt, &note); err != nil {
			return nil, err
		}
		r.RequestedAt, _ = time.Parse(time.RFC3339Nano, requestedAt)
		r.Location = position.Sample{
			Latitude:       lat.Float64,
			Longitude:      lng.Float64,
			AccuracyMeters: acc.Float64,
			CapturedAt:     r.RequestedAt,
		}
		r.DecidedBy, r.Note = decidedBy.String, note.String
		if decidedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, decidedAt.String)
			r.DecidedAt = &t
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}
