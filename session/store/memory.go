// Package store provides in-memory collaborator implementations for tests
// and local development.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/attendance-engine/proximity"
	"github.com/warp/attendance-engine/session"
)

// =============================================================================
// RECORDS - In-memory attendance record store
// =============================================================================

// Records keeps sessions by user and day. Writes are keyed by
// session.CheckInKey / CheckOutKey: repeating a commit of the same session
// is a no-op, a different session under a used key is ErrConflict.
type Records struct {
	mu          sync.RWMutex
	sessions    map[recordKey]session.Session
	idempotency map[string]session.SessionID
}

type recordKey struct {
	UserID session.UserID
	Day    string
}

func NewRecords() *Records {
	return &Records{
		sessions:    make(map[recordKey]session.Session),
		idempotency: make(map[string]session.SessionID),
	}
}

func dayKey(user session.UserID, day time.Time) recordKey {
	return recordKey{UserID: user, Day: day.Format("2006-01-02")}
}

func (m *Records) CommitCheckIn(_ context.Context, s session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idem := session.CheckInKey(s.UserID, s.Day)
	if id, ok := m.idempotency[idem]; ok {
		if id == s.ID {
			return nil
		}
		return session.ErrConflict
	}
	m.idempotency[idem] = s.ID
	m.sessions[dayKey(s.UserID, s.Day)] = s
	return nil
}

func (m *Records) CommitCheckOut(_ context.Context, s session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idem := session.CheckOutKey(s.UserID, s.Day)
	if id, ok := m.idempotency[idem]; ok {
		if id == s.ID {
			return nil
		}
		return session.ErrConflict
	}
	k := dayKey(s.UserID, s.Day)
	existing, ok := m.sessions[k]
	if !ok || existing.ID != s.ID {
		return session.ErrConflict
	}
	m.idempotency[idem] = s.ID
	m.sessions[k] = s
	return nil
}

func (m *Records) FindSession(_ context.Context, user session.UserID, day time.Time) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[dayKey(user, day)]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Records) OpenSessionsBefore(_ context.Context, user session.UserID, day time.Time) ([]session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	before := day.Format("2006-01-02")
	var out []session.Session
	for k, s := range m.sessions {
		if (user == "" || k.UserID == user) && k.Day < before && s.Open() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Day.Equal(out[j].Day) {
			return out[i].Day.Before(out[j].Day)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// History returns a user's sessions ordered by day.
func (m *Records) History(_ context.Context, user session.UserID) ([]session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []session.Session
	for k, s := range m.sessions {
		if k.UserID == user {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

// =============================================================================
// FACILITIES
// =============================================================================

type Facilities struct {
	mu         sync.RWMutex
	facilities map[proximity.FacilityID]proximity.Facility
}

func NewFacilities(fs ...proximity.Facility) *Facilities {
	d := &Facilities{facilities: make(map[proximity.FacilityID]proximity.Facility)}
	for _, f := range fs {
		d.facilities[f.ID] = f
	}
	return d
}

func (d *Facilities) SaveFacility(_ context.Context, f proximity.Facility) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.facilities[f.ID] = f
	return nil
}

func (d *Facilities) ListFacilities(ctx context.Context) ([]proximity.Facility, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]proximity.Facility, 0, len(d.facilities))
	for _, f := range d.facilities {
		out = append(out, f)
	}
	proximity.SortFacilities(out)
	return out, nil
}

func (d *Facilities) ListActiveFacilities(ctx context.Context) ([]proximity.Facility, error) {
	all, err := d.ListFacilities(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, f := range all {
		if f.Active {
			out = append(out, f)
		}
	}
	return out, nil
}

// =============================================================================
// APPROVALS
// =============================================================================

type Approvals struct {
	session.Broadcaster

	mu       sync.RWMutex
	requests map[session.RequestID]session.ApprovalRequest
	now      func() time.Time
}

func NewApprovals() *Approvals {
	return &Approvals{requests: make(map[session.RequestID]session.ApprovalRequest), now: time.Now}
}

func (a *Approvals) SubmitRequest(_ context.Context, req session.ApprovalRequest) (session.RequestID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if req.ID == "" {
		req.ID = session.RequestID(uuid.NewString())
	}
	req.Status = session.ApprovalPending
	a.requests[req.ID] = req
	return req.ID, nil
}

func (a *Approvals) Pending(_ context.Context) ([]session.ApprovalRequest, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []session.ApprovalRequest
	for _, r := range a.requests {
		if r.Status == session.ApprovalPending {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

// Decide records the decision and publishes it to subscribers.
func (a *Approvals) Decide(_ context.Context, id session.RequestID, approved bool, decidedBy, note string) (session.ApprovalDecision, error) {
	a.mu.Lock()
	r, ok := a.requests[id]
	if !ok {
		a.mu.Unlock()
		return session.ApprovalDecision{}, session.ErrRequestNotFound
	}
	if r.Status != session.ApprovalPending {
		a.mu.Unlock()
		return session.ApprovalDecision{}, session.ErrAlreadyDecided
	}
	now := a.now()
	r.Status = session.ApprovalRejected
	if approved {
		r.Status = session.ApprovalApproved
	}
	r.DecidedBy, r.DecidedAt, r.Note = decidedBy, &now, note
	a.requests[id] = r
	a.mu.Unlock()

	d := session.ApprovalDecision{
		RequestID: id,
		UserID:    r.UserID,
		Approved:  approved,
		DecidedBy: decidedBy,
		Note:      note,
		DecidedAt: now,

		RequestedAt: r.RequestedAt,
		Location:    r.Location,
	}
	a.Publish(d)
	return d, nil
}

// =============================================================================
// IDENTITY
// =============================================================================

type Directory struct {
	mu       sync.RWMutex
	profiles map[session.UserID]session.UserProfile
}

func NewDirectory(profiles ...session.UserProfile) *Directory {
	d := &Directory{profiles: make(map[session.UserID]session.UserProfile)}
	for _, p := range profiles {
		d.profiles[p.UserID] = p
	}
	return d
}

func (d *Directory) SaveProfile(_ context.Context, p session.UserProfile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.UserID] = p
	return nil
}

func (d *Directory) Profile(_ context.Context, user session.UserID) (session.UserProfile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[user]
	if !ok {
		return session.UserProfile{}, session.ErrUserNotFound
	}
	return p, nil
}
