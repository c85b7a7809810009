/*
collaborators.go - Interfaces the controller consumes

PURPOSE:
  The controller never talks to a database, a device or an approval
  workflow directly. These interfaces are the boundary; store/sqlite,
  store/redis and session/store provide implementations.

KEY INTERFACES:
  FacilityDirectory: active facilities, read-only
  DeviceIdentity:    device class and opaque device ID
  RecordStore:       durability boundary for sessions (idempotent commits)
  ApprovalStore:     off-premises requests and their async decisions
  IdentityDirectory: role and department for exemptions

IDEMPOTENCY:
  RecordStore commits are keyed by CheckInKey / CheckOutKey. Committing the
  same session twice is a no-op, so RetryCommit after an ambiguous failure
  never duplicates a record.
*/
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/attendance-engine/policy"
	"github.com/warp/attendance-engine/position"
	"github.com/warp/attendance-engine/proximity"
)

// =============================================================================
// FACILITY DIRECTORY
// =============================================================================

type FacilityDirectory interface {
	ListActiveFacilities(ctx context.Context) ([]proximity.Facility, error)
}

// CachedDirectory serves a snapshot of Source, refreshed once it is older
// than TTL. When a refresh fails and a snapshot exists, the stale snapshot
// is served and the failure logged.
type CachedDirectory struct {
	Source FacilityDirectory
	TTL    time.Duration
	Now    func() time.Time
	Logger *zap.Logger

	mu        sync.Mutex
	cached    []proximity.Facility
	fetchedAt time.Time
}

func (c *CachedDirectory) ListActiveFacilities(ctx context.Context) ([]proximity.Facility, error) {
	now := time.Now()
	if c.Now != nil {
		now = c.Now()
	}

	c.mu.Lock()
	if c.cached != nil && now.Sub(c.fetchedAt) < c.TTL {
		out := append([]proximity.Facility(nil), c.cached...)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	fresh, err := c.Source.ListActiveFacilities(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.cached == nil {
			return nil, err
		}
		if c.Logger != nil {
			c.Logger.Warn("facility refresh failed, serving cached list", zap.Error(err))
		}
		return append([]proximity.Facility(nil), c.cached...), nil
	}
	c.cached = append([]proximity.Facility{}, fresh...)
	c.fetchedAt = now
	return fresh, nil
}

// Invalidate forces the next call to refresh.
func (c *CachedDirectory) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchedAt = time.Time{}
}

// =============================================================================
// DEVICE IDENTITY
// =============================================================================

type DeviceIdentity interface {
	DeviceClass() policy.DeviceClass
	DeviceID() string
}

// Device is a plain DeviceIdentity.
type Device struct {
	Class policy.DeviceClass
	ID    string
}

func (d Device) DeviceClass() policy.DeviceClass { return d.Class }
func (d Device) DeviceID() string                { return d.ID }

type deviceKey struct{}

// WithDevice attaches the requesting device to ctx. Controllers prefer it
// over their default device.
func WithDevice(ctx context.Context, d DeviceIdentity) context.Context {
	return context.WithValue(ctx, deviceKey{}, d)
}

func DeviceFrom(ctx context.Context) (DeviceIdentity, bool) {
	d, ok := ctx.Value(deviceKey{}).(DeviceIdentity)
	return d, ok && d != nil
}

// =============================================================================
// RECORD STORE
// =============================================================================

type RecordStore interface {
	CommitCheckIn(ctx context.Context, s Session) error
	CommitCheckOut(ctx context.Context, s Session) error
	// FindSession returns the session for user on day, or nil.
	FindSession(ctx context.Context, user UserID, day time.Time) (*Session, error)
	// OpenSessionsBefore returns sessions still open on days before day,
	// oldest first. An empty user matches every user.
	OpenSessionsBefore(ctx context.Context, user UserID, day time.Time) ([]Session, error)
}

func CheckInKey(user UserID, day time.Time) string {
	return fmt.Sprintf("checkin:%s:%s", user, day.Format("2006-01-02"))
}

func CheckOutKey(user UserID, day time.Time) string {
	return fmt.Sprintf("checkout:%s:%s", user, day.Format("2006-01-02"))
}

// =============================================================================
// APPROVAL STORE
// =============================================================================

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

type ApprovalRequest struct {
	ID          RequestID       `json:"id"`
	UserID      UserID          `json:"user_id"`
	Reason      string          `json:"reason"`
	Location    position.Sample `json:"location"`
	RequestedAt time.Time       `json:"requested_at"`
	Status      ApprovalStatus  `json:"status"`
	DecidedBy   string          `json:"decided_by,omitempty"`
	DecidedAt   *time.Time      `json:"decided_at,omitempty"`
	Note        string          `json:"note,omitempty"`
}

type ApprovalDecision struct {
	RequestID RequestID `json:"request_id"`
	UserID    UserID    `json:"user_id"`
	Approved  bool      `json:"approved"`
	DecidedBy string    `json:"decided_by"`
	Note      string    `json:"note,omitempty"`
	DecidedAt time.Time `json:"decided_at"`

	// RequestedAt and Location echo the request, so a controller restored
	// after the decision was made can still apply it.
	RequestedAt time.Time       `json:"requested_at"`
	Location    position.Sample `json:"location"`
}

type ApprovalStore interface {
	// SubmitRequest records req and returns its ID.
	SubmitRequest(ctx context.Context, req ApprovalRequest) (RequestID, error)
	// Subscribe delivers decisions until ctx is done, then closes the channel.
	Subscribe(ctx context.Context) (<-chan ApprovalDecision, error)
}

// ApprovalQueue is the manager-facing side of an approval store.
type ApprovalQueue interface {
	ApprovalStore
	Pending(ctx context.Context) ([]ApprovalRequest, error)
	Decide(ctx context.Context, id RequestID, approved bool, decidedBy, note string) (ApprovalDecision, error)
}

// =============================================================================
// IDENTITY
// =============================================================================

type UserProfile struct {
	UserID     UserID
	Name       string
	Role       string
	Department string
}

type IdentityDirectory interface {
	Profile(ctx context.Context, user UserID) (UserProfile, error)
}

// =============================================================================
// CLOCK & POLICY
// =============================================================================

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// PolicyProvider hands out the current policy snapshot. *policy.Source
// implements it.
type PolicyProvider interface {
	Current() *policy.Policy
}

// Locator obtains one sample; CheckIn and CheckOut call it inside the
// in-flight window.
type Locator func(ctx context.Context) (position.Sample, error)

// AcquireWith adapts an Acquirer to a Locator.
func AcquireWith(a *position.Acquirer, mode position.Mode) Locator {
	return func(ctx context.Context) (position.Sample, error) {
		return a.Acquire(ctx, mode)
	}
}
