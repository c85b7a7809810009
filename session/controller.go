package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/attendance-engine/policy"
	"github.com/warp/attendance-engine/position"
	"github.com/warp/attendance-engine/proximity"
)

// =============================================================================
// CONTROLLER
// =============================================================================

// Deps are the collaborators shared by every controller of a registry.
type Deps struct {
	Policy     PolicyProvider
	Facilities FacilityDirectory
	Records    RecordStore
	Approvals  ApprovalStore     // nil disables off-premises requests
	Identity   IdentityDirectory // nil: exemptions apply by weekend only
	Device     DeviceIdentity    // used when the request context carries none
	Clock      Clock
	Logger     *zap.Logger
	OnEvent    func(Event)
}

// Controller is the attendance state machine for one user.
type Controller struct {
	Deps
	UserID UserID

	mu          sync.Mutex
	state       State
	day         time.Time // local day the state belongs to
	inFlight    map[Operation]bool
	lastAttempt time.Time
	verdict     *proximity.Verdict
	offPremises *failedCheckIn
	retry       *pendingCommit
	dwell       *time.Timer
	started     bool
	closed      bool
}

// failedCheckIn remembers today's failed proximity validation, which is
// what makes an off-premises request reachable.
type failedCheckIn struct {
	Sample position.Sample
	At     time.Time
}

// pendingCommit is a validated decision whose store write failed.
type pendingCommit struct {
	op      Operation
	session Session
}

func NewController(user UserID, deps Deps) *Controller {
	return &Controller{
		Deps:     deps,
		UserID:   user,
		state:    NoSession{},
		inFlight: make(map[Operation]bool),
	}
}

// =============================================================================
// READ-ONLY VIEW
// =============================================================================

func (c *Controller) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentProximityVerdict returns the verdict of the latest decision, kept
// for display only.
func (c *Controller) CurrentProximityVerdict() (proximity.Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.verdict == nil {
		return proximity.Verdict{}, false
	}
	return *c.verdict, true
}

// DwellRemaining returns how long until check-out is allowed; zero unless
// checked in.
func (c *Controller) DwellRemaining(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.state.(CheckedIn)
	if !ok {
		return 0
	}
	remaining := s.Session.CheckInTime.Add(c.policy().MinimumDwell).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// HasPendingCommit reports whether RetryCommit has something to replay.
func (c *Controller) HasPendingCommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retry != nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Restore rebuilds the controller from the stores. Sessions left open on
// earlier days are auto-closed as Rollover would have done; then now's
// local day is loaded, including an undecided off-premises request.
func (c *Controller) Restore(ctx context.Context, now time.Time) error {
	p := c.policy()
	day := p.DayOf(now)

	stale, err := c.Records.OpenSessionsBefore(ctx, c.UserID, day)
	if err != nil {
		return fmt.Errorf("restore session for %s: %w", c.UserID, err)
	}
	for _, sess := range stale {
		closed, err := c.autoClose(ctx, p, sess)
		if err != nil {
			return err
		}
		c.logger().Info("stale session auto-closed on restore",
			zap.String("user_id", string(c.UserID)),
			zap.String("session_id", string(closed.ID)),
			zap.Time("check_out", *closed.CheckOutTime))
		c.emit(Event{Type: EventAutoClosed, UserID: c.UserID, At: now, State: KindNoSession, Session: &closed})
	}

	s, err := c.Records.FindSession(ctx, c.UserID, day)
	if err != nil {
		return fmt.Errorf("restore session for %s: %w", c.UserID, err)
	}
	var st State = NoSession{}
	switch {
	case s == nil:
		if pending := c.pendingApproval(ctx, p, day); pending != nil {
			st = *pending
		}
	case s.Open():
		st = CheckedIn{Session: *s}
	default:
		st = CheckedOut{Session: *s}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.day = day
	c.state = st
	c.armDwellLocked()
	return nil
}

// pendingApproval finds the user's latest undecided off-premises request
// made on day. Approval stores that cannot list requests yield nil.
func (c *Controller) pendingApproval(ctx context.Context, p *policy.Policy, day time.Time) *AwaitingOffPremisesApproval {
	queue, ok := c.Approvals.(interface {
		Pending(ctx context.Context) ([]ApprovalRequest, error)
	})
	if !ok {
		return nil
	}
	pending, err := queue.Pending(ctx)
	if err != nil {
		c.logger().Warn("pending approval lookup failed",
			zap.String("user_id", string(c.UserID)), zap.Error(err))
		return nil
	}
	var found *AwaitingOffPremisesApproval
	for _, r := range pending {
		if r.UserID != c.UserID || !p.DayOf(r.RequestedAt).Equal(day) {
			continue
		}
		if found == nil || r.RequestedAt.After(found.RequestedAt) {
			found = &AwaitingOffPremisesApproval{
				RequestID:   r.ID,
				Reason:      r.Reason,
				Location:    r.Location,
				RequestedAt: r.RequestedAt,
			}
		}
	}
	return found
}

// Start enables the dwell countdown timer.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	c.armDwellLocked()
}

// Close cancels background timers. The controller must not be used after.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.stopDwellLocked()
}

func (c *Controller) armDwellLocked() {
	c.stopDwellLocked()
	if !c.started || c.closed || c.OnEvent == nil {
		return
	}
	s, ok := c.state.(CheckedIn)
	if !ok {
		return
	}
	remaining := s.Session.CheckInTime.Add(c.policy().MinimumDwell).Sub(c.now())
	if remaining <= 0 {
		return
	}
	sessionID := s.Session.ID
	c.dwell = time.AfterFunc(remaining, func() {
		c.mu.Lock()
		cur, still := c.state.(CheckedIn)
		live := still && !c.closed && cur.Session.ID == sessionID
		c.mu.Unlock()
		if live {
			c.emit(Event{Type: EventCheckoutAvailable, UserID: c.UserID, At: c.now(), State: KindCheckedIn, Session: &cur.Session})
		}
	})
}

func (c *Controller) stopDwellLocked() {
	if c.dwell != nil {
		c.dwell.Stop()
		c.dwell = nil
	}
}

// =============================================================================
// CHECK-IN
// =============================================================================

// RequestCheckIn validates sample taken at now and checks the user in,
// pauses for a lateness reason, or fails with a guard or policy error.
func (c *Controller) RequestCheckIn(ctx context.Context, sample position.Sample, now time.Time) (State, error) {
	if err := c.rolloverIfStale(ctx, now); err != nil {
		return c.CurrentState(), err
	}
	release, err := c.begin(OpCheckIn, now, true, "check in", isNoSession)
	if err != nil {
		c.logGuard(OpCheckIn, err)
		return c.CurrentState(), err
	}
	defer release()
	return c.checkIn(ctx, sample, now)
}

// CheckIn acquires a position with locate inside the in-flight window, then
// proceeds as RequestCheckIn.
func (c *Controller) CheckIn(ctx context.Context, locate Locator) (State, error) {
	now := c.now()
	if err := c.rolloverIfStale(ctx, now); err != nil {
		return c.CurrentState(), err
	}
	release, err := c.begin(OpCheckIn, now, true, "check in", isNoSession)
	if err != nil {
		c.logGuard(OpCheckIn, err)
		return c.CurrentState(), err
	}
	defer release()

	sample, err := locate(ctx)
	if err != nil {
		c.logger().Info("position acquisition failed",
			zap.String("user_id", string(c.UserID)), zap.String("op", string(OpCheckIn)), zap.Error(err))
		return c.CurrentState(), err
	}
	return c.checkIn(ctx, sample, c.now())
}

func (c *Controller) checkIn(ctx context.Context, sample position.Sample, now time.Time) (State, error) {
	p := c.policy()
	facilities, err := c.Facilities.ListActiveFacilities(ctx)
	if err != nil {
		return c.CurrentState(), fmt.Errorf("list facilities: %w", err)
	}
	proximity.SortFacilities(facilities)
	v := proximity.ValidateCheckIn(sample, facilities, p, c.device(ctx))

	c.mu.Lock()
	c.verdict = &v
	if !v.Eligible {
		escalate := p.OffPremisesEnabled && c.Approvals != nil
		if escalate {
			c.offPremises = &failedCheckIn{Sample: sample, At: now}
		}
		c.mu.Unlock()
		oor := newOutOfRange(v, escalate)
		c.logger().Info("check-in out of range",
			zap.String("user_id", string(c.UserID)),
			zap.String("facility", string(oor.FacilityID)),
			zap.Float64("distance_m", oor.DistanceMeters),
			zap.Float64("tolerance_m", oor.ToleranceMeters),
			zap.String("tier", string(v.AccuracyTier)))
		return NoSession{}, oor
	}
	c.mu.Unlock()

	winner := v.Winner.Facility
	if !winner.CheckInOpen(now, p.Loc()) {
		c.logger().Info("check-in window closed",
			zap.String("user_id", string(c.UserID)), zap.String("facility", string(winner.ID)))
		return NoSession{}, &WindowClosedError{
			FacilityID:   winner.ID,
			FacilityName: winner.Name,
			Opens:        winner.CheckInWindowStart,
			Closes:       winner.CheckInWindowEnd,
			At:           now,
		}
	}

	if now.After(p.LateAfter(now)) && !c.exempt(ctx, p, now) {
		st := AwaitingLatenessReason{
			Facility: winner,
			Sample:   sample,
			At:       now,
			LateBy:   now.Sub(p.LatenessCutoff.On(now, p.Loc())),
		}
		c.setState(st)
		c.emit(Event{Type: EventReasonRequired, UserID: c.UserID, At: now, State: st.Kind()})
		return st, nil
	}

	return c.commit(ctx, OpCheckIn, c.newSession(p, winner.ID, sample, now))
}

// =============================================================================
// GUARDS & COMMITS
// =============================================================================

func isNoSession(s State) bool {
	_, ok := s.(NoSession)
	return ok
}

func isCheckedIn(s State) bool {
	_, ok := s.(CheckedIn)
	return ok
}

// begin runs the guards in order (in-flight, debounce, state) and claims the
// in-flight slot for op. allowed runs with the controller locked.
func (c *Controller) begin(op Operation, now time.Time, debounce bool, action string, allowed func(State) bool) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight[op] {
		return nil, &DuplicateRequestError{Operation: op, Cause: DuplicateInFlight}
	}
	p := c.policy()
	if debounce {
		if since := now.Sub(c.lastAttempt); !c.lastAttempt.IsZero() && since < p.DebounceWindow {
			return nil, &DuplicateRequestError{Operation: op, Cause: DuplicateDebounce, RetryAfter: p.DebounceWindow - since}
		}
		c.lastAttempt = now
	}
	if !allowed(c.state) {
		return nil, &InvalidTransitionError{From: c.state.Kind(), Operation: action}
	}
	if c.day.IsZero() {
		c.day = p.DayOf(now)
	}

	c.inFlight[op] = true
	return func() {
		c.mu.Lock()
		c.inFlight[op] = false
		c.mu.Unlock()
	}, nil
}

// commit persists s for op. On success the controller moves to the
// resulting state; on failure the state is left alone and the decision is
// kept for RetryCommit.
func (c *Controller) commit(ctx context.Context, op Operation, s Session) (State, error) {
	var (
		err  error
		next State
		ev   EventType
	)
	if op == OpCheckIn {
		err = c.Records.CommitCheckIn(ctx, s)
		next, ev = CheckedIn{Session: s}, EventCheckedIn
	} else {
		err = c.Records.CommitCheckOut(ctx, s)
		next, ev = CheckedOut{Session: s}, EventCheckedOut
	}
	if err != nil {
		c.mu.Lock()
		c.retry = &pendingCommit{op: op, session: s}
		c.mu.Unlock()
		c.logger().Error("attendance commit failed",
			zap.String("user_id", string(c.UserID)),
			zap.String("op", string(op)),
			zap.String("session_id", string(s.ID)),
			zap.Error(err))
		return c.CurrentState(), &PersistenceError{Operation: string(op), Err: err}
	}

	c.mu.Lock()
	c.state = next
	c.day = s.Day
	c.retry = nil
	if op == OpCheckIn {
		c.offPremises = nil
		c.armDwellLocked()
	} else {
		c.stopDwellLocked()
	}
	c.mu.Unlock()

	c.logger().Info("attendance committed",
		zap.String("user_id", string(c.UserID)),
		zap.String("op", string(op)),
		zap.String("session_id", string(s.ID)),
		zap.Bool("remote", s.CheckInRemote))
	c.emit(Event{Type: ev, UserID: c.UserID, At: c.now(), State: next.Kind(), Session: &s})
	return next, nil
}

// newSession builds the open session for a check-in. The ID is derived
// from user and day so every retry of the same day's check-in carries the
// same ID.
func (c *Controller) newSession(p *policy.Policy, facility proximity.FacilityID, sample position.Sample, at time.Time) Session {
	day := p.DayOf(at)
	return Session{
		ID:              SessionID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(CheckInKey(c.UserID, day))).String()),
		UserID:          c.UserID,
		Day:             day,
		CheckInTime:     at,
		CheckInFacility: facility,
		CheckInLocation: sample,
		Status:          StatusOpen,
	}
}

func closeSession(s Session, facility proximity.FacilityID, at time.Time, status Status) Session {
	out := s
	t := at
	out.CheckOutTime = &t
	out.CheckOutFacility = facility
	out.Status = status
	return out
}

// =============================================================================
// HELPERS
// =============================================================================

func (c *Controller) setState(st State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = st
}

func (c *Controller) exempt(ctx context.Context, p *policy.Policy, at time.Time) bool {
	var role, department string
	if c.Identity != nil {
		prof, err := c.Identity.Profile(ctx, c.UserID)
		if err != nil {
			c.logger().Warn("profile lookup failed, applying default exemptions",
				zap.String("user_id", string(c.UserID)), zap.Error(err))
		} else {
			role, department = prof.Role, prof.Department
		}
	}
	return p.Exemptions.Covers(role, department, at.In(p.Loc()))
}

func (c *Controller) device(ctx context.Context) proximity.Device {
	d, ok := DeviceFrom(ctx)
	if !ok {
		d = c.Device
	}
	if d == nil {
		return proximity.Device{}
	}
	return proximity.Device{Class: d.DeviceClass(), ClientKey: d.DeviceID()}
}

func (c *Controller) policy() *policy.Policy {
	if c.Policy != nil {
		if p := c.Policy.Current(); p != nil {
			return p
		}
	}
	return policy.Default()
}

func (c *Controller) now() time.Time {
	if c.Clock != nil {
		return c.Clock.Now()
	}
	return time.Now()
}

func (c *Controller) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func (c *Controller) emit(e Event) {
	if c.OnEvent != nil {
		c.OnEvent(e)
	}
}

func (c *Controller) logGuard(op Operation, err error) {
	c.logger().Info("request rejected",
		zap.String("user_id", string(c.UserID)),
		zap.String("op", string(op)),
		zap.String("code", Code(err)))
}
