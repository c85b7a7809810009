package session

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/warp/attendance-engine/policy"
	"github.com/warp/attendance-engine/position"
	"github.com/warp/attendance-engine/proximity"
)

// =============================================================================
// CHECK-OUT
// =============================================================================

// RequestCheckOut closes the open session if the dwell time has passed and
// sample is within check-out tolerance. Check-out never escalates to an
// off-premises request.
func (c *Controller) RequestCheckOut(ctx context.Context, sample position.Sample, now time.Time) (State, error) {
	if err := c.rolloverIfStale(ctx, now); err != nil {
		return c.CurrentState(), err
	}
	release, err := c.begin(OpCheckOut, now, false, "check out", isCheckedIn)
	if err != nil {
		c.logGuard(OpCheckOut, err)
		return c.CurrentState(), err
	}
	defer release()

	sess := c.openSession()
	if err := c.checkDwell(sess, now); err != nil {
		c.logGuard(OpCheckOut, err)
		return CheckedIn{Session: sess}, err
	}
	return c.checkOut(ctx, sess, sample, now)
}

// CheckOut checks dwell first, then acquires a position with locate and
// proceeds as RequestCheckOut. Remote sessions are not located.
func (c *Controller) CheckOut(ctx context.Context, locate Locator) (State, error) {
	now := c.now()
	if err := c.rolloverIfStale(ctx, now); err != nil {
		return c.CurrentState(), err
	}
	release, err := c.begin(OpCheckOut, now, false, "check out", isCheckedIn)
	if err != nil {
		c.logGuard(OpCheckOut, err)
		return c.CurrentState(), err
	}
	defer release()

	sess := c.openSession()
	if err := c.checkDwell(sess, now); err != nil {
		c.logGuard(OpCheckOut, err)
		return CheckedIn{Session: sess}, err
	}

	var sample position.Sample
	if !sess.CheckInRemote {
		sample, err = locate(ctx)
		if err != nil {
			c.logger().Info("position acquisition failed",
				zap.String("user_id", string(c.UserID)), zap.String("op", string(OpCheckOut)), zap.Error(err))
			return c.CurrentState(), err
		}
	}
	return c.checkOut(ctx, sess, sample, c.now())
}

func (c *Controller) openSession() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, _ := OpenSession(c.state)
	return s
}

func (c *Controller) checkDwell(sess Session, now time.Time) error {
	earliest := sess.CheckInTime.Add(c.policy().MinimumDwell)
	remaining := earliest.Sub(now)
	if remaining <= 0 {
		return nil
	}
	return &TooSoonError{
		CheckInTime:      sess.CheckInTime,
		EarliestCheckout: earliest,
		MinutesRemaining: int(math.Ceil(remaining.Minutes())),
	}
}

func (c *Controller) checkOut(ctx context.Context, sess Session, sample position.Sample, now time.Time) (State, error) {
	p := c.policy()

	var facility proximity.FacilityID
	end := p.EndOfDay.On(now, p.Loc())
	requiresReason := p.RemoteEarlyCheckoutReason

	if !sess.CheckInRemote {
		facilities, err := c.Facilities.ListActiveFacilities(ctx)
		if err != nil {
			return c.CurrentState(), fmt.Errorf("list facilities: %w", err)
		}
		proximity.SortFacilities(facilities)
		v := proximity.ValidateCheckOut(sample, facilities, p, c.device(ctx))

		c.mu.Lock()
		c.verdict = &v
		c.mu.Unlock()

		if !v.Eligible {
			oor := newOutOfRange(v, false)
			c.logger().Info("check-out out of range",
				zap.String("user_id", string(c.UserID)),
				zap.String("facility", string(oor.FacilityID)),
				zap.Float64("distance_m", oor.DistanceMeters),
				zap.Float64("tolerance_m", oor.ToleranceMeters))
			return CheckedIn{Session: sess}, oor
		}
		winner := v.Winner.Facility
		facility = winner.ID
		end = winner.EndOfDayOn(now, p)
		requiresReason = winner.RequiresEarlyCheckoutReason
	}

	if requiresReason && now.Before(end) && !c.exempt(ctx, p, now) {
		st := AwaitingEarlyCheckoutReason{Session: sess, Facility: facility, At: now, EndOfDay: end}
		c.setState(st)
		c.emit(Event{Type: EventReasonRequired, UserID: c.UserID, At: now, State: st.Kind(), Session: &sess})
		return st, nil
	}
	return c.commit(ctx, OpCheckOut, closeSession(sess, facility, now, StatusClosed))
}

// =============================================================================
// REASONS
// =============================================================================

// SubmitReason supplies the reason a paused check-in or check-out waits for
// and replays the paused commit. A short reason leaves the state unchanged.
func (c *Controller) SubmitReason(ctx context.Context, kind ReasonKind, text string) (State, error) {
	var (
		op      Operation
		waiting func(State) bool
	)
	switch kind {
	case ReasonLateness:
		op = OpCheckIn
		waiting = func(s State) bool { _, ok := s.(AwaitingLatenessReason); return ok }
	case ReasonEarlyCheckout:
		op = OpCheckOut
		waiting = func(s State) bool { _, ok := s.(AwaitingEarlyCheckoutReason); return ok }
	default:
		st := c.CurrentState()
		return st, &InvalidTransitionError{From: st.Kind(), Operation: fmt.Sprintf("submit %s reason", kind)}
	}

	now := c.now()
	if err := c.rolloverIfStale(ctx, now); err != nil {
		return c.CurrentState(), err
	}
	release, err := c.begin(op, now, false, fmt.Sprintf("submit %s reason", kind), waiting)
	if err != nil {
		c.logGuard(op, err)
		return c.CurrentState(), err
	}
	defer release()

	p := c.policy()
	text = strings.TrimSpace(text)
	if n := utf8.RuneCountInString(text); n < p.MinReasonLength {
		err := &ReasonTooShortError{Kind: kind, Length: n, Minimum: p.MinReasonLength}
		c.logGuard(op, err)
		return c.CurrentState(), err
	}

	switch st := c.CurrentState().(type) {
	case AwaitingLatenessReason:
		s := c.newSession(p, st.Facility.ID, st.Sample, st.At)
		s.LatenessReason = text
		return c.commit(ctx, OpCheckIn, s)
	case AwaitingEarlyCheckoutReason:
		s := closeSession(st.Session, st.Facility, st.At, StatusClosed)
		s.EarlyCheckoutReason = text
		return c.commit(ctx, OpCheckOut, s)
	default:
		return st, &InvalidTransitionError{From: st.Kind(), Operation: fmt.Sprintf("submit %s reason", kind)}
	}
}

// CancelPendingReason abandons a paused intent and returns to the state it
// paused from.
func (c *Controller) CancelPendingReason(ctx context.Context) (State, error) {
	if err := c.rolloverIfStale(ctx, c.now()); err != nil {
		return c.CurrentState(), err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch st := c.state.(type) {
	case AwaitingLatenessReason:
		if c.inFlight[OpCheckIn] {
			return c.state, &DuplicateRequestError{Operation: OpCheckIn, Cause: DuplicateInFlight}
		}
		c.state = NoSession{}
		c.dropRetryLocked(OpCheckIn)
	case AwaitingEarlyCheckoutReason:
		if c.inFlight[OpCheckOut] {
			return c.state, &DuplicateRequestError{Operation: OpCheckOut, Cause: DuplicateInFlight}
		}
		c.state = CheckedIn{Session: st.Session}
		c.dropRetryLocked(OpCheckOut)
		c.armDwellLocked()
	default:
		return c.state, &InvalidTransitionError{From: c.state.Kind(), Operation: "cancel pending reason"}
	}
	return c.state, nil
}

func (c *Controller) dropRetryLocked(op Operation) {
	if c.retry != nil && c.retry.op == op {
		c.retry = nil
	}
}

// =============================================================================
// OFF-PREMISES EXCEPTION
// =============================================================================

// RequestOffPremisesException asks a manager to approve a remote check-in.
// It is only reachable after today's check-in failed proximity validation.
// A zero sample reuses the location of that failed attempt.
func (c *Controller) RequestOffPremisesException(ctx context.Context, sample position.Sample, reason string) (State, error) {
	now := c.now()
	if err := c.rolloverIfStale(ctx, now); err != nil {
		return c.CurrentState(), err
	}
	p := c.policy()
	day := p.DayOf(now)

	release, err := c.begin(OpCheckIn, now, false, "request off-premises exception", func(s State) bool {
		return isNoSession(s) &&
			p.OffPremisesEnabled &&
			c.Approvals != nil &&
			c.offPremises != nil &&
			p.DayOf(c.offPremises.At).Equal(day)
	})
	if err != nil {
		c.logGuard(OpCheckIn, err)
		return c.CurrentState(), err
	}
	defer release()

	reason = strings.TrimSpace(reason)
	if n := utf8.RuneCountInString(reason); n < p.MinReasonLength {
		return c.CurrentState(), &ReasonTooShortError{Kind: ReasonOffPremises, Length: n, Minimum: p.MinReasonLength}
	}

	c.mu.Lock()
	failed := *c.offPremises
	c.mu.Unlock()
	if sample == (position.Sample{}) {
		sample = failed.Sample
	}

	id, err := c.Approvals.SubmitRequest(ctx, ApprovalRequest{
		UserID:      c.UserID,
		Reason:      reason,
		Location:    sample,
		RequestedAt: now,
		Status:      ApprovalPending,
	})
	if err != nil {
		c.logger().Error("off-premises request failed", zap.String("user_id", string(c.UserID)), zap.Error(err))
		return c.CurrentState(), &PersistenceError{Operation: "off_premises_request", Err: err}
	}

	st := AwaitingOffPremisesApproval{RequestID: id, Reason: reason, Location: sample, RequestedAt: now}
	c.mu.Lock()
	c.state = st
	c.offPremises = nil
	c.mu.Unlock()

	c.logger().Info("off-premises exception requested",
		zap.String("user_id", string(c.UserID)), zap.String("request_id", string(id)))
	c.emit(Event{Type: EventOffPremisesRequested, UserID: c.UserID, At: now, State: st.Kind()})
	return st, nil
}

// ApplyApprovalDecision resolves a pending off-premises request. Approval
// commits a remote check-in at the request time; rejection returns to
// NoSession. A controller restored in NoSession after the decision was made
// also accepts a decision on a request from today. Decisions for any other
// request are ignored.
func (c *Controller) ApplyApprovalDecision(ctx context.Context, d ApprovalDecision) (State, error) {
	now := c.now()
	if err := c.rolloverIfStale(ctx, now); err != nil {
		return c.CurrentState(), err
	}
	p := c.policy()
	matches := func(s State) bool {
		if a, ok := s.(AwaitingOffPremisesApproval); ok {
			return a.RequestID == d.RequestID
		}
		return isNoSession(s) && !d.RequestedAt.IsZero() && p.DayOf(d.RequestedAt).Equal(p.DayOf(now))
	}
	if st := c.CurrentState(); !matches(st) {
		c.logger().Info("ignoring stale approval decision",
			zap.String("user_id", string(c.UserID)),
			zap.String("request_id", string(d.RequestID)),
			zap.String("state", string(st.Kind())))
		return st, nil
	}

	release, err := c.begin(OpCheckIn, now, false, "apply approval decision", matches)
	if err != nil {
		return c.CurrentState(), err
	}
	defer release()

	st, ok := c.CurrentState().(AwaitingOffPremisesApproval)
	if !ok {
		st = AwaitingOffPremisesApproval{RequestID: d.RequestID, Location: d.Location, RequestedAt: d.RequestedAt}
	}
	if !d.Approved {
		c.mu.Lock()
		c.state = NoSession{}
		c.mu.Unlock()
		c.logger().Info("off-premises exception rejected",
			zap.String("user_id", string(c.UserID)), zap.String("request_id", string(d.RequestID)))
		c.emit(Event{Type: EventOffPremisesRejected, UserID: c.UserID, At: c.now(), State: KindNoSession})
		return NoSession{}, nil
	}

	s := c.newSession(p, "", st.Location, st.RequestedAt)
	s.CheckInRemote = true
	s.OffPremisesRequestID = st.RequestID
	return c.commit(ctx, OpCheckIn, s)
}

// =============================================================================
// ROLLOVER & RETRY
// =============================================================================

// Rollover resets the controller once now is on a later local day than its
// state. An open session is closed first at the facility's end of day
// (never before check-in) with status auto_closed; pending actions are
// discarded.
func (c *Controller) Rollover(ctx context.Context, now time.Time) (State, error) {
	p := c.policy()
	today := p.DayOf(now)

	c.mu.Lock()
	if c.day.IsZero() || !today.After(c.day) {
		if c.day.IsZero() {
			c.day = today
		}
		st := c.state
		c.mu.Unlock()
		return st, nil
	}
	if c.inFlight[OpCheckIn] || c.inFlight[OpCheckOut] {
		st := c.state
		c.mu.Unlock()
		c.logger().Debug("rollover deferred, operation in flight", zap.String("user_id", string(c.UserID)))
		return st, nil
	}
	c.inFlight[OpCheckIn], c.inFlight[OpCheckOut] = true, true
	prev := c.state
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight[OpCheckIn], c.inFlight[OpCheckOut] = false, false
		c.mu.Unlock()
	}()

	var closed *Session
	if sess, open := OpenSession(prev); open {
		s, err := c.autoClose(ctx, p, sess)
		if err != nil {
			return prev, err
		}
		closed = &s
	} else if k := prev.Kind(); k != KindNoSession && k != KindCheckedOut {
		c.logger().Info("discarding pending action at rollover",
			zap.String("user_id", string(c.UserID)), zap.String("state", string(k)))
	}

	c.mu.Lock()
	c.state = NoSession{}
	c.day = today
	c.verdict = nil
	c.offPremises = nil
	c.retry = nil
	c.lastAttempt = time.Time{}
	c.stopDwellLocked()
	c.mu.Unlock()

	if closed != nil {
		c.logger().Info("session auto-closed",
			zap.String("user_id", string(c.UserID)),
			zap.String("session_id", string(closed.ID)),
			zap.Time("check_out", *closed.CheckOutTime))
		c.emit(Event{Type: EventAutoClosed, UserID: c.UserID, At: now, State: KindNoSession, Session: closed})
	}
	return NoSession{}, nil
}

// autoClose commits sess as checked out at its end of day with status
// auto_closed.
func (c *Controller) autoClose(ctx context.Context, p *policy.Policy, sess Session) (Session, error) {
	s := closeSession(sess, sess.CheckInFacility, c.autoCheckoutTime(ctx, p, sess), StatusAutoClosed)
	if err := c.Records.CommitCheckOut(ctx, s); err != nil {
		c.logger().Error("auto checkout failed",
			zap.String("user_id", string(c.UserID)), zap.String("session_id", string(s.ID)), zap.Error(err))
		return sess, &PersistenceError{Operation: "auto_checkout", Err: err}
	}
	return s, nil
}

func (c *Controller) autoCheckoutTime(ctx context.Context, p *policy.Policy, s Session) time.Time {
	end := p.EndOfDay.On(s.CheckInTime, p.Loc())
	if s.CheckInFacility != "" {
		facilities, err := c.Facilities.ListActiveFacilities(ctx)
		if err != nil {
			c.logger().Warn("facility lookup failed, using policy end of day", zap.Error(err))
		}
		for _, f := range facilities {
			if f.ID == s.CheckInFacility {
				end = f.EndOfDayOn(s.CheckInTime, p)
				break
			}
		}
	}
	if end.Before(s.CheckInTime) {
		return s.CheckInTime
	}
	return end
}

func (c *Controller) rolloverIfStale(ctx context.Context, now time.Time) error {
	c.mu.Lock()
	day := c.day
	c.mu.Unlock()
	if day.IsZero() || !c.policy().DayOf(now).After(day) {
		return nil
	}
	_, err := c.Rollover(ctx, now)
	return err
}

// RetryCommit replays the last commit that failed with a PersistenceError,
// without validating proximity again.
func (c *Controller) RetryCommit(ctx context.Context) (State, error) {
	if err := c.rolloverIfStale(ctx, c.now()); err != nil {
		return c.CurrentState(), err
	}
	c.mu.Lock()
	r := c.retry
	c.mu.Unlock()
	if r == nil {
		st := c.CurrentState()
		return st, &InvalidTransitionError{From: st.Kind(), Operation: "retry commit"}
	}

	release, err := c.begin(r.op, c.now(), false, "retry commit", func(State) bool { return c.retry == r })
	if err != nil {
		return c.CurrentState(), err
	}
	defer release()
	return c.commit(ctx, r.op, r.session)
}
