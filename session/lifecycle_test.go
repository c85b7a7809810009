package session_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/warp/attendance-engine/position"
	"github.com/warp/attendance-engine/proximity"
	"github.com/warp/attendance-engine/session"
)

func tuesday(hh, mm int) time.Time {
	return monday(hh, mm).AddDate(0, 0, 1)
}

// =============================================================================
// ROLLOVER
// =============================================================================

func TestScenarioE_RolloverAutoClosesAtEndOfDay(t *testing.T) {
	// GIVEN: a user checked in Monday 08:30 who never checks out
	// WHEN: the clock passes local midnight
	// THEN: the session is closed at Monday 17:00 as auto_closed and the
	//       controller starts Tuesday in NoSession
	h := newHarness(t)
	c := h.controller("u1")
	ctx := context.Background()

	_, err := c.RequestCheckIn(ctx, near(10), monday(8, 30))
	require.NoError(t, err)

	st, err := c.Rollover(ctx, tuesday(0, 5))
	require.NoError(t, err)
	assert.Equal(t, session.KindNoSession, st.Kind())

	stored, err := h.records.FindSession(ctx, "u1", h.policy.DayOf(monday(8, 30)))
	require.NoError(t, err)
	require.NotNil(t, stored.CheckOutTime)
	assert.Equal(t, monday(17, 0), *stored.CheckOutTime)
	assert.Equal(t, session.StatusAutoClosed, stored.Status)
	assert.Equal(t, proximity.FacilityID("hq"), stored.CheckOutFacility)
	assert.Contains(t, h.eventTypes(), session.EventAutoClosed)
}

func TestRollover_SameDayIsNoop(t *testing.T) {
	h := newHarness(t)
	c := h.controller("u1")
	ctx := context.Background()

	_, err := c.RequestCheckIn(ctx, near(10), monday(8, 30))
	require.NoError(t, err)

	st, err := c.Rollover(ctx, monday(23, 59))
	require.NoError(t, err)
	assert.Equal(t, session.KindCheckedIn, st.Kind())
}

func TestRollover_LateCheckInClosesAtCheckInTime(t *testing.T) {
	h := newHarness(t)
	h.policy.Exemptions.Roles = []string{"staff"}
	c := h.controller("u1")
	ctx := context.Background()

	_, err := c.RequestCheckIn(ctx, near(10), monday(19, 0))
	require.NoError(t, err)
	_, err = c.Rollover(ctx, tuesday(0, 1))
	require.NoError(t, err)

	stored, _ := h.records.FindSession(ctx, "u1", h.policy.DayOf(monday(19, 0)))
	require.NotNil(t, stored.CheckOutTime)
	assert.Equal(t, monday(19, 0), *stored.CheckOutTime, "never before check-in")
}

func TestRollover_DiscardsPendingReason(t *testing.T) {
	h := newHarness(t)
	c := h.controller("u1")
	ctx := context.Background()

	st, err := c.RequestCheckIn(ctx, near(10), monday(9, 30))
	require.NoError(t, err)
	require.Equal(t, session.KindAwaitingLatenessReason, st.Kind())

	st, err = c.Rollover(ctx, tuesday(0, 1))
	require.NoError(t, err)
	assert.Equal(t, session.KindNoSession, st.Kind())

	stored, _ := h.records.FindSession(ctx, "u1", h.policy.DayOf(monday(9, 30)))
	assert.Nil(t, stored)
	assert.NotContains(t, h.eventTypes(), session.EventAutoClosed)
}

func TestRollover_StaleCheckInClosesPreviousDayFirst(t *testing.T) {
	h := newHarness(t)
	c := h.controller("u1")
	ctx := context.Background()

	_, err := c.RequestCheckIn(ctx, near(10), monday(8, 30))
	require.NoError(t, err)

	st, err := c.RequestCheckIn(ctx, near(10), tuesday(8, 20))
	require.NoError(t, err)
	in := st.(session.CheckedIn)
	assert.Equal(t, tuesday(8, 20), in.Session.CheckInTime)

	prev, _ := h.records.FindSession(ctx, "u1", h.policy.DayOf(monday(8, 30)))
	assert.Equal(t, session.StatusAutoClosed, prev.Status)
	assert.NotEqual(t, prev.ID, in.Session.ID)
}

func TestRollover_PersistenceFailureKeepsSession(t *testing.T) {
	h := newHarness(t)
	c := h.controller("u1")
	ctx := context.Background()

	_, err := c.RequestCheckIn(ctx, near(10), monday(8, 30))
	require.NoError(t, err)

	h.records.failCheckOut.Store(true)
	st, err := c.Rollover(ctx, tuesday(0, 5))
	require.ErrorIs(t, err, session.ErrPersistence)
	assert.Equal(t, session.KindCheckedIn, st.Kind())

	h.records.failCheckOut.Store(false)
	st, err = c.Rollover(ctx, tuesday(0, 6))
	require.NoError(t, err)
	assert.Equal(t, session.KindNoSession, st.Kind())
}

// =============================================================================
// RESTORE & TIMERS
// =============================================================================

func TestRestore_ResumesTodaysSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.controller("u1")
	st, err := first.RequestCheckIn(ctx, near(10), monday(8, 30))
	require.NoError(t, err)
	id := st.(session.CheckedIn).Session.ID

	second := h.controller("u1")
	require.NoError(t, second.Restore(ctx, monday(10, 0)))
	restored, ok := second.CurrentState().(session.CheckedIn)
	require.True(t, ok)
	assert.Equal(t, id, restored.Session.ID)

	fresh := h.controller("u2")
	require.NoError(t, fresh.Restore(ctx, monday(10, 0)))
	assert.Equal(t, session.KindNoSession, fresh.CurrentState().Kind())
}

func TestRestart_RolloverAllClosesSessionsOfUnloadedUsers(t *testing.T) {
	// GIVEN: u1 checked in on Monday and the process stopped before midnight
	h := newHarness(t)
	ctx := context.Background()

	before := session.NewRegistry(h.deps)
	c, err := before.Controller(ctx, "u1")
	require.NoError(t, err)
	_, err = c.RequestCheckIn(ctx, near(10), monday(8, 30))
	require.NoError(t, err)
	before.Close()

	// WHEN: a new registry over the same store runs the Tuesday rollover
	h.clock.Set(tuesday(8, 30))
	after := session.NewRegistry(h.deps)
	defer after.Close()
	reset, err := after.RolloverAll(ctx, tuesday(8, 30))

	// THEN: Monday is auto-closed and u1 can open exactly one Tuesday session
	require.NoError(t, err)
	assert.Equal(t, 1, reset)
	mon, err := h.records.FindSession(ctx, "u1", h.policy.DayOf(monday(8, 30)))
	require.NoError(t, err)
	require.NotNil(t, mon)
	assert.False(t, mon.Open())
	assert.Equal(t, session.StatusAutoClosed, mon.Status)
	assert.Equal(t, monday(17, 0), *mon.CheckOutTime)

	c, err = after.Controller(ctx, "u1")
	require.NoError(t, err)
	_, err = c.RequestCheckIn(ctx, near(10), tuesday(8, 30))
	require.NoError(t, err)

	stale, err := h.records.OpenSessionsBefore(ctx, "", h.policy.DayOf(tuesday(23, 0)).AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, stale, 1, "only Tuesday's session is open")
	assert.Equal(t, tuesday(8, 30), stale[0].CheckInTime)
}

func TestRestart_FirstUseClosesStaleSession(t *testing.T) {
	// GIVEN: a session left open on Monday and no rollover run since
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.controller("u1").RequestCheckIn(ctx, near(10), monday(8, 30))
	require.NoError(t, err)

	// WHEN: u1 is first seen by a new registry on Tuesday
	h.clock.Set(tuesday(7, 0))
	reg := session.NewRegistry(h.deps)
	defer reg.Close()
	c, err := reg.Controller(ctx, "u1")

	// THEN: Monday is closed before Tuesday is loaded
	require.NoError(t, err)
	assert.Equal(t, session.KindNoSession, c.CurrentState().Kind())
	mon, _ := h.records.FindSession(ctx, "u1", h.policy.DayOf(monday(8, 30)))
	assert.Equal(t, session.StatusAutoClosed, mon.Status)
	assert.Contains(t, h.eventTypes(), session.EventAutoClosed)
}

func TestRestart_FirstUseCloseFailsWhenStoreFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.controller("u1").RequestCheckIn(ctx, near(10), monday(8, 30))
	require.NoError(t, err)

	h.clock.Set(tuesday(7, 0))
	h.records.failCheckOut.Store(true)
	reg := session.NewRegistry(h.deps)
	defer reg.Close()

	_, err = reg.Controller(ctx, "u1")
	require.ErrorIs(t, err, session.ErrPersistence)
	assert.Empty(t, reg.Controllers())
}

func TestRestart_PendingOffPremisesRequestSurvives(t *testing.T) {
	// GIVEN: u1 waiting for a manager when the process restarts
	h := newHarness(t)
	ctx := context.Background()

	c := h.controller("u1")
	_, err := c.RequestCheckIn(ctx, near(8000), monday(8, 30))
	require.ErrorIs(t, err, session.ErrOutOfRange)
	st, err := c.RequestOffPremisesException(ctx, position.Sample{}, "visiting the client site in Bekasi")
	require.NoError(t, err)
	id := st.(session.AwaitingOffPremisesApproval).RequestID
	c.Close()

	h.clock.Set(monday(9, 40))
	reg := session.NewRegistry(h.deps)
	defer reg.Close()

	c, err = reg.Controller(ctx, "u1")
	require.NoError(t, err)
	waiting, ok := c.CurrentState().(session.AwaitingOffPremisesApproval)
	require.True(t, ok, "got %T", c.CurrentState())
	assert.Equal(t, id, waiting.RequestID)
	assert.Equal(t, "visiting the client site in Bekasi", waiting.Reason)

	// WHEN: the manager approves and the decision reaches the new registry
	d, err := h.approvals.Decide(ctx, id, true, "mgr-1", "")
	require.NoError(t, err)
	require.NoError(t, reg.Dispatch(ctx, d))

	// THEN: u1 is checked in remotely at the request time
	in, ok := c.CurrentState().(session.CheckedIn)
	require.True(t, ok, "got %T", c.CurrentState())
	assert.True(t, in.Session.CheckInRemote)
	assert.Equal(t, id, in.Session.OffPremisesRequestID)
	assert.Equal(t, monday(8, 30), in.Session.CheckInTime)
}

func TestRestart_DecisionBeforeFirstUseStillApplies(t *testing.T) {
	// GIVEN: u1 waiting for a manager when the process restarts
	h := newHarness(t)
	ctx := context.Background()

	c := h.controller("u1")
	_, err := c.RequestCheckIn(ctx, near(8000), monday(8, 30))
	require.ErrorIs(t, err, session.ErrOutOfRange)
	st, err := c.RequestOffPremisesException(ctx, position.Sample{}, "visiting the client site in Bekasi")
	require.NoError(t, err)
	id := st.(session.AwaitingOffPremisesApproval).RequestID
	c.Close()

	// WHEN: the manager approves before the new registry has loaded u1
	h.clock.Set(monday(9, 40))
	reg := session.NewRegistry(h.deps)
	defer reg.Close()
	d, err := h.approvals.Decide(ctx, id, true, "mgr-1", "")
	require.NoError(t, err)
	require.NoError(t, reg.Dispatch(ctx, d))

	// THEN: the decision still checks u1 in at the request's location
	c, err = reg.Controller(ctx, "u1")
	require.NoError(t, err)
	in, ok := c.CurrentState().(session.CheckedIn)
	require.True(t, ok, "got %T", c.CurrentState())
	assert.True(t, in.Session.CheckInRemote)
	assert.Equal(t, monday(8, 30), in.Session.CheckInTime)
	assert.InDelta(t, near(8000).Latitude, in.Session.CheckInLocation.Latitude, 1e-12)

	// a second copy of the decision is stale
	st, err = c.ApplyApprovalDecision(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, session.KindCheckedIn, st.Kind())
}

func TestRestart_YesterdaysPendingRequestIsNotResumed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c := h.controller("u1")
	_, err := c.RequestCheckIn(ctx, near(8000), monday(8, 30))
	require.ErrorIs(t, err, session.ErrOutOfRange)
	_, err = c.RequestOffPremisesException(ctx, position.Sample{}, "visiting the client site in Bekasi")
	require.NoError(t, err)

	h.clock.Set(tuesday(8, 0))
	reg := session.NewRegistry(h.deps)
	defer reg.Close()
	c, err = reg.Controller(ctx, "u1")

	require.NoError(t, err)
	assert.Equal(t, session.KindNoSession, c.CurrentState().Kind())
}

// =============================================================================
// TRANSITIONS AFTER MIDNIGHT
// =============================================================================

func TestSubmitReason_AfterMidnightDiscardsPausedCheckIn(t *testing.T) {
	// GIVEN: a late Monday check-in paused for a reason
	h := newHarness(t)
	c := h.controller("u1")
	ctx := context.Background()
	h.clock.Set(monday(9, 15))
	st, err := c.RequestCheckIn(ctx, near(10), monday(9, 15))
	require.NoError(t, err)
	require.Equal(t, session.KindAwaitingLatenessReason, st.Kind())

	// WHEN: the reason arrives after midnight, before any scheduled rollover
	h.clock.Set(tuesday(0, 30))
	st, err = c.SubmitReason(ctx, session.ReasonLateness, longReason)

	// THEN: the paused check-in was discarded, nothing was committed
	require.ErrorIs(t, err, session.ErrInvalidTransition)
	assert.Equal(t, session.KindNoSession, st.Kind())
	for _, day := range []time.Time{monday(9, 15), tuesday(0, 30)} {
		stored, err := h.records.FindSession(ctx, "u1", h.policy.DayOf(day))
		require.NoError(t, err)
		assert.Nil(t, stored)
	}
}

func TestCancelPendingReason_AfterMidnightAutoClosesSession(t *testing.T) {
	// GIVEN: an early check-out paused for a reason on Monday
	h := newHarness(t)
	c := h.controller("u1")
	ctx := context.Background()
	_, err := c.RequestCheckIn(ctx, near(10), monday(8, 30))
	require.NoError(t, err)
	st, err := c.RequestCheckOut(ctx, near(10), monday(12, 0))
	require.NoError(t, err)
	require.Equal(t, session.KindAwaitingEarlyCheckoutReason, st.Kind())

	// WHEN: cancelling after midnight
	h.clock.Set(tuesday(0, 30))
	st, err = c.CancelPendingReason(ctx)

	// THEN: the rollover ran first, so there is nothing left to cancel
	require.ErrorIs(t, err, session.ErrInvalidTransition)
	assert.Equal(t, session.KindNoSession, st.Kind())
	mon, _ := h.records.FindSession(ctx, "u1", h.policy.DayOf(monday(8, 30)))
	assert.Equal(t, session.StatusAutoClosed, mon.Status)
}

func TestRetryCommit_AfterMidnightDropsYesterdaysCommit(t *testing.T) {
	h := newHarness(t)
	c := h.controller("u1")
	ctx := context.Background()

	h.records.failCheckIn.Store(true)
	_, err := c.RequestCheckIn(ctx, near(10), monday(8, 30))
	require.ErrorIs(t, err, session.ErrPersistence)
	require.True(t, c.HasPendingCommit())
	h.records.failCheckIn.Store(false)

	h.clock.Set(tuesday(0, 30))
	_, err = c.RetryCommit(ctx)

	require.ErrorIs(t, err, session.ErrInvalidTransition)
	assert.False(t, c.HasPendingCommit())
	stored, _ := h.records.FindSession(ctx, "u1", h.policy.DayOf(monday(8, 30)))
	assert.Nil(t, stored)
}

func TestApprovalDecision_AfterMidnightIsStale(t *testing.T) {
	h := newHarness(t)
	c := h.controller("u1")
	ctx := context.Background()

	_, err := c.RequestCheckIn(ctx, near(8000), monday(8, 30))
	require.ErrorIs(t, err, session.ErrOutOfRange)
	st, err := c.RequestOffPremisesException(ctx, position.Sample{}, "visiting the client site in Bekasi")
	require.NoError(t, err)
	id := st.(session.AwaitingOffPremisesApproval).RequestID

	h.clock.Set(tuesday(0, 30))
	d, err := h.approvals.Decide(ctx, id, true, "mgr-1", "")
	require.NoError(t, err)
	st, err = c.ApplyApprovalDecision(ctx, d)

	require.NoError(t, err)
	assert.Equal(t, session.KindNoSession, st.Kind())
	stored, _ := h.records.FindSession(ctx, "u1", h.policy.DayOf(monday(8, 30)))
	assert.Nil(t, stored)
}

func TestDwellTimer_EmitsCheckoutAvailable(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	h.policy.MinimumDwell = 30 * time.Millisecond
	c := h.controller("u1")
	c.Start()
	defer c.Close()

	_, err := c.RequestCheckIn(context.Background(), near(10), h.clock.Now())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		for _, e := range h.eventTypes() {
			if e == session.EventCheckoutAvailable {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestDwellTimer_StoppedByClose(t *testing.T) {
	h := newHarness(t)
	h.policy.MinimumDwell = 20 * time.Millisecond
	c := h.controller("u1")
	c.Start()

	_, err := c.RequestCheckIn(context.Background(), near(10), h.clock.Now())
	require.NoError(t, err)
	c.Close()

	time.Sleep(60 * time.Millisecond)
	assert.NotContains(t, h.eventTypes(), session.EventCheckoutAvailable)
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestRegistry_UnknownUser(t *testing.T) {
	h := newHarness(t)
	reg := session.NewRegistry(h.deps)
	defer reg.Close()

	_, err := reg.Controller(context.Background(), "ghost")
	assert.ErrorIs(t, err, session.ErrUserNotFound)
	assert.True(t, session.IsNotFound(err))
}

func TestRegistry_ListenAppliesDecisions(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	reg := session.NewRegistry(h.deps)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- reg.Listen(ctx) }()
	require.Eventually(t, func() bool { return h.approvals.Subscribers() == 1 }, time.Second, time.Millisecond)

	c, err := reg.Controller(ctx, "u1")
	require.NoError(t, err)
	_, err = c.RequestCheckIn(ctx, near(9000), monday(8, 30))
	require.ErrorIs(t, err, session.ErrOutOfRange)
	st, err := c.RequestOffPremisesException(ctx, near(9000), "visiting the client site in Bekasi")
	require.NoError(t, err)

	_, err = h.approvals.Decide(ctx, st.(session.AwaitingOffPremisesApproval).RequestID, true, "mgr-1", "")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return c.CurrentState().Kind() == session.KindCheckedIn
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	reg.Close()
}

func TestRegistry_RolloverAllCountsResets(t *testing.T) {
	h := newHarness(t)
	reg := session.NewRegistry(h.deps)
	defer reg.Close()
	ctx := context.Background()

	u1, err := reg.Controller(ctx, "u1")
	require.NoError(t, err)
	_, err = reg.Controller(ctx, "u2")
	require.NoError(t, err)
	_, err = u1.RequestCheckIn(ctx, near(10), monday(8, 30))
	require.NoError(t, err)

	reset, err := reg.RolloverAll(ctx, tuesday(0, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, reset)
	assert.Len(t, reg.Controllers(), 2)
}

func TestRolloverScheduler_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	reg := session.NewRegistry(h.deps)
	defer reg.Close()
	ctx := context.Background()

	c, err := reg.Controller(ctx, "u1")
	require.NoError(t, err)
	_, err = c.RequestCheckIn(ctx, near(10), monday(8, 30))
	require.NoError(t, err)
	h.clock.Set(tuesday(0, 1))

	sched := session.NewRolloverScheduler(reg)
	sched.CheckInterval = 10 * time.Millisecond
	sched.Start()
	sched.Start()

	assert.Eventually(t, func() bool {
		return c.CurrentState().Kind() == session.KindNoSession
	}, time.Second, 5*time.Millisecond)

	sched.Stop()
	sched.Stop()
}

func TestRolloverScheduler_Disabled(t *testing.T) {
	h := newHarness(t)
	sched := session.NewRolloverScheduler(session.NewRegistry(h.deps))
	sched.Enabled = false

	sched.Start()
	sched.Stop()
}

// =============================================================================
// FACILITY CACHE
// =============================================================================

type countingDirectory struct {
	calls atomic.Int32
	fail  atomic.Bool
	list  []proximity.Facility
}

func (d *countingDirectory) ListActiveFacilities(context.Context) ([]proximity.Facility, error) {
	d.calls.Add(1)
	if d.fail.Load() {
		return nil, errors.New("directory offline")
	}
	return d.list, nil
}

func TestCachedDirectory(t *testing.T) {
	src := &countingDirectory{list: []proximity.Facility{{ID: "hq", Active: true}}}
	clock := &fakeClock{now: monday(8, 0)}
	cache := &session.CachedDirectory{Source: src, TTL: time.Minute, Now: clock.Now}
	ctx := context.Background()

	_, err := cache.ListActiveFacilities(ctx)
	require.NoError(t, err)
	_, err = cache.ListActiveFacilities(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, src.calls.Load(), "served from cache within TTL")

	clock.Advance(2 * time.Minute)
	src.fail.Store(true)
	fs, err := cache.ListActiveFacilities(ctx)
	require.NoError(t, err, "stale snapshot served on refresh failure")
	assert.Len(t, fs, 1)
	assert.EqualValues(t, 2, src.calls.Load())

	cache.Invalidate()
	src.fail.Store(false)
	_, err = cache.ListActiveFacilities(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, src.calls.Load())
}

func TestCachedDirectory_ColdFailure(t *testing.T) {
	src := &countingDirectory{}
	src.fail.Store(true)
	cache := &session.CachedDirectory{Source: src, TTL: time.Minute}

	_, err := cache.ListActiveFacilities(context.Background())
	assert.Error(t, err)
}
