package session_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/warp/attendance-engine/policy"
	"github.com/warp/attendance-engine/position"
	"github.com/warp/attendance-engine/proximity"
	"github.com/warp/attendance-engine/session"
	"github.com/warp/attendance-engine/session/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var wib = time.FixedZone("WIB", 7*3600)

const hqLat, hqLng = -6.175392, 106.827153

// monday returns 2025-03-10 at hh:mm local time.
func monday(hh, mm int) time.Time {
	return time.Date(2025, time.March, 10, hh, mm, 0, 0, wib)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyRecords fails commits while the matching flag is set.
type flakyRecords struct {
	*store.Records
	failCheckIn  atomic.Bool
	failCheckOut atomic.Bool
}

var errDiskFull = errors.New("disk full")

func (f *flakyRecords) CommitCheckIn(ctx context.Context, s session.Session) error {
	if f.failCheckIn.Load() {
		return errDiskFull
	}
	return f.Records.CommitCheckIn(ctx, s)
}

func (f *flakyRecords) CommitCheckOut(ctx context.Context, s session.Session) error {
	if f.failCheckOut.Load() {
		return errDiskFull
	}
	return f.Records.CommitCheckOut(ctx, s)
}

type harness struct {
	policy     *policy.Policy
	clock      *fakeClock
	records    *flakyRecords
	facilities *store.Facilities
	approvals  *store.Approvals
	directory  *store.Directory
	deps       session.Deps

	mu     sync.Mutex
	events []session.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	p := policy.Default()
	p.Location = wib

	hq := proximity.Facility{
		ID: "hq", Name: "Head Office",
		Latitude: hqLat, Longitude: hqLng, RadiusMeters: 50,
		RequiresEarlyCheckoutReason: true,
		Active:                      true,
	}

	h := &harness{
		policy:     p,
		clock:      &fakeClock{now: monday(8, 30)},
		records:    &flakyRecords{Records: store.NewRecords()},
		facilities: store.NewFacilities(hq),
		approvals:  store.NewApprovals(),
		directory: store.NewDirectory(
			session.UserProfile{UserID: "u1", Name: "Sari", Role: "staff", Department: "ops"},
			session.UserProfile{UserID: "u2", Name: "Budi", Role: "manager", Department: "ops"},
		),
	}
	h.deps = session.Deps{
		Policy:     policy.Static(p),
		Facilities: h.facilities,
		Records:    h.records,
		Approvals:  h.approvals,
		Identity:   h.directory,
		Device:     session.Device{Class: policy.DeviceMobile, ID: "phone-1"},
		Clock:      h.clock,
		OnEvent: func(e session.Event) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, e)
		},
	}
	return h
}

func (h *harness) controller(user session.UserID) *session.Controller {
	return session.NewController(user, h.deps)
}

func (h *harness) eventTypes() []session.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]session.EventType, 0, len(h.events))
	for _, e := range h.events {
		out = append(out, e.Type)
	}
	return out
}

// near returns a good GPS sample meters due north of the head office.
func near(meters float64) position.Sample {
	return position.Sample{
		Latitude:       hqLat + meters/proximity.EarthRadiusMeters*180/math.Pi,
		Longitude:      hqLng,
		AccuracyMeters: 12,
		Source:         position.SourceGPS,
	}
}

const longReason = "stuck in traffic for over 30 minutes"
