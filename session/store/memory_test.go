package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/attendance-engine/proximity"
	"github.com/warp/attendance-engine/session"
	"github.com/warp/attendance-engine/session/store"
)

var wib = time.FixedZone("WIB", 7*3600)

func openOn(id session.SessionID, user session.UserID, day int) session.Session {
	return session.Session{
		ID:              id,
		UserID:          user,
		Day:             time.Date(2025, 3, day, 0, 0, 0, 0, wib),
		CheckInTime:     time.Date(2025, 3, day, 8, 30, 0, 0, wib),
		CheckInFacility: "hq",
		Status:          session.StatusOpen,
	}
}

func TestRecords_OpenSessionsBefore(t *testing.T) {
	// GIVEN: u2 open on the 10th, u1 open on the 10th and the 11th, u3 closed on the 10th
	r := store.NewRecords()
	ctx := context.Background()
	require.NoError(t, r.CommitCheckIn(ctx, openOn("s-2", "u2", 10)))
	require.NoError(t, r.CommitCheckIn(ctx, openOn("s-1", "u1", 10)))
	require.NoError(t, r.CommitCheckIn(ctx, openOn("s-3", "u1", 11)))
	done := openOn("s-4", "u3", 10)
	require.NoError(t, r.CommitCheckIn(ctx, done))
	out := time.Date(2025, 3, 10, 17, 0, 0, 0, wib)
	done.CheckOutTime = &out
	done.Status = session.StatusClosed
	require.NoError(t, r.CommitCheckOut(ctx, done))

	// WHEN: listing sessions still open before the 11th
	stale, err := r.OpenSessionsBefore(ctx, "", time.Date(2025, 3, 11, 0, 0, 0, 0, wib))

	// THEN: the two open sessions of the 10th come back ordered by user
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, session.SessionID("s-1"), stale[0].ID)
	assert.Equal(t, session.SessionID("s-2"), stale[1].ID)

	mine, err := r.OpenSessionsBefore(ctx, "u1", time.Date(2025, 3, 12, 0, 0, 0, 0, wib))
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, session.SessionID("s-1"), mine[0].ID, "oldest first")
}

func TestFacilities_ListActiveSkipsInactive(t *testing.T) {
	d := store.NewFacilities(
		proximity.Facility{ID: "hq", Name: "Head Office", Active: true},
		proximity.Facility{ID: "old", Name: "Closed Branch"},
	)

	active, err := d.ListActiveFacilities(context.Background())

	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, proximity.FacilityID("hq"), active[0].ID)
}

func TestFacilities_ListActiveReportsListFailure(t *testing.T) {
	// GIVEN: a canceled request
	d := store.NewFacilities(proximity.Facility{ID: "hq", Active: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// WHEN: listing active facilities
	active, err := d.ListActiveFacilities(ctx)

	// THEN: the listing error is returned rather than an empty result
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, active)
}
