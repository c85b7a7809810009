package proximity_test

import (
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/attendance-engine/policy"
	"github.com/warp/attendance-engine/position"
	"github.com/warp/attendance-engine/proximity"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const hqLat, hqLng = -6.175392, 106.827153

// north returns a coordinate meters due north of (lat, lng).
func north(lat, lng, meters float64) (float64, float64) {
	return lat + meters/proximity.EarthRadiusMeters*180/math.Pi, lng
}

func facility(id string, lat, lng, radius float64) proximity.Facility {
	return proximity.Facility{
		ID: proximity.FacilityID(id), Name: "Site " + id,
		Latitude: lat, Longitude: lng, RadiusMeters: radius, Active: true,
	}
}

func sampleAt(lat, lng, accuracy float64) position.Sample {
	return position.Sample{Latitude: lat, Longitude: lng, AccuracyMeters: accuracy, Source: position.SourceGPS}
}

// haversine is an independent reference implementation.
func haversine(a, b proximity.Coord) float64 {
	rad := math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * rad
	dLng := (b.Longitude - a.Longitude) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Latitude*rad)*math.Cos(b.Latitude*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * proximity.EarthRadiusMeters * math.Asin(math.Sqrt(math.Min(1, h)))
}

func randomCoord(r *rand.Rand) proximity.Coord {
	return proximity.Coord{Latitude: r.Float64()*170 - 85, Longitude: r.Float64()*360 - 180}
}

// =============================================================================
// DISTANCE
// =============================================================================

func TestDistance_SymmetricAndZeroOnIdentity(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		a, b := randomCoord(r), randomCoord(r)
		assert.InDelta(t, proximity.DistanceMeters(a, b), proximity.DistanceMeters(b, a), 1e-6)
		assert.Equal(t, 0.0, proximity.DistanceMeters(a, a))
	}
}

func TestDistance_MatchesHaversineReference(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for i := 0; i < 500; i++ {
		a, b := randomCoord(r), randomCoord(r)
		want := haversine(a, b)
		got := proximity.DistanceMeters(a, b)
		if want == 0 {
			assert.Equal(t, 0.0, got)
			continue
		}
		assert.InEpsilon(t, want, got, 1e-6, "%v -> %v", a, b)
	}
}

func TestDistance_KnownOffset(t *testing.T) {
	lat, lng := north(hqLat, hqLng, 40)
	d := proximity.DistanceMeters(proximity.Coord{Latitude: hqLat, Longitude: hqLng}, proximity.Coord{Latitude: lat, Longitude: lng})
	assert.InDelta(t, 40.0, d, 1e-6)
}

// =============================================================================
// NEAREST
// =============================================================================

func TestNearest_EqualsBruteForce(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for round := 0; round < 50; round++ {
		var facilities []proximity.Facility
		n := 1 + r.Intn(20)
		for i := 0; i < n; i++ {
			c := randomCoord(r)
			facilities = append(facilities, facility(fmt.Sprintf("f%02d", i), c.Latitude, c.Longitude, 100))
		}
		proximity.SortFacilities(facilities)
		at := randomCoord(r)

		best := 0
		for i := range facilities {
			if proximity.DistanceMeters(at, facilities[i].Coord()) < proximity.DistanceMeters(at, facilities[best].Coord()) {
				best = i
			}
		}

		got, ok := proximity.Nearest(at, facilities)
		require.True(t, ok)
		assert.Equal(t, facilities[best].ID, got.Facility.ID)
	}
}

func TestNearest_EmptyList(t *testing.T) {
	_, ok := proximity.Nearest(proximity.Coord{}, nil)
	assert.False(t, ok)
}

func TestNearest_TieGoesToFirst(t *testing.T) {
	// GIVEN: two facilities equidistant east and west of the sample
	facilities := []proximity.Facility{
		facility("b", 0, 0.001, 50),
		facility("a", 0, -0.001, 50),
	}
	proximity.SortFacilities(facilities)

	got, ok := proximity.Nearest(proximity.Coord{}, facilities)
	require.True(t, ok)
	assert.Equal(t, proximity.FacilityID("a"), got.Facility.ID)
}

// =============================================================================
// TOLERANCE
// =============================================================================

func TestResolveTolerance_Priority(t *testing.T) {
	profile := policy.ToleranceProfile{
		DeviceRadii: map[policy.DeviceClass]float64{policy.DeviceMobile: 400},
		ClientTolerances: policy.ClientToleranceTable{
			Enabled: true,
			Entries: map[string]float64{"kiosk-7": 900},
		},
		GlobalFallback: 1500,
	}

	got := proximity.ResolveTolerance(policy.DeviceMobile, "kiosk-7", profile)
	assert.Equal(t, proximity.Resolution{Meters: 400, Source: proximity.SourceDeviceClass}, got, "device class beats client table")

	got = proximity.ResolveTolerance(policy.DeviceDesktop, "kiosk-7", profile)
	assert.Equal(t, proximity.Resolution{Meters: 900, Source: proximity.SourceClientTable}, got, "client table beats fallback")

	got = proximity.ResolveTolerance(policy.DeviceDesktop, "unknown", profile)
	assert.Equal(t, proximity.Resolution{Meters: 1500, Source: proximity.SourceGlobal}, got)

	profile.ClientTolerances.Enabled = false
	got = proximity.ResolveTolerance(policy.DeviceDesktop, "kiosk-7", profile)
	assert.Equal(t, proximity.SourceGlobal, got.Source, "disabled table is ignored")
}

// =============================================================================
// VERDICTS
// =============================================================================

func TestScenarioA_GoodAccuracyWithinRadius(t *testing.T) {
	// GIVEN: accuracy 15m, facility radius 50m, sample 40m away, and a
	// device tolerance smaller than the facility radius
	// WHEN: validating check-in
	// THEN: eligible with tier Good, judged against the 50m radius
	p := policy.Default()
	p.CheckInTolerance.DeviceRadii[policy.DeviceMobile] = 30
	lat, lng := north(hqLat, hqLng, 40)

	v := proximity.ValidateCheckIn(sampleAt(lat, lng, 15), []proximity.Facility{facility("hq", hqLat, hqLng, 50)}, p,
		proximity.Device{Class: policy.DeviceMobile})

	assert.True(t, v.Eligible)
	assert.Equal(t, proximity.TierGood, v.AccuracyTier)
	assert.Equal(t, proximity.PurposeCheckIn, v.Purpose)
	require.NotNil(t, v.Winner)
	assert.Equal(t, proximity.FacilityID("hq"), v.Winner.Facility.ID)
	assert.InDelta(t, 40.0, v.Winner.DistanceMeters, 1e-6)
	assert.Equal(t, 50.0, v.Winner.ToleranceMeters)
}

func TestScenarioB_CriticalAccuracyDoesNotDecideEligibility(t *testing.T) {
	p := policy.Default()
	hq := []proximity.Facility{facility("hq", hqLat, hqLng, 50)}
	mobile := proximity.Device{Class: policy.DeviceMobile}

	nearLat, nearLng := north(hqLat, hqLng, 40)
	near := proximity.ValidateCheckIn(sampleAt(nearLat, nearLng, 1500), hq, p, mobile)
	assert.Equal(t, proximity.TierCritical, near.AccuracyTier)
	assert.True(t, near.Eligible)

	farLat, farLng := north(hqLat, hqLng, 5000)
	far := proximity.ValidateCheckIn(sampleAt(farLat, farLng, 1500), hq, p, mobile)
	assert.Equal(t, proximity.TierCritical, far.AccuracyTier)
	assert.False(t, far.Eligible)
	assert.Nil(t, far.Winner)
	require.NotNil(t, far.Nearest)
	assert.Equal(t, 400.0, far.Nearest.ToleranceMeters)
}

func TestValidate_EmptyFacilityList(t *testing.T) {
	v := proximity.ValidateCheckIn(sampleAt(hqLat, hqLng, 10), nil, policy.Default(), proximity.Device{Class: policy.DeviceMobile})

	assert.False(t, v.Eligible)
	assert.Nil(t, v.Nearest)
	assert.Nil(t, v.Winner)
	assert.Empty(t, v.Candidates)
}

func TestValidate_CandidatesSortedByDistanceThenID(t *testing.T) {
	farLat, farLng := north(hqLat, hqLng, 3000)
	facilities := []proximity.Facility{
		facility("z-far", farLat, farLng, 50),
		facility("b", 0, 0.001, 50),
		facility("a", 0, -0.001, 50),
	}

	v := proximity.ValidateCheckIn(sampleAt(0, 0, 10), facilities, policy.Default(), proximity.Device{Class: policy.DeviceMobile})

	require.Len(t, v.Candidates, 3)
	assert.Equal(t, proximity.FacilityID("a"), v.Candidates[0].Facility.ID)
	assert.Equal(t, proximity.FacilityID("b"), v.Candidates[1].Facility.ID)
	assert.Equal(t, proximity.FacilityID("z-far"), v.Candidates[2].Facility.ID)
	assert.Equal(t, v.Candidates[0], *v.Nearest)
}

func TestValidate_WinnerIsNearestEligible(t *testing.T) {
	// GIVEN: a small site 450m away and a large campus 600m away
	// THEN: the campus wins because only its own radius covers the sample
	smallLat, smallLng := north(hqLat, hqLng, 450)
	campusLat, campusLng := north(hqLat, hqLng, -600)
	facilities := []proximity.Facility{
		facility("small", smallLat, smallLng, 50),
		facility("campus", campusLat, campusLng, 800),
	}

	v := proximity.ValidateCheckIn(sampleAt(hqLat, hqLng, 10), facilities, policy.Default(), proximity.Device{Class: policy.DeviceMobile})

	require.True(t, v.Eligible)
	assert.Equal(t, proximity.FacilityID("small"), v.Nearest.Facility.ID)
	assert.Equal(t, proximity.FacilityID("campus"), v.Winner.Facility.ID)
}

func TestValidate_CheckOutUsesNarrowerProfile(t *testing.T) {
	// GIVEN: a desktop 1800m from the facility
	// THEN: check-in (2000m) passes, check-out (1500m) does not
	p := policy.Default()
	lat, lng := north(hqLat, hqLng, 1800)
	hq := []proximity.Facility{facility("hq", hqLat, hqLng, 50)}
	desktop := proximity.Device{Class: policy.DeviceDesktop}

	in := proximity.ValidateCheckIn(sampleAt(lat, lng, 1200), hq, p, desktop)
	out := proximity.ValidateCheckOut(sampleAt(lat, lng, 1200), hq, p, desktop)

	assert.True(t, in.Eligible)
	assert.False(t, out.Eligible)
	assert.Equal(t, proximity.PurposeCheckOut, out.Purpose)
	assert.Equal(t, 1500.0, out.Tolerance.Meters)
}

// =============================================================================
// ACCURACY TIERS
// =============================================================================

func TestTierFor_BoundariesInclusiveOnLowerTier(t *testing.T) {
	cases := []struct {
		accuracy float64
		want     proximity.AccuracyTier
	}{
		{0, proximity.TierGood},
		{30, proximity.TierGood},
		{30.5, proximity.TierModerate},
		{100, proximity.TierModerate},
		{100.01, proximity.TierPoor},
		{1000, proximity.TierPoor},
		{1000.5, proximity.TierCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, proximity.TierFor(tc.accuracy), "accuracy %v", tc.accuracy)
		assert.NotEmpty(t, tc.want.Advisory())
	}
}

// =============================================================================
// FACILITY WINDOWS
// =============================================================================

func TestFacility_CheckInWindowAndEndOfDay(t *testing.T) {
	loc := time.FixedZone("WIB", 7*3600)
	start := policy.MustTimeOfDay("07:00")
	end := policy.MustTimeOfDay("10:00")
	eod := policy.MustTimeOfDay("16:30")
	f := facility("hq", hqLat, hqLng, 50)
	f.CheckInWindowStart, f.CheckInWindowEnd, f.EndOfDay = &start, &end, &eod

	assert.False(t, f.CheckInOpen(time.Date(2025, 3, 10, 6, 59, 0, 0, loc), loc))
	assert.True(t, f.CheckInOpen(time.Date(2025, 3, 10, 7, 0, 0, 0, loc), loc))
	assert.True(t, f.CheckInOpen(time.Date(2025, 3, 10, 10, 0, 0, 0, loc), loc))
	assert.False(t, f.CheckInOpen(time.Date(2025, 3, 10, 10, 1, 0, 0, loc), loc))

	p := policy.Default()
	p.Location = loc
	ref := time.Date(2025, 3, 10, 12, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2025, 3, 10, 16, 30, 0, 0, loc), f.EndOfDayOn(ref, p))

	f.EndOfDay = nil
	assert.Equal(t, time.Date(2025, 3, 10, 17, 0, 0, 0, loc), f.EndOfDayOn(ref, p))
}
