/*
Package proximity decides whether a position sample is close enough to a
facility to check in or out.

PURPOSE:
  Everything here is a pure function of its inputs: no I/O, no clocks, no
  mutable state. The session controller feeds it a fresh sample and the
  current facility list on every decision and renders the returned Verdict.

KEY CONCEPTS:
  - Distance: great-circle distance on a spherical Earth (s2 LatLng)
  - Tolerance: the one radius resolved for this device/client, see
    ResolveTolerance
  - Effective radius: max(facility radius, resolved tolerance). A facility
    drawn with a 50m geofence still accepts a desktop whose IP-based fix is
    1.5km off when the policy grants desktops 2000m.
  - Candidate: one facility with its distance and effective radius
  - AccuracyTier: advisory label for the sample's reported accuracy; it
    never changes eligibility

ORDERING:
  Candidates are sorted by ascending distance, ties broken by facility ID,
  so two equal inputs always produce the same verdict.

SEE ALSO:
  - tolerance.go: ResolveTolerance
  - verdict.go: ValidateCheckIn / ValidateCheckOut
*/
package proximity

import (
	"time"

	"github.com/warp/attendance-engine/policy"
)

// =============================================================================
// FACILITY
// =============================================================================

type FacilityID string

// Facility is a physical site employees attend. It is owned by the
// facility directory and read-only to the engine.
type Facility struct {
	ID           FacilityID `json:"id" yaml:"id"`
	Name         string     `json:"name" yaml:"name"`
	Latitude     float64    `json:"latitude" yaml:"latitude"`
	Longitude    float64    `json:"longitude" yaml:"longitude"`
	RadiusMeters float64    `json:"radius_meters" yaml:"radius_meters"`

	// Optional check-in window; either bound may be nil.
	CheckInWindowStart *policy.TimeOfDay `json:"check_in_window_start,omitempty" yaml:"check_in_window_start,omitempty"`
	CheckInWindowEnd   *policy.TimeOfDay `json:"check_in_window_end,omitempty" yaml:"check_in_window_end,omitempty"`

	// EndOfDay overrides the policy's end of day for this site.
	EndOfDay *policy.TimeOfDay `json:"end_of_day,omitempty" yaml:"end_of_day,omitempty"`

	RequiresEarlyCheckoutReason bool `json:"requires_early_checkout_reason" yaml:"requires_early_checkout_reason"`
	Active                      bool `json:"active" yaml:"active"`
}

func (f Facility) Coord() Coord { return Coord{Latitude: f.Latitude, Longitude: f.Longitude} }

// CheckInOpen reports whether t falls inside the facility's check-in window.
// A missing bound is open-ended.
func (f Facility) CheckInOpen(t time.Time, loc *time.Location) bool {
	if f.CheckInWindowStart != nil && t.Before(f.CheckInWindowStart.On(t, loc)) {
		return false
	}
	if f.CheckInWindowEnd != nil && t.After(f.CheckInWindowEnd.On(t, loc)) {
		return false
	}
	return true
}

// EndOfDayOn returns the end of the working day containing t at this
// facility, falling back to the policy default.
func (f Facility) EndOfDayOn(t time.Time, p *policy.Policy) time.Time {
	if f.EndOfDay != nil {
		return f.EndOfDay.On(t, p.Loc())
	}
	return p.EndOfDay.On(t, p.Loc())
}

// =============================================================================
// COORDINATES & CANDIDATES
// =============================================================================

type Coord struct {
	Latitude  float64
	Longitude float64
}

// Candidate is one facility evaluated against a sample.
type Candidate struct {
	Facility        Facility
	DistanceMeters  float64
	ToleranceMeters float64 // effective radius
	Within          bool
}

// Purpose distinguishes check-in and check-out verdicts, which resolve
// tolerance against different profiles.
type Purpose string

const (
	PurposeCheckIn  Purpose = "check_in"
	PurposeCheckOut Purpose = "check_out"
)
