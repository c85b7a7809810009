package proximity

import (
	"sort"

	"github.com/warp/attendance-engine/policy"
	"github.com/warp/attendance-engine/position"
)

// Device identifies what the sample came from, for tolerance resolution.
type Device struct {
	Class     policy.DeviceClass
	ClientKey string
}

// Verdict is the outcome of one proximity decision. It is computed fresh
// for every sample.
type Verdict struct {
	Purpose  Purpose
	Eligible bool

	// Nearest is the closest facility regardless of eligibility; nil when
	// there are no facilities.
	Nearest *Candidate
	// Winner is the closest facility the sample is within; nil when not
	// eligible.
	Winner *Candidate

	Candidates   []Candidate
	AccuracyTier AccuracyTier
	Tolerance    Resolution
	Sample       position.Sample
}

// ValidateCheckIn evaluates s against the policy's check-in tolerance.
func ValidateCheckIn(s position.Sample, facilities []Facility, p *policy.Policy, d Device) Verdict {
	v := Evaluate(s, facilities, p.CheckInTolerance, d)
	v.Purpose = PurposeCheckIn
	return v
}

// ValidateCheckOut evaluates s against the policy's check-out tolerance,
// which is resolved independently of check-in and usually narrower.
func ValidateCheckOut(s position.Sample, facilities []Facility, p *policy.Policy, d Device) Verdict {
	v := Evaluate(s, facilities, p.CheckOutTolerance, d)
	v.Purpose = PurposeCheckOut
	return v
}

// Evaluate builds the full candidate list for s under profile. A sample is
// eligible iff at least one facility lies within its effective radius.
func Evaluate(s position.Sample, facilities []Facility, profile policy.ToleranceProfile, d Device) Verdict {
	res := ResolveTolerance(d.Class, d.ClientKey, profile)
	at := Coord{Latitude: s.Latitude, Longitude: s.Longitude}

	candidates := make([]Candidate, 0, len(facilities))
	for _, f := range facilities {
		dist := DistanceMeters(at, f.Coord())
		radius := effectiveRadius(f, res)
		candidates = append(candidates, Candidate{
			Facility:        f,
			DistanceMeters:  dist,
			ToleranceMeters: radius,
			Within:          dist <= radius,
		})
	}
	SortCandidates(candidates)

	v := Verdict{
		Candidates:   candidates,
		AccuracyTier: TierFor(s.AccuracyMeters),
		Tolerance:    res,
		Sample:       s,
	}
	if len(candidates) == 0 {
		return v
	}
	nearest := candidates[0]
	v.Nearest = &nearest
	for i := range candidates {
		if candidates[i].Within {
			winner := candidates[i]
			v.Winner = &winner
			v.Eligible = true
			break
		}
	}
	return v
}

// SortCandidates orders by ascending distance, then facility ID.
func SortCandidates(c []Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].DistanceMeters != c[j].DistanceMeters {
			return c[i].DistanceMeters < c[j].DistanceMeters
		}
		return c[i].Facility.ID < c[j].Facility.ID
	})
}

// SortFacilities orders facilities by ID, the order Nearest expects.
func SortFacilities(f []Facility) {
	sort.Slice(f, func(i, j int) bool { return f[i].ID < f[j].ID })
}
