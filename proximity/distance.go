package proximity

import (
	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean Earth radius.
const EarthRadiusMeters = 6371000.0

// DistanceMeters returns the great-circle distance between a and b.
func DistanceMeters(a, b Coord) float64 {
	p1 := s2.LatLngFromDegrees(a.Latitude, a.Longitude)
	p2 := s2.LatLngFromDegrees(b.Latitude, b.Longitude)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// Nearest returns the closest facility to at. The comparison is strict, so
// on equal distances the earlier facility wins; callers pass facilities
// sorted by ID for a deterministic result. ok is false for an empty list.
func Nearest(at Coord, facilities []Facility) (Candidate, bool) {
	var (
		best  Candidate
		found bool
	)
	for _, f := range facilities {
		d := DistanceMeters(at, f.Coord())
		if !found || d < best.DistanceMeters {
			best = Candidate{Facility: f, DistanceMeters: d}
			found = true
		}
	}
	return best, found
}
