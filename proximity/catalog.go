package proximity

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/warp/attendance-engine/policy"
)

// ErrInvalidFacility is returned for facilities that cannot be evaluated.
var ErrInvalidFacility = errors.New("invalid facility")

// catalogFile is the on-disk facility list:
//
//	facilities:
//	  - id: hq
//	    name: Head Office
//	    latitude: -6.175392
//	    longitude: 106.827153
//	    radius_meters: 50
//	    end_of_day: "17:30"
type catalogFile struct {
	Facilities []yaml.Node `yaml:"facilities"`
}

// ParseFacilities decodes a YAML facility list. Entries without an
// explicit active flag are active.
func ParseFacilities(data []byte) ([]Facility, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse facilities: %w", err)
	}

	seen := make(map[FacilityID]bool, len(file.Facilities))
	out := make([]Facility, 0, len(file.Facilities))
	for i, node := range file.Facilities {
		var (
			f    Facility
			flag struct {
				Active *bool `yaml:"active"`
			}
		)
		if err := node.Decode(&f); err != nil {
			return nil, fmt.Errorf("facility %d: %w", i, err)
		}
		if err := node.Decode(&flag); err != nil {
			return nil, fmt.Errorf("facility %d: %w", i, err)
		}
		f.Active = flag.Active == nil || *flag.Active
		if err := ValidateFacility(f); err != nil {
			return nil, fmt.Errorf("facility %d: %w", i, err)
		}
		if seen[f.ID] {
			return nil, fmt.Errorf("facility %d: %w: duplicate id %q", i, ErrInvalidFacility, f.ID)
		}
		seen[f.ID] = true
		out = append(out, f)
	}
	SortFacilities(out)
	return out, nil
}

// ValidateFacility checks the fields distance and window logic depend on.
func ValidateFacility(f Facility) error {
	switch {
	case f.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidFacility)
	case f.Latitude < -90 || f.Latitude > 90:
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidFacility, f.Latitude)
	case f.Longitude < -180 || f.Longitude > 180:
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidFacility, f.Longitude)
	case f.RadiusMeters < 0:
		return fmt.Errorf("%w: negative radius", ErrInvalidFacility)
	}
	if f.CheckInWindowStart != nil && f.CheckInWindowEnd != nil &&
		minutes(*f.CheckInWindowEnd) < minutes(*f.CheckInWindowStart) {
		return fmt.Errorf("%w: check-in window ends before it starts", ErrInvalidFacility)
	}
	return nil
}

func minutes(t policy.TimeOfDay) int { return t.Hour*60 + t.Minute }
