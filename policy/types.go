/*
Package policy holds the data-driven rules the attendance engine consumes.

PURPOSE:
  Tolerances, time windows, dwell limits, reason requirements and
  exemptions are configuration, not code. This package defines them as
  plain values so the proximity engine and the session controller can be
  tested against any rule set, and so operators can change rules with a
  YAML file instead of a deploy.

KEY CONCEPTS:
  - DeviceClass: mobile, tablet, laptop, desktop (picks a tolerance radius)
  - ToleranceProfile: device radii, optional client table, global fallback
  - TimeOfDay: wall-clock boundary in the policy's time zone ("09:00")
  - Exemptions: roles/departments/weekends that skip lateness and
    early-checkout reasons
  - Acquisition: how positions are sampled per platform

TIME ZONES:
  Every boundary (cutoff, end of day, midnight rollover) is evaluated in
  Policy.Location. A day is identified by its local midnight.

SEE ALSO:
  - factory.go: YAML/JSON parsing with defaults
  - presets.go: Default policy
  - source.go: Reloadable policy snapshot
*/
package policy

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// DEVICE CLASS
// =============================================================================

type DeviceClass string

const (
	DeviceMobile  DeviceClass = "mobile"
	DeviceTablet  DeviceClass = "tablet"
	DeviceLaptop  DeviceClass = "laptop"
	DeviceDesktop DeviceClass = "desktop"
)

// ParseDeviceClass accepts the four known classes, case-insensitively.
func ParseDeviceClass(s string) (DeviceClass, error) {
	switch c := DeviceClass(strings.ToLower(strings.TrimSpace(s))); c {
	case DeviceMobile, DeviceTablet, DeviceLaptop, DeviceDesktop:
		return c, nil
	}
	return "", fmt.Errorf("unknown device class %q", s)
}

// =============================================================================
// TIME OF DAY
// =============================================================================

// TimeOfDay is a wall-clock boundary with minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func NewTimeOfDay(hour, minute int) TimeOfDay { return TimeOfDay{Hour: hour, Minute: minute} }

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// On returns the instant this boundary occurs on the local day containing ref.
func (t TimeOfDay) On(ref time.Time, loc *time.Location) time.Time {
	local := ref.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), t.Hour, t.Minute, 0, 0, loc)
}

// =============================================================================
// TOLERANCE PROFILE
// =============================================================================

// ClientToleranceTable holds per-client overrides keyed by the opaque device
// identifier. Entries are ignored unless Enabled.
type ClientToleranceTable struct {
	Enabled bool
	Entries map[string]float64
}

// ToleranceProfile resolves to one radius per decision. Resolution order is
// device class, then client table, then GlobalFallback; sources are never
// combined.
type ToleranceProfile struct {
	DeviceRadii      map[DeviceClass]float64
	ClientTolerances ClientToleranceTable
	GlobalFallback   float64
}

// =============================================================================
// EXEMPTIONS
// =============================================================================

// Exemptions lists who is excused from lateness and early-checkout reasons.
type Exemptions struct {
	Roles       []string
	Departments []string
	Weekends    bool
}

// Covers reports whether a user with role/department is exempt on day.
func (e Exemptions) Covers(role, department string, day time.Time) bool {
	if e.Weekends {
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return true
		}
	}
	for _, r := range e.Roles {
		if role != "" && strings.EqualFold(r, role) {
			return true
		}
	}
	for _, d := range e.Departments {
		if department != "" && strings.EqualFold(d, department) {
			return true
		}
	}
	return false
}

// =============================================================================
// ACQUISITION
// =============================================================================

// Acquisition configures the position acquirer. Platforms or device classes
// listed in Sampled* are known to report poor fixes and are averaged over
// SampleCount readings.
type Acquisition struct {
	Timeout              time.Duration
	RelaxedTimeout       time.Duration
	RelaxedMaxAge        time.Duration
	MaxAccuracyMeters    float64
	SampleCount          int
	SampleInterval       time.Duration
	SampledPlatforms     []string
	SampledDeviceClasses []DeviceClass
}

// SamplesFor returns how many readings to average for a platform/device
// class. One means a single reading.
func (a Acquisition) SamplesFor(platform string, class DeviceClass) int {
	if a.SampleCount <= 1 {
		return 1
	}
	for _, p := range a.SampledPlatforms {
		if strings.EqualFold(p, platform) {
			return a.SampleCount
		}
	}
	for _, c := range a.SampledDeviceClasses {
		if c == class {
			return a.SampleCount
		}
	}
	return 1
}

// =============================================================================
// POLICY
// =============================================================================

type Policy struct {
	Name     string
	Location *time.Location

	CheckInTolerance  ToleranceProfile
	CheckOutTolerance ToleranceProfile

	// Lateness: check-in after LatenessCutoff+LatenessGrace needs a reason.
	LatenessCutoff TimeOfDay
	LatenessGrace  time.Duration

	// Default end of the working day; facilities may override.
	EndOfDay TimeOfDay

	// Remote (off-premises) sessions have no facility rule to consult.
	RemoteEarlyCheckoutReason bool

	MinimumDwell    time.Duration
	MinReasonLength int
	DebounceWindow  time.Duration

	// OffPremisesEnabled allows escalation after failed check-in proximity.
	OffPremisesEnabled bool

	Exemptions  Exemptions
	Acquisition Acquisition
}

// Loc never returns nil.
func (p *Policy) Loc() *time.Location {
	if p == nil || p.Location == nil {
		return time.Local
	}
	return p.Location
}

// DayOf returns local midnight of the day containing t.
func (p *Policy) DayOf(t time.Time) time.Time {
	local := t.In(p.Loc())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.Loc())
}

// DayKey formats the local day of t as YYYY-MM-DD.
func (p *Policy) DayKey(t time.Time) string { return p.DayOf(t).Format("2006-01-02") }

// NextMidnight returns the local midnight after t.
func (p *Policy) NextMidnight(t time.Time) time.Time {
	return p.DayOf(t).AddDate(0, 0, 1)
}

// LateAfter returns the instant after which a check-in on t's day is late.
func (p *Policy) LateAfter(t time.Time) time.Time {
	return p.LatenessCutoff.On(t, p.Loc()).Add(p.LatenessGrace)
}
