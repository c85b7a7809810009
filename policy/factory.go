/*
factory.go - YAML/JSON to Policy conversion

PURPOSE:
  Operators describe attendance rules in a YAML file. The factory turns
  that file into a *Policy, starting from Default() so every omitted key
  keeps its standard value, then validates the result.

YAML SCHEMA:
  name: head-office
  timezone: Asia/Jakarta
  lateness_cutoff: "09:00"
  lateness_grace: 5m
  end_of_day: "17:00"
  minimum_dwell: 2h
  min_reason_length: 20
  debounce_window: 3s
  off_premises_enabled: true
  check_in_tolerance:
    device_radii: {mobile: 400, tablet: 500, laptop: 1000, desktop: 2000}
    client_tolerances:
      enabled: true
      entries: {"kiosk-lobby-01": 250}
    global_fallback: 1500
  check_out_tolerance:
    device_radii: {mobile: 300}
  exemptions:
    roles: [director]
    departments: [field-sales]
    weekends: true
  acquisition:
    timeout: 15s
    max_accuracy_meters: 2000
    sample_count: 3
    sample_interval: 2s
    sampled_platforms: [windows, macos]

  JSON with the same keys is accepted (YAML is a superset).

SEE ALSO:
  - types.go: Policy definition
  - presets.go: Defaults
*/
package policy

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// FILE SCHEMA TYPES
// =============================================================================

// File is the serialized form of a Policy.
type File struct {
	Name                      string           `yaml:"name,omitempty" json:"name"`
	Timezone                  string           `yaml:"timezone,omitempty" json:"timezone"`
	LatenessCutoff            string           `yaml:"lateness_cutoff,omitempty" json:"lateness_cutoff"`
	LatenessGrace             string           `yaml:"lateness_grace,omitempty" json:"lateness_grace"`
	EndOfDay                  string           `yaml:"end_of_day,omitempty" json:"end_of_day"`
	RemoteEarlyCheckoutReason *bool            `yaml:"remote_early_checkout_reason,omitempty" json:"remote_early_checkout_reason"`
	MinimumDwell              string           `yaml:"minimum_dwell,omitempty" json:"minimum_dwell"`
	MinReasonLength           int              `yaml:"min_reason_length,omitempty" json:"min_reason_length"`
	DebounceWindow            string           `yaml:"debounce_window,omitempty" json:"debounce_window"`
	OffPremisesEnabled        *bool            `yaml:"off_premises_enabled,omitempty" json:"off_premises_enabled"`
	CheckInTolerance          *ToleranceFile   `yaml:"check_in_tolerance,omitempty" json:"check_in_tolerance"`
	CheckOutTolerance         *ToleranceFile   `yaml:"check_out_tolerance,omitempty" json:"check_out_tolerance"`
	Exemptions                *ExemptionsFile  `yaml:"exemptions,omitempty" json:"exemptions"`
	Acquisition               *AcquisitionFile `yaml:"acquisition,omitempty" json:"acquisition"`
}

type ToleranceFile struct {
	DeviceRadii      map[string]float64 `yaml:"device_radii,omitempty" json:"device_radii"`
	ClientTolerances *ClientTableFile   `yaml:"client_tolerances,omitempty" json:"client_tolerances,omitempty"`
	GlobalFallback   float64            `yaml:"global_fallback,omitempty" json:"global_fallback"`
}

type ClientTableFile struct {
	Enabled bool               `yaml:"enabled" json:"enabled"`
	Entries map[string]float64 `yaml:"entries,omitempty" json:"entries,omitempty"`
}

type ExemptionsFile struct {
	Roles       []string `yaml:"roles,omitempty" json:"roles,omitempty"`
	Departments []string `yaml:"departments,omitempty" json:"departments,omitempty"`
	Weekends    *bool    `yaml:"weekends,omitempty" json:"weekends"`
}

type AcquisitionFile struct {
	Timeout              string   `yaml:"timeout,omitempty" json:"timeout"`
	RelaxedTimeout       string   `yaml:"relaxed_timeout,omitempty" json:"relaxed_timeout"`
	RelaxedMaxAge        string   `yaml:"relaxed_max_age,omitempty" json:"relaxed_max_age"`
	MaxAccuracyMeters    float64  `yaml:"max_accuracy_meters,omitempty" json:"max_accuracy_meters"`
	SampleCount          int      `yaml:"sample_count,omitempty" json:"sample_count"`
	SampleInterval       string   `yaml:"sample_interval,omitempty" json:"sample_interval"`
	SampledPlatforms     []string `yaml:"sampled_platforms,omitempty" json:"sampled_platforms,omitempty"`
	SampledDeviceClasses []string `yaml:"sampled_device_classes,omitempty" json:"sampled_device_classes,omitempty"`
}

// =============================================================================
// PARSING
// =============================================================================

// ErrInvalidPolicy wraps every validation failure.
var ErrInvalidPolicy = errors.New("invalid policy")

// Parse converts YAML (or JSON) into a validated Policy.
func Parse(data []byte) (*Policy, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return f.Build()
}

// ParseFile reads and parses a policy file.
func ParseFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Build applies the file over Default() and validates the result.
func (f File) Build() (*Policy, error) {
	p := Default()
	var err error

	if f.Name != "" {
		p.Name = f.Name
	}
	if f.Timezone != "" {
		if p.Location, err = time.LoadLocation(f.Timezone); err != nil {
			return nil, invalid("timezone: %v", err)
		}
	}
	if f.LatenessCutoff != "" {
		if p.LatenessCutoff, err = ParseTimeOfDay(f.LatenessCutoff); err != nil {
			return nil, invalid("lateness_cutoff: %v", err)
		}
	}
	if f.EndOfDay != "" {
		if p.EndOfDay, err = ParseTimeOfDay(f.EndOfDay); err != nil {
			return nil, invalid("end_of_day: %v", err)
		}
	}
	if err := parseDuration("lateness_grace", f.LatenessGrace, &p.LatenessGrace); err != nil {
		return nil, err
	}
	if err := parseDuration("minimum_dwell", f.MinimumDwell, &p.MinimumDwell); err != nil {
		return nil, err
	}
	if err := parseDuration("debounce_window", f.DebounceWindow, &p.DebounceWindow); err != nil {
		return nil, err
	}
	if f.MinReasonLength != 0 {
		p.MinReasonLength = f.MinReasonLength
	}
	if f.OffPremisesEnabled != nil {
		p.OffPremisesEnabled = *f.OffPremisesEnabled
	}
	if f.RemoteEarlyCheckoutReason != nil {
		p.RemoteEarlyCheckoutReason = *f.RemoteEarlyCheckoutReason
	}
	if f.CheckInTolerance != nil {
		if err := f.CheckInTolerance.apply("check_in_tolerance", &p.CheckInTolerance); err != nil {
			return nil, err
		}
	}
	if f.CheckOutTolerance != nil {
		if err := f.CheckOutTolerance.apply("check_out_tolerance", &p.CheckOutTolerance); err != nil {
			return nil, err
		}
	}
	if e := f.Exemptions; e != nil {
		p.Exemptions.Roles = e.Roles
		p.Exemptions.Departments = e.Departments
		if e.Weekends != nil {
			p.Exemptions.Weekends = *e.Weekends
		}
	}
	if a := f.Acquisition; a != nil {
		if err := a.apply(&p.Acquisition); err != nil {
			return nil, err
		}
	}

	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (t *ToleranceFile) apply(field string, out *ToleranceProfile) error {
	for name, radius := range t.DeviceRadii {
		class, err := ParseDeviceClass(name)
		if err != nil {
			return invalid("%s.device_radii: %v", field, err)
		}
		out.DeviceRadii[class] = radius
	}
	if t.ClientTolerances != nil {
		out.ClientTolerances = ClientToleranceTable{
			Enabled: t.ClientTolerances.Enabled,
			Entries: t.ClientTolerances.Entries,
		}
	}
	if t.GlobalFallback != 0 {
		out.GlobalFallback = t.GlobalFallback
	}
	return nil
}

func (a *AcquisitionFile) apply(out *Acquisition) error {
	if err := parseDuration("acquisition.timeout", a.Timeout, &out.Timeout); err != nil {
		return err
	}
	if err := parseDuration("acquisition.relaxed_timeout", a.RelaxedTimeout, &out.RelaxedTimeout); err != nil {
		return err
	}
	if err := parseDuration("acquisition.relaxed_max_age", a.RelaxedMaxAge, &out.RelaxedMaxAge); err != nil {
		return err
	}
	if err := parseDuration("acquisition.sample_interval", a.SampleInterval, &out.SampleInterval); err != nil {
		return err
	}
	if a.MaxAccuracyMeters != 0 {
		out.MaxAccuracyMeters = a.MaxAccuracyMeters
	}
	if a.SampleCount != 0 {
		out.SampleCount = a.SampleCount
	}
	if a.SampledPlatforms != nil {
		out.SampledPlatforms = a.SampledPlatforms
	}
	if a.SampledDeviceClasses != nil {
		out.SampledDeviceClasses = out.SampledDeviceClasses[:0:0]
		for _, name := range a.SampledDeviceClasses {
			class, err := ParseDeviceClass(name)
			if err != nil {
				return invalid("acquisition.sampled_device_classes: %v", err)
			}
			out.SampledDeviceClasses = append(out.SampledDeviceClasses, class)
		}
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the invariants every consumer relies on.
func Validate(p *Policy) error {
	if p.MinReasonLength < 1 {
		return invalid("min_reason_length must be at least 1")
	}
	if p.MinimumDwell < 0 || p.DebounceWindow < 0 || p.LatenessGrace < 0 {
		return invalid("durations must not be negative")
	}
	for name, prof := range map[string]ToleranceProfile{
		"check_in_tolerance":  p.CheckInTolerance,
		"check_out_tolerance": p.CheckOutTolerance,
	} {
		if prof.GlobalFallback <= 0 {
			return invalid("%s.global_fallback must be positive", name)
		}
		for class, r := range prof.DeviceRadii {
			if r <= 0 {
				return invalid("%s.device_radii.%s must be positive", name, class)
			}
		}
		for key, r := range prof.ClientTolerances.Entries {
			if r <= 0 {
				return invalid("%s.client_tolerances.%s must be positive", name, key)
			}
		}
	}
	cutoff := p.LatenessCutoff.Hour*60 + p.LatenessCutoff.Minute
	end := p.EndOfDay.Hour*60 + p.EndOfDay.Minute
	if end <= cutoff {
		return invalid("end_of_day %s must be after lateness_cutoff %s", p.EndOfDay, p.LatenessCutoff)
	}
	a := p.Acquisition
	if a.Timeout <= 0 || a.MaxAccuracyMeters <= 0 || a.SampleCount < 1 {
		return invalid("acquisition timeout, max_accuracy_meters and sample_count must be positive")
	}
	return nil
}

// ToFile renders a Policy back into its serialized form.
func ToFile(p *Policy) File {
	tf := func(t ToleranceProfile) *ToleranceFile {
		radii := make(map[string]float64, len(t.DeviceRadii))
		for k, v := range t.DeviceRadii {
			radii[string(k)] = v
		}
		out := &ToleranceFile{DeviceRadii: radii, GlobalFallback: t.GlobalFallback}
		if t.ClientTolerances.Enabled || len(t.ClientTolerances.Entries) > 0 {
			out.ClientTolerances = &ClientTableFile{
				Enabled: t.ClientTolerances.Enabled,
				Entries: t.ClientTolerances.Entries,
			}
		}
		return out
	}
	classes := make([]string, len(p.Acquisition.SampledDeviceClasses))
	for i, c := range p.Acquisition.SampledDeviceClasses {
		classes[i] = string(c)
	}
	weekends := p.Exemptions.Weekends
	offPremises := p.OffPremisesEnabled
	remoteReason := p.RemoteEarlyCheckoutReason

	return File{
		Name:                      p.Name,
		Timezone:                  p.Loc().String(),
		LatenessCutoff:            p.LatenessCutoff.String(),
		LatenessGrace:             p.LatenessGrace.String(),
		EndOfDay:                  p.EndOfDay.String(),
		RemoteEarlyCheckoutReason: &remoteReason,
		MinimumDwell:              p.MinimumDwell.String(),
		MinReasonLength:           p.MinReasonLength,
		DebounceWindow:            p.DebounceWindow.String(),
		OffPremisesEnabled:        &offPremises,
		CheckInTolerance:          tf(p.CheckInTolerance),
		CheckOutTolerance:         tf(p.CheckOutTolerance),
		Exemptions: &ExemptionsFile{
			Roles:       p.Exemptions.Roles,
			Departments: p.Exemptions.Departments,
			Weekends:    &weekends,
		},
		Acquisition: &AcquisitionFile{
			Timeout:              p.Acquisition.Timeout.String(),
			RelaxedTimeout:       p.Acquisition.RelaxedTimeout.String(),
			RelaxedMaxAge:        p.Acquisition.RelaxedMaxAge.String(),
			MaxAccuracyMeters:    p.Acquisition.MaxAccuracyMeters,
			SampleCount:          p.Acquisition.SampleCount,
			SampleInterval:       p.Acquisition.SampleInterval.String(),
			SampledPlatforms:     p.Acquisition.SampledPlatforms,
			SampledDeviceClasses: classes,
		},
	}
}

func parseDuration(field, value string, out *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return invalid("%s: %v", field, err)
	}
	*out = d
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPolicy, fmt.Sprintf(format, args...))
}
