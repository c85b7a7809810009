package policy

import "time"

// =============================================================================
// DEFAULT POLICY
// =============================================================================

// Default check-in radii per device class. Desktops and laptops locate by
// Wi-Fi/IP and routinely report fixes hundreds of meters off.
var defaultCheckInRadii = map[DeviceClass]float64{
	DeviceMobile:  400,
	DeviceTablet:  500,
	DeviceLaptop:  1000,
	DeviceDesktop: 2000,
}

// Check-out is narrower so leaving the premises and closing out is caught.
var defaultCheckOutRadii = map[DeviceClass]float64{
	DeviceMobile:  300,
	DeviceTablet:  400,
	DeviceLaptop:  800,
	DeviceDesktop: 1500,
}

const (
	DefaultGlobalFallback  = 1500.0
	DefaultMinReasonLength = 20
	DefaultMinimumDwell    = 2 * time.Hour
	DefaultDebounceWindow  = 3 * time.Second
	DefaultMaxAccuracy     = 2000.0
	DefaultTimeout         = 15 * time.Second
	DefaultRelaxedTimeout  = 10 * time.Second
	DefaultRelaxedMaxAge   = 30 * time.Second
	DefaultSampleCount     = 3
	DefaultSampleInterval  = 2 * time.Second
	DefaultPolicyName      = "standard"
)

// Default returns the standard office policy: 09:00 cutoff, 17:00 end of
// day, two-hour minimum dwell, weekends exempt.
func Default() *Policy {
	return &Policy{
		Name:     DefaultPolicyName,
		Location: time.Local,
		CheckInTolerance: ToleranceProfile{
			DeviceRadii:    copyRadii(defaultCheckInRadii),
			GlobalFallback: DefaultGlobalFallback,
		},
		CheckOutTolerance: ToleranceProfile{
			DeviceRadii:    copyRadii(defaultCheckOutRadii),
			GlobalFallback: DefaultGlobalFallback,
		},
		LatenessCutoff:     NewTimeOfDay(9, 0),
		EndOfDay:           NewTimeOfDay(17, 0),
		MinimumDwell:       DefaultMinimumDwell,
		MinReasonLength:    DefaultMinReasonLength,
		DebounceWindow:     DefaultDebounceWindow,
		OffPremisesEnabled: true,
		Exemptions:         Exemptions{Weekends: true},
		Acquisition: Acquisition{
			Timeout:           DefaultTimeout,
			RelaxedTimeout:    DefaultRelaxedTimeout,
			RelaxedMaxAge:     DefaultRelaxedMaxAge,
			MaxAccuracyMeters: DefaultMaxAccuracy,
			SampleCount:       DefaultSampleCount,
			SampleInterval:    DefaultSampleInterval,
			SampledPlatforms:  []string{"windows", "macos", "linux"},
			SampledDeviceClasses: []DeviceClass{
				DeviceLaptop, DeviceDesktop,
			},
		},
	}
}

func copyRadii(m map[DeviceClass]float64) map[DeviceClass]float64 {
	out := make(map[DeviceClass]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
