package proximity

import (
	"github.com/warp/attendance-engine/policy"
)

// ToleranceSource records which part of the profile produced a radius.
type ToleranceSource string

const (
	SourceDeviceClass ToleranceSource = "device_class"
	SourceClientTable ToleranceSource = "client_table"
	SourceGlobal      ToleranceSource = "global_fallback"
)

// Resolution is a resolved tolerance radius and its origin.
type Resolution struct {
	Meters float64
	Source ToleranceSource
}

// ResolveTolerance picks exactly one radius: the device-class radius when
// configured, else the client table entry for clientKey when the table is
// enabled, else the global fallback. Non-positive entries count as not
// configured.
func ResolveTolerance(class policy.DeviceClass, clientKey string, profile policy.ToleranceProfile) Resolution {
	if r, ok := profile.DeviceRadii[class]; ok && r > 0 {
		return Resolution{Meters: r, Source: SourceDeviceClass}
	}
	if profile.ClientTolerances.Enabled && clientKey != "" {
		if r, ok := profile.ClientTolerances.Entries[clientKey]; ok && r > 0 {
			return Resolution{Meters: r, Source: SourceClientTable}
		}
	}
	return Resolution{Meters: profile.GlobalFallback, Source: SourceGlobal}
}

// effectiveRadius is the radius a single facility is judged against.
func effectiveRadius(f Facility, r Resolution) float64 {
	if f.RadiusMeters > r.Meters {
		return f.RadiusMeters
	}
	return r.Meters
}
