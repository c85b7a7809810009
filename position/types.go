/*
Package position acquires a best-effort location fix from unreliable
positioning hardware.

PURPOSE:
  Browsers and phones report fixes that range from a few meters (GPS) to
  several kilometers (IP/Wi-Fi geolocation on desktops). The Acquirer turns
  one or more raw platform readings into a single Sample:

    Single       one high-accuracy request, one relaxed retry on failure
                 or on an unusably coarse fix (> MaxAccuracyMeters)
    Sampled(n)   n Single readings spaced SampleInterval apart, averaged
                 over the readings that succeeded

ERROR CLASSIFICATION:
  Every failure is one of exactly three kinds, each with a remediation hint
  for the detected host platform:

    PermissionDenied     user or OS blocked location access (never retried)
    PositionUnavailable  no fix, or the fix stayed too coarse after retry
    TimedOut             the platform did not answer within the timeout

  Downstream code branches on Kind (errors.Is with the sentinels), never on
  the hint text. Cancellation by the caller is reported as ctx.Err().

SEE ALSO:
  - acquirer.go: Single/Sampled logic
  - replay.go: Provider backed by readings a client already collected
*/
package position

import (
	"context"
	"time"
)

// =============================================================================
// SAMPLE
// =============================================================================

type Source string

const (
	SourceGPS      Source = "gps"
	SourceNetwork  Source = "network"
	SourceCached   Source = "cached"
	SourceReported Source = "reported"
	SourceAveraged Source = "averaged"
)

// Sample is an immutable position fix.
type Sample struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	CapturedAt     time.Time `json:"captured_at"`
	Source         Source    `json:"source,omitempty"`
}

// Valid reports whether the coordinates and accuracy are physically possible.
func (s Sample) Valid() bool {
	return s.Latitude >= -90 && s.Latitude <= 90 &&
		s.Longitude >= -180 && s.Longitude <= 180 &&
		s.AccuracyMeters >= 0
}

// =============================================================================
// PROVIDER - Platform positioning API
// =============================================================================

// Options mirrors what platform geolocation APIs accept.
type Options struct {
	HighAccuracy bool
	Timeout      time.Duration
	// MaximumAge is how old a cached fix the platform may return.
	MaximumAge time.Duration
}

// Provider is the platform positioning call. Implementations should honor
// ctx and may return *Error to classify their own failures.
type Provider interface {
	CurrentPosition(ctx context.Context, opts Options) (Sample, error)
}

// Prerecorded is implemented by providers whose readings were taken before
// the call, so the acquirer does not wait between them.
type Prerecorded interface {
	Prerecorded() bool
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, opts Options) (Sample, error)

func (f ProviderFunc) CurrentPosition(ctx context.Context, opts Options) (Sample, error) {
	return f(ctx, opts)
}

// =============================================================================
// MODE
// =============================================================================

// Mode selects single or sampled acquisition.
type Mode struct {
	Samples int
}

func Single() Mode { return Mode{Samples: 1} }

// Sampled averages n readings. n < 1 is treated as 1.
func Sampled(n int) Mode {
	if n < 1 {
		n = 1
	}
	return Mode{Samples: n}
}

func (m Mode) IsSampled() bool { return m.Samples > 1 }
