package position

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// ACQUIRER
// =============================================================================

// Acquirer wraps a Provider with timeout, relaxed retry and averaging.
// Zero-valued settings fall back to the defaults below.
type Acquirer struct {
	Provider Provider
	Platform Platform

	Timeout           time.Duration // high-accuracy request bound
	RelaxedTimeout    time.Duration
	RelaxedMaxAge     time.Duration // cached fix tolerance on retry
	MaxAccuracyMeters float64       // coarser fixes trigger the retry
	SampleInterval    time.Duration // spacing between sampled readings

	Now    func() time.Time
	Logger *zap.Logger
}

const (
	defaultTimeout        = 15 * time.Second
	defaultRelaxedTimeout = 10 * time.Second
	defaultRelaxedMaxAge  = 30 * time.Second
	defaultMaxAccuracy    = 2000.0
)

// Acquire obtains one sample in the given mode.
func (a *Acquirer) Acquire(ctx context.Context, mode Mode) (Sample, error) {
	if mode.IsSampled() {
		return a.sampled(ctx, mode.Samples)
	}
	return a.single(ctx)
}

// single issues a high-accuracy request and, unless permission was denied,
// retries once with relaxed settings when the request fails or the fix is
// coarser than MaxAccuracyMeters.
func (a *Acquirer) single(ctx context.Context) (Sample, error) {
	s, err := a.attempt(ctx, Options{HighAccuracy: true, Timeout: a.timeout()})
	if err == nil && s.AccuracyMeters <= a.maxAccuracy() {
		return s, nil
	}
	if ctx.Err() != nil {
		return Sample{}, ctx.Err()
	}
	if err != nil && errors.Is(err, ErrPermissionDenied) {
		return Sample{}, err
	}

	fields := []zap.Field{zap.String("platform", string(a.platform()))}
	if err != nil {
		fields = append(fields, zap.Error(err))
	} else {
		fields = append(fields, zap.Float64("accuracy_m", s.AccuracyMeters))
	}
	a.logger().Debug("retrying position with relaxed settings", fields...)

	relaxed, rerr := a.attempt(ctx, Options{
		HighAccuracy: false,
		Timeout:      a.relaxedTimeout(),
		MaximumAge:   a.relaxedMaxAge(),
	})
	if rerr != nil {
		if ctx.Err() != nil {
			return Sample{}, ctx.Err()
		}
		return Sample{}, rerr
	}
	if relaxed.AccuracyMeters > a.maxAccuracy() {
		e := NewError(PositionUnavailable, a.platform(), nil)
		e.AccuracyMeters = relaxed.AccuracyMeters
		return Sample{}, e
	}
	return relaxed, nil
}

// attempt performs one bounded provider call and classifies its failure.
func (a *Acquirer) attempt(ctx context.Context, opts Options) (Sample, error) {
	reqCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	s, err := a.Provider.CurrentPosition(reqCtx, opts)
	if err != nil {
		if ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return Sample{}, NewError(TimedOut, a.platform(), err)
		}
		return Sample{}, Classify(err, a.platform())
	}
	if !s.Valid() {
		return Sample{}, NewError(PositionUnavailable, a.platform(), errors.New("provider returned invalid coordinates"))
	}
	if s.CapturedAt.IsZero() {
		s.CapturedAt = a.now()
	}
	return s, nil
}

// sampled takes n single readings and averages the successful ones. If none
// succeed the first error is returned.
func (a *Acquirer) sampled(ctx context.Context, n int) (Sample, error) {
	var (
		readings []Sample
		firstErr error
	)
	for i := 0; i < n; i++ {
		if d := a.sampleInterval(); i > 0 && d > 0 {
			if err := sleep(ctx, d); err != nil {
				return Sample{}, err
			}
		}
		s, err := a.single(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Sample{}, ctx.Err()
			}
			if firstErr == nil {
				firstErr = err
			}
			a.logger().Debug("sampled reading failed",
				zap.Int("reading", i+1), zap.Int("of", n), zap.Error(err))
			continue
		}
		readings = append(readings, s)
	}
	if len(readings) == 0 {
		return Sample{}, firstErr
	}
	return Average(readings), nil
}

// Average returns the arithmetic mean of latitude, longitude and accuracy.
// Sums are taken in decimal so identical readings average to themselves.
// CapturedAt is the latest reading's time.
func Average(readings []Sample) Sample {
	if len(readings) == 0 {
		return Sample{}
	}
	var lat, lng, acc decimal.Decimal
	var latest time.Time
	for _, r := range readings {
		lat = lat.Add(decimal.NewFromFloat(r.Latitude))
		lng = lng.Add(decimal.NewFromFloat(r.Longitude))
		acc = acc.Add(decimal.NewFromFloat(r.AccuracyMeters))
		if r.CapturedAt.After(latest) {
			latest = r.CapturedAt
		}
	}
	n := decimal.NewFromInt(int64(len(readings)))
	meanLat, _ := lat.Div(n).Float64()
	meanLng, _ := lng.Div(n).Float64()
	meanAcc, _ := acc.Div(n).Float64()

	return Sample{
		Latitude:       meanLat,
		Longitude:      meanLng,
		AccuracyMeters: meanAcc,
		CapturedAt:     latest,
		Source:         SourceAveraged,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (a *Acquirer) timeout() time.Duration {
	if a.Timeout > 0 {
		return a.Timeout
	}
	return defaultTimeout
}

func (a *Acquirer) relaxedTimeout() time.Duration {
	if a.RelaxedTimeout > 0 {
		return a.RelaxedTimeout
	}
	return defaultRelaxedTimeout
}

func (a *Acquirer) relaxedMaxAge() time.Duration {
	if a.RelaxedMaxAge > 0 {
		return a.RelaxedMaxAge
	}
	return defaultRelaxedMaxAge
}

func (a *Acquirer) sampleInterval() time.Duration {
	if r, ok := a.Provider.(Prerecorded); ok && r.Prerecorded() {
		return 0
	}
	return a.SampleInterval
}

func (a *Acquirer) maxAccuracy() float64 {
	if a.MaxAccuracyMeters > 0 {
		return a.MaxAccuracyMeters
	}
	return defaultMaxAccuracy
}

func (a *Acquirer) platform() Platform {
	if a.Platform != "" {
		return a.Platform
	}
	return PlatformUnknown
}

func (a *Acquirer) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Acquirer) logger() *zap.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return zap.NewNop()
}
