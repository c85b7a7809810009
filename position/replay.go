package position

import (
	"context"
	"errors"
	"sync"
)

// Reading is one client-side positioning result: either a fix or an error
// code as reported by the device ("permission_denied", "2", ...).
type Reading struct {
	Sample    Sample
	ErrorCode string
}

// ReplayProvider serves readings the device already collected, one per
// call, in order. It lets the server apply the same retry and averaging
// rules to fixes gathered by a browser or phone. Once exhausted it reports
// PositionUnavailable.
type ReplayProvider struct {
	Platform Platform

	mu       sync.Mutex
	readings []Reading
	next     int
}

func NewReplayProvider(platform Platform, readings []Reading) *ReplayProvider {
	return &ReplayProvider{Platform: platform, readings: readings}
}

var errReplayExhausted = errors.New("no more reported readings")

func (p *ReplayProvider) CurrentPosition(ctx context.Context, _ Options) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.next >= len(p.readings) {
		return Sample{}, NewError(PositionUnavailable, p.Platform, errReplayExhausted)
	}
	r := p.readings[p.next]
	p.next++

	if r.ErrorCode != "" {
		kind, ok := ParseKind(r.ErrorCode)
		if !ok {
			kind = PositionUnavailable
		}
		return Sample{}, NewError(kind, p.Platform, nil)
	}
	s := r.Sample
	if s.Source == "" {
		s.Source = SourceReported
	}
	return s, nil
}

// Prerecorded reports true: the device already spaced its readings.
func (p *ReplayProvider) Prerecorded() bool { return true }

// Remaining returns how many readings have not been served.
func (p *ReplayProvider) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.readings) - p.next
}
