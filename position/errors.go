package position

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrTimedOut            = errors.New("position request timed out")
)

// Kind is the classification downstream logic branches on.
type Kind int

const (
	PermissionDenied Kind = iota + 1
	PositionUnavailable
	TimedOut
)

func (k Kind) String() string {
	switch k {
	case PermissionDenied:
		return "permission_denied"
	case PositionUnavailable:
		return "position_unavailable"
	case TimedOut:
		return "timed_out"
	}
	return "unknown"
}

func (k Kind) sentinel() error {
	switch k {
	case PermissionDenied:
		return ErrPermissionDenied
	case TimedOut:
		return ErrTimedOut
	default:
		return ErrPositionUnavailable
	}
}

// ParseKind maps client-reported codes ("permission_denied", "1", ...) to a
// Kind. The numeric forms follow the W3C GeolocationPositionError codes.
func ParseKind(code string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "permission_denied", "1":
		return PermissionDenied, true
	case "position_unavailable", "2":
		return PositionUnavailable, true
	case "timed_out", "timeout", "3":
		return TimedOut, true
	}
	return 0, false
}

// =============================================================================
// STRUCTURED ERROR
// =============================================================================

// Error is a classified acquisition failure.
type Error struct {
	Kind     Kind
	Platform Platform
	Hint     string
	// AccuracyMeters is set when the fix stayed too coarse after retry.
	AccuracyMeters float64
	Err            error
}

// NewError builds a classified error for platform with its default hint.
func NewError(kind Kind, platform Platform, cause error) *Error {
	return &Error{Kind: kind, Platform: platform, Hint: HintFor(kind, platform), Err: cause}
}

func (e *Error) Error() string {
	msg := e.Kind.sentinel().Error()
	if e.AccuracyMeters > 0 {
		msg = fmt.Sprintf("%s: accuracy %.0fm", msg, e.AccuracyMeters)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind.sentinel(), e.Err}
	}
	return []error{e.Kind.sentinel()}
}

// Classify turns any provider failure into *Error. Provider-classified
// errors keep their kind; deadline expiry becomes TimedOut; everything else
// is PositionUnavailable.
func Classify(err error, platform Platform) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		out := *pe
		if out.Platform == "" {
			out.Platform = platform
			out.Hint = HintFor(out.Kind, out.Platform)
		}
		if out.Hint == "" {
			out.Hint = HintFor(out.Kind, out.Platform)
		}
		return &out
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(TimedOut, platform, err)
	}
	return NewError(PositionUnavailable, platform, err)
}

// KindOf returns the kind of a position error, or 0 if err is not one.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return PermissionDenied
	case errors.Is(err, ErrTimedOut):
		return TimedOut
	case errors.Is(err, ErrPositionUnavailable):
		return PositionUnavailable
	}
	return 0
}
