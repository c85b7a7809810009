/*
errors.go - Error taxonomy for attendance decisions

PURPOSE:
  Every failure a caller can see belongs to one kind. Each kind has a
  sentinel for errors.Is and, where there is context to render, a
  structured type for errors.As carrying facility, distance, minutes
  remaining and so on.

ERROR CATEGORIES:
  1. Position - PermissionDenied, PositionUnavailable, TimedOut
     (package position; surfaced unchanged)
  2. Policy - OutOfRange, TooSoon, WindowClosed
  3. Guards - DuplicateRequest, InvalidStateTransition
  4. Input - ReasonTooShort
  5. Store - PersistenceError (in-memory decision kept for RetryCommit)

USAGE:
  Code(err) maps any error to a stable snake_case code for transport:

    if session.Code(err) == session.CodeTooSoon { ... }

SEE ALSO:
  - position/errors.go: acquisition errors
  - api/errors.go: HTTP status mapping
*/
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/attendance-engine/policy"
	"github.com/warp/attendance-engine/position"
	"github.com/warp/attendance-engine/proximity"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrOutOfRange        = errors.New("outside facility tolerance")
	ErrTooSoon           = errors.New("minimum dwell time not reached")
	ErrWindowClosed      = errors.New("check-in window closed")
	ErrDuplicateRequest  = errors.New("duplicate request")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrReasonTooShort    = errors.New("reason too short")
	ErrPersistence       = errors.New("persistence failed")

	// ErrUserNotFound is returned by identity directories.
	ErrUserNotFound = errors.New("user not found")
	// ErrRequestNotFound is returned by approval stores.
	ErrRequestNotFound = errors.New("approval request not found")
	// ErrAlreadyDecided is returned when an approval request was decided before.
	ErrAlreadyDecided = errors.New("approval request already decided")
	// ErrConflict is returned by record stores when a different session
	// already holds the idempotency key.
	ErrConflict = errors.New("conflicting attendance record")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// OutOfRangeError describes the nearest facility when no facility accepts
// the sample. Facility fields are empty when the directory has none.
type OutOfRangeError struct {
	Purpose         proximity.Purpose
	FacilityID      proximity.FacilityID
	FacilityName    string
	DistanceMeters  float64
	ToleranceMeters float64
	AccuracyTier    proximity.AccuracyTier
	// OffPremisesAvailable is set when the user may request an exception.
	OffPremisesAvailable bool
}

func (e *OutOfRangeError) Error() string {
	if e.FacilityID == "" {
		return "outside facility tolerance: no active facilities"
	}
	return fmt.Sprintf("outside facility tolerance: %.0fm from %s (allowed %.0fm)",
		e.DistanceMeters, e.FacilityName, e.ToleranceMeters)
}

func (e *OutOfRangeError) Unwrap() error { return ErrOutOfRange }

func newOutOfRange(v proximity.Verdict, offPremises bool) *OutOfRangeError {
	e := &OutOfRangeError{
		Purpose:              v.Purpose,
		AccuracyTier:         v.AccuracyTier,
		OffPremisesAvailable: offPremises,
	}
	if v.Nearest != nil {
		e.FacilityID = v.Nearest.Facility.ID
		e.FacilityName = v.Nearest.Facility.Name
		e.DistanceMeters = v.Nearest.DistanceMeters
		e.ToleranceMeters = v.Nearest.ToleranceMeters
	}
	return e
}

// TooSoonError reports the dwell shortfall, rounded up to whole minutes.
type TooSoonError struct {
	CheckInTime      time.Time
	EarliestCheckout time.Time
	MinutesRemaining int
}

func (e *TooSoonError) Error() string {
	return fmt.Sprintf("minimum dwell time not reached: %d minutes remaining", e.MinutesRemaining)
}

func (e *TooSoonError) Unwrap() error { return ErrTooSoon }

type WindowClosedError struct {
	FacilityID   proximity.FacilityID
	FacilityName string
	Opens        *policy.TimeOfDay
	Closes       *policy.TimeOfDay
	At           time.Time
}

func (e *WindowClosedError) Error() string {
	opens, closes := "any time", "any time"
	if e.Opens != nil {
		opens = e.Opens.String()
	}
	if e.Closes != nil {
		closes = e.Closes.String()
	}
	return fmt.Sprintf("check-in window closed at %s: open %s to %s", e.FacilityName, opens, closes)
}

func (e *WindowClosedError) Unwrap() error { return ErrWindowClosed }

const (
	DuplicateInFlight = "in_flight"
	DuplicateDebounce = "debounce"
)

type DuplicateRequestError struct {
	Operation  Operation
	Cause      string // DuplicateInFlight or DuplicateDebounce
	RetryAfter time.Duration
}

func (e *DuplicateRequestError) Error() string {
	if e.Cause == DuplicateDebounce {
		return fmt.Sprintf("duplicate %s request: retry in %s", e.Operation, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("duplicate %s request: one is already in progress", e.Operation)
}

func (e *DuplicateRequestError) Unwrap() error { return ErrDuplicateRequest }

type InvalidTransitionError struct {
	From      StateKind
	Operation string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: cannot %s from %s", e.Operation, e.From)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

type ReasonTooShortError struct {
	Kind    ReasonKind
	Length  int
	Minimum int
}

func (e *ReasonTooShortError) Error() string {
	return fmt.Sprintf("%s reason too short: %d characters, need at least %d", e.Kind, e.Length, e.Minimum)
}

func (e *ReasonTooShortError) Unwrap() error { return ErrReasonTooShort }

// PersistenceError wraps a store failure. The controller keeps the
// validated decision so RetryCommit can replay it.
type PersistenceError struct {
	Operation string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed during %s: %v", e.Operation, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

const (
	CodePermissionDenied    = "permission_denied"
	CodePositionUnavailable = "position_unavailable"
	CodeTimedOut            = "timed_out"
	CodeOutOfRange          = "out_of_range"
	CodeTooSoon             = "too_soon"
	CodeWindowClosed        = "window_closed"
	CodeDuplicateRequest    = "duplicate_request"
	CodeInvalidTransition   = "invalid_state_transition"
	CodeReasonTooShort      = "reason_too_short"
	CodePersistence         = "persistence_error"
	CodeNotFound            = "not_found"
	CodeCanceled            = "canceled"
	CodeInternal            = "internal"
)

// Code returns the stable code for err, or "" for nil.
func Code(err error) string {
	if err == nil {
		return ""
	}
	switch position.KindOf(err) {
	case position.PermissionDenied:
		return CodePermissionDenied
	case position.PositionUnavailable:
		return CodePositionUnavailable
	case position.TimedOut:
		return CodeTimedOut
	}
	switch {
	case errors.Is(err, ErrOutOfRange):
		return CodeOutOfRange
	case errors.Is(err, ErrTooSoon):
		return CodeTooSoon
	case errors.Is(err, ErrWindowClosed):
		return CodeWindowClosed
	case errors.Is(err, ErrDuplicateRequest):
		return CodeDuplicateRequest
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrReasonTooShort):
		return CodeReasonTooShort
	case errors.Is(err, ErrPersistence):
		return CodePersistence
	case IsNotFound(err):
		return CodeNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	}
	return CodeInternal
}

// IsRetryable returns true if the same call might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence) ||
		errors.Is(err, position.ErrTimedOut) ||
		errors.Is(err, position.ErrPositionUnavailable)
}

// IsClientError returns true if the error reflects the user's situation or
// input rather than a system fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrOutOfRange) ||
		errors.Is(err, ErrTooSoon) ||
		errors.Is(err, ErrWindowClosed) ||
		errors.Is(err, ErrDuplicateRequest) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrReasonTooShort) ||
		errors.Is(err, position.ErrPermissionDenied)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrRequestNotFound)
}
