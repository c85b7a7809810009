/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the session state machine from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  h.decode, which rejects unknown shapes with 400 and lists the failing
  fields as field -> tag.

SEE ALSO:
  - handlers.go: Uses these types
  - errors.go: ErrorResponse and status mapping
*/
package api

import (
	"fmt"
	"time"

	"github.com/warp/attendance-engine/policy"
	"github.com/warp/attendance-engine/position"
	"github.com/warp/attendance-engine/proximity"
	"github.com/warp/attendance-engine/session"
	"github.com/warp/attendance-engine/store/sqlite"
)

// =============================================================================
// POSITION REQUESTS
// =============================================================================

// ReadingDTO is one fix or one positioning error collected by the device.
// Error readings carry only the platform's error code.
type ReadingDTO struct {
	Latitude       float64    `json:"latitude" validate:"latitude"`
	Longitude      float64    `json:"longitude" validate:"longitude"`
	AccuracyMeters float64    `json:"accuracy_meters" validate:"gte=0"`
	CapturedAt     *time.Time `json:"captured_at,omitempty"`
	Error          string     `json:"error,omitempty"`
}

func (r ReadingDTO) reading() position.Reading {
	if r.Error != "" {
		return position.Reading{ErrorCode: r.Error}
	}
	s := position.Sample{
		Latitude:       r.Latitude,
		Longitude:      r.Longitude,
		AccuracyMeters: r.AccuracyMeters,
	}
	if r.CapturedAt != nil {
		s.CapturedAt = *r.CapturedAt
	}
	return position.Reading{Sample: s}
}

func (r ReadingDTO) sample() position.Sample {
	return r.reading().Sample
}

// PositionRequest is the body of check-in and check-out. Readings are
// consumed in order by the acquirer, so a device that needed a relaxed
// retry sends the failed attempt first.
type PositionRequest struct {
	Readings    []ReadingDTO `json:"readings" validate:"required,min=1,max=10,dive"`
	DeviceClass string       `json:"device_class" validate:"omitempty,oneof=mobile tablet laptop desktop"`
	DeviceID    string       `json:"device_id" validate:"omitempty,max=128"`
	// Platform overrides User-Agent detection.
	Platform string `json:"platform" validate:"omitempty,oneof=android ios windows macos linux unknown"`
}

func (r PositionRequest) readings() []position.Reading {
	out := make([]position.Reading, len(r.Readings))
	for i, dto := range r.Readings {
		out[i] = dto.reading()
	}
	return out
}

// ReasonRequest supplies the reason a paused check-in or check-out needs.
type ReasonRequest struct {
	Kind string `json:"kind" validate:"required,oneof=lateness early_checkout"`
	Text string `json:"text" validate:"required"`
}

// OffPremisesRequest escalates a failed check-in. Without a reading the
// location of the failed attempt is used.
type OffPremisesRequest struct {
	Reading *ReadingDTO `json:"reading,omitempty" validate:"omitempty"`
	Reason  string      `json:"reason" validate:"required"`
}

// DecisionRequest is a manager's approve or reject.
type DecisionRequest struct {
	DecidedBy string `json:"decided_by" validate:"required,max=128"`
	Note      string `json:"note" validate:"max=1000"`
}

// =============================================================================
// STATE
// =============================================================================

// StateDTO is the controller's observable state after an operation.
type StateDTO struct {
	UserID  string           `json:"user_id"`
	State   string           `json:"state"`
	Session *session.Session `json:"session,omitempty"`
	Pending *PendingDTO      `json:"pending,omitempty"`

	DwellRemainingSeconds int         `json:"dwell_remaining_seconds"`
	CheckoutAvailable     bool        `json:"checkout_available"`
	RetryPending          bool        `json:"retry_pending"`
	Verdict               *VerdictDTO `json:"verdict,omitempty"`
}

// PendingDTO describes what a paused state is waiting for.
type PendingDTO struct {
	Reason        string           `json:"reason_required,omitempty"`
	FacilityID    string           `json:"facility_id,omitempty"`
	At            *time.Time       `json:"at,omitempty"`
	LateByMinutes int              `json:"late_by_minutes,omitempty"`
	EndOfDay      *time.Time       `json:"end_of_day,omitempty"`
	RequestID     string           `json:"request_id,omitempty"`
	Explanation   string           `json:"explanation,omitempty"`
	Location      *position.Sample `json:"location,omitempty"`
}

func toStateDTO(c *session.Controller, now time.Time) StateDTO {
	st := c.CurrentState()
	dto := StateDTO{
		UserID:       string(c.UserID),
		State:        string(st.Kind()),
		RetryPending: c.HasPendingCommit(),
	}

	switch s := st.(type) {
	case session.CheckedIn:
		sess := s.Session
		dto.Session = &sess
		remaining := c.DwellRemaining(now)
		dto.DwellRemainingSeconds = int((remaining + time.Second - 1) / time.Second)
		dto.CheckoutAvailable = remaining == 0
	case session.CheckedOut:
		sess := s.Session
		dto.Session = &sess
	case session.AwaitingLatenessReason:
		at := s.At
		dto.Pending = &PendingDTO{
			Reason:        string(session.ReasonLateness),
			FacilityID:    string(s.Facility.ID),
			At:            &at,
			LateByMinutes: int(s.LateBy / time.Minute),
		}
	case session.AwaitingEarlyCheckoutReason:
		sess := s.Session
		at, eod := s.At, s.EndOfDay
		dto.Session = &sess
		dto.Pending = &PendingDTO{
			Reason:     string(session.ReasonEarlyCheckout),
			FacilityID: string(s.Facility),
			At:         &at,
			EndOfDay:   &eod,
		}
	case session.AwaitingOffPremisesApproval:
		at, loc := s.RequestedAt, s.Location
		dto.Pending = &PendingDTO{
			RequestID:   string(s.RequestID),
			At:          &at,
			Explanation: s.Reason,
			Location:    &loc,
		}
	}

	if v, ok := c.CurrentProximityVerdict(); ok {
		vd := ToVerdictDTO(v)
		dto.Verdict = &vd
	}
	return dto
}

// =============================================================================
// VERDICT
// =============================================================================

// VerdictDTO is a proximity verdict as displayed to the user. Tolerance is
// always the effective radius the decision used.
type VerdictDTO struct {
	Purpose         string          `json:"purpose"`
	Eligible        bool            `json:"eligible"`
	AccuracyTier    string          `json:"accuracy_tier"`
	Advisory        string          `json:"advisory"`
	ToleranceMeters float64         `json:"tolerance_meters"`
	ToleranceSource string          `json:"tolerance_source"`
	Nearest         *CandidateDTO   `json:"nearest,omitempty"`
	Winner          *CandidateDTO   `json:"winner,omitempty"`
	Candidates      []CandidateDTO  `json:"candidates"`
	Sample          position.Sample `json:"sample"`
}

type CandidateDTO struct {
	FacilityID      string  `json:"facility_id"`
	FacilityName    string  `json:"facility_name"`
	DistanceMeters  float64 `json:"distance_meters"`
	ToleranceMeters float64 `json:"tolerance_meters"`
	Within          bool    `json:"within"`
}

func toCandidateDTO(c proximity.Candidate) CandidateDTO {
	return CandidateDTO{
		FacilityID:      string(c.Facility.ID),
		FacilityName:    c.Facility.Name,
		DistanceMeters:  c.DistanceMeters,
		ToleranceMeters: c.ToleranceMeters,
		Within:          c.Within,
	}
}

// ToVerdictDTO converts a verdict for display. The CLI prints the same shape.
func ToVerdictDTO(v proximity.Verdict) VerdictDTO {
	dto := VerdictDTO{
		Purpose:         string(v.Purpose),
		Eligible:        v.Eligible,
		AccuracyTier:    string(v.AccuracyTier),
		Advisory:        v.AccuracyTier.Advisory(),
		ToleranceMeters: v.Tolerance.Meters,
		ToleranceSource: string(v.Tolerance.Source),
		Candidates:      make([]CandidateDTO, 0, len(v.Candidates)),
		Sample:          v.Sample,
	}
	if v.Nearest != nil {
		n := toCandidateDTO(*v.Nearest)
		dto.Nearest = &n
		dto.ToleranceMeters = v.Nearest.ToleranceMeters
	}
	if v.Winner != nil {
		w := toCandidateDTO(*v.Winner)
		dto.Winner = &w
		dto.ToleranceMeters = v.Winner.ToleranceMeters
	}
	for _, c := range v.Candidates {
		dto.Candidates = append(dto.Candidates, toCandidateDTO(c))
	}
	return dto
}

// =============================================================================
// FACILITIES
// =============================================================================

// FacilityRequest creates or replaces a facility. Times are "HH:MM".
type FacilityRequest struct {
	ID                          string  `json:"id" validate:"required,max=64"`
	Name                        string  `json:"name" validate:"required,max=200"`
	Latitude                    float64 `json:"latitude" validate:"latitude"`
	Longitude                   float64 `json:"longitude" validate:"longitude"`
	RadiusMeters                float64 `json:"radius_meters" validate:"gte=0"`
	CheckInWindowStart          string  `json:"check_in_window_start" validate:"omitempty,datetime=15:04"`
	CheckInWindowEnd            string  `json:"check_in_window_end" validate:"omitempty,datetime=15:04"`
	EndOfDay                    string  `json:"end_of_day" validate:"omitempty,datetime=15:04"`
	RequiresEarlyCheckoutReason bool    `json:"requires_early_checkout_reason"`
	Active                      *bool   `json:"active"`
}

func (r FacilityRequest) facility() (proximity.Facility, error) {
	f := proximity.Facility{
		ID:                          proximity.FacilityID(r.ID),
		Name:                        r.Name,
		Latitude:                    r.Latitude,
		Longitude:                   r.Longitude,
		RadiusMeters:                r.RadiusMeters,
		RequiresEarlyCheckoutReason: r.RequiresEarlyCheckoutReason,
		Active:                      r.Active == nil || *r.Active,
	}
	for _, field := range []struct {
		name  string
		value string
		dst   **policy.TimeOfDay
	}{
		{"check_in_window_start", r.CheckInWindowStart, &f.CheckInWindowStart},
		{"check_in_window_end", r.CheckInWindowEnd, &f.CheckInWindowEnd},
		{"end_of_day", r.EndOfDay, &f.EndOfDay},
	} {
		if field.value == "" {
			continue
		}
		t, err := policy.ParseTimeOfDay(field.value)
		if err != nil {
			return proximity.Facility{}, fmt.Errorf("%s: %w", field.name, err)
		}
		*field.dst = &t
	}
	return f, proximity.ValidateFacility(f)
}

// =============================================================================
// EMPLOYEES
// =============================================================================

// EmployeeDTO represents an employee in API responses.
type EmployeeDTO struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Role       string `json:"role,omitempty"`
	Department string `json:"department,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// CreateEmployeeRequest is the request to create or update an employee.
// Role and department drive exemptions.
type CreateEmployeeRequest struct {
	ID         string `json:"id" validate:"required,max=64"`
	Name       string `json:"name" validate:"required,max=200"`
	Email      string `json:"email" validate:"omitempty,email"`
	Role       string `json:"role" validate:"max=64"`
	Department string `json:"department" validate:"max=64"`
}

func toEmployeeDTO(e sqlite.Employee) EmployeeDTO {
	dto := EmployeeDTO{
		ID:         string(e.ID),
		Name:       e.Name,
		Email:      e.Email,
		Role:       e.Role,
		Department: e.Department,
	}
	if !e.CreatedAt.IsZero() {
		dto.CreatedAt = e.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// HEALTH
// =============================================================================

type HealthDTO struct {
	Status      string `json:"status"`
	Database    string `json:"database"`
	Approvals   string `json:"approvals"`
	Subscribers int    `json:"subscribers"`
	Controllers int    `json:"controllers"`
	Policy      string `json:"policy"`
}
