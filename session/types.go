/*
Package session drives one employee's attendance day through a guarded
state machine.

PURPOSE:
  The Controller turns position samples into attendance records. Every
  user action is a transition on an explicit State value; a transition
  either returns the next state or an error from the taxonomy in
  errors.go. Guard failures are always reported, never retried here.

STATES:

	NoSession ──check-in──▶ CheckedIn ──check-out──▶ CheckedOut
	    │  ▲                    │  ▲
	    │  └──cancel───┐        │  └──cancel──┐
	    ├──late──▶ AwaitingLatenessReason      │
	    │                       └──early──▶ AwaitingEarlyCheckoutReason
	    └──out of range + request──▶ AwaitingOffPremisesApproval
	                                   (approved ⇒ CheckedIn remote,
	                                    rejected ⇒ NoSession)

  At local midnight Rollover closes any open session (status auto_closed)
  and resets to NoSession.

CONCURRENCY:
  A controller is a single logical actor per user. Each operation kind
  (check-in, check-out) has its own in-flight flag; a re-entrant call while
  the flag is set fails with DuplicateRequest. The flag is released by
  defer, so a cancelled acquisition never leaves it set. The controller
  mutex is never held across position acquisition or store calls.

SEE ALSO:
  - controller.go: check-in flow, guards, commits
  - checkout.go: check-out, reasons, off-premises, rollover, retry
  - registry.go: one controller per user, approval dispatch
  - scheduler.go: periodic rollover
*/
package session

import (
	"time"

	"github.com/warp/attendance-engine/position"
	"github.com/warp/attendance-engine/proximity"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	UserID    string
	SessionID string
	RequestID string
)

// Operation is an in-flight slot. Reason submission and approval commits
// share the slot of the operation they complete.
type Operation string

const (
	OpCheckIn  Operation = "check_in"
	OpCheckOut Operation = "check_out"
)

type ReasonKind string

const (
	ReasonLateness      ReasonKind = "lateness"
	ReasonEarlyCheckout ReasonKind = "early_checkout"
	ReasonOffPremises   ReasonKind = "off_premises"
)

// =============================================================================
// SESSION - One per user per local day
// =============================================================================

type Status string

const (
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
	StatusAutoClosed Status = "auto_closed"
)

// Session is the persisted attendance record. Once closed it is never
// modified.
type Session struct {
	ID     SessionID `json:"id"`
	UserID UserID    `json:"user_id"`
	Day    time.Time `json:"day"` // local midnight

	CheckInTime     time.Time            `json:"check_in_time"`
	CheckInFacility proximity.FacilityID `json:"check_in_facility,omitempty"` // empty for remote check-ins
	CheckInRemote   bool                 `json:"check_in_remote"`
	CheckInLocation position.Sample      `json:"check_in_location"`

	CheckOutTime     *time.Time           `json:"check_out_time,omitempty"`
	CheckOutFacility proximity.FacilityID `json:"check_out_facility,omitempty"`

	LatenessReason       string    `json:"lateness_reason,omitempty"`
	EarlyCheckoutReason  string    `json:"early_checkout_reason,omitempty"`
	OffPremisesRequestID RequestID `json:"off_premises_request_id,omitempty"`

	Status Status `json:"status"`
}

// Open reports whether the session is checked in and not yet out.
func (s Session) Open() bool { return !s.CheckInTime.IsZero() && s.CheckOutTime == nil }

// =============================================================================
// STATE - Sealed; only the types below implement it
// =============================================================================

type StateKind string

const (
	KindNoSession                   StateKind = "no_session"
	KindCheckedIn                   StateKind = "checked_in"
	KindCheckedOut                  StateKind = "checked_out"
	KindAwaitingLatenessReason      StateKind = "awaiting_lateness_reason"
	KindAwaitingEarlyCheckoutReason StateKind = "awaiting_early_checkout_reason"
	KindAwaitingOffPremisesApproval StateKind = "awaiting_off_premises_approval"
)

type State interface {
	Kind() StateKind
	sealed()
}

type NoSession struct{}

type CheckedIn struct {
	Session Session
}

type CheckedOut struct {
	Session Session
}

// AwaitingLatenessReason holds a validated check-in paused for a reason.
type AwaitingLatenessReason struct {
	Facility proximity.Facility
	Sample   position.Sample
	At       time.Time
	LateBy   time.Duration
}

// AwaitingEarlyCheckoutReason holds a validated check-out paused for a
// reason. Facility is empty for remote sessions.
type AwaitingEarlyCheckoutReason struct {
	Session  Session
	Facility proximity.FacilityID
	At       time.Time
	EndOfDay time.Time
}

type AwaitingOffPremisesApproval struct {
	RequestID   RequestID
	Reason      string
	Location    position.Sample
	RequestedAt time.Time
}

func (NoSession) Kind() StateKind                   { return KindNoSession }
func (CheckedIn) Kind() StateKind                   { return KindCheckedIn }
func (CheckedOut) Kind() StateKind                  { return KindCheckedOut }
func (AwaitingLatenessReason) Kind() StateKind      { return KindAwaitingLatenessReason }
func (AwaitingEarlyCheckoutReason) Kind() StateKind { return KindAwaitingEarlyCheckoutReason }
func (AwaitingOffPremisesApproval) Kind() StateKind { return KindAwaitingOffPremisesApproval }

func (NoSession) sealed()                   {}
func (CheckedIn) sealed()                   {}
func (CheckedOut) sealed()                  {}
func (AwaitingLatenessReason) sealed()      {}
func (AwaitingEarlyCheckoutReason) sealed() {}
func (AwaitingOffPremisesApproval) sealed() {}

// OpenSession returns the open session carried by st, if any.
func OpenSession(st State) (Session, bool) {
	switch s := st.(type) {
	case CheckedIn:
		return s.Session, true
	case AwaitingEarlyCheckoutReason:
		return s.Session, true
	}
	return Session{}, false
}

// =============================================================================
// EVENTS
// =============================================================================

type EventType string

const (
	EventCheckedIn            EventType = "checked_in"
	EventCheckedOut           EventType = "checked_out"
	EventAutoClosed           EventType = "auto_closed"
	EventReasonRequired       EventType = "reason_required"
	EventOffPremisesRequested EventType = "off_premises_requested"
	EventOffPremisesRejected  EventType = "off_premises_rejected"
	EventCheckoutAvailable    EventType = "checkout_available"
)

// Event is emitted after a transition commits. Handlers run on the
// controller's goroutine (or the dwell timer's) and must not block.
type Event struct {
	Type    EventType
	UserID  UserID
	At      time.Time
	State   StateKind
	Session *Session
}
