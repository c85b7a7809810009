package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/warp/attendance-engine/position"
	"github.com/warp/attendance-engine/session"
)

// ErrorResponse is the body of every non-2xx response. Code is the stable
// session.Code value; Context carries the structured error's fields.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details string            `json:"details,omitempty"`
	Hint    string            `json:"hint,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	Context map[string]any    `json:"context,omitempty"`
	State   string            `json:"state,omitempty"`
}

// statusFor maps a decision error to an HTTP status.
//
//	400 invalid input           409 state or idempotency conflict
//	404 unknown user/request    422 policy refused the decision
//	429 duplicate in flight     503 store or position unavailable
func statusFor(err error) int {
	switch session.Code(err) {
	case session.CodeReasonTooShort:
		return http.StatusBadRequest
	case session.CodeNotFound:
		return http.StatusNotFound
	case session.CodeInvalidTransition:
		return http.StatusConflict
	case session.CodeOutOfRange, session.CodeTooSoon, session.CodeWindowClosed, session.CodePermissionDenied:
		return http.StatusUnprocessableEntity
	case session.CodeDuplicateRequest:
		return http.StatusTooManyRequests
	case session.CodePersistence, session.CodePositionUnavailable, session.CodeTimedOut:
		return http.StatusServiceUnavailable
	case session.CodeCanceled:
		return http.StatusRequestTimeout
	}
	switch {
	case errors.Is(err, session.ErrAlreadyDecided), errors.Is(err, session.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// errorResponse renders err with whatever context its structured type has.
func errorResponse(err error, platform position.Platform) ErrorResponse {
	resp := ErrorResponse{Error: err.Error(), Code: session.Code(err)}

	var (
		outOfRange *session.OutOfRangeError
		tooSoon    *session.TooSoonError
		window     *session.WindowClosedError
		duplicate  *session.DuplicateRequestError
		transition *session.InvalidTransitionError
		short      *session.ReasonTooShortError
		posErr     *position.Error
	)
	switch {
	case errors.As(err, &outOfRange):
		resp.Context = map[string]any{
			"purpose":                string(outOfRange.Purpose),
			"facility_id":            string(outOfRange.FacilityID),
			"facility_name":          outOfRange.FacilityName,
			"distance_meters":        math.Round(outOfRange.DistanceMeters),
			"tolerance_meters":       outOfRange.ToleranceMeters,
			"accuracy_tier":          string(outOfRange.AccuracyTier),
			"off_premises_available": outOfRange.OffPremisesAvailable,
		}
	case errors.As(err, &tooSoon):
		resp.Context = map[string]any{
			"check_in_time":     tooSoon.CheckInTime,
			"earliest_checkout": tooSoon.EarliestCheckout,
			"minutes_remaining": tooSoon.MinutesRemaining,
		}
	case errors.As(err, &window):
		ctx := map[string]any{
			"facility_id":   string(window.FacilityID),
			"facility_name": window.FacilityName,
		}
		if window.Opens != nil {
			ctx["opens"] = window.Opens.String()
		}
		if window.Closes != nil {
			ctx["closes"] = window.Closes.String()
		}
		resp.Context = ctx
	case errors.As(err, &duplicate):
		resp.Context = map[string]any{"operation": string(duplicate.Operation), "cause": duplicate.Cause}
	case errors.As(err, &transition):
		resp.State = string(transition.From)
	case errors.As(err, &short):
		resp.Context = map[string]any{"length": short.Length, "minimum": short.Minimum}
	case errors.As(err, &posErr):
		resp.Hint = posErr.Hint
		if resp.Hint == "" {
			resp.Hint = position.HintFor(posErr.Kind, platform)
		}
	}
	return resp
}

// writeDecisionError writes err with its mapped status and the state the
// controller was left in. Debounced duplicates also set Retry-After.
func writeDecisionError(w http.ResponseWriter, err error, platform position.Platform, state session.StateKind) {
	var duplicate *session.DuplicateRequestError
	if errors.As(err, &duplicate) && duplicate.RetryAfter > 0 {
		secs := int(math.Ceil(duplicate.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	resp := errorResponse(err, platform)
	if resp.State == "" {
		resp.State = string(state)
	}
	writeJSON(w, statusFor(err), resp)
}

// validationFields flattens validator errors to json field -> failed tag.
func validationFields(err error) map[string]string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return nil
	}
	out := make(map[string]string, len(ve))
	for _, fe := range ve {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		out[field] = fe.Tag()
	}
	return out
}
