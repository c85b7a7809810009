/*
handlers.go - HTTP API handlers for the attendance engine

PURPOSE:
  Exposes the per-user attendance controllers via REST API. Handles HTTP
  request/response, JSON serialization and validation, and delegates every
  decision to session.Controller.

ENDPOINTS:
  Attendance:
    POST   /api/users/{id}/check-in      Validate readings, check in
    POST   /api/users/{id}/check-out     Validate readings, check out
    POST   /api/users/{id}/reason        Supply lateness/early-checkout reason
    DELETE /api/users/{id}/reason        Abandon the paused intent
    POST   /api/users/{id}/off-premises  Request a remote check-in
    POST   /api/users/{id}/retry         Replay a commit that failed to persist
    GET    /api/users/{id}/state         Current state and dwell countdown
    GET    /api/users/{id}/verdict       Latest proximity verdict
    GET    /api/users/{id}/history       Sessions between ?from= and ?to=

  Employees:
    GET    /api/employees                List employees
    POST   /api/employees                Create or update an employee
    GET    /api/employees/{id}           Get employee details

  Facilities:
    GET    /api/facilities               List facilities
    POST   /api/facilities               Create or replace a facility
    POST   /api/verdict                  Preview a verdict without a session

  Approvals:
    GET    /api/approvals/pending        Off-premises requests awaiting a manager
    POST   /api/approvals/{id}/approve
    POST   /api/approvals/{id}/reject

  Admin:
    GET    /api/policy                   Active policy snapshot
    POST   /api/admin/rollover           Run the day rollover now
    GET    /api/health

POSITION READINGS:
  The device collects fixes and posts them; the server replays them through
  position.Acquirer so relaxed retry, averaging for sampled platforms and
  error classification follow the active policy.

ERROR HANDLING:
  Decision errors map to statuses in errors.go. Every error body carries
  the session code and the state the controller was left in.

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/attendance-engine/policy"
	"github.com/warp/attendance-engine/position"
	"github.com/warp/attendance-engine/proximity"
	"github.com/warp/attendance-engine/session"
	"github.com/warp/attendance-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// FacilityStore is the admin side of the facility directory.
type FacilityStore interface {
	ListFacilities(ctx context.Context) ([]proximity.Facility, error)
	SaveFacility(ctx context.Context, f proximity.Facility) error
}

// HistoryStore lists a user's sessions between two local days, inclusive.
type HistoryStore interface {
	History(ctx context.Context, user session.UserID, from, to time.Time) ([]session.Session, error)
}

// EmployeeStore manages the identity directory behind exemptions.
type EmployeeStore interface {
	SaveEmployee(ctx context.Context, emp sqlite.Employee) error
	GetEmployee(ctx context.Context, id session.UserID) (*sqlite.Employee, error)
	ListEmployees(ctx context.Context) ([]sqlite.Employee, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers. Approvals, History,
// Employees and Database are optional.
type Handler struct {
	Registry   *session.Registry
	Facilities FacilityStore
	Policy     *policy.Source
	Approvals  session.ApprovalQueue
	History    HistoryStore
	Employees  EmployeeStore
	Database   Pinger

	// FacilitiesChanged runs after a facility is saved, typically to drop
	// a cached directory.
	FacilitiesChanged func()
	Logger            *zap.Logger

	validate *validator.Validate
}

// NewHandler creates a handler around a registry.
func NewHandler(registry *session.Registry, facilities FacilityStore, source *policy.Source) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		Registry:   registry,
		Facilities: facilities,
		Policy:     source,
		validate:   v,
	}
}

// =============================================================================
// ATTENDANCE ENDPOINTS
// =============================================================================

// CheckIn handles POST /api/users/{id}/check-in.
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	h.positionOperation(w, r, (*session.Controller).CheckIn)
}

// CheckOut handles POST /api/users/{id}/check-out.
func (h *Handler) CheckOut(w http.ResponseWriter, r *http.Request) {
	h.positionOperation(w, r, (*session.Controller).CheckOut)
}

type locatedOperation func(*session.Controller, context.Context, session.Locator) (session.State, error)

func (h *Handler) positionOperation(w http.ResponseWriter, r *http.Request, op locatedOperation) {
	var req PositionRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, ok := h.controller(w, r)
	if !ok {
		return
	}

	platform := position.DetectPlatform(r.UserAgent())
	if req.Platform != "" {
		platform = position.Platform(req.Platform)
	}
	device := session.Device{Class: policy.DeviceClass(req.DeviceClass), ID: req.DeviceID}

	ctx := r.Context()
	if device.Class != "" || device.ID != "" {
		ctx = session.WithDevice(ctx, device)
	}

	p := h.Policy.Current()
	acq := &position.Acquirer{
		Provider:          position.NewReplayProvider(platform, req.readings()),
		Platform:          platform,
		Timeout:           p.Acquisition.Timeout,
		RelaxedTimeout:    p.Acquisition.RelaxedTimeout,
		RelaxedMaxAge:     p.Acquisition.RelaxedMaxAge,
		MaxAccuracyMeters: p.Acquisition.MaxAccuracyMeters,
		SampleInterval:    p.Acquisition.SampleInterval,
		Now:               h.now,
		Logger:            h.logger(),
	}
	mode := position.Sampled(p.Acquisition.SamplesFor(string(platform), device.Class))

	if _, err := op(c, ctx, session.AcquireWith(acq, mode)); err != nil {
		writeDecisionError(w, err, platform, c.CurrentState().Kind())
		return
	}
	writeJSON(w, http.StatusOK, toStateDTO(c, h.now()))
}

// SubmitReason handles POST /api/users/{id}/reason.
func (h *Handler) SubmitReason(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	if _, err := c.SubmitReason(r.Context(), session.ReasonKind(req.Kind), req.Text); err != nil {
		writeDecisionError(w, err, position.PlatformUnknown, c.CurrentState().Kind())
		return
	}
	writeJSON(w, http.StatusOK, toStateDTO(c, h.now()))
}

// CancelReason handles DELETE /api/users/{id}/reason.
func (h *Handler) CancelReason(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	if _, err := c.CancelPendingReason(r.Context()); err != nil {
		writeDecisionError(w, err, position.PlatformUnknown, c.CurrentState().Kind())
		return
	}
	writeJSON(w, http.StatusOK, toStateDTO(c, h.now()))
}

// RequestOffPremises handles POST /api/users/{id}/off-premises.
func (h *Handler) RequestOffPremises(w http.ResponseWriter, r *http.Request) {
	var req OffPremisesRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	var sample position.Sample
	if req.Reading != nil {
		sample = req.Reading.sample()
	}
	if _, err := c.RequestOffPremisesException(r.Context(), sample, req.Reason); err != nil {
		writeDecisionError(w, err, position.PlatformUnknown, c.CurrentState().Kind())
		return
	}
	writeJSON(w, http.StatusAccepted, toStateDTO(c, h.now()))
}

// RetryCommit handles POST /api/users/{id}/retry.
func (h *Handler) RetryCommit(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	if _, err := c.RetryCommit(r.Context()); err != nil {
		writeDecisionError(w, err, position.PlatformUnknown, c.CurrentState().Kind())
		return
	}
	writeJSON(w, http.StatusOK, toStateDTO(c, h.now()))
}

// GetState handles GET /api/users/{id}/state.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toStateDTO(c, h.now()))
}

// GetVerdict handles GET /api/users/{id}/verdict.
func (h *Handler) GetVerdict(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	v, ok := c.CurrentProximityVerdict()
	if !ok {
		writeError(w, http.StatusNotFound, "No proximity verdict yet", nil)
		return
	}
	writeJSON(w, http.StatusOK, ToVerdictDTO(v))
}

// GetHistory handles GET /api/users/{id}/history?from=YYYY-MM-DD&to=YYYY-MM-DD.
// The range defaults to the last 30 days.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		writeError(w, http.StatusNotImplemented, "History is not available", nil)
		return
	}
	p := h.Policy.Current()
	to := p.DayOf(h.now())
	from := to.AddDate(0, 0, -30)

	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.ParseInLocation("2006-01-02", v, p.Loc()); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from date", err)
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.ParseInLocation("2006-01-02", v, p.Loc()); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to date", err)
			return
		}
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "to must not be before from", nil)
		return
	}

	sessions, err := h.History.History(r.Context(), session.UserID(chi.URLParam(r, "id")), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load history", err)
		return
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// =============================================================================
// FACILITY ENDPOINTS
// =============================================================================

// ListFacilities handles GET /api/facilities.
func (h *Handler) ListFacilities(w http.ResponseWriter, r *http.Request) {
	facilities, err := h.Facilities.ListFacilities(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list facilities", err)
		return
	}
	if facilities == nil {
		facilities = []proximity.Facility{}
	}
	writeJSON(w, http.StatusOK, facilities)
}

// SaveFacility handles POST /api/facilities.
func (h *Handler) SaveFacility(w http.ResponseWriter, r *http.Request) {
	var req FacilityRequest
	if !h.decode(w, r, &req) {
		return
	}
	f, err := req.facility()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid facility", err)
		return
	}
	if err := h.Facilities.SaveFacility(r.Context(), f); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save facility", err)
		return
	}
	if h.FacilitiesChanged != nil {
		h.FacilitiesChanged()
	}
	h.logger().Info("facility saved", zap.String("facility", string(f.ID)), zap.Bool("active", f.Active))
	writeJSON(w, http.StatusCreated, f)
}

// VerdictPreviewRequest evaluates one reading against the active facilities.
type VerdictPreviewRequest struct {
	Reading     ReadingDTO `json:"reading"`
	DeviceClass string     `json:"device_class" validate:"omitempty,oneof=mobile tablet laptop desktop"`
	DeviceID    string     `json:"device_id" validate:"omitempty,max=128"`
	Purpose     string     `json:"purpose" validate:"omitempty,oneof=check_in check_out"`
}

// PreviewVerdict handles POST /api/verdict. Nothing is recorded.
func (h *Handler) PreviewVerdict(w http.ResponseWriter, r *http.Request) {
	var req VerdictPreviewRequest
	if !h.decode(w, r, &req) {
		return
	}
	facilities, err := h.activeFacilities(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list facilities", err)
		return
	}

	p := h.Policy.Current()
	device := proximity.Device{Class: policy.DeviceClass(req.DeviceClass), ClientKey: req.DeviceID}
	sample := req.Reading.sample()

	var v proximity.Verdict
	if proximity.Purpose(req.Purpose) == proximity.PurposeCheckOut {
		v = proximity.ValidateCheckOut(sample, facilities, p, device)
	} else {
		v = proximity.ValidateCheckIn(sample, facilities, p, device)
	}
	writeJSON(w, http.StatusOK, ToVerdictDTO(v))
}

func (h *Handler) activeFacilities(ctx context.Context) ([]proximity.Facility, error) {
	if h.Registry != nil && h.Registry.Deps.Facilities != nil {
		return h.Registry.Deps.Facilities.ListActiveFacilities(ctx)
	}
	all, err := h.Facilities.ListFacilities(ctx)
	if err != nil {
		return nil, err
	}
	var active []proximity.Facility
	for _, f := range all {
		if f.Active {
			active = append(active, f)
		}
	}
	return active, nil
}

// =============================================================================
// EMPLOYEE ENDPOINTS
// =============================================================================

// ListEmployees handles GET /api/employees.
func (h *Handler) ListEmployees(w http.ResponseWriter, r *http.Request) {
	if h.Employees == nil {
		writeError(w, http.StatusNotImplemented, "Employee directory is not available", nil)
		return
	}
	employees, err := h.Employees.ListEmployees(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list employees", err)
		return
	}
	dtos := make([]EmployeeDTO, len(employees))
	for i, e := range employees {
		dtos[i] = toEmployeeDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateEmployee handles POST /api/employees.
func (h *Handler) CreateEmployee(w http.ResponseWriter, r *http.Request) {
	if h.Employees == nil {
		writeError(w, http.StatusNotImplemented, "Employee directory is not available", nil)
		return
	}
	var req CreateEmployeeRequest
	if !h.decode(w, r, &req) {
		return
	}
	emp := sqlite.Employee{
		ID:         session.UserID(req.ID),
		Name:       req.Name,
		Email:      req.Email,
		Role:       req.Role,
		Department: req.Department,
	}
	if err := h.Employees.SaveEmployee(r.Context(), emp); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save employee", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEmployeeDTO(emp))
}

// GetEmployee handles GET /api/employees/{id}.
func (h *Handler) GetEmployee(w http.ResponseWriter, r *http.Request) {
	if h.Employees == nil {
		writeError(w, http.StatusNotImplemented, "Employee directory is not available", nil)
		return
	}
	emp, err := h.Employees.GetEmployee(r.Context(), session.UserID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get employee", err)
		return
	}
	if emp == nil {
		writeError(w, http.StatusNotFound, "Employee not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeDTO(*emp))
}

// =============================================================================
// APPROVAL ENDPOINTS
// =============================================================================

// ListPendingApprovals handles GET /api/approvals/pending.
func (h *Handler) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	if h.Approvals == nil {
		writeError(w, http.StatusNotImplemented, "Off-premises approvals are disabled", nil)
		return
	}
	pending, err := h.Approvals.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list pending approvals", err)
		return
	}
	if pending == nil {
		pending = []session.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, pending)
}

// ApproveRequest handles POST /api/approvals/{id}/approve.
func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, true)
}

// RejectRequest handles POST /api/approvals/{id}/reject.
func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, false)
}

// decide records the decision and applies it to this instance's controller
// straight away. The same decision also arrives through the store's
// subscription; controllers ignore it the second time.
func (h *Handler) decide(w http.ResponseWriter, r *http.Request, approved bool) {
	if h.Approvals == nil {
		writeError(w, http.StatusNotImplemented, "Off-premises approvals are disabled", nil)
		return
	}
	var req DecisionRequest
	if !h.decode(w, r, &req) {
		return
	}

	id := session.RequestID(chi.URLParam(r, "id"))
	d, err := h.Approvals.Decide(r.Context(), id, approved, req.DecidedBy, req.Note)
	if err != nil {
		writeJSON(w, statusFor(err), errorResponse(err, position.PlatformUnknown))
		return
	}
	if err := h.Registry.Dispatch(r.Context(), d); err != nil {
		h.logger().Error("failed to apply approval decision",
			zap.String("request_id", string(id)),
			zap.String("user_id", string(d.UserID)),
			zap.Error(err))
	}
	writeJSON(w, http.StatusOK, d)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// GetPolicy handles GET /api/policy.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, policy.ToFile(h.Policy.Current()))
}

// TriggerRollover handles POST /api/admin/rollover.
func (h *Handler) TriggerRollover(w http.ResponseWriter, r *http.Request) {
	reset, err := h.Registry.RolloverAll(r.Context(), h.now())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"reset": reset,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": reset})
}

// Health handles GET /api/health. A failing database ping reports 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthDTO{
		Status:      "ok",
		Database:    "none",
		Approvals:   "disabled",
		Controllers: len(h.Registry.Controllers()),
		Policy:      h.Policy.Current().Name,
	}
	status := http.StatusOK

	if h.Database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Database.Ping(ctx); err != nil {
			h.logger().Error("database ping failed", zap.Error(err))
			resp.Status, resp.Database = "degraded", "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}
	if h.Approvals != nil {
		resp.Approvals = "enabled"
		if s, ok := h.Approvals.(interface{ Subscribers() int }); ok {
			resp.Subscribers = s.Subscribers()
		}
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

// controller resolves the {id} URL parameter, writing 404 for unknown users.
func (h *Handler) controller(w http.ResponseWriter, r *http.Request) (*session.Controller, bool) {
	user := session.UserID(chi.URLParam(r, "id"))
	if user == "" {
		writeError(w, http.StatusBadRequest, "Missing user ID", nil)
		return nil, false
	}
	c, err := h.Registry.Controller(r.Context(), user)
	if err != nil {
		if session.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "User not found", err)
			return nil, false
		}
		h.logger().Error("failed to load controller", zap.String("user_id", string(user)), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "Failed to load attendance state", err)
		return nil, false
	}
	return c, true
}

// decode reads a JSON body into dst and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			writeError(w, http.StatusInternalServerError, "Validation misconfigured", err)
			return false
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:  "Validation failed",
			Code:   "invalid_request",
			Fields: validationFields(err),
		})
		return false
	}
	return true
}

func (h *Handler) now() time.Time {
	if h.Registry != nil && h.Registry.Deps.Clock != nil {
		return h.Registry.Deps.Clock.Now()
	}
	return time.Now()
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return zap.NewNop()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
