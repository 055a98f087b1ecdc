package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/libs/httpx"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/conflict"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/model"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/scheduling"
)

type AppointmentHandler struct {
	svc    *scheduling.Service
	logger *slog.Logger
}

func NewAppointmentHandler(svc *scheduling.Service, logger *slog.Logger) *AppointmentHandler {
	return &AppointmentHandler{svc: svc, logger: logger}
}

func (h *AppointmentHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/appointments", h.Appointments)
	mux.HandleFunc("/api/v1/appointments/get", h.Get)
	mux.HandleFunc("/api/v1/appointments/reminders", h.Reminders)
	mux.HandleFunc("/api/v1/appointments/conflicts", h.Conflicts)
	mux.HandleFunc("/api/v1/appointments/reschedule", h.Reschedule)
	mux.HandleFunc("/api/v1/appointments/cancel", h.Cancel)
	mux.HandleFunc("/api/v1/appointments/confirm", h.Confirm)
	mux.HandleFunc("/api/v1/appointments/start", h.Start)
	mux.HandleFunc("/api/v1/appointments/complete", h.Complete)
	mux.HandleFunc("/api/v1/appointments/no-show", h.NoShow)
	mux.HandleFunc("/api/v1/appointments/replan", h.Replan)
}

type bookRequest struct {
	CompanyID       string  `json:"company_id"`
	ChatID          string  `json:"chat_id"`
	ClientName      string  `json:"client_name"`
	ClientPhone     string  `json:"client_phone"`
	PetName         string  `json:"pet_name"`
	PetType         string  `json:"pet_type"`
	PetSize         string  `json:"pet_size"`
	ServiceID       string  `json:"service_id"`
	ServiceName     string  `json:"service_name"`
	Date            string  `json:"date"`
	Time            string  `json:"time"`
	DurationMinutes int     `json:"duration_minutes"`
	Price           float64 `json:"price"`
	Notes           string  `json:"notes"`
}

type appointmentRef struct {
	CompanyID     string `json:"company_id"`
	AppointmentID string `json:"appointment_id"`
}

type rescheduleRequest struct {
	appointmentRef
	Date string `json:"date"`
	Time string `json:"time"`
}

type cancelRequest struct {
	appointmentRef
	Reason string `json:"reason"`
}

type confirmRequest struct {
	appointmentRef
	By string `json:"by"`
}

type appointmentResponse struct {
	ID                 string  `json:"id"`
	CompanyID          string  `json:"company_id"`
	ChatID             string  `json:"chat_id,omitempty"`
	ClientName         string  `json:"client_name"`
	ClientPhone        string  `json:"client_phone,omitempty"`
	PetName            string  `json:"pet_name,omitempty"`
	PetType            string  `json:"pet_type,omitempty"`
	PetSize            string  `json:"pet_size"`
	ServiceID          string  `json:"service_id,omitempty"`
	ServiceName        string  `json:"service_name"`
	DurationMinutes    int     `json:"duration_minutes"`
	Price              float64 `json:"price"`
	Date               string  `json:"date"`
	Time               string  `json:"time"`
	StartsAt           string  `json:"starts_at"`
	EndsAt             string  `json:"ends_at"`
	Status             string  `json:"status"`
	ConfirmedByClient  bool    `json:"confirmed_by_client"`
	ConfirmedByCompany bool    `json:"confirmed_by_company"`
	Notes              string  `json:"notes,omitempty"`
	CancelReason       string  `json:"cancel_reason,omitempty"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
	CanceledAt         string  `json:"canceled_at,omitempty"`
	CompletedAt        string  `json:"completed_at,omitempty"`
}

type reminderResponse struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	ScheduledFor  string `json:"scheduled_for"`
	Sent          bool   `json:"sent"`
	SentAt        string `json:"sent_at,omitempty"`
	InvalidatedAt string `json:"invalidated_at,omitempty"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error,omitempty"`
}

type conflictResponse struct {
	HasConflict bool                  `json:"has_conflict"`
	Message     string                `json:"message,omitempty"`
	Conflicts   []appointmentResponse `json:"conflicts"`
}

// Appointments serves POST (book) and GET (list by date) on the collection.
func (h *AppointmentHandler) Appointments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.book(w, r)
	case http.MethodGet:
		h.list(w, r)
	default:
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *AppointmentHandler) book(w http.ResponseWriter, r *http.Request) {
	var req bookRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	appt, err := h.svc.Book(r.Context(), model.BookingRequest{
		CompanyID:       req.CompanyID,
		ChatID:          req.ChatID,
		Client:          model.Client{Name: req.ClientName, Phone: req.ClientPhone},
		Pet:             model.Pet{Name: req.PetName, Type: req.PetType, Size: model.PetSize(req.PetSize)},
		ServiceID:       req.ServiceID,
		ServiceName:     req.ServiceName,
		Date:            req.Date,
		Time:            req.Time,
		DurationMinutes: req.DurationMinutes,
		Price:           req.Price,
		Notes:           req.Notes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, h.toResponse(appt))
}

func (h *AppointmentHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	appts, err := h.svc.ListByDate(r.Context(), q.Get("company_id"), q.Get("date"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items := make([]appointmentResponse, 0, len(appts))
	for _, a := range appts {
		items = append(items, h.toResponse(a))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *AppointmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	appt, err := h.svc.Get(r.Context(), q.Get("company_id"), q.Get("appointment_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, h.toResponse(appt))
}

func (h *AppointmentHandler) Reminders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	rs, err := h.svc.Reminders(r.Context(), q.Get("company_id"), q.Get("appointment_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": toReminderResponses(rs)})
}

// Conflicts answers whether a slot is free. It does not reserve anything.
func (h *AppointmentHandler) Conflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	duration, err := atoiParam(q.Get("duration_minutes"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid duration_minutes")
		return
	}
	res, err := h.svc.CheckConflict(r.Context(), conflict.Proposal{
		CompanyID:       q.Get("company_id"),
		Date:            q.Get("date"),
		Time:            q.Get("time"),
		DurationMinutes: duration,
		ExcludeID:       q.Get("exclude_appointment_id"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, h.toConflictResponse(res))
}

func (h *AppointmentHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if !decodePost(w, r, &req) {
		return
	}
	appt, err := h.svc.Reschedule(r.Context(), req.CompanyID, req.AppointmentID, req.Date, req.Time)
	h.respond(w, r, appt, err)
}

func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !decodePost(w, r, &req) {
		return
	}
	appt, err := h.svc.Cancel(r.Context(), req.CompanyID, req.AppointmentID, req.Reason)
	h.respond(w, r, appt, err)
}

func (h *AppointmentHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !decodePost(w, r, &req) {
		return
	}
	appt, err := h.svc.Confirm(r.Context(), req.CompanyID, req.AppointmentID, model.Party(strings.ToLower(strings.TrimSpace(req.By))))
	h.respond(w, r, appt, err)
}

func (h *AppointmentHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req appointmentRef
	if !decodePost(w, r, &req) {
		return
	}
	appt, err := h.svc.Start(r.Context(), req.CompanyID, req.AppointmentID)
	h.respond(w, r, appt, err)
}

func (h *AppointmentHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req appointmentRef
	if !decodePost(w, r, &req) {
		return
	}
	appt, err := h.svc.Complete(r.Context(), req.CompanyID, req.AppointmentID)
	h.respond(w, r, appt, err)
}

func (h *AppointmentHandler) NoShow(w http.ResponseWriter, r *http.Request) {
	var req appointmentRef
	if !decodePost(w, r, &req) {
		return
	}
	appt, err := h.svc.MarkNoShow(r.Context(), req.CompanyID, req.AppointmentID)
	h.respond(w, r, appt, err)
}

func (h *AppointmentHandler) Replan(w http.ResponseWriter, r *http.Request) {
	var req appointmentRef
	if !decodePost(w, r, &req) {
		return
	}
	rs, err := h.svc.ReplanReminders(r.Context(), req.CompanyID, req.AppointmentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": toReminderResponses(rs)})
}

func (h *AppointmentHandler) respond(w http.ResponseWriter, r *http.Request, appt model.Appointment, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, h.toResponse(appt))
}

func decodePost(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	if err := httpx.DecodeJSON(r, v); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func (h *AppointmentHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *model.ValidationError
	var conflictErr *model.ConflictError
	var transition *model.TransitionError
	switch {
	case errors.As(err, &validation):
		httpx.WriteErrorDetails(w, http.StatusBadRequest, "validation failed", validation.Problems)
	case errors.As(err, &conflictErr):
		httpx.WriteErrorDetails(w, http.StatusConflict, conflictErr.Result.Message, h.toConflictResponse(conflictErr.Result))
	case errors.Is(err, model.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "appointment not found")
	case errors.As(err, &transition):
		httpx.WriteError(w, http.StatusUnprocessableEntity, transition.Error())
	case errors.Is(err, model.ErrTenantBusy):
		w.Header().Set("Retry-After", "1")
		httpx.WriteError(w, http.StatusServiceUnavailable, "schedule busy, retry")
	default:
		h.logger.Error("appointment request failed",
			"path", r.URL.Path,
			"request_id", httpx.RequestIDFromContext(r.Context()),
			"err", err,
		)
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *AppointmentHandler) toConflictResponse(res model.ConflictResult) conflictResponse {
	out := conflictResponse{HasConflict: res.HasConflict, Message: res.Message, Conflicts: []appointmentResponse{}}
	for _, a := range res.Conflicts {
		out.Conflicts = append(out.Conflicts, h.toResponse(a))
	}
	return out
}

func (h *AppointmentHandler) toResponse(a model.Appointment) appointmentResponse {
	return appointmentResponse{
		ID:                 a.ID,
		CompanyID:          a.CompanyID,
		ChatID:             a.ChatID,
		ClientName:         a.Client.Name,
		ClientPhone:        a.Client.Phone,
		PetName:            a.Pet.Name,
		PetType:            a.Pet.Type,
		PetSize:            string(a.Pet.Size),
		ServiceID:          a.Service.ID,
		ServiceName:        a.Service.Name,
		DurationMinutes:    a.Service.DurationMinutes,
		Price:              a.Service.Price,
		Date:               a.Date,
		Time:               a.Time,
		StartsAt:           a.StartsAt.In(h.svc.Location()).Format(time.RFC3339),
		EndsAt:             a.EndsAt.In(h.svc.Location()).Format(time.RFC3339),
		Status:             string(a.Status),
		ConfirmedByClient:  a.ConfirmedByClient,
		ConfirmedByCompany: a.ConfirmedByCompany,
		Notes:              a.Notes,
		CancelReason:       a.CancelReason,
		CreatedAt:          a.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:          a.UpdatedAt.UTC().Format(time.RFC3339),
		CanceledAt:         formatOptional(a.CanceledAt),
		CompletedAt:        formatOptional(a.CompletedAt),
	}
}

func toReminderResponses(rs []model.Reminder) []reminderResponse {
	out := make([]reminderResponse, 0, len(rs))
	for _, r := range rs {
		out = append(out, reminderResponse{
			ID:            r.ID,
			Kind:          string(r.Kind),
			ScheduledFor:  r.ScheduledFor.UTC().Format(time.RFC3339),
			Sent:          r.Sent,
			SentAt:        formatOptional(r.SentAt),
			InvalidatedAt: formatOptional(r.InvalidatedAt),
			Attempts:      r.Attempts,
			LastError:     r.LastError,
		})
	}
	return out
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func atoiParam(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
