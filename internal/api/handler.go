// Package api exposes sync runs and appointment maintenance over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"plannersync/internal/models"
	"plannersync/internal/store"
	"plannersync/internal/syncer"
)

const dateLayout = "2006-01-02"

// Store is the read side the handlers use directly.
type Store interface {
	Ping(ctx context.Context) error
	ListAppointmentsInRange(ctx context.Context, userID int64, from, to string) ([]models.Appointment, error)
	SetStatus(ctx context.Context, userID, id int64, status models.Status) (*models.Appointment, error)
	ListHistory(ctx context.Context, userID, appointmentID int64) ([]models.HistoryEntry, error)
}

// Syncer runs one sync of the given calendars into a user's appointments.
type Syncer interface {
	RunSync(ctx context.Context, session models.Session, userID int64, calendarIDs []string) (*syncer.Report, error)
}

// Deleter removes appointments, synced ones together with their external event.
type Deleter interface {
	DeleteAppointment(ctx context.Context, session models.Session, userID int64, externalID string) error
	DeleteLocal(ctx context.Context, userID, appointmentID int64) error
}

// Handler serves the HTTP API.
type Handler struct {
	logger  *slog.Logger
	store   Store
	syncer  Syncer
	deleter Deleter
	session models.Session
	limiter *userRateLimiter

	// DefaultCalendars is used when a sync request names no calendars.
	DefaultCalendars []string
}

// NewHandler creates a Handler. session is used for requests that carry no
// bearer token; syncsPerMinute limits POST /api/v1/sync per user.
func NewHandler(logger *slog.Logger, st Store, s Syncer, d Deleter, session models.Session, syncsPerMinute int) *Handler {
	return &Handler{
		logger:  logger,
		store:   st,
		syncer:  s,
		deleter: d,
		session: session,
		limiter: newUserRateLimiter(syncsPerMinute),
	}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLogger(h.logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", h.HandleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(identify(h.session))
		r.Post("/sync", h.HandleSync)
		r.Get("/appointments", h.HandleListAppointments)
		r.Delete("/appointments/{externalID}", h.HandleDeleteAppointment)
		r.Put("/appointments/{id}/status", h.HandleSetStatus)
		r.Get("/appointments/{id}/history", h.HandleHistory)
		r.Delete("/local-appointments/{id}", h.HandleDeleteLocal)
	})
	return r
}

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn("Health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("store unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type syncRequest struct {
	CalendarIDs []string `json:"calendarIds"`
}

// HandleSync handles POST /api/v1/sync.
func (h *Handler) HandleSync(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	if !h.limiter.allow(userID) {
		writeJSON(w, http.StatusTooManyRequests, errorResponse("too many requests"))
		return
	}

	var req syncRequest
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
			return
		}
	}
	ids := req.CalendarIDs
	if len(ids) == 0 {
		ids = h.DefaultCalendars
	}
	if len(ids) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse("no calendars to sync"))
		return
	}

	report, err := h.syncer.RunSync(r.Context(), sessionFromContext(r.Context()), userID, ids)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleListAppointments handles GET /api/v1/appointments?start=&end=.
func (h *Handler) HandleListAppointments(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	start, end := r.URL.Query().Get("start"), r.URL.Query().Get("end")
	from, err := time.Parse(dateLayout, start)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("start must be YYYY-MM-DD"))
		return
	}
	to, err := time.Parse(dateLayout, end)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("end must be YYYY-MM-DD"))
		return
	}
	if to.Before(from) {
		writeJSON(w, http.StatusBadRequest, errorResponse("end is before start"))
		return
	}

	appts, err := h.store.ListAppointmentsInRange(r.Context(), userID, start, end)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if appts == nil {
		appts = []models.Appointment{}
	}
	writeJSON(w, http.StatusOK, appts)
}

// HandleDeleteAppointment handles DELETE /api/v1/appointments/{externalID}.
func (h *Handler) HandleDeleteAppointment(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	externalID := chi.URLParam(r, "externalID")
	if externalID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid external id"))
		return
	}

	if err := h.deleter.DeleteAppointment(r.Context(), sessionFromContext(r.Context()), userID, externalID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteLocal handles DELETE /api/v1/local-appointments/{id}.
func (h *Handler) HandleDeleteLocal(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}
	if err := h.deleter.DeleteLocal(r.Context(), userID, id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusRequest struct {
	Status models.Status `json:"status"`
}

// HandleSetStatus handles PUT /api/v1/appointments/{id}/status.
func (h *Handler) HandleSetStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}

	var req statusRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}
	if !req.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse("unknown status"))
		return
	}

	a, err := h.store.SetStatus(r.Context(), userID, id, req.Status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// HandleHistory handles GET /api/v1/appointments/{id}/history.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}
	entries, err := h.store.ListHistory(r.Context(), userID, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func appointmentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid appointment id"))
		return 0, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrAppointmentNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse("appointment not found"))
	case models.IsSessionExpired(err):
		writeJSON(w, http.StatusUnauthorized, errorResponse("calendar session expired, authenticate again"))
	case errors.Is(err, syncer.ErrSyncedAppointment):
		writeJSON(w, http.StatusConflict, errorResponse(err.Error()))
	case errors.Is(err, store.ErrStoreUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("store unavailable"))
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
		w.WriteHeader(499)
	default:
		h.logger.Error("Request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func errorResponse(msg string) map[string]string {
	return map[string]string{"error": msg}
}
