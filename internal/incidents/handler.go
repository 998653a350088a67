package incidents

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"sentinelops/internal/auth"
	"sentinelops/internal/logging"
)

type Handler struct {
	Service *Service
	Logger  *slog.Logger
}

// Routes mounts the incident API. Callers are expected to wrap it with the
// auth middleware.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/", h.ListAll)
	r.Get("/mine", h.ListMine)
	r.Get("/stats/dashboard", h.Dashboard)
	r.Get("/{id}", h.View)
	r.Get("/{id}/details", h.View)
	r.Get("/{id}/report", h.Report)
	r.Patch("/{id}", h.Update)
	r.Post("/{id}/comments", h.AddComment)
	r.Put("/{id}/assignee", h.Assign)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var in NewIncident
	if !decodeBody(w, r, &in) {
		return
	}
	v, err := h.Service.CreateIncident(r.Context(), caller, in)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	views, err := h.Service.ListOwnIncidents(r.Context(), caller)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) ListAll(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := ListFilter{
		Status:    Status(filterValue(q.Get("status"))),
		Severity:  Severity(filterValue(q.Get("severity"))),
		Category:  Category(filterValue(q.Get("category"))),
		Timeframe: Timeframe(strings.ToLower(filterValue(q.Get("timeframe")))),
	}
	views, err := h.Service.ListAllIncidents(r.Context(), caller, filter)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// filterValue drops the "All ..." placeholders the dashboard sends for an
// unset filter.
func filterValue(v string) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(strings.ToLower(v), "all") {
		return ""
	}
	return v
}

func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	stats, err := h.Service.DashboardStats(r.Context(), caller)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) View(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	v, err := h.Service.ViewIncident(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	rep, err := h.Service.FormatReport(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if err := rep.WriteText(w); err != nil {
			h.logger(r).Error("write report", "err", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var patch Patch
	if !decodeBody(w, r, &patch) {
		return
	}
	v, err := h.Service.UpdateIncident(r.Context(), caller, chi.URLParam(r, "id"), patch)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) AddComment(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var payload struct {
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &payload) {
		return
	}
	v, err := h.Service.AddComment(r.Context(), caller, chi.URLParam(r, "id"), payload.Text)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var payload struct {
		AssigneeID string `json:"assigneeId"`
	}
	if !decodeBody(w, r, &payload) {
		return
	}
	v, err := h.Service.AssignIncident(r.Context(), caller, chi.URLParam(r, "id"), payload.AssigneeID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (auth.Caller, bool) {
	c, ok := auth.CallerFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Unauthorized", Message: "authentication required"})
		return auth.Caller{}, false
	}
	return c, true
}

func (h *Handler) logger(r *http.Request) *slog.Logger {
	return logging.FromContext(r.Context(), h.Logger)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusCode maps an error kind to its HTTP status.
func StatusCode(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		h.logger(r).Error("incident request failed", "path", r.URL.Path, "err", err)
	} else {
		h.logger(r).Debug("incident request rejected", "path", r.URL.Path, "kind", KindOf(err), "err", err)
	}
	writeJSON(w, status, errorBody{Error: string(KindOf(err)), Message: Message(err)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		msg := "invalid JSON body"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			msg = "request body too large"
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: string(KindValidation), Message: msg})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
