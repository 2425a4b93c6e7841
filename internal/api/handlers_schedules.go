package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shohag/remindrelay/internal/models"
	"github.com/shohag/remindrelay/internal/schedule"
	"github.com/shohag/remindrelay/internal/storage"
)

type ScheduleHandler struct {
	svc *schedule.Service
}

func NewScheduleHandler(svc *schedule.Service) *ScheduleHandler {
	return &ScheduleHandler{svc: svc}
}

const maxRequestSize = 64 * 1024

func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)
	var req schedule.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.svc.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, err, "failed to create schedule")
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.ListFilter{
		Status:   models.Status(q.Get("status")),
		Platform: models.Platform(q.Get("platform")),
		OwnerRef: q.Get("owner"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	if filter.Platform != "" && !filter.Platform.Valid() {
		writeError(w, http.StatusBadRequest, "unknown platform")
		return
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	msgs, err := h.svc.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err, "failed to list schedules")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"schedules": msgs,
		"count":     len(msgs),
	})
}

func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, "failed to get schedule")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *ScheduleHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	msg, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, "failed to cancel schedule")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *ScheduleHandler) SendNow(w http.ResponseWriter, r *http.Request) {
	msg, err := h.svc.SendNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, "failed to send schedule")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}
