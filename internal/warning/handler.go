package warning

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// Handler exposes warnings over HTTP
type Handler struct {
	service Service
}

// NewHandler creates a warning handler
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the warning endpoints
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.list)
	r.Delete("/", h.clear)
	r.Post("/{id}/acknowledge", h.acknowledge)
}

// list handles GET with optional ?severity= and ?unacknowledged=true filters
func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	var warnings []*Warning
	switch {
	case r.URL.Query().Get("severity") != "":
		warnings = h.service.GetWarningsBySeverity(r.URL.Query().Get("severity"))
	case r.URL.Query().Get("unacknowledged") == "true":
		warnings = h.service.GetUnacknowledgedWarnings()
	default:
		warnings = h.service.GetAllWarnings()
	}
	if warnings == nil {
		warnings = []*Warning{}
	}
	writeJSON(w, http.StatusOK, warnings)
}

func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.service.AcknowledgeWarning(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "warning not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// clear handles DELETE; ?olderThanHours=N limits it to old warnings
func (h *Handler) clear(w http.ResponseWriter, r *http.Request) {
	if v := r.URL.Query().Get("olderThanHours"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "olderThanHours must be a non-negative integer"})
			return
		}
		removed := h.service.ClearOldWarnings(time.Duration(hours) * time.Hour)
		writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
		return
	}

	h.service.ClearAllWarnings()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
