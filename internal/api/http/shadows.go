package apihttp

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"cleanroute-cloud/internal/audit"
	shadowapp "cleanroute-cloud/internal/shadow/application"
	shadow "cleanroute-cloud/internal/shadow/domain"
)

// ShadowsHandler serves device shadow queries and desired-state updates.
type ShadowsHandler struct {
	service *shadowapp.Service
	auditor audit.Logger
	logger  *log.Logger
}

// NewShadowsHandler constructs a ShadowsHandler.
func NewShadowsHandler(service *shadowapp.Service, auditor audit.Logger, logger *log.Logger) (*ShadowsHandler, error) {
	if service == nil {
		return nil, errors.New("shadows handler: nil service")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &ShadowsHandler{service: service, auditor: auditor, logger: logger}, nil
}

type shadowView struct {
	DeviceID       string       `json:"bin_id"`
	Reported       shadow.State `json:"reported_state"`
	Desired        shadow.State `json:"desired_state"`
	Version        int          `json:"version"`
	LastReportedAt string       `json:"last_reported_at,omitempty"`
	LastDesiredAt  string       `json:"last_desired_at,omitempty"`
}

func toShadowView(s *shadow.Shadow) shadowView {
	return shadowView{
		DeviceID:       s.DeviceID,
		Reported:       s.Reported,
		Desired:        s.Desired,
		Version:        s.Version,
		LastReportedAt: formatTime(s.LastReportedAt),
		LastDesiredAt:  formatTime(s.LastDesiredAt),
	}
}

// ServeHTTP handles /api/v1/shadows/{id}[/desired|/delta].
func (h *ShadowsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/shadows")
	rest = strings.TrimPrefix(rest, "/")
	if rest == "" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	deviceID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.get(w, r, deviceID)
	case action == "delta" && r.Method == http.MethodGet:
		h.delta(w, r, deviceID)
	case action == "desired" && (r.Method == http.MethodPost || r.Method == http.MethodPut):
		h.setDesired(w, r, deviceID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *ShadowsHandler) get(w http.ResponseWriter, r *http.Request, deviceID string) {
	s, err := h.service.Get(r.Context(), deviceID)
	if err != nil {
		http.Error(w, "get shadow error", http.StatusInternalServerError)
		return
	}
	if s == nil {
		http.Error(w, "shadow not found", http.StatusNotFound)
		return
	}
	writeJSON(w, toShadowView(s))
}

func (h *ShadowsHandler) delta(w http.ResponseWriter, r *http.Request, deviceID string) {
	delta, err := h.service.GetDelta(r.Context(), deviceID)
	if err != nil {
		http.Error(w, "get delta error", http.StatusInternalServerError)
		return
	}
	if delta == nil {
		delta = map[string]json.RawMessage{}
	}
	writeJSON(w, delta)
}

func (h *ShadowsHandler) setDesired(w http.ResponseWriter, r *http.Request, deviceID string) {
	var partial shadow.State
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	updated, err := h.service.SetDesired(r.Context(), deviceID, partial)
	if err != nil {
		if errors.Is(err, shadow.ErrVersionConflict) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	logAudit(r.Context(), h.auditor, h.logger, r, "shadow.set_desired", "device", deviceID)
	writeJSON(w, toShadowView(updated))
}
