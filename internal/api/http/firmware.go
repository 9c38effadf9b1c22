package apihttp

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"cleanroute-cloud/internal/audit"
	workflowapp "cleanroute-cloud/internal/workflows/application"
)

// FirmwareHandler serves firmware rollout operations.
type FirmwareHandler struct {
	service *workflowapp.FirmwareService
	auditor audit.Logger
	logger  *log.Logger
}

// NewFirmwareHandler constructs a FirmwareHandler.
func NewFirmwareHandler(service *workflowapp.FirmwareService, auditor audit.Logger, logger *log.Logger) (*FirmwareHandler, error) {
	if service == nil {
		return nil, errors.New("firmware handler: nil service")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &FirmwareHandler{service: service, auditor: auditor, logger: logger}, nil
}

// ServeHTTP handles POST /api/v1/firmware/rollouts, GET
// /api/v1/firmware/updates and GET /api/v1/firmware/updates/{id}.
func (h *FirmwareHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/firmware")
	rest = strings.TrimPrefix(rest, "/")

	switch {
	case rest == "rollouts" && r.Method == http.MethodPost:
		h.startRollout(w, r)
	case rest == "updates" && r.Method == http.MethodGet:
		h.listUpdates(w, r)
	case strings.HasPrefix(rest, "updates/") && r.Method == http.MethodGet:
		h.getUpdate(w, r, strings.TrimPrefix(rest, "updates/"))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *FirmwareHandler) startRollout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ZoneID  string `json:"zone_id"`
		BinID   string `json:"bin_id"`
		Version string `json:"version"`
		URL     string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.Version == "" {
		http.Error(w, "version is required", http.StatusBadRequest)
		return
	}

	switch {
	case body.ZoneID != "":
		report, err := h.service.StartZoneRollout(r.Context(), body.ZoneID, body.Version, body.URL)
		if err != nil {
			http.Error(w, "start rollout error", http.StatusInternalServerError)
			return
		}
		logAudit(r.Context(), h.auditor, h.logger, r, "firmware.rollout", "zone", body.ZoneID)
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, report)
	case body.BinID != "":
		update, err := h.service.StartDeviceUpdate(r.Context(), body.BinID, body.Version, body.URL)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		logAudit(r.Context(), h.auditor, h.logger, r, "firmware.update", "device", body.BinID)
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, update)
	default:
		http.Error(w, "zone_id or bin_id is required", http.StatusBadRequest)
	}
}

func (h *FirmwareHandler) listUpdates(w http.ResponseWriter, r *http.Request) {
	version := r.URL.Query().Get("version")
	if version == "" {
		http.Error(w, "version is required", http.StatusBadRequest)
		return
	}
	updates, err := h.service.ListByVersion(r.Context(), version, parseIntQuery(r, "limit", 100))
	if err != nil {
		http.Error(w, "list updates error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, updates)
}

func (h *FirmwareHandler) getUpdate(w http.ResponseWriter, r *http.Request, updateID string) {
	update, err := h.service.Get(r.Context(), updateID)
	if err != nil {
		http.Error(w, "get update error", http.StatusInternalServerError)
		return
	}
	if update == nil {
		http.Error(w, "update not found", http.StatusNotFound)
		return
	}
	writeJSON(w, update)
}
