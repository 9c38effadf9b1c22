package apihttp

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"cleanroute-cloud/internal/audit"
	commandapp "cleanroute-cloud/internal/commands/application"
	workflowapp "cleanroute-cloud/internal/workflows/application"
	workflows "cleanroute-cloud/internal/workflows/domain"
	workflowviews "cleanroute-cloud/internal/workflows/interfaces"
	"cleanroute-cloud/internal/zones"
)

// ZonesHandler serves zone listing and zone-wide commands.
type ZonesHandler struct {
	registry   *zones.Registry
	dispatcher *commandapp.Dispatcher
	auditor    audit.Logger
	logger     *log.Logger
}

// NewZonesHandler constructs a ZonesHandler.
func NewZonesHandler(registry *zones.Registry, dispatcher *commandapp.Dispatcher, auditor audit.Logger, logger *log.Logger) (*ZonesHandler, error) {
	if registry == nil {
		return nil, errors.New("zones handler: nil registry")
	}
	if dispatcher == nil {
		return nil, errors.New("zones handler: nil dispatcher")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &ZonesHandler{registry: registry, dispatcher: dispatcher, auditor: auditor, logger: logger}, nil
}

// ServeHTTP handles /api/v1/zones and /api/v1/zones/{zone}/{wake|sleep|command|devices}.
func (h *ZonesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.registry == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/zones")
	rest = strings.TrimPrefix(rest, "/")

	if rest == "" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, h.registry.Names())
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	zoneID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "devices" && r.Method == http.MethodGet:
		ids, err := h.registry.ListDeviceIDs(r.Context(), zoneID)
		if err != nil {
			http.Error(w, "list zone devices error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, ids)
	case action == "wake" && r.Method == http.MethodPost:
		var body struct {
			CollectionHours int `json:"collection_hours"`
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		report, err := h.dispatcher.WakeZone(r.Context(), zoneID, body.CollectionHours)
		if err != nil {
			http.Error(w, "zone wake error", http.StatusBadGateway)
			return
		}
		logAudit(r.Context(), h.auditor, h.logger, r, "zone.wake", "zone", zoneID)
		writeJSON(w, report)
	case action == "sleep" && r.Method == http.MethodPost:
		report, err := h.dispatcher.SleepZone(r.Context(), zoneID)
		if err != nil {
			http.Error(w, "zone sleep error", http.StatusBadGateway)
			return
		}
		logAudit(r.Context(), h.auditor, h.logger, r, "zone.sleep", "zone", zoneID)
		writeJSON(w, report)
	case action == "command" && r.Method == http.MethodPost:
		h.command(w, r, zoneID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *ZonesHandler) command(w http.ResponseWriter, r *http.Request, zoneID string) {
	var body struct {
		Command    string         `json:"command"`
		Params     map[string]any `json:"params"`
		ExpectAck  bool           `json:"expect_ack"`
		MaxRetries int            `json:"max_retries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.Command == "" {
		http.Error(w, "command is required", http.StatusBadRequest)
		return
	}
	report, err := h.dispatcher.DispatchZone(r.Context(), zoneID, commandapp.DispatchRequest{
		Type:       body.Command,
		Params:     body.Params,
		ExpectAck:  body.ExpectAck,
		MaxRetries: body.MaxRetries,
	})
	if err != nil {
		http.Error(w, "zone dispatch error", http.StatusBadGateway)
		return
	}
	logAudit(r.Context(), h.auditor, h.logger, r, "zone.command."+body.Command, "zone", zoneID)
	writeJSON(w, report)
}

// SessionsHandler serves collection session lifecycle and exports.
type SessionsHandler struct {
	service *workflowapp.CollectionService
	auditor audit.Logger
	logger  *log.Logger
}

// NewSessionsHandler constructs a SessionsHandler.
func NewSessionsHandler(service *workflowapp.CollectionService, auditor audit.Logger, logger *log.Logger) (*SessionsHandler, error) {
	if service == nil {
		return nil, errors.New("sessions handler: nil service")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &SessionsHandler{service: service, auditor: auditor, logger: logger}, nil
}

// ServeHTTP handles /api/v1/sessions and /api/v1/sessions/{id}[/check|/finish|/end|/export.pdf].
func (h *SessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions")
	rest = strings.TrimPrefix(rest, "/")

	if rest == "" {
		switch r.Method {
		case http.MethodGet:
			h.list(w, r)
		case http.MethodPost:
			h.start(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	sessionID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.get(w, r, sessionID)
	case action == "export.pdf" && r.Method == http.MethodGet:
		h.exportPDF(w, r, sessionID)
	case r.Method == http.MethodPost:
		h.transition(w, r, sessionID, action)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *SessionsHandler) list(w http.ResponseWriter, r *http.Request) {
	zoneID := r.URL.Query().Get("zone_id")
	if zoneID != "" {
		session, err := h.service.ActiveForZone(r.Context(), zoneID)
		if err != nil {
			http.Error(w, "query session error", http.StatusInternalServerError)
			return
		}
		if session == nil {
			http.Error(w, "no active session", http.StatusNotFound)
			return
		}
		writeJSON(w, session)
		return
	}
	sessions, err := h.service.ListRecent(r.Context(), parseIntQuery(r, "limit", 50))
	if err != nil {
		http.Error(w, "list sessions error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, sessions)
}

func (h *SessionsHandler) start(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ZoneID          string `json:"zone_id"`
		CollectionHours int    `json:"collection_hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.ZoneID == "" {
		http.Error(w, "zone_id is required", http.StatusBadRequest)
		return
	}
	session, report, err := h.service.Start(r.Context(), body.ZoneID, body.CollectionHours)
	if err != nil {
		if errors.Is(err, workflows.ErrSessionActive) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, "start session error", http.StatusInternalServerError)
		return
	}
	logAudit(r.Context(), h.auditor, h.logger, r, "session.start", "session", session.SessionID)
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, struct {
		Session *workflows.CollectionSession `json:"session"`
		Wake    *commandapp.ZoneReport       `json:"wake_report,omitempty"`
	}{session, report})
}

func (h *SessionsHandler) get(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := h.service.Get(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "get session error", http.StatusInternalServerError)
		return
	}
	if session == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, session)
}

func (h *SessionsHandler) transition(w http.ResponseWriter, r *http.Request, sessionID, action string) {
	var session *workflows.CollectionSession
	var err error
	switch action {
	case "check":
		session, err = h.service.Check(r.Context(), sessionID)
	case "finish":
		session, err = h.service.Finish(r.Context(), sessionID)
	case "end":
		session, err = h.service.End(r.Context(), sessionID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	logAudit(r.Context(), h.auditor, h.logger, r, "session."+action, "session", sessionID)
	writeJSON(w, session)
}

func (h *SessionsHandler) exportPDF(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := h.service.Get(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "get session error", http.StatusInternalServerError)
		return
	}
	if session == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	data, err := workflowviews.BuildSessionPDF(session)
	if err != nil {
		http.Error(w, "render pdf error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="session-`+sessionID+`.pdf"`)
	_, _ = w.Write(data)
}

// ExportSessionsHandler serves CSV and XLSX listings of recent sessions.
type ExportSessionsHandler struct {
	service *workflowapp.CollectionService
	format  string
}

// NewExportSessionsHandler constructs an ExportSessionsHandler for "csv" or
// "xlsx".
func NewExportSessionsHandler(service *workflowapp.CollectionService, format string) (*ExportSessionsHandler, error) {
	if service == nil {
		return nil, errors.New("export handler: nil service")
	}
	if format != "csv" && format != "xlsx" {
		return nil, errors.New("export handler: unsupported format " + format)
	}
	return &ExportSessionsHandler{service: service, format: format}, nil
}

// ServeHTTP handles GET /api/v1/exports/sessions.{csv,xlsx}.
func (h *ExportSessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.service == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	sessions, err := h.service.ListRecent(r.Context(), parseIntQuery(r, "limit", 200))
	if err != nil {
		http.Error(w, "list sessions error", http.StatusInternalServerError)
		return
	}

	var data []byte
	switch h.format {
	case "csv":
		data, err = workflowviews.BuildSessionsCSV(sessions)
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	case "xlsx":
		data, err = workflowviews.BuildSessionsXLSX(sessions)
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	}
	if err != nil {
		http.Error(w, "render export error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="sessions.`+h.format+`"`)
	_, _ = w.Write(data)
}
