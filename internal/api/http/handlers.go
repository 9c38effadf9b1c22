package apihttp

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cleanroute-cloud/internal/audit"
	"cleanroute-cloud/internal/auth"
	commandapp "cleanroute-cloud/internal/commands/application"
	commands "cleanroute-cloud/internal/commands/domain"
	devices "cleanroute-cloud/internal/devices/domain"
)

const timeLayout = time.RFC3339

// DevicesHandler serves device registration and queries.
type DevicesHandler struct {
	repo       devices.Repository
	commands   commands.Repository
	dispatcher *commandapp.Dispatcher
	auditor    audit.Logger
	logger     *log.Logger
}

// NewDevicesHandler constructs a DevicesHandler.
func NewDevicesHandler(repo devices.Repository, commandRepo commands.Repository, dispatcher *commandapp.Dispatcher, auditor audit.Logger, logger *log.Logger) (*DevicesHandler, error) {
	if repo == nil {
		return nil, errors.New("devices handler: nil repo")
	}
	if dispatcher == nil {
		return nil, errors.New("devices handler: nil dispatcher")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &DevicesHandler{repo: repo, commands: commandRepo, dispatcher: dispatcher, auditor: auditor, logger: logger}, nil
}

type deviceView struct {
	ID              string  `json:"bin_id"`
	UserID          string  `json:"user_id,omitempty"`
	UserName        string  `json:"user_name,omitempty"`
	Lat             float64 `json:"lat"`
	Lon             float64 `json:"lon"`
	Status          string  `json:"status"`
	SleepMode       bool    `json:"sleep_mode"`
	FirmwareVersion string  `json:"firmware_version,omitempty"`
	LastSeen        string  `json:"last_seen,omitempty"`
	LastEmptied     string  `json:"last_emptied,omitempty"`
}

func toDeviceView(device devices.Device) deviceView {
	return deviceView{
		ID:              device.ID,
		UserID:          device.UserID,
		UserName:        device.UserName,
		Lat:             device.Lat,
		Lon:             device.Lon,
		Status:          device.Status,
		SleepMode:       device.SleepMode,
		FirmwareVersion: device.FirmwareVersion,
		LastSeen:        formatTime(device.LastSeen),
		LastEmptied:     formatTime(device.LastEmptied),
	}
}

// ServeHTTP handles /api/v1/devices and /api/v1/devices/{id}[/commands|/status|/wake|/sleep].
func (h *DevicesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.repo == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/devices")
	rest = strings.TrimPrefix(rest, "/")

	if rest == "" {
		switch r.Method {
		case http.MethodGet:
			h.list(w, r)
		case http.MethodPost:
			h.register(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
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
	case action == "commands" && r.Method == http.MethodGet:
		h.listCommands(w, r, deviceID)
	case action == "status" && r.Method == http.MethodPost:
		h.requestStatus(w, r, deviceID)
	case action == "wake" && r.Method == http.MethodPost:
		h.wake(w, r, deviceID)
	case action == "sleep" && r.Method == http.MethodPost:
		h.sleep(w, r, deviceID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *DevicesHandler) list(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	result, err := h.repo.ListByPrefix(r.Context(), []string{prefix})
	if err != nil {
		http.Error(w, "list devices error", http.StatusInternalServerError)
		return
	}
	views := make([]deviceView, 0, len(result))
	for _, device := range result {
		views = append(views, toDeviceView(device))
	}
	writeJSON(w, views)
}

func (h *DevicesHandler) register(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BinID    string  `json:"bin_id"`
		UserID   string  `json:"user_id"`
		UserName string  `json:"user_name"`
		Lat      float64 `json:"lat"`
		Lon      float64 `json:"lon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.BinID == "" {
		http.Error(w, "bin_id is required", http.StatusBadRequest)
		return
	}
	now := time.Now().UTC()
	device := &devices.Device{
		ID:           body.BinID,
		UserID:       body.UserID,
		UserName:     body.UserName,
		Lat:          body.Lat,
		Lon:          body.Lon,
		Status:       devices.StatusUnknown,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	if err := h.repo.Save(r.Context(), device); err != nil {
		http.Error(w, "save device error", http.StatusInternalServerError)
		return
	}
	h.audit(r.Context(), r, "device.register", body.BinID)
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, toDeviceView(*device))
}

func (h *DevicesHandler) get(w http.ResponseWriter, r *http.Request, deviceID string) {
	device, err := h.repo.Get(r.Context(), deviceID)
	if err != nil {
		http.Error(w, "get device error", http.StatusInternalServerError)
		return
	}
	if device == nil {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	writeJSON(w, toDeviceView(*device))
}

func (h *DevicesHandler) listCommands(w http.ResponseWriter, r *http.Request, deviceID string) {
	if h.commands == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	limit := parseIntQuery(r, "limit", 50)
	result, err := h.commands.ListByDevice(r.Context(), deviceID, limit)
	if err != nil {
		http.Error(w, "list commands error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, result)
}

func (h *DevicesHandler) requestStatus(w http.ResponseWriter, r *http.Request, deviceID string) {
	handle, err := h.dispatcher.RequestStatus(r.Context(), deviceID)
	if err != nil {
		http.Error(w, "dispatch error", http.StatusBadGateway)
		return
	}
	writeJSON(w, handle)
}

func (h *DevicesHandler) wake(w http.ResponseWriter, r *http.Request, deviceID string) {
	var body struct {
		CollectionHours int `json:"collection_hours"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	handle, err := h.dispatcher.WakeDevice(r.Context(), deviceID, body.CollectionHours)
	if err != nil {
		http.Error(w, "dispatch error", http.StatusBadGateway)
		return
	}
	h.audit(r.Context(), r, "device.wake", deviceID)
	writeJSON(w, handle)
}

func (h *DevicesHandler) sleep(w http.ResponseWriter, r *http.Request, deviceID string) {
	handle, err := h.dispatcher.SleepDevice(r.Context(), deviceID)
	if err != nil {
		http.Error(w, "dispatch error", http.StatusBadGateway)
		return
	}
	h.audit(r.Context(), r, "device.sleep", deviceID)
	writeJSON(w, handle)
}

func (h *DevicesHandler) audit(ctx context.Context, r *http.Request, action, deviceID string) {
	logAudit(ctx, h.auditor, h.logger, r, action, "device", deviceID)
}

// CommandsHandler serves ad hoc command dispatch and command queries.
type CommandsHandler struct {
	dispatcher *commandapp.Dispatcher
	repo       commands.Repository
	logger     *log.Logger
}

// NewCommandsHandler constructs a CommandsHandler.
func NewCommandsHandler(dispatcher *commandapp.Dispatcher, repo commands.Repository, logger *log.Logger) (*CommandsHandler, error) {
	if dispatcher == nil {
		return nil, errors.New("commands handler: nil dispatcher")
	}
	if repo == nil {
		return nil, errors.New("commands handler: nil repo")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CommandsHandler{dispatcher: dispatcher, repo: repo, logger: logger}, nil
}

// ServeHTTP handles POST /api/v1/commands and GET /api/v1/commands/{id}.
func (h *CommandsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.dispatcher == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/commands")
	rest = strings.TrimPrefix(rest, "/")

	switch {
	case rest == "" && r.Method == http.MethodPost:
		h.dispatch(w, r)
	case rest != "" && r.Method == http.MethodGet:
		h.get(w, r, rest)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *CommandsHandler) dispatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BinID      string         `json:"bin_id"`
		Command    string         `json:"command"`
		Params     map[string]any `json:"params"`
		QoS        int            `json:"qos"`
		ExpectAck  bool           `json:"expect_ack"`
		MaxRetries int            `json:"max_retries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.BinID == "" || body.Command == "" {
		http.Error(w, "bin_id and command are required", http.StatusBadRequest)
		return
	}
	if !commands.ValidType(body.Command) {
		http.Error(w, "unknown command type", http.StatusBadRequest)
		return
	}
	handle, err := h.dispatcher.Dispatch(r.Context(), commandapp.DispatchRequest{
		DeviceID:   body.BinID,
		Type:       body.Command,
		Params:     body.Params,
		QoS:        byte(body.QoS),
		ExpectAck:  body.ExpectAck,
		MaxRetries: body.MaxRetries,
	})
	if err != nil {
		http.Error(w, "dispatch error", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, handle)
}

func (h *CommandsHandler) get(w http.ResponseWriter, r *http.Request, commandID string) {
	cmd, err := h.repo.GetByID(r.Context(), commandID)
	if err != nil {
		http.Error(w, "get command error", http.StatusInternalServerError)
		return
	}
	if cmd == nil {
		http.Error(w, "command not found", http.StatusNotFound)
		return
	}
	writeJSON(w, cmd)
}

// FleetHealthHandler serves aggregate fleet status straight from the store.
type FleetHealthHandler struct {
	db *sql.DB
}

// NewFleetHealthHandler constructs a FleetHealthHandler.
func NewFleetHealthHandler(db *sql.DB) *FleetHealthHandler {
	return &FleetHealthHandler{db: db}
}

type fleetHealth struct {
	Devices         map[string]int `json:"devices"`
	Sleeping        int            `json:"sleeping"`
	PendingCommands int            `json:"pending_commands"`
	GeneratedAt     time.Time      `json:"generated_at"`
}

// ServeHTTP handles GET /api/v1/fleet/health.
func (h *FleetHealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.db == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	health := fleetHealth{Devices: map[string]int{}, GeneratedAt: time.Now().UTC()}

	rows, err := h.db.QueryContext(r.Context(), `SELECT status, COUNT(*) FROM bins GROUP BY status`)
	if err != nil {
		http.Error(w, "query fleet error", http.StatusInternalServerError)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			http.Error(w, "query fleet error", http.StatusInternalServerError)
			return
		}
		health.Devices[status] = count
	}
	if err := rows.Err(); err != nil {
		http.Error(w, "query fleet error", http.StatusInternalServerError)
		return
	}

	if err := h.db.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM bins WHERE sleep_mode = TRUE`).Scan(&health.Sleeping); err != nil {
		http.Error(w, "query fleet error", http.StatusInternalServerError)
		return
	}
	if err := h.db.QueryRowContext(r.Context(), `SELECT COUNT(*) FROM commands WHERE status = 'pending'`).Scan(&health.PendingCommands); err != nil {
		http.Error(w, "query fleet error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, health)
}

// Sweeper runs one sweep round on demand.
type Sweeper interface {
	RunOnce(ctx context.Context)
}

// SweepHandler triggers an immediate retry and staleness sweep, ahead of the
// next scheduled tick.
type SweepHandler struct {
	sweeper Sweeper
	auditor audit.Logger
	logger  *log.Logger
}

// NewSweepHandler constructs a SweepHandler.
func NewSweepHandler(sweeper Sweeper, auditor audit.Logger, logger *log.Logger) (*SweepHandler, error) {
	if sweeper == nil {
		return nil, errors.New("sweep handler: nil sweeper")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &SweepHandler{sweeper: sweeper, auditor: auditor, logger: logger}, nil
}

// ServeHTTP handles POST /api/v1/fleet/sweep.
func (h *SweepHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.sweeper == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	h.sweeper.RunOnce(r.Context())
	logAudit(r.Context(), h.auditor, h.logger, r, "fleet.sweep", "fleet", "")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "swept"})
}

func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(value)
}

func parseIntQuery(r *http.Request, key string, fallback int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(timeLayout)
}

func logAudit(ctx context.Context, auditor audit.Logger, logger *log.Logger, r *http.Request, action, resourceType, resourceID string) {
	if auditor == nil {
		return
	}
	entry := audit.Entry{
		Actor:        auth.SubjectFromContext(ctx),
		Role:         string(auth.RoleFromContext(ctx)),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
	if r != nil {
		entry.IP = r.RemoteAddr
		entry.UserAgent = r.UserAgent()
	}
	if err := auditor.Log(ctx, entry); err != nil && logger != nil {
		logger.Printf("api: audit log error: action=%s err=%v", action, err)
	}
}
