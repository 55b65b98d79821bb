package http

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"power-desk/internal/audit"
	"power-desk/internal/auth"
	commandsapp "power-desk/internal/commands/application"
	commands "power-desk/internal/commands/domain"

	json "github.com/goccy/go-json"
)

const (
	devicesPath  = "/api/devices/"
	maxBodyBytes = 4 << 10
)

// Handler accepts device configuration updates on POST /api/devices/{id}.
type Handler struct {
	service *commandsapp.Service
	audit   audit.Logger
	logger  *log.Logger
}

// HandlerOption configures the handler.
type HandlerOption func(*Handler)

// WithAuditLogger records every accepted update.
func WithAuditLogger(logger audit.Logger) HandlerOption {
	return func(h *Handler) {
		h.audit = logger
	}
}

// NewHandler constructs a handler.
func NewHandler(service *commandsapp.Service, logger *log.Logger, opts ...HandlerOption) (*Handler, error) {
	if service == nil {
		return nil, errors.New("commands handler: nil service")
	}
	if logger == nil {
		logger = log.Default()
	}
	h := &Handler{service: service, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type updateDeviceRequest struct {
	VinStatus *int `json:"vin_status"`
}

// ServeHTTP handles POST /api/devices/{id}. Accepted updates answer 204
// before the broker acknowledges them.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	deviceID := strings.Trim(strings.TrimPrefix(r.URL.Path, devicesPath), "/")
	if err := commands.ValidateDeviceID(deviceID); err != nil {
		http.Error(w, "invalid device id", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req updateDeviceRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if req.VinStatus != nil {
		status, err := commands.ParseVinStatus(*req.VinStatus)
		if err != nil {
			http.Error(w, "invalid vin_status", http.StatusBadRequest)
			return
		}
		cmd, err := h.service.SubmitDeviceStatus(r.Context(), deviceID, status)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Printf("commands: accepted id=%s device=%s vin_status=%s", cmd.CommandID, deviceID, status)
		h.record(r, cmd.CommandType, deviceID, body)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) record(r *http.Request, action, deviceID string, body []byte) {
	if h.audit == nil {
		return
	}
	entry := audit.Entry{
		Actor:     auth.SubjectFromContext(r.Context()),
		Role:      string(auth.RoleFromContext(r.Context())),
		Action:    action,
		DeviceID:  deviceID,
		Payload:   body,
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}
	if err := h.audit.Log(r.Context(), entry); err != nil {
		h.logger.Printf("commands: audit device=%s: %v", deviceID, err)
	}
}
