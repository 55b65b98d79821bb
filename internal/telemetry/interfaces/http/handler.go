package http

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"power-desk/internal/observability/metrics"
	telemetry "power-desk/internal/telemetry/domain"
	"power-desk/internal/telemetry/interfaces/export"

	json "github.com/goccy/go-json"
)

const (
	devicesPath = "/api/devices"

	defaultHistoryLimit = 500
	maxHistoryLimit     = 5000
)

// DeviceHandler serves /api/devices and /api/devices/{id}[/...].
type DeviceHandler struct {
	stream   *StreamHandler
	history  telemetry.HistoryQuery
	commands http.Handler
	logger   *log.Logger
}

// NewDeviceHandler constructs the device routes. history and commands may be
// nil, in which case their routes answer 503.
func NewDeviceHandler(stream *StreamHandler, history telemetry.HistoryQuery, commands http.Handler, logger *log.Logger) (*DeviceHandler, error) {
	if stream == nil {
		return nil, errors.New("device handler: nil stream handler")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &DeviceHandler{stream: stream, history: history, commands: commands, logger: logger}, nil
}

// ServeHTTP routes device requests.
func (h *DeviceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, devicesPath), "/")
	if rest == "" {
		h.handleList(w, r)
		return
	}
	parts := strings.Split(rest, "/")
	deviceID := parts[0]
	if deviceID == "" {
		http.Error(w, "device id required", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			h.stream.Serve(w, r, deviceID)
		case http.MethodPost:
			if deviceID == telemetry.WildcardDevice {
				http.Error(w, "wildcard device not allowed", http.StatusBadRequest)
				return
			}
			if h.commands == nil {
				http.Error(w, "commands not available", http.StatusServiceUnavailable)
				return
			}
			h.commands.ServeHTTP(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	if len(parts) != 2 || deviceID == telemetry.WildcardDevice {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch parts[1] {
	case "history":
		h.handleHistory(w, r, deviceID)
	case "export.xlsx":
		h.handleExport(w, r, deviceID, "xlsx")
	case "export.pdf":
		h.handleExport(w, r, deviceID, "pdf")
	default:
		http.NotFound(w, r)
	}
}

func (h *DeviceHandler) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.history == nil {
		http.Error(w, "history not available", http.StatusServiceUnavailable)
		return
	}
	devices, err := h.history.ListDevices(r.Context())
	if err != nil {
		h.logger.Printf("device handler: list devices: %v", err)
		http.Error(w, "list devices error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, devices)
}

type historyParams struct {
	kind  telemetry.Kind
	from  int64
	to    int64
	limit int
}

func parseHistoryParams(r *http.Request, defaultLimit int) (historyParams, error) {
	query := r.URL.Query()
	params := historyParams{kind: telemetry.KindSeries, limit: defaultLimit}

	switch kind := telemetry.Kind(query.Get("kind")); kind {
	case "":
	case telemetry.KindSeries, telemetry.KindProtector:
		params.kind = kind
	default:
		return params, fmt.Errorf("invalid kind %q", kind)
	}

	var err error
	if raw := query.Get("from"); raw != "" {
		if params.from, err = strconv.ParseInt(raw, 10, 64); err != nil || params.from < 0 {
			return params, errors.New("invalid from")
		}
	}
	if raw := query.Get("to"); raw != "" {
		if params.to, err = strconv.ParseInt(raw, 10, 64); err != nil || params.to < 0 {
			return params, errors.New("invalid to")
		}
	}
	if params.to > 0 && params.to <= params.from {
		return params, errors.New("to must be after from")
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return params, errors.New("invalid limit")
		}
		params.limit = limit
	}
	if params.limit > maxHistoryLimit {
		params.limit = maxHistoryLimit
	}
	return params, nil
}

func (h *DeviceHandler) handleHistory(w http.ResponseWriter, r *http.Request, deviceID string) {
	if h.history == nil {
		http.Error(w, "history not available", http.StatusServiceUnavailable)
		return
	}
	params, err := parseHistoryParams(r, defaultHistoryLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch params.kind {
	case telemetry.KindProtector:
		items, err := h.history.QueryProtector(r.Context(), deviceID, params.from, params.to, params.limit)
		if err != nil {
			h.logger.Printf("device handler: query protector device=%s: %v", deviceID, err)
			http.Error(w, "query error", http.StatusInternalServerError)
			return
		}
		out := make([]protectorEvent, 0, len(items))
		for _, item := range items {
			out = append(out, protectorEvent{Timestamp: item.Timestamp, DeviceID: item.DeviceID, Values: nonNil(item.Values)})
		}
		writeJSON(w, out)
	default:
		items, err := h.history.QuerySeries(r.Context(), deviceID, params.from, params.to, params.limit)
		if err != nil {
			h.logger.Printf("device handler: query series device=%s: %v", deviceID, err)
			http.Error(w, "query error", http.StatusInternalServerError)
			return
		}
		out := make([]seriesEvent, 0, len(items))
		for _, item := range items {
			out = append(out, seriesEvent{Timestamp: item.Timestamp, DeviceID: item.DeviceID, Channel: item.Channel, Values: nonNil(item.Values)})
		}
		writeJSON(w, out)
	}
}

func (h *DeviceHandler) handleExport(w http.ResponseWriter, r *http.Request, deviceID, format string) {
	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveExport(format, result, time.Since(start))
	}()

	if h.history == nil {
		result = metrics.ResultError
		http.Error(w, "history not available", http.StatusServiceUnavailable)
		return
	}
	params, err := parseHistoryParams(r, maxHistoryLimit)
	if err != nil {
		result = metrics.ResultInvalid
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	report := export.Report{DeviceID: deviceID, Kind: params.kind, From: params.from, To: params.to}
	if params.kind == telemetry.KindProtector {
		items, err := h.history.QueryProtector(r.Context(), deviceID, params.from, params.to, params.limit)
		if err != nil {
			result = metrics.ResultError
			h.logger.Printf("device handler: export query device=%s: %v", deviceID, err)
			http.Error(w, "query error", http.StatusInternalServerError)
			return
		}
		report.Rows = export.ProtectorRows(items)
	} else {
		items, err := h.history.QuerySeries(r.Context(), deviceID, params.from, params.to, params.limit)
		if err != nil {
			result = metrics.ResultError
			h.logger.Printf("device handler: export query device=%s: %v", deviceID, err)
			http.Error(w, "query error", http.StatusInternalServerError)
			return
		}
		report.Rows = export.SeriesRows(items)
	}

	var (
		data        []byte
		contentType string
	)
	switch format {
	case "pdf":
		data, err = export.BuildHistoryPDF(report)
		contentType = "application/pdf"
	default:
		data, err = export.BuildHistoryXLSX(report)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	if err != nil {
		result = metrics.ResultError
		h.logger.Printf("device handler: export render device=%s format=%s: %v", deviceID, format, err)
		http.Error(w, "export error", http.StatusInternalServerError)
		return
	}

	filename := fmt.Sprintf("%s-%s.%s", deviceID, params.kind, format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ConfigHandler serves GET /api/config.
type ConfigHandler struct {
	bufferSize int
}

// NewConfigHandler constructs a config handler reporting the replay capacity.
func NewConfigHandler(bufferSize int) *ConfigHandler {
	return &ConfigHandler{bufferSize: bufferSize}
}

// ServeHTTP returns the public server configuration.
func (h *ConfigHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]int{"buffer_size": h.bufferSize})
}

func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(value)
}
