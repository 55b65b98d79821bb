package http

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"power-desk/internal/observability/metrics"
	telemetry "power-desk/internal/telemetry/domain"
	"power-desk/internal/telemetry/replay"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
)

const (
	defaultLivenessInterval  = time.Second
	defaultHeartbeatInterval = 15 * time.Second
	defaultMaxPending        = 4096
	frameQueueSize           = 64
)

const (
	closeClientGone = "client_gone"
	closeShutdown   = "shutdown"
	closeOverflow   = "overflow"
	closeWriteError = "write_error"
	closeBuffer     = "buffer_closed"
)

// StreamHandler serves live device updates as server-sent events. Each
// request gets a session with its own subscriptions on both buffers.
type StreamHandler struct {
	series    *replay.Buffer[telemetry.SeriesItem]
	protector *replay.Buffer[telemetry.ProtectorItem]
	logger    *log.Logger

	liveness   time.Duration
	heartbeat  time.Duration
	maxPending int
	shutdown   context.Context
}

// StreamOption configures the stream handler.
type StreamOption func(*StreamHandler)

// WithLivenessInterval sets how often a session re-checks its abort flag.
func WithLivenessInterval(d time.Duration) StreamOption {
	return func(h *StreamHandler) {
		if d > 0 {
			h.liveness = d
		}
	}
}

// WithHeartbeatInterval sets the keepalive comment period.
func WithHeartbeatInterval(d time.Duration) StreamOption {
	return func(h *StreamHandler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithMaxPending bounds how far a session may fall behind the buffers.
func WithMaxPending(n int) StreamOption {
	return func(h *StreamHandler) {
		if n > 0 {
			h.maxPending = n
		}
	}
}

// WithShutdown ends every session when ctx is done.
func WithShutdown(ctx context.Context) StreamOption {
	return func(h *StreamHandler) {
		if ctx != nil {
			h.shutdown = ctx
		}
	}
}

// WithStreamLogger sets the session logger.
func WithStreamLogger(logger *log.Logger) StreamOption {
	return func(h *StreamHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewStreamHandler constructs a stream handler.
func NewStreamHandler(
	series *replay.Buffer[telemetry.SeriesItem],
	protector *replay.Buffer[telemetry.ProtectorItem],
	opts ...StreamOption,
) (*StreamHandler, error) {
	if series == nil || protector == nil {
		return nil, errors.New("telemetry stream: nil buffer")
	}
	h := &StreamHandler{
		series:     series,
		protector:  protector,
		logger:     log.Default(),
		liveness:   defaultLivenessInterval,
		heartbeat:  defaultHeartbeatInterval,
		maxPending: defaultMaxPending,
		shutdown:   context.Background(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type seriesEvent struct {
	Timestamp int64  `json:"timestamp"`
	DeviceID  string `json:"deviceId"`
	Channel   int    `json:"channel"`
	Values    []byte `json:"values"`
}

type protectorEvent struct {
	Timestamp int64  `json:"timestamp"`
	DeviceID  string `json:"deviceId"`
	Values    []byte `json:"values"`
}

func seriesFrame(item telemetry.SeriesItem) (frame, error) {
	data, err := json.Marshal(seriesEvent{
		Timestamp: item.Timestamp,
		DeviceID:  item.DeviceID,
		Channel:   item.Channel,
		Values:    nonNil(item.Values),
	})
	return frame{id: item.EventID(), event: string(telemetry.KindSeries), data: data}, err
}

func protectorFrame(item telemetry.ProtectorItem) (frame, error) {
	data, err := json.Marshal(protectorEvent{
		Timestamp: item.Timestamp,
		DeviceID:  item.DeviceID,
		Values:    nonNil(item.Values),
	})
	return frame{id: item.EventID(), event: string(telemetry.KindProtector), data: data}, err
}

func nonNil(values []byte) []byte {
	if values == nil {
		return []byte{}
	}
	return values
}

// lineBreaks keeps a field value on a single event stream line.
var lineBreaks = strings.NewReplacer("\r", "", "\n", "")

type frame struct {
	id    string
	event string
	data  []byte
}

func (f frame) encode() []byte {
	var buf bytes.Buffer
	buf.Grow(len(f.id) + len(f.event) + len(f.data) + 24)
	buf.WriteString("id: ")
	buf.WriteString(lineBreaks.Replace(f.id))
	buf.WriteString("\nevent: ")
	buf.WriteString(f.event)
	buf.WriteString("\ndata: ")
	buf.Write(f.data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

type session struct {
	id      string
	target  string
	frames  chan frame
	aborted atomic.Bool
	reason  atomic.Value
	cancel  context.CancelFunc
	release func()
}

// abort ends the session and detaches it from both buffers right away, even
// while the writer is still blocked on the client.
func (s *session) abort(reason string) {
	if s.aborted.CompareAndSwap(false, true) {
		s.reason.Store(reason)
	}
	s.cancel()
	if s.release != nil {
		s.release()
	}
}

func (s *session) closeReason(fallback string) string {
	if reason, ok := s.reason.Load().(string); ok && reason != "" {
		return reason
	}
	return fallback
}

// Serve streams every item whose device matches target until the client
// goes away, the process shuts down, or a write fails.
func (h *StreamHandler) Serve(w http.ResponseWriter, r *http.Request, target string) {
	if h == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	seriesSub := h.series.Subscribe(replay.WithMaxPending(h.maxPending))
	protectorSub := h.protector.Subscribe(replay.WithMaxPending(h.maxPending))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stopShutdown := context.AfterFunc(h.shutdown, cancel)
	defer stopShutdown()

	s := &session{
		id:     uuid.NewString(),
		target: target,
		frames: make(chan frame, frameQueueSize),
		cancel: cancel,
		release: func() {
			seriesSub.Close()
			protectorSub.Close()
		},
	}
	metrics.StreamOpened()
	h.logger.Printf("telemetry stream: open session=%s device=%s", s.id, target)

	var pumps conc.WaitGroup
	pumps.Go(func() {
		pump(ctx, s, seriesSub, func(item telemetry.SeriesItem) bool {
			return telemetry.MatchesDevice(target, item.DeviceID)
		}, seriesFrame, h.logger)
	})
	pumps.Go(func() {
		pump(ctx, s, protectorSub, func(item telemetry.ProtectorItem) bool {
			return telemetry.MatchesDevice(target, item.DeviceID)
		}, protectorFrame, h.logger)
	})

	h.writeLoop(ctx, w, flusher, s)

	cancel()
	seriesSub.Close()
	protectorSub.Close()
	pumps.Wait()

	reason := s.closeReason(closeClientGone)
	if h.shutdown.Err() != nil && !s.aborted.Load() {
		reason = closeShutdown
	}
	metrics.StreamClosed(reason)
	h.logger.Printf("telemetry stream: close session=%s device=%s reason=%s", s.id, target, reason)
}

func (h *StreamHandler) writeLoop(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, s *session) {
	liveness := time.NewTicker(h.liveness)
	defer liveness.Stop()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-liveness.C:
			if s.aborted.Load() {
				return
			}
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				h.logger.Printf("telemetry stream: heartbeat session=%s: %v", s.id, err)
				s.abort(closeWriteError)
				return
			}
			flusher.Flush()
		case f := <-s.frames:
			if _, err := w.Write(f.encode()); err != nil {
				h.logger.Printf("telemetry stream: write session=%s: %v", s.id, err)
				s.abort(closeWriteError)
				return
			}
			flusher.Flush()
			metrics.IncStreamEvent(f.event)
		}
	}
}

func pump[T any](
	ctx context.Context,
	s *session,
	sub *replay.Subscription[T],
	match func(T) bool,
	encode func(T) (frame, error),
	logger *log.Logger,
) {
	for {
		item, err := sub.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, replay.ErrOverflow):
				logger.Printf("telemetry stream: session=%s fell behind", s.id)
				s.abort(closeOverflow)
			case errors.Is(err, replay.ErrClosed):
				s.abort(closeBuffer)
			default:
				logger.Printf("telemetry stream: session=%s: %v", s.id, err)
				s.abort(closeWriteError)
			}
			return
		}
		if !match(item) {
			continue
		}
		f, err := encode(item)
		if err != nil {
			logger.Printf("telemetry stream: encode session=%s: %v", s.id, err)
			continue
		}
		select {
		case s.frames <- f:
			continue
		case <-ctx.Done():
			return
		case <-sub.Done():
		}
		if errors.Is(sub.Err(), replay.ErrOverflow) {
			logger.Printf("telemetry stream: session=%s fell behind", s.id)
			s.abort(closeOverflow)
			return
		}
		select {
		case s.frames <- f:
		case <-ctx.Done():
			return
		}
	}
}
