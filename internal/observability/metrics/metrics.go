package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "powerdesk_"

	resultSuccess = "success"
	resultError   = "error"
	resultInvalid = "invalid"
	resultRetry   = "retry"
	resultDropped = "dropped"
)

var (
	registerOnce sync.Once

	busMessagesTotal    *prometheus.CounterVec
	mqttConnected       prometheus.Gauge
	mqttReconnectsTotal prometheus.Counter

	replayBufferItems       *prometheus.GaugeVec
	replayBufferSubscribers *prometheus.GaugeVec

	persistWritesTotal  *prometheus.CounterVec
	persistWriteLatency *prometheus.HistogramVec
	persistHalted       *prometheus.GaugeVec
	recorderPending     *prometheus.GaugeVec

	streamSessionsActive prometheus.Gauge
	streamSessionsClosed *prometheus.CounterVec
	streamEventsTotal    *prometheus.CounterVec

	commandRequests *prometheus.CounterVec

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec
)

// Init registers service metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		busMessagesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "bus_messages_total",
				Help: "Inbound bus messages by classification",
			},
			[]string{"kind"},
		)
		mqttConnected = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "mqtt_connected",
				Help: "1 while the broker session is up",
			},
		)
		mqttReconnectsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "mqtt_reconnects_total",
				Help: "Broker reconnect attempts",
			},
		)

		replayBufferItems = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "replay_buffer_items",
				Help: "Items held by the replay buffer",
			},
			[]string{"kind"},
		)
		replayBufferSubscribers = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "replay_buffer_subscribers",
				Help: "Subscribers attached to the replay buffer",
			},
			[]string{"kind"},
		)

		persistWritesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "persist_writes_total",
				Help: "Persistence write attempts by kind and result",
			},
			[]string{"kind", "result"},
		)
		persistWriteLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "persist_write_latency_seconds",
				Help:    "Persistence write latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		)
		persistHalted = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "persist_halted",
				Help: "1 when the persistence pipeline has stopped writing",
			},
			[]string{"kind"},
		)

		recorderPending = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "recorder_pending_items",
				Help: "Items queued for the persistence writer",
			},
			[]string{"kind"},
		)

		streamSessionsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "stream_sessions_active",
				Help: "Open stream sessions",
			},
		)
		streamSessionsClosed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "stream_sessions_closed_total",
				Help: "Closed stream sessions by reason",
			},
			[]string{"reason"},
		)
		streamEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "stream_events_total",
				Help: "Events written to stream sessions by kind",
			},
			[]string{"kind"},
		)

		commandRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_requests_total",
				Help: "Device status commands by result",
			},
			[]string{"result"},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "history_export_total",
				Help: "History exports by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "history_export_latency_seconds",
				Help:    "History export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			busMessagesTotal,
			mqttConnected,
			mqttReconnectsTotal,
			replayBufferItems,
			replayBufferSubscribers,
			persistWritesTotal,
			persistWriteLatency,
			persistHalted,
			recorderPending,
			streamSessionsActive,
			streamSessionsClosed,
			streamEventsTotal,
			commandRequests,
			exportTotal,
			exportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// IncBusMessage counts an inbound message by classification.
func IncBusMessage(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if busMessagesTotal != nil {
		busMessagesTotal.WithLabelValues(kind).Inc()
	}
}

// SetMQTTConnected records broker session state.
func SetMQTTConnected(up bool) {
	if mqttConnected == nil {
		return
	}
	if up {
		mqttConnected.Set(1)
		return
	}
	mqttConnected.Set(0)
}

// IncMQTTReconnect counts a reconnect attempt.
func IncMQTTReconnect() {
	if mqttReconnectsTotal != nil {
		mqttReconnectsTotal.Inc()
	}
}

// SetReplayBuffer records replay buffer occupancy.
func SetReplayBuffer(kind string, items, subscribers int) {
	if replayBufferItems != nil {
		replayBufferItems.WithLabelValues(kind).Set(float64(items))
	}
	if replayBufferSubscribers != nil {
		replayBufferSubscribers.WithLabelValues(kind).Set(float64(subscribers))
	}
}

// ObservePersistWrite records one write attempt.
func ObservePersistWrite(kind, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if persistWritesTotal != nil {
		persistWritesTotal.WithLabelValues(kind, result).Inc()
	}
	if persistWriteLatency != nil {
		persistWriteLatency.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// SetPersistHalted flags a stopped persistence pipeline.
func SetPersistHalted(kind string, halted bool) {
	if persistHalted == nil {
		return
	}
	value := 0.0
	if halted {
		value = 1
	}
	persistHalted.WithLabelValues(kind).Set(value)
}

// SetRecorderPending records how far the persistence writer lags its buffer.
func SetRecorderPending(kind string, pending int) {
	if recorderPending != nil {
		recorderPending.WithLabelValues(kind).Set(float64(pending))
	}
}

// StreamOpened counts an open stream session.
func StreamOpened() {
	if streamSessionsActive != nil {
		streamSessionsActive.Inc()
	}
}

// StreamClosed counts a finished stream session.
func StreamClosed(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if streamSessionsActive != nil {
		streamSessionsActive.Dec()
	}
	if streamSessionsClosed != nil {
		streamSessionsClosed.WithLabelValues(reason).Inc()
	}
}

// IncStreamEvent counts an event written to a stream.
func IncStreamEvent(kind string) {
	if streamEventsTotal != nil {
		streamEventsTotal.WithLabelValues(kind).Inc()
	}
}

// IncCommand counts a device status command.
func IncCommand(result string) {
	if result == "" {
		result = "unknown"
	}
	if commandRequests != nil {
		commandRequests.WithLabelValues(result).Inc()
	}
}

// ObserveExport records history export latency and result.
func ObserveExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
	ResultInvalid = resultInvalid
	ResultRetry   = resultRetry
	ResultDropped = resultDropped
)
