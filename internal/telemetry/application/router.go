package application

import (
	"errors"
	"time"

	"power-desk/internal/observability/metrics"
	telemetry "power-desk/internal/telemetry/domain"
	"power-desk/internal/telemetry/replay"
)

const kindUnrecognized = "unrecognized"

// Router classifies inbound bus frames and appends them to the per-kind
// replay buffers. It must be driven from a single goroutine so that append
// order equals receipt order.
type Router struct {
	classifier telemetry.Classifier
	series     *replay.Buffer[telemetry.SeriesItem]
	protector  *replay.Buffer[telemetry.ProtectorItem]
}

// NewRouter constructs a router.
func NewRouter(
	classifier telemetry.Classifier,
	series *replay.Buffer[telemetry.SeriesItem],
	protector *replay.Buffer[telemetry.ProtectorItem],
) (*Router, error) {
	if series == nil || protector == nil {
		return nil, errors.New("router: nil buffer")
	}
	return &Router{
		classifier: classifier,
		series:     series,
		protector:  protector,
	}, nil
}

// Route handles one prefix-stripped frame. Unrecognized topics are dropped.
func (r *Router) Route(topic string, payload []byte, receivedAt time.Time) {
	if r == nil {
		return
	}
	class, ok := r.classifier.Classify(topic)
	if !ok {
		metrics.IncBusMessage(kindUnrecognized)
		return
	}
	ts := telemetry.Timestamp(receivedAt)

	switch class.Kind {
	case telemetry.KindSeries:
		r.series.Append(telemetry.SeriesItem{
			DeviceID:  class.DeviceID,
			Channel:   class.Channel,
			Timestamp: ts,
			Values:    payload,
		})
		metrics.SetReplayBuffer(string(class.Kind), r.series.Len(), r.series.Subscribers())
	case telemetry.KindProtector:
		r.protector.Append(telemetry.ProtectorItem{
			DeviceID:  class.DeviceID,
			Timestamp: ts,
			Values:    payload,
		})
		metrics.SetReplayBuffer(string(class.Kind), r.protector.Len(), r.protector.Subscribers())
	}
	metrics.IncBusMessage(string(class.Kind))
}
