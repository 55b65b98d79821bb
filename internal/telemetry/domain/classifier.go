package telemetry

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultProtectorTopic is the canonical system status topic suffix.
const DefaultProtectorTopic = "protector"

const seriesTopic = "series"

var channelPattern = regexp.MustCompile(`^ch(\d+)$`)

// Classification is the typed form of a recognized topic.
type Classification struct {
	Kind     Kind
	DeviceID string
	Channel  int
}

// Classifier maps prefix-stripped topics to classifications.
type Classifier struct {
	protector map[string]struct{}
}

// NewClassifier builds a classifier accepting the given protector topic
// suffixes. With no suffixes only DefaultProtectorTopic is accepted.
func NewClassifier(protectorTopics ...string) Classifier {
	set := make(map[string]struct{}, len(protectorTopics))
	for _, topic := range protectorTopics {
		topic = strings.TrimSpace(topic)
		if topic != "" {
			set[topic] = struct{}{}
		}
	}
	if len(set) == 0 {
		set[DefaultProtectorTopic] = struct{}{}
	}
	return Classifier{protector: set}
}

// Classify parses <deviceId>/ch<N>/series and <deviceId>/<protector>.
// Any other shape is reported as not ok.
func (c Classifier) Classify(topic string) (Classification, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[0] == "" || strings.ContainsAny(parts[0], "\r\n") {
		return Classification{}, false
	}
	deviceID := parts[0]

	switch len(parts) {
	case 3:
		if parts[2] != seriesTopic {
			return Classification{}, false
		}
		match := channelPattern.FindStringSubmatch(parts[1])
		if match == nil {
			return Classification{}, false
		}
		channel, err := strconv.Atoi(match[1])
		if err != nil {
			return Classification{}, false
		}
		return Classification{Kind: KindSeries, DeviceID: deviceID, Channel: channel}, true
	case 2:
		if _, ok := c.protector[parts[1]]; !ok {
			return Classification{}, false
		}
		return Classification{Kind: KindProtector, DeviceID: deviceID}, true
	default:
		return Classification{}, false
	}
}
