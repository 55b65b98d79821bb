package commands

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	StatusCreated = "created"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// CommandTypeVinStatus is the only command the devices accept today.
const CommandTypeVinStatus = "vin-status"

var (
	// ErrInvalidStatus reports a vin status outside the known values.
	ErrInvalidStatus = errors.New("commands: invalid vin status")
	// ErrInvalidDeviceID reports a device id that cannot be used in a topic.
	ErrInvalidDeviceID = errors.New("commands: invalid device id")
)

// VinStatus is the requested input power state of a device.
type VinStatus byte

const (
	VinStatusNormal     VinStatus = 0
	VinStatusShutdown   VinStatus = 1
	VinStatusProtection VinStatus = 2
)

// ParseVinStatus validates a wire value.
func ParseVinStatus(value int) (VinStatus, error) {
	if value < int(VinStatusNormal) || value > int(VinStatusProtection) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidStatus, value)
	}
	return VinStatus(value), nil
}

func (s VinStatus) String() string {
	switch s {
	case VinStatusNormal:
		return "normal"
	case VinStatusShutdown:
		return "shutdown"
	case VinStatusProtection:
		return "protection"
	default:
		return fmt.Sprintf("unknown(%d)", byte(s))
	}
}

// ValidateDeviceID rejects ids that would escape or widen the device topic.
func ValidateDeviceID(deviceID string) error {
	if deviceID == "" || strings.ContainsAny(deviceID, "/#+*") {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceID, deviceID)
	}
	return nil
}

// VinStatusTopic returns the prefix-relative topic for a device's vin status.
func VinStatusTopic(deviceID string) string {
	return deviceID + "/cfg/" + CommandTypeVinStatus
}

// Command is one outbound device configuration write.
type Command struct {
	CommandID   string
	DeviceID    string
	CommandType string
	Topic       string
	Payload     []byte
	Status      string
	CreatedAt   time.Time
	SentAt      time.Time
	Error       string
}
