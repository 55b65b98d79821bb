package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrRejected marks a store error that retrying the same item cannot fix,
// such as a value the column type refuses.
var ErrRejected = errors.New("telemetry: item rejected by store")

// Kind identifies the stream an item belongs to.
type Kind string

const (
	KindSeries    Kind = "series"
	KindProtector Kind = "protector"
)

// WildcardDevice selects every device.
const WildcardDevice = "*"

// Device is a telemetry source known to the store.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SeriesItem is one charge channel measurement.
type SeriesItem struct {
	DeviceID  string
	Channel   int
	Timestamp int64
	Values    []byte
}

// EventID returns the stream identifier deviceId-channel-timestamp.
func (i SeriesItem) EventID() string {
	return i.DeviceID + "-" + strconv.Itoa(i.Channel) + "-" + strconv.FormatInt(i.Timestamp, 10)
}

// Validate checks series item invariants. Channels must fit the stored
// 32-bit column.
func (i SeriesItem) Validate() error {
	if err := ValidateDeviceID(i.DeviceID); err != nil {
		return fmt.Errorf("series item: %w", err)
	}
	if i.Channel < 0 || i.Channel > math.MaxInt32 {
		return fmt.Errorf("series item: channel %d out of range", i.Channel)
	}
	if i.Timestamp <= 0 {
		return errors.New("series item: invalid timestamp")
	}
	return nil
}

// ProtectorItem is one system level measurement.
type ProtectorItem struct {
	DeviceID  string
	Timestamp int64
	Values    []byte
}

// EventID returns the stream identifier deviceId-timestamp.
func (i ProtectorItem) EventID() string {
	return i.DeviceID + "-" + strconv.FormatInt(i.Timestamp, 10)
}

// Validate checks protector item invariants.
func (i ProtectorItem) Validate() error {
	if err := ValidateDeviceID(i.DeviceID); err != nil {
		return fmt.Errorf("protector item: %w", err)
	}
	if i.Timestamp <= 0 {
		return errors.New("protector item: invalid timestamp")
	}
	return nil
}

// ValidateDeviceID rejects ids a TEXT column or an event stream line cannot
// carry: empty, invalid UTF-8, NUL or line breaks.
func ValidateDeviceID(deviceID string) error {
	switch {
	case deviceID == "":
		return errors.New("empty device id")
	case !utf8.ValidString(deviceID):
		return errors.New("device id is not valid UTF-8")
	case strings.ContainsAny(deviceID, "\x00\r\n"):
		return errors.New("device id contains control characters")
	}
	return nil
}

// MatchesDevice reports whether an item from deviceID is selected by target.
func MatchesDevice(target, deviceID string) bool {
	return target == WildcardDevice || target == deviceID
}

// Timestamp converts a receipt time to the stored epoch milliseconds.
func Timestamp(at time.Time) int64 {
	return at.UnixMilli()
}

// Store persists telemetry history. Each append provisions the owning device
// atomically with the history row.
type Store interface {
	AppendSeries(ctx context.Context, item SeriesItem) error
	AppendProtector(ctx context.Context, item ProtectorItem) error
}

// HistoryQuery loads persisted telemetry.
type HistoryQuery interface {
	ListDevices(ctx context.Context) ([]Device, error)
	QuerySeries(ctx context.Context, deviceID string, from, to int64, limit int) ([]SeriesItem, error)
	QueryProtector(ctx context.Context, deviceID string, from, to int64, limit int) ([]ProtectorItem, error)
}
