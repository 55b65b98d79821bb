package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	telemetry "power-desk/internal/telemetry/domain"
)

// TelemetryQuery reads persisted history.
type TelemetryQuery struct {
	db             *sql.DB
	deviceTable    string
	seriesTable    string
	protectorTable string
}

// NewTelemetryQuery constructs a query with default table names.
func NewTelemetryQuery(db *sql.DB) *TelemetryQuery {
	return &TelemetryQuery{
		db:             db,
		deviceTable:    defaultDeviceTable,
		seriesTable:    defaultSeriesTable,
		protectorTable: defaultProtectorTable,
	}
}

// ListDevices returns every provisioned device ordered by id.
func (q *TelemetryQuery) ListDevices(ctx context.Context) ([]telemetry.Device, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("telemetry query: nil db")
	}
	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, name FROM %s ORDER BY id ASC`, q.deviceTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := make([]telemetry.Device, 0)
	for rows.Next() {
		var device telemetry.Device
		if err := rows.Scan(&device.ID, &device.Name); err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

// QuerySeries returns series rows with from <= timestamp < to, oldest first.
// A non-positive to means no upper bound.
func (q *TelemetryQuery) QuerySeries(ctx context.Context, deviceID string, from, to int64, limit int) ([]telemetry.SeriesItem, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("telemetry query: nil db")
	}
	if deviceID == "" || limit <= 0 {
		return nil, errors.New("telemetry query: invalid arguments")
	}
	query := fmt.Sprintf(`
SELECT device_id, channel, "timestamp", "values"
FROM %s
WHERE device_id = $1
	AND "timestamp" >= $2
	AND "timestamp" < $3
ORDER BY "timestamp" ASC, id ASC
LIMIT $4`, q.seriesTable)

	rows, err := q.db.QueryContext(ctx, query, deviceID, from, upperBound(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]telemetry.SeriesItem, 0)
	for rows.Next() {
		var item telemetry.SeriesItem
		if err := rows.Scan(&item.DeviceID, &item.Channel, &item.Timestamp, &item.Values); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// QueryProtector returns protector rows with from <= timestamp < to, oldest first.
func (q *TelemetryQuery) QueryProtector(ctx context.Context, deviceID string, from, to int64, limit int) ([]telemetry.ProtectorItem, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("telemetry query: nil db")
	}
	if deviceID == "" || limit <= 0 {
		return nil, errors.New("telemetry query: invalid arguments")
	}
	query := fmt.Sprintf(`
SELECT device_id, "timestamp", "values"
FROM %s
WHERE device_id = $1
	AND "timestamp" >= $2
	AND "timestamp" < $3
ORDER BY "timestamp" ASC, id ASC
LIMIT $4`, q.protectorTable)

	rows, err := q.db.QueryContext(ctx, query, deviceID, from, upperBound(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]telemetry.ProtectorItem, 0)
	for rows.Next() {
		var item telemetry.ProtectorItem
		if err := rows.Scan(&item.DeviceID, &item.Timestamp, &item.Values); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func upperBound(to int64) int64 {
	if to <= 0 {
		return math.MaxInt64
	}
	return to
}
