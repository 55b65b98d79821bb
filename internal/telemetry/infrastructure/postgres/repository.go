package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	telemetry "power-desk/internal/telemetry/domain"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	defaultDeviceTable    = "devices"
	defaultSeriesTable    = "charge_channel_series_items"
	defaultProtectorTable = "protector_series_items"
)

// TelemetryRepository persists series and protector history.
type TelemetryRepository struct {
	db             *sql.DB
	deviceTable    string
	seriesTable    string
	protectorTable string
}

// NewTelemetryRepository constructs a repository with default table names.
func NewTelemetryRepository(db *sql.DB, opts ...RepositoryOption) *TelemetryRepository {
	repo := &TelemetryRepository{
		db:             db,
		deviceTable:    defaultDeviceTable,
		seriesTable:    defaultSeriesTable,
		protectorTable: defaultProtectorTable,
	}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// RepositoryOption configures the repository.
type RepositoryOption func(*TelemetryRepository)

// WithTables overrides the default table names. Empty values keep defaults.
func WithTables(devices, series, protector string) RepositoryOption {
	return func(repo *TelemetryRepository) {
		if devices != "" {
			repo.deviceTable = devices
		}
		if series != "" {
			repo.seriesTable = series
		}
		if protector != "" {
			repo.protectorTable = protector
		}
	}
}

// AppendSeries provisions the device if needed and stores one series row in
// a single transaction.
func (r *TelemetryRepository) AppendSeries(ctx context.Context, item telemetry.SeriesItem) error {
	if r == nil || r.db == nil {
		return errors.New("telemetry repo: nil db")
	}
	if err := item.Validate(); err != nil {
		return fmt.Errorf("%w: %w", telemetry.ErrRejected, err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (device_id, channel, "timestamp", "values")
VALUES ($1, $2, $3, $4)`, r.seriesTable)

	return r.withDevice(ctx, item.DeviceID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, item.DeviceID, item.Channel, item.Timestamp, nonNil(item.Values))
		return err
	})
}

// AppendProtector provisions the device if needed and stores one protector
// row in a single transaction.
func (r *TelemetryRepository) AppendProtector(ctx context.Context, item telemetry.ProtectorItem) error {
	if r == nil || r.db == nil {
		return errors.New("telemetry repo: nil db")
	}
	if err := item.Validate(); err != nil {
		return fmt.Errorf("%w: %w", telemetry.ErrRejected, err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (device_id, "timestamp", "values")
VALUES ($1, $2, $3)`, r.protectorTable)

	return r.withDevice(ctx, item.DeviceID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, item.DeviceID, item.Timestamp, nonNil(item.Values))
		return err
	})
}

func (r *TelemetryRepository) withDevice(ctx context.Context, deviceID string, insert func(*sql.Tx) error) error {
	upsert := fmt.Sprintf(`
INSERT INTO %s (id, name)
VALUES ($1, $1)
ON CONFLICT DO NOTHING`, r.deviceTable)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, upsert, deviceID); err != nil {
		_ = tx.Rollback()
		return classify(fmt.Errorf("telemetry repo: upsert device: %w", err))
	}
	if err := insert(tx); err != nil {
		_ = tx.Rollback()
		return classify(fmt.Errorf("telemetry repo: insert history: %w", err))
	}
	return tx.Commit()
}

// classify marks data exceptions and constraint violations as rejected so the
// recorder drops the row instead of retrying it.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) &&
		(pgerrcode.IsDataException(pgErr.Code) || pgerrcode.IsIntegrityConstraintViolation(pgErr.Code)) {
		return fmt.Errorf("%w: %w", telemetry.ErrRejected, err)
	}
	return err
}

func nonNil(values []byte) []byte {
	if values == nil {
		return []byte{}
	}
	return values
}
