package integration_test

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	dbmigrations "power-desk/db/migrations"
	telemetry "power-desk/internal/telemetry/domain"
	telemetrypostgres "power-desk/internal/telemetry/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func openStore(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	if err := telemetrypostgres.Migrate(context.Background(), dsn, dbmigrations.FS, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func cleanupDevice(t *testing.T, db *sql.DB, deviceID string) {
	t.Helper()
	ctx := context.Background()
	_, _ = db.ExecContext(ctx, "DELETE FROM charge_channel_series_items WHERE device_id = $1", deviceID)
	_, _ = db.ExecContext(ctx, "DELETE FROM protector_series_items WHERE device_id = $1", deviceID)
	_, _ = db.ExecContext(ctx, "DELETE FROM devices WHERE id = $1", deviceID)
}

func TestTelemetryStore_ConcurrentFirstSightCreatesOneDevice(t *testing.T) {
	db := openStore(t)
	deviceID := fmt.Sprintf("device-it-%d", time.Now().UnixNano())
	cleanupDevice(t, db, deviceID)
	t.Cleanup(func() { cleanupDevice(t, db, deviceID) })

	repo := telemetrypostgres.NewTelemetryRepository(db)
	ctx := context.Background()
	const writers = 16

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				errs <- repo.AppendSeries(ctx, telemetry.SeriesItem{DeviceID: deviceID, Channel: i, Timestamp: int64(1000 + i), Values: []byte{byte(i)}})
				return
			}
			errs <- repo.AppendProtector(ctx, telemetry.ProtectorItem{DeviceID: deviceID, Timestamp: int64(1000 + i), Values: []byte{byte(i)}})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var devices int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM devices WHERE id = $1", deviceID).Scan(&devices); err != nil {
		t.Fatalf("count devices: %v", err)
	}
	if devices != 1 {
		t.Fatalf("expected exactly one device row, got %d", devices)
	}
	var name string
	if err := db.QueryRowContext(ctx, "SELECT name FROM devices WHERE id = $1", deviceID).Scan(&name); err != nil {
		t.Fatalf("device name: %v", err)
	}
	if name != deviceID {
		t.Fatalf("expected device name %q, got %q", deviceID, name)
	}
}

func TestTelemetryStore_SeriesRoundTrip(t *testing.T) {
	db := openStore(t)
	deviceID := fmt.Sprintf("device-rt-%d", time.Now().UnixNano())
	cleanupDevice(t, db, deviceID)
	t.Cleanup(func() { cleanupDevice(t, db, deviceID) })

	repo := telemetrypostgres.NewTelemetryRepository(db)
	query := telemetrypostgres.NewTelemetryQuery(db)
	ctx := context.Background()

	payload := bytes.Repeat([]byte{0x5A}, 32)
	ts := time.Now().UnixMilli()
	if err := repo.AppendSeries(ctx, telemetry.SeriesItem{DeviceID: deviceID, Channel: 0, Timestamp: ts, Values: payload}); err != nil {
		t.Fatalf("append series: %v", err)
	}
	if err := repo.AppendProtector(ctx, telemetry.ProtectorItem{DeviceID: deviceID, Timestamp: ts + 1, Values: []byte{1, 2}}); err != nil {
		t.Fatalf("append protector: %v", err)
	}

	series, err := query.QuerySeries(ctx, deviceID, 0, 0, 10)
	if err != nil {
		t.Fatalf("query series: %v", err)
	}
	if len(series) != 1 || series[0].Timestamp != ts || !bytes.Equal(series[0].Values, payload) {
		t.Fatalf("unexpected series rows %+v", series)
	}
	protectors, err := query.QueryProtector(ctx, deviceID, ts, ts+2, 10)
	if err != nil {
		t.Fatalf("query protector: %v", err)
	}
	if len(protectors) != 1 || protectors[0].Timestamp != ts+1 {
		t.Fatalf("unexpected protector rows %+v", protectors)
	}

	devices, err := query.ListDevices(ctx)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	found := false
	for _, device := range devices {
		if device.ID == deviceID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s in device list", deviceID)
	}
}
