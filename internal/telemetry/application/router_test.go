package application

import (
	"bytes"
	"context"
	"testing"
	"time"

	telemetry "power-desk/internal/telemetry/domain"
)

func TestNewRouter_RequiresBuffers(t *testing.T) {
	if _, err := NewRouter(telemetry.NewClassifier(), nil, nil); err == nil {
		t.Fatalf("expected error for nil buffers")
	}
}

func TestRouter_RoutesByKind(t *testing.T) {
	series, protector := newBuffers()
	router, err := NewRouter(telemetry.NewClassifier(), series, protector)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	at := time.UnixMilli(1700000000123)

	router.Route("dev1/ch3/series", []byte{1}, at)
	router.Route("dev1/protector", []byte{2}, at)
	router.Route("dev1/unknown", []byte{3}, at)
	router.Route("dev1/temperature", []byte{4}, at)

	gotSeries := series.Snapshot()
	if len(gotSeries) != 1 {
		t.Fatalf("expected 1 series item, got %d", len(gotSeries))
	}
	want := telemetry.SeriesItem{DeviceID: "dev1", Channel: 3, Timestamp: 1700000000123}
	if gotSeries[0].DeviceID != want.DeviceID || gotSeries[0].Channel != want.Channel || gotSeries[0].Timestamp != want.Timestamp {
		t.Fatalf("unexpected series item %+v", gotSeries[0])
	}
	gotProtector := protector.Snapshot()
	if len(gotProtector) != 1 || gotProtector[0].Values[0] != 2 {
		t.Fatalf("unexpected protector items %+v", gotProtector)
	}
}

func TestRouter_EndToEndToStore(t *testing.T) {
	series, protector := newBuffers()
	store := &stubStore{}
	recorder, err := NewRecorder(store, series, protector)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	router, err := NewRouter(telemetry.NewClassifier(), series, protector)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	viewer := series.Subscribe()
	defer viewer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- recorder.Run(ctx) }()

	payload := bytes.Repeat([]byte{0xAB}, 32)
	at := time.UnixMilli(1700000000500)
	router.Route("dev1/ch0/series", payload, at)

	waitFor(t, func() bool {
		_, s, _ := store.snapshot()
		return len(s) == 1
	})
	_, stored, _ := store.snapshot()
	if stored[0].DeviceID != "dev1" || stored[0].Channel != 0 || !bytes.Equal(stored[0].Values, payload) {
		t.Fatalf("unexpected stored row %+v", stored[0])
	}
	if _, ok := store.devices["dev1"]; !ok {
		t.Fatalf("expected device dev1 provisioned")
	}

	nextCtx, nextCancel := context.WithTimeout(context.Background(), time.Second)
	defer nextCancel()
	item, err := viewer.Next(nextCtx)
	if err != nil {
		t.Fatalf("viewer next: %v", err)
	}
	if item.EventID() != "dev1-0-1700000000500" {
		t.Fatalf("unexpected event id %s", item.EventID())
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
