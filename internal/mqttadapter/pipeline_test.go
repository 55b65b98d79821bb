package mqttadapter

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"power-desk/internal/telemetry/application"
	telemetry "power-desk/internal/telemetry/domain"
	telemetryhttp "power-desk/internal/telemetry/interfaces/http"
	"power-desk/internal/telemetry/replay"
)

// Drives a bus frame through prefix stripping, routing and the event stream.
func TestPipeline_BusFrameReachesStream(t *testing.T) {
	series := replay.New[telemetry.SeriesItem](8)
	protector := replay.New[telemetry.ProtectorItem](8)
	router, err := application.NewRouter(telemetry.NewClassifier(), series, protector)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	stream, err := telemetryhttp.NewStreamHandler(series, protector, telemetryhttp.WithLivenessInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("new stream handler: %v", err)
	}
	devices, err := telemetryhttp.NewDeviceHandler(stream, nil, nil, nil)
	if err != nil {
		t.Fatalf("new device handler: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/api/devices/", devices)
	server := httptest.NewServer(mux)
	defer server.Close()

	c := newTestClient("power-desk/", &stubClient{})
	c.Subscribe(func(msg Message) {
		router.Route(msg.Topic, msg.Payload, msg.ReceivedAt)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/devices/dev1", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	deadline := time.Now().Add(3 * time.Second)
	for series.Subscribers() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never subscribed")
		}
		time.Sleep(2 * time.Millisecond)
	}

	c.handleMessage(nil, stubMessage{topic: "other/dev1/ch0/series", payload: []byte{9}})
	c.handleMessage(nil, stubMessage{topic: "power-desk/dev1/ch0/series", payload: []byte{0xAB, 0xCD}})

	reader := bufio.NewReader(resp.Body)
	var id, event, data string
	for data == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	if id != "dev1-0-1700000000123" || event != "series" {
		t.Fatalf("unexpected frame id=%q event=%q", id, event)
	}
	want := `{"timestamp":1700000000123,"deviceId":"dev1","channel":0,"values":"q80="}`
	if data != want {
		t.Fatalf("unexpected data %s", data)
	}
}
