package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"power-desk/internal/audit"
	"power-desk/internal/auth"
	commandsapp "power-desk/internal/commands/application"
	"power-desk/internal/mqttadapter"
)

type stubPublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
}

func (p *stubPublisher) Publish(_ context.Context, topic string, payload []byte, _ mqttadapter.PublishOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return nil
}

func newHandler(t *testing.T) (*Handler, *commandsapp.Service, *stubPublisher) {
	t.Helper()
	publisher := &stubPublisher{}
	service, err := commandsapp.NewService(publisher, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	handler, err := NewHandler(service, nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return handler, service, publisher
}

func post(handler http.Handler, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec
}

func TestHandler_AcceptsVinStatus(t *testing.T) {
	handler, service, publisher := newHandler(t)
	rec := post(handler, "/api/devices/dev1", `{"vin_status":1}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty body")
	}
	service.Wait()
	if len(publisher.topics) != 1 || publisher.topics[0] != "dev1/cfg/vin-status" {
		t.Fatalf("unexpected publishes %v", publisher.topics)
	}
	if len(publisher.payloads[0]) != 1 || publisher.payloads[0][0] != 1 {
		t.Fatalf("unexpected payload %v", publisher.payloads[0])
	}
}

func TestHandler_EmptyUpdatePublishesNothing(t *testing.T) {
	handler, service, publisher := newHandler(t)
	rec := post(handler, "/api/devices/dev1", `{}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	service.Wait()
	if len(publisher.topics) != 0 {
		t.Fatalf("expected no publish, got %v", publisher.topics)
	}
}

func TestHandler_RejectsInvalidInput(t *testing.T) {
	handler, service, publisher := newHandler(t)
	cases := []struct {
		path string
		body string
	}{
		{"/api/devices/dev1", `{"vin_status":3}`},
		{"/api/devices/dev1", `{"vin_status":-1}`},
		{"/api/devices/dev1", `{"vin_status":"1"}`},
		{"/api/devices/dev1", `not json`},
		{"/api/devices/", `{"vin_status":1}`},
		{"/api/devices/*", `{"vin_status":1}`},
	}
	for _, tc := range cases {
		rec := post(handler, tc.path, tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s %s, got %d", tc.path, tc.body, rec.Code)
		}
	}
	service.Wait()
	if len(publisher.topics) != 0 {
		t.Fatalf("invalid input must not publish, got %v", publisher.topics)
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	handler, _, _ := newHandler(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/devices/dev1", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

type stubAudit struct {
	entries []audit.Entry
}

func (s *stubAudit) Log(_ context.Context, entry audit.Entry) error {
	s.entries = append(s.entries, entry)
	return nil
}

func TestHandler_RecordsAuditEntry(t *testing.T) {
	publisher := &stubPublisher{}
	service, err := commandsapp.NewService(publisher, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	recorder := &stubAudit{}
	handler, err := NewHandler(service, nil, WithAuditLogger(recorder))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/devices/dev1", strings.NewReader(`{"vin_status":2}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.RoleOperator, "user-1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	service.Wait()

	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if len(recorder.entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(recorder.entries))
	}
	entry := recorder.entries[0]
	if entry.Actor != "user-1" || entry.Role != "operator" || entry.DeviceID != "dev1" || entry.Action != "vin-status" {
		t.Fatalf("unexpected entry %+v", entry)
	}

	post(handler, "/api/devices/dev1", `{}`)
	post(handler, "/api/devices/dev1", `{"vin_status":9}`)
	if len(recorder.entries) != 1 {
		t.Fatalf("only accepted commands are audited, got %d", len(recorder.entries))
	}
}
