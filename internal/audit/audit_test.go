package audit

import (
	"context"
	"strings"
	"testing"
)

func TestDigest(t *testing.T) {
	if Digest(nil) != "" {
		t.Fatalf("expected empty digest for empty payload")
	}
	got := Digest([]byte(`{"vin_status":1}`))
	if len(got) != 64 || got != Digest([]byte(`{"vin_status":1}`)) {
		t.Fatalf("unexpected digest %q", got)
	}
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	if !strings.HasPrefix(a, "audit-") || a == b {
		t.Fatalf("unexpected ids %q %q", a, b)
	}
}

func TestRepository_NilDB(t *testing.T) {
	if NewRepository(nil) != nil {
		t.Fatalf("expected nil repository for nil db")
	}
	var repo *Repository
	if err := repo.Log(context.Background(), Entry{Action: "a", DeviceID: "dev1"}); err == nil {
		t.Fatalf("expected error for nil repository")
	}
}
