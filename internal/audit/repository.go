package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository writes audit entries to command_audit_logs.
type Repository struct {
	db *sql.DB
}

// NewRepository constructs an audit repository.
func NewRepository(db *sql.DB) *Repository {
	if db == nil {
		return nil
	}
	return &Repository{db: db}
}

// Log writes an audit entry, filling id, timestamp and digest when empty.
func (r *Repository) Log(ctx context.Context, entry Entry) error {
	if r == nil || r.db == nil {
		return errors.New("audit repo: nil db")
	}
	if entry.Action == "" || entry.DeviceID == "" {
		return errors.New("audit repo: action and device id required")
	}
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.PayloadDigest == "" {
		entry.PayloadDigest = Digest(entry.Payload)
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO command_audit_logs (
	id, actor, role, action, device_id, payload, payload_digest, ip, user_agent, created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, entry.ID, entry.Actor, entry.Role, entry.Action, entry.DeviceID,
		entry.Payload, entry.PayloadDigest, entry.IP, entry.UserAgent, entry.CreatedAt)
	return err
}
