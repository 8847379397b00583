package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Action names a kind of transfer event.
type Action string

const (
	ActionUpload        Action = "upload"
	ActionDownload      Action = "download"
	ActionTokenIssued   Action = "token_issued"
	ActionTokenRejected Action = "token_rejected"
)

// Event is one row of the transfer audit trail. Rows are written and never
// read back by the service.
type Event struct {
	ID        string
	At        time.Time
	Action    Action
	Filename  string
	Bytes     int64
	SHA256    string
	ClientIP  string
	RequestID string
	Success   bool
	Error     string
}

const insertEventSQL = `
	INSERT INTO transfer_events (
		id, occurred_at, action, filename, bytes, sha256_hex,
		client_ip, request_id, success, error
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

// EventStore appends Events to transfer_events. A nil *EventStore accepts
// and drops every event, which is how the audit trail is disabled.
type EventStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewEventStore(conn *sql.DB) *EventStore {
	return &EventStore{db: conn, now: time.Now}
}

// Record inserts e, filling ID and At when they are empty.
func (s *EventStore) Record(ctx context.Context, e Event) error {
	if s == nil || s.db == nil {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = s.now().UTC()
	}

	_, err := s.db.ExecContext(ctx, insertEventSQL,
		e.ID,
		e.At,
		string(e.Action),
		e.Filename,
		e.Bytes,
		nullString(e.SHA256),
		nullString(e.ClientIP),
		nullString(e.RequestID),
		e.Success,
		nullString(e.Error),
	)
	return err
}

// Ping reports whether the store's database is reachable.
func (s *EventStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

// Enabled reports whether events are persisted.
func (s *EventStore) Enabled() bool { return s != nil && s.db != nil }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
