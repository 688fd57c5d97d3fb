package audit

import (
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS kernel_audit_log (
	id          TEXT PRIMARY KEY,
	recorded_at TIMESTAMPTZ NOT NULL,
	app_id      TEXT NOT NULL,
	action_id   TEXT NOT NULL,
	user_id     TEXT,
	context     JSONB,
	params      JSONB,
	success     BOOLEAN NOT NULL,
	error       TEXT,
	duration_ns BIGINT,
	replayed    BOOLEAN NOT NULL DEFAULT FALSE
)`

const auditInsert = `
INSERT INTO kernel_audit_log
	(id, recorded_at, app_id, action_id, user_id, context, params, success, error, duration_ns, replayed)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO NOTHING`

// PostgresSink persists audit entries to a Postgres table.
type PostgresSink struct {
	db *sqlx.DB
}

// NewPostgresSink connects to Postgres and ensures the audit table exists.
func NewPostgresSink(dsn string) (*PostgresSink, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect audit database: %w", err)
	}
	return newPostgresSink(db)
}

// NewPostgresSinkWithDB wraps an existing connection, used by tests.
func NewPostgresSinkWithDB(db *sqlx.DB) (*PostgresSink, error) {
	return newPostgresSink(db)
}

func newPostgresSink(db *sqlx.DB) (*PostgresSink, error) {
	if _, err := db.Exec(auditSchema); err != nil {
		return nil, fmt.Errorf("ensure audit table: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

// Write implements Sink.
func (s *PostgresSink) Write(entry Entry) error {
	cctx, err := json.Marshal(entry.Context)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	params, err := json.Marshal(entry.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	if _, err := s.db.Exec(auditInsert,
		entry.ID, entry.Time, entry.AppID, entry.ActionID, entry.UserID,
		cctx, params, entry.Success, entry.Error, int64(entry.Duration), entry.Replayed,
	); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
