package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/coveworks/cove/internal/common/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	conversation_ref TEXT NOT NULL,
	status           TEXT NOT NULL,
	sandbox_id       TEXT,
	created_at       TIMESTAMPTZ NOT NULL,
	last_activity_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sandboxes (
	id           TEXT PRIMARY KEY,
	session_id   TEXT,
	container_id TEXT NOT NULL,
	address      TEXT NOT NULL,
	status       TEXT NOT NULL,
	deadline     TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_invocations (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invocations_session ON tool_invocations(session_id);
`

// PostgresRecorder is the durable Recorder backed by Postgres.
type PostgresRecorder struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

// NewPostgresRecorder connects to Postgres and ensures the schema exists.
func NewPostgresRecorder(ctx context.Context, dsn string, log *logger.Logger) (*PostgresRecorder, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return &PostgresRecorder{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "postgres-recorder")),
	}, nil
}

// RecordSession upserts the session row.
func (p *PostgresRecorder) RecordSession(ctx context.Context, rec *SessionRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, conversation_ref, status, sandbox_id, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			sandbox_id = EXCLUDED.sandbox_id,
			last_activity_at = EXCLUDED.last_activity_at`,
		rec.ID, rec.UserID, rec.ConversationRef, string(rec.Status), rec.SandboxID,
		rec.CreatedAt, rec.LastActivityAt)
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", rec.ID, err)
	}
	return nil
}

// RecordSandbox upserts the sandbox row.
func (p *PostgresRecorder) RecordSandbox(ctx context.Context, rec *SandboxRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO sandboxes (id, session_id, container_id, address, status, deadline, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			status = EXCLUDED.status,
			deadline = EXCLUDED.deadline`,
		rec.ID, rec.SessionID, rec.ContainerID, rec.Address, string(rec.Status),
		rec.Deadline, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record sandbox %s: %w", rec.ID, err)
	}
	return nil
}

// RecordInvocation inserts the terminal invocation row. Invocations are
// never updated; each ID crosses the boundary exactly once.
func (p *PostgresRecorder) RecordInvocation(ctx context.Context, rec *InvocationRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO tool_invocations (id, session_id, kind, status, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.SessionID, string(rec.Kind), string(rec.Status), rec.Error,
		rec.StartedAt, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to record invocation %s: %w", rec.ID, err)
	}
	return nil
}

// Close closes the connection pool.
func (p *PostgresRecorder) Close() error {
	p.pool.Close()
	return nil
}
