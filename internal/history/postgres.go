package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/troupelabs/troupe/pkg/types"
)

const ddlConversationMessages = `
CREATE TABLE IF NOT EXISTS conversation_messages (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    name        TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_session
    ON conversation_messages (session_id, id);
`

// PostgresStore is a conversation log backed by a conversation_messages
// table, scoped to one session ID. All methods are safe for concurrent use.
type PostgresStore struct {
	pool      *pgxpool.Pool
	sessionID string
	window    int
}

// PostgresOption is a functional option for [NewPostgresStore].
type PostgresOption func(*PostgresStore)

// WithWindow caps how many most-recent messages [PostgresStore.Messages]
// returns. Default: [DefaultWindow].
func WithWindow(window int) PostgresOption {
	return func(s *PostgresStore) {
		if window > 0 {
			s.window = window
		}
	}
}

// NewPostgresStore connects to the database at dsn, ensures the
// conversation_messages table exists, and returns a store scoped to
// sessionID.
func NewPostgresStore(ctx context.Context, dsn, sessionID string, opts ...PostgresOption) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddlConversationMessages); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}

	s := &PostgresStore{pool: pool, sessionID: sessionID, window: DefaultWindow}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Append inserts msg at the end of the session's log.
func (s *PostgresStore) Append(ctx context.Context, msg types.Message) error {
	const q = `
		INSERT INTO conversation_messages (session_id, role, name, content)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.pool.Exec(ctx, q, s.sessionID, msg.Role, msg.Name, msg.Content); err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

// Messages returns the session's most recent messages within the configured
// window, oldest first.
func (s *PostgresStore) Messages(ctx context.Context) ([]types.Message, error) {
	const q = `
		SELECT role, name, content
		FROM (
		    SELECT id, role, name, content
		    FROM   conversation_messages
		    WHERE  session_id = $1
		    ORDER  BY id DESC
		    LIMIT  $2
		) tail
		ORDER BY id`

	rows, err := s.pool.Query(ctx, q, s.sessionID, s.window)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}

	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Message, error) {
		var m types.Message
		err := row.Scan(&m.Role, &m.Name, &m.Content)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("history: scan rows: %w", err)
	}
	return messages, nil
}

// Ping probes the database connection. Suitable as a readiness check.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
