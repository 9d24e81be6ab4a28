// Package db provides database connection helpers, schema migration, and the
// persistence adapter for messages, channels and user authorizations.
//
// Every message-path operation here is best-effort: a failure is logged and
// surfaced to the caller, but callers on the ingestion path never block on it.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// queryRetries is the retry budget for transient query failures.
const queryRetries = 2

// Store wraps a sql.DB with the query timeout and retry policy used by all
// persistence operations.
type Store struct {
	DB           *sql.DB
	QueryTimeout time.Duration
}

// Connect opens a Postgres connection pool for the given DSN.
func Connect(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

// NewStore returns a Store with the given query timeout (0 means 3s).
func NewStore(database *sql.DB, queryTimeout time.Duration) *Store {
	if queryTimeout <= 0 {
		queryTimeout = 3 * time.Second
	}
	return &Store{DB: database, QueryTimeout: queryTimeout}
}

// StoredMessage is one persisted message row.
type StoredMessage struct {
	ChannelLogin string
	TimeReceived time.Time
	Source       string
}

// Migrate applies idempotent schema changes for all required tables and indices.
// It is the fallback for deployments without versioned migration tracking.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS message (
			channel_login TEXT NOT NULL,
			time_received TIMESTAMPTZ NOT NULL,
			message_source TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_channel_time ON message(channel_login, time_received)`,
		`CREATE TABLE IF NOT EXISTS channel (
			channel_login TEXT PRIMARY KEY,
			ignored_at TIMESTAMPTZ,
			last_access TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS user_authorization (
			access_token TEXT PRIMARY KEY,
			twitch_access_token TEXT NOT NULL,
			twitch_refresh_token TEXT NOT NULL,
			twitch_authorization_last_validated TIMESTAMPTZ NOT NULL,
			valid_until TIMESTAMPTZ NOT NULL,
			user_id TEXT NOT NULL,
			user_login TEXT NOT NULL,
			user_name TEXT NOT NULL,
			user_profile_image_url TEXT NOT NULL
		)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// AppendMessages inserts a batch of message rows in a single statement.
func (s *Store) AppendMessages(ctx context.Context, batch []StoredMessage) error {
	if len(batch) == 0 {
		return nil
	}
	var q strings.Builder
	q.WriteString(`INSERT INTO message (channel_login, time_received, message_source) VALUES `)
	args := make([]any, 0, len(batch)*3)
	for i, m := range batch {
		if i > 0 {
			q.WriteString(",")
		}
		fmt.Fprintf(&q, "($%d,$%d,$%d)", i*3+1, i*3+2, i*3+3)
		args = append(args, m.ChannelLogin, m.TimeReceived, m.Source)
	}
	return s.exec(ctx, q.String(), args...)
}

// LoadWindow returns the persisted messages for a channel newer than cutoff,
// oldest first.
func (s *Store) LoadWindow(ctx context.Context, channelLogin string, cutoff time.Time) ([]StoredMessage, error) {
	var out []StoredMessage
	err := s.withRetry(ctx, func(ctx context.Context) error {
		rows, err := s.DB.QueryContext(ctx,
			`SELECT time_received, message_source FROM message
			 WHERE channel_login = $1 AND time_received > $2
			 ORDER BY time_received ASC`,
			channelLogin, cutoff)
		if err != nil {
			return err
		}
		defer func() {
			if err := rows.Close(); err != nil {
				slog.Warn("failed to close rows", slog.Any("err", err))
			}
		}()
		out = out[:0]
		for rows.Next() {
			m := StoredMessage{ChannelLogin: channelLogin}
			if err := rows.Scan(&m.TimeReceived, &m.Source); err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

// PurgeChannel deletes all persisted messages for a channel.
func (s *Store) PurgeChannel(ctx context.Context, channelLogin string) error {
	return s.exec(ctx, `DELETE FROM message WHERE channel_login = $1`, channelLogin)
}

// VacuumMessages deletes all persisted messages older than cutoff and returns
// how many rows were removed.
func (s *Store) VacuumMessages(ctx context.Context, cutoff time.Time) (int64, error) {
	var affected int64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.DB.ExecContext(ctx, `DELETE FROM message WHERE time_received < $1`, cutoff)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

// TouchChannel records a channel read. The last_access write is suppressed
// unless the previous one is older than 30 minutes, which massively cuts down
// writes for high-traffic channels.
func (s *Store) TouchChannel(ctx context.Context, channelLogin string) error {
	return s.exec(ctx,
		`INSERT INTO channel (channel_login) VALUES ($1)
		 ON CONFLICT (channel_login) DO UPDATE
		     SET last_access = NOW()
		     WHERE channel.last_access < NOW() - INTERVAL '30 minutes'`,
		channelLogin)
}

// SetChannelIgnored flips the blocklist flag for a channel.
func (s *Store) SetChannelIgnored(ctx context.Context, channelLogin string, ignored bool) error {
	return s.exec(ctx,
		`INSERT INTO channel (channel_login, ignored_at)
		 VALUES ($1, CASE WHEN $2 THEN NOW() ELSE NULL END)
		 ON CONFLICT (channel_login) DO UPDATE
		     SET ignored_at = CASE WHEN $2 THEN NOW() ELSE NULL END`,
		channelLogin, ignored)
}

// IsChannelIgnored reports whether a channel is blocklisted. Unknown channels
// are not ignored.
func (s *Store) IsChannelIgnored(ctx context.Context, channelLogin string) (bool, error) {
	var ignored bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		row := s.DB.QueryRowContext(ctx,
			`SELECT ignored_at IS NOT NULL FROM channel WHERE channel_login = $1`, channelLogin)
		if err := row.Scan(&ignored); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				ignored = false
				return nil
			}
			return err
		}
		return nil
	})
	return ignored, err
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.DB.ExecContext(ctx, query, args...)
		return err
	})
}

// withRetry runs fn with the query timeout, retrying transient failures up to
// the retry budget. Context cancellation is not retried.
func (s *Store) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= queryRetries; attempt++ {
		qctx, cancel := context.WithTimeout(ctx, s.QueryTimeout)
		err = fn(qctx)
		cancel()
		if err == nil || ctx.Err() != nil {
			return err
		}
		slog.Debug("query attempt failed", slog.Int("attempt", attempt), slog.Any("err", err))
	}
	return err
}
