// Package audit keeps a durable journal of chat sessions in Postgres: when
// each connection arrived, which name it took, and when it left. Message
// bodies are never stored.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SessionRecord is one row of the chat_sessions journal.
type SessionRecord struct {
	ID             string
	Username       sql.NullString
	Server         string
	ConnectedAt    time.Time
	NamedAt        sql.NullTime
	DisconnectedAt sql.NullTime
}

// Store writes session lifecycle rows.
type Store struct {
	db         *sql.DB
	serverName string
}

// Open connects to databaseURL, applies pending migrations, and returns a
// ready Store.
func Open(ctx context.Context, databaseURL, serverName string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: postgres connection failed: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, serverName: serverName}, nil
}

// Migrate applies the embedded schema migrations to db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("audit: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("audit: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("audit: migrate up: %w", err)
	}
	return nil
}

// Connected records a new session.
func (s *Store) Connected(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, server, connected_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		id, s.serverName, at)
	return err
}

// Named records the session's latest display name.
func (s *Store) Named(ctx context.Context, id, username string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET username = $2, named_at = $3 WHERE id = $1`,
		id, username, at)
	return err
}

// Disconnected closes the session's row.
func (s *Store) Disconnected(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET disconnected_at = $2 WHERE id = $1 AND disconnected_at IS NULL`,
		id, at)
	return err
}

// CloseOpen marks every session of this server still open as disconnected.
// It is run at boot to settle rows left behind by a crash.
func (s *Store) CloseOpen(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET disconnected_at = $2 WHERE server = $1 AND disconnected_at IS NULL`,
		s.serverName, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Get returns the journal row for id, or nil if there is none.
func (s *Store) Get(ctx context.Context, id string) (*SessionRecord, error) {
	var r SessionRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, server, connected_at, named_at, disconnected_at
		 FROM chat_sessions WHERE id = $1`, id).
		Scan(&r.ID, &r.Username, &r.Server, &r.ConnectedAt, &r.NamedAt, &r.DisconnectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
