package mockserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"   // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrUserExists      = errors.New("name already registered")
	ErrUserNotFound    = errors.New("user not found")
	ErrSessionNotFound = errors.New("session not found")
)

// User is an MJAPI account
type User struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	SecretHash string    `json:"-"`
	Trial      bool      `json:"trial"`
	CreatedAt  time.Time `json:"created_at"`
}

// Session is a login issued to a user; its ID is the token's jti
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// Store persists users, sessions, query usage and the account audit trail. Both the postgres and
// sqlite drivers accept the $N placeholders used here.
type Store struct {
	db     *sql.DB
	driver string
}

// OpenStore opens and migrates a store for driver "postgres" or "sqlite"
func OpenStore(ctx context.Context, driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite" {
		// One connection keeps an in-memory database alive and avoids
		// SQLITE_BUSY between writers.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, driver: driver}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			secret_hash TEXT NOT NULL,
			trial BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			revoked BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS query_usage (
			user_id TEXT PRIMARY KEY REFERENCES users(id),
			used INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS account_events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			user_id TEXT NOT NULL,
			detail TEXT,
			remote_addr TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_account_events_user ON account_events(user_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

// CreateUser inserts a new user
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE name = $1", u.Name).Scan(&exists)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	if exists > 0 {
		return ErrUserExists
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, secret_hash, trial, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, u.ID, u.Name, u.SecretHash, u.Trial, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, name, secret_hash, trial, created_at FROM users WHERE id = $1
	`, id))
}

// GetUserByName retrieves a user by name
func (s *Store) GetUserByName(ctx context.Context, name string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, name, secret_hash, trial, created_at FROM users WHERE name = $1
	`, name))
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Name, &u.SecretHash, &u.Trial, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateSession stores a new session
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5)
	`, sess.ID, sess.UserID, sess.CreatedAt, sess.ExpiresAt, sess.Revoked)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, created_at, expires_at, revoked FROM sessions WHERE id = $1
	`, id).Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt, &sess.Revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &sess, nil
}

// RevokeSession marks a session as logged out
func (s *Store) RevokeSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE sessions SET revoked = $1 WHERE id = $2", true, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AddUsage adds n queries to a user's counter and returns the new total
func (s *Store) AddUsage(ctx context.Context, userID string, n int) (int, error) {
	var used int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO query_usage (user_id, used) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET used = query_usage.used + excluded.used
		RETURNING used
	`, userID, n).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to add usage: %w", err)
	}
	return used, nil
}

// Usage returns the number of queries a user has made
func (s *Store) Usage(ctx context.Context, userID string) (int, error) {
	var used int
	err := s.db.QueryRowContext(ctx, "SELECT used FROM query_usage WHERE user_id = $1", userID).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return used, nil
}
