package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/babblenet/babble/pkg/crypto"
	"github.com/babblenet/babble/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

// SQLite provides database access for users and channels.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite database and runs migrations.
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: enable FK: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT    NOT NULL UNIQUE CHECK(length(username) > 0 AND length(username) <= 32),
		password_hash BLOB    NOT NULL,
		password_salt BLOB    NOT NULL,
		created_at    TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS channels (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT    NOT NULL CHECK(length(name) > 0),
		created_at TEXT    NOT NULL DEFAULT (datetime('now'))
	);
	`
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version:    1,
			statements: []string{schema},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("datastore: migrate: %w", err)
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *SQLite) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *SQLite) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// ---- Users ----

// CreateUser registers a user. The password is hashed with Argon2id and a
// fresh random salt before it touches the database.
func (s *SQLite) CreateUser(username, password string) (*model.User, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	hash := crypto.HashPassword(password, salt)

	res, err := s.db.ExecContext(context.Background(),
		"INSERT INTO users (username, password_hash, password_salt) VALUES (?, ?, ?)",
		username, hash, salt)
	if err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	id, _ := res.LastInsertId()
	return &model.User{
		ID:        id,
		Username:  username,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// GetUserByUsername retrieves a user by username.
func (s *SQLite) GetUserByUsername(username string) (*model.User, error) {
	u := &model.User{}
	var createdAt string
	err := s.db.QueryRowContext(context.Background(),
		"SELECT id, username, created_at FROM users WHERE username = ?", username).
		Scan(&u.ID, &u.Username, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	u.CreatedAt = parsed
	return u, nil
}

// IsUserAuthenticated checks a username/password pair.
func (s *SQLite) IsUserAuthenticated(username, password string) (bool, error) {
	var hash, salt []byte
	err := s.db.QueryRowContext(context.Background(),
		"SELECT password_hash, password_salt FROM users WHERE username = ?", username).
		Scan(&hash, &salt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("datastore: authenticate user: %w", err)
	}
	return crypto.VerifyPassword(password, salt, hash), nil
}

// ListUsers returns all users.
func (s *SQLite) ListUsers() ([]model.User, error) {
	rows, err := s.db.QueryContext(context.Background(),
		"SELECT id, username, created_at FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		var u model.User
		var createdAt string
		if err := rows.Scan(&u.ID, &u.Username, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		u.CreatedAt = parsed
		users = append(users, u)
	}
	return users, rows.Err()
}

// ---- Channels ----

// CreateChannel creates a channel. SQLite AUTOINCREMENT guarantees ids are
// monotonic and never reused after a delete.
func (s *SQLite) CreateChannel(name string) (*model.Channel, error) {
	if err := model.ValidateChannelName(name); err != nil {
		return nil, fmt.Errorf("datastore: create channel: %w", err)
	}
	res, err := s.db.ExecContext(context.Background(),
		"INSERT INTO channels (name) VALUES (?)", name)
	if err != nil {
		return nil, fmt.Errorf("datastore: create channel: %w", err)
	}
	id, _ := res.LastInsertId()
	return &model.Channel{
		ID:        id,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// UpdateChannel renames a channel in place.
func (s *SQLite) UpdateChannel(id int64, name string) error {
	if err := model.ValidateChannelName(name); err != nil {
		return fmt.Errorf("datastore: update channel: %w", err)
	}
	res, err := s.db.ExecContext(context.Background(),
		"UPDATE channels SET name = ? WHERE id = ?", name, id)
	if err != nil {
		return fmt.Errorf("datastore: update channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("datastore: update channel: id %d not found", id)
	}
	return nil
}

// DeleteChannel deletes a channel by ID.
func (s *SQLite) DeleteChannel(id int64) error {
	if _, err := s.db.ExecContext(context.Background(),
		"DELETE FROM channels WHERE id = ?", id); err != nil {
		return fmt.Errorf("datastore: delete channel: %w", err)
	}
	return nil
}

// GetChannel retrieves a channel by ID.
func (s *SQLite) GetChannel(id int64) (*model.Channel, error) {
	return s.scanChannel("SELECT id, name, created_at FROM channels WHERE id = ?", id)
}

// GetChannelByName retrieves a channel by name.
func (s *SQLite) GetChannelByName(name string) (*model.Channel, error) {
	return s.scanChannel("SELECT id, name, created_at FROM channels WHERE name = ?", name)
}

func (s *SQLite) scanChannel(query string, arg any) (*model.Channel, error) {
	ch := &model.Channel{}
	var createdAt string
	err := s.db.QueryRowContext(context.Background(), query, arg).
		Scan(&ch.ID, &ch.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get channel: %w", err)
	}
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("datastore: get channel: %w", err)
	}
	ch.CreatedAt = parsed
	return ch, nil
}

// ListChannels returns all channels ordered by ID.
func (s *SQLite) ListChannels() ([]model.Channel, error) {
	rows, err := s.db.QueryContext(context.Background(),
		"SELECT id, name, created_at FROM channels ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var channels []model.Channel
	for rows.Next() {
		var ch model.Channel
		var createdAt string
		if err := rows.Scan(&ch.ID, &ch.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan channel: %w", err)
		}
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan channel: %w", err)
		}
		ch.CreatedAt = parsed
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}
