package datastore

import (
	"github.com/babblenet/babble/pkg/model"
)

// DataStore defines the persistence interface for users and channels.
// Implementations include the default SQLite store and an in-memory store
// for tests. Lookup methods return (nil, nil) when the row is absent.
//
// The server calls these synchronously and treats failures as recoverable:
// a storage error is surfaced to the requesting client, never fatal to the
// server process.
type DataStore interface {
	// Close closes the underlying storage connection.
	Close() error

	// ---- Users ----

	// CreateUser registers a user with a hashed password and returns it
	// with the assigned ID.
	CreateUser(username, password string) (*model.User, error)

	// GetUserByUsername retrieves a user by username.
	GetUserByUsername(username string) (*model.User, error)

	// IsUserAuthenticated checks a username/password pair. An unknown
	// username is a failed authentication, not an error.
	IsUserAuthenticated(username, password string) (bool, error)

	// ListUsers returns all users.
	ListUsers() ([]model.User, error)

	// ---- Channels ----

	// CreateChannel creates a channel and returns it with the assigned ID.
	// Ids are allocated monotonically and never reused, even after delete.
	CreateChannel(name string) (*model.Channel, error)

	// UpdateChannel renames a channel in place.
	UpdateChannel(id int64, name string) error

	// DeleteChannel deletes a channel by ID.
	DeleteChannel(id int64) error

	// GetChannel retrieves a channel by ID.
	GetChannel(id int64) (*model.Channel, error)

	// GetChannelByName retrieves a channel by name.
	GetChannelByName(name string) (*model.Channel, error)

	// ListChannels returns all channels ordered by ID.
	ListChannels() ([]model.Channel, error)
}

// Compile-time checks.
var _ DataStore = (*SQLite)(nil)
var _ DataStore = (*MemoryStore)(nil)
