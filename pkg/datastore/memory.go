package datastore

import (
	"fmt"
	"sync"
	"time"

	"github.com/babblenet/babble/pkg/crypto"
	"github.com/babblenet/babble/pkg/model"
)

// MemoryStore provides an in-memory DataStore implementation for tests.
// It mirrors SQLite behavior for validation, id allocation, and error
// handling: ids are monotonic and never reused after a delete.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextUserID    int64
	nextChannelID int64

	usersByID       map[int64]*memoryUser
	usersByUsername map[string]*memoryUser
	channelsByID    map[int64]*model.Channel
}

type memoryUser struct {
	user model.User
	hash []byte
	salt []byte
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(nil)
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:             now,
		nextUserID:      1,
		nextChannelID:   1,
		usersByID:       make(map[int64]*memoryUser),
		usersByUsername: make(map[string]*memoryUser),
		channelsByID:    make(map[int64]*model.Channel),
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// CreateUser registers a user with a hashed password.
func (s *MemoryStore) CreateUser(username, password string) (*model.User, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[username]; exists {
		return nil, fmt.Errorf("datastore: create user: constraint failed: UNIQUE constraint failed: users.username")
	}
	u := &memoryUser{
		user: model.User{
			ID:        s.nextUserID,
			Username:  username,
			CreatedAt: s.now().UTC(),
		},
		hash: crypto.HashPassword(password, salt),
		salt: salt,
	}
	s.nextUserID++
	s.usersByID[u.user.ID] = u
	s.usersByUsername[username] = u
	copyUser := u.user
	return &copyUser, nil
}

// GetUserByUsername retrieves a user by username.
func (s *MemoryStore) GetUserByUsername(username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usersByUsername[username]
	if !ok {
		return nil, nil
	}
	copyUser := u.user
	return &copyUser, nil
}

// IsUserAuthenticated checks a username/password pair.
func (s *MemoryStore) IsUserAuthenticated(username, password string) (bool, error) {
	s.mu.RLock()
	u, ok := s.usersByUsername[username]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return crypto.VerifyPassword(password, u.salt, u.hash), nil
}

// ListUsers returns all users ordered by id.
func (s *MemoryStore) ListUsers() ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]model.User, 0, len(s.usersByID))
	for id := int64(1); id < s.nextUserID; id++ {
		if u, ok := s.usersByID[id]; ok {
			users = append(users, u.user)
		}
	}
	return users, nil
}

// CreateChannel creates a channel with a monotonically allocated id.
func (s *MemoryStore) CreateChannel(name string) (*model.Channel, error) {
	if err := model.ValidateChannelName(name); err != nil {
		return nil, fmt.Errorf("datastore: create channel: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := &model.Channel{
		ID:        s.nextChannelID,
		Name:      name,
		CreatedAt: s.now().UTC(),
	}
	s.nextChannelID++
	s.channelsByID[ch.ID] = ch
	copyCh := *ch
	return &copyCh, nil
}

// UpdateChannel renames a channel in place.
func (s *MemoryStore) UpdateChannel(id int64, name string) error {
	if err := model.ValidateChannelName(name); err != nil {
		return fmt.Errorf("datastore: update channel: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channelsByID[id]
	if !ok {
		return fmt.Errorf("datastore: update channel: id %d not found", id)
	}
	ch.Name = name
	return nil
}

// DeleteChannel deletes a channel by ID. Deleting an absent id is a no-op,
// matching SQLite DELETE semantics.
func (s *MemoryStore) DeleteChannel(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channelsByID, id)
	return nil
}

// GetChannel retrieves a channel by ID.
func (s *MemoryStore) GetChannel(id int64) (*model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channelsByID[id]
	if !ok {
		return nil, nil
	}
	copyCh := *ch
	return &copyCh, nil
}

// GetChannelByName retrieves a channel by name.
func (s *MemoryStore) GetChannelByName(name string) (*model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id := int64(1); id < s.nextChannelID; id++ {
		if ch, ok := s.channelsByID[id]; ok && ch.Name == name {
			copyCh := *ch
			return &copyCh, nil
		}
	}
	return nil, nil
}

// ListChannels returns all channels ordered by id.
func (s *MemoryStore) ListChannels() ([]model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channels := make([]model.Channel, 0, len(s.channelsByID))
	for id := int64(1); id < s.nextChannelID; id++ {
		if ch, ok := s.channelsByID[id]; ok {
			channels = append(channels, *ch)
		}
	}
	return channels, nil
}
