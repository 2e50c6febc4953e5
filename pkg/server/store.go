package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babblenet/babble/pkg/datastore"
	"github.com/babblenet/babble/pkg/model"
	"github.com/babblenet/babble/pkg/protocol"
)

var (
	ErrChannelNotFound   = errors.New("store: channel not found")
	ErrSessionNotFound   = errors.New("store: session not found")
	ErrCannotDeleteLobby = errors.New("store: cannot delete lobby channel")
)

// Store is the authoritative in-memory model of channels and the sessions
// currently occupying them. All operations are atomic with respect to each
// other: one mutex guards the store for the duration of each logical
// operation, so no caller ever observes a membership mid-move or a channel
// set mid-mutation.
//
// Mutations that must survive a restart (channel create/rename/delete) are
// applied to the persistence collaborator first, while the lock is held;
// on a persistence error the in-memory state is untouched.
type Store struct {
	mu sync.RWMutex
	db datastore.DataStore

	channels map[int64]*channelEntry
	sessions map[uint64]*model.UserSession

	nextSessionID atomic.Uint64
	nextAnonID    atomic.Uint64
}

type channelEntry struct {
	channel model.Channel
	members map[uint64]*model.UserSession
}

// NewStore creates a Store backed by the given persistence collaborator.
func NewStore(db datastore.DataStore) *Store {
	return &Store{
		db:       db,
		channels: make(map[int64]*channelEntry),
		sessions: make(map[uint64]*model.UserSession),
	}
}

// Load rebuilds the in-memory channel set from persisted rows, creating the
// lobby on first boot. The lobby must come out of this with its reserved id.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	channels, err := s.db.ListChannels()
	if err != nil {
		return fmt.Errorf("load channels: %w", err)
	}
	if len(channels) == 0 {
		lobby, err := s.db.CreateChannel(model.LobbyChannelName)
		if err != nil {
			return fmt.Errorf("create lobby: %w", err)
		}
		channels = []model.Channel{*lobby}
		slog.Info("created default lobby channel", "id", lobby.ID)
	}

	s.channels = make(map[int64]*channelEntry, len(channels))
	for _, ch := range channels {
		s.channels[ch.ID] = &channelEntry{
			channel: ch,
			members: make(map[uint64]*model.UserSession),
		}
	}

	if _, ok := s.channels[model.LobbyChannelID]; !ok {
		return fmt.Errorf("lobby channel id %d missing from persisted channels", model.LobbyChannelID)
	}
	return nil
}

// CreateSession allocates a session for an authenticated connection.
// Session ids come from a monotonic counter and are never reused. The
// session is not a member of any channel until AddUser.
func (s *Store) CreateSession(user model.User, anonymous bool) *model.UserSession {
	sess := &model.UserSession{
		ID:        s.nextSessionID.Add(1),
		User:      user,
		Anonymous: anonymous,
		Status:    model.StatusOnline,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess
}

// NextAnonName generates a display name for an anonymous session.
func (s *Store) NextAnonName() string {
	return fmt.Sprintf("Anon#%d", s.nextAnonID.Add(1))
}

// AddUser places a session in a channel. An unknown channel resolves to the
// lobby. Used by authentication; the session must not already be a member
// of any channel.
func (s *Store) AddUser(sess *model.UserSession, channelID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	s.addLocked(sess, channelID)
}

// addLocked inserts the session into channelID, falling back to the lobby
// when the target does not exist. Caller holds the write lock.
func (s *Store) addLocked(sess *model.UserSession, channelID int64) {
	entry, ok := s.channels[channelID]
	if !ok {
		// Unknown target resolves to the lobby rather than failing;
		// clients may race a channel delete with their join.
		entry = s.channels[model.LobbyChannelID]
		channelID = model.LobbyChannelID
	}
	entry.members[sess.ID] = sess
	sess.ChannelID = channelID
}

// removeLocked removes the session from its current channel, if any.
// Caller holds the write lock.
func (s *Store) removeLocked(sess *model.UserSession) {
	if entry, ok := s.channels[sess.ChannelID]; ok {
		delete(entry.members, sess.ID)
	}
}

// RemoveUser removes a session from its channel and from the store.
// Removing an unknown session is a no-op; disconnect cleanup runs for
// connections that never authenticated too.
func (s *Store) RemoveUser(sessionID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	s.removeLocked(sess)
	delete(s.sessions, sessionID)
}

// MoveUser moves a session to the target channel. The remove and add happen
// under one lock acquisition: the session is never observably absent from
// both channels or present in both. An unknown target resolves to the
// lobby. Returns the channel the session actually landed in.
func (s *Store) MoveUser(sessionID uint64, targetChannelID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return 0, ErrSessionNotFound
	}
	s.removeLocked(sess)
	s.addLocked(sess, targetChannelID)
	return sess.ChannelID, nil
}

// FindUser returns a snapshot of a session.
func (s *Store) FindUser(sessionID uint64) (model.UserSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return model.UserSession{}, ErrSessionNotFound
	}
	return *sess, nil
}

// UsersInChannel returns snapshots of the sessions in a channel.
func (s *Store) UsersInChannel(channelID int64) []model.UserSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.channels[channelID]
	if !ok {
		return nil
	}
	return membersLocked(entry)
}

// MemberIDs returns the set of session ids in a channel. The broadcast
// engine joins this against the connection registry at call time.
func (s *Store) MemberIDs(channelID int64) map[uint64]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.channels[channelID]
	if !ok {
		return nil
	}
	ids := make(map[uint64]struct{}, len(entry.members))
	for id := range entry.members {
		ids[id] = struct{}{}
	}
	return ids
}

// ListChannels returns a consistent point-in-time snapshot of every channel
// and its members.
func (s *Store) ListChannels() []protocol.ChannelState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	states := make([]protocol.ChannelState, 0, len(s.channels))
	for _, entry := range s.channels {
		states = append(states, protocol.ChannelState{
			Channel: entry.channel,
			Users:   membersLocked(entry),
		})
	}
	sortChannelStates(states)
	return states
}

// GetChannel returns a snapshot of one channel's state.
func (s *Store) GetChannel(id int64) (protocol.ChannelState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.channels[id]
	if !ok {
		return protocol.ChannelState{}, ErrChannelNotFound
	}
	return protocol.ChannelState{
		Channel: entry.channel,
		Users:   membersLocked(entry),
	}, nil
}

// CreateChannel persists a new channel, then adds it to the in-memory set.
// The persisted id is freshly allocated and never reused.
func (s *Store) CreateChannel(name string) (model.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, err := s.db.CreateChannel(name)
	if err != nil {
		return model.Channel{}, err
	}
	s.channels[ch.ID] = &channelEntry{
		channel: *ch,
		members: make(map[uint64]*model.UserSession),
	}
	return *ch, nil
}

// RenameChannel renames a channel in place; its identity and members are
// preserved. Persistence is applied before the in-memory name changes.
func (s *Store) RenameChannel(id int64, newName string) (model.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.channels[id]
	if !ok {
		return model.Channel{}, ErrChannelNotFound
	}
	if err := s.db.UpdateChannel(id, newName); err != nil {
		return model.Channel{}, err
	}
	entry.channel.Name = newName
	return entry.channel, nil
}

// DeleteChannel deletes a non-lobby channel: persistence delete first, then
// every member evacuated to the lobby, then the channel removed. Returns
// snapshots of the evacuated sessions.
func (s *Store) DeleteChannel(id int64) ([]model.UserSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == model.LobbyChannelID {
		return nil, ErrCannotDeleteLobby
	}
	entry, ok := s.channels[id]
	if !ok {
		return nil, ErrChannelNotFound
	}
	if err := s.db.DeleteChannel(id); err != nil {
		return nil, err
	}

	evacuated := make([]model.UserSession, 0, len(entry.members))
	for _, sess := range entry.members {
		s.addLocked(sess, model.LobbyChannelID)
		evacuated = append(evacuated, *sess)
	}
	delete(s.channels, id)
	return evacuated, nil
}

// SetStatus updates a session's presence status and returns a snapshot.
func (s *Store) SetStatus(sessionID uint64, status model.UserStatus) (model.UserSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return model.UserSession{}, ErrSessionNotFound
	}
	sess.Status = status
	return *sess, nil
}

// SetTalking updates a session's talking flag. Talking sessions also record
// the time they were last heard.
func (s *Store) SetTalking(sessionID uint64, talking bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	sess.Talking = talking
	if talking {
		sess.LastTalking = time.Now().UTC()
	}
}

// Counts returns the number of live sessions and channels.
func (s *Store) Counts() (sessions, channels int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), len(s.channels)
}

func membersLocked(entry *channelEntry) []model.UserSession {
	users := make([]model.UserSession, 0, len(entry.members))
	for _, sess := range entry.members {
		users = append(users, *sess)
	}
	return users
}

func sortChannelStates(states []protocol.ChannelState) {
	sort.Slice(states, func(i, j int) bool {
		return states[i].Channel.ID < states[j].Channel.ID
	})
}
