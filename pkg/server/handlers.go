package server

import (
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/babblenet/babble/pkg/model"
	"github.com/babblenet/babble/pkg/protocol"
)

// MaxChatLength is the longest chat line the server relays.
const MaxChatLength = 2000

type handlerFunc func(c *Conn, msg *protocol.Message)

// newDispatchTable builds the message-type dispatch table. It is built once
// at server construction and read-only thereafter, so lookups need no
// synchronization. This is a closed enumeration: adding a message type
// means adding an entry here, not registering a handler at runtime.
func (s *Server) newDispatchTable() map[protocol.MessageType]handlerFunc {
	return map[protocol.MessageType]handlerFunc{
		protocol.TypeChat:                     s.handleChat,
		protocol.TypeVoice:                    s.handleVoice,
		protocol.TypeHello:                    s.handleHello,
		protocol.TypeCredentialRequest:        s.handleCredentialRequest,
		protocol.TypeGetAllChannelsRequest:    s.handleGetAllChannels,
		protocol.TypeUserChangeChannelRequest: s.handleUserChangeChannel,
		protocol.TypeCreateChannelRequest:     s.handleCreateChannel,
		protocol.TypeRenameChannelRequest:     s.handleRenameChannel,
		protocol.TypeDeleteChannelRequest:     s.handleDeleteChannel,
		protocol.TypeCreateUserRequest:        s.handleCreateUser,
		protocol.TypeUserChangeStatusRequest:  s.handleUserChangeStatus,
	}
}

// dispatch looks up and runs the handler for a message. A panic in a
// handler is contained here: it is logged and the connection's read loop
// continues. Unknown message types are logged and dropped; the connection
// stays open.
func (s *Server) dispatch(c *Conn, msg *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic", "type", msg.Type, "remote", c.RemoteAddr(), "panic", r)
		}
	}()

	handler, ok := s.handlers[msg.Type]
	if !ok {
		s.metrics.UnknownMessagesTotal.Inc()
		slog.Warn("no handler for message type", "type", msg.Type, "remote", c.RemoteAddr())
		return
	}
	handler(c, msg)
}

// requireSession returns the connection's session, logging and dropping the
// message when the connection never authenticated.
func (s *Server) requireSession(c *Conn, msg *protocol.Message) *model.UserSession {
	sess := c.Session()
	if sess == nil {
		slog.Warn("message from unauthenticated connection dropped", "type", msg.Type, "remote", c.RemoteAddr())
	}
	return sess
}

// --- authentication ---

// authOutcome is the exhaustive result of a credential decision. Exactly
// one outcome fires per request and each outcome produces exactly one
// response, so a successful anonymous or authenticated login can never also
// receive a failure message.
type authOutcome int

const (
	authAnonymousOk authOutcome = iota
	authAuthenticatedOk
	authRejected
)

func (s *Server) handleCredentialRequest(c *Conn, msg *protocol.Message) {
	if c.Session() != nil {
		slog.Warn("credential request on already-authenticated connection", "remote", c.RemoteAddr())
		s.writeCredentialFailure(c, "already authenticated")
		return
	}

	var req protocol.CredentialRequest
	if err := msg.Decode(&req); err != nil {
		slog.Warn("malformed credential request dropped", "remote", c.RemoteAddr(), "err", err)
		return
	}

	outcome, user := s.decideCredentials(req)
	switch outcome {
	case authAnonymousOk, authAuthenticatedOk:
		s.finishLogin(c, user, outcome == authAnonymousOk)
	case authRejected:
		s.metrics.AuthFailedTotal.Inc()
		s.writeCredentialFailure(c, "authentication failed: invalid username or password")
	}
}

// decideCredentials evaluates a credential request as a single exclusive
// decision: blank username means anonymous, otherwise the persistence
// collaborator verifies the password. A storage failure counts as a
// rejection; the connection may retry.
func (s *Server) decideCredentials(req protocol.CredentialRequest) (authOutcome, model.User) {
	if strings.TrimSpace(req.Username) == "" {
		return authAnonymousOk, model.User{Username: s.store.NextAnonName()}
	}

	ok, err := s.db.IsUserAuthenticated(req.Username, req.Password)
	if err != nil {
		slog.Error("credential check failed", "user", req.Username, "err", err)
		return authRejected, model.User{}
	}
	if !ok {
		return authRejected, model.User{}
	}

	profile, err := s.db.GetUserByUsername(req.Username)
	if err != nil || profile == nil {
		slog.Error("profile load failed after successful auth", "user", req.Username, "err", err)
		return authRejected, model.User{}
	}
	return authAuthenticatedOk, *profile
}

// finishLogin runs the single success path: fresh session id, session
// recorded on the connection, user placed in the lobby, UserConnected
// broadcast to everyone else, and one CredentialResponse to the requester.
func (s *Server) finishLogin(c *Conn, user model.User, anonymous bool) {
	sess := s.store.CreateSession(user, anonymous)
	s.store.AddUser(sess, model.LobbyChannelID)
	c.SetSession(sess)

	s.metrics.AuthSuccessTotal.Inc()
	slog.Info("user authenticated", "user", user.Username, "session", sess.ID, "anonymous", anonymous)

	snapshot := *sess
	s.broadcastAll(c, protocol.MustMessage(protocol.TypeUserConnected, snapshot), false)

	resp := protocol.CredentialResponse{
		IsAuthenticated: true,
		Message:         "welcome",
		Session:         &snapshot,
	}
	if err := c.WriteMessage(protocol.MustMessage(protocol.TypeCredentialResponse, resp)); err != nil {
		slog.Warn("credential response write failed", "remote", c.RemoteAddr(), "err", err)
	}
}

func (s *Server) writeCredentialFailure(c *Conn, reason string) {
	resp := protocol.CredentialResponse{IsAuthenticated: false, Message: reason}
	if err := c.WriteMessage(protocol.MustMessage(protocol.TypeCredentialResponse, resp)); err != nil {
		slog.Warn("credential failure write failed", "remote", c.RemoteAddr(), "err", err)
	}
}

// --- chat and voice ---

func (s *Server) handleChat(c *Conn, msg *protocol.Message) {
	sess := s.requireSession(c, msg)
	if sess == nil {
		return
	}

	var chat protocol.ChatMessage
	if err := msg.Decode(&chat); err != nil {
		slog.Warn("malformed chat message dropped", "remote", c.RemoteAddr(), "err", err)
		return
	}

	text := sanitizeText(strings.TrimSpace(chat.Text))
	if len(text) == 0 || len(text) > MaxChatLength {
		return // empty or too long, silently drop
	}

	current, err := s.store.FindUser(sess.ID)
	if err != nil {
		return
	}

	out := protocol.ChatMessage{
		Text:       text,
		SenderName: current.User.Username,
		ChannelID:  current.ChannelID,
		Timestamp:  time.Now().Unix(),
	}
	s.broadcastChannel(c, current.ChannelID, protocol.MustMessage(protocol.TypeChat, out), true)
	s.metrics.ChatMessagesTotal.Inc()
}

func (s *Server) handleVoice(c *Conn, msg *protocol.Message) {
	sess := s.requireSession(c, msg)
	if sess == nil {
		return
	}

	var frame protocol.VoiceFrame
	if err := msg.Decode(&frame); err != nil {
		slog.Warn("malformed voice frame dropped", "remote", c.RemoteAddr(), "err", err)
		return
	}

	current, err := s.store.FindUser(sess.ID)
	if err != nil {
		return
	}
	s.store.SetTalking(sess.ID, true)

	frame.SessionID = sess.ID
	s.broadcastChannel(c, current.ChannelID, protocol.MustMessage(protocol.TypeVoice, frame), true)
	s.metrics.VoiceFramesTotal.Inc()
}

func (s *Server) handleHello(c *Conn, _ *protocol.Message) {
	// Legacy liveness probe. No reply.
	slog.Debug("hello", "remote", c.RemoteAddr())
}

// --- channel discovery and movement ---

func (s *Server) handleGetAllChannels(c *Conn, _ *protocol.Message) {
	resp := protocol.GetAllChannelsResponse{Channels: s.store.ListChannels()}
	if err := c.WriteMessage(protocol.MustMessage(protocol.TypeGetAllChannelsResponse, resp)); err != nil {
		slog.Warn("channel list write failed", "remote", c.RemoteAddr(), "err", err)
	}
}

func (s *Server) handleUserChangeChannel(c *Conn, msg *protocol.Message) {
	sess := s.requireSession(c, msg)
	if sess == nil {
		return
	}

	var req protocol.UserChangeChannelRequest
	if err := msg.Decode(&req); err != nil {
		slog.Warn("malformed change-channel request dropped", "remote", c.RemoteAddr(), "err", err)
		return
	}

	landed, err := s.store.MoveUser(sess.ID, req.ChannelID)
	if err != nil {
		slog.Warn("change channel failed", "session", sess.ID, "err", err)
		return
	}
	if landed != req.ChannelID {
		slog.Debug("change channel fell back to lobby", "session", sess.ID, "requested", req.ChannelID)
	}

	snapshot, err := s.store.FindUser(sess.ID)
	if err != nil {
		return
	}
	s.broadcastAll(c, protocol.MustMessage(protocol.TypeUserChangeChannelResponse, snapshot), true)
}

// --- channel administration ---

func (s *Server) handleCreateChannel(c *Conn, msg *protocol.Message) {
	var req protocol.ChannelRequest
	if err := msg.Decode(&req); err != nil {
		slog.Warn("malformed create-channel request dropped", "remote", c.RemoteAddr(), "err", err)
		return
	}

	name := sanitizeText(strings.TrimSpace(req.Name))
	ch, err := s.store.CreateChannel(name)
	if err != nil {
		slog.Warn("create channel failed", "name", name, "err", err)
		resp := protocol.CreateChannelResponse{Success: false, Message: "failed to create channel: " + err.Error()}
		s.writeResponse(c, protocol.TypeCreateChannelResponse, resp)
		return
	}

	slog.Info("channel created", "name", ch.Name, "id", ch.ID)
	s.metrics.ChannelsCreatedTotal.Inc()

	// Broadcast includes the requester: the actor needs the server-assigned id.
	resp := protocol.CreateChannelResponse{
		Success: true,
		Channel: &protocol.ChannelState{Channel: ch, Users: []model.UserSession{}},
	}
	s.broadcastAll(c, protocol.MustMessage(protocol.TypeCreateChannelResponse, resp), true)
}

func (s *Server) handleRenameChannel(c *Conn, msg *protocol.Message) {
	var req protocol.ChannelRequest
	if err := msg.Decode(&req); err != nil {
		slog.Warn("malformed rename-channel request dropped", "remote", c.RemoteAddr(), "err", err)
		return
	}

	name := sanitizeText(strings.TrimSpace(req.Name))
	ch, err := s.store.RenameChannel(req.ID, name)
	if errors.Is(err, ErrChannelNotFound) {
		// No broadcast and no response: stale rename requests are expected
		// when clients race a delete.
		slog.Warn("rename: channel not found", "id", req.ID)
		return
	}
	if err != nil {
		slog.Warn("rename channel failed", "id", req.ID, "err", err)
		resp := protocol.RenameChannelResponse{Success: false, Message: "failed to rename channel: " + err.Error()}
		s.writeResponse(c, protocol.TypeRenameChannelResponse, resp)
		return
	}

	slog.Info("channel renamed", "id", ch.ID, "name", ch.Name)
	s.broadcastAll(c, protocol.MustMessage(protocol.TypeRenameChannelResponse,
		protocol.RenameChannelResponse{Success: true, Channel: &ch}), true)
}

func (s *Server) handleDeleteChannel(c *Conn, msg *protocol.Message) {
	var req protocol.ChannelRequest
	if err := msg.Decode(&req); err != nil {
		slog.Warn("malformed delete-channel request dropped", "remote", c.RemoteAddr(), "err", err)
		return
	}

	evacuated, err := s.store.DeleteChannel(req.ID)
	switch {
	case errors.Is(err, ErrCannotDeleteLobby):
		slog.Warn("refused to delete lobby channel", "id", req.ID)
		resp := protocol.DeleteChannelResponse{Success: false, Message: "cannot delete the lobby channel"}
		s.writeResponse(c, protocol.TypeDeleteChannelResponse, resp)
		return
	case errors.Is(err, ErrChannelNotFound):
		slog.Warn("delete: channel not found", "id", req.ID)
		return
	case err != nil:
		slog.Warn("delete channel failed", "id", req.ID, "err", err)
		resp := protocol.DeleteChannelResponse{Success: false, Message: "failed to delete channel: " + err.Error()}
		s.writeResponse(c, protocol.TypeDeleteChannelResponse, resp)
		return
	}

	slog.Info("channel deleted", "id", req.ID, "evacuated", len(evacuated))
	s.metrics.ChannelsDeletedTotal.Inc()

	resp := protocol.DeleteChannelResponse{
		Success:   true,
		ChannelID: req.ID,
		Channels:  s.store.ListChannels(),
	}
	s.broadcastAll(c, protocol.MustMessage(protocol.TypeDeleteChannelResponse, resp), true)
}

// --- users ---

func (s *Server) handleCreateUser(c *Conn, msg *protocol.Message) {
	var req protocol.CreateUserRequest
	if err := msg.Decode(&req); err != nil {
		slog.Warn("malformed create-user request dropped", "remote", c.RemoteAddr(), "err", err)
		return
	}

	if _, err := s.db.CreateUser(req.Username, req.Password); err != nil {
		slog.Warn("create user failed", "user", req.Username, "err", err)
		s.writeResponse(c, protocol.TypeCreateUserResponse,
			protocol.SimpleResponse{Success: false, Message: err.Error()})
		return
	}

	slog.Info("user created", "user", req.Username)
	s.writeResponse(c, protocol.TypeCreateUserResponse,
		protocol.SimpleResponse{Success: true, Message: "user created"})
}

func (s *Server) handleUserChangeStatus(c *Conn, msg *protocol.Message) {
	sess := s.requireSession(c, msg)
	if sess == nil {
		return
	}

	var req protocol.UserChangeStatusRequest
	if err := msg.Decode(&req); err != nil {
		slog.Warn("malformed change-status request dropped", "remote", c.RemoteAddr(), "err", err)
		return
	}
	if !req.Status.Valid() {
		slog.Warn("unknown status value dropped", "session", sess.ID, "status", int(req.Status))
		return
	}

	snapshot, err := s.store.SetStatus(sess.ID, req.Status)
	if err != nil {
		return
	}
	s.broadcastAll(c, protocol.MustMessage(protocol.TypeUserChangeStatusResponse, snapshot), true)
}

// writeResponse sends a direct reply, logging write failures.
func (s *Server) writeResponse(c *Conn, t protocol.MessageType, payload any) {
	if err := c.WriteMessage(protocol.MustMessage(t, payload)); err != nil {
		slog.Warn("response write failed", "type", t, "remote", c.RemoteAddr(), "err", err)
	}
}

// sanitizeText strips control characters (except newline) from
// user-supplied text to prevent UI spoofing, terminal escape injection, and
// null-byte attacks.
func sanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' ' // collapse newlines to spaces
		}
		if unicode.IsControl(r) {
			return -1 // strip all other control chars (null, bell, ANSI escapes, etc.)
		}
		return r
	}, s)
}
