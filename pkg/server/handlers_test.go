package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babblenet/babble/pkg/datastore"
	"github.com/babblenet/babble/pkg/model"
	"github.com/babblenet/babble/pkg/protocol"
)

// startTestServer boots a server on an ephemeral port with an in-memory
// datastore and tears it down with the test.
func startTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.MetricsAddr = ""
	srv := New(cfg, Dependencies{Store: datastore.NewMemory()})
	require.NoError(t, srv.store.Load())
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Shutdown)
	return srv
}

// testClient is a wire-level client: a background goroutine reads frames
// into a buffered inbox so server broadcasts never block on the peer.
type testClient struct {
	t    *testing.T
	conn net.Conn
	msgs chan *protocol.Message
}

func dialClient(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	tc := &testClient{t: t, conn: conn, msgs: make(chan *protocol.Message, 64)}
	t.Cleanup(func() { _ = conn.Close() })
	go func() {
		for {
			msg, err := protocol.ReadMessage(conn)
			if err != nil {
				return
			}
			tc.msgs <- msg
		}
	}()
	return tc
}

func (tc *testClient) send(mt protocol.MessageType, payload any) {
	tc.t.Helper()
	msg, err := protocol.NewMessage(mt, payload)
	require.NoError(tc.t, err)
	require.NoError(tc.t, protocol.WriteMessage(tc.conn, msg))
}

// expect reads from the inbox until a message of the wanted type arrives,
// skipping unrelated broadcasts that may interleave.
func (tc *testClient) expect(mt protocol.MessageType) *protocol.Message {
	tc.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-tc.msgs:
			if msg.Type == mt {
				return msg
			}
		case <-deadline:
			tc.t.Fatalf("timed out waiting for %s", mt)
			return nil
		}
	}
}

// expectNone asserts nothing arrives for the given window.
func (tc *testClient) expectNone(d time.Duration) {
	tc.t.Helper()
	select {
	case msg := <-tc.msgs:
		tc.t.Fatalf("unexpected %s message", msg.Type)
	case <-time.After(d):
	}
}

// expectMove waits for the channel-change broadcast of a specific session.
// Once it arrives the move is complete server-side.
func (tc *testClient) expectMove(sessionID uint64, channelID int64) {
	tc.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var snap model.UserSession
		require.NoError(tc.t, tc.expect(protocol.TypeUserChangeChannelResponse).Decode(&snap))
		if snap.ID == sessionID && snap.ChannelID == channelID {
			return
		}
	}
	tc.t.Fatalf("timed out waiting for session %d to land in channel %d", sessionID, channelID)
}

func (tc *testClient) login(username, password string) protocol.CredentialResponse {
	tc.t.Helper()
	tc.send(protocol.TypeCredentialRequest, protocol.CredentialRequest{Username: username, Password: password})
	var resp protocol.CredentialResponse
	require.NoError(tc.t, tc.expect(protocol.TypeCredentialResponse).Decode(&resp))
	return resp
}

func TestAnonymousLogin(t *testing.T) {
	srv := startTestServer(t)
	tc := dialClient(t, srv)

	resp := tc.login("", "")
	assert.True(t, resp.IsAuthenticated)
	require.NotNil(t, resp.Session)
	assert.Equal(t, "Anon#1", resp.Session.User.Username)
	assert.True(t, resp.Session.Anonymous)
	assert.Equal(t, model.LobbyChannelID, resp.Session.ChannelID)

	// Exactly one response per request: no stray failure follows a success.
	tc.expectNone(200 * time.Millisecond)
}

func TestRegisteredLogin(t *testing.T) {
	srv := startTestServer(t)
	_, err := srv.db.CreateUser("alice", "s3cret")
	require.NoError(t, err)

	tc := dialClient(t, srv)
	resp := tc.login("alice", "s3cret")
	assert.True(t, resp.IsAuthenticated)
	require.NotNil(t, resp.Session)
	assert.Equal(t, "alice", resp.Session.User.Username)
	assert.False(t, resp.Session.Anonymous)
}

func TestLoginWrongPassword(t *testing.T) {
	srv := startTestServer(t)
	_, err := srv.db.CreateUser("alice", "s3cret")
	require.NoError(t, err)

	tc := dialClient(t, srv)
	resp := tc.login("alice", "wrong")
	assert.False(t, resp.IsAuthenticated)
	assert.Nil(t, resp.Session)
	tc.expectNone(200 * time.Millisecond)

	// A rejected connection stays open and may retry.
	retry := tc.login("alice", "s3cret")
	assert.True(t, retry.IsAuthenticated)
}

func TestSecondCredentialRequestRejected(t *testing.T) {
	srv := startTestServer(t)
	tc := dialClient(t, srv)
	require.True(t, tc.login("", "").IsAuthenticated)

	resp := tc.login("", "")
	assert.False(t, resp.IsAuthenticated)
	assert.Contains(t, resp.Message, "already authenticated")
}

func TestLoginBroadcastsUserConnected(t *testing.T) {
	srv := startTestServer(t)
	a := dialClient(t, srv)
	require.True(t, a.login("", "").IsAuthenticated)

	b := dialClient(t, srv)
	bResp := b.login("", "")
	require.True(t, bResp.IsAuthenticated)

	var connected model.UserSession
	require.NoError(t, a.expect(protocol.TypeUserConnected).Decode(&connected))
	assert.Equal(t, bResp.Session.ID, connected.ID)

	// The joining connection itself gets only the credential response.
	b.expectNone(200 * time.Millisecond)
}

func TestChatRoutedToSenderChannel(t *testing.T) {
	srv := startTestServer(t)
	a := dialClient(t, srv)
	b := dialClient(t, srv)
	c := dialClient(t, srv)
	aResp := a.login("", "")
	require.True(t, aResp.IsAuthenticated)
	bResp := b.login("", "")
	require.True(t, bResp.IsAuthenticated)
	require.True(t, c.login("", "").IsAuthenticated)

	a.send(protocol.TypeCreateChannelRequest, protocol.ChannelRequest{Name: "Ops"})
	var created protocol.CreateChannelResponse
	require.NoError(t, a.expect(protocol.TypeCreateChannelResponse).Decode(&created))
	require.True(t, created.Success)
	require.NotNil(t, created.Channel)
	opsID := created.Channel.Channel.ID

	a.send(protocol.TypeUserChangeChannelRequest, protocol.UserChangeChannelRequest{ChannelID: opsID})
	b.send(protocol.TypeUserChangeChannelRequest, protocol.UserChangeChannelRequest{ChannelID: opsID})
	a.expectMove(bResp.Session.ID, opsID)
	b.expectMove(bResp.Session.ID, opsID)

	a.send(protocol.TypeChat, protocol.ChatMessage{Text: "deploy done"})

	var got protocol.ChatMessage
	require.NoError(t, a.expect(protocol.TypeChat).Decode(&got), "sender receives its own chat")
	require.NoError(t, b.expect(protocol.TypeChat).Decode(&got))
	assert.Equal(t, "deploy done", got.Text)
	assert.Equal(t, opsID, got.ChannelID)
	assert.NotEmpty(t, got.SenderName)
	assert.NotZero(t, got.Timestamp)

	// c stayed in the lobby; drain its channel-change broadcasts, then
	// confirm the chat never reaches it.
	c.expect(protocol.TypeUserChangeChannelResponse)
	c.expect(protocol.TypeUserChangeChannelResponse)
	c.expectNone(200 * time.Millisecond)
}

func TestVoiceRelayedWithSessionID(t *testing.T) {
	srv := startTestServer(t)
	a := dialClient(t, srv)
	b := dialClient(t, srv)
	aResp := a.login("", "")
	require.True(t, aResp.IsAuthenticated)
	require.True(t, b.login("", "").IsAuthenticated)

	a.send(protocol.TypeVoice, protocol.VoiceFrame{SeqNum: 7, Data: []byte{0x01, 0x02}})

	var frame protocol.VoiceFrame
	require.NoError(t, b.expect(protocol.TypeVoice).Decode(&frame))
	assert.Equal(t, aResp.Session.ID, frame.SessionID, "server stamps the sender's session id")
	assert.Equal(t, uint32(7), frame.SeqNum)
	assert.Equal(t, []byte{0x01, 0x02}, frame.Data)
}

func TestGetAllChannels(t *testing.T) {
	srv := startTestServer(t)
	tc := dialClient(t, srv)
	require.True(t, tc.login("", "").IsAuthenticated)

	tc.send(protocol.TypeGetAllChannelsRequest, nil)
	var resp protocol.GetAllChannelsResponse
	require.NoError(t, tc.expect(protocol.TypeGetAllChannelsResponse).Decode(&resp))
	require.Len(t, resp.Channels, 1)
	assert.Equal(t, model.LobbyChannelID, resp.Channels[0].Channel.ID)
	require.Len(t, resp.Channels[0].Users, 1)
}

func TestChangeChannelUnknownTargetLandsInLobby(t *testing.T) {
	srv := startTestServer(t)
	tc := dialClient(t, srv)
	require.True(t, tc.login("", "").IsAuthenticated)

	tc.send(protocol.TypeUserChangeChannelRequest, protocol.UserChangeChannelRequest{ChannelID: 999})
	var moved model.UserSession
	require.NoError(t, tc.expect(protocol.TypeUserChangeChannelResponse).Decode(&moved))
	assert.Equal(t, model.LobbyChannelID, moved.ChannelID)
}

func TestRenameUnknownChannelNoResponse(t *testing.T) {
	srv := startTestServer(t)
	tc := dialClient(t, srv)
	require.True(t, tc.login("", "").IsAuthenticated)

	tc.send(protocol.TypeRenameChannelRequest, protocol.ChannelRequest{ID: 999, Name: "Ghost"})
	tc.expectNone(200 * time.Millisecond)
}

func TestDeleteChannelEvacuatesAndBroadcasts(t *testing.T) {
	srv := startTestServer(t)
	a := dialClient(t, srv)
	b := dialClient(t, srv)
	require.True(t, a.login("", "").IsAuthenticated)
	bResp := b.login("", "")
	require.True(t, bResp.IsAuthenticated)

	a.send(protocol.TypeCreateChannelRequest, protocol.ChannelRequest{Name: "Doomed"})
	var created protocol.CreateChannelResponse
	require.NoError(t, a.expect(protocol.TypeCreateChannelResponse).Decode(&created))
	require.True(t, created.Success)
	doomedID := created.Channel.Channel.ID

	b.send(protocol.TypeUserChangeChannelRequest, protocol.UserChangeChannelRequest{ChannelID: doomedID})
	a.expectMove(bResp.Session.ID, doomedID)

	a.send(protocol.TypeDeleteChannelRequest, protocol.ChannelRequest{ID: doomedID})

	var deleted protocol.DeleteChannelResponse
	require.NoError(t, b.expect(protocol.TypeDeleteChannelResponse).Decode(&deleted))
	assert.True(t, deleted.Success)
	assert.Equal(t, doomedID, deleted.ChannelID)
	require.Len(t, deleted.Channels, 1, "snapshot reflects the delete")
	assert.Equal(t, model.LobbyChannelID, deleted.Channels[0].Channel.ID)
	assert.Len(t, deleted.Channels[0].Users, 2, "evacuated member is back in the lobby")

	got, err := srv.store.FindUser(bResp.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LobbyChannelID, got.ChannelID)
}

func TestDeleteLobbyRefusedOverWire(t *testing.T) {
	srv := startTestServer(t)
	a := dialClient(t, srv)
	b := dialClient(t, srv)
	require.True(t, a.login("", "").IsAuthenticated)
	require.True(t, b.login("", "").IsAuthenticated)
	a.expect(protocol.TypeUserConnected)

	a.send(protocol.TypeDeleteChannelRequest, protocol.ChannelRequest{ID: model.LobbyChannelID})

	var resp protocol.DeleteChannelResponse
	require.NoError(t, a.expect(protocol.TypeDeleteChannelResponse).Decode(&resp))
	assert.False(t, resp.Success)

	// The refusal goes only to the requester.
	b.expectNone(200 * time.Millisecond)
}

func TestDisconnectBroadcastsUserDisconnected(t *testing.T) {
	srv := startTestServer(t)
	a := dialClient(t, srv)
	require.True(t, a.login("", "").IsAuthenticated)

	b := dialClient(t, srv)
	bResp := b.login("", "")
	require.True(t, bResp.IsAuthenticated)
	a.expect(protocol.TypeUserConnected)

	require.NoError(t, b.conn.Close())

	var gone model.UserSession
	require.NoError(t, a.expect(protocol.TypeUserDisconnected).Decode(&gone))
	assert.Equal(t, bResp.Session.ID, gone.ID)

	_, err := srv.store.FindUser(bResp.Session.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestUnauthenticatedDisconnectIsSilent(t *testing.T) {
	srv := startTestServer(t)
	a := dialClient(t, srv)
	require.True(t, a.login("", "").IsAuthenticated)

	// Connects, never authenticates, leaves.
	ghost := dialClient(t, srv)
	require.NoError(t, ghost.conn.Close())

	a.expectNone(300 * time.Millisecond)
}

func TestUnknownTypeKeepsConnectionAlive(t *testing.T) {
	srv := startTestServer(t)
	tc := dialClient(t, srv)
	require.True(t, tc.login("", "").IsAuthenticated)

	tc.send(protocol.MessageType("no_such_type"), nil)
	tc.send(protocol.TypeHello, nil)

	// The connection still serves requests after unknown and legacy types.
	tc.send(protocol.TypeGetAllChannelsRequest, nil)
	tc.expect(protocol.TypeGetAllChannelsResponse)
}

func TestChatBeforeLoginDropped(t *testing.T) {
	srv := startTestServer(t)
	a := dialClient(t, srv)
	require.True(t, a.login("", "").IsAuthenticated)

	b := dialClient(t, srv)
	b.send(protocol.TypeChat, protocol.ChatMessage{Text: "sneaky"})
	a.expectNone(200 * time.Millisecond)

	// The dropped message does not poison the connection.
	require.True(t, b.login("", "").IsAuthenticated)
}

func TestCreateUserOverWire(t *testing.T) {
	srv := startTestServer(t)
	tc := dialClient(t, srv)

	tc.send(protocol.TypeCreateUserRequest, protocol.CreateUserRequest{Username: "carol", Password: "pw"})
	var resp protocol.SimpleResponse
	require.NoError(t, tc.expect(protocol.TypeCreateUserResponse).Decode(&resp))
	assert.True(t, resp.Success)

	tc.send(protocol.TypeCreateUserRequest, protocol.CreateUserRequest{Username: "carol", Password: "pw"})
	require.NoError(t, tc.expect(protocol.TypeCreateUserResponse).Decode(&resp))
	assert.False(t, resp.Success, "duplicate username is rejected")

	login := tc.login("carol", "pw")
	assert.True(t, login.IsAuthenticated)
}

func TestChangeStatusBroadcast(t *testing.T) {
	srv := startTestServer(t)
	a := dialClient(t, srv)
	b := dialClient(t, srv)
	aResp := a.login("", "")
	require.True(t, aResp.IsAuthenticated)
	require.True(t, b.login("", "").IsAuthenticated)

	a.send(protocol.TypeUserChangeStatusRequest, protocol.UserChangeStatusRequest{Status: model.StatusAway})

	var snap model.UserSession
	require.NoError(t, b.expect(protocol.TypeUserChangeStatusResponse).Decode(&snap))
	assert.Equal(t, aResp.Session.ID, snap.ID)
	assert.Equal(t, model.StatusAway, snap.Status)

	// Invalid status values are dropped without a broadcast.
	a.send(protocol.TypeUserChangeStatusRequest, protocol.UserChangeStatusRequest{Status: model.UserStatus(42)})
	b.expectNone(200 * time.Millisecond)
}

func TestChatSanitized(t *testing.T) {
	srv := startTestServer(t)
	tc := dialClient(t, srv)
	require.True(t, tc.login("", "").IsAuthenticated)

	tc.send(protocol.TypeChat, protocol.ChatMessage{Text: "hi\x00there\x1b[31m"})
	var got protocol.ChatMessage
	require.NoError(t, tc.expect(protocol.TypeChat).Decode(&got))
	assert.Equal(t, "hithere[31m", got.Text)

	// Empty-after-trim lines are dropped entirely.
	tc.send(protocol.TypeChat, protocol.ChatMessage{Text: "   "})
	tc.expectNone(200 * time.Millisecond)
}
