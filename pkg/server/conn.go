package server

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/babblenet/babble/pkg/model"
	"github.com/babblenet/babble/pkg/protocol"
)

// Conn wraps one accepted socket with write synchronization. Many
// goroutines (the owning handler and concurrent broadcasters) may want to
// send on the same connection; the write mutex guarantees two messages
// never interleave their bytes on the wire. Reads happen only from the
// connection's own handler goroutine and need no synchronization.
type Conn struct {
	conn    net.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    atomic.Bool

	// session is set exactly once, at authentication. The fields of the
	// session itself are owned by the Store and only mutated there.
	session atomic.Pointer[model.UserSession]
}

// NewConn wraps an accepted net.Conn.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// ReadMessage blocks until the next message or a transport error.
func (c *Conn) ReadMessage() (*protocol.Message, error) {
	return protocol.ReadMessage(c.conn)
}

// WriteMessage encodes and sends one message, serialized against other
// writers on this connection.
func (c *Conn) WriteMessage(msg *protocol.Message) error {
	buf, err := msg.Encode()
	if err != nil {
		return err
	}
	return c.WriteBytes(buf)
}

// WriteBytes sends a pre-encoded frame. Used by the broadcast engine so the
// message is encoded once, not once per recipient.
func (c *Conn) WriteBytes(buf []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return net.ErrClosed
	}
	_, err := c.conn.Write(buf)
	return err
}

// Close closes the underlying socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

// IsConnected reports whether the connection has not been closed locally.
func (c *Conn) IsConnected() bool {
	return !c.closed.Load()
}

// Session returns the session attached at authentication, or nil if the
// connection never authenticated.
func (c *Conn) Session() *model.UserSession {
	return c.session.Load()
}

// SetSession attaches the authenticated session to the connection.
func (c *Conn) SetSession(sess *model.UserSession) {
	c.session.Store(sess)
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
