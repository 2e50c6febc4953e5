package server

import (
	"log/slog"
	"sync"

	"github.com/babblenet/babble/pkg/protocol"
)

// broadcastAll fans a message out to every registered connection.
// source is skipped unless includeSelf is set; a nil source sends to all.
func (s *Server) broadcastAll(source *Conn, msg *protocol.Message, includeSelf bool) {
	s.broadcast(source, s.registry.All(), msg, includeSelf)
}

// broadcastChannel fans a message out to the connections whose session is
// currently a member of the channel. The target set is computed fresh at
// call time by joining the registry snapshot against the store; it is never
// cached.
func (s *Server) broadcastChannel(source *Conn, channelID int64, msg *protocol.Message, includeSelf bool) {
	members := s.store.MemberIDs(channelID)
	if len(members) == 0 {
		slog.Debug("no members to broadcast to", "channel", channelID, "type", msg.Type)
		return
	}

	var targets []*Conn
	for _, c := range s.registry.All() {
		sess := c.Session()
		if sess == nil {
			continue
		}
		if _, ok := members[sess.ID]; ok {
			targets = append(targets, c)
		}
	}
	s.broadcast(source, targets, msg, includeSelf)
}

// broadcast sends one message to each target concurrently. The message is
// encoded once; each recipient gets the same bytes through its own
// serialized writer. A write failure on one target is logged and never
// affects delivery to the others or the caller. Delivery order across
// targets is unspecified.
func (s *Server) broadcast(source *Conn, targets []*Conn, msg *protocol.Message, includeSelf bool) {
	buf, err := msg.Encode()
	if err != nil {
		slog.Error("broadcast encode failed", "type", msg.Type, "err", err)
		return
	}

	s.metrics.BroadcastsTotal.Inc()

	var wg sync.WaitGroup
	for _, c := range targets {
		if !includeSelf && c == source {
			continue
		}
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			if err := c.WriteBytes(buf); err != nil {
				s.metrics.BroadcastErrorsTotal.Inc()
				slog.Warn("broadcast write failed", "type", msg.Type, "remote", c.RemoteAddr(), "err", err)
				return
			}
			s.metrics.BroadcastSendsTotal.Inc()
		}(c)
	}
	wg.Wait()
}
