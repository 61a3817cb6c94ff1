package party

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/claudmaster/internal/visibility"
)

// writeTimeout bounds a single WebSocket send.
const writeTimeout = 5 * time.Second

// conn is one participant's live WebSocket connection. Outbound frames go
// through a bounded buffer drained by a single writer goroutine; the read
// loop runs on the HTTP handler goroutine.
type conn struct {
	srv *Server
	p   Participant
	ws  *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	buf      []Message
	wake     chan struct{}
	closed   bool
	lastSeen time.Time
}

func (c *conn) recipient() visibility.Recipient {
	return visibility.Recipient{ParticipantID: c.p.ID, Role: c.p.Role}
}

// enqueue buffers one outbound frame. When the buffer is full, combat state
// frames are coalesced down to the newest one; if the buffer is still full
// and the frame must not be dropped, the slow consumer is disconnected and
// catches up through replay on reconnect.
func (c *conn) enqueue(msg Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.buf) >= c.srv.sendBuffer {
		c.coalesceLocked()
	}
	if len(c.buf) >= c.srv.sendBuffer {
		switch msg.Type {
		case TypeCombatState, TypeAudio, TypePing:
			// Droppable: the newest state or the next heartbeat supersedes it.
			c.mu.Unlock()
			return
		default:
			c.mu.Unlock()
			c.srv.log.Warn("disconnecting slow party consumer",
				"participant_id", c.p.ID, "buffered", c.srv.sendBuffer)
			c.close("outbound buffer overflow")
			return
		}
	}
	c.buf = append(c.buf, msg)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// coalesceLocked drops all but the newest combat state frame and every
// stale audio frame from the buffer. Caller holds c.mu.
func (c *conn) coalesceLocked() {
	var lastCombat = -1
	for i := range c.buf {
		if c.buf[i].Type == TypeCombatState {
			lastCombat = i
		}
	}
	kept := c.buf[:0]
	for i, m := range c.buf {
		switch m.Type {
		case TypeCombatState:
			if i == lastCombat {
				kept = append(kept, m)
			}
		case TypeAudio, TypePing:
			// Dropped: audio is not replayable but also worthless late.
		default:
			kept = append(kept, m)
		}
	}
	c.buf = kept
}

func (c *conn) close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	_ = c.ws.Close(websocket.StatusNormalClosure, reason)
}

// writePump drains the outbound buffer. Runs on its own goroutine; exits on
// connection close.
func (c *conn) writePump() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			if len(c.buf) == 0 {
				c.mu.Unlock()
				break
			}
			msg := c.buf[0]
			c.buf = c.buf[1:]
			c.mu.Unlock()

			if err := c.write(msg); err != nil {
				c.close("write failed")
				return
			}
			if m := c.srv.metrics; m != nil {
				m.RecordWebsocketMessage(c.ctx, msg.Type)
			}
		}
	}
}

func (c *conn) write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// heartbeat pings on the server interval and disconnects a peer that has
// been silent for two intervals.
func (c *conn) heartbeat() {
	ticker := time.NewTicker(c.srv.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		stale := time.Since(c.lastSeen) > 2*c.srv.pingInterval
		c.mu.Unlock()
		if stale {
			c.srv.log.Info("party peer missed heartbeat", "participant_id", c.p.ID)
			c.close("heartbeat timeout")
			return
		}
		c.enqueue(Message{Type: TypePing})
	}
}

// handleWS upgrades the connection and runs the read loop until the peer
// disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authToken(w, r)
	if !ok {
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{
		srv:      s,
		p:        p,
		ws:       ws,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		lastSeen: time.Now(),
	}

	s.register(c)
	defer s.unregister(c)

	go c.writePump()
	go c.heartbeat()

	c.enqueue(Message{Type: TypeConnected, ParticipantID: p.ID})
	s.replayTo(c)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("invalid party frame", "participant_id", p.ID, "error", err)
			continue
		}
		c.handleInbound(msg)
	}
}

// handleInbound processes one client frame.
func (c *conn) handleInbound(msg Message) {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()

	switch msg.Type {
	case TypePong:
		if msg.Seq > 0 {
			c.srv.ack(c.p.ID, msg.Seq)
		}
	case TypePing:
		c.enqueue(Message{Type: TypePong})
	case TypeHistoryRequest:
		msgs, err := c.srv.Replay(c.p.ID, msg.After)
		if err != nil {
			c.srv.log.Warn("history replay failed",
				"participant_id", c.p.ID, "error", err)
			return
		}
		for _, m := range msgs {
			c.enqueue(m)
		}
	}
}

// register installs the connection, replacing (and closing) any previous
// connection for the same participant.
func (s *Server) register(c *conn) {
	s.mu.Lock()
	prev := s.conns[c.p.ID]
	s.conns[c.p.ID] = c
	s.mu.Unlock()

	if prev != nil {
		prev.close("superseded by new connection")
	}
	if s.metrics != nil {
		s.metrics.ActiveParticipants.Add(c.ctx, 1)
	}
	s.log.Info("party peer connected", "participant_id", c.p.ID, "role", c.p.Role)
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	if s.conns[c.p.ID] == c {
		delete(s.conns, c.p.ID)
	}
	s.mu.Unlock()

	c.close("connection closed")
	if s.metrics != nil {
		s.metrics.ActiveParticipants.Add(context.Background(), -1)
	}
	s.log.Info("party peer disconnected", "participant_id", c.p.ID)
}

// replayTo streams everything after the participant's acknowledged cursor.
func (s *Server) replayTo(c *conn) {
	s.mu.RLock()
	after := s.cursors[c.p.ID]
	s.mu.RUnlock()

	msgs, err := s.Replay(c.p.ID, after)
	if err != nil {
		s.log.Warn("reconnect replay failed", "participant_id", c.p.ID, "error", err)
		return
	}
	for _, m := range msgs {
		c.enqueue(m)
	}
}

// ack advances the participant's acknowledged-sequence cursor.
func (s *Server) ack(participantID string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.cursors[participantID] {
		s.cursors[participantID] = seq
	}
}
