package collab

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/avrellis/modelsync/pkg/errors"
	"github.com/avrellis/modelsync/pkg/metrics"
)

// SessionState tracks a session through its connection lifecycle.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateJoined
	StateReconnecting
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const writeWait = 10 * time.Second

// Session is one live connection instance. It is owned by the Manager; rooms
// and the presence tracker reference it by ID only. The outbound queue is
// bounded: a full queue marks the session as a stalled consumer and it is
// closed rather than allowed to block the room.
type Session struct {
	ID       string
	UserID   string
	TenantID string

	mu     sync.Mutex
	state  SessionState
	roomID string

	conn      *websocket.Conn
	send      chan ServerMessage
	closed    chan struct{}
	closeOnce sync.Once

	log *zap.Logger
}

func newSession(id string, conn *websocket.Conn, queueSize int, log *zap.Logger) *Session {
	return &Session{
		ID:     id,
		state:  StateConnecting,
		conn:   conn,
		send:   make(chan ServerMessage, queueSize),
		closed: make(chan struct{}),
		log:    log,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// RoomID returns the room the session is bound to, or empty before join.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *Session) setRoom(roomID string) {
	s.mu.Lock()
	s.roomID = roomID
	s.mu.Unlock()
}

// enqueue places a message on the session's outbound queue. A message racing
// with close is dropped. A full queue means the consumer has stalled: the
// session is closed so it cannot apply backpressure to the broadcaster.
func (s *Session) enqueue(msg ServerMessage) bool {
	select {
	case <-s.closed:
		return false
	default:
	}

	select {
	case s.send <- msg:
		return true
	case <-s.closed:
		return false
	default:
		metrics.QueueOverflows.Inc()
		s.log.Warn("closing stalled session",
			zap.String("session_id", s.ID),
			zap.String("user_id", s.UserID),
			zap.Error(errors.ErrQueueOverflow),
		)
		s.close()
		return false
	}
}

// close shuts the connection down exactly once. The send channel is never
// closed; writeLoop observes the closed signal instead, so concurrent
// enqueues cannot panic.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.closed)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// writeLoop drains the outbound queue onto the socket and keeps the
// connection alive with periodic pings. One writer goroutine per connection.
func (s *Session) writeLoop(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
