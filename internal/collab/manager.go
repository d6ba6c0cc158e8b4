package collab

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/avrellis/modelsync/internal/auth"
	"github.com/avrellis/modelsync/pkg/errors"
	"github.com/avrellis/modelsync/pkg/metrics"
)

// Settings tunes the collaboration engine.
type Settings struct {
	HeartbeatInterval    time.Duration
	MissedHeartbeatLimit int
	ReconnectGrace       time.Duration
	SendQueueSize        int
	MaxMessageBytes      int64
}

// retainedPresence preserves a departed session's presence for the
// reconnect grace window so a quick reconnect resumes with its prior cursor
// instead of a blank one.
type retainedPresence struct {
	record *PresenceRecord
	timer  *time.Timer
}

// Manager accepts connections, drives the handshake state machine, binds
// sessions to rooms and supervises their lifecycle including reconnection.
// It owns every Session; everything else references sessions by ID.
type Manager struct {
	settings Settings
	verifier auth.Verifier
	registry *Registry
	presence *Tracker
	upgrader websocket.Upgrader
	log      *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	retained map[string]*retainedPresence // tenant|user|room
}

// NewManager wires the connection manager.
func NewManager(settings Settings, verifier auth.Verifier, registry *Registry, presence *Tracker, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		settings: settings,
		verifier: verifier,
		registry: registry,
		presence: presence,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Allow same-origin requests and explicit localhost development.
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				requestHost := hostWithoutPort(r.Host)
				return originHost == requestHost || isLoopback(originHost)
			},
		},
		log:      log,
		now:      time.Now,
		sessions: make(map[string]*Session),
		retained: make(map[string]*retainedPresence),
	}
}

func (m *Manager) readDeadline() time.Duration {
	return m.settings.HeartbeatInterval * time.Duration(m.settings.MissedHeartbeatLimit)
}

// HandleWS upgrades the HTTP request and runs the session until the
// connection ends. Authentication happens in-band: the first frame must be
// an auth message.
func (m *Manager) HandleWS(c *gin.Context) {
	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := newSession(uuid.NewString(), conn, m.settings.SendQueueSize, m.log)
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	metrics.ActiveSessions.WithLabelValues("pending").Inc()

	pingPeriod := m.readDeadline() * 9 / 10
	go sess.writeLoop(pingPeriod)

	m.readLoop(sess, m.now())
}

func (m *Manager) readLoop(sess *Session, acceptedAt time.Time) {
	defer m.cleanup(sess)

	conn := sess.conn
	conn.SetReadLimit(m.settings.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(m.readDeadline()))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.readDeadline()))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				m.log.Info("session presumed dead",
					zap.String("session_id", sess.ID),
					zap.String("user_id", sess.UserID),
					zap.Error(errors.ErrHeartbeatTimeout),
				)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.log.Debug("session closed unexpectedly",
					zap.String("session_id", sess.ID),
					zap.Error(err),
				)
			}
			return
		}
		// any inbound traffic counts as liveness
		_ = conn.SetReadDeadline(time.Now().Add(m.readDeadline()))

		msg, err := DecodeClientMessage(payload)
		if err != nil {
			sess.enqueue(ServerMessage{
				Type:    MsgError,
				Code:    errors.ErrProtocolViolation.Code,
				Message: err.Error(),
			})
			continue
		}

		if fatal := m.dispatch(sess, msg, acceptedAt); fatal != nil {
			sess.enqueue(ServerMessage{
				Type:    MsgError,
				Code:    fatal.Code,
				Message: fatal.Message,
			})
			return
		}
	}
}

// dispatch handles one inbound message. A non-nil return refuses the
// connection; recoverable conditions are answered in-band instead.
func (m *Manager) dispatch(sess *Session, msg *ClientMessage, acceptedAt time.Time) *errors.AppError {
	if sess.UserID == "" && msg.Type != MsgAuth {
		return errors.ErrProtocolViolation.WithMessage("auth must precede all other messages")
	}

	switch msg.Type {
	case MsgAuth:
		return m.handleAuth(sess, msg)
	case MsgJoinRoom:
		return m.handleJoin(sess, msg, acceptedAt)
	case MsgCursorUpdate:
		m.handleCursor(sess, msg)
		return nil
	case MsgFieldUpdate:
		return m.handleFieldUpdate(sess, msg)
	case MsgHeartbeat:
		// the read deadline was already reset; nothing else to do
		return nil
	case MsgLeaveRoom:
		m.handleLeave(sess, msg)
		return nil
	}
	return errors.ErrProtocolViolation
}

func (m *Manager) handleAuth(sess *Session, msg *ClientMessage) *errors.AppError {
	if sess.UserID != "" {
		sess.enqueue(ServerMessage{
			Type:    MsgError,
			Code:    errors.ErrProtocolViolation.Code,
			Message: "session already authenticated",
		})
		return nil
	}

	id, err := m.verifier.Verify(msg.Token)
	if err != nil {
		m.log.Info("authentication refused", zap.Error(err))
		return errors.ErrAuthFailed
	}

	sess.UserID = id.UserID
	sess.TenantID = id.TenantID
	sess.enqueue(ServerMessage{
		Type:      MsgAuthAck,
		SessionID: sess.ID,
		UserID:    sess.UserID,
	})
	return nil
}

func (m *Manager) handleJoin(sess *Session, msg *ClientMessage, acceptedAt time.Time) *errors.AppError {
	// the tenant claim is authoritative; an explicit tenant_id that
	// disagrees with it is refused outright
	if msg.TenantID != "" && msg.TenantID != sess.TenantID {
		m.log.Warn("tenant mismatch on join",
			zap.String("session_id", sess.ID),
			zap.String("claimed", sess.TenantID),
			zap.String("requested", msg.TenantID),
		)
		return errors.ErrTenantMismatch
	}
	if msg.UserID != "" && msg.UserID != sess.UserID {
		return errors.ErrAuthFailed.WithMessage("user_id does not match authenticated identity")
	}
	if sess.RoomID() != "" {
		sess.enqueue(ServerMessage{
			Type:    MsgError,
			Code:    errors.ErrProtocolViolation.Code,
			Message: "already joined a room; leave_room first",
		})
		return nil
	}

	room := m.registry.GetOrCreate(sess.TenantID, msg.RoomID)
	if err := room.addMember(sess, m.now()); err != nil {
		return errors.ErrRoomFailed
	}
	sess.setRoom(room.ID)
	sess.setState(StateJoined)

	prior := m.claimRetained(sess.TenantID, sess.UserID, room.ID)
	presence := m.presence.Register(room, sess, prior)

	doc, version, seq := room.Snapshot()
	sess.enqueue(ServerMessage{
		Type:     MsgRoomSnapshot,
		RoomID:   room.ID,
		Document: doc,
		Presence: presence,
		Seq:      seq,
		Version:  version,
	})

	metrics.ActiveSessions.WithLabelValues("pending").Dec()
	metrics.ActiveSessions.WithLabelValues("joined").Inc()
	metrics.HandshakeLatency.Observe(m.now().Sub(acceptedAt).Seconds())

	m.log.Info("session joined room",
		zap.String("session_id", sess.ID),
		zap.String("user_id", sess.UserID),
		zap.String("tenant_id", sess.TenantID),
		zap.String("room_id", room.ID),
		zap.Bool("reconnect", prior != nil),
	)
	return nil
}

func (m *Manager) handleCursor(sess *Session, msg *ClientMessage) {
	room, ok := m.boundRoom(sess, msg.RoomID)
	if !ok {
		return
	}
	m.presence.UpdateCursor(room, sess.ID, msg.Position, msg.Selection)
}

func (m *Manager) handleFieldUpdate(sess *Session, msg *ClientMessage) *errors.AppError {
	room, ok := m.boundRoom(sess, msg.RoomID)
	if !ok {
		return nil
	}

	ev := &UpdateEvent{
		RoomID:      room.ID,
		SessionID:   sess.ID,
		FieldPath:   msg.FieldPath,
		Value:       msg.Value,
		ClientClock: msg.ClientClock,
	}

	reject, err := room.Apply(ev, m.now())
	switch {
	case err == nil:
		return nil
	case errors.FromError(err).Code == errors.ErrRejectedStale.Code:
		// echoed only to the sender so the client can reconcile
		sess.enqueue(ServerMessage{
			Type:        MsgFieldUpdateReject,
			RoomID:      room.ID,
			FieldPath:   reject.FieldPath,
			Value:       reject.Value,
			ClientClock: reject.ClientClock,
			Seq:         reject.Seq,
		})
		return nil
	default:
		// room invariants are gone; tear it down and make everyone rejoin
		m.registry.Remove(room.TenantID, room.ID)
		m.presence.DropRoom(room.TenantID, room.ID)
		return errors.ErrRoomFailed
	}
}

func (m *Manager) handleLeave(sess *Session, msg *ClientMessage) {
	room, ok := m.boundRoom(sess, msg.RoomID)
	if !ok {
		return
	}

	m.presence.Unregister(room, sess.ID, true)
	m.registry.Release(room, sess.ID)
	sess.setRoom("")
	sess.setState(StateConnecting)

	metrics.ActiveSessions.WithLabelValues("joined").Dec()
	metrics.ActiveSessions.WithLabelValues("pending").Inc()

	m.log.Info("session left room",
		zap.String("session_id", sess.ID),
		zap.String("room_id", room.ID),
	)
}

// boundRoom resolves the room a message targets, answering with a protocol
// error when the session is not joined to it.
func (m *Manager) boundRoom(sess *Session, roomID string) (*Room, bool) {
	bound := sess.RoomID()
	if bound == "" || bound != roomID {
		sess.enqueue(ServerMessage{
			Type:    MsgError,
			Code:    errors.ErrRoomNotFound.Code,
			Message: "session is not joined to this room",
			RoomID:  roomID,
		})
		return nil, false
	}

	room, ok := m.registry.Get(sess.TenantID, roomID)
	if !ok {
		sess.enqueue(ServerMessage{
			Type:    MsgError,
			Code:    errors.ErrRoomNotFound.Code,
			Message: "room no longer exists",
			RoomID:  roomID,
		})
		return nil, false
	}
	return room, true
}

// cleanup tears a session down after its reader exits: presence retention
// for the reconnect grace window, room release, peer notification. Peers
// see user_left; a reconnect within the window restores the prior record.
func (m *Manager) cleanup(sess *Session) {
	label := "pending"
	if roomID := sess.RoomID(); roomID != "" {
		label = "joined"
		sess.setState(StateReconnecting)
		if room, ok := m.registry.Get(sess.TenantID, roomID); ok {
			rec := m.presence.Unregister(room, sess.ID, true)
			if rec != nil {
				m.retain(sess.TenantID, sess.UserID, roomID, rec)
			}
			m.registry.Release(room, sess.ID)
		}
		sess.setRoom("")
	}

	m.mu.Lock()
	delete(m.sessions, sess.ID)
	m.mu.Unlock()

	sess.close()
	metrics.ActiveSessions.WithLabelValues(label).Dec()

	m.log.Info("session closed",
		zap.String("session_id", sess.ID),
		zap.String("user_id", sess.UserID),
	)
}

func retainKey(tenantID, userID, roomID string) string {
	return tenantID + "\x00" + userID + "\x00" + roomID
}

func (m *Manager) retain(tenantID, userID, roomID string, rec *PresenceRecord) {
	key := retainKey(tenantID, userID, roomID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.retained[key]; ok {
		prev.timer.Stop()
	}
	entry := &retainedPresence{record: rec}
	entry.timer = time.AfterFunc(m.settings.ReconnectGrace, func() {
		m.mu.Lock()
		if m.retained[key] == entry {
			delete(m.retained, key)
		}
		m.mu.Unlock()
	})
	m.retained[key] = entry
}

// claimRetained consumes a retained presence record for user+room, if one
// survived the grace window.
func (m *Manager) claimRetained(tenantID, userID, roomID string) *PresenceRecord {
	key := retainKey(tenantID, userID, roomID)

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.retained[key]
	if !ok {
		return nil
	}
	entry.timer.Stop()
	delete(m.retained, key)
	return entry.record
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown notifies every session and closes it. Used on process exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.enqueue(ServerMessage{
			Type:    MsgError,
			Code:    "SERVER_SHUTDOWN",
			Message: "server is shutting down, reconnect shortly",
		})
		sess.close()
	}
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
