package collab

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avrellis/modelsync/pkg/metrics"
)

// PresenceRecord is a user's live cursor/selection state. It is mutated only
// by events from its owning session and read by all room members.
type PresenceRecord struct {
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	Cursor    *CursorPosition `json:"cursor,omitempty"`
	Selection *SelectionRange `json:"selection,omitempty"`
	LastSeen  time.Time       `json:"last_seen"`
}

// Mirror replicates presence into an external store for cross-instance
// visibility. Implementations are advisory: failures are logged, never
// propagated to clients.
type Mirror interface {
	SetPresence(ctx context.Context, tenantID, roomID string, rec PresenceRecord) error
	RemovePresence(ctx context.Context, tenantID, roomID, sessionID string) error
}

const mirrorTimeout = 2 * time.Second

// Tracker maintains per-room presence. Cursor updates are coalesced per
// session: within the configured window only the latest position is
// broadcast, bounding fan-out volume under rapid mouse movement.
type Tracker struct {
	mu      sync.Mutex
	rooms   map[string]map[string]*PresenceRecord // room key -> session ID -> record
	pending map[string]*time.Timer                // session ID -> coalesce timer

	window time.Duration
	now    func() time.Time
	mirror Mirror
	log    *zap.Logger
}

// NewTracker builds a presence tracker. mirror may be nil.
func NewTracker(coalesceWindow time.Duration, mirror Mirror, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		rooms:   make(map[string]map[string]*PresenceRecord),
		pending: make(map[string]*time.Timer),
		window:  coalesceWindow,
		now:     time.Now,
		mirror:  mirror,
		log:     log,
	}
}

// Register adds a session to a room's presence, notifies the existing
// members with user_joined, and returns the full snapshot the new member
// must receive so clients never start from an inconsistent view. A prior
// record (reconnect within the grace window) is restored in place of a
// blank one.
func (t *Tracker) Register(room *Room, sess *Session, prior *PresenceRecord) []PresenceRecord {
	rec := &PresenceRecord{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		LastSeen:  t.now(),
	}
	if prior != nil {
		rec.Cursor = prior.Cursor
		rec.Selection = prior.Selection
	}

	key := roomKey(room.TenantID, room.ID)

	t.mu.Lock()
	if t.rooms[key] == nil {
		t.rooms[key] = make(map[string]*PresenceRecord)
	}
	t.rooms[key][sess.ID] = rec
	snapshot := t.snapshotLocked(key)
	t.mu.Unlock()

	room.Broadcast(ServerMessage{
		Type:      MsgUserJoined,
		SessionID: sess.ID,
		UserID:    sess.UserID,
		RoomID:    room.ID,
		Cursor:    rec.Cursor,
		Selection: rec.Selection,
	}, sess.ID)

	t.mirrorSet(room.TenantID, room.ID, *rec)

	return snapshot
}

// UpdateCursor records a new cursor position and schedules a coalesced
// presence_update broadcast.
func (t *Tracker) UpdateCursor(room *Room, sessionID string, pos *CursorPosition, sel *SelectionRange) {
	key := roomKey(room.TenantID, room.ID)

	t.mu.Lock()
	members, ok := t.rooms[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	rec, ok := members[sessionID]
	if !ok {
		t.mu.Unlock()
		return
	}

	rec.Cursor = pos
	rec.Selection = sel
	rec.LastSeen = t.now()
	mirrored := *rec

	if t.window <= 0 {
		t.mu.Unlock()
		t.flush(room, sessionID)
		t.mirrorSet(room.TenantID, room.ID, mirrored)
		return
	}

	if _, scheduled := t.pending[sessionID]; scheduled {
		// a broadcast is already queued; the latest position wins
		metrics.CoalescedCursorUpdates.Inc()
		t.mu.Unlock()
		return
	}
	t.pending[sessionID] = time.AfterFunc(t.window, func() {
		t.mu.Lock()
		delete(t.pending, sessionID)
		t.mu.Unlock()
		t.flush(room, sessionID)
	})
	t.mu.Unlock()

	t.mirrorSet(room.TenantID, room.ID, mirrored)
}

// flush broadcasts the current record for a session to its room peers.
func (t *Tracker) flush(room *Room, sessionID string) {
	key := roomKey(room.TenantID, room.ID)

	t.mu.Lock()
	members, ok := t.rooms[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	rec, ok := members[sessionID]
	if !ok {
		t.mu.Unlock()
		return
	}
	msg := ServerMessage{
		Type:      MsgPresenceUpdate,
		SessionID: rec.SessionID,
		UserID:    rec.UserID,
		RoomID:    room.ID,
		Cursor:    rec.Cursor,
		Selection: rec.Selection,
	}
	t.mu.Unlock()

	room.Broadcast(msg, sessionID)
}

// Unregister removes a session's record. When notify is set the remaining
// members receive user_left. The record is returned so the connection
// manager can retain it across a reconnect window.
func (t *Tracker) Unregister(room *Room, sessionID string, notify bool) *PresenceRecord {
	key := roomKey(room.TenantID, room.ID)

	t.mu.Lock()
	if timer, ok := t.pending[sessionID]; ok {
		timer.Stop()
		delete(t.pending, sessionID)
	}

	var rec *PresenceRecord
	if members, ok := t.rooms[key]; ok {
		rec = members[sessionID]
		delete(members, sessionID)
		if len(members) == 0 {
			delete(t.rooms, key)
		}
	}
	t.mu.Unlock()

	if rec == nil {
		return nil
	}

	if notify {
		room.Broadcast(ServerMessage{
			Type:      MsgUserLeft,
			SessionID: rec.SessionID,
			UserID:    rec.UserID,
			RoomID:    room.ID,
		}, sessionID)
	}

	t.mirrorRemove(room.TenantID, room.ID, sessionID)

	return rec
}

// DropRoom discards every record for a room at once, used when the room is
// force-removed after an invariant violation. Members were already told to
// rejoin; no user_left frames are sent.
func (t *Tracker) DropRoom(tenantID, roomID string) {
	key := roomKey(tenantID, roomID)

	t.mu.Lock()
	members := t.rooms[key]
	delete(t.rooms, key)
	for sessionID := range members {
		if timer, ok := t.pending[sessionID]; ok {
			timer.Stop()
			delete(t.pending, sessionID)
		}
	}
	t.mu.Unlock()

	for sessionID := range members {
		t.mirrorRemove(tenantID, roomID, sessionID)
	}
}

// Snapshot returns every presence record for a room, ordered by session ID.
func (t *Tracker) Snapshot(tenantID, roomID string) []PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(roomKey(tenantID, roomID))
}

func (t *Tracker) snapshotLocked(key string) []PresenceRecord {
	members := t.rooms[key]
	records := make([]PresenceRecord, 0, len(members))
	for _, rec := range members {
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].SessionID < records[j].SessionID })
	return records
}

func (t *Tracker) mirrorSet(tenantID, roomID string, rec PresenceRecord) {
	if t.mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := t.mirror.SetPresence(ctx, tenantID, roomID, rec); err != nil {
			t.log.Debug("presence mirror set failed", zap.Error(err))
		}
	}()
}

func (t *Tracker) mirrorRemove(tenantID, roomID, sessionID string) {
	if t.mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := t.mirror.RemovePresence(ctx, tenantID, roomID, sessionID); err != nil {
			t.log.Debug("presence mirror remove failed", zap.Error(err))
		}
	}()
}
