package collab

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/avrellis/modelsync/pkg/errors"
	"github.com/avrellis/modelsync/pkg/metrics"
)

// UpdateEvent is a single field-level write. Seq is assigned by the room
// when the event is accepted; the event is immutable afterwards.
type UpdateEvent struct {
	RoomID      string
	SessionID   string
	FieldPath   string
	Value       json.RawMessage
	ClientClock uint64
	Seq         uint64
}

// RejectInfo describes why an update was refused, carrying the authoritative
// value so the sender can reconcile instead of silently diverging.
type RejectInfo struct {
	FieldPath   string
	ClientClock uint64
	LastClock   uint64
	Value       json.RawMessage
	Seq         uint64
}

// RoomInfo is a read-only summary for the introspection API and health.
type RoomInfo struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Members      int       `json:"members"`
	Seq          uint64    `json:"seq"`
	Version      uint64    `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Room is one collaboration context: a tenant-scoped model document plus
// the sessions editing it. The document, field clocks and counters are only
// touched under the room's own mutex, so Apply calls for the same room are
// strictly ordered while different rooms proceed fully in parallel. Fan-out
// runs inside the same critical section against each peer's bounded queue;
// since enqueue never blocks, one slow subscriber cannot hold the room.
type Room struct {
	ID        string
	TenantID  string
	CreatedAt time.Time

	mu           sync.Mutex
	doc          map[string]json.RawMessage
	fieldClocks  map[string]uint64
	version      uint64
	seq          uint64
	members      map[string]*Session
	lastActivity time.Time
	failed       bool
}

func newRoom(tenantID, id string, now time.Time) *Room {
	return &Room{
		ID:           id,
		TenantID:     tenantID,
		CreatedAt:    now,
		doc:          make(map[string]json.RawMessage),
		fieldClocks:  make(map[string]uint64),
		members:      make(map[string]*Session),
		lastActivity: now,
	}
}

// Apply runs the last-writer-wins conflict check, mutates the document and
// assigns the next sequence number, then fans the accepted update out to
// every joined session except the origin. On staleness it returns
// ErrRejectedStale together with the authoritative state for the echo.
func (r *Room) Apply(ev *UpdateEvent, now time.Time) (*RejectInfo, error) {
	r.mu.Lock()
	if r.failed {
		r.mu.Unlock()
		return nil, errors.ErrRoomFailed
	}

	if last, ok := r.fieldClocks[ev.FieldPath]; ok && ev.ClientClock <= last {
		reject := &RejectInfo{
			FieldPath:   ev.FieldPath,
			ClientClock: ev.ClientClock,
			LastClock:   last,
			Value:       r.doc[ev.FieldPath],
			Seq:         r.seq,
		}
		r.mu.Unlock()
		metrics.FieldUpdates.WithLabelValues("rejected_stale").Inc()
		return reject, errors.ErrRejectedStale
	}

	prev := r.seq
	r.seq++
	if r.seq <= prev {
		// sequence counter corruption is fatal for this room only
		r.failed = true
		peers := r.membersLocked("")
		r.mu.Unlock()
		r.notifyFailed(peers)
		return nil, errors.ErrRoomFailed
	}

	r.doc[ev.FieldPath] = ev.Value
	r.fieldClocks[ev.FieldPath] = ev.ClientClock
	r.version++
	r.lastActivity = now
	ev.Seq = r.seq

	// Enqueue to peers while still holding the lock so frames land in each
	// subscriber's queue in seq order. enqueue never blocks; a full queue
	// closes that peer instead of stalling the room.
	msg := ServerMessage{
		Type:        MsgFieldUpdate,
		SessionID:   ev.SessionID,
		RoomID:      r.ID,
		FieldPath:   ev.FieldPath,
		Value:       ev.Value,
		ClientClock: ev.ClientClock,
		Seq:         ev.Seq,
	}
	delivered := 0
	for id, peer := range r.members {
		if id == ev.SessionID {
			continue
		}
		if peer.enqueue(msg) {
			delivered++
		}
	}
	r.mu.Unlock()

	metrics.FieldUpdates.WithLabelValues("accepted").Inc()
	metrics.BroadcastMessages.WithLabelValues(MsgFieldUpdate).Add(float64(delivered))

	return nil, nil
}

// Broadcast enqueues a message to every member except the excluded session.
// Delivery happens under the room lock so frames from concurrent broadcasts
// reach every subscriber in the same order.
func (r *Room) Broadcast(msg ServerMessage, excludeSessionID string) {
	r.mu.Lock()
	delivered := 0
	for id, peer := range r.members {
		if id == excludeSessionID {
			continue
		}
		if peer.enqueue(msg) {
			delivered++
		}
	}
	r.mu.Unlock()

	metrics.BroadcastMessages.WithLabelValues(msg.Type).Add(float64(delivered))
}

// membersLocked snapshots the member list, minus one session. Callers hold r.mu.
func (r *Room) membersLocked(exclude string) []*Session {
	peers := make([]*Session, 0, len(r.members))
	for id, sess := range r.members {
		if id == exclude {
			continue
		}
		peers = append(peers, sess)
	}
	return peers
}

func (r *Room) addMember(s *Session, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed {
		return errors.ErrRoomFailed
	}
	r.members[s.ID] = s
	r.lastActivity = now
	return nil
}

// removeMember drops a session from the room and reports how many remain.
func (r *Room) removeMember(sessionID string, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, sessionID)
	r.lastActivity = now
	return len(r.members)
}

// MemberCount returns the number of joined sessions.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// MemberIDs returns the joined session IDs in stable order.
func (r *Room) MemberIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot copies the document plus counters for snapshot delivery. Recovery
// cost is bounded by document size, never by update history.
func (r *Room) Snapshot() (map[string]json.RawMessage, uint64, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := make(map[string]json.RawMessage, len(r.doc))
	for path, value := range r.doc {
		doc[path] = value
	}
	return doc, r.version, r.seq
}

// Seq returns the last assigned sequence number.
func (r *Room) Seq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Failed reports whether the room was torn down after an invariant violation.
func (r *Room) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// Info returns a read-only summary of the room.
func (r *Room) Info() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RoomInfo{
		ID:           r.ID,
		TenantID:     r.TenantID,
		Members:      len(r.members),
		Seq:          r.seq,
		Version:      r.version,
		CreatedAt:    r.CreatedAt,
		LastActivity: r.lastActivity,
	}
}

// LastActivity returns the room's last mutation or membership change time.
func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// notifyFailed tells every member to rejoin; the room is never left
// silently stale.
func (r *Room) notifyFailed(peers []*Session) {
	msg := ServerMessage{
		Type:    MsgError,
		Code:    errors.ErrRoomFailed.Code,
		Message: errors.ErrRoomFailed.Message,
		RoomID:  r.ID,
	}
	for _, peer := range peers {
		peer.enqueue(msg)
	}
}
