package collab

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avrellis/modelsync/pkg/metrics"
)

// Registry owns every live room, sharded by tenant+room key so that room
// creation in one shard never contends with another. At most one Room
// instance exists per (tenant, room) pair; concurrent creates serialize on
// the shard lock and observe the same instance.
//
// Destruction is deferred and cancellable: when the last member leaves, a
// grace timer starts, and a join inside the window reuses the room with its
// document and counters intact.
type Registry struct {
	shards []*registryShard
	grace  time.Duration
	now    func() time.Time
	log    *zap.Logger
}

type registryShard struct {
	mu    sync.Mutex
	rooms map[string]*roomEntry
}

type roomEntry struct {
	room         *Room
	destroyTimer *time.Timer
	// destroyGen identifies the live destroy schedule. A fired callback
	// carries the generation it was armed with; a mismatch means a join
	// cancelled (or replaced) the schedule while the callback waited on
	// the shard lock.
	destroyGen uint64
}

// NewRegistry builds a registry with the given shard count and destroy grace.
func NewRegistry(shardCount int, grace time.Duration, log *zap.Logger) *Registry {
	if shardCount < 1 {
		shardCount = 1
	}
	if log == nil {
		log = zap.NewNop()
	}

	shards := make([]*registryShard, shardCount)
	for i := range shards {
		shards[i] = &registryShard{rooms: make(map[string]*roomEntry)}
	}
	return &Registry{
		shards: shards,
		grace:  grace,
		now:    time.Now,
		log:    log,
	}
}

func roomKey(tenantID, roomID string) string {
	return tenantID + "\x00" + roomID
}

func (g *Registry) shardFor(key string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return g.shards[h.Sum32()%uint32(len(g.shards))]
}

// GetOrCreate returns the room for (tenantID, roomID), creating it lazily on
// first join. A pending destroy timer for the room is cancelled.
func (g *Registry) GetOrCreate(tenantID, roomID string) *Room {
	key := roomKey(tenantID, roomID)
	shard := g.shardFor(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if entry, ok := shard.rooms[key]; ok {
		if entry.destroyTimer != nil {
			entry.destroyTimer.Stop()
			entry.destroyTimer = nil
			g.log.Debug("room destruction cancelled",
				zap.String("tenant_id", tenantID),
				zap.String("room_id", roomID),
			)
		}
		return entry.room
	}

	room := newRoom(tenantID, roomID, g.now())
	shard.rooms[key] = &roomEntry{room: room}
	metrics.OpenRooms.Inc()
	g.log.Info("room created",
		zap.String("tenant_id", tenantID),
		zap.String("room_id", roomID),
	)
	return room
}

// Get looks a room up without creating it. Lookup is always tenant-scoped;
// no cross-tenant access path exists.
func (g *Registry) Get(tenantID, roomID string) (*Room, bool) {
	key := roomKey(tenantID, roomID)
	shard := g.shardFor(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.rooms[key]
	if !ok {
		return nil, false
	}
	return entry.room, true
}

// Release removes a session from a room. When the room empties, destruction
// is scheduled after the grace period to absorb rapid reconnects.
func (g *Registry) Release(room *Room, sessionID string) {
	remaining := room.removeMember(sessionID, g.now())
	if remaining > 0 {
		return
	}
	g.scheduleDestroy(room)
}

func (g *Registry) scheduleDestroy(room *Room) {
	key := roomKey(room.TenantID, room.ID)
	shard := g.shardFor(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.rooms[key]
	if !ok || entry.room != room {
		return
	}
	if entry.destroyTimer != nil {
		return
	}

	entry.destroyGen++
	gen := entry.destroyGen
	entry.destroyTimer = time.AfterFunc(g.grace, func() {
		g.removeIfEmpty(room, gen)
	})
}

func (g *Registry) removeIfEmpty(room *Room, gen uint64) {
	key := roomKey(room.TenantID, room.ID)
	shard := g.shardFor(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.rooms[key]
	if !ok || entry.room != room {
		return
	}
	if entry.destroyTimer == nil || entry.destroyGen != gen {
		// the schedule this callback belongs to was cancelled
		return
	}
	if room.MemberCount() > 0 {
		entry.destroyTimer = nil
		return
	}

	delete(shard.rooms, key)
	metrics.OpenRooms.Dec()
	g.log.Info("room destroyed",
		zap.String("tenant_id", room.TenantID),
		zap.String("room_id", room.ID),
	)
}

// Remove force-drops a room regardless of pending timers, used when a room
// fails its invariants. Members must already have been told to rejoin.
func (g *Registry) Remove(tenantID, roomID string) {
	key := roomKey(tenantID, roomID)
	shard := g.shardFor(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.rooms[key]
	if !ok {
		return
	}
	if entry.destroyTimer != nil {
		entry.destroyTimer.Stop()
	}
	delete(shard.rooms, key)
	metrics.OpenRooms.Dec()
}

// RoomsForTenant lists room summaries for one tenant, ordered by room ID.
func (g *Registry) RoomsForTenant(tenantID string) []RoomInfo {
	var infos []RoomInfo
	for _, shard := range g.shards {
		shard.mu.Lock()
		for _, entry := range shard.rooms {
			if entry.room.TenantID == tenantID {
				infos = append(infos, entry.room.Info())
			}
		}
		shard.mu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Count returns the number of live rooms.
func (g *Registry) Count() int {
	total := 0
	for _, shard := range g.shards {
		shard.mu.Lock()
		total += len(shard.rooms)
		shard.mu.Unlock()
	}
	return total
}

// Sweep drops rooms that have sat empty beyond the grace period. It backs up
// the per-room destroy timers; a room with members is never touched.
func (g *Registry) Sweep() int {
	cutoff := g.now().Add(-g.grace)
	removed := 0

	for _, shard := range g.shards {
		shard.mu.Lock()
		for key, entry := range shard.rooms {
			room := entry.room
			if room.MemberCount() > 0 {
				continue
			}
			if room.LastActivity().After(cutoff) {
				continue
			}
			if entry.destroyTimer != nil {
				entry.destroyTimer.Stop()
			}
			delete(shard.rooms, key)
			metrics.OpenRooms.Dec()
			removed++
		}
		shard.mu.Unlock()
	}
	return removed
}
