package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/avrellis/modelsync/internal/collab"
)

const keyPrefix = "modelsync:presence:"

// RedisConfig captures connection parameters for the presence mirror.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	Timeout  time.Duration
}

// PresenceMirror replicates live presence into Redis so operators and other
// server instances can observe room membership. Each member holds a
// heartbeat key with a TTL; membership sets are reconciled by Sweep when
// heartbeat keys lapse. The in-memory tracker stays authoritative.
type PresenceMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPresenceMirror connects eagerly so misconfiguration surfaces at startup.
func NewPresenceMirror(cfg RedisConfig, ttl time.Duration) (*PresenceMirror, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis: address is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if ttl <= 0 {
		ttl = time.Minute
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &PresenceMirror{rdb: rdb, ttl: ttl}, nil
}

func roomSetKey(tenantID, roomID string) string {
	return keyPrefix + tenantID + ":" + roomID
}

func memberKey(tenantID, roomID, sessionID string) string {
	return roomSetKey(tenantID, roomID) + ":" + sessionID
}

// SetPresence upserts a member's record and refreshes its heartbeat TTL.
func (p *PresenceMirror) SetPresence(ctx context.Context, tenantID, roomID string, rec collab.PresenceRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("presence mirror: marshal: %w", err)
	}

	pipe := p.rdb.Pipeline()
	pipe.SAdd(ctx, roomSetKey(tenantID, roomID), rec.SessionID)
	pipe.Set(ctx, memberKey(tenantID, roomID, rec.SessionID), payload, p.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// RemovePresence drops a member from the mirrored room.
func (p *PresenceMirror) RemovePresence(ctx context.Context, tenantID, roomID, sessionID string) error {
	pipe := p.rdb.Pipeline()
	pipe.SRem(ctx, roomSetKey(tenantID, roomID), sessionID)
	pipe.Del(ctx, memberKey(tenantID, roomID, sessionID))
	_, err := pipe.Exec(ctx)
	return err
}

// Members returns the mirrored records for a room, skipping members whose
// heartbeat key has already lapsed.
func (p *PresenceMirror) Members(ctx context.Context, tenantID, roomID string) ([]collab.PresenceRecord, error) {
	ids, err := p.rdb.SMembers(ctx, roomSetKey(tenantID, roomID)).Result()
	if err != nil {
		return nil, err
	}

	records := make([]collab.PresenceRecord, 0, len(ids))
	for _, id := range ids {
		raw, err := p.rdb.Get(ctx, memberKey(tenantID, roomID, id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var rec collab.PresenceRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Sweep removes set members whose heartbeat keys expired and deletes empty
// room sets. Returns how many stale entries were dropped.
func (p *PresenceMirror) Sweep(ctx context.Context) (int, error) {
	removed := 0
	iter := p.rdb.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		setKey := iter.Val()
		if p.rdb.Type(ctx, setKey).Val() != "set" {
			continue
		}
		ids, err := p.rdb.SMembers(ctx, setKey).Result()
		if err != nil {
			return removed, err
		}
		for _, id := range ids {
			exists, err := p.rdb.Exists(ctx, setKey+":"+id).Result()
			if err != nil {
				return removed, err
			}
			if exists == 0 {
				if err := p.rdb.SRem(ctx, setKey, id).Err(); err != nil {
					return removed, err
				}
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	return removed, nil
}

// Close releases the Redis connection.
func (p *PresenceMirror) Close() error {
	return p.rdb.Close()
}
