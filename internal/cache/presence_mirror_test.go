package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/avrellis/modelsync/internal/collab"
)

func newTestMirror(t *testing.T) (*PresenceMirror, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	mirror, err := NewPresenceMirror(RedisConfig{Address: mr.Addr()}, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mirror.Close() })
	return mirror, mr
}

func TestNewPresenceMirrorRequiresAddress(t *testing.T) {
	_, err := NewPresenceMirror(RedisConfig{}, time.Minute)
	require.Error(t, err)
}

func TestSetAndGetMembers(t *testing.T) {
	mirror, _ := newTestMirror(t)
	ctx := context.Background()

	rec := collab.PresenceRecord{
		SessionID: "s1",
		UserID:    "alice",
		Cursor:    &collab.CursorPosition{X: 3, Y: 4},
	}
	require.NoError(t, mirror.SetPresence(ctx, "t1", "r1", rec))

	members, err := mirror.Members(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "alice", members[0].UserID)
	require.Equal(t, 3, members[0].Cursor.X)
}

func TestRemovePresence(t *testing.T) {
	mirror, _ := newTestMirror(t)
	ctx := context.Background()

	require.NoError(t, mirror.SetPresence(ctx, "t1", "r1", collab.PresenceRecord{SessionID: "s1", UserID: "alice"}))
	require.NoError(t, mirror.RemovePresence(ctx, "t1", "r1", "s1"))

	members, err := mirror.Members(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Empty(t, members)
}

func TestMembersSkipsLapsedHeartbeats(t *testing.T) {
	mirror, mr := newTestMirror(t)
	ctx := context.Background()

	require.NoError(t, mirror.SetPresence(ctx, "t1", "r1", collab.PresenceRecord{SessionID: "s1", UserID: "alice"}))
	require.NoError(t, mirror.SetPresence(ctx, "t1", "r1", collab.PresenceRecord{SessionID: "s2", UserID: "bob"}))

	// s1's heartbeat key lapses
	mr.FastForward(2 * time.Minute)
	require.NoError(t, mirror.SetPresence(ctx, "t1", "r1", collab.PresenceRecord{SessionID: "s2", UserID: "bob"}))

	members, err := mirror.Members(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "bob", members[0].UserID)
}

func TestSweepReconcilesStaleMembers(t *testing.T) {
	mirror, mr := newTestMirror(t)
	ctx := context.Background()

	require.NoError(t, mirror.SetPresence(ctx, "t1", "r1", collab.PresenceRecord{SessionID: "s1", UserID: "alice"}))
	mr.FastForward(2 * time.Minute)
	require.NoError(t, mirror.SetPresence(ctx, "t1", "r1", collab.PresenceRecord{SessionID: "s2", UserID: "bob"}))

	removed, err := mirror.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	members, err := mirror.Members(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Len(t, members, 1)
}

func TestTenantsUseSeparateKeys(t *testing.T) {
	mirror, _ := newTestMirror(t)
	ctx := context.Background()

	require.NoError(t, mirror.SetPresence(ctx, "t1", "model", collab.PresenceRecord{SessionID: "s1", UserID: "alice"}))

	members, err := mirror.Members(ctx, "t2", "model")
	require.NoError(t, err)
	require.Empty(t, members)
}
