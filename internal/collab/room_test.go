package collab

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/avrellis/modelsync/pkg/errors"
)

func raw(v string) json.RawMessage {
	return json.RawMessage(v)
}

func applyUpdate(t *testing.T, room *Room, sessionID, field, value string, clock uint64) (*RejectInfo, error) {
	t.Helper()
	ev := &UpdateEvent{
		RoomID:      room.ID,
		SessionID:   sessionID,
		FieldPath:   field,
		Value:       raw(value),
		ClientClock: clock,
	}
	reject, err := room.Apply(ev, time.Now())
	if err == nil {
		require.NotZero(t, ev.Seq)
	}
	return reject, err
}

func TestApplySequenceIsStrictlyIncreasingAndGapless(t *testing.T) {
	room := newRoom("t1", "r1", time.Now())
	a := newTestSession(t, "a", 64)
	require.NoError(t, room.addMember(a, time.Now()))

	for i := uint64(1); i <= 50; i++ {
		ev := &UpdateEvent{RoomID: "r1", SessionID: a.ID, FieldPath: "wacc", Value: raw("1"), ClientClock: i}
		_, err := room.Apply(ev, time.Now())
		require.NoError(t, err)
		require.Equal(t, i, ev.Seq)
	}
	require.Equal(t, uint64(50), room.Seq())
}

func TestApplyRejectsStaleClockRegardlessOfArrivalOrder(t *testing.T) {
	room := newRoom("t1", "r1", time.Now())

	_, err := applyUpdate(t, room, "a", "wacc", "9.0", 5)
	require.NoError(t, err)

	// same clock: stale
	reject, err := applyUpdate(t, room, "b", "wacc", "9.5", 5)
	require.ErrorIs(t, err, apperrors.ErrRejectedStale)
	require.Equal(t, uint64(5), reject.LastClock)
	require.Equal(t, raw("9.0"), reject.Value)

	// older clock arriving late: still stale
	_, err = applyUpdate(t, room, "b", "wacc", "8.0", 3)
	require.ErrorIs(t, err, apperrors.ErrRejectedStale)

	// newer clock wins
	_, err = applyUpdate(t, room, "b", "wacc", "9.5", 6)
	require.NoError(t, err)

	doc, version, seq := room.Snapshot()
	require.Equal(t, raw("9.5"), doc["wacc"])
	require.Equal(t, uint64(2), version)
	require.Equal(t, uint64(2), seq)
}

func TestApplyFirstWritePopulatesDocument(t *testing.T) {
	room := newRoom("t1", "r1", time.Now())
	doc, version, seq := room.Snapshot()
	require.Empty(t, doc)
	require.Zero(t, version)
	require.Zero(t, seq)

	_, err := applyUpdate(t, room, "a", "revenue.2027", "812.4", 1)
	require.NoError(t, err)

	doc, version, seq = room.Snapshot()
	require.Equal(t, raw("812.4"), doc["revenue.2027"])
	require.Equal(t, uint64(1), version)
	require.Equal(t, uint64(1), seq)
}

func TestApplyIndependentFieldsKeepIndependentClocks(t *testing.T) {
	room := newRoom("t1", "r1", time.Now())

	_, err := applyUpdate(t, room, "a", "wacc", "9.0", 10)
	require.NoError(t, err)

	// a low clock on a different field is not stale
	_, err = applyUpdate(t, room, "b", "exit_multiple", "8x", 1)
	require.NoError(t, err)
}

func TestApplyFansOutToPeersExcludingSender(t *testing.T) {
	room := newRoom("t1", "r1", time.Now())
	a := newTestSession(t, "a", 64)
	b := newTestSession(t, "b", 64)
	c := newTestSession(t, "c", 64)
	for _, s := range []*Session{a, b, c} {
		require.NoError(t, room.addMember(s, time.Now()))
	}

	_, err := applyUpdate(t, room, a.ID, "wacc", "9.0", 1)
	require.NoError(t, err)

	require.Empty(t, drain(a), "sender must not receive its own update")

	for _, peer := range []*Session{b, c} {
		msgs := drain(peer)
		require.Len(t, msgs, 1)
		require.Equal(t, MsgFieldUpdate, msgs[0].Type)
		require.Equal(t, "wacc", msgs[0].FieldPath)
		require.Equal(t, uint64(1), msgs[0].Seq)
		require.Equal(t, a.ID, msgs[0].SessionID)
	}
}

func TestApplyStaleIsNotBroadcast(t *testing.T) {
	room := newRoom("t1", "r1", time.Now())
	a := newTestSession(t, "a", 64)
	b := newTestSession(t, "b", 64)
	require.NoError(t, room.addMember(a, time.Now()))
	require.NoError(t, room.addMember(b, time.Now()))

	_, err := applyUpdate(t, room, a.ID, "wacc", "9.0", 2)
	require.NoError(t, err)
	drain(a)
	drain(b)

	_, err = applyUpdate(t, room, b.ID, "wacc", "9.5", 2)
	require.ErrorIs(t, err, apperrors.ErrRejectedStale)
	require.Empty(t, drain(a), "peers must not observe rejected updates")
	require.Empty(t, drain(b))
}

func TestSlowPeerDoesNotBlockOthers(t *testing.T) {
	room := newRoom("t1", "r1", time.Now())
	sender := newTestSession(t, "sender", 64)
	stalled := newTestSession(t, "stalled", 1)
	healthy := newTestSession(t, "healthy", 64)
	for _, s := range []*Session{sender, stalled, healthy} {
		require.NoError(t, room.addMember(s, time.Now()))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint64(1); i <= 20; i++ {
			_, err := applyUpdate(t, room, sender.ID, "wacc", "9.0", i)
			require.NoError(t, err)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a stalled peer")
	}

	require.Equal(t, StateClosed, stalled.State())
	require.Len(t, drain(healthy), 20)
}

func TestConcurrentApplyKeepsSubscriberFramesInSeqOrder(t *testing.T) {
	room := newRoom("t1", "r1", time.Now())
	watcher := newTestSession(t, "watcher", 8192)
	require.NoError(t, room.addMember(watcher, time.Now()))

	const writers = 4
	const updates = 500

	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			defer wg.Done()
			field := fmt.Sprintf("revenue.%d", w)
			for i := uint64(1); i <= updates; i++ {
				ev := &UpdateEvent{
					RoomID:      room.ID,
					SessionID:   fmt.Sprintf("writer-%d", w),
					FieldPath:   field,
					Value:       raw("1"),
					ClientClock: i,
				}
				if _, err := room.Apply(ev, time.Now()); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	msgs := drain(watcher)
	require.Len(t, msgs, writers*updates)
	var last uint64
	for _, msg := range msgs {
		require.Greater(t, msg.Seq, last, "a subscriber must never see the sequence go backwards")
		last = msg.Seq
	}
}

func TestRemoveMemberReportsRemaining(t *testing.T) {
	room := newRoom("t1", "r1", time.Now())
	a := newTestSession(t, "a", 4)
	b := newTestSession(t, "b", 4)
	require.NoError(t, room.addMember(a, time.Now()))
	require.NoError(t, room.addMember(b, time.Now()))

	require.Equal(t, 1, room.removeMember(a.ID, time.Now()))
	require.Equal(t, 0, room.removeMember(b.ID, time.Now()))
	require.Equal(t, []string{}, room.MemberIDs())
}

func TestSnapshotIsACopy(t *testing.T) {
	room := newRoom("t1", "r1", time.Now())
	_, err := applyUpdate(t, room, "a", "wacc", "9.0", 1)
	require.NoError(t, err)

	doc, _, _ := room.Snapshot()
	doc["wacc"] = raw("tampered")

	fresh, _, _ := room.Snapshot()
	require.Equal(t, raw("9.0"), fresh["wacc"])
}
