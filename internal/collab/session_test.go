package collab

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSession(t *testing.T, id string, queueSize int) *Session {
	t.Helper()
	sess := newSession(id, nil, queueSize, zap.NewNop())
	sess.UserID = "user-" + id
	sess.TenantID = "tenant-1"
	return sess
}

// drain empties the session's outbound queue for assertions.
func drain(sess *Session) []ServerMessage {
	var msgs []ServerMessage
	for {
		select {
		case msg := <-sess.send:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func TestSessionStateString(t *testing.T) {
	require.Equal(t, "connecting", StateConnecting.String())
	require.Equal(t, "joined", StateJoined.String())
	require.Equal(t, "reconnecting", StateReconnecting.String())
	require.Equal(t, "closed", StateClosed.String())
}

func TestEnqueueDelivers(t *testing.T) {
	sess := newTestSession(t, "s1", 4)
	require.True(t, sess.enqueue(ServerMessage{Type: MsgAuthAck}))

	msgs := drain(sess)
	require.Len(t, msgs, 1)
	require.Equal(t, MsgAuthAck, msgs[0].Type)
}

func TestEnqueueOverflowClosesSession(t *testing.T) {
	sess := newTestSession(t, "s1", 2)
	require.True(t, sess.enqueue(ServerMessage{Type: MsgPresenceUpdate}))
	require.True(t, sess.enqueue(ServerMessage{Type: MsgPresenceUpdate}))

	// queue full: the stalled consumer is disconnected, not blocked on
	require.False(t, sess.enqueue(ServerMessage{Type: MsgPresenceUpdate}))
	require.Equal(t, StateClosed, sess.State())
}

func TestEnqueueAfterCloseIsDropped(t *testing.T) {
	sess := newTestSession(t, "s1", 4)
	sess.close()
	require.False(t, sess.enqueue(ServerMessage{Type: MsgUserJoined}))
	require.Empty(t, drain(sess))
}

func TestCloseIsIdempotent(t *testing.T) {
	sess := newTestSession(t, "s1", 4)
	sess.close()
	sess.close()
	require.Equal(t, StateClosed, sess.State())
}
