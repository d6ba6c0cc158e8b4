package collab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeClientMessageKinds(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"auth", `{"type":"auth","token":"abc"}`, false},
		{"auth missing token", `{"type":"auth"}`, true},
		{"join", `{"type":"join_room","room_id":"r1","user_id":"u1"}`, false},
		{"join missing room", `{"type":"join_room"}`, true},
		{"cursor", `{"type":"cursor_update","room_id":"r1","position":{"x":1,"y":2}}`, false},
		{"cursor missing position", `{"type":"cursor_update","room_id":"r1"}`, true},
		{"field update", `{"type":"field_update","room_id":"r1","field_path":"wacc","value":9.0,"client_clock":1}`, false},
		{"field update zero clock", `{"type":"field_update","room_id":"r1","field_path":"wacc","value":9.0}`, true},
		{"field update missing path", `{"type":"field_update","room_id":"r1","client_clock":1}`, true},
		{"heartbeat", `{"type":"heartbeat"}`, false},
		{"leave", `{"type":"leave_room","room_id":"r1"}`, false},
		{"unknown type", `{"type":"teleport"}`, true},
		{"missing type", `{}`, true},
		{"malformed json", `{"type":`, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := DecodeClientMessage([]byte(tc.payload))
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotEmpty(t, msg.Type)
		})
	}
}

func TestDecodeClientMessagePreservesOpaqueValue(t *testing.T) {
	payload := `{"type":"field_update","room_id":"r1","field_path":"assumptions.tax_rate","value":{"pct":21,"source":"manual"},"client_clock":7}`
	msg, err := DecodeClientMessage([]byte(payload))
	require.NoError(t, err)
	require.JSONEq(t, `{"pct":21,"source":"manual"}`, string(msg.Value))
	require.Equal(t, uint64(7), msg.ClientClock)
}
