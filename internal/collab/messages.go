package collab

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound message kinds (client -> server).
const (
	MsgAuth         = "auth"
	MsgJoinRoom     = "join_room"
	MsgCursorUpdate = "cursor_update"
	MsgFieldUpdate  = "field_update"
	MsgHeartbeat    = "heartbeat"
	MsgLeaveRoom    = "leave_room"
)

// Outbound message kinds (server -> client). Broadcast field updates reuse
// MsgFieldUpdate.
const (
	MsgAuthAck           = "auth_ack"
	MsgRoomSnapshot      = "room_snapshot"
	MsgPresenceUpdate    = "presence_update"
	MsgFieldUpdateReject = "field_update_rejected"
	MsgUserJoined        = "user_joined"
	MsgUserLeft          = "user_left"
	MsgError             = "error"
)

// CursorPosition locates a cursor either by grid coordinates or by a
// structured field locator, depending on what the client renders.
type CursorPosition struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Field string `json:"field,omitempty"`
}

// SelectionRange spans from one cursor position to another.
type SelectionRange struct {
	From CursorPosition `json:"from"`
	To   CursorPosition `json:"to"`
}

// ClientMessage is the decoded form of an inbound frame. Exactly one kind is
// active at a time, selected by Type.
type ClientMessage struct {
	Type        string          `json:"type"`
	Token       string          `json:"token,omitempty"`
	RoomID      string          `json:"room_id,omitempty"`
	TenantID    string          `json:"tenant_id,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	Position    *CursorPosition `json:"position,omitempty"`
	Selection   *SelectionRange `json:"selection,omitempty"`
	FieldPath   string          `json:"field_path,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	ClientClock uint64          `json:"client_clock,omitempty"`
}

// ServerMessage is the envelope for every outbound frame.
type ServerMessage struct {
	Type        string                     `json:"type"`
	Code        string                     `json:"code,omitempty"`
	Message     string                     `json:"message,omitempty"`
	SessionID   string                     `json:"session_id,omitempty"`
	UserID      string                     `json:"user_id,omitempty"`
	RoomID      string                     `json:"room_id,omitempty"`
	FieldPath   string                     `json:"field_path,omitempty"`
	Value       json.RawMessage            `json:"value,omitempty"`
	ClientClock uint64                     `json:"client_clock,omitempty"`
	Seq         uint64                     `json:"seq,omitempty"`
	Version     uint64                     `json:"version,omitempty"`
	Document    map[string]json.RawMessage `json:"document,omitempty"`
	Presence    []PresenceRecord           `json:"presence,omitempty"`
	Cursor      *CursorPosition            `json:"cursor,omitempty"`
	Selection   *SelectionRange            `json:"selection,omitempty"`
}

// DecodeClientMessage parses an inbound frame and checks the per-kind
// required fields. Unknown kinds are rejected here so dispatch can switch
// exhaustively over the constants above.
func DecodeClientMessage(payload []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	msg.Type = strings.TrimSpace(msg.Type)
	switch msg.Type {
	case MsgAuth:
		if msg.Token == "" {
			return nil, fmt.Errorf("auth: token is required")
		}
	case MsgJoinRoom:
		if msg.RoomID == "" {
			return nil, fmt.Errorf("join_room: room_id is required")
		}
	case MsgCursorUpdate:
		if msg.RoomID == "" {
			return nil, fmt.Errorf("cursor_update: room_id is required")
		}
		if msg.Position == nil {
			return nil, fmt.Errorf("cursor_update: position is required")
		}
	case MsgFieldUpdate:
		if msg.RoomID == "" {
			return nil, fmt.Errorf("field_update: room_id is required")
		}
		if msg.FieldPath == "" {
			return nil, fmt.Errorf("field_update: field_path is required")
		}
		if msg.ClientClock == 0 {
			return nil, fmt.Errorf("field_update: client_clock is required")
		}
	case MsgHeartbeat:
		// no payload
	case MsgLeaveRoom:
		if msg.RoomID == "" {
			return nil, fmt.Errorf("leave_room: room_id is required")
		}
	case "":
		return nil, fmt.Errorf("message type is required")
	default:
		return nil, fmt.Errorf("unsupported message type %q", msg.Type)
	}

	return &msg, nil
}
