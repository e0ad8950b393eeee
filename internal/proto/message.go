package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope is the push-channel frame: {"type": ..., "data": ...}.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event names shared by the push channel (envelope type) and the duplex channel
// (socket.io event name).
const (
	EventUserConnected    = "user.connected"
	EventUserDisconnected = "user.disconnected"
	EventShowRoom         = "show.room"
	EventMessage          = "message"

	// EventRoomJoin is emitted by the client to subscribe to a room.
	EventRoomJoin = "room.join"
)

// DecodeEnvelope parses a push-channel frame. Leading whitespace left over from
// the SSE data field is tolerated.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(bytes.TrimSpace(frame), &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// ID is an identifier the backend sends either as a JSON string or a number.
type ID string

// UnmarshalJSON accepts strings, numbers and null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("decode id: %w", err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// String returns the id as a plain string.
func (id ID) String() string {
	return string(id)
}

// RoomNames lists the participant names of a room. On the wire each entry is
// either a string (named rooms) or a one-element list (private rooms).
type RoomNames []string

// UnmarshalJSON flattens nested single-name lists.
func (n *RoomNames) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decode room names: %w", err)
	}

	names := make(RoomNames, 0, len(raw))
	for _, item := range raw {
		item = bytes.TrimSpace(item)
		if len(item) > 0 && item[0] == '[' {
			var nested []string
			if err := json.Unmarshal(item, &nested); err != nil {
				return fmt.Errorf("decode room names: %w", err)
			}
			if len(nested) > 0 {
				names = append(names, nested[0])
			}
			continue
		}
		var name string
		if err := json.Unmarshal(item, &name); err != nil {
			return fmt.Errorf("decode room names: %w", err)
		}
		names = append(names, name)
	}
	*n = names
	return nil
}

// UserData is the payload of user.connected / user.disconnected and of the
// /login and /me responses.
type UserData struct {
	ID       ID     `json:"id"`
	Username string `json:"username"`
	Online   bool   `json:"online,omitempty"`
}

// RoomData is the payload of show.room and of the /rooms response.
type RoomData struct {
	ID    ID        `json:"id"`
	Names RoomNames `json:"names"`
}

// MessageData is a chat message as sent over both channels.
type MessageData struct {
	From    ID      `json:"from"`
	Date    float64 `json:"date"`
	Message string  `json:"message"`
	RoomID  ID      `json:"roomId,omitempty"`
}

// LoginRequest is the body of POST /login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ErrorResponse is the body the backend returns with failed requests.
type ErrorResponse struct {
	Message string `json:"message"`
}
