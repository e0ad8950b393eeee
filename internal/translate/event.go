package translate

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vovakirdan/chatsync/internal/proto"
)

// EventKind identifies a decoded inbound event.
type EventKind int

const (
	// EventUnknown is any event name the client does not handle. It is ignored.
	EventUnknown EventKind = iota
	// EventUserConnected announces a user coming online.
	EventUserConnected
	// EventUserDisconnected announces a user going offline.
	EventUserDisconnected
	// EventShowRoom announces a room that became visible to the user.
	EventShowRoom
	// EventMessage delivers a chat message.
	EventMessage
)

// Event is the tagged result of decoding one inbound event. Only the payload
// matching Kind is set.
type Event struct {
	Kind    EventKind
	Name    string
	User    proto.UserData
	Room    proto.RoomData
	Message proto.MessageData
}

// EventNames lists the wire names the translator subscribes to.
func EventNames() []string {
	return []string{
		proto.EventUserConnected,
		proto.EventUserDisconnected,
		proto.EventShowRoom,
		proto.EventMessage,
	}
}

// DecodeEvent decodes the payload of a named event. Unknown names decode to
// EventUnknown without error.
func DecodeEvent(name string, data json.RawMessage) (Event, error) {
	ev := Event{Name: name}

	var target any
	switch name {
	case proto.EventUserConnected:
		ev.Kind = EventUserConnected
		target = &ev.User
	case proto.EventUserDisconnected:
		ev.Kind = EventUserDisconnected
		target = &ev.User
	case proto.EventShowRoom:
		ev.Kind = EventShowRoom
		target = &ev.Room
	case proto.EventMessage:
		ev.Kind = EventMessage
		target = &ev.Message
	default:
		return Event{Kind: EventUnknown, Name: name}, nil
	}

	if data = bytes.TrimSpace(data); len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return ev, fmt.Errorf("decode %s: missing payload", name)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return ev, fmt.Errorf("decode %s: %w", name, err)
	}
	return ev, nil
}
