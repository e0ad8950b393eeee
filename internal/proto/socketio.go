package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// EngineProtocol is the Engine.IO protocol revision spoken by the duplex channel.
const EngineProtocol = 4

// EnginePacket is the Engine.IO packet type, the first byte of every frame.
type EnginePacket byte

const (
	EngineOpen    EnginePacket = '0'
	EngineClose   EnginePacket = '1'
	EnginePing    EnginePacket = '2'
	EnginePong    EnginePacket = '3'
	EngineMessage EnginePacket = '4'
	EngineUpgrade EnginePacket = '5'
	EngineNoop    EnginePacket = '6'
)

// SocketPacket is the Socket.IO packet type carried inside an EngineMessage.
type SocketPacket byte

const (
	SocketConnect      SocketPacket = '0'
	SocketDisconnect   SocketPacket = '1'
	SocketEvent        SocketPacket = '2'
	SocketAck          SocketPacket = '3'
	SocketConnectError SocketPacket = '4'
	SocketBinaryEvent  SocketPacket = '5'
	SocketBinaryAck    SocketPacket = '6'
)

// DefaultNamespace is the socket.io namespace used when a packet names none.
const DefaultNamespace = "/"

var (
	// ErrEmptyFrame is returned for zero-length frames.
	ErrEmptyFrame = errors.New("empty frame")
	// ErrMalformedFrame is returned when a frame does not follow the packet grammar.
	ErrMalformedFrame = errors.New("malformed frame")
)

// OpenData is the Engine.IO handshake payload sent by the server.
type OpenData struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// ConnectData is the payload of a socket.io CONNECT acknowledgement.
type ConnectData struct {
	SID string `json:"sid"`
}

// Frame is one decoded websocket text frame.
type Frame struct {
	Engine EnginePacket
	// Socket, Namespace and AckID are set only for EngineMessage frames.
	Socket    SocketPacket
	Namespace string
	AckID     int // -1 when absent
	// Event and Args are set only for SocketEvent packets.
	Event string
	Args  []json.RawMessage
	// Payload is the undecoded remainder (open data, connect data, errors).
	Payload json.RawMessage
}

// DecodeFrame parses an Engine.IO frame and, for message frames, the Socket.IO
// packet inside it.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	f := Frame{Engine: EnginePacket(b[0]), AckID: -1}
	rest := b[1:]
	if f.Engine != EngineMessage {
		f.Payload = rest
		return f, nil
	}

	if len(rest) == 0 {
		return f, fmt.Errorf("%w: missing socket packet type", ErrMalformedFrame)
	}
	f.Socket = SocketPacket(rest[0])
	rest = rest[1:]

	f.Namespace = DefaultNamespace
	if len(rest) > 0 && rest[0] == '/' {
		i := bytes.IndexByte(rest, ',')
		if i < 0 {
			f.Namespace = string(rest)
			return f, nil
		}
		f.Namespace = string(rest[:i])
		rest = rest[i+1:]
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(string(rest[:digits]))
		if err != nil {
			return f, fmt.Errorf("%w: ack id: %v", ErrMalformedFrame, err)
		}
		f.AckID = id
		rest = rest[digits:]
	}
	f.Payload = rest

	if f.Socket != SocketEvent {
		return f, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(rest, &items); err != nil {
		return f, fmt.Errorf("%w: event payload: %v", ErrMalformedFrame, err)
	}
	if len(items) == 0 {
		return f, fmt.Errorf("%w: event without name", ErrMalformedFrame)
	}
	if err := json.Unmarshal(items[0], &f.Event); err != nil {
		return f, fmt.Errorf("%w: event name: %v", ErrMalformedFrame, err)
	}
	f.Args = items[1:]
	return f, nil
}

// EncodeEvent builds a `42["event", args...]` frame for the default namespace.
func EncodeEvent(event string, args ...any) ([]byte, error) {
	items := make([]any, 0, len(args)+1)
	items = append(items, event)
	items = append(items, args...)

	payload, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", event, err)
	}
	return append([]byte{byte(EngineMessage), byte(SocketEvent)}, payload...), nil
}

// EncodeOpen builds the Engine.IO handshake frame.
func EncodeOpen(data OpenData) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal open: %w", err)
	}
	return append([]byte{byte(EngineOpen)}, payload...), nil
}

// EncodeConnect builds a socket.io CONNECT request for the default namespace.
func EncodeConnect() []byte {
	return []byte{byte(EngineMessage), byte(SocketConnect)}
}

// EncodeConnectAck builds the server's CONNECT acknowledgement.
func EncodeConnectAck(sid string) ([]byte, error) {
	payload, err := json.Marshal(ConnectData{SID: sid})
	if err != nil {
		return nil, fmt.Errorf("marshal connect ack: %w", err)
	}
	return append([]byte{byte(EngineMessage), byte(SocketConnect)}, payload...), nil
}

// EncodeDisconnect builds a socket.io DISCONNECT for the default namespace.
func EncodeDisconnect() []byte {
	return []byte{byte(EngineMessage), byte(SocketDisconnect)}
}

// EncodePing builds an Engine.IO ping.
func EncodePing() []byte {
	return []byte{byte(EnginePing)}
}

// EncodePong builds an Engine.IO pong.
func EncodePong() []byte {
	return []byte{byte(EnginePong)}
}
