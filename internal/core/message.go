package core

const (
	// DirectRoomID targets messages that are not tied to a named room.
	DirectRoomID = "0"
	// InfoSender is the sender of synthetic presence messages.
	InfoSender = "info"
)

// Message is the domain model for a chat message.
type Message struct {
	// Date orders messages and keeps them unique within a room. For synthetic
	// info messages it is a random number, not a timestamp.
	Date   float64
	From   string
	Text   string
	RoomID string
}

// Room is a named conversation context. Name is already resolved relative to
// the viewing user.
type Room struct {
	ID   string
	Name string
}
