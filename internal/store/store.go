package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// User is an account of the chat backend.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Room is a chat room. Private rooms between two users have no name and an
// id of the form "{minUserID}:{maxUserID}".
type Room struct {
	ID   string
	Name string
}

// Private reports whether the room is a two-user room without a name.
func (r Room) Private() bool {
	return r.Name == ""
}

// Message is a stored chat message.
type Message struct {
	ID     int64
	RoomID string
	From   string
	Body   string
	Date   float64
}

// UserStore handles user persistence.
type UserStore interface {
	// CreateUser creates a new user with hashed password.
	CreateUser(ctx context.Context, username, passwordHash string) (*User, error)

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id int64) (*User, error)

	// GetUserByUsername retrieves a user by username.
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

// RoomStore handles rooms and their members.
type RoomStore interface {
	// EnsureRoom creates the room if it does not exist yet.
	EnsureRoom(ctx context.Context, id, name string) (*Room, error)

	GetRoom(ctx context.Context, id string) (*Room, error)

	// AddMember adds a user to a room. Adding twice is a no-op.
	AddMember(ctx context.Context, userID int64, roomID string) error

	// ListRooms lists the rooms the user belongs to, ordered by id.
	ListRooms(ctx context.Context, userID int64) ([]*Room, error)
}

// MessageStore handles message persistence.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *Message) error

	// ListMessages returns up to size messages of a room, newest first,
	// skipping the newest offset ones.
	ListMessages(ctx context.Context, roomID string, offset, size int) ([]*Message, error)

	// HasMessages reports whether a room has at least one message.
	HasMessages(ctx context.Context, roomID string) (bool, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	UserStore
	RoomStore
	MessageStore

	// Close closes the underlying database connection.
	Close() error
}
