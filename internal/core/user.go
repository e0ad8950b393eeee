package core

// UserStatus reports whether a user currently has a live connection.
type UserStatus int

const (
	// StatusOffline means the user has no live connection.
	StatusOffline UserStatus = iota
	// StatusOnline means the user is connected to the backend.
	StatusOnline
)

// String returns the string representation of a UserStatus.
func (s UserStatus) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// User is a chat participant as seen by the client.
type User struct {
	ID       string
	Username string
	Status   UserStatus
}

// Online reports whether the user is marked online.
func (u User) Online() bool {
	return u.Status == StatusOnline
}

// SameUser reports whether a and b refer to the same identity.
// Two nil users are the same; identity is by ID only.
func SameUser(a, b *User) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}
