package core

// ActionKind tags a canonical action consumed by the state reducer.
type ActionKind int

const (
	// ActionSetUser stores or updates a user entry.
	ActionSetUser ActionKind = iota
	// ActionAppendMessage appends a message to a room ("0" for direct messages).
	ActionAppendMessage
	// ActionAddRoom registers a room with its display name.
	ActionAddRoom
	// ActionMakeUserOnline marks a user as online.
	ActionMakeUserOnline
	// ActionClear resets the whole application state.
	ActionClear
)

// String returns the wire-style name of the action kind.
func (k ActionKind) String() string {
	switch k {
	case ActionSetUser:
		return "set user"
	case ActionAppendMessage:
		return "append message"
	case ActionAddRoom:
		return "add room"
	case ActionMakeUserOnline:
		return "make user online"
	case ActionClear:
		return "clear"
	default:
		return "unknown"
	}
}

// Action is a tagged payload for the reducer. Only the fields relevant to Kind
// are set.
type Action struct {
	Kind     ActionKind
	User     User    // ActionSetUser
	RoomID   string  // ActionAppendMessage
	Message  Message // ActionAppendMessage
	Room     Room    // ActionAddRoom
	Username string  // ActionMakeUserOnline
}

// SetUser builds a "set user" action.
func SetUser(u User) Action {
	return Action{Kind: ActionSetUser, User: u}
}

// AppendMessage builds an "append message" action targeted at roomID.
func AppendMessage(roomID string, msg Message) Action {
	return Action{Kind: ActionAppendMessage, RoomID: roomID, Message: msg}
}

// AddRoom builds an "add room" action.
func AddRoom(id, name string) Action {
	return Action{Kind: ActionAddRoom, Room: Room{ID: id, Name: name}}
}

// MakeUserOnline builds a "make user online" action.
func MakeUserOnline(username string) Action {
	return Action{Kind: ActionMakeUserOnline, Username: username}
}

// Clear builds a "clear" action.
func Clear() Action {
	return Action{Kind: ActionClear}
}

// Dispatcher applies canonical actions to application state.
type Dispatcher interface {
	Dispatch(Action)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(Action)

// Dispatch calls f(a).
func (f DispatchFunc) Dispatch(a Action) {
	f(a)
}
