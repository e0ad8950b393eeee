package proto

import "github.com/vovakirdan/chatsync/internal/core"

// ToCore converts the wire user into the domain model.
func (u UserData) ToCore() core.User {
	status := core.StatusOffline
	if u.Online {
		status = core.StatusOnline
	}
	return core.User{
		ID:       u.ID.String(),
		Username: u.Username,
		Status:   status,
	}
}

// ToCore converts the wire message into the domain model.
func (m MessageData) ToCore() core.Message {
	return core.Message{
		Date:   m.Date,
		From:   m.From.String(),
		Text:   m.Message,
		RoomID: m.RoomID.String(),
	}
}

// MessageFromCore converts a domain message into its wire form.
func MessageFromCore(m core.Message) MessageData {
	return MessageData{
		From:    ID(m.From),
		Date:    m.Date,
		Message: m.Text,
		RoomID:  ID(m.RoomID),
	}
}
