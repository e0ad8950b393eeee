package rooms

// ParseRoomName resolves the display name of a room for the viewing user.
// Private rooms list both participants, so the name is the first entry that is
// not the viewer; named rooms list a single name which is returned as is.
func ParseRoomName(names []string, currentUsername string) string {
	for _, name := range names {
		if name != currentUsername {
			return name
		}
	}
	if len(names) > 0 {
		return names[0]
	}
	return ""
}
