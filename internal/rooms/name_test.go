package rooms

import "testing"

func TestParseRoomName(t *testing.T) {
	tests := []struct {
		name     string
		names    []string
		username string
		want     string
	}{
		{"private room from first participant", []string{"alice", "bob"}, "alice", "bob"},
		{"private room from second participant", []string{"alice", "bob"}, "bob", "alice"},
		{"named room", []string{"General"}, "alice", "General"},
		{"self only", []string{"alice"}, "alice", "alice"},
		{"no names", nil, "alice", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseRoomName(tt.names, tt.username); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
