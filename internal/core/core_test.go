package core

import "testing"

func TestSameUser(t *testing.T) {
	alice := &User{ID: "1", Username: "alice"}
	aliceAgain := &User{ID: "1", Username: "alice", Status: StatusOnline}
	bob := &User{ID: "2", Username: "bob"}

	tests := []struct {
		name string
		a, b *User
		want bool
	}{
		{"both nil", nil, nil, true},
		{"nil and user", nil, alice, false},
		{"user and nil", alice, nil, false},
		{"same id", alice, aliceAgain, true},
		{"different id", alice, bob, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SameUser(tt.a, tt.b); got != tt.want {
				t.Fatalf("SameUser() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestActionKindString(t *testing.T) {
	want := map[ActionKind]string{
		ActionSetUser:        "set user",
		ActionAppendMessage:  "append message",
		ActionAddRoom:        "add room",
		ActionMakeUserOnline: "make user online",
		ActionClear:          "clear",
		ActionKind(99):       "unknown",
	}
	for kind, name := range want {
		if got := kind.String(); got != name {
			t.Fatalf("expected %q, got %q", name, got)
		}
	}
}

func TestDispatchFunc(t *testing.T) {
	var got []Action
	var d Dispatcher = DispatchFunc(func(a Action) { got = append(got, a) })

	d.Dispatch(AddRoom("r1", "General"))
	d.Dispatch(Clear())

	if len(got) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(got))
	}
	if got[0].Kind != ActionAddRoom || got[0].Room.ID != "r1" || got[0].Room.Name != "General" {
		t.Fatalf("unexpected first action: %+v", got[0])
	}
	if got[1].Kind != ActionClear {
		t.Fatalf("unexpected second action: %+v", got[1])
	}
}
