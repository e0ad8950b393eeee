package translate

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vovakirdan/chatsync/internal/core"
	"github.com/vovakirdan/chatsync/internal/metrics"
)

type recorder struct {
	mu      sync.Mutex
	actions []core.Action
}

func (r *recorder) Dispatch(a core.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, a)
}

func (r *recorder) all() []core.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Action(nil), r.actions...)
}

// fakeChannel behaves like a socket.io handle: On appends a listener, Off
// removes every listener for the event.
type fakeChannel struct {
	handlers map[string][]func(json.RawMessage)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string][]func(json.RawMessage))}
}

func (c *fakeChannel) On(event string, h func(json.RawMessage)) {
	c.handlers[event] = append(c.handlers[event], h)
}

func (c *fakeChannel) Off(event string) {
	delete(c.handlers, event)
}

func (c *fakeChannel) fire(event, payload string) {
	for _, h := range c.handlers[event] {
		h(json.RawMessage(payload))
	}
}

func newTestTranslator(t *testing.T) (*Translator, *recorder) {
	t.Helper()
	rec := &recorder{}
	tr := New(rec, nil, nil)
	tr.infoDate = func() float64 { return 42 }
	return tr, rec
}

func TestPushUserConnected(t *testing.T) {
	tr, rec := newTestTranslator(t)

	tr.HandlePush([]byte(`{"type":"user.connected","data":{"id":1,"username":"alice","online":true}}`), "me")

	got := rec.all()
	if len(got) != 2 {
		t.Fatalf("expected 2 actions, got %d: %+v", len(got), got)
	}
	if got[0].Kind != core.ActionSetUser || got[0].User.Username != "alice" || got[0].User.ID != "1" || !got[0].User.Online() {
		t.Fatalf("unexpected set user action: %+v", got[0])
	}
	if got[1].Kind != core.ActionAppendMessage || got[1].RoomID != core.DirectRoomID {
		t.Fatalf("unexpected append action: %+v", got[1])
	}
	if got[1].Message.Text != "alice connected" || got[1].Message.From != core.InfoSender || got[1].Message.Date != 42 {
		t.Fatalf("unexpected info message: %+v", got[1].Message)
	}
}

func TestPushUserDisconnected(t *testing.T) {
	tr, rec := newTestTranslator(t)

	tr.HandlePush([]byte(`{"type":"user.disconnected","data":{"id":"2","username":"bob","online":false}}`), "me")

	got := rec.all()
	if len(got) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(got))
	}
	if got[0].User.Status != core.StatusOffline {
		t.Fatalf("expected offline user, got %+v", got[0].User)
	}
	if got[1].Message.Text != "bob left" {
		t.Fatalf("expected %q, got %q", "bob left", got[1].Message.Text)
	}
}

func TestPushShowRoomResolvesNameForCurrentUser(t *testing.T) {
	tr, rec := newTestTranslator(t)

	tr.HandlePush([]byte(`{"type":"show.room","data":{"id":"1:2","names":[["alice"],["bob"]]}}`), "alice")

	got := rec.all()
	if len(got) != 1 {
		t.Fatalf("expected 1 action, got %d", len(got))
	}
	if got[0].Kind != core.ActionAddRoom || got[0].Room.ID != "1:2" || got[0].Room.Name != "bob" {
		t.Fatalf("unexpected add room action: %+v", got[0])
	}
}

func TestCustomNameResolver(t *testing.T) {
	rec := &recorder{}
	tr := New(rec, func(names []string, username string) string { return username + "@" + names[0] }, nil)

	tr.HandleDuplex("show.room", json.RawMessage(`{"id":"9","names":["General"]}`), "carol")

	got := rec.all()
	if len(got) != 1 || got[0].Room.Name != "carol@General" {
		t.Fatalf("unexpected actions: %+v", got)
	}
}

func TestDuplexMessage(t *testing.T) {
	tr, rec := newTestTranslator(t)

	tr.HandleDuplex("message", json.RawMessage(`{"from":"bob","roomId":"r1","message":"hi","date":123}`), "alice")

	got := rec.all()
	if len(got) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(got))
	}
	if got[0].Kind != core.ActionMakeUserOnline || got[0].Username != "bob" {
		t.Fatalf("unexpected first action: %+v", got[0])
	}
	want := core.Message{Date: 123, From: "bob", Text: "hi", RoomID: "r1"}
	if got[1].Kind != core.ActionAppendMessage || got[1].RoomID != "r1" || got[1].Message != want {
		t.Fatalf("unexpected append action: %+v", got[1])
	}
}

func TestMessageWithoutRoomTargetsDirectRoom(t *testing.T) {
	tr, rec := newTestTranslator(t)

	tr.HandlePush([]byte(`{"type":"message","data":{"from":3,"message":"yo","date":5}}`), "alice")

	got := rec.all()
	if len(got) != 2 || got[1].RoomID != core.DirectRoomID || got[0].Username != "3" {
		t.Fatalf("unexpected actions: %+v", got)
	}
}

func TestUnknownPushTypeProducesNothing(t *testing.T) {
	tr, rec := newTestTranslator(t)
	before := testutil.ToFloat64(metrics.PushFramesDropped.WithLabelValues(metrics.ReasonUnknown))

	tr.HandlePush([]byte(`{"type":"unknown","data":{}}`), "alice")

	if got := rec.all(); len(got) != 0 {
		t.Fatalf("expected no actions, got %+v", got)
	}
	after := testutil.ToFloat64(metrics.PushFramesDropped.WithLabelValues(metrics.ReasonUnknown))
	if after != before+1 {
		t.Fatalf("expected unknown drop counter to grow by 1, got %v -> %v", before, after)
	}
}

func TestMalformedPushFramesAreDropped(t *testing.T) {
	tr, rec := newTestTranslator(t)
	before := testutil.ToFloat64(metrics.PushFramesDropped.WithLabelValues(metrics.ReasonMalformed))

	frames := []string{
		`not json`,
		`{"type":"message","data":"oops"}`,
		`{"type":"message","data":null}`,
		`{"type":"show.room"}`,
	}
	for _, frame := range frames {
		tr.HandlePush([]byte(frame), "alice")
	}

	if got := rec.all(); len(got) != 0 {
		t.Fatalf("expected no actions, got %+v", got)
	}
	after := testutil.ToFloat64(metrics.PushFramesDropped.WithLabelValues(metrics.ReasonMalformed))
	if after != before+float64(len(frames)) {
		t.Fatalf("expected malformed counter to grow by %d, got %v -> %v", len(frames), before, after)
	}
}

func TestAttachDetachReattachDeliversOnce(t *testing.T) {
	tr, rec := newTestTranslator(t)
	ch := newFakeChannel()

	first := tr.Attach(ch, core.User{ID: "1", Username: "alice"})
	first.Detach()
	second := tr.Attach(ch, core.User{ID: "2", Username: "bob"})

	for _, name := range EventNames() {
		if n := len(ch.handlers[name]); n != 1 {
			t.Fatalf("expected exactly one handler for %s, got %d", name, n)
		}
	}

	ch.fire("show.room", `{"id":"1:2","names":[["alice"],["bob"]]}`)

	got := rec.all()
	if len(got) != 1 {
		t.Fatalf("expected a single delivery, got %d", len(got))
	}
	if got[0].Room.Name != "alice" {
		t.Fatalf("expected room named from bob's view, got %q", got[0].Room.Name)
	}
	if first.Active() || !second.Active() {
		t.Fatalf("unexpected binding states: first=%v second=%v", first.Active(), second.Active())
	}
	if second.User().Username != "bob" {
		t.Fatalf("unexpected binding user: %+v", second.User())
	}
}

func TestDetachedHandlerInFlightDropsEvent(t *testing.T) {
	tr, rec := newTestTranslator(t)
	ch := newFakeChannel()

	b := tr.Attach(ch, core.User{ID: "1", Username: "alice"})
	stale := ch.handlers["message"][0]
	b.Detach()
	b.Detach()

	stale(json.RawMessage(`{"from":"bob","message":"late","date":1}`))

	if got := rec.all(); len(got) != 0 {
		t.Fatalf("expected stale handler to dispatch nothing, got %+v", got)
	}
	if len(ch.handlers) != 0 {
		t.Fatalf("expected all handlers removed, got %d events", len(ch.handlers))
	}
}

func TestDecodeEventUnknownIsNotAnError(t *testing.T) {
	ev, err := DecodeEvent("typing", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != EventUnknown || ev.Name != "typing" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
