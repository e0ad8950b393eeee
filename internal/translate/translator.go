package translate

import (
	"encoding/json"
	"math/rand/v2"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/chatsync/internal/core"
	"github.com/vovakirdan/chatsync/internal/metrics"
	"github.com/vovakirdan/chatsync/internal/proto"
	"github.com/vovakirdan/chatsync/internal/rooms"
)

// NameResolver renders a room's display name for the viewing user.
type NameResolver func(names []string, currentUsername string) string

// Translator turns inbound wire events from both channels into canonical
// actions and forwards them to the dispatcher.
type Translator struct {
	dispatch    core.Dispatcher
	resolveName NameResolver
	infoDate    func() float64
	log         *zerolog.Logger
}

// New builds a translator. A nil resolver falls back to rooms.ParseRoomName.
func New(dispatch core.Dispatcher, resolveName NameResolver, logger *zerolog.Logger) *Translator {
	if resolveName == nil {
		resolveName = rooms.ParseRoomName
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Translator{
		dispatch:    dispatch,
		resolveName: resolveName,
		infoDate:    randomInfoDate,
		log:         logger,
	}
}

// Info messages never show their date; it only has to be unique in the list.
func randomInfoDate() float64 {
	return rand.Float64() * 10000
}

// Actions maps a decoded event to the actions it produces, in dispatch order.
func (t *Translator) Actions(ev Event, currentUsername string) []core.Action {
	switch ev.Kind {
	case EventUserConnected:
		return t.presence(ev.User, "connected")
	case EventUserDisconnected:
		return t.presence(ev.User, "left")
	case EventShowRoom:
		return []core.Action{
			core.AddRoom(ev.Room.ID.String(), t.resolveName(ev.Room.Names, currentUsername)),
		}
	case EventMessage:
		msg := ev.Message.ToCore()
		roomID := msg.RoomID
		if roomID == "" {
			roomID = core.DirectRoomID
		}
		return []core.Action{
			core.MakeUserOnline(msg.From),
			core.AppendMessage(roomID, msg),
		}
	default:
		return nil
	}
}

func (t *Translator) presence(data proto.UserData, verb string) []core.Action {
	user := data.ToCore()
	return []core.Action{
		core.SetUser(user),
		core.AppendMessage(core.DirectRoomID, core.Message{
			Date: t.infoDate(),
			From: core.InfoSender,
			Text: user.Username + " " + verb,
		}),
	}
}

// HandlePush decodes one push-channel frame and dispatches its actions.
// Malformed frames are logged and dropped; unknown types are ignored.
func (t *Translator) HandlePush(frame []byte, currentUsername string) {
	env, err := proto.DecodeEnvelope(frame)
	if err != nil {
		metrics.PushFramesDropped.WithLabelValues(metrics.ReasonMalformed).Inc()
		t.log.Warn().Err(err).Int("bytes", len(frame)).Msg("drop malformed push frame")
		return
	}
	t.handle(env.Type, env.Data, currentUsername, true)
}

// HandleDuplex dispatches the actions of one duplex-channel event.
func (t *Translator) HandleDuplex(name string, payload json.RawMessage, currentUsername string) {
	t.handle(name, payload, currentUsername, false)
}

func (t *Translator) handle(name string, payload json.RawMessage, currentUsername string, push bool) {
	ev, err := DecodeEvent(name, payload)
	if err != nil {
		if push {
			metrics.PushFramesDropped.WithLabelValues(metrics.ReasonMalformed).Inc()
		}
		t.log.Warn().Err(err).Str("event", name).Bool("push", push).Msg("drop malformed event")
		return
	}
	if ev.Kind == EventUnknown {
		if push {
			metrics.PushFramesDropped.WithLabelValues(metrics.ReasonUnknown).Inc()
		}
		t.log.Debug().Str("event", name).Msg("ignore unknown event")
		return
	}

	for _, action := range t.Actions(ev, currentUsername) {
		metrics.ActionsDispatched.WithLabelValues(action.Kind.String()).Inc()
		t.dispatch.Dispatch(action)
	}
}

// Subscriber is the subscription surface of a duplex channel.
type Subscriber interface {
	On(event string, handler func(payload json.RawMessage))
	Off(event string)
}

// Binding is the set of handlers attached to a duplex channel for one user.
type Binding struct {
	ch     Subscriber
	user   core.User
	active atomic.Bool
}

// Attach subscribes one handler per event name on ch for user. Room names are
// resolved against user.Username, so a new binding is needed when the user
// changes.
func (t *Translator) Attach(ch Subscriber, user core.User) *Binding {
	b := &Binding{ch: ch, user: user}
	b.active.Store(true)

	for _, name := range EventNames() {
		ch.On(name, func(payload json.RawMessage) {
			// Deliveries already in flight when Detach ran must not leak into
			// the next session.
			if !b.active.Load() {
				return
			}
			t.HandleDuplex(name, payload, user.Username)
		})
	}
	return b
}

// User returns the user the binding was attached for.
func (b *Binding) User() core.User {
	return b.user
}

// Active reports whether the binding's handlers are still subscribed.
func (b *Binding) Active() bool {
	return b != nil && b.active.Load()
}

// Detach removes every handler of the binding. It is safe to call more than once.
func (b *Binding) Detach() {
	if b == nil || !b.active.CompareAndSwap(true, false) {
		return
	}
	for _, name := range EventNames() {
		b.ch.Off(name)
	}
}
