package realtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/chatsync/internal/core"
	"github.com/vovakirdan/chatsync/internal/metrics"
	"github.com/vovakirdan/chatsync/internal/proto"
	"github.com/vovakirdan/chatsync/internal/translate"
)

// PushChannel is a one-way server-to-client stream of text frames.
type PushChannel interface {
	// SetHandler installs the frame handler. It is called once per channel.
	SetHandler(handler func(frame []byte))
	Close() error
}

// PushOpener opens a new push channel.
type PushOpener func() (PushChannel, error)

// DuplexChannel is a reconnectable bidirectional event channel.
type DuplexChannel interface {
	translate.Subscriber
	// Connect and Disconnect record intent and return without waiting for the
	// network.
	Connect()
	Disconnect()
	Emit(event string, data any) error
}

// DuplexFactory creates the duplex channel in a disconnected state.
type DuplexFactory func() (DuplexChannel, error)

// Manager opens and closes the two transport channels as the user changes and
// keeps translator bindings in step with the current user.
type Manager struct {
	openPush  PushOpener
	newDuplex DuplexFactory
	tr        *translate.Translator
	log       *zerolog.Logger
	now       func() time.Time

	// transMu serializes transitions so state observers see them in order.
	transMu sync.Mutex

	mu        sync.Mutex
	state     State
	user      *core.User
	push      PushChannel
	pushGen   uint64
	duplex    DuplexChannel
	binding   *translate.Binding
	connected bool
	observers []func(StateEvent)
}

// NewManager builds a manager in StateLoggedOut. No channel is opened until a
// user arrives.
func NewManager(openPush PushOpener, newDuplex DuplexFactory, tr *translate.Translator, logger *zerolog.Logger) *Manager {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Manager{
		openPush:  openPush,
		newDuplex: newDuplex,
		tr:        tr,
		log:       logger,
		now:       time.Now,
	}
}

// OnStateChange registers fn for every state transition.
func (m *Manager) OnStateChange(fn func(StateEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the channels are meant to be up.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Socket returns the duplex channel, or nil before the first login.
func (m *Manager) Socket() DuplexChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duplex
}

// UserChanged drives the state machine with the session's new user.
func (m *Manager) UserChanged(user *core.User) {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.Lock()
	prev := m.user
	if core.SameUser(prev, user) {
		if user != nil {
			u := *user
			m.user = &u
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	switch {
	case prev == nil:
		m.logIn(*user)
	case user == nil:
		m.logOut()
	default:
		m.switchUser(*user)
	}
}

func (m *Manager) logIn(user core.User) {
	m.setState(StateLoggingIn)

	m.mu.Lock()
	m.user = &user
	m.ensureDuplexLocked()
	m.ensurePushLocked()
	m.connected = true
	m.attachLocked(user)
	m.mu.Unlock()

	m.log.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("channels opened")
	m.setState(StateLoggedIn)
}

func (m *Manager) logOut() {
	m.mu.Lock()
	m.user = nil
	m.detachLocked()
	if m.duplex != nil {
		m.duplex.Disconnect()
		metrics.ChannelOp(metrics.ChannelDuplex, "disconnect")
	}
	if m.push != nil {
		if err := m.push.Close(); err != nil {
			m.log.Warn().Err(err).Str("channel", metrics.ChannelPush).Msg("close push channel")
		}
		metrics.ChannelOp(metrics.ChannelPush, "close")
		m.push = nil
	}
	m.connected = false
	m.mu.Unlock()

	m.log.Info().Msg("channels closed")
	m.setState(StateLoggedOut)
}

func (m *Manager) switchUser(user core.User) {
	m.mu.Lock()
	m.user = &user
	m.detachLocked()
	if m.connected {
		m.attachLocked(user)
	}
	m.mu.Unlock()

	m.log.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("user switched")
}

// ensureDuplexLocked creates the duplex channel on first use and connects it.
func (m *Manager) ensureDuplexLocked() {
	if m.duplex == nil {
		d, err := m.newDuplex()
		if err != nil {
			m.log.Error().Err(err).Str("channel", metrics.ChannelDuplex).Msg("create duplex channel")
			return
		}
		m.duplex = d
		metrics.ChannelOp(metrics.ChannelDuplex, "create")
	}
	m.duplex.Connect()
	metrics.ChannelOp(metrics.ChannelDuplex, "connect")
}

func (m *Manager) ensurePushLocked() {
	if m.push != nil {
		return
	}
	p, err := m.openPush()
	if err != nil {
		m.log.Error().Err(err).Str("channel", metrics.ChannelPush).Msg("open push channel")
		return
	}
	m.pushGen++
	gen := m.pushGen
	p.SetHandler(func(frame []byte) {
		m.handlePush(gen, frame)
	})
	m.push = p
	metrics.ChannelOp(metrics.ChannelPush, "open")
}

// handlePush resolves the username per frame so a user switch needs no new
// push channel.
func (m *Manager) handlePush(gen uint64, frame []byte) {
	m.mu.Lock()
	if m.push == nil || gen != m.pushGen || m.user == nil {
		m.mu.Unlock()
		metrics.PushFramesDropped.WithLabelValues(metrics.ReasonStale).Inc()
		return
	}
	username := m.user.Username
	m.mu.Unlock()

	m.tr.HandlePush(frame, username)
}

func (m *Manager) attachLocked(user core.User) {
	if m.duplex == nil {
		return
	}
	if m.binding.Active() && m.binding.User().ID == user.ID {
		return
	}
	m.binding.Detach()
	m.binding = m.tr.Attach(m.duplex, user)
}

func (m *Manager) detachLocked() {
	m.binding.Detach()
	m.binding = nil
}

// SendMessage emits a chat message from the current user to roomID.
func (m *Manager) SendMessage(roomID, text string) error {
	m.mu.Lock()
	if !m.connected || m.duplex == nil || m.user == nil {
		m.mu.Unlock()
		return core.ErrNotConnected
	}
	ch := m.duplex
	msg := proto.MessageData{
		From:    proto.ID(m.user.ID),
		Date:    float64(m.now().Unix()),
		Message: text,
		RoomID:  proto.ID(roomID),
	}
	m.mu.Unlock()

	if err := ch.Emit(proto.EventMessage, msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// JoinRoom asks the server to deliver roomID's messages on the duplex channel.
func (m *Manager) JoinRoom(roomID string) error {
	m.mu.Lock()
	if !m.connected || m.duplex == nil {
		m.mu.Unlock()
		return core.ErrNotConnected
	}
	ch := m.duplex
	m.mu.Unlock()

	if err := ch.Emit(proto.EventRoomJoin, roomID); err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	return nil
}

// Close tears the channels down as if the user logged out.
func (m *Manager) Close() {
	m.UserChanged(nil)
}

func (m *Manager) setState(next State) {
	m.mu.Lock()
	old := m.state
	m.state = next
	observers := append([]func(StateEvent){}, m.observers...)
	m.mu.Unlock()

	if old == next {
		return
	}
	m.log.Debug().Str("state", next.String()).Str("old", old.String()).Msg("lifecycle state")
	for _, fn := range observers {
		fn(StateEvent{Old: old, New: next})
	}
}
