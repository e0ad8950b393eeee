package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/vovakirdan/chatsync/internal/core"
)

// Authenticator performs the backend authentication calls.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*core.User, error)
	Logout(ctx context.Context) error
	// Me returns the user attached to the current cookies, or nil.
	Me(ctx context.Context) (*core.User, error)
}

// Session is a snapshot of the authentication state.
type Session struct {
	User    *core.User
	Loading bool
}

// Manager owns the authenticated user and its loading lifecycle. Backend calls
// run in the background; callers learn about results through callbacks and
// user-change observers.
type Manager struct {
	auth         Authenticator
	dispatch     core.Dispatcher
	onUserLoaded func(*core.User)
	log          *zerolog.Logger

	wg conc.WaitGroup

	// notifyMu serializes user transitions with their observer calls so
	// observers see changes in order.
	notifyMu sync.Mutex

	mu        sync.Mutex
	user      *core.User
	loading   bool
	active    bool
	epoch     uint64
	observers []func(*core.User)
}

// NewManager builds a manager in the loading state. onUserLoaded may be nil.
func NewManager(auth Authenticator, dispatch core.Dispatcher, onUserLoaded func(*core.User), logger *zerolog.Logger) *Manager {
	if onUserLoaded == nil {
		onUserLoaded = func(*core.User) {}
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Manager{
		auth:         auth,
		dispatch:     dispatch,
		onUserLoaded: onUserLoaded,
		log:          logger,
		loading:      true,
	}
}

// Subscribe registers fn to be called with the new user after every change.
func (m *Manager) Subscribe(fn func(*core.User)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Session returns the current state.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Session{User: cloneUser(m.user), Loading: m.loading}
}

// User returns the current user or nil.
func (m *Manager) User() *core.User {
	return m.Session().User
}

// Activate starts the manager. While loading, it runs one identity check.
// Later calls are no-ops.
func (m *Manager) Activate(ctx context.Context) {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return
	}
	m.active = true
	loading := m.loading
	epoch := m.epoch
	m.mu.Unlock()

	if loading {
		m.checkIdentity(ctx, epoch)
	}
}

func (m *Manager) checkIdentity(ctx context.Context, epoch uint64) {
	m.wg.Go(func() {
		user, err := m.auth.Me(ctx)
		if err != nil {
			m.log.Warn().Err(err).Msg("identity check failed, treating as logged out")
			user = nil
		}

		m.notifyMu.Lock()
		defer m.notifyMu.Unlock()

		m.mu.Lock()
		stale := m.epoch != epoch
		changed := false
		if !stale {
			changed = !sameSnapshot(m.user, user)
			m.user = cloneUser(user)
		}
		m.loading = false
		current := cloneUser(m.user)
		observers := m.snapshotObservers()
		m.mu.Unlock()

		if stale {
			m.log.Debug().Msg("identity check superseded by login or logout")
		}
		if changed {
			notify(observers, current)
		}
		m.onUserLoaded(current)
	})
}

// LogIn authenticates in the background. onError receives "" first to clear a
// previous error, then the failure message if the login fails. onLoading(true)
// is called before returning; onLoading(false) always follows completion.
func (m *Manager) LogIn(ctx context.Context, username, password string, onError func(string), onLoading func(bool)) {
	if onError == nil {
		onError = func(string) {}
	}
	if onLoading == nil {
		onLoading = func(bool) {}
	}

	onError("")
	onLoading(true)

	m.mu.Lock()
	m.epoch++
	epoch := m.epoch
	m.mu.Unlock()

	m.wg.Go(func() {
		defer onLoading(false)

		user, err := m.auth.Login(ctx, username, password)
		if err != nil {
			m.log.Info().Err(err).Str("username", username).Msg("login failed")
			onError(err.Error())
			return
		}
		if user == nil {
			onError("login returned no user")
			return
		}

		if !m.setUser(user, epoch) {
			m.log.Debug().Str("username", username).Msg("login result superseded")
			return
		}
		m.log.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("logged in")
	})
}

// LogOut ends the session in the background. On completion the user is
// cleared (channels observe this first), a clear action is dispatched and the
// identity check is re-armed. A backend failure is logged and the local
// teardown still happens.
func (m *Manager) LogOut(ctx context.Context) {
	m.mu.Lock()
	m.epoch++
	epoch := m.epoch
	m.mu.Unlock()

	m.wg.Go(func() {
		if err := m.auth.Logout(ctx); err != nil {
			m.log.Warn().Err(err).Msg("logout request failed, clearing local session anyway")
		}

		superseded := !m.setUser(nil, epoch)
		if superseded {
			m.log.Debug().Msg("logout superseded by a newer login, keeping user")
		}

		m.dispatch.Dispatch(core.Clear())
		if superseded {
			m.renotify()
		}

		m.mu.Lock()
		rearm := !m.loading && m.active
		m.loading = true
		next := m.epoch
		m.mu.Unlock()

		m.log.Info().Msg("logged out")
		if rearm {
			m.checkIdentity(ctx, next)
		}
	})
}

// Wait blocks until every background call has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// setUser applies user if epoch is still current and notifies observers on a
// change. It reports whether the epoch was current.
func (m *Manager) setUser(user *core.User, epoch uint64) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return false
	}
	changed := !sameSnapshot(m.user, user)
	m.user = cloneUser(user)
	current := cloneUser(m.user)
	observers := m.snapshotObservers()
	m.mu.Unlock()

	if changed {
		notify(observers, current)
	}
	return true
}

// renotify hands the current user to observers again so they can reload
// what a late clear wiped out.
func (m *Manager) renotify() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	current := cloneUser(m.user)
	observers := m.snapshotObservers()
	m.mu.Unlock()

	if current != nil {
		notify(observers, current)
	}
}

func (m *Manager) snapshotObservers() []func(*core.User) {
	return append([]func(*core.User){}, m.observers...)
}

func notify(observers []func(*core.User), user *core.User) {
	for _, fn := range observers {
		fn(cloneUser(user))
	}
}

func sameSnapshot(a, b *core.User) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func cloneUser(u *core.User) *core.User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}
