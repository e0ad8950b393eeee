package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vovakirdan/chatsync/internal/backendtest"
	"github.com/vovakirdan/chatsync/internal/config"
	"github.com/vovakirdan/chatsync/internal/core"
	"github.com/vovakirdan/chatsync/internal/proto"
	"github.com/vovakirdan/chatsync/internal/realtime"
	transporthttp "github.com/vovakirdan/chatsync/internal/transport/http"
)

const waitFor = 5 * time.Second

type recorder struct {
	mu      sync.Mutex
	actions []core.Action
}

func (r *recorder) Dispatch(a core.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, a)
}

func (r *recorder) count(kind core.ActionKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.actions {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

func testConfig(serverURL string) config.Config {
	cfg := config.Default()
	cfg.ServerURL = serverURL
	cfg.EmitRate = 0
	cfg.ShutdownTimeout = waitFor
	return cfg
}

// startApp runs an App until the test ends.
func startApp(t *testing.T, srv *backendtest.Server, out core.Dispatcher) *App {
	t.Helper()
	a, err := New(testConfig(srv.URL), nil, out)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-runErr:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(2 * waitFor):
			t.Errorf("run did not return")
		}
	})

	loadCtx, loadCancel := context.WithTimeout(ctx, waitFor)
	defer loadCancel()
	user, err := a.WaitLoaded(loadCtx)
	if err != nil {
		t.Fatalf("wait loaded: %v", err)
	}
	if user != nil {
		t.Fatalf("expected no session before login, got %+v", user)
	}
	return a
}

// peer is a second chat participant driven directly through the transports.
func peer(t *testing.T, srv *backendtest.Server, username string) *transporthttp.Socket {
	t.Helper()
	c, err := transporthttp.NewClient(srv.URL, nil, waitFor, nil)
	if err != nil {
		t.Fatalf("peer client: %v", err)
	}
	if _, err := c.Login(context.Background(), username, "pw"); err != nil {
		t.Fatalf("peer login: %v", err)
	}
	u, err := transporthttp.SocketURL(srv.URL, "/socket.io/")
	if err != nil {
		t.Fatalf("socket url: %v", err)
	}
	s := transporthttp.NewSocket(u, transporthttp.SocketOptions{HTTPClient: c.HTTPClient()})
	t.Cleanup(func() { s.Close() })
	s.Connect()
	backendtest.Eventually(t, waitFor, s.Connected, "%s socket connected", username)
	return s
}

func roomHasText(a *App, roomID, text string) func() bool {
	return func() bool {
		r, ok := a.Store().Room(roomID)
		if !ok {
			return false
		}
		for _, m := range r.Messages {
			if m.Text == text {
				return true
			}
		}
		return false
	}
}

func TestEndToEndSession(t *testing.T) {
	srv := backendtest.New(t, backendtest.Options{})

	bob := peer(t, srv, "bob")
	if err := bob.Emit(proto.EventMessage, proto.MessageData{From: "1", Date: 1, Message: "earlier", RoomID: "0"}); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	backendtest.Eventually(t, waitFor, func() bool {
		ok, err := srv.Store().HasMessages(context.Background(), "0")
		return err == nil && ok
	}, "seed message stored")

	var rec recorder
	a := startApp(t, srv, &rec)

	if err := a.SendMessage("0", "too early"); !errors.Is(err, core.ErrNotLoggedIn) {
		t.Fatalf("expected ErrNotLoggedIn, got %v", err)
	}

	if err := a.LogIn(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if a.Lifecycle() != realtime.StateLoggedIn {
		t.Fatalf("expected logged in lifecycle, got %s", a.Lifecycle())
	}
	if s := a.Session(); s.User == nil || s.User.Username != "alice" {
		t.Fatalf("expected alice session, got %+v", s)
	}

	// bootstrap: rooms, history and online users
	backendtest.Eventually(t, waitFor, func() bool {
		r, ok := a.Store().Room("0")
		return ok && r.Name == "General"
	}, "general room loaded")
	backendtest.Eventually(t, waitFor, roomHasText(a, "0", "earlier"), "history loaded")
	backendtest.Eventually(t, waitFor, func() bool { return a.Store().Online("1") }, "bob online")
	if rec.count(core.ActionAddRoom) == 0 {
		t.Fatalf("expected add room forwarded to the external dispatcher")
	}

	// duplex channel: messages from a peer and our own echo
	backendtest.Eventually(t, waitFor, func() bool { return srv.Sockets() == 2 }, "alice socket connected")
	if err := bob.Emit(proto.EventMessage, proto.MessageData{From: "1", Date: 2, Message: "hello alice", RoomID: "0"}); err != nil {
		t.Fatalf("bob emit: %v", err)
	}
	backendtest.Eventually(t, waitFor, roomHasText(a, "0", "hello alice"), "peer message delivered")

	if err := a.SendMessage("0", "hi bob"); err != nil {
		t.Fatalf("send: %v", err)
	}
	backendtest.Eventually(t, waitFor, roomHasText(a, "0", "hi bob"), "own message echoed")

	// a new private room is announced with the peer's name
	if err := bob.Emit(proto.EventMessage, proto.MessageData{From: "1", Date: 3, Message: "psst", RoomID: "1:2"}); err != nil {
		t.Fatalf("bob private emit: %v", err)
	}
	backendtest.Eventually(t, waitFor, func() bool {
		r, ok := a.Store().Room("1:2")
		return ok && r.Name == "bob"
	}, "private room announced")

	// push channel
	backendtest.Eventually(t, waitFor, func() bool { return srv.Streams() == 1 }, "push stream open")
	if err := srv.Publish(proto.EventUserConnected, proto.UserData{ID: "9", Username: "carol"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	backendtest.Eventually(t, waitFor, roomHasText(a, "0", "carol connected"), "push presence delivered")
	if u, ok := a.Store().User("9"); !ok || u.Username != "carol" {
		t.Fatalf("expected carol stored, got %+v", u)
	}

	a.LogOut(context.Background())
	if a.Lifecycle() != realtime.StateLoggedOut {
		t.Fatalf("expected logged out lifecycle, got %s", a.Lifecycle())
	}
	if len(a.Store().Rooms()) != 0 || len(a.Store().Users()) != 0 {
		t.Fatalf("expected store cleared after logout")
	}
	if rec.count(core.ActionClear) != 1 {
		t.Fatalf("expected one clear action, got %d", rec.count(core.ActionClear))
	}
	if err := a.SendMessage("0", "gone"); !errors.Is(err, core.ErrNotLoggedIn) {
		t.Fatalf("expected ErrNotLoggedIn after logout, got %v", err)
	}
	backendtest.Eventually(t, waitFor, func() bool { return srv.Streams() == 0 }, "push stream closed")
}

func TestLoginRejected(t *testing.T) {
	srv := backendtest.New(t, backendtest.Options{})
	peer(t, srv, "alice")

	a := startApp(t, srv, nil)
	err := a.LogIn(context.Background(), "alice", "wrong")
	if !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("expected ErrLoginFailed, got %v", err)
	}
	if got := err.Error(); got != "login failed: Invalid username or password" {
		t.Fatalf("unexpected error text %q", got)
	}
	if a.Session().User != nil || a.Lifecycle() != realtime.StateLoggedOut {
		t.Fatalf("expected to stay logged out")
	}
}

func TestNewRejectsBadServerURL(t *testing.T) {
	if _, err := New(testConfig("ftp://nowhere"), nil, nil); !errors.Is(err, transporthttp.ErrBadBaseURL) {
		t.Fatalf("expected ErrBadBaseURL, got %v", err)
	}
}

func TestRepeatedUserReloadsClearedState(t *testing.T) {
	srv := backendtest.New(t, backendtest.Options{})
	a := startApp(t, srv, nil)
	if err := a.LogIn(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	generalLoaded := func() bool {
		r, ok := a.Store().Room("0")
		return ok && r.Name == "General"
	}
	backendtest.Eventually(t, waitFor, generalLoaded, "general room loaded")

	// a late clear while alice stays logged in, followed by the session
	// handing alice to observers again
	a.dispatch.Dispatch(core.Clear())
	if len(a.Store().Rooms()) != 0 {
		t.Fatalf("expected clear to empty the store")
	}
	a.userChanged(a.session.User())
	backendtest.Eventually(t, waitFor, generalLoaded, "general room reloaded")
	if a.Lifecycle() != realtime.StateLoggedIn {
		t.Fatalf("expected lifecycle to stay logged in, got %s", a.Lifecycle())
	}
}
