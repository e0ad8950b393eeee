package session

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/vovakirdan/chatsync/internal/core"
)

type fakeAuth struct {
	mu      sync.Mutex
	meCalls int

	me     func(call int) (*core.User, error)
	login  func(username, password string) (*core.User, error)
	logout func() error
}

func (f *fakeAuth) Me(context.Context) (*core.User, error) {
	f.mu.Lock()
	f.meCalls++
	call := f.meCalls
	f.mu.Unlock()
	if f.me == nil {
		return nil, nil
	}
	return f.me(call)
}

func (f *fakeAuth) Login(_ context.Context, username, password string) (*core.User, error) {
	return f.login(username, password)
}

func (f *fakeAuth) Logout(context.Context) error {
	if f.logout == nil {
		return nil
	}
	return f.logout()
}

func (f *fakeAuth) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meCalls
}

// journal records observer calls and dispatched actions in one ordered list.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) Dispatch(a core.Action) {
	j.add("dispatch:" + a.Kind.String())
}

func (j *journal) observe(u *core.User) {
	if u == nil {
		j.add("user:nil")
		return
	}
	j.add("user:" + u.Username)
}

var alice = &core.User{ID: "1", Username: "alice"}

func newTestManager(t *testing.T, auth *fakeAuth, onLoaded func(*core.User)) (*Manager, *journal) {
	t.Helper()
	j := &journal{}
	m := NewManager(auth, j, onLoaded, nil)
	m.Subscribe(j.observe)
	return m, j
}

func TestActivateRunsIdentityCheckOnce(t *testing.T) {
	auth := &fakeAuth{me: func(int) (*core.User, error) { return alice, nil }}
	var loaded []*core.User
	m, j := newTestManager(t, auth, func(u *core.User) { loaded = append(loaded, u) })

	if s := m.Session(); !s.Loading || s.User != nil {
		t.Fatalf("expected initial loading state, got %+v", s)
	}

	m.Activate(context.Background())
	m.Activate(context.Background())
	m.Wait()

	if auth.calls() != 1 {
		t.Fatalf("expected one identity check, got %d", auth.calls())
	}
	if len(loaded) != 1 || loaded[0] == nil || loaded[0].Username != "alice" {
		t.Fatalf("expected onUserLoaded(alice) once, got %+v", loaded)
	}
	s := m.Session()
	if s.Loading || s.User == nil || s.User.ID != "1" {
		t.Fatalf("unexpected session after check: %+v", s)
	}
	if got := j.all(); !reflect.DeepEqual(got, []string{"user:alice"}) {
		t.Fatalf("unexpected journal: %v", got)
	}
}

func TestIdentityCheckFailureMeansLoggedOut(t *testing.T) {
	auth := &fakeAuth{me: func(int) (*core.User, error) { return nil, errors.New("boom") }}
	var loaded []*core.User
	m, j := newTestManager(t, auth, func(u *core.User) { loaded = append(loaded, u) })

	m.Activate(context.Background())
	m.Wait()

	s := m.Session()
	if s.Loading || s.User != nil {
		t.Fatalf("expected resolved logged-out session, got %+v", s)
	}
	if len(loaded) != 1 || loaded[0] != nil {
		t.Fatalf("expected onUserLoaded(nil) once, got %+v", loaded)
	}
	if got := j.all(); len(got) != 0 {
		t.Fatalf("expected no observer calls, got %v", got)
	}
}

func TestLogInSuccess(t *testing.T) {
	auth := &fakeAuth{login: func(username, password string) (*core.User, error) {
		if username != "alice" || password != "secret" {
			t.Errorf("unexpected credentials %q/%q", username, password)
		}
		return alice, nil
	}}
	m, j := newTestManager(t, auth, nil)

	var calls []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, s)
	}

	m.LogIn(context.Background(), "alice", "secret",
		func(msg string) { record("error:" + msg) },
		func(loading bool) {
			if loading {
				record("loading:true")
			} else {
				record("loading:false")
			}
		})
	m.Wait()

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(calls, []string{"error:", "loading:true", "loading:false"}) {
		t.Fatalf("unexpected callback sequence: %v", calls)
	}
	if u := m.User(); u == nil || u.Username != "alice" {
		t.Fatalf("expected alice, got %+v", u)
	}
	if got := j.all(); !reflect.DeepEqual(got, []string{"user:alice"}) {
		t.Fatalf("unexpected journal: %v", got)
	}
}

func TestLogInFailureKeepsUser(t *testing.T) {
	auth := &fakeAuth{login: func(string, string) (*core.User, error) {
		return nil, errors.New("Invalid username or password")
	}}
	m, j := newTestManager(t, auth, nil)

	var lastErr string
	loadingDone := false
	m.LogIn(context.Background(), "alice", "wrong",
		func(msg string) { lastErr = msg },
		func(loading bool) { loadingDone = !loading })
	m.Wait()

	if lastErr != "Invalid username or password" {
		t.Fatalf("expected backend message, got %q", lastErr)
	}
	if !loadingDone {
		t.Fatalf("expected onLoading(false) after failure")
	}
	if m.User() != nil {
		t.Fatalf("expected no user after failed login")
	}
	if got := j.all(); len(got) != 0 {
		t.Fatalf("expected no transitions, got %v", got)
	}
}

func TestLogOutTearsDownBeforeClear(t *testing.T) {
	auth := &fakeAuth{login: func(string, string) (*core.User, error) { return alice, nil }}
	m, j := newTestManager(t, auth, nil)

	m.LogIn(context.Background(), "alice", "secret", nil, nil)
	m.Wait()
	m.LogOut(context.Background())
	m.Wait()

	want := []string{"user:alice", "user:nil", "dispatch:clear"}
	if got := j.all(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if s := m.Session(); !s.Loading || s.User != nil {
		t.Fatalf("expected loading logged-out session, got %+v", s)
	}
}

func TestLogOutWithoutSessionStillClears(t *testing.T) {
	auth := &fakeAuth{logout: func() error { return errors.New("403") }}
	m, j := newTestManager(t, auth, nil)

	m.LogOut(context.Background())
	m.Wait()

	if got := j.all(); !reflect.DeepEqual(got, []string{"dispatch:clear"}) {
		t.Fatalf("expected only a clear dispatch, got %v", got)
	}
	if !m.Session().Loading {
		t.Fatalf("expected loading to be true after logout")
	}
}

func TestLogOutRearmsIdentityCheck(t *testing.T) {
	auth := &fakeAuth{me: func(call int) (*core.User, error) {
		if call == 1 {
			return alice, nil
		}
		return nil, nil
	}}
	var loaded []*core.User
	var mu sync.Mutex
	m, _ := newTestManager(t, auth, func(u *core.User) {
		mu.Lock()
		defer mu.Unlock()
		loaded = append(loaded, u)
	})

	m.Activate(context.Background())
	m.Wait()
	m.LogOut(context.Background())
	m.Wait()

	if auth.calls() != 2 {
		t.Fatalf("expected identity check to run again, got %d calls", auth.calls())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(loaded) != 2 || loaded[1] != nil {
		t.Fatalf("expected second onUserLoaded(nil), got %+v", loaded)
	}
	if s := m.Session(); s.Loading || s.User != nil {
		t.Fatalf("unexpected session after re-check: %+v", s)
	}
}

func TestLateLoginAfterLogoutIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	auth := &fakeAuth{login: func(string, string) (*core.User, error) {
		<-release
		return alice, nil
	}}
	m, j := newTestManager(t, auth, nil)

	m.LogIn(context.Background(), "alice", "secret", nil, nil)
	m.LogOut(context.Background())
	close(release)
	m.Wait()

	if m.User() != nil {
		t.Fatalf("expected late login to be discarded, got %+v", m.User())
	}
	for _, entry := range j.all() {
		if entry == "user:alice" {
			t.Fatalf("late login must not notify observers: %v", j.all())
		}
	}
}

func TestLateLogoutKeepsNewerLogin(t *testing.T) {
	releaseLogout := make(chan struct{})
	logoutDone := make(chan struct{})
	auth := &fakeAuth{
		login: func(string, string) (*core.User, error) { return alice, nil },
		logout: func() error {
			defer close(logoutDone)
			<-releaseLogout
			return nil
		},
	}
	m, j := newTestManager(t, auth, nil)

	m.LogOut(context.Background())

	loginDone := make(chan struct{})
	m.LogIn(context.Background(), "alice", "secret", nil, func(loading bool) {
		if !loading {
			close(loginDone)
		}
	})
	<-loginDone

	close(releaseLogout)
	<-logoutDone
	m.Wait()

	s := m.Session()
	if s.User == nil || s.User.Username != "alice" {
		t.Fatalf("expected newer login to survive, got %+v", s)
	}
	if !s.Loading {
		t.Fatalf("expected logout to re-arm loading")
	}
	// observers see the surviving user again after the late clear
	want := []string{"user:alice", "dispatch:clear", "user:alice"}
	if got := j.all(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
