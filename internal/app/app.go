package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/vovakirdan/chatsync/internal/config"
	"github.com/vovakirdan/chatsync/internal/core"
	"github.com/vovakirdan/chatsync/internal/realtime"
	"github.com/vovakirdan/chatsync/internal/rooms"
	"github.com/vovakirdan/chatsync/internal/session"
	"github.com/vovakirdan/chatsync/internal/state"
	"github.com/vovakirdan/chatsync/internal/translate"
	transporthttp "github.com/vovakirdan/chatsync/internal/transport/http"
)

var (
	// ErrLoginFailed wraps the message of a rejected login.
	ErrLoginFailed = errors.New("login failed")
	// ErrShutdownTimeout is returned when background work outlives shutdown_timeout.
	ErrShutdownTimeout = errors.New("shutdown timed out")
)

// App wires the session, lifecycle and translation layers to the HTTP
// transports and the state store.
type App struct {
	cfg config.Config
	log *zerolog.Logger

	api      *transporthttp.Client
	store    *state.Store
	dispatch core.Dispatcher
	rt       *realtime.Manager
	session  *session.Manager
	metrics  *stdhttp.Server

	// ctx bounds background work started by the app; Run cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	boot   conc.WaitGroup

	loadedOnce sync.Once
	loaded     chan struct{}

	mu     sync.Mutex
	socket *transporthttp.Socket
	joined map[string]bool
}

// New constructs the application. Every canonical action is applied to the
// built-in store and then forwarded to out, which may be nil.
func New(cfg config.Config, logger *zerolog.Logger, out core.Dispatcher) (*App, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	hc, err := transporthttp.NewHTTPClient()
	if err != nil {
		return nil, err
	}
	api, err := transporthttp.NewClient(cfg.ServerURL, hc, cfg.RequestTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("init api client: %w", err)
	}
	socketURL, err := transporthttp.SocketURL(cfg.ServerURL, cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("init socket url: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		cfg:    cfg,
		log:    logger,
		api:    api,
		store:  state.NewStore(),
		ctx:    ctx,
		cancel: cancel,
		loaded: make(chan struct{}),
		joined: make(map[string]bool),
	}

	dispatch := core.DispatchFunc(func(action core.Action) {
		a.store.Dispatch(action)
		if out != nil {
			out.Dispatch(action)
		}
	})
	a.dispatch = dispatch

	streamURL := api.Endpoint(cfg.StreamPath)
	openPush := func() (realtime.PushChannel, error) {
		return transporthttp.NewEventSource(streamURL, hc, logger), nil
	}
	newDuplex := func() (realtime.DuplexChannel, error) {
		s := transporthttp.NewSocket(socketURL, transporthttp.SocketOptions{
			HTTPClient:      hc,
			MaxMessageBytes: cfg.MaxMessageBytes,
			EmitRate:        cfg.EmitRate,
			EmitBurst:       cfg.EmitBurst,
			OnConnect:       a.rejoinRooms,
			Logger:          logger,
		})
		a.mu.Lock()
		a.socket = s
		a.mu.Unlock()
		return s, nil
	}

	tr := translate.New(dispatch, rooms.ParseRoomName, logger)
	a.rt = realtime.NewManager(openPush, newDuplex, tr, logger)
	a.session = session.NewManager(api, dispatch, a.userLoaded, logger)
	a.session.Subscribe(a.rt.UserChanged)
	a.session.Subscribe(a.userChanged)

	return a, nil
}

// Run activates the session and blocks until ctx is canceled or the metrics
// server fails. Channels are torn down on the way out; the server session is
// left as is.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)
	if a.cfg.MetricsAddr != "" {
		a.metrics = &stdhttp.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           metricsRouter(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.log.Info().Str("addr", a.cfg.MetricsAddr).Msg("serving metrics")
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	a.session.Activate(a.ctx)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = fmt.Errorf("metrics server: %w", err)
	}

	if err := a.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func metricsRouter() stdhttp.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		c.String(stdhttp.StatusOK, "ok")
	})
	return r
}

func (a *App) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	a.cancel()
	a.rt.Close()

	if a.metrics != nil {
		if err := a.metrics.Shutdown(shutdownCtx); err != nil {
			a.log.Warn().Err(err).Msg("metrics server shutdown")
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.session.Wait()
		a.boot.Wait()
		a.mu.Lock()
		s := a.socket
		a.mu.Unlock()
		if s != nil {
			_ = s.Close()
		}
	}()

	select {
	case <-done:
		a.log.Info().Msg("client stopped")
		return nil
	case <-shutdownCtx.Done():
		return ErrShutdownTimeout
	}
}

// WaitLoaded blocks until the first identity check resolves and returns the
// current user.
func (a *App) WaitLoaded(ctx context.Context) (*core.User, error) {
	select {
	case <-a.loaded:
		return a.session.User(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *App) userLoaded(*core.User) {
	a.loadedOnce.Do(func() { close(a.loaded) })
}

// LogIn authenticates and waits for the outcome.
func (a *App) LogIn(ctx context.Context, username, password string) error {
	done := make(chan struct{})
	var msg string
	a.session.LogIn(ctx, username, password,
		func(m string) { msg = m },
		func(loading bool) {
			if !loading {
				close(done)
			}
		})

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if msg != "" {
		return fmt.Errorf("%w: %s", ErrLoginFailed, msg)
	}
	return nil
}

// LogOut ends the session and waits until the local state is cleared.
func (a *App) LogOut(ctx context.Context) {
	a.session.LogOut(ctx)
	a.session.Wait()
}

// SendMessage sends text to roomID as the current user.
func (a *App) SendMessage(roomID, text string) error {
	if a.session.User() == nil {
		return core.ErrNotLoggedIn
	}
	return a.rt.SendMessage(roomID, text)
}

// JoinRoom subscribes to roomID now and again after every reconnect.
func (a *App) JoinRoom(roomID string) error {
	a.mu.Lock()
	a.joined[roomID] = true
	a.mu.Unlock()
	return a.rt.JoinRoom(roomID)
}

// Store returns the state built from every dispatched action.
func (a *App) Store() *state.Store {
	return a.store
}

// Session returns the current session snapshot.
func (a *App) Session() session.Session {
	return a.session.Session()
}

// Lifecycle returns the connection lifecycle state.
func (a *App) Lifecycle() realtime.State {
	return a.rt.State()
}

func (a *App) rejoinRooms() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.joined))
	for id := range a.joined {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	slices.Sort(ids)

	for _, id := range ids {
		if err := a.rt.JoinRoom(id); err != nil {
			a.log.Warn().Err(err).Str("room_id", id).Msg("rejoin room")
		}
	}
}

func (a *App) userChanged(user *core.User) {
	if user == nil {
		a.mu.Lock()
		clear(a.joined)
		a.mu.Unlock()
		return
	}
	u := *user
	a.boot.Go(func() {
		a.bootstrap(a.ctx, u)
	})
}

// bootstrap loads the rooms, recent history and online users of a freshly
// authenticated user.
func (a *App) bootstrap(ctx context.Context, user core.User) {
	log := a.log.With().Str("user_id", user.ID).Logger()
	stillCurrent := func() bool {
		cur := a.session.User()
		return cur != nil && cur.ID == user.ID
	}

	roomList, err := a.api.Rooms(ctx, user.ID)
	if err != nil {
		log.Warn().Err(err).Msg("load rooms")
	}
	online, err := a.api.OnlineUsers(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("load online users")
	}
	history, err := a.api.Messages(ctx, core.DirectRoomID, 0, a.cfg.HistorySize)
	if err != nil {
		log.Warn().Err(err).Msg("load history")
	}
	if !stillCurrent() {
		log.Debug().Msg("bootstrap superseded")
		return
	}

	dispatch := a.dispatch.Dispatch
	for _, u := range online {
		dispatch(core.SetUser(u))
	}
	for _, r := range roomList {
		dispatch(core.AddRoom(r.ID.String(), rooms.ParseRoomName(r.Names, user.Username)))
	}
	// the backend returns the newest message first
	for i := len(history) - 1; i >= 0; i-- {
		dispatch(core.AppendMessage(core.DirectRoomID, history[i]))
	}

	for _, r := range roomList {
		if err := a.JoinRoom(r.ID.String()); err != nil && !errors.Is(err, core.ErrNotConnected) {
			log.Warn().Err(err).Str("room_id", r.ID.String()).Msg("join room")
		}
	}
	log.Info().Int("rooms", len(roomList)).Int("online", len(online)).Int("history", len(history)).Msg("bootstrap done")
}
