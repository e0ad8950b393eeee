// Package backendtest runs an in-process chat backend that speaks the same
// REST, server-sent events and socket.io protocol as the real one.
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/chatsync/internal/auth"
	"github.com/vovakirdan/chatsync/internal/core"
	"github.com/vovakirdan/chatsync/internal/proto"
	"github.com/vovakirdan/chatsync/internal/store"
	"github.com/vovakirdan/chatsync/internal/store/sqlite"
)

// SessionCookie is the name of the cookie carrying the session token.
const SessionCookie = "session"

const contextKeyUser = "user"

// Options tunes the fake backend.
type Options struct {
	// PingInterval is the Engine.IO ping period announced to sockets.
	PingInterval time.Duration
	PingTimeout  time.Duration
	Logger       *zerolog.Logger
}

// Server is a running fake backend.
type Server struct {
	URL string

	ts    *httptest.Server
	store store.Store
	auth  *auth.Service
	opts  Options
	log   *zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	online   map[int64]bool
	streams  map[string]chan []byte
	sockets  map[string]*socketConn
	accepted int
}

// New starts a backend and stops it when the test ends. Room "0" (General)
// exists from the start and every new user joins it.
func New(tb testing.TB, opts Options) *Server {
	tb.Helper()
	s, err := Start(opts)
	if err != nil {
		tb.Fatalf("start backend: %v", err)
	}
	tb.Cleanup(s.Close)
	return s
}

// Start starts a backend; the caller must Close it.
func Start(opts Options) (*Server, error) {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 20 * time.Second
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}

	st, err := sqlite.New(":memory:")
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	if _, err := st.EnsureRoom(ctx, core.DirectRoomID, "General"); err != nil {
		st.Close()
		return nil, err
	}

	svc := auth.NewService(st, &auth.JWTConfig{
		Secret: []byte("backendtest-secret"),
		Issuer: "backendtest",
		TTL:    time.Hour,
	})
	svc.OnRegister = func(ctx context.Context, u *store.User) error {
		return st.AddMember(ctx, u.ID, core.DirectRoomID)
	}

	s := &Server{
		store:   st,
		auth:    svc,
		opts:    opts,
		log:     opts.Logger,
		done:    make(chan struct{}),
		online:  make(map[int64]bool),
		streams: make(map[string]chan []byte),
		sockets: make(map[string]*socketConn),
	}
	s.ts = httptest.NewServer(s.routes())
	s.URL = s.ts.URL
	return s, nil
}

// Close stops streams and sockets, then the HTTP server and the store.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		for _, sc := range s.sockets {
			sc.cancel()
		}
		s.mu.Unlock()
		s.ts.Close()
		s.store.Close()
	})
}

// Store exposes the backing store for seeding.
func (s *Server) Store() store.Store {
	return s.store
}

func (s *Server) routes() http.Handler {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(gin.Recovery(), loggerMiddleware(s.log), s.sessionMiddleware())

	r.POST("/login", s.handleLogin)
	r.POST("/logout", requireUser, s.handleLogout)
	r.GET("/me", s.handleMe)
	r.GET("/stream", s.handleStream)
	r.GET("/users/online", requireUser, s.handleOnlineUsers)
	r.GET("/users", s.handleUsers)
	r.GET("/rooms/:uid", requireUser, s.handleRooms)
	r.GET("/room/:id/messages", requireUser, s.handleMessages)

	mux := http.NewServeMux()
	mux.HandleFunc("/socket.io/", s.handleSocket)
	mux.Handle("/", r)
	return mux
}

// loggerMiddleware logs every request after it is served.
func loggerMiddleware(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("backend request")
	}
}

// sessionMiddleware attaches the user of a valid session cookie.
func (s *Server) sessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if u := s.userFromRequest(c.Request); u != nil {
			c.Set(contextKeyUser, u)
		}
		c.Next()
	}
}

func (s *Server) userFromRequest(r *http.Request) *store.User {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return nil
	}
	claims, err := s.auth.ValidateToken(cookie.Value)
	if err != nil {
		s.log.Debug().Err(err).Msg("invalid session cookie")
		return nil
	}
	u, err := s.store.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		return nil
	}
	return u
}

func requireUser(c *gin.Context) {
	if _, ok := c.Get(contextKeyUser); !ok {
		c.AbortWithStatusJSON(http.StatusForbidden, nil)
		return
	}
	c.Next()
}

func currentUser(c *gin.Context) *store.User {
	v, ok := c.Get(contextKeyUser)
	if !ok {
		return nil
	}
	u, _ := v.(*store.User)
	return u
}

func userData(u *store.User, online bool) proto.UserData {
	return proto.UserData{ID: proto.ID(strconv.FormatInt(u.ID, 10)), Username: u.Username, Online: online}
}

func (s *Server) handleLogin(c *gin.Context) {
	var req proto.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, proto.ErrorResponse{Message: "invalid request body"})
		return
	}

	user, token, err := s.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrInvalidUsername) {
			c.JSON(http.StatusNotFound, proto.ErrorResponse{Message: "Invalid username or password"})
			return
		}
		s.log.Error().Err(err).Msg("login")
		c.JSON(http.StatusInternalServerError, proto.ErrorResponse{Message: "internal error"})
		return
	}

	http.SetCookie(c.Writer, &http.Cookie{Name: SessionCookie, Value: token, Path: "/", HttpOnly: true})
	c.JSON(http.StatusOK, userData(user, false))
}

func (s *Server) handleLogout(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	c.JSON(http.StatusOK, nil)
}

func (s *Server) handleMe(c *gin.Context) {
	u := currentUser(c)
	if u == nil {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, userData(u, false))
}

func (s *Server) handleOnlineUsers(c *gin.Context) {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.online))
	for id := range s.online {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	users := make(map[string]proto.UserData, len(ids))
	for _, id := range ids {
		u, err := s.store.GetUserByID(c.Request.Context(), id)
		if err != nil {
			continue
		}
		users[strconv.FormatInt(id, 10)] = userData(u, true)
	}
	c.JSON(http.StatusOK, users)
}

func (s *Server) handleUsers(c *gin.Context) {
	ids := c.QueryArray("ids[]")
	if len(ids) == 0 {
		c.JSON(http.StatusNotFound, nil)
		return
	}

	users := make(map[string]proto.UserData, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		u, err := s.store.GetUserByID(c.Request.Context(), id)
		if err != nil {
			continue
		}
		users[raw] = userData(u, s.isOnline(id))
	}
	c.JSON(http.StatusOK, users)
}

func (s *Server) handleRooms(c *gin.Context) {
	uid, err := strconv.ParseInt(c.Param("uid"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, nil)
		return
	}

	ctx := c.Request.Context()
	rooms, err := s.store.ListRooms(ctx, uid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, nil)
		return
	}

	out := make([]roomPayload, 0, len(rooms))
	for _, r := range rooms {
		p, err := s.roomPayload(ctx, r)
		if err != nil {
			c.JSON(http.StatusBadRequest, nil)
			return
		}
		out = append(out, p)
	}
	c.JSON(http.StatusOK, out)
}

// roomPayload mirrors the backend's room shape: named rooms carry [name],
// private rooms carry [[name1], [name2]].
type roomPayload struct {
	ID    string `json:"id"`
	Names []any  `json:"names"`
}

func (s *Server) roomPayload(ctx context.Context, r *store.Room) (roomPayload, error) {
	if !r.Private() {
		return roomPayload{ID: r.ID, Names: []any{r.Name}}, nil
	}
	parts := strings.Split(r.ID, ":")
	if len(parts) != 2 {
		return roomPayload{}, fmt.Errorf("bad private room id %q", r.ID)
	}
	names := make([]any, 0, 2)
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return roomPayload{}, fmt.Errorf("bad private room id %q", r.ID)
		}
		u, err := s.store.GetUserByID(ctx, id)
		if err != nil {
			return roomPayload{}, err
		}
		names = append(names, []string{u.Username})
	}
	return roomPayload{ID: r.ID, Names: names}, nil
}

func (s *Server) handleMessages(c *gin.Context) {
	offset, errOffset := strconv.Atoi(c.Query("offset"))
	size, errSize := strconv.Atoi(c.Query("size"))
	if errOffset != nil || errSize != nil || offset < 0 || size < 0 {
		c.JSON(http.StatusBadRequest, nil)
		return
	}

	msgs, err := s.store.ListMessages(c.Request.Context(), c.Param("id"), offset, size)
	if err != nil {
		c.JSON(http.StatusBadRequest, nil)
		return
	}
	out := make([]proto.MessageData, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, proto.MessageData{
			From:    proto.ID(m.From),
			Date:    m.Date,
			Message: m.Body,
			RoomID:  proto.ID(m.RoomID),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) isOnline(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[id]
}
