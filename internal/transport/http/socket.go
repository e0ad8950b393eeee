package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/vovakirdan/chatsync/internal/core"
	"github.com/vovakirdan/chatsync/internal/metrics"
	"github.com/vovakirdan/chatsync/internal/proto"
	"github.com/vovakirdan/chatsync/internal/utils"
)

const (
	writeTimeout       = 5 * time.Second
	handshakeTimeout   = 10 * time.Second
	defaultPingTimeout = 45 * time.Second
)

var (
	// ErrHandshake is returned when the server does not open an Engine.IO session.
	ErrHandshake = errors.New("socket handshake failed")
	// ErrConnectRefused is returned when the server rejects the namespace connect.
	ErrConnectRefused = errors.New("socket connect refused")
	// ErrServerClosed is returned when the server ends the session.
	ErrServerClosed = errors.New("socket closed by server")
)

// SocketOptions configures a Socket.
type SocketOptions struct {
	HTTPClient      *http.Client
	MaxMessageBytes int64
	// EmitRate is the number of emits allowed per second; zero disables the limit.
	EmitRate  float64
	EmitBurst int
	// OnConnect runs on the read goroutine after every completed socket.io
	// connect, including redials. Room joins do not survive a redial.
	OnConnect func()
	Logger    *zerolog.Logger
}

// Socket is the duplex channel: a socket.io client on the default namespace
// over a websocket. While connect is requested it redials with exponential
// backoff whenever the session drops.
type Socket struct {
	url      string
	http     *http.Client
	maxBytes int64
	limiter  *rate.Limiter
	onConn   func()
	log      *zerolog.Logger

	wg conc.WaitGroup

	mu       sync.Mutex
	handlers map[string][]func(json.RawMessage)
	want     bool
	gen      uint64
	cancel   context.CancelFunc
	conn     *websocket.Conn
}

// SocketURL builds the websocket endpoint for serverURL and path.
func SocketURL(serverURL, path string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadBaseURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrBadBaseURL, u.Scheme)
	}
	u.Path = path
	q := url.Values{}
	q.Set("EIO", strconv.Itoa(proto.EngineProtocol))
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NewSocket builds a disconnected socket for the endpoint at socketURL.
func NewSocket(socketURL string, opts SocketOptions) *Socket {
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Socket{
		url:      socketURL,
		http:     opts.HTTPClient,
		maxBytes: opts.MaxMessageBytes,
		limiter:  newEmitLimiter(opts.EmitRate, opts.EmitBurst),
		onConn:   opts.OnConnect,
		log:      logger,
		handlers: make(map[string][]func(json.RawMessage)),
	}
}

// On adds a handler for event. Handlers run on the socket's read goroutine.
func (s *Socket) On(event string, handler func(json.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], handler)
}

// Off removes every handler for event.
func (s *Socket) Off(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, event)
}

// Connect starts the connection loop. It returns immediately.
func (s *Socket) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.want {
		return
	}
	s.want = true
	s.gen++
	gen := s.gen

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Go(func() {
		s.run(ctx, gen)
	})
}

// Disconnect stops the connection loop and says goodbye to the server in the
// background. The handlers stay registered.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.want {
		return
	}
	s.want = false
	cancel := s.cancel
	conn := s.conn
	s.cancel = nil
	s.conn = nil

	s.wg.Go(func() {
		if conn != nil {
			ctx, done := context.WithTimeout(context.Background(), writeTimeout)
			if err := conn.Write(ctx, websocket.MessageText, proto.EncodeDisconnect()); err != nil {
				s.log.Debug().Err(err).Msg("send disconnect")
			}
			done()
		}
		cancel()
	})
}

// Connected reports whether the socket.io session is established.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Emit sends event with data as its single argument.
func (s *Socket) Emit(event string, data any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return core.ErrNotConnected
	}
	if !allow(s.limiter) {
		return core.ErrRateLimited
	}

	frame, err := proto.EncodeEvent(event, data)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// Close disconnects and waits for every background goroutine.
func (s *Socket) Close() error {
	s.Disconnect()
	s.wg.Wait()
	return nil
}

func (s *Socket) run(ctx context.Context, gen uint64) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			metrics.DuplexReconnects.Inc()
		}
		established, err := s.session(ctx, gen)
		if ctx.Err() != nil {
			return
		}
		if established {
			b.Reset()
		}
		wait := b.NextBackOff()
		s.log.Warn().Err(err).Dur("retry_in", wait).Str("channel", metrics.ChannelDuplex).Msg("duplex session ended")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one websocket connection until it fails or ctx ends. It
// reports whether the socket.io connect completed.
func (s *Socket) session(ctx context.Context, gen uint64) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	conn, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{HTTPClient: s.http})
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	if s.maxBytes > 0 {
		conn.SetReadLimit(s.maxBytes)
	}

	log := s.log.With().Str("conn_id", utils.NewID()).Str("channel", metrics.ChannelDuplex).Logger()

	open, err := s.readFrame(ctx, conn, handshakeTimeout)
	if err != nil {
		return false, err
	}
	if open.Engine != proto.EngineOpen {
		return false, fmt.Errorf("%w: first packet %q", ErrHandshake, open.Engine)
	}
	var od proto.OpenData
	if err := json.Unmarshal(open.Payload, &od); err != nil {
		return false, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	idle := defaultPingTimeout
	if od.PingInterval > 0 || od.PingTimeout > 0 {
		idle = time.Duration(od.PingInterval+od.PingTimeout) * time.Millisecond
	}

	if err := s.write(ctx, conn, proto.EncodeConnect()); err != nil {
		return false, err
	}

	established := false
	defer func() {
		if established {
			s.setConn(conn, gen, false)
		}
	}()

	for {
		timeout := idle
		if !established {
			timeout = handshakeTimeout
		}
		f, err := s.readFrame(ctx, conn, timeout)
		if err != nil {
			return established, err
		}

		switch f.Engine {
		case proto.EnginePing:
			if err := s.write(ctx, conn, proto.EncodePong()); err != nil {
				return established, err
			}
		case proto.EngineClose:
			return established, ErrServerClosed
		case proto.EngineMessage:
			switch f.Socket {
			case proto.SocketConnect:
				if !established {
					established = true
					if !s.setConn(conn, gen, true) {
						return true, context.Canceled
					}
					log.Info().Str("sid", od.SID).Msg("duplex connected")
					if s.onConn != nil {
						s.onConn()
					}
				}
			case proto.SocketConnectError:
				return established, fmt.Errorf("%w: %s", ErrConnectRefused, f.Payload)
			case proto.SocketDisconnect:
				return established, ErrServerClosed
			case proto.SocketEvent:
				s.deliver(gen, f.Event, f.Args)
			default:
				log.Debug().Str("packet", string(f.Socket)).Msg("ignore socket packet")
			}
		default:
			log.Debug().Str("packet", string(f.Engine)).Msg("ignore engine packet")
		}
	}
}

// setConn publishes or withdraws conn for Emit. Publishing fails once the
// loop that dialed conn is no longer the current one.
func (s *Socket) setConn(conn *websocket.Conn, gen uint64, up bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !up {
		if s.conn == conn {
			s.conn = nil
		}
		return true
	}
	if !s.want || s.gen != gen {
		return false
	}
	s.conn = conn
	return true
}

// deliver runs the handlers of event unless the loop of gen has been
// superseded by Disconnect or a newer Connect.
func (s *Socket) deliver(gen uint64, event string, args []json.RawMessage) {
	s.mu.Lock()
	if !s.want || s.gen != gen {
		s.mu.Unlock()
		return
	}
	handlers := append([]func(json.RawMessage){}, s.handlers[event]...)
	s.mu.Unlock()

	payload := json.RawMessage("null")
	if len(args) > 0 {
		payload = args[0]
	}
	for _, h := range handlers {
		h(payload)
	}
}

func (s *Socket) readFrame(ctx context.Context, conn *websocket.Conn, timeout time.Duration) (proto.Frame, error) {
	for {
		rctx, cancel := context.WithTimeout(ctx, timeout)
		typ, b, err := conn.Read(rctx)
		cancel()
		if err != nil {
			return proto.Frame{}, fmt.Errorf("read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		f, err := proto.DecodeFrame(b)
		if err != nil {
			s.log.Warn().Err(err).Str("channel", metrics.ChannelDuplex).Msg("drop malformed socket frame")
			continue
		}
		return f, nil
	}
}

func (s *Socket) write(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
