package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/chatsync/internal/utils"
)

// EventSource is the push channel: a server-sent events stream whose data
// fields carry JSON envelopes. The stream reconnects on its own until Close.
type EventSource struct {
	client *sse.Client
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

// NewEventSource prepares a stream from url. Nothing is requested until
// SetHandler is called.
func NewEventSource(url string, httpClient *http.Client, logger *zerolog.Logger) *EventSource {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	ctx, cancel := context.WithCancel(context.Background())
	es := &EventSource{
		ctx:    ctx,
		cancel: cancel,
		log:    logger.With().Str("channel", "push").Str("conn_id", utils.NewID()).Logger(),
		done:   make(chan struct{}),
	}

	client := sse.NewClient(url)
	if httpClient != nil {
		client.Connection = httpClient
	}
	client.ReconnectStrategy = newReconnectBackOff(ctx)
	client.ReconnectNotify = func(err error, next time.Duration) {
		es.log.Warn().Err(err).Dur("retry_in", next).Msg("push stream interrupted")
	}
	es.client = client
	return es
}

// SetHandler starts the stream and delivers each event's data to handler.
// Only the first call has an effect.
func (es *EventSource) SetHandler(handler func(frame []byte)) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.started || es.ctx.Err() != nil {
		return
	}
	es.started = true

	go func() {
		defer close(es.done)
		es.log.Debug().Msg("push stream subscribing")
		err := es.client.SubscribeRawWithContext(es.ctx, func(ev *sse.Event) {
			if ev == nil || len(ev.Data) == 0 || es.ctx.Err() != nil {
				return
			}
			handler(ev.Data)
		})
		if err != nil && !errors.Is(err, context.Canceled) && es.ctx.Err() == nil {
			es.log.Error().Err(err).Msg("push stream stopped")
			return
		}
		es.log.Debug().Msg("push stream closed")
	}()
}

// Close stops the stream. It does not wait for an in-flight delivery.
func (es *EventSource) Close() error {
	es.cancel()
	es.mu.Lock()
	defer es.mu.Unlock()
	if !es.started {
		es.started = true
		close(es.done)
	}
	return nil
}

// Done is closed once the stream goroutine has exited.
func (es *EventSource) Done() <-chan struct{} {
	return es.done
}

// reconnectBackOff feeds the sse client exponential delays until ctx ends.
type reconnectBackOff struct {
	ctx context.Context
	b   *backoff.ExponentialBackOff
}

func newReconnectBackOff(ctx context.Context) *reconnectBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return &reconnectBackOff{ctx: ctx, b: b}
}

func (r *reconnectBackOff) NextBackOff() time.Duration {
	if r.ctx.Err() != nil {
		return backoff.Stop
	}
	return r.b.NextBackOff()
}

func (r *reconnectBackOff) Reset() {
	r.b.Reset()
}
