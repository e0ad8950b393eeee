package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons for PushFramesDropped.
const (
	ReasonMalformed = "malformed"
	ReasonUnknown   = "unknown_type"
	ReasonStale     = "stale"
)

// Channel labels for ChannelOps.
const (
	ChannelPush   = "push"
	ChannelDuplex = "duplex"
)

var (
	ActionsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_actions_dispatched_total",
		Help: "Canonical actions forwarded to the reducer",
	}, []string{"kind"})
	PushFramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_push_frames_dropped_total",
		Help: "Inbound push frames that produced no actions",
	}, []string{"reason"})
	ChannelOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_channel_ops_total",
		Help: "Open, close, connect and disconnect requests per transport channel",
	}, []string{"channel", "op"})
	DuplexReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_duplex_reconnects_total",
		Help: "Redials of the duplex channel after an unexpected disconnect",
	})
)

func init() {
	prometheus.MustRegister(ActionsDispatched, PushFramesDropped, ChannelOps, DuplexReconnects)
}

// ChannelOp counts one lifecycle request on a channel.
func ChannelOp(channel, op string) {
	ChannelOps.WithLabelValues(channel, op).Inc()
}
