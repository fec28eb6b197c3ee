package realtime

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/jrsteele09/go-chat-session/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	DefaultHandshakeTimeout  = 15 * time.Second
	DefaultKeepAliveInterval = 15 * time.Second
	DefaultServerTimeout     = 30 * time.Second

	writeWait = 10 * time.Second
)

// DefaultReconnectDelays is the wait before each reconnect attempt; after the
// last one the channel gives up.
var DefaultReconnectDelays = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

type ChannelOption func(*Channel)

func WithDialer(d *websocket.Dialer) ChannelOption {
	return func(c *Channel) {
		c.dialer = d
	}
}

// WithReconnectDelays replaces the reconnect schedule. An empty list disables
// automatic reconnects.
func WithReconnectDelays(delays []time.Duration) ChannelOption {
	return func(c *Channel) {
		c.delays = append([]time.Duration(nil), delays...)
	}
}

func WithHandshakeTimeout(d time.Duration) ChannelOption {
	return func(c *Channel) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithKeepAlive sets the client ping interval and how long the server may stay
// silent before the connection is considered lost. Non-positive values keep
// the defaults.
func WithKeepAlive(interval, serverTimeout time.Duration) ChannelOption {
	return func(c *Channel) {
		if interval > 0 {
			c.keepAlive = interval
		}
		if serverTimeout > 0 {
			c.serverTimeout = serverTimeout
		}
	}
}

func WithLogger(l zerolog.Logger) ChannelOption {
	return func(c *Channel) {
		c.log = l
	}
}

func WithMetrics(m *metrics.Metrics) ChannelOption {
	return func(c *Channel) {
		c.metrics = m
	}
}
