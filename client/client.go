// Package client wires the session, REST API, realtime channel and chat
// coordinator into one disposable instance.
package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jrsteele09/go-chat-session/api"
	"github.com/jrsteele09/go-chat-session/chat"
	"github.com/jrsteele09/go-chat-session/internal/config"
	"github.com/jrsteele09/go-chat-session/internal/log"
	"github.com/jrsteele09/go-chat-session/internal/metrics"
	"github.com/jrsteele09/go-chat-session/realtime"
	"github.com/jrsteele09/go-chat-session/session"
	"github.com/jrsteele09/go-chat-session/tokenstore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Client struct {
	Session     *session.Manager
	API         *api.Client
	Coordinator *chat.Coordinator
	Metrics     *metrics.Metrics
	HTTPClient  *http.Client

	config config.Config
	log    zerolog.Logger
	kv     tokenstore.KV
	redis  redis.UniversalClient
}

type Option func(*Client)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.Metrics = m
	}
}

// WithKV replaces the store substrate selected by the configuration.
func WithKV(kv tokenstore.KV) Option {
	return func(c *Client) {
		c.kv = kv
	}
}

// New builds a client from cfg. Nothing touches the network until Init or a
// session operation is called.
func New(cfg config.Config, options ...Option) (*Client, error) {
	c := &Client{
		config: cfg,
		log:    log.L(),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}

	if c.kv == nil {
		kv, err := c.newKV()
		if err != nil {
			return nil, fmt.Errorf("[client New] %w", err)
		}
		c.kv = kv
	}
	store := tokenstore.New(c.kv, tokenstore.WithLogger(c.component("tokenstore")))

	var err error
	c.Session, err = session.New(cfg.GetAuthURL(), store,
		session.WithHTTPClient(&http.Client{Timeout: cfg.GetRequestTimeout()}),
		session.WithSafetyMargin(cfg.GetExpirySafetyMargin()),
		session.WithLogger(c.component("session")),
		session.WithMetrics(c.Metrics),
	)
	if err != nil {
		c.closeRedis()
		return nil, fmt.Errorf("[client New] %w", err)
	}

	c.HTTPClient = &http.Client{Timeout: cfg.GetRequestTimeout()}
	c.Session.AddAuthorization(c.HTTPClient)

	c.API = api.New(cfg.GetAPIURL(),
		api.WithHTTPClient(c.HTTPClient),
		api.WithLogger(c.component("api")),
	)
	c.Coordinator = chat.NewCoordinator(c.API, c.Session, c.newChannel,
		chat.WithLogger(c.component("chat")),
		chat.WithMetrics(c.Metrics),
	)

	c.log.Debug().
		Str("api", cfg.GetAPIURL()).
		Str("hub", cfg.GetHubURL()).
		Str("store", string(cfg.GetStoreDriver())).
		Msg("client configured")
	return c, nil
}

// Init resumes a stored session and starts the chat coordinator. It does
// nothing when logged out.
func (c *Client) Init(ctx context.Context) error {
	if !c.Session.Resume(ctx) {
		return nil
	}
	return c.Coordinator.Init(ctx)
}

// Close disposes the coordinator, and with it the realtime channel, then the
// redis connection if one was opened.
func (c *Client) Close() error {
	err := c.Coordinator.Close()
	if rerr := c.closeRedis(); err == nil {
		err = rerr
	}
	return err
}

func (c *Client) newChannel() (chat.Channel, error) {
	return realtime.New(c.config.GetHubURL(), c.Session.TokenSource(context.Background()),
		realtime.WithReconnectDelays(c.config.GetReconnectDelays()),
		realtime.WithHandshakeTimeout(c.config.GetHandshakeTimeout()),
		realtime.WithKeepAlive(c.config.GetKeepAliveInterval(), c.config.GetServerTimeout()),
		realtime.WithLogger(c.component("realtime")),
		realtime.WithMetrics(c.Metrics),
	)
}

func (c *Client) newKV() (tokenstore.KV, error) {
	switch c.config.GetStoreDriver() {
	case config.StoreDriverMemory:
		return tokenstore.NewMemoryKV(), nil
	case config.StoreDriverRedis:
		c.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{c.config.GetRedisAddress()},
			Password: c.config.GetRedisPassword(),
			DB:       c.config.GetRedisDB(),
		})
		return tokenstore.NewRedisKV(c.redis, c.config.GetRedisPrefix()), nil
	case config.StoreDriverFile:
		var opts []tokenstore.FileOption
		if passphrase := c.config.GetStorePassphrase(); passphrase != "" {
			opts = append(opts, tokenstore.WithSealer(tokenstore.NewPassphraseSealer(passphrase)))
		}
		return tokenstore.NewFileKV(c.config.GetStorePath(), opts...), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.config.GetStoreDriver())
	}
}

func (c *Client) closeRedis() error {
	if c.redis == nil {
		return nil
	}
	r := c.redis
	c.redis = nil
	return r.Close()
}

func (c *Client) component(name string) zerolog.Logger {
	return c.log.With().Str(log.FieldComponent, name).Logger()
}
