// Package realtime is the client side of the chat hub: one long-lived
// websocket carrying server pushes and client invocations, reconnected
// automatically after unexpected drops.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jrsteele09/go-chat-session/internal/errors"
	"github.com/jrsteele09/go-chat-session/internal/log"
	"github.com/jrsteele09/go-chat-session/internal/metrics"
	"github.com/jrsteele09/go-chat-session/internal/queue"
	"github.com/jrsteele09/go-chat-session/realtime/hubproto"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

type invocationResult struct {
	msg hubproto.Message
	err error
}

// Channel is safe for concurrent use. Subscriptions survive reconnects;
// pending invocations do not.
type Channel struct {
	hubURL           *url.URL
	tokens           oauth2.TokenSource
	dialer           *websocket.Dialer
	delays           []time.Duration
	handshakeTimeout time.Duration
	keepAlive        time.Duration
	serverTimeout    time.Duration
	log              zerolog.Logger
	metrics          *metrics.Metrics

	// ctx is canceled by Close and bounds reconnect attempts.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	conn     *connection
	closed   bool
	pending  map[string]chan invocationResult
	subs     map[string]map[*queue.Queue[Event]]struct{}
	watchers map[*queue.Queue[StateChange]]struct{}
}

// New creates a disconnected channel for the hub at hubURL (http(s) URLs are
// mapped to ws(s)). tokens is consulted on every connection attempt and must
// not cache.
func New(hubURL string, tokens oauth2.TokenSource, options ...ChannelOption) (*Channel, error) {
	u, err := websocketURL(hubURL)
	if err != nil {
		return nil, fmt.Errorf("[realtime New] %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		hubURL:           u,
		tokens:           tokens,
		delays:           append([]time.Duration(nil), DefaultReconnectDelays...),
		handshakeTimeout: DefaultHandshakeTimeout,
		keepAlive:        DefaultKeepAliveInterval,
		serverTimeout:    DefaultServerTimeout,
		log:              log.L().With().Str(log.FieldComponent, "realtime").Logger(),
		ctx:              ctx,
		cancel:           cancel,
		pending:          make(map[string]chan invocationResult),
		subs:             make(map[string]map[*queue.Queue[Event]]struct{}),
		watchers:         make(map[*queue.Queue[StateChange]]struct{}),
	}
	for _, opt := range options {
		opt(ch)
	}
	if ch.dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = ch.handshakeTimeout
		ch.dialer = &d
	}
	return ch, nil
}

func websocketURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid hub url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}
	return u, nil
}

// Connect dials the hub and completes the handshake. A failed first connect
// is reported and not retried; the channel stays Disconnected.
func (ch *Channel) Connect(ctx context.Context) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return errors.ErrChannelClosed
	}
	switch ch.state {
	case StateConnected:
		ch.mu.Unlock()
		return nil
	case StateConnecting, StateReconnecting:
		ch.mu.Unlock()
		return fmt.Errorf("%w: connection attempt already in progress", errors.ErrConnectFailed)
	}
	ch.setStateLocked(StateConnecting)
	ch.mu.Unlock()

	c, leftover, err := ch.dial(ctx)

	ch.mu.Lock()
	if err != nil {
		if !ch.closed {
			ch.setStateLocked(StateDisconnected)
		}
		ch.mu.Unlock()
		ch.log.Warn().Err(err).Msg("connect failed")
		return errors.Join(errors.ErrConnectFailed, err)
	}
	if ch.closed {
		ch.mu.Unlock()
		c.close()
		return errors.ErrChannelClosed
	}
	ch.conn = c
	ch.setStateLocked(StateConnected)
	ch.mu.Unlock()

	go ch.serve(c, leftover)
	return nil
}

// dial opens a websocket with a fresh access token and performs the
// handshake. Records that arrived with the handshake answer are returned for
// the read loop.
func (ch *Channel) dial(ctx context.Context) (*connection, [][]byte, error) {
	tok, err := ch.tokens.Token()
	if err != nil {
		return nil, nil, fmt.Errorf("access token: %w", err)
	}

	u := *ch.hubURL
	q := u.Query()
	q.Set(hubproto.AccessTokenParam, tok.AccessToken)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, ch.handshakeTimeout)
	defer cancel()

	ws, resp, err := ch.dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, nil, fmt.Errorf("dial: %w", &errors.StatusError{StatusCode: resp.StatusCode})
		}
		return nil, nil, fmt.Errorf("dial: %w", err)
	}

	c := newConnection(ws)
	if err := c.write(hubproto.Handshake); err != nil {
		ws.Close()
		return nil, nil, fmt.Errorf("handshake: %w", err)
	}
	deadline := time.Now().Add(ch.handshakeTimeout)
	if d, ok := dialCtx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ws.SetReadDeadline(deadline)
	_, data, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, nil, fmt.Errorf("handshake: %w", err)
	}
	records := hubproto.Split(data)
	if len(records) == 0 {
		ws.Close()
		return nil, nil, fmt.Errorf("handshake: empty response")
	}
	if err := hubproto.DecodeHandshake(records[0]); err != nil {
		ws.Close()
		return nil, nil, fmt.Errorf("handshake: %w", err)
	}
	ws.SetReadDeadline(time.Time{})
	return c, records[1:], nil
}

func (ch *Channel) serve(c *connection, leftover [][]byte) {
	go ch.keepAliveLoop(c)
	reconnect, err := ch.read(c, leftover)
	c.close()
	ch.lost(c, reconnect, err)
}

// read runs until the connection fails or the server closes it. It reports
// whether a reconnect is allowed.
func (ch *Channel) read(c *connection, records [][]byte) (bool, error) {
	for {
		for _, rec := range records {
			msg, err := hubproto.Decode(rec)
			if err != nil {
				ch.log.Warn().Err(err).Msg("dropping malformed record")
				continue
			}
			switch msg.Type {
			case hubproto.TypeInvocation:
				ch.dispatch(Event{Name: msg.Target, Args: msg.Arguments})
			case hubproto.TypeCompletion:
				ch.complete(msg)
			case hubproto.TypePing:
			case hubproto.TypeClose:
				return msg.AllowReconnect, fmt.Errorf("server closed connection: %q", msg.Error)
			default:
				ch.log.Debug().Stringer("type", msg.Type).Msg("ignoring record")
			}
		}

		c.ws.SetReadDeadline(time.Now().Add(ch.serverTimeout))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return true, err
		}
		records = hubproto.Split(data)
	}
}

func (ch *Channel) keepAliveLoop(c *connection) {
	ticker := time.NewTicker(ch.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(hubproto.Message{Type: hubproto.TypePing}); err != nil {
				ch.log.Debug().Err(err).Msg("keepalive failed")
				c.close()
				return
			}
		}
	}
}

// lost handles the end of connection c. Only the current connection can move
// the state; a connection torn down by Close is ignored.
func (ch *Channel) lost(c *connection, reconnect bool, cause error) {
	ch.mu.Lock()
	if ch.conn != c || ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.conn = nil
	ch.failPendingLocked(errors.Join(errors.ErrNotConnected, cause))

	if !reconnect || len(ch.delays) == 0 {
		ch.setStateLocked(StateDisconnected)
		ch.mu.Unlock()
		ch.log.Warn().Err(cause).Msg("connection closed")
		return
	}
	ch.setStateLocked(StateReconnecting)
	ch.mu.Unlock()

	ch.log.Warn().Err(cause).Msg("connection lost, reconnecting")
	go ch.reconnect()
}

func (ch *Channel) reconnect() {
	for attempt, delay := range ch.delays {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ch.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if ch.ctx.Err() != nil {
			return
		}

		ch.metrics.Reconnect(metrics.ReconnectAttempt)
		c, leftover, err := ch.dial(ch.ctx)
		if err != nil {
			ch.log.Warn().Err(err).Int(log.FieldAttempt, attempt+1).Msg("reconnect attempt failed")
			continue
		}

		ch.mu.Lock()
		if ch.closed {
			ch.mu.Unlock()
			c.close()
			return
		}
		ch.conn = c
		ch.setStateLocked(StateConnected)
		ch.mu.Unlock()

		ch.metrics.Reconnect(metrics.ReconnectSuccess)
		ch.log.Info().Int(log.FieldAttempt, attempt+1).Msg("reconnected")
		go ch.serve(c, leftover)
		return
	}

	ch.mu.Lock()
	if !ch.closed {
		ch.setStateLocked(StateDisconnected)
	}
	ch.mu.Unlock()
	ch.metrics.Reconnect(metrics.ReconnectExhausted)
	ch.log.Error().Int(log.FieldAttempt, len(ch.delays)).Msg("giving up reconnecting")
}

// Invoke calls a hub method and waits for its completion.
func (ch *Channel) Invoke(ctx context.Context, method string, args ...any) (result json.RawMessage, err error) {
	defer func() {
		ch.metrics.Invocation(method, err)
	}()

	msg, err := hubproto.NewInvocation("", method, args...)
	if err != nil {
		return nil, err
	}

	ch.mu.Lock()
	if ch.state != StateConnected || ch.conn == nil {
		ch.mu.Unlock()
		return nil, errors.ErrNotConnected
	}
	msg.InvocationID = uuid.NewString()
	done := make(chan invocationResult, 1)
	ch.pending[msg.InvocationID] = done
	c := ch.conn
	ch.mu.Unlock()

	logger := ch.log.With().Str(log.FieldTarget, method).Str(log.FieldInvocationID, msg.InvocationID).Logger()
	if err := c.write(msg); err != nil {
		ch.dropPending(msg.InvocationID)
		logger.Warn().Err(err).Msg("invocation not sent")
		return nil, errors.Join(errors.ErrNotConnected, err)
	}

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != "" {
			logger.Warn().Str("error", res.msg.Error).Msg("invocation failed")
			return nil, errors.Join(errors.ErrInvokeFailed, fmt.Errorf("[Channel Invoke] %s: %s", method, res.msg.Error))
		}
		return res.msg.Result, nil
	case <-ctx.Done():
		ch.dropPending(msg.InvocationID)
		return nil, ctx.Err()
	}
}

func (ch *Channel) complete(msg hubproto.Message) {
	ch.mu.Lock()
	done, ok := ch.pending[msg.InvocationID]
	delete(ch.pending, msg.InvocationID)
	ch.mu.Unlock()

	if !ok {
		ch.log.Debug().Str(log.FieldInvocationID, msg.InvocationID).Msg("completion for unknown invocation")
		return
	}
	done <- invocationResult{msg: msg}
}

func (ch *Channel) dropPending(id string) {
	ch.mu.Lock()
	delete(ch.pending, id)
	ch.mu.Unlock()
}

func (ch *Channel) failPendingLocked(err error) {
	for id, done := range ch.pending {
		done <- invocationResult{err: err}
		delete(ch.pending, id)
	}
}

func (ch *Channel) dispatch(e Event) {
	ch.mu.Lock()
	subs := ch.subs[e.Name]
	for q := range subs {
		q.Push(e)
	}
	n := len(subs)
	ch.mu.Unlock()

	if n == 0 {
		ch.log.Debug().Str(log.FieldEvent, e.Name).Msg("no subscriber for event")
	}
}

// Subscribe delivers every future push named event, in arrival order, until
// the returned cancel func is called or the channel is closed.
func (ch *Channel) Subscribe(event string) (<-chan Event, func()) {
	q := queue.New[Event]()

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		q.Close()
		return q.Out(), func() {}
	}
	if ch.subs[event] == nil {
		ch.subs[event] = make(map[*queue.Queue[Event]]struct{})
	}
	ch.subs[event][q] = struct{}{}
	ch.mu.Unlock()

	var once sync.Once
	return q.Out(), func() {
		once.Do(func() {
			ch.mu.Lock()
			delete(ch.subs[event], q)
			ch.mu.Unlock()
			q.Close()
		})
	}
}

// On runs handler for every push named event on a dedicated goroutine.
func (ch *Channel) On(event string, handler func(Event)) func() {
	events, cancel := ch.Subscribe(event)
	go func() {
		for e := range events {
			handler(e)
		}
	}()
	return cancel
}

func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// WatchState streams state transitions from now on. The current state is
// available from State.
func (ch *Channel) WatchState() (<-chan StateChange, func()) {
	q := queue.New[StateChange]()

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		q.Close()
		return q.Out(), func() {}
	}
	ch.watchers[q] = struct{}{}
	ch.mu.Unlock()

	var once sync.Once
	return q.Out(), func() {
		once.Do(func() {
			ch.mu.Lock()
			delete(ch.watchers, q)
			ch.mu.Unlock()
			q.Close()
		})
	}
}

func (ch *Channel) setStateLocked(to State) {
	from := ch.state
	if from == to {
		return
	}
	ch.state = to
	for q := range ch.watchers {
		q.Push(StateChange{From: from, To: to})
	}
	ch.log.Debug().Stringer(log.FieldState, to).Stringer("from", from).Msg("state changed")
}

// Close tears the channel down: reconnects stop, pending invocations fail
// with ErrChannelClosed and every subscription is closed. It is idempotent.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.cancel()
	c := ch.conn
	ch.conn = nil
	ch.failPendingLocked(errors.ErrChannelClosed)
	ch.setStateLocked(StateDisconnected)
	for _, qs := range ch.subs {
		for q := range qs {
			q.Close()
		}
	}
	ch.subs = make(map[string]map[*queue.Queue[Event]]struct{})
	for q := range ch.watchers {
		q.Close()
	}
	ch.watchers = make(map[*queue.Queue[StateChange]]struct{})
	ch.mu.Unlock()

	if c != nil {
		c.closeGracefully()
	}
	return nil
}
