// Package realtimefake is an in-memory stand-in for realtime.Channel.
package realtimefake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jrsteele09/go-chat-session/internal/errors"
	"github.com/jrsteele09/go-chat-session/internal/queue"
	"github.com/jrsteele09/go-chat-session/realtime"
)

// Invocation is a call that reached the fake while it was connected.
type Invocation struct {
	Method string
	Args   []any
}

// InvokeHook runs for every delivered invocation; a non-nil error is returned
// to the caller.
type InvokeHook func(ctx context.Context, method string, args []any) error

type Channel struct {
	mu           sync.Mutex
	state        realtime.State
	closed       bool
	connectErr   error
	connectCalls int
	invokeErrs   map[string]error
	hook         InvokeHook
	invocations  []Invocation
	subs         map[string]map[*queue.Queue[realtime.Event]]struct{}
	watchers     map[*queue.Queue[realtime.StateChange]]struct{}
}

func New() *Channel {
	return &Channel{
		invokeErrs: make(map[string]error),
		subs:       make(map[string]map[*queue.Queue[realtime.Event]]struct{}),
		watchers:   make(map[*queue.Queue[realtime.StateChange]]struct{}),
	}
}

// FailConnect makes the next Connect calls fail with err until reset with nil.
func (c *Channel) FailConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

// FailInvoke makes invocations of method fail with err; nil clears it.
func (c *Channel) FailInvoke(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.invokeErrs, method)
		return
	}
	c.invokeErrs[method] = err
}

func (c *Channel) SetInvokeHook(hook InvokeHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = hook
}

func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCalls++
	if c.closed {
		return errors.ErrChannelClosed
	}
	if c.connectErr != nil {
		return errors.Join(errors.ErrConnectFailed, c.connectErr)
	}
	c.setStateLocked(realtime.StateConnected)
	return nil
}

func (c *Channel) ConnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectCalls
}

func (c *Channel) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != realtime.StateConnected {
		c.mu.Unlock()
		return nil, errors.ErrNotConnected
	}
	c.invocations = append(c.invocations, Invocation{Method: method, Args: args})
	err := c.invokeErrs[method]
	hook := c.hook
	c.mu.Unlock()

	if err == nil && hook != nil {
		err = hook(ctx, method, args)
	}
	if err != nil {
		return nil, errors.Join(errors.ErrInvokeFailed, err)
	}
	return nil, nil
}

// Invocations returns the delivered calls to method, or all calls when method
// is empty.
func (c *Channel) Invocations(method string) []Invocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Invocation
	for _, inv := range c.invocations {
		if method == "" || inv.Method == method {
			out = append(out, inv)
		}
	}
	return out
}

// Emit delivers a push to every subscriber of event.
func (c *Channel) Emit(event string, args ...any) error {
	raw := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return fmt.Errorf("[Channel Emit] argument %d: %w", i, err)
		}
		raw = append(raw, b)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for q := range c.subs[event] {
		q.Push(realtime.Event{Name: event, Args: raw})
	}
	return nil
}

func (c *Channel) Subscribe(event string) (<-chan realtime.Event, func()) {
	q := queue.New[realtime.Event]()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		q.Close()
		return q.Out(), func() {}
	}
	if c.subs[event] == nil {
		c.subs[event] = make(map[*queue.Queue[realtime.Event]]struct{})
	}
	c.subs[event][q] = struct{}{}
	c.mu.Unlock()

	return q.Out(), func() {
		c.mu.Lock()
		delete(c.subs[event], q)
		c.mu.Unlock()
		q.Close()
	}
}

// Subscribers reports how many live subscriptions exist for event.
func (c *Channel) Subscribers(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[event])
}

func (c *Channel) State() realtime.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState forces a transition, e.g. Reconnecting then Connected to simulate
// a dropped connection.
func (c *Channel) SetState(s realtime.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(s)
}

func (c *Channel) WatchState() (<-chan realtime.StateChange, func()) {
	q := queue.New[realtime.StateChange]()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		q.Close()
		return q.Out(), func() {}
	}
	c.watchers[q] = struct{}{}
	c.mu.Unlock()

	return q.Out(), func() {
		c.mu.Lock()
		delete(c.watchers, q)
		c.mu.Unlock()
		q.Close()
	}
}

func (c *Channel) setStateLocked(s realtime.State) {
	if c.state == s {
		return
	}
	change := realtime.StateChange{From: c.state, To: s}
	c.state = s
	for q := range c.watchers {
		q.Push(change)
	}
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.state = realtime.StateDisconnected
	for _, qs := range c.subs {
		for q := range qs {
			q.Close()
		}
	}
	c.subs = make(map[string]map[*queue.Queue[realtime.Event]]struct{})
	for q := range c.watchers {
		q.Close()
	}
	c.watchers = make(map[*queue.Queue[realtime.StateChange]]struct{})
	return nil
}

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
