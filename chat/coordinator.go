// Package chat keeps the local view of chats and the active chat's messages
// consistent with REST history and realtime pushes.
package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/jrsteele09/go-chat-session/chatmodel"
	"github.com/jrsteele09/go-chat-session/internal/errors"
	"github.com/jrsteele09/go-chat-session/internal/log"
	"github.com/jrsteele09/go-chat-session/internal/metrics"
	"github.com/jrsteele09/go-chat-session/internal/utils"
	"github.com/jrsteele09/go-chat-session/realtime"
	"github.com/rs/zerolog"
)

// Coordinator is the only writer of the chat list and message log. All
// methods are safe for concurrent use; no lock is held across network calls.
type Coordinator struct {
	api        API
	session    Session
	newChannel ChannelFactory
	log        zerolog.Logger
	metrics    *metrics.Metrics

	// ctx is canceled by Close and bounds background resyncs.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	chats        []chatmodel.Chat
	activeChatID string
	messages     []chatmodel.Message
	generation   uint64 // bumped whenever the active chat's history is (re)loaded
	loading      bool
	stale        bool // history of the active chat failed to load
	pending      []chatmodel.Message // pushes for the active chat held back while loading
	channel      Channel
	unsubscribe  func()
	closed       bool
}

type CoordinatorOption func(*Coordinator)

func WithLogger(l zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.log = l
	}
}

func WithMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func NewCoordinator(api API, session Session, newChannel ChannelFactory, options ...CoordinatorOption) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		api:        api,
		session:    session,
		newChannel: newChannel,
		log:        log.L().With().Str(log.FieldComponent, "chat").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Init loads the chat list and starts the realtime channel. It does nothing
// when logged out. A failed connect is returned and the channel discarded, so
// calling Init again retries; the loaded chat list is kept either way.
func (c *Coordinator) Init(ctx context.Context) error {
	if !c.session.LoggedIn() {
		return nil
	}

	chats, err := c.api.Chats(ctx)
	if err != nil {
		return fmt.Errorf("[Coordinator Init] %w", err)
	}
	c.mu.Lock()
	c.chats = mergeChats(chats, c.chats)
	c.mu.Unlock()

	if err := c.startChannel(ctx); err != nil {
		return fmt.Errorf("[Coordinator Init] %w", err)
	}
	return nil
}

func (c *Coordinator) startChannel(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.ErrChannelClosed
	}
	if c.channel != nil {
		c.mu.Unlock()
		return nil
	}
	ch, err := c.newChannel()
	if err != nil {
		c.mu.Unlock()
		return errors.Join(errors.ErrConnectFailed, err)
	}

	// subscribe before connecting so no push is missed
	messages, stopMessages := ch.Subscribe(EventReceiveChatMessage)
	newChats, stopChats := ch.Subscribe(EventReceiveNewChat)
	states, stopStates := ch.WatchState()
	unsubscribe := func() {
		stopMessages()
		stopChats()
		stopStates()
	}
	c.channel = ch
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consume(messages, newChats, states)

	if err := ch.Connect(ctx); err != nil {
		c.mu.Lock()
		if c.channel == ch {
			c.channel = nil
			c.unsubscribe = nil
		}
		c.mu.Unlock()
		unsubscribe()
		ch.Close()
		c.log.Warn().Err(err).Msg("realtime connect failed")
		return err
	}
	c.log.Info().Msg("realtime connected")
	return nil
}

// consume applies pushes in delivery order until the subscriptions close.
func (c *Coordinator) consume(messages, newChats <-chan realtime.Event, states <-chan realtime.StateChange) {
	defer c.wg.Done()
	for {
		select {
		case e, ok := <-messages:
			if !ok {
				return
			}
			c.onChatMessage(e)
		case e, ok := <-newChats:
			if !ok {
				return
			}
			c.onNewChat(e)
		case s, ok := <-states:
			if !ok {
				return
			}
			c.log.Debug().Stringer(log.FieldState, s.To).Msg("realtime state changed")
			if s.From == realtime.StateReconnecting && s.To == realtime.StateConnected {
				c.wg.Add(1)
				go c.resync()
			}
		}
	}
}

func (c *Coordinator) onChatMessage(e realtime.Event) {
	var msg chatmodel.Message
	if err := e.Decode(0, &msg); err != nil {
		c.log.Warn().Err(err).Str(log.FieldEvent, e.Name).Msg("ignoring malformed push")
		c.metrics.Event(e.Name, metrics.EventInvalid)
		return
	}

	c.mu.Lock()
	outcome := metrics.EventApplied
	switch {
	case msg.ChatID != c.activeChatID:
		outcome = metrics.EventDropped
	case c.loading:
		c.pending = append(c.pending, msg)
		outcome = metrics.EventBuffered
	case containsMessage(c.messages, msg.ID):
		outcome = metrics.EventDuplicate
	default:
		c.messages = append(c.messages, msg)
	}
	c.mu.Unlock()

	c.metrics.Event(e.Name, outcome)
	c.log.Debug().Str(log.FieldChatID, msg.ChatID).Str(log.FieldMessageID, msg.ID).Str("outcome", outcome).Msg("chat message pushed")
}

func (c *Coordinator) onNewChat(e realtime.Event) {
	var chat chatmodel.Chat
	if err := e.Decode(0, &chat); err != nil || chat.ID == "" {
		c.log.Warn().Err(err).Str(log.FieldEvent, e.Name).Msg("ignoring malformed push")
		c.metrics.Event(e.Name, metrics.EventInvalid)
		return
	}

	c.mu.Lock()
	outcome := metrics.EventDuplicate
	if !chatmodel.ContainsChat(c.chats, chat.ID) {
		c.chats = append(c.chats, chat)
		outcome = metrics.EventApplied
	}
	c.mu.Unlock()

	c.metrics.Event(e.Name, outcome)
}

// SelectChat makes chatID the active chat: the previous room is left, the log
// is replaced by the chat's history and the new room joined. Pushes for the
// new chat that arrive while the history loads are appended after it.
func (c *Coordinator) SelectChat(ctx context.Context, chatID string) error {
	c.mu.Lock()
	if c.activeChatID == chatID && !c.stale {
		c.mu.Unlock()
		return nil
	}
	prev := c.activeChatID
	if prev == chatID {
		prev = ""
	}
	ch := c.channel
	c.mu.Unlock()

	if prev != "" && connected(ch) {
		if _, err := ch.Invoke(ctx, MethodLeaveChat, prev); err != nil {
			c.log.Warn().Err(err).Str(log.FieldChatID, prev).Msg("leave chat failed")
		}
	}

	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.activeChatID = chatID
	c.messages = nil
	c.loading = true
	c.stale = false
	c.pending = nil
	c.mu.Unlock()

	history, err := c.api.ChatMessages(ctx, chatID)

	c.mu.Lock()
	if c.generation != gen {
		// another select or a resync owns the log now
		c.mu.Unlock()
		return nil
	}
	c.loading = false
	buffered := c.pending
	c.pending = nil
	if err != nil {
		c.messages = mergeMessages(nil, buffered)
		c.stale = true
		c.mu.Unlock()
		return fmt.Errorf("[Coordinator SelectChat] history of %s: %w", chatID, err)
	}
	c.messages = mergeMessages(history, buffered)
	ch = c.channel
	c.mu.Unlock()

	if connected(ch) {
		if _, err := ch.Invoke(ctx, MethodJoinChat, chatID); err != nil {
			return fmt.Errorf("[Coordinator SelectChat] join %s: %w", chatID, err)
		}
	}
	return nil
}

// resync runs after a reconnect: rooms are per connection, so the active room
// is joined again and the log reconciled with history to pick up messages
// broadcast during the outage.
func (c *Coordinator) resync() {
	defer c.wg.Done()

	c.mu.Lock()
	chatID := c.activeChatID
	ch := c.channel
	if chatID == "" || ch == nil || c.closed {
		c.mu.Unlock()
		return
	}
	c.generation++
	gen := c.generation
	if !c.loading {
		c.pending = nil
	}
	c.loading = true
	c.mu.Unlock()

	logger := c.log.With().Str(log.FieldChatID, chatID).Logger()
	if _, err := ch.Invoke(c.ctx, MethodJoinChat, chatID); err != nil {
		logger.Warn().Err(err).Msg("rejoin after reconnect failed")
	}
	history, err := c.api.ChatMessages(c.ctx, chatID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return
	}
	c.loading = false
	if err != nil {
		logger.Warn().Err(err).Msg("history resync failed")
		c.messages = mergeMessages(c.messages, c.pending)
	} else {
		c.messages = mergeMessages(history, c.messages, c.pending)
		c.stale = false
	}
	c.pending = nil
	logger.Debug().Int("messages", len(c.messages)).Msg("resynced after reconnect")
}

// SendMessage posts text and an optional attachment to the active chat. The
// attachment is uploaded first; if that fails nothing is sent. It is a no-op
// without an active chat or without anything to send.
func (c *Coordinator) SendMessage(ctx context.Context, text string, attachment *chatmodel.Attachment) error {
	c.mu.Lock()
	chatID := c.activeChatID
	ch := c.channel
	c.mu.Unlock()

	if chatID == "" || (text == "" && attachment == nil) {
		return nil
	}

	var fileURL *string
	if attachment != nil {
		url, err := c.api.UploadFile(ctx, attachment.Name, attachment.Content)
		if err != nil {
			return errors.Join(errors.ErrUpload, fmt.Errorf("[Coordinator SendMessage] %w", err))
		}
		fileURL = utils.Ptr(url)
	}

	if ch == nil {
		return errors.Join(errors.ErrSend, errors.ErrNotConnected)
	}
	if _, err := ch.Invoke(ctx, MethodSendMessage, chatID, text, fileURL); err != nil {
		return errors.Join(errors.ErrSend, fmt.Errorf("[Coordinator SendMessage] %w", err))
	}
	return nil
}

// CreatePrivateChat opens a chat with email, adds it to the list if needed and
// selects it.
func (c *Coordinator) CreatePrivateChat(ctx context.Context, email string) (chatmodel.Chat, error) {
	chat, err := c.api.CreateChat(ctx, email)
	if err != nil {
		return chatmodel.Chat{}, fmt.Errorf("[Coordinator CreatePrivateChat] %w", err)
	}

	c.mu.Lock()
	if !chatmodel.ContainsChat(c.chats, chat.ID) {
		c.chats = append(c.chats, chat)
	}
	c.mu.Unlock()

	if err := c.SelectChat(ctx, chat.ID); err != nil {
		return chat, err
	}
	return chat, nil
}

func (c *Coordinator) Chats() []chatmodel.Chat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return utils.Clone(c.chats)
}

func (c *Coordinator) ActiveChatID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeChatID
}

// ActiveChat returns the active chat if it is in the chat list.
func (c *Coordinator) ActiveChat() (chatmodel.Chat, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeChatID == "" {
		return chatmodel.Chat{}, false
	}
	return chatmodel.FindChat(c.chats, c.activeChatID)
}

func (c *Coordinator) Messages() []chatmodel.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return utils.Clone(c.messages)
}

func (c *Coordinator) Connected() bool {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	return connected(ch)
}

// Close tears down the realtime channel and waits for background work.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ch := c.channel
	unsubscribe := c.unsubscribe
	c.channel = nil
	c.unsubscribe = nil
	c.mu.Unlock()

	c.cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
	var err error
	if ch != nil {
		err = ch.Close()
	}
	c.wg.Wait()
	return err
}

func connected(ch Channel) bool {
	return ch != nil && ch.State() == realtime.StateConnected
}
