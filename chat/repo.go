package chat

import (
	"context"
	"encoding/json"
	"io"

	"github.com/jrsteele09/go-chat-session/chatmodel"
	"github.com/jrsteele09/go-chat-session/realtime"
)

// Hub events and commands
const (
	EventReceiveChatMessage = "ReceiveChatMessage"
	EventReceiveNewChat     = "ReceiveNewChat"

	MethodJoinChat    = "JoinChat"
	MethodLeaveChat   = "LeaveChat"
	MethodSendMessage = "SendMessage"
)

// API is the REST surface the coordinator needs.
type API interface {
	Chats(ctx context.Context) ([]chatmodel.Chat, error)
	CreateChat(ctx context.Context, email string) (chatmodel.Chat, error)
	ChatMessages(ctx context.Context, chatID string) ([]chatmodel.Message, error)
	UploadFile(ctx context.Context, name string, content io.Reader) (string, error)
}

// Channel is the realtime connection as seen by the coordinator.
type Channel interface {
	Connect(ctx context.Context) error
	Subscribe(event string) (<-chan realtime.Event, func())
	Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error)
	State() realtime.State
	WatchState() (<-chan realtime.StateChange, func())
	Close() error
}

// ChannelFactory builds a fresh, unconnected channel.
type ChannelFactory func() (Channel, error)

type Session interface {
	LoggedIn() bool
}
