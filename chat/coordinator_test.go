package chat_test

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/jrsteele09/go-chat-session/chat"
	"github.com/jrsteele09/go-chat-session/chatmodel"
	"github.com/jrsteele09/go-chat-session/internal/errors"
	"github.com/jrsteele09/go-chat-session/internal/metrics"
	"github.com/jrsteele09/go-chat-session/realtime"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	t.Run("logged out is a no-op", func(t *testing.T) {
		f := setupTestFixture(t)
		f.session.loggedIn.Store(false)

		require.NoError(t, f.coordinator.Init(context.Background()))
		require.Zero(t, f.api.callCount("Chats"))
		require.Zero(t, f.channelCount())
		require.Empty(t, f.coordinator.Chats())
	})

	t.Run("loads chats and connects", func(t *testing.T) {
		f := setupTestFixture(t)
		ch := f.init(t)

		require.Len(t, f.coordinator.Chats(), 3)
		require.True(t, f.coordinator.Connected())
		require.Equal(t, 1, ch.Subscribers(chat.EventReceiveChatMessage))
		require.Equal(t, 1, ch.Subscribers(chat.EventReceiveNewChat))
	})

	t.Run("second init keeps the channel", func(t *testing.T) {
		f := setupTestFixture(t)
		ch := f.init(t)
		require.NoError(t, f.coordinator.Init(context.Background()))

		require.Equal(t, 1, f.channelCount())
		require.Equal(t, 1, ch.ConnectCalls())
		require.Equal(t, 2, f.api.callCount("Chats"))
	})

	t.Run("chat list failure", func(t *testing.T) {
		f := setupTestFixture(t)
		f.api.chatsErr = errors.ErrNetworkFailure

		err := f.coordinator.Init(context.Background())
		require.ErrorIs(t, err, errors.ErrNetworkFailure)
		require.Zero(t, f.channelCount())
		require.Empty(t, f.coordinator.Chats())
	})

	t.Run("connect failure keeps chats and allows retry", func(t *testing.T) {
		f := setupTestFixture(t)
		f.connectErr = stderrors.New("dial refused")

		err := f.coordinator.Init(context.Background())
		require.ErrorIs(t, err, errors.ErrConnectFailed)
		require.Len(t, f.coordinator.Chats(), 3)
		require.False(t, f.coordinator.Connected())
		require.True(t, f.channel(t).Closed())

		f.connectErr = nil
		ch := f.init(t)
		require.Equal(t, 2, f.channelCount())
		require.True(t, f.coordinator.Connected())
		require.Equal(t, realtime.StateConnected, ch.State())
	})
}

func TestSelectChat(t *testing.T) {
	t.Run("fresh session loads history and joins", func(t *testing.T) {
		f := setupTestFixture(t)
		ch := f.init(t)

		f.selectChat(t, "c1", msg("m1", "c1", "hello"))

		require.Equal(t, []string{"m1"}, ids(f.coordinator.Messages()))
		require.Equal(t, "c1", f.coordinator.ActiveChatID())
		active, ok := f.coordinator.ActiveChat()
		require.True(t, ok)
		require.Equal(t, "bob@b.com", active.Name)

		joins := ch.Invocations(chat.MethodJoinChat)
		require.Len(t, joins, 1)
		require.Equal(t, []any{"c1"}, joins[0].Args)
		require.Empty(t, ch.Invocations(chat.MethodLeaveChat))
	})

	t.Run("selecting the active chat is a no-op", func(t *testing.T) {
		f := setupTestFixture(t)
		ch := f.init(t)
		f.selectChat(t, "c1", msg("m1", "c1", "hello"))

		require.NoError(t, f.coordinator.SelectChat(context.Background(), "c1"))
		require.Equal(t, 1, f.api.callCount("ChatMessages"))
		require.Len(t, ch.Invocations(chat.MethodJoinChat), 1)
	})

	t.Run("switching leaves the previous room", func(t *testing.T) {
		f := setupTestFixture(t)
		ch := f.init(t)
		f.selectChat(t, "c1", msg("m1", "c1", "hello"))
		f.selectChat(t, "c2", msg("m2", "c2", "hi"))

		require.Equal(t, []string{"m2"}, ids(f.coordinator.Messages()))
		invocations := ch.Invocations("")
		require.Len(t, invocations, 3)
		require.Equal(t, chat.MethodLeaveChat, invocations[1].Method)
		require.Equal(t, []any{"c1"}, invocations[1].Args)
		require.Equal(t, chat.MethodJoinChat, invocations[2].Method)
		require.Equal(t, []any{"c2"}, invocations[2].Args)
	})

	t.Run("leave failure does not block switching", func(t *testing.T) {
		f := setupTestFixture(t)
		ch := f.init(t)
		f.selectChat(t, "c1")
		ch.FailInvoke(chat.MethodLeaveChat, stderrors.New("boom"))

		f.selectChat(t, "c2", msg("m2", "c2", "hi"))
		require.Equal(t, "c2", f.coordinator.ActiveChatID())
		require.Len(t, ch.Invocations(chat.MethodJoinChat), 2)
	})

	t.Run("no room commands while disconnected", func(t *testing.T) {
		f := setupTestFixture(t)
		ch := f.init(t)
		ch.SetState(realtime.StateReconnecting)

		f.selectChat(t, "c1", msg("m1", "c1", "hello"))
		require.Equal(t, []string{"m1"}, ids(f.coordinator.Messages()))
		require.Empty(t, ch.Invocations(""))
	})

	t.Run("without init", func(t *testing.T) {
		f := setupTestFixture(t)
		f.selectChat(t, "c1", msg("m1", "c1", "hello"))
		require.Equal(t, []string{"m1"}, ids(f.coordinator.Messages()))
		require.False(t, f.coordinator.Connected())
	})

	t.Run("history failure", func(t *testing.T) {
		f := setupTestFixture(t)
		ch := f.init(t)
		f.selectChat(t, "c1", msg("m1", "c1", "hello"))
		f.api.historyErr["c2"] = errors.ErrNetworkFailure

		err := f.coordinator.SelectChat(context.Background(), "c2")
		require.ErrorIs(t, err, errors.ErrNetworkFailure)
		require.Equal(t, "c2", f.coordinator.ActiveChatID())
		require.Empty(t, f.coordinator.Messages())
		require.Len(t, ch.Invocations(chat.MethodJoinChat), 1)

		// selecting it again retries the load
		delete(f.api.historyErr, "c2")
		f.selectChat(t, "c2", msg("m2", "c2", "hi"))
		require.Equal(t, []string{"m2"}, ids(f.coordinator.Messages()))
		require.Len(t, ch.Invocations(chat.MethodJoinChat), 2)
		require.Len(t, ch.Invocations(chat.MethodLeaveChat), 1)
	})

	t.Run("join failure is returned after the log is set", func(t *testing.T) {
		f := setupTestFixture(t)
		ch := f.init(t)
		ch.FailInvoke(chat.MethodJoinChat, stderrors.New("forbidden"))
		f.api.setHistory("c1", msg("m1", "c1", "hello"))

		err := f.coordinator.SelectChat(context.Background(), "c1")
		require.ErrorIs(t, err, errors.ErrInvokeFailed)
		require.Equal(t, []string{"m1"}, ids(f.coordinator.Messages()))
	})
}

func TestPushes(t *testing.T) {
	t.Run("messages for another chat are dropped", func(t *testing.T) {
		f := setupTestFixture(t)
		ch := f.init(t)
		f.selectChat(t, "c1", msg("m1", "c1", "hello"))

		require.NoError(t, ch.Emit(chat.EventReceiveChatMessage, msg("x1", "c2", "elsewhere")))
		require.NoError(t, ch.Emit(chat.EventReceiveChatMessage, msg("m2", "c1", "here")))

		f.waitMessages(t, "m1", "m2")
		f.waitEvents(t, chat.EventReceiveChatMessage, metrics.EventDropped, 1)
	})

	t.Run("messages append in delivery order", func(t *testing.T) {
		f := setupTestFixture(t)
		ch := f.init(t)
		f.selectChat(t, "c1")

		for _, id := range []string{"a", "b", "c", "d"} {
			require.NoError(t, ch.Emit(chat.EventReceiveChatMessage, msg(id, "c1", id)))
		}
		f.waitMessages(t, "a", "b", "c", "d")
	})

	t.Run("duplicate message is ignored", func(t *testing.T) {
		f := setupTestFixture(t)
		ch := f.init(t)
		f.selectChat(t, "c1", msg("m1", "c1", "hello"))

		require.NoError(t, ch.Emit(chat.EventReceiveChatMessage, msg("m1", "c1", "hello")))
		f.waitEvents(t, chat.EventReceiveChatMessage, metrics.EventDuplicate, 1)
		require.Equal(t, []string{"m1"}, ids(f.coordinator.Messages()))
	})

	t.Run("pushes during history load follow the history", func(t *testing.T) {
		f := setupTestFixture(t)
		ch := f.init(t)
		f.api.setHistory("c1", msg("m1", "c1", "one"), msg("m2", "c1", "two"))
		f.api.hold("c1")

		done := make(chan error, 1)
		go func() { done <- f.coordinator.SelectChat(context.Background(), "c1") }()
		f.waitHistoryRequest(t, "c1")

		// m2 is already part of the history, m3 is new
		require.NoError(t, ch.Emit(chat.EventReceiveChatMessage, msg("m3", "c1", "three")))
		require.NoError(t, ch.Emit(chat.EventReceiveChatMessage, msg("m2", "c1", "two")))
		f.waitEvents(t, chat.EventReceiveChatMessage, metrics.EventBuffered, 2)
		require.Empty(t, f.coordinator.Messages())

		f.api.release("c1")
		require.NoError(t, <-done)
		require.Equal(t, []string{"m1", "m2", "m3"}, ids(f.coordinator.Messages()))
	})

	t.Run("superseded select discards its history", func(t *testing.T) {
		f := setupTestFixture(t)
		f.init(t)
		f.api.setHistory("c1", msg("m1", "c1", "one"))
		f.api.hold("c1")

		done := make(chan error, 1)
		go func() { done <- f.coordinator.SelectChat(context.Background(), "c1") }()
		f.waitHistoryRequest(t, "c1")

		f.selectChat(t, "c2", msg("n1", "c2", "other"))
		f.api.release("c1")
		require.NoError(t, <-done)

		require.Equal(t, "c2", f.coordinator.ActiveChatID())
		require.Equal(t, []string{"n1"}, ids(f.coordinator.Messages()))
	})

	t.Run("new chat is added once", func(t *testing.T) {
		f := setupTestFixture(t)
		ch := f.init(t)

		fresh := chatmodel.Chat{ID: "c9", Name: "dave@b.com"}
		require.NoError(t, ch.Emit(chat.EventReceiveNewChat, fresh))
		require.NoError(t, ch.Emit(chat.EventReceiveNewChat, fresh))
		require.NoError(t, ch.Emit(chat.EventReceiveNewChat, chatmodel.Chat{ID: "c1", Name: "bob@b.com"}))

		f.waitEvents(t, chat.EventReceiveNewChat, metrics.EventDuplicate, 2)
		chats := f.coordinator.Chats()
		require.Len(t, chats, 4)
		require.Equal(t, fresh, chats[3])
	})

	t.Run("malformed pushes are ignored", func(t *testing.T) {
		f := setupTestFixture(t)
		ch := f.init(t)
		f.selectChat(t, "c1")

		require.NoError(t, ch.Emit(chat.EventReceiveChatMessage, "not a message"))
		require.NoError(t, ch.Emit(chat.EventReceiveNewChat))
		f.waitEvents(t, chat.EventReceiveChatMessage, metrics.EventInvalid, 1)
		f.waitEvents(t, chat.EventReceiveNewChat, metrics.EventInvalid, 1)
		require.Empty(t, f.coordinator.Messages())
		require.Len(t, f.coordinator.Chats(), 3)
	})
}

func TestReconnectResync(t *testing.T) {
	f := setupTestFixture(t)
	ch := f.init(t)
	f.selectChat(t, "c1", msg("m1", "c1", "one"))
	require.NoError(t, ch.Emit(chat.EventReceiveChatMessage, msg("m2", "c1", "two")))
	f.waitMessages(t, "m1", "m2")

	// m3 was broadcast while the connection was down
	f.api.setHistory("c1", msg("m1", "c1", "one"), msg("m2", "c1", "two"), msg("m3", "c1", "three"))
	ch.SetState(realtime.StateReconnecting)
	ch.SetState(realtime.StateConnected)

	f.waitMessages(t, "m1", "m2", "m3")
	require.Eventually(t, func() bool {
		return len(ch.Invocations(chat.MethodJoinChat)) == 2
	}, waitFor, tick)
}

func TestSendMessage(t *testing.T) {
	t.Run("no active chat", func(t *testing.T) {
		f := setupTestFixture(t)
		ch := f.init(t)

		require.NoError(t, f.coordinator.SendMessage(context.Background(), "hi", nil))
		require.Empty(t, ch.Invocations(""))
		require.Zero(t, f.api.callCount("UploadFile"))
	})

	t.Run("nothing to send", func(t *testing.T) {
		f := setupTestFixture(t)
		ch := f.init(t)
		f.selectChat(t, "c1")

		require.NoError(t, f.coordinator.SendMessage(context.Background(), "", nil))
		require.Empty(t, ch.Invocations(chat.MethodSendMessage))
	})

	t.Run("text only", func(t *testing.T) {
		f := setupTestFixture(t)
		ch := f.init(t)
		f.selectChat(t, "c1")

		require.NoError(t, f.coordinator.SendMessage(context.Background(), "hi", nil))
		sends := ch.Invocations(chat.MethodSendMessage)
		require.Len(t, sends, 1)
		require.Equal(t, "c1", sends[0].Args[0])
		require.Equal(t, "hi", sends[0].Args[1])
		require.Nil(t, sends[0].Args[2])
		require.Zero(t, f.api.callCount("UploadFile"))
	})

	t.Run("attachment is uploaded first", func(t *testing.T) {
		f := setupTestFixture(t)
		ch := f.init(t)
		f.selectChat(t, "c1")
		f.api.uploadURL = "/uploads/cat.png"

		err := f.coordinator.SendMessage(context.Background(), "", &chatmodel.Attachment{Name: "cat.png", Content: strings.NewReader("PNG")})
		require.NoError(t, err)
		require.Equal(t, []string{"cat.png:PNG"}, f.api.uploads)

		sends := ch.Invocations(chat.MethodSendMessage)
		require.Len(t, sends, 1)
		fileURL, ok := sends[0].Args[2].(*string)
		require.True(t, ok)
		require.Equal(t, "/uploads/cat.png", *fileURL)
	})

	t.Run("upload failure sends nothing", func(t *testing.T) {
		f := setupTestFixture(t)
		ch := f.init(t)
		f.selectChat(t, "c1")
		f.api.uploadErr = errors.ErrNetworkFailure

		err := f.coordinator.SendMessage(context.Background(), "look", &chatmodel.Attachment{Name: "a.txt", Content: strings.NewReader("x")})
		require.ErrorIs(t, err, errors.ErrUpload)
		require.ErrorIs(t, err, errors.ErrNetworkFailure)
		require.Empty(t, ch.Invocations(chat.MethodSendMessage))
	})

	t.Run("invoke failure", func(t *testing.T) {
		f := setupTestFixture(t)
		ch := f.init(t)
		f.selectChat(t, "c1")
		ch.FailInvoke(chat.MethodSendMessage, stderrors.New("rejected"))

		err := f.coordinator.SendMessage(context.Background(), "hi", nil)
		require.ErrorIs(t, err, errors.ErrSend)
		require.ErrorIs(t, err, errors.ErrInvokeFailed)
		// not retried
		require.Len(t, ch.Invocations(chat.MethodSendMessage), 1)
	})

	t.Run("disconnected", func(t *testing.T) {
		f := setupTestFixture(t)
		ch := f.init(t)
		f.selectChat(t, "c1")
		ch.SetState(realtime.StateDisconnected)

		err := f.coordinator.SendMessage(context.Background(), "hi", nil)
		require.ErrorIs(t, err, errors.ErrSend)
		require.ErrorIs(t, err, errors.ErrNotConnected)
	})

	t.Run("no channel", func(t *testing.T) {
		f := setupTestFixture(t)
		f.selectChat(t, "c1")

		err := f.coordinator.SendMessage(context.Background(), "hi", nil)
		require.ErrorIs(t, err, errors.ErrSend)
	})
}

func TestCreatePrivateChat(t *testing.T) {
	t.Run("new chat is appended and selected", func(t *testing.T) {
		f := setupTestFixture(t)
		ch := f.init(t)
		f.api.created = chatmodel.Chat{ID: "p1", Name: "erin@b.com"}
		f.api.setHistory("p1", msg("h1", "p1", "hey"))

		created, err := f.coordinator.CreatePrivateChat(context.Background(), "erin@b.com")
		require.NoError(t, err)
		require.Equal(t, "p1", created.ID)
		require.Len(t, f.coordinator.Chats(), 4)
		require.Equal(t, "p1", f.coordinator.ActiveChatID())
		require.Equal(t, []string{"h1"}, ids(f.coordinator.Messages()))
		require.Len(t, ch.Invocations(chat.MethodJoinChat), 1)
	})

	t.Run("existing chat is not duplicated", func(t *testing.T) {
		f := setupTestFixture(t)
		f.init(t)
		f.api.created = chatmodel.Chat{ID: "c1", Name: "bob@b.com"}

		_, err := f.coordinator.CreatePrivateChat(context.Background(), "bob@b.com")
		require.NoError(t, err)
		require.Len(t, f.coordinator.Chats(), 3)
		require.Equal(t, "c1", f.coordinator.ActiveChatID())
	})

	t.Run("failure leaves state unchanged", func(t *testing.T) {
		f := setupTestFixture(t)
		f.init(t)
		f.api.createErr = errors.ErrNetworkFailure

		_, err := f.coordinator.CreatePrivateChat(context.Background(), "nobody@b.com")
		require.ErrorIs(t, err, errors.ErrNetworkFailure)
		require.Len(t, f.coordinator.Chats(), 3)
		require.Empty(t, f.coordinator.ActiveChatID())
	})
}

func TestAccessorsReturnCopies(t *testing.T) {
	f := setupTestFixture(t)
	f.init(t)
	f.selectChat(t, "c1", msg("m1", "c1", "hello"))

	chats := f.coordinator.Chats()
	chats[0].Name = "changed"
	messages := f.coordinator.Messages()
	messages[0].ID = "changed"

	require.Equal(t, "Global", f.coordinator.Chats()[0].Name)
	require.Equal(t, "m1", f.coordinator.Messages()[0].ID)
}

func TestClose(t *testing.T) {
	f := setupTestFixture(t)
	ch := f.init(t)

	require.NoError(t, f.coordinator.Close())
	require.NoError(t, f.coordinator.Close())
	require.True(t, ch.Closed())
	require.False(t, f.coordinator.Connected())

	err := f.coordinator.Init(context.Background())
	require.ErrorIs(t, err, errors.ErrChannelClosed)

	done := make(chan struct{})
	go func() {
		f.coordinator.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("close blocked")
	}
}
