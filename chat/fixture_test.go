package chat_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-chat-session/chat"
	"github.com/jrsteele09/go-chat-session/chatmodel"
	"github.com/jrsteele09/go-chat-session/internal/metrics"
	"github.com/jrsteele09/go-chat-session/internal/utils"
	"github.com/jrsteele09/go-chat-session/realtime/realtimefake"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var _ chat.API = (*fakeAPI)(nil)

// fakeAPI serves canned REST answers. History requests for a chat can be held
// with hold and let go with release.
type fakeAPI struct {
	mu         sync.Mutex
	chats      []chatmodel.Chat
	chatsErr   error
	history    map[string][]chatmodel.Message
	historyErr map[string]error
	gates      map[string]chan struct{}
	started    chan string
	created    chatmodel.Chat
	createErr  error
	uploadURL  string
	uploadErr  error
	uploads    []string
	calls      map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		history:    make(map[string][]chatmodel.Message),
		historyErr: make(map[string]error),
		gates:      make(map[string]chan struct{}),
		started:    make(chan string, 64),
		calls:      make(map[string]int),
	}
}

func (a *fakeAPI) Chats(ctx context.Context) ([]chatmodel.Chat, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls["Chats"]++
	if a.chatsErr != nil {
		return nil, a.chatsErr
	}
	return utils.Clone(a.chats), nil
}

func (a *fakeAPI) CreateChat(ctx context.Context, email string) (chatmodel.Chat, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls["CreateChat"]++
	if a.createErr != nil {
		return chatmodel.Chat{}, a.createErr
	}
	return a.created, nil
}

func (a *fakeAPI) ChatMessages(ctx context.Context, chatID string) ([]chatmodel.Message, error) {
	a.mu.Lock()
	a.calls["ChatMessages"]++
	gate := a.gates[chatID]
	a.mu.Unlock()

	select {
	case a.started <- chatID:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.historyErr[chatID]; err != nil {
		return nil, err
	}
	return utils.Clone(a.history[chatID]), nil
}

func (a *fakeAPI) UploadFile(ctx context.Context, name string, content io.Reader) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls["UploadFile"]++
	if a.uploadErr != nil {
		return "", a.uploadErr
	}
	b, err := io.ReadAll(content)
	if err != nil {
		return "", err
	}
	a.uploads = append(a.uploads, name+":"+string(b))
	return a.uploadURL, nil
}

func (a *fakeAPI) setHistory(chatID string, messages ...chatmodel.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history[chatID] = messages
}

func (a *fakeAPI) hold(chatID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gates[chatID] = make(chan struct{})
}

func (a *fakeAPI) release(chatID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	close(a.gates[chatID])
	delete(a.gates, chatID)
}

func (a *fakeAPI) callCount(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[name]
}

type fakeSession struct {
	loggedIn atomic.Bool
}

func (s *fakeSession) LoggedIn() bool {
	return s.loggedIn.Load()
}

type testFixture struct {
	api         *fakeAPI
	session     *fakeSession
	metrics     *metrics.Metrics
	coordinator *chat.Coordinator

	mu         sync.Mutex
	channels   []*realtimefake.Channel
	connectErr error
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	f := &testFixture{
		api:     newFakeAPI(),
		session: &fakeSession{},
		metrics: metrics.New(),
	}
	f.session.loggedIn.Store(true)
	f.api.chats = []chatmodel.Chat{
		{ID: "global", Name: "Global", IsGlobal: true},
		{ID: "c1", Name: "bob@b.com"},
		{ID: "c2", Name: "carol@b.com"},
	}

	f.coordinator = chat.NewCoordinator(f.api, f.session, f.newChannel,
		chat.WithLogger(zerolog.Nop()),
		chat.WithMetrics(f.metrics),
	)
	t.Cleanup(func() { f.coordinator.Close() })
	return f
}

func (f *testFixture) newChannel() (chat.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := realtimefake.New()
	if f.connectErr != nil {
		ch.FailConnect(f.connectErr)
	}
	f.channels = append(f.channels, ch)
	return ch, nil
}

// channel returns the most recently created fake.
func (f *testFixture) channel(t *testing.T) *realtimefake.Channel {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.channels, "no channel created")
	return f.channels[len(f.channels)-1]
}

func (f *testFixture) channelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

func (f *testFixture) init(t *testing.T) *realtimefake.Channel {
	t.Helper()
	require.NoError(t, f.coordinator.Init(context.Background()))
	return f.channel(t)
}

func (f *testFixture) selectChat(t *testing.T, chatID string, history ...chatmodel.Message) {
	t.Helper()
	f.api.setHistory(chatID, history...)
	require.NoError(t, f.coordinator.SelectChat(context.Background(), chatID))
	f.drainStarted()
}

func (f *testFixture) drainStarted() {
	for {
		select {
		case <-f.api.started:
		default:
			return
		}
	}
}

func (f *testFixture) waitHistoryRequest(t *testing.T, chatID string) {
	t.Helper()
	select {
	case got := <-f.api.started:
		require.Equal(t, chatID, got)
	case <-time.After(waitFor):
		t.Fatalf("history of %s never requested", chatID)
	}
}

func (f *testFixture) waitMessages(t *testing.T, ids ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return equalIDs(f.coordinator.Messages(), ids)
	}, waitFor, tick, "want messages %v", ids)
}

// waitEvents waits until the coordinator has handled n pushes with outcome.
func (f *testFixture) waitEvents(t *testing.T, event, outcome string, n int) {
	t.Helper()
	want := fmt.Sprintf(`chat_client_realtime_events_total{event=%q,outcome=%q} %d`, event, outcome, n)
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		f.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return strings.Contains(rec.Body.String(), want)
	}, waitFor, tick, "want %s", want)
}

func msg(id, chatID, text string) chatmodel.Message {
	return chatmodel.Message{
		ID:        id,
		ChatID:    chatID,
		SenderID:  "u2",
		Text:      utils.Ptr(text),
		CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func ids(messages []chatmodel.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.ID)
	}
	return out
}

func equalIDs(messages []chatmodel.Message, want []string) bool {
	got := ids(messages)
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
