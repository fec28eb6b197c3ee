// Package testserver is an in-process chat backend speaking the same REST and
// hub protocol as the real one. Tests drive it through its control methods.
package testserver

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-chat-session/chatmodel"
	"github.com/rs/zerolog"
)

const (
	GlobalChatID = "global"

	defaultAccessTTL    = time.Hour
	defaultPingInterval = 2 * time.Second
)

type user struct {
	ID           string
	Email        string
	PasswordHash string
}

type chatRecord struct {
	chat     chatmodel.Chat
	members  map[string]bool   // user ids; nil for the global chat
	names    map[string]string // private chats are named after the other member
	messages []chatmodel.Message
}

// Server is safe for concurrent use.
type Server struct {
	*httptest.Server

	signingKey []byte
	log        zerolog.Logger

	loginCalls    atomic.Int32
	refreshCalls  atomic.Int32
	hubConnects   atomic.Int32
	rejectedCalls atomic.Int32

	mu              sync.Mutex
	accessTTL       time.Duration
	omitExpiresIn   bool
	tokenGeneration int
	refreshStatus   int
	rejectHub       bool
	pingInterval    time.Duration
	users           map[string]*user  // by email
	refreshTokens   map[string]string // token -> email
	chats           map[string]*chatRecord
	chatOrder       []string
	uploads         map[string][]byte
	conns           map[*hubConn]struct{}
	invocations     []Invocation
	invokeErrors    map[string]string
}

type Option func(*Server)

// WithAccessTTL sets the lifetime of issued access tokens.
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) {
		s.accessTTL = d
	}
}

// WithoutExpiresIn leaves expiresIn out of token responses so clients have to
// read the exp claim.
func WithoutExpiresIn() Option {
	return func(s *Server) {
		s.omitExpiresIn = true
	}
}

// WithPingInterval sets how often the hub pings connected clients.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		s.pingInterval = d
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// New starts a server and registers its shutdown with t.
func New(t testing.TB, options ...Option) *Server {
	t.Helper()
	s := &Server{
		signingKey:    []byte(uuid.NewString()),
		log:           zerolog.Nop(),
		accessTTL:     defaultAccessTTL,
		pingInterval:  defaultPingInterval,
		users:         make(map[string]*user),
		refreshTokens: make(map[string]string),
		chats:         make(map[string]*chatRecord),
		uploads:       make(map[string][]byte),
		conns:         make(map[*hubConn]struct{}),
		invokeErrors:  make(map[string]string),
	}
	for _, opt := range options {
		opt(s)
	}
	s.addChatLocked(chatmodel.Chat{ID: GlobalChatID, Name: "Global", IsGlobal: true}, nil)

	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

// Close drops every hub connection and stops the listener.
func (s *Server) Close() {
	s.DropConnections()
	s.Server.Close()
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	public := []func(http.HandlerFunc) http.HandlerFunc{s.RecoverMiddleware}
	private := append(public, s.RequireAuth())

	mux.HandleFunc("POST /api/auth/login", ChainMiddleware(s.handleLogin, public...))
	mux.HandleFunc("POST /api/auth/register", ChainMiddleware(s.handleRegister, public...))
	mux.HandleFunc("POST /api/auth/refresh", ChainMiddleware(s.handleRefresh, public...))
	mux.HandleFunc("GET /api/chats", ChainMiddleware(s.handleChats, private...))
	mux.HandleFunc("POST /api/chats", ChainMiddleware(s.handleCreateChat, private...))
	mux.HandleFunc("GET /api/chats/{id}/messages", ChainMiddleware(s.handleMessages, private...))
	mux.HandleFunc("POST /api/upload", ChainMiddleware(s.handleUpload, private...))
	mux.HandleFunc("GET /uploads/{name}", ChainMiddleware(s.handleDownload, public...))
	mux.HandleFunc("/hubs/chat", ChainMiddleware(s.handleHub, public...))
	return mux
}

// ChainMiddleware wraps routeFunction so that mw[0] runs first.
func ChainMiddleware(routeFunction http.HandlerFunc, mw ...func(http.HandlerFunc) http.HandlerFunc) http.HandlerFunc {
	chained := routeFunction
	for i := len(mw) - 1; i >= 0; i-- {
		chained = mw[i](chained)
	}
	return chained
}

func (s *Server) RecoverMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
				http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}

// APIURL is the REST base, e.g. http://127.0.0.1:1234/api.
func (s *Server) APIURL() string {
	return s.URL + "/api"
}

func (s *Server) AuthURL() string {
	return s.URL + "/api/auth"
}

func (s *Server) HubURL() string {
	return s.URL + "/hubs/chat"
}

// AddUser registers an account directly.
func (s *Server) AddUser(email, password string) {
	hash, err := hashPassword(password)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[email] = &user{ID: uuid.NewString(), Email: email, PasswordHash: hash}
}

// AddMessage appends a message to a chat's history without broadcasting it.
// Missing ids and timestamps are filled in.
func (s *Server) AddMessage(msg chatmodel.Message) chatmodel.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg = s.fillMessage(msg)
	if rec, ok := s.chats[msg.ChatID]; ok {
		rec.messages = append(rec.messages, msg)
	}
	return msg
}

// Broadcast stores msg and pushes it to every connection joined to its chat,
// the way a message sent by another user would arrive.
func (s *Server) Broadcast(msg chatmodel.Message) chatmodel.Message {
	msg = s.AddMessage(msg)
	s.pushToRoom(msg.ChatID, eventReceiveChatMessage, msg)
	return msg
}

// PushToRoom sends an event to the room without storing anything, e.g. to
// replay a duplicate.
func (s *Server) PushToRoom(chatID string, msg chatmodel.Message) {
	s.pushToRoom(chatID, eventReceiveChatMessage, msg)
}

// PushNewChat sends ReceiveNewChat to every connection.
func (s *Server) PushNewChat(chat chatmodel.Chat) {
	s.pushToAll(eventReceiveNewChat, chat)
}

// Messages returns the stored history of a chat.
func (s *Server) Messages(chatID string) []chatmodel.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	return append([]chatmodel.Message(nil), rec.messages...)
}

// RevokeAccessTokens invalidates every access token issued so far; refresh
// tokens stay valid.
func (s *Server) RevokeAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenGeneration++
}

// RevokeRefreshTokens invalidates every refresh token issued so far.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens = make(map[string]string)
}

// FailRefresh makes /auth/refresh answer with status; 0 restores normal
// behaviour.
func (s *Server) FailRefresh(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshStatus = status
}

// FailInvocation makes every invocation of target complete with errMsg; an
// empty errMsg clears it.
func (s *Server) FailInvocation(target, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if errMsg == "" {
		delete(s.invokeErrors, target)
		return
	}
	s.invokeErrors[target] = errMsg
}

func (s *Server) LoginCalls() int {
	return int(s.loginCalls.Load())
}

func (s *Server) RefreshCalls() int {
	return int(s.refreshCalls.Load())
}

// HubConnects counts accepted hub connections.
func (s *Server) HubConnects() int {
	return int(s.hubConnects.Load())
}

// RejectedCalls counts REST calls refused for a missing or invalid token.
func (s *Server) RejectedCalls() int {
	return int(s.rejectedCalls.Load())
}

func (s *Server) addChatLocked(chat chatmodel.Chat, members []string) *chatRecord {
	rec := &chatRecord{chat: chat}
	if members != nil {
		rec.members = make(map[string]bool, len(members))
		for _, id := range members {
			rec.members[id] = true
		}
	}
	s.chats[chat.ID] = rec
	s.chatOrder = append(s.chatOrder, chat.ID)
	return rec
}

func (s *Server) fillMessage(msg chatmodel.Message) chatmodel.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return msg
}

func (rec *chatRecord) visibleTo(userID string) bool {
	return rec.chat.IsGlobal || rec.members[userID]
}

func (rec *chatRecord) viewFor(userID string) chatmodel.Chat {
	chat := rec.chat
	if name, ok := rec.names[userID]; ok {
		chat.Name = name
	}
	return chat
}
