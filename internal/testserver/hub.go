package testserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jrsteele09/go-chat-session/chatmodel"
	"github.com/jrsteele09/go-chat-session/internal/utils"
	"github.com/jrsteele09/go-chat-session/realtime/hubproto"
)

const (
	eventReceiveChatMessage = "ReceiveChatMessage"
	eventReceiveNewChat     = "ReceiveNewChat"

	methodJoinChat    = "JoinChat"
	methodLeaveChat   = "LeaveChat"
	methodSendMessage = "SendMessage"

	hubWriteWait = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Invocation is a hub method call received from a client.
type Invocation struct {
	Email  string
	Target string
	Args   []json.RawMessage
}

// Arg decodes argument i, returning the zero value when it is missing.
func (inv Invocation) Arg(i int) string {
	var s string
	if i < len(inv.Args) {
		json.Unmarshal(inv.Args[i], &s)
	}
	return s
}

type hubConn struct {
	ws      *websocket.Conn
	user    *user
	writeMu sync.Mutex
	rooms   map[string]bool // guarded by Server.mu
	done    chan struct{}
	once    sync.Once
}

func (c *hubConn) send(v any) error {
	b, err := hubproto.Encode(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(hubWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *hubConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (s *Server) handleHub(w http.ResponseWriter, r *http.Request) {
	u, err := s.authenticate(r.URL.Query().Get(hubproto.AccessTokenParam))
	if err != nil {
		s.rejectedCalls.Add(1)
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	rejected := s.rejectHub
	s.mu.Unlock()
	if rejected {
		http.Error(w, `{"error":"unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("hub upgrade failed")
		return
	}
	c := &hubConn{ws: ws, user: u, rooms: make(map[string]bool), done: make(chan struct{})}
	defer c.close()

	if err := s.handshake(c); err != nil {
		s.log.Debug().Err(err).Msg("hub handshake failed")
		return
	}

	// registered before the handshake answer so a connected client is
	// always reachable by pushes
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.hubConnects.Add(1)
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
	if err := c.send(hubproto.HandshakeResponse{}); err != nil {
		return
	}

	go s.pingLoop(c)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		for _, rec := range hubproto.Split(data) {
			msg, err := hubproto.Decode(rec)
			if err != nil {
				continue
			}
			switch msg.Type {
			case hubproto.TypeInvocation:
				s.invoke(c, msg)
			case hubproto.TypeClose:
				return
			}
		}
	}
}

// handshake validates the client's handshake request; the caller answers it.
func (s *Server) handshake(c *hubConn) error {
	c.ws.SetReadDeadline(time.Now().Add(hubWriteWait))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return err
	}
	c.ws.SetReadDeadline(time.Time{})

	records := hubproto.Split(data)
	var req hubproto.HandshakeRequest
	if len(records) == 0 || json.Unmarshal(records[0], &req) != nil || req != hubproto.Handshake {
		c.send(hubproto.HandshakeResponse{Error: "unsupported protocol"})
		return websocket.ErrBadHandshake
	}
	return nil
}

func (s *Server) pingLoop(c *hubConn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.send(hubproto.Message{Type: hubproto.TypePing}); err != nil {
				return
			}
		}
	}
}

func (s *Server) invoke(c *hubConn, msg hubproto.Message) {
	inv := Invocation{Email: c.user.Email, Target: msg.Target, Args: msg.Arguments}

	s.mu.Lock()
	s.invocations = append(s.invocations, inv)
	errMsg := s.invokeErrors[msg.Target]
	s.mu.Unlock()

	if errMsg == "" {
		switch msg.Target {
		case methodJoinChat:
			errMsg = s.join(c, inv.Arg(0))
		case methodLeaveChat:
			s.mu.Lock()
			delete(c.rooms, inv.Arg(0))
			s.mu.Unlock()
		case methodSendMessage:
			errMsg = s.sendMessage(c, inv)
		default:
			errMsg = "unknown method " + msg.Target
		}
	}

	if msg.InvocationID == "" {
		return
	}
	completion, _ := hubproto.NewCompletion(msg.InvocationID, nil, errMsg)
	c.send(completion)
}

func (s *Server) join(c *hubConn, chatID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.chats[chatID]
	if !ok || !rec.visibleTo(c.user.ID) {
		return "chat not found"
	}
	c.rooms[chatID] = true
	return ""
}

func (s *Server) sendMessage(c *hubConn, inv Invocation) string {
	chatID := inv.Arg(0)
	s.mu.Lock()
	rec, ok := s.chats[chatID]
	visible := ok && rec.visibleTo(c.user.ID)
	s.mu.Unlock()
	if !visible {
		return "chat not found"
	}

	s.Broadcast(chatmodel.Message{
		ChatID:      chatID,
		SenderID:    c.user.ID,
		SenderEmail: utils.Ptr(c.user.Email),
		Text:        utils.NilIfEmpty(inv.Arg(1)),
		FileURL:     utils.NilIfEmpty(inv.Arg(2)),
	})
	return ""
}

func (s *Server) pushToRoom(chatID, event string, arg any) {
	s.push(event, arg, func(c *hubConn) bool { return c.rooms[chatID] })
}

func (s *Server) pushToUser(userID, event string, arg any) {
	s.push(event, arg, func(c *hubConn) bool { return c.user.ID == userID })
}

func (s *Server) pushToAll(event string, arg any) {
	s.push(event, arg, func(*hubConn) bool { return true })
}

func (s *Server) push(event string, arg any, match func(*hubConn) bool) {
	msg, err := hubproto.NewInvocation("", event, arg)
	if err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("cannot encode push")
		return
	}

	s.mu.Lock()
	var targets []*hubConn
	for c := range s.conns {
		if match(c) {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.send(msg)
	}
}

// Joined reports how many live connections are in the chat's room.
func (s *Server) Joined(chatID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for c := range s.conns {
		if c.rooms[chatID] {
			n++
		}
	}
	return n
}

// Connections reports the number of live hub connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Invocations returns every hub call received so far, optionally filtered by
// target.
func (s *Server) Invocations(target string) []Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Invocation
	for _, inv := range s.invocations {
		if target == "" || inv.Target == target {
			out = append(out, inv)
		}
	}
	return out
}

// DropConnections closes every hub connection without a close record, like a
// network failure would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*hubConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// CloseConnections sends a close record to every client and hangs up.
func (s *Server) CloseConnections(allowReconnect bool) {
	s.mu.Lock()
	conns := make([]*hubConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.send(hubproto.Message{Type: hubproto.TypeClose, Error: "server shutting down", AllowReconnect: allowReconnect})
		c.close()
	}
}

// RejectHub makes new hub connections fail with 503 while set.
func (s *Server) RejectHub(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectHub = reject
}
