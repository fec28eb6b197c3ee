package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jrsteele09/go-chat-session/realtime/hubproto"
)

// connection serialises writes on one websocket; gorilla allows a single
// concurrent writer.
type connection struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func newConnection(ws *websocket.Conn) *connection {
	return &connection{ws: ws, done: make(chan struct{})}
}

func (c *connection) write(v any) error {
	b, err := hubproto.Encode(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *connection) closeGracefully() {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.close()
}
