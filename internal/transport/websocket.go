package transport

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// MessageSocketPath: fixed endpoint for the message-socket channel.
const MessageSocketPath = "/ws"

// wsChannel: message-oriented socket; each inbound binary message is exactly
// one complete envelope packet.
type wsChannel struct {
	conn *websocket.Conn
	q    *recvQueue
	mu   sync.Mutex
	open atomic.Bool
	log  *logrus.Entry
}

// DialMessageSocket opens the message-socket channel at serverURL + /ws.
func DialMessageSocket(ctx context.Context, serverURL string) (Channel, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = MessageSocketPath
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	c := &wsChannel{
		conn: conn,
		q:    newRecvQueue(64),
		log:  logrus.WithField("component", "ws-channel"),
	}
	c.open.Store(true)
	go c.readLoop()
	return c, nil
}

func (c *wsChannel) readLoop() {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			c.open.Store(false)
			c.q.fail(err)
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		c.q.push(data)
	}
}

func (c *wsChannel) Kind() Kind { return KindMessageSocket }

func (c *wsChannel) Send(ctx context.Context, packet []byte) error {
	if !c.open.Load() {
		return ErrChannelClosed
	}
	if d, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(d)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, packet)
}

func (c *wsChannel) Recv(ctx context.Context) ([]byte, error) {
	return c.q.recv(ctx)
}

func (c *wsChannel) Close() error {
	if !c.open.Swap(false) {
		return nil
	}
	c.q.fail(ErrChannelClosed)
	return c.conn.Close()
}

func (c *wsChannel) IsOpen() bool { return c.open.Load() }
