package bridge

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gaspardpetit/lifecycle-bridge/internal/logx"
)

const (
	readLimit    = 16 << 20
	writeTimeout = 10 * time.Second
)

// conn is one WebSocket client. The loop only touches send through enqueue;
// the writer goroutine owns the socket writes.
type conn struct {
	id        string
	ws        *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	// flush asks the writer to send what is queued before closing.
	flush  bool
	reason string
}

func newConn(ws *websocket.Conn, queue int) *conn {
	return &conn{id: uuid.NewString(), ws: ws, send: make(chan []byte, queue), closed: make(chan struct{})}
}

func (c *conn) enqueue(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *conn) close(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		go func() { _ = c.ws.Close(websocket.StatusGoingAway, reason) }()
	})
}

// finish stops accepting data and closes the socket once everything already
// queued has been written. Only valid after writeLoop was started.
func (c *conn) finish(reason string) {
	c.closeOnce.Do(func() {
		c.flush = true
		c.reason = reason
		close(c.closed)
	})
}

func (c *conn) write(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *conn) writeLoop() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				logx.Log.Debug().Err(err).Str("client_id", c.id).Msg("websocket write failed")
				c.close("write failed")
				return
			}
		case <-c.closed:
			if c.flush {
				c.drain()
			}
			return
		}
	}
}

func (c *conn) drain() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				_ = c.ws.CloseNow()
				return
			}
		default:
			_ = c.ws.Close(websocket.StatusGoingAway, c.reason)
			return
		}
	}
}

// ServeWS upgrades the request and serves one client until it disconnects.
func (b *Bridge) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: b.opts.AllowedOrigins})
	if err != nil {
		logx.Log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket accept failed")
		return
	}
	ws.SetReadLimit(readLimit)
	c := newConn(ws, b.opts.SendQueue)
	var added bool
	if !b.do(func() { added = b.addClient(c) }) || !added {
		_ = ws.Close(websocket.StatusGoingAway, "bridge stopped")
		return
	}
	go c.writeLoop()
	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			break
		}
		b.post(func() { b.fromClient(c, data) })
	}
	b.do(func() { b.removeClient(c) })
	c.close("closed")
}
