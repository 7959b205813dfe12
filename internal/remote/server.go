package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/campaignsync/internal/document"
	"github.com/roach88/campaignsync/internal/syncerr"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer.
	maxFrameSize = 1 << 20

	// Outbound frames buffered per connection before it is dropped.
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server exposes an Adapter over WebSocket.
type Server struct {
	adapter Adapter
	logger  *slog.Logger
}

// NewServer creates a WebSocket handler backed by adapter.
func NewServer(adapter Adapter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{adapter: adapter, logger: logger}
}

// ServeHTTP upgrades the request and serves frames until the peer goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sc := &serverConn{
		server: s,
		conn:   conn,
		send:   make(chan Frame, sendBuffer),
		subs:   make(map[string]Subscription),
		cancel: cancel,
	}
	s.logger.Debug("remote session opened", "remote", r.RemoteAddr)

	go sc.writePump(ctx)
	sc.readPump(ctx)
	s.logger.Debug("remote session closed", "remote", r.RemoteAddr)
}

type serverConn struct {
	server *Server
	conn   *websocket.Conn
	send   chan Frame
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[string]Subscription
	closed bool
}

// readPump reads request frames until the connection fails.
func (c *serverConn) readPump(ctx context.Context) {
	defer c.close()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.reply(errorFrame("", syncerr.Validation("malformed frame: %v", err)))
			continue
		}
		c.handle(ctx, f)
	}
}

func (c *serverConn) handle(ctx context.Context, f Frame) {
	switch f.Type {
	case FramePing:
		if p, ok := c.server.adapter.(Pinger); ok {
			if err := p.Ping(ctx); err != nil {
				c.reply(errorFrame(f.ID, err))
				return
			}
		}
		c.reply(Frame{Type: FramePong, ID: f.ID})

	case FrameSubscribe:
		subID := f.SubID
		sub, err := c.server.adapter.Subscribe(ctx, f.Collection, f.Filters, func(snap document.Snapshot) {
			c.reply(Frame{Type: FrameSnapshot, SubID: subID, Snapshot: &snap})
		})
		if err != nil {
			c.reply(errorFrame(f.ID, err))
			return
		}
		c.mu.Lock()
		if old, ok := c.subs[subID]; ok {
			defer old.Unsubscribe()
		}
		c.subs[subID] = sub
		c.mu.Unlock()
		c.reply(Frame{Type: FrameResult, ID: f.ID, SubID: subID})

	case FrameUnsubscribe:
		c.mu.Lock()
		sub, ok := c.subs[f.SubID]
		delete(c.subs, f.SubID)
		c.mu.Unlock()
		if ok {
			sub.Unsubscribe()
		}
		c.reply(Frame{Type: FrameResult, ID: f.ID, SubID: f.SubID})

	case FrameWrite:
		doc, err := c.server.adapter.WriteDocument(ctx, f.Collection, f.DocID, f.Payload)
		if err != nil {
			c.reply(errorFrame(f.ID, err))
			return
		}
		c.reply(Frame{Type: FrameResult, ID: f.ID, Document: &doc})

	case FrameDelete:
		if err := c.server.adapter.DeleteDocument(ctx, f.Collection, f.DocID); err != nil {
			c.reply(errorFrame(f.ID, err))
			return
		}
		c.reply(Frame{Type: FrameResult, ID: f.ID})

	default:
		c.reply(errorFrame(f.ID, syncerr.Validation("unknown frame type %q", f.Type)))
	}
}

// reply queues a frame for the write pump. A peer that cannot keep up is dropped.
func (c *serverConn) reply(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- f:
	default:
		c.server.logger.Warn("websocket send buffer full, dropping session")
		c.cancel()
	}
}

// writePump pumps frames from the send channel to the connection.
func (c *serverConn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// close tears down every subscription opened on this connection.
func (c *serverConn) close() {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	c.cancel()
}
