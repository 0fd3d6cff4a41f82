package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is one websocket connection. It implements the registry's session handle: Send
// never blocks and Close may be called from any goroutine, any number of times.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	cfg  Config
	log  *zap.Logger

	mu      sync.Mutex
	closed  bool
	ready   bool
	pending [][]byte

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, cfg Config, log *zap.Logger) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, cfg.SendBuffer),
		done: make(chan struct{}),
		cfg:  cfg,
		log:  log,
	}
}

// Send queues frame for the write pump. Until markReady runs, frames are held back so the
// reconcile frame is always the first one the peer sees.
func (c *Client) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if !c.ready {
		if len(c.pending) >= cap(c.send) {
			return false
		}
		c.pending = append(c.pending, frame)
		return true
	}

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// markReady queues first ahead of every held frame and switches to direct delivery.
func (c *Client) markReady(first []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	for _, frame := range append([][]byte{first}, c.pending...) {
		select {
		case c.send <- frame:
		default:
			return false
		}
	}
	c.pending = nil
	c.ready = true
	return true
}

// reply is for direct responses before and after sync.
func (c *Client) reply(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.pending = nil
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("websocket write failed", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.drain()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteWait))
			return
		}
	}
}

// drain flushes frames already queued so replies sent right before Close are not lost.
func (c *Client) drain() {
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
