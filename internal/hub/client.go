package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/meow-realtime/internal/domain"
	"github.com/weiawesome/meow-realtime/pkg/log"
)

// Conn is the transport of one session. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client is one live session of a user on this process.
type Client struct {
	ID      string
	UserID  string
	Session *domain.Session

	hub  *Hub
	conn Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	// live frames held back while the backlog is replayed
	replayMu  sync.Mutex
	replaying bool
	held      [][]byte
	// newest chat message id written by the replay
	replayedTo string

	// guarded by hub.mu
	topics map[string]struct{}
}

func newClient(id, userID string, h *Hub, conn Conn) *Client {
	return &Client{
		ID:      id,
		UserID:  userID,
		Session: domain.NewSession(id, userID, h.now()),
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, h.cfg.SendBuffer),
		done:    make(chan struct{}),
		topics:  make(map[string]struct{}),
	}
}

// Done is closed once the session is torn down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// enqueue queues data without blocking. It reports false when the session
// is closed or its buffer is full.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
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

// SessionOption configures a session at registration.
type SessionOption func(*Client)

// Replaying starts the session with live delivery held back until
// EndReplay, so a backlog sent first cannot be overtaken by newer frames.
func Replaying() SessionOption {
	return func(c *Client) { c.replaying = true }
}

// deliverLive queues a frame that arrived from the bus or a hub-wide send.
// It reports false when the frame cannot be queued or held.
func (c *Client) deliverLive(data []byte) bool {
	c.replayMu.Lock()
	defer c.replayMu.Unlock()
	if c.replaying {
		if len(c.held) >= cap(c.send) {
			return false
		}
		c.held = append(c.held, data)
		return true
	}
	if c.replayedTo != "" && coveredBy(data, c.replayedTo) {
		return true
	}
	return c.enqueue(data)
}

// EndReplay releases the live frames held since registration in arrival
// order. Chat messages up to and including lastMessageID were part of the
// replayed backlog and are dropped, now and when they arrive late from the
// bus. An empty lastMessageID drops nothing.
func (c *Client) EndReplay(lastMessageID string) error {
	c.replayMu.Lock()
	defer c.replayMu.Unlock()
	if !c.replaying {
		return nil
	}
	c.replaying = false
	c.replayedTo = lastMessageID
	held := c.held
	c.held = nil

	for _, data := range held {
		if lastMessageID != "" && coveredBy(data, lastMessageID) {
			continue
		}
		if !c.enqueue(data) {
			c.hub.evict(c, "send buffer full")
			return domain.ErrTransportClosed
		}
	}
	return nil
}

type framePeek struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// coveredBy reports whether data is a chat message no newer than lastID.
func coveredBy(data []byte, lastID string) bool {
	var p framePeek
	if err := json.Unmarshal(data, &p); err != nil {
		return false
	}
	return p.Type == domain.FrameChatMessage && domain.CompareMessageIDs(p.MessageID, lastID) <= 0
}

// SendFrame queues a frame for this session only. A full buffer evicts the
// session.
func (c *Client) SendFrame(f domain.ServerFrame) error {
	data, err := domain.EncodeServerFrame(f)
	if err != nil {
		return err
	}
	if !c.enqueue(data) {
		c.hub.evict(c, "send buffer full")
		return domain.ErrTransportClosed
	}
	return nil
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// ReadPump reads frames until the transport fails and then unregisters the
// session. handler runs on the read goroutine.
func (c *Client) ReadPump(handler func(*Client, []byte)) {
	defer c.hub.Unregister(context.Background(), c.ID)

	cfg := c.hub.cfg
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l := log.L()
				l.Debug().Err(err).Str(log.FieldSessionID, c.ID).Msg("websocket read failed")
			}
			return
		}

		c.Session.Touch(c.hub.now())
		handler(c, message)
	}
}

// WritePump drains the send buffer and keeps the connection alive with
// pings until the session closes.
func (c *Client) WritePump() {
	cfg := c.hub.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.evict(c, "write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.evict(c, "ping failed")
				return
			}

		case <-c.done:
			return
		}
	}
}
