package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// clientMessage is what observers send: subscribe or unsubscribe requests.
type clientMessage struct {
	Type string `json:"type"`
	Data struct {
		Channel string `json:"channel"`
	} `json:"data"`
}

// Client is one observer connection. Subscriptions live only as long as the
// connection.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	mu   sync.RWMutex
	subs map[string]struct{}

	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:    uuid.NewString(),
		hub:   hub,
		conn:  conn,
		subs:  make(map[string]struct{}),
		queue: make(chan []byte, hub.config.QueueSize),
		done:  make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Subscribed reports whether the client receives messages for channel.
func (c *Client) Subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[channel]
	return ok
}

func (c *Client) subscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[channel] = struct{}{}
}

func (c *Client) unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, channel)
}

// enqueue adds msg to the client's queue, evicting the oldest queued message
// when full. ok is false once the client is closed.
func (c *Client) enqueue(msg []byte) (ok, evicted bool) {
	for {
		select {
		case <-c.done:
			return false, evicted
		default:
		}

		select {
		case c.queue <- msg:
			return true, evicted
		default:
		}

		select {
		case <-c.queue:
			evicted = true
		default:
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *Client) reply(msgType string, data any) {
	payload, err := json.Marshal(Envelope{Type: msgType, Data: data, Timestamp: c.hub.now().UTC()})
	if err != nil {
		return
	}
	c.enqueue(payload)
}

// handle applies one client message and queues the reply.
func (c *Client) handle(raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.reply("error", map[string]string{"message": "invalid message"})
		return
	}

	channel := msg.Data.Channel
	switch msg.Type {
	case "subscribe", "unsubscribe":
		if !ValidChannel(channel) {
			c.reply("error", map[string]string{"message": "invalid channel", "channel": channel})
			return
		}
		if msg.Type == "subscribe" {
			c.subscribe(channel)
			c.reply("subscribed", map[string]string{"channel": channel})
		} else {
			c.unsubscribe(channel)
			c.reply("unsubscribed", map[string]string{"channel": channel})
		}
	default:
		c.reply("error", map[string]string{"message": "unknown message type", "type": msg.Type})
	}
}

// readPump processes client messages until the connection fails or no pong
// arrives within PongWait, then unregisters the client.
func (c *Client) readPump() {
	defer c.hub.unregister(c)

	cfg := c.hub.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("WebSocket read failed", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.handle(raw)
	}
}

// writePump drains the queue to the socket and pings every PingInterval.
func (c *Client) writePump() {
	cfg := c.hub.config
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.hub.unregister(c)
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(cfg.WriteWait))
			return
		case msg := <-c.queue:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteWait)); err != nil {
				return
			}
		}
	}
}
