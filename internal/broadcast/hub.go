// Package broadcast fans alert and notification messages out to real-time
// observers connected over WebSocket, and optionally across instances over
// NATS.
package broadcast

import (
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/observability"
)

// Well-known channels.
const (
	ChannelAlerts        = "alerts"
	ChannelNotifications = "notifications"
)

var channelPattern = regexp.MustCompile(`^[a-z0-9_.-]{1,64}$`)

// ValidChannel reports whether name may be subscribed to.
func ValidChannel(name string) bool {
	return channelPattern.MatchString(name)
}

// Envelope is the wire format of every server-to-client message.
type Envelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Config configures the hub and its connections.
type Config struct {
	QueueSize      int           `yaml:"queue_size"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongWait       time.Duration `yaml:"pong_wait"`
	WriteWait      time.Duration `yaml:"write_wait"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:      64,
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 4096,
	}
}

// Forwarder receives every locally published envelope, already encoded.
type Forwarder func(channel string, payload []byte)

// Hub tracks connected clients and delivers published messages to the ones
// subscribed to the message's channel. Publish never blocks on a slow
// client: each client has a bounded queue that drops its oldest message when
// full.
type Hub struct {
	config  Config
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	clients   map[*Client]struct{}
	forwarder Forwarder
}

// NewHub creates an empty hub.
func NewHub(config Config, logger *zap.Logger, metrics *observability.Metrics) *Hub {
	d := DefaultConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = d.QueueSize
	}
	if config.PingInterval <= 0 {
		config.PingInterval = d.PingInterval
	}
	if config.PongWait <= config.PingInterval {
		config.PongWait = max(d.PongWait, 2*config.PingInterval)
	}
	if config.WriteWait <= 0 {
		config.WriteWait = d.WriteWait
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = d.MaxMessageSize
	}
	return &Hub{
		config:  config,
		logger:  logger.Named("broadcast"),
		metrics: metrics,
		now:     time.Now,
		clients: make(map[*Client]struct{}),
	}
}

// SetForwarder installs f to receive every local publish. Pass nil to remove.
func (h *Hub) SetForwarder(f Forwarder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forwarder = f
}

// Publish sends a message to every client subscribed to channel and to the
// forwarder, if any.
func (h *Hub) Publish(channel, msgType string, data any) {
	payload, err := json.Marshal(Envelope{Type: msgType, Data: data, Timestamp: h.now().UTC()})
	if err != nil {
		h.logger.Error("Failed to encode broadcast message",
			zap.String("channel", channel),
			zap.String("type", msgType),
			zap.Error(err),
		)
		return
	}

	h.Deliver(channel, payload)

	h.mu.RLock()
	forward := h.forwarder
	h.mu.RUnlock()
	if forward != nil {
		forward(channel, payload)
	}
}

// Deliver hands an encoded envelope to local subscribers only. It returns how
// many clients received it and how many older messages were dropped to make
// room.
func (h *Hub) Deliver(channel string, payload []byte) (delivered, dropped int) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if c.Subscribed(channel) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return 0, 0
	}

	for _, c := range targets {
		ok, evicted := c.enqueue(payload)
		if !ok {
			continue
		}
		delivered++
		if evicted {
			dropped++
		}
	}

	if dropped > 0 {
		h.logger.Debug("Dropped queued messages for slow clients",
			zap.String("channel", channel),
			zap.Int("dropped", dropped),
		)
	}
	h.metrics.ObserveBroadcast(channel, delivered, dropped)
	return delivered, dropped
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetClients(n)
	h.logger.Debug("Client connected", zap.String("client_id", c.id), zap.Int("clients", n))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.close()
		h.metrics.SetClients(n)
		h.logger.Debug("Client disconnected", zap.String("client_id", c.id), zap.Int("clients", n))
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
	h.metrics.SetClients(0)
}
