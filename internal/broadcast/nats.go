package broadcast

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const originHeader = "x-origin"

// BridgeConfig configures cross-instance fan-out.
type BridgeConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DefaultBridgeConfig returns sensible defaults. An empty URL disables the
// bridge.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{SubjectPrefix: "alertforge.broadcast"}
}

// NATSBridge mirrors hub traffic across instances. Every local publish goes
// out on {prefix}.{channel}; envelopes from other instances are delivered to
// local subscribers. Messages carry the sending instance id so an instance
// never re-delivers its own traffic.
type NATSBridge struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	hub    *Hub
	prefix string
	origin string
	logger *zap.Logger
}

// NewNATSBridge subscribes to the prefix and installs itself as the hub's
// forwarder.
func NewNATSBridge(conn *nats.Conn, hub *Hub, prefix string, logger *zap.Logger) (*NATSBridge, error) {
	if conn == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}
	if prefix == "" {
		prefix = DefaultBridgeConfig().SubjectPrefix
	}

	b := &NATSBridge{
		conn:   conn,
		hub:    hub,
		prefix: strings.TrimSuffix(prefix, "."),
		origin: uuid.NewString(),
		logger: logger.Named("nats-bridge"),
	}

	sub, err := conn.Subscribe(b.prefix+".>", b.handle)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s.>: %w", b.prefix, err)
	}
	b.sub = sub
	hub.SetForwarder(b.forward)

	b.logger.Info("NATS bridge started",
		zap.String("subject", b.prefix+".>"),
		zap.String("origin", b.origin),
	)
	return b, nil
}

// Origin returns this instance's id.
func (b *NATSBridge) Origin() string { return b.origin }

func (b *NATSBridge) forward(channel string, payload []byte) {
	if !b.conn.IsConnected() {
		b.logger.Debug("NATS not connected, skipping forward", zap.String("channel", channel))
		return
	}

	headers := nats.Header{}
	headers.Set(originHeader, b.origin)

	msg := &nats.Msg{
		Subject: b.prefix + "." + channel,
		Data:    payload,
		Header:  headers,
	}
	if err := b.conn.PublishMsg(msg); err != nil {
		b.logger.Warn("Failed to forward broadcast",
			zap.String("subject", msg.Subject),
			zap.Error(err),
		)
	}
}

func (b *NATSBridge) handle(msg *nats.Msg) {
	if msg.Header.Get(originHeader) == b.origin {
		return
	}

	channel := strings.TrimPrefix(msg.Subject, b.prefix+".")
	if !ValidChannel(channel) {
		b.logger.Debug("Ignoring message on invalid channel", zap.String("subject", msg.Subject))
		return
	}
	b.hub.Deliver(channel, msg.Data)
}

// Close detaches the bridge from the hub and unsubscribes.
func (b *NATSBridge) Close() error {
	b.hub.SetForwarder(nil)
	if err := b.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}
