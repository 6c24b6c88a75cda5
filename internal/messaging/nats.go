package messaging

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSBus implements Bus over a NATS connection. Reconnects are handled by
// the NATS client itself; publishes during a reconnect window are buffered.
type NATSBus struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// ConnectNATS dials url and returns a connected bus. name identifies this
// replica in NATS monitoring output.
func ConnectNATS(url, name string, logger *zap.Logger) (*NATSBus, error) {
	log := logger.Named("messaging")

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			} else {
				log.Info("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("nats connection closed", zap.Error(err))
			} else {
				log.Info("nats connection closed")
			}
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to connect to nats: %w", err)
	}

	log.Info("connected to nats", zap.String("url", url))
	return &NATSBus{conn: conn, logger: log}, nil
}

// Publish sends data on subject.
func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe delivers every message on subject to handler.
func (b *NATSBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("messaging: subscribe to %s: %w", subject, err)
	}
	b.logger.Debug("subscribed", zap.String("subject", subject))
	return &natsSubscription{sub: sub}, nil
}

// Flush waits for the server to process everything published so far.
func (b *NATSBus) Flush() error {
	return b.conn.Flush()
}

// Close drains the connection so in-flight handlers finish before teardown.
func (b *NATSBus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("nats drain failed", zap.Error(err))
		b.conn.Close()
	}
}

// IsConnected reports whether the underlying connection is up.
func (b *NATSBus) IsConnected() bool {
	return b.conn.IsConnected()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
