package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// AMQPConfig configures the broker publisher
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// AMQPNotifier publishes events as JSON to a topic exchange. A dropped
// connection is re-dialed on the next publish.
type AMQPNotifier struct {
	cfg    AMQPConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPNotifier dials the broker and declares the exchange
func NewAMQPNotifier(cfg AMQPConfig, logger *slog.Logger) (*AMQPNotifier, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "courier.notifications"
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "notify"
	}
	n := &AMQPNotifier{cfg: cfg, logger: logger}

	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.connect(); err != nil {
		return nil, err
	}
	return n, nil
}

// connect must be called with mu held
func (n *AMQPNotifier) connect() error {
	conn, err := amqp.Dial(n.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(n.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	n.conn = conn
	n.ch = ch
	return nil
}

// Notify publishes ev. Routing key is <routing_key>.<kind>.
func (n *AMQPNotifier) Notify(ctx context.Context, ev Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil || n.conn.IsClosed() {
		if err := n.connect(); err != nil {
			return err
		}
	}

	err = n.ch.Publish(n.cfg.Exchange, n.cfg.RoutingKey+"."+ev.Kind, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.New().String(),
		Timestamp:    ev.CreatedAt,
		Body:         body,
	})
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			n.conn = nil
		}
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Close closes the channel and connection
func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil
	}
	n.ch.Close()
	err := n.conn.Close()
	n.conn = nil
	return err
}
