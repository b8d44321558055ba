package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/streadway/amqp"
)

// publisher is the slice of *amqp.Channel the sink uses.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes alerts as JSON to a durable fanout exchange.
type AMQPSink struct {
	exchange string

	mu      sync.Mutex
	channel publisher
	conn    *amqp.Connection
}

// DialAMQP connects and declares the exchange.
func DialAMQP(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	err = ch.ExchangeDeclare(
		exchange,
		"fanout",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPSink{exchange: exchange, channel: ch, conn: conn}, nil
}

func (s *AMQPSink) TriggerAlert(ctx context.Context, a domain.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	priority := uint8(0)
	if a.Severity == domain.SeverityHigh {
		priority = 9
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel.Publish(
		s.exchange,
		"",
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Priority:     priority,
			Timestamp:    a.RaisedAt,
			Type:         string(a.Kind),
			Headers:      amqp.Table{"session_id": string(a.SessionID), "severity": string(a.Severity)},
			Body:         body,
		},
	)
}

func (s *AMQPSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channel.(*amqp.Channel); ok && ch != nil {
		ch.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
