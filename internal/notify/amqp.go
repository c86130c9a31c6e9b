// README: RabbitMQ topic-exchange sink.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 3 * time.Second

type AMQPEmitter struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	now      func() time.Time
}

func NewAMQPEmitter(url, exchange string) (*AMQPEmitter, error) {
	if exchange == "" {
		exchange = "ride_topic"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPEmitter{conn: conn, ch: ch, exchange: exchange, now: time.Now}, nil
}

// RoutingKey maps RIDE_ASSIGNED to ride.ride_assigned.
func RoutingKey(k Kind) string {
	return "ride." + strings.ToLower(string(k))
}

func (a *AMQPEmitter) Emit(ctx context.Context, e Event) error {
	body, err := NewEnvelope(e, a.now()).Marshal()
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	pubctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return a.ch.PublishWithContext(pubctx, a.exchange, RoutingKey(e.Kind()), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    string(e.Subject()) + ":" + string(e.Kind()),
		Timestamp:    a.now(),
		Body:         body,
	})
}

func (a *AMQPEmitter) Close() error {
	if a.ch != nil {
		_ = a.ch.Close()
	}
	return a.conn.Close()
}
