// README: Kafka sink; messages are keyed by ride id so a ride's events stay ordered.
package notify

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaEmitter struct {
	writer *kafka.Writer
	now    func() time.Time
}

func NewKafkaEmitter(brokers []string, topic string) *KafkaEmitter {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaEmitter{writer: w, now: time.Now}
}

func (k *KafkaEmitter) Emit(ctx context.Context, e Event) error {
	body, err := NewEnvelope(e, k.now()).Marshal()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Subject()),
		Value: body,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(e.Kind())},
		},
	})
}

func (k *KafkaEmitter) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
