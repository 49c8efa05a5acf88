package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// KafkaSender публикует события уведомлений в kafka-топик.
type KafkaSender struct {
	writer *kafka.Writer
}

// NewKafkaSender создаёт отправителя событий в указанный топик.
func NewKafkaSender(brokers []string, topic string) *KafkaSender {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}

	return &KafkaSender{writer: writer}
}

// Send сериализует событие и записывает его в топик.
func (s *KafkaSender) Send(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.OrderID),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	return nil
}

// Close закрывает соединение с kafka.
func (s *KafkaSender) Close() error {
	return s.writer.Close()
}
