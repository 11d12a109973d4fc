package notify

import (
	"context"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// SubjectCreate is the NATS subject notification requests are published on.
const SubjectCreate = "notify.create"

// Publisher is the subset of the NATS client the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes notifications as JSON on SubjectCreate.
type NATSSink struct {
	pub Publisher
}

// NewNATSSink creates a sink publishing through pub.
func NewNATSSink(pub Publisher) *NATSSink {
	return &NATSSink{pub: pub}
}

func (s *NATSSink) Notify(_ context.Context, n Notification) error {
	data, err := n.encode()
	if err != nil {
		return err
	}
	if err := s.pub.Publish(SubjectCreate, data); err != nil {
		return fmt.Errorf("notify: nats publish: %w", err)
	}
	return nil
}

// KafkaSink writes notifications to a Kafka topic keyed by recipient, so one
// user's notifications stay ordered within a partition.
type KafkaSink struct {
	writer *kafkago.Writer
}

// NewKafkaSink creates a synchronous writer for topic.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		Async:        false,
		WriteTimeout: 5 * time.Second,
	}
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) Notify(ctx context.Context, n Notification) error {
	data, err := n.encode()
	if err != nil {
		return err
	}
	msg := kafkago.Message{
		Key:   []byte(n.UserID),
		Value: data,
		Time:  time.Now(),
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("notify: kafka write: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
