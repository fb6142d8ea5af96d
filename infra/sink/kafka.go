package sink

import (
	"context"
	"encoding/json"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/routa/dispatch/core/model"
	"github.com/routa/dispatch/core/order"
)

// Well-known topic names for downstream consumers.
const (
	TopicOrderCreated   = "order.created"
	TopicOrderAccepted  = "order.accepted"
	TopicOrderUpdated   = "order.updated"
	TopicOrderDelivered = "order.delivered"
	TopicOrderCancelled = "order.cancelled"
)

// KafkaConfig configures the Kafka lifecycle sink.
type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers"`
}

// KafkaSink publishes lifecycle events, one topic per lifecycle milestone,
// keyed by order id so downstream consumers keep per-order ordering.
type KafkaSink struct {
	writer *kafkago.Writer
}

// NewKafkaSink creates a sink writing to the given brokers.
func NewKafkaSink(cfg KafkaConfig) *KafkaSink {
	return &KafkaSink{
		writer: &kafkago.Writer{
			Addr:     kafkago.TCP(cfg.Brokers...),
			Balancer: &kafkago.LeastBytes{},
		},
	}
}

// EnsureTopics creates the lifecycle topics if they do not already exist.
func (s *KafkaSink) EnsureTopics(ctx context.Context, brokers []string) error {
	conn, err := kafkago.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()
	topics := []string{
		TopicOrderCreated, TopicOrderAccepted, TopicOrderUpdated,
		TopicOrderDelivered, TopicOrderCancelled,
	}
	configs := make([]kafkago.TopicConfig, len(topics))
	for i, t := range topics {
		configs[i] = kafkago.TopicConfig{Topic: t, NumPartitions: 3, ReplicationFactor: 1}
	}
	return conn.CreateTopics(configs...)
}

// Publish writes the event to the topic matching its lifecycle milestone.
func (s *KafkaSink) Publish(ctx context.Context, ev order.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafkago.Message{
		Topic: topicFor(ev.Status),
		Key:   []byte(ev.OrderID),
		Value: data,
	})
}

// Close tears down the writer.
func (s *KafkaSink) Close() error { return s.writer.Close() }

func topicFor(st model.Status) string {
	switch st {
	case model.StatusPending:
		return TopicOrderCreated
	case model.StatusAccepted:
		return TopicOrderAccepted
	case model.StatusDelivered:
		return TopicOrderDelivered
	case model.StatusCancelled:
		return TopicOrderCancelled
	default:
		return TopicOrderUpdated
	}
}
