package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/weiawesome/thumbing/internal/event"
	"github.com/weiawesome/thumbing/internal/redelivery"
	pkglog "github.com/weiawesome/thumbing/pkg/log"
)

// KafkaPublisher produces messages to one topic and waits for the broker to
// acknowledge each of them.
type KafkaPublisher struct {
	producer *kafka.Producer
	topic    string
	doneCh   chan struct{}
}

// NewKafkaPublisher creates a new Kafka producer for topic.
func NewKafkaPublisher(brokers, topic string) (*KafkaPublisher, error) {
	if err := ensureTopic(brokers, topic, 1); err != nil {
		l := pkglog.L()
		l.Warn().Err(err).Str("topic", topic).Msg("failed to ensure topic, may already exist")
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"acks":               "all",
		"enable.idempotence": true,
		"linger.ms":          5,
		"compression.type":   "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	kp := &KafkaPublisher{
		producer: p,
		topic:    topic,
		doneCh:   make(chan struct{}),
	}

	go kp.eventHandler()

	return kp, nil
}

func ensureTopic(brokers, topic string, partitions int) error {
	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
	})
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{
		{
			Topic:             topic,
			NumPartitions:     partitions,
			ReplicationFactor: 1,
		},
	})
	if err != nil {
		return err
	}

	for _, result := range results {
		if result.Error.Code() != kafka.ErrNoError && result.Error.Code() != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("failed to create topic %s: %v", result.Topic, result.Error)
		}
	}

	return nil
}

// eventHandler drains client-level events; per-message delivery reports go
// to the channel passed to Produce.
func (kp *KafkaPublisher) eventHandler() {
	l := pkglog.L()
	for e := range kp.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				l.Error().Err(ev.TopicPartition.Error).Msg("kafka delivery failed")
			}
		case kafka.Error:
			l.Error().Err(ev).Str("topic", kp.topic).Msg("kafka producer error")
		}
	}
	close(kp.doneCh)
}

// Publish sends value under key and returns once the broker acknowledged it.
func (kp *KafkaPublisher) Publish(ctx context.Context, key string, value []byte) error {
	delivery := make(chan kafka.Event, 1)
	err := kp.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &kp.topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(key),
		Value: value,
	}, delivery)
	if err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-delivery:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery report %T", e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("kafka delivery to %s failed: %w", kp.topic, m.TopicPartition.Error)
		}
		return nil
	}
}

// Emit publishes ev as an S3-style notification record. The key is the
// object key so every event of one object lands on the same partition.
func (kp *KafkaPublisher) Emit(ctx context.Context, ev event.StorageEvent) error {
	value, err := event.EncodeRecords(ev)
	if err != nil {
		return fmt.Errorf("failed to encode storage event: %w", err)
	}
	return kp.Publish(ctx, ev.ObjectRef(), value)
}

// DeadLetter publishes dl as JSON.
func (kp *KafkaPublisher) DeadLetter(ctx context.Context, dl redelivery.DeadLetter) error {
	value, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	return kp.Publish(ctx, dl.Event.ObjectRef(), value)
}

// Close flushes pending messages and releases producer resources.
func (kp *KafkaPublisher) Close() error {
	kp.producer.Flush(5000)
	kp.producer.Close()
	<-kp.doneCh
	return nil
}
