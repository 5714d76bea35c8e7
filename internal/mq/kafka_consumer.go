package mq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/thumbing/internal/event"
	"github.com/weiawesome/thumbing/internal/metrics"
	pkglog "github.com/weiawesome/thumbing/pkg/log"
)

// ConsumerConfig configures a KafkaConsumer.
type ConsumerConfig struct {
	Brokers string
	Topic   string
	GroupID string
	// Stage names the pipeline stage in logs and metrics.
	Stage string
	// MaxInFlight bounds how many messages are handled concurrently.
	MaxInFlight int
	Filter      event.Filter
}

// KafkaConsumer implements EventConsumer using confluent-kafka-go. Offsets are
// committed manually once every message up to them was handled, which gives
// at-least-once delivery.
type KafkaConsumer struct {
	consumer *kafka.Consumer
	cfg      ConsumerConfig
	handler  EventHandler
	metrics  *metrics.Metrics
	doneCh   chan struct{}
}

// NewKafkaConsumer creates a new Kafka consumer for storage events.
func NewKafkaConsumer(cfg ConsumerConfig, handler EventHandler, m *metrics.Metrics) (*KafkaConsumer, error) {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"group.id":           cfg.GroupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return &KafkaConsumer{
		consumer: c,
		cfg:      cfg,
		handler:  handler,
		metrics:  m,
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins consuming messages from Kafka in a background goroutine.
func (kc *KafkaConsumer) Start(ctx context.Context) error {
	if err := kc.consumer.Subscribe(kc.cfg.Topic, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", kc.cfg.Topic, err)
	}

	l := pkglog.L()
	l.Info().
		Str("topic", kc.cfg.Topic).
		Str("group", kc.cfg.GroupID).
		Str("stage", kc.cfg.Stage).
		Int("max_in_flight", kc.cfg.MaxInFlight).
		Msg("storage event consumer started")

	go kc.consumeLoop(ctx)

	return nil
}

func (kc *KafkaConsumer) consumeLoop(ctx context.Context) {
	l := pkglog.L()
	defer close(kc.doneCh)

	for {
		select {
		case <-ctx.Done():
			l.Info().Str("stage", kc.cfg.Stage).Msg("storage event consumer shutting down")
			return
		default:
			batch := kc.poll()
			if len(batch) == 0 {
				continue
			}
			// Use a detached context so in-flight processing completes even after shutdown signal.
			failed := kc.processBatch(context.WithoutCancel(ctx), batch)
			kc.settle(batch, failed)
		}
	}
}

// poll blocks briefly for one message, then drains whatever else is already
// buffered up to MaxInFlight.
func (kc *KafkaConsumer) poll() []*kafka.Message {
	l := pkglog.L()
	var batch []*kafka.Message

	timeout := 100 * time.Millisecond
	for len(batch) < kc.cfg.MaxInFlight {
		msg, err := kc.consumer.ReadMessage(timeout)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				break
			}
			l.Error().Err(err).Msg("kafka consumer error")
			break
		}
		batch = append(batch, msg)
		timeout = time.Millisecond
	}
	return batch
}

// processBatch handles the batch concurrently and returns the indexes of the
// messages that must be redelivered.
func (kc *KafkaConsumer) processBatch(ctx context.Context, batch []*kafka.Message) map[int]bool {
	ok := make([]bool, len(batch))

	g := new(errgroup.Group)
	g.SetLimit(kc.cfg.MaxInFlight)
	for i, msg := range batch {
		g.Go(func() error {
			ok[i] = kc.processMessage(ctx, msg) == nil
			return nil
		})
	}
	_ = g.Wait()

	failed := make(map[int]bool)
	for i := range ok {
		if !ok[i] {
			failed[i] = true
		}
	}
	return failed
}

func (kc *KafkaConsumer) processMessage(ctx context.Context, msg *kafka.Message) error {
	l := pkglog.L()

	events, err := event.DecodeRecords(msg.Value)
	if err != nil {
		// A malformed payload never becomes valid; redelivering it would
		// block the partition.
		kc.metrics.EventConsumed(kc.cfg.Stage, "malformed")
		l.Error().Err(err).
			Str("topic", *msg.TopicPartition.Topic).
			Int32("partition", msg.TopicPartition.Partition).
			Str("offset", msg.TopicPartition.Offset.String()).
			Msg("failed to decode storage event")
		return nil
	}

	for _, ev := range events {
		if match, reason := kc.cfg.Filter.Match(ev); !match {
			kc.metrics.EventConsumed(kc.cfg.Stage, "filtered")
			l.Debug().Str(pkglog.FieldStore, ev.Store).Str(pkglog.FieldKey, ev.Key).Str("reason", reason).Msg("event filtered")
			continue
		}

		l.Info().
			Str(pkglog.FieldStore, ev.Store).
			Str(pkglog.FieldKey, ev.Key).
			Str(pkglog.FieldEventID, ev.EventID).
			Int64("size", ev.Size).
			Msg("received storage event")

		if err := kc.handler(ctx, ev); err != nil {
			kc.metrics.EventConsumed(kc.cfg.Stage, "redeliver")
			l.Error().Err(err).Str(pkglog.FieldKey, ev.Key).Msg("failed to handle storage event")
			return err
		}
		kc.metrics.EventConsumed(kc.cfg.Stage, "handled")
	}
	return nil
}

// settle commits what was handled and rewinds partitions to their first
// failed message.
func (kc *KafkaConsumer) settle(batch []*kafka.Message, failed map[int]bool) {
	l := pkglog.L()
	commits, seeks := commitPlan(batch, failed)

	if len(commits) > 0 {
		if _, err := kc.consumer.CommitOffsets(commits); err != nil {
			l.Error().Err(err).Msg("failed to commit offsets")
		}
	}
	for _, tp := range seeks {
		if err := kc.consumer.Seek(tp, 0); err != nil {
			l.Error().Err(err).Int32("partition", tp.Partition).Msg("failed to rewind partition")
		}
	}
}

// commitPlan computes, per partition, the offset to commit and the offset to
// seek back to. Nothing at or after a partition's first failure is committed.
func commitPlan(batch []*kafka.Message, failed map[int]bool) (commits, seeks []kafka.TopicPartition) {
	type partKey struct {
		topic     string
		partition int32
	}
	type plan struct {
		next        kafka.Offset
		firstFailed kafka.Offset
		hasNext     bool
		hasFailed   bool
	}

	plans := make(map[partKey]*plan)
	var order []partKey
	for i, msg := range batch {
		tp := msg.TopicPartition
		k := partKey{topic: *tp.Topic, partition: tp.Partition}
		p, ok := plans[k]
		if !ok {
			p = &plan{}
			plans[k] = p
			order = append(order, k)
		}
		if failed[i] {
			if !p.hasFailed || tp.Offset < p.firstFailed {
				p.firstFailed = tp.Offset
				p.hasFailed = true
			}
			continue
		}
		if !p.hasNext || tp.Offset+1 > p.next {
			p.next = tp.Offset + 1
			p.hasNext = true
		}
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].topic != order[j].topic {
			return order[i].topic < order[j].topic
		}
		return order[i].partition < order[j].partition
	})

	for _, k := range order {
		p := plans[k]
		topic := k.topic
		if p.hasFailed {
			commits = append(commits, kafka.TopicPartition{Topic: &topic, Partition: k.partition, Offset: p.firstFailed})
			seeks = append(seeks, kafka.TopicPartition{Topic: &topic, Partition: k.partition, Offset: p.firstFailed})
			continue
		}
		if p.hasNext {
			commits = append(commits, kafka.TopicPartition{Topic: &topic, Partition: k.partition, Offset: p.next})
		}
	}
	return commits, seeks
}

// Close waits for the consume loop to drain, then closes the Kafka client.
// ctx must already be cancelled before calling Close.
func (kc *KafkaConsumer) Close() error {
	<-kc.doneCh // wait for in-flight processMessage to complete
	if err := kc.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	return nil
}
