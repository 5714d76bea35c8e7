package mq

import (
	"testing"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func message(topic string, partition int32, offset int64) *kafka.Message {
	return &kafka.Message{TopicPartition: kafka.TopicPartition{
		Topic:     &topic,
		Partition: partition,
		Offset:    kafka.Offset(offset),
	}}
}

func offsets(tps []kafka.TopicPartition) map[int32]int64 {
	out := make(map[int32]int64, len(tps))
	for _, tp := range tps {
		out[tp.Partition] = int64(tp.Offset)
	}
	return out
}

func TestCommitPlanCommitsPastHandledMessages(t *testing.T) {
	batch := []*kafka.Message{
		message("ingest", 0, 10),
		message("ingest", 0, 11),
		message("ingest", 1, 4),
	}

	commits, seeks := commitPlan(batch, map[int]bool{})
	assert.Equal(t, map[int32]int64{0: 12, 1: 5}, offsets(commits))
	assert.Empty(t, seeks)
}

func TestCommitPlanStopsAtFirstFailure(t *testing.T) {
	batch := []*kafka.Message{
		message("ingest", 0, 10),
		message("ingest", 0, 11),
		message("ingest", 0, 12),
		message("ingest", 1, 7),
	}

	commits, seeks := commitPlan(batch, map[int]bool{1: true})
	assert.Equal(t, map[int32]int64{0: 11, 1: 8}, offsets(commits))
	require.Len(t, seeks, 1)
	assert.Equal(t, int32(0), seeks[0].Partition)
	assert.Equal(t, kafka.Offset(11), seeks[0].Offset)
}

func TestCommitPlanRewindsWhollyFailedPartition(t *testing.T) {
	batch := []*kafka.Message{
		message("ingest", 2, 30),
		message("ingest", 2, 31),
	}

	commits, seeks := commitPlan(batch, map[int]bool{0: true, 1: true})
	assert.Equal(t, map[int32]int64{2: 30}, offsets(commits))
	assert.Equal(t, map[int32]int64{2: 30}, offsets(seeks))
}
