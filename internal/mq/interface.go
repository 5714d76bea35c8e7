// Package mq carries storage events over Kafka: consuming object-created
// notifications and producing them for downstream stages.
package mq

import (
	"context"

	"github.com/weiawesome/thumbing/internal/event"
)

// EventHandler is the business-logic callback injected into the consumer.
// It returns nil once the event is handled or dead-lettered; an error leaves
// the offset uncommitted so the event is redelivered.
type EventHandler func(ctx context.Context, ev event.StorageEvent) error

// EventConsumer abstracts the Kafka consumer for storage events.
type EventConsumer interface {
	Start(ctx context.Context) error
	Close() error
}
