// Package notify fans thumbnail notifications out to confirmed webhook
// subscriptions.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/thumbing/internal/audit"
	"github.com/weiawesome/thumbing/internal/event"
	"github.com/weiawesome/thumbing/internal/metrics"
	"github.com/weiawesome/thumbing/internal/redelivery"
	"github.com/weiawesome/thumbing/internal/subscription"
	pkglog "github.com/weiawesome/thumbing/pkg/log"
)

// Deliverer sends one notification to one subscriber.
type Deliverer interface {
	Deliver(ctx context.Context, sub subscription.Subscription, msg event.NotificationMessage) error
}

// Options tunes the fan-out.
type Options struct {
	Retry       redelivery.Policy
	Concurrency int
}

// DeliveryFailure is a subscriber that did not acknowledge within the
// retry budget.
type DeliveryFailure struct {
	SubscriptionID string `json:"subscription_id"`
	EndpointURL    string `json:"endpoint_url"`
	Attempts       int    `json:"attempts"`
	Error          string `json:"error"`
}

// Receipt summarizes one Publish call.
type Receipt struct {
	EventID   string            `json:"event_id"`
	Attempted int               `json:"attempted"`
	Delivered []string          `json:"delivered"`
	Failed    []DeliveryFailure `json:"failed,omitempty"`
}

// Bus publishes notifications to the confirmed subscriptions of a registry.
type Bus struct {
	registry  subscription.Registry
	deliverer Deliverer
	opts      Options
	metrics   *metrics.Metrics
}

// NewBus creates a Bus.
func NewBus(registry subscription.Registry, deliverer Deliverer, opts Options, m *metrics.Metrics) *Bus {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Bus{
		registry:  registry,
		deliverer: deliverer,
		opts:      opts,
		metrics:   m,
	}
}

// Publish delivers msg to every subscription confirmed at the time of the
// call. Subscribers are independent: a failing endpoint is reported in the
// receipt and recorded against its subscription, never returned as an error.
// The error is non-nil only when the snapshot itself cannot be taken.
func (b *Bus) Publish(ctx context.Context, msg event.NotificationMessage) (*Receipt, error) {
	subs, err := b.registry.ListConfirmed(ctx)
	if err != nil {
		b.metrics.Published("snapshot_failed")
		return nil, fmt.Errorf("list confirmed subscriptions: %w", err)
	}

	receipt := &Receipt{EventID: msg.EventID, Attempted: len(subs), Delivered: []string{}}
	if len(subs) == 0 {
		b.metrics.Published("no_subscribers")
		return receipt, nil
	}

	results := make([]*DeliveryFailure, len(subs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Concurrency)
	for i, sub := range subs {
		g.Go(func() error {
			results[i] = b.deliver(gctx, sub, msg)
			return nil
		})
	}
	_ = g.Wait()

	for i, f := range results {
		if f == nil {
			receipt.Delivered = append(receipt.Delivered, subs[i].ID)
			continue
		}
		receipt.Failed = append(receipt.Failed, *f)
	}

	switch {
	case len(receipt.Failed) == 0:
		b.metrics.Published("delivered")
	case len(receipt.Delivered) == 0:
		b.metrics.Published("failed")
	default:
		b.metrics.Published("partial")
	}

	logger := pkglog.Ctx(ctx)
	logger.Info().
		Str(pkglog.FieldStore, msg.Store).
		Str(pkglog.FieldKey, msg.Key).
		Str(pkglog.FieldEventID, msg.EventID).
		Int("delivered", len(receipt.Delivered)).
		Int("failed", len(receipt.Failed)).
		Msg("notification published")

	return receipt, nil
}

// deliver retries one subscriber and records the outcome in the registry.
func (b *Bus) deliver(ctx context.Context, sub subscription.Subscription, msg event.NotificationMessage) *DeliveryFailure {
	l := pkglog.Ctx(ctx).With().
		Str(pkglog.FieldSubscriptionID, sub.ID).
		Str(pkglog.FieldEndpointURL, sub.EndpointURL).
		Logger()

	attempts, err := b.opts.Retry.Run(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			b.metrics.Retry("notify")
		}
		start := time.Now()
		derr := b.deliverer.Deliver(ctx, sub, msg)
		if derr != nil {
			b.metrics.ObserveDelivery("failure", time.Since(start))
			l.Warn().Err(derr).Int(pkglog.FieldAttempt, attempt).Msg("webhook delivery failed")
			return derr
		}
		b.metrics.ObserveDelivery("success", time.Since(start))
		return nil
	})

	// Recording must survive the publish context being cancelled mid-fanout.
	recordCtx := context.WithoutCancel(ctx)
	updated, rerr := b.registry.RecordDelivery(recordCtx, sub.ID, err)
	if rerr != nil {
		l.Warn().Err(rerr).Msg("failed to record delivery outcome")
	} else if updated.Status == subscription.StatusFailed && sub.Status != subscription.StatusFailed {
		b.metrics.SubscriptionTransition(string(subscription.StatusFailed))
		audit.LogWithDetail(recordCtx, audit.ActionFail, updated.ID, updated.EndpointURL, updated.LastError,
			"subscription failed after consecutive delivery failures")
	}

	if err == nil {
		return nil
	}
	return &DeliveryFailure{
		SubscriptionID: sub.ID,
		EndpointURL:    sub.EndpointURL,
		Attempts:       attempts,
		Error:          err.Error(),
	}
}

// Handle adapts output-store events to Publish so the bus can sit behind a
// redelivery.Redeliverer.
func (b *Bus) Handle(ctx context.Context, ev event.StorageEvent) error {
	_, err := b.Publish(ctx, event.NotificationFrom(ev))
	return err
}

// Classify names the class of a Publish error for dead letters.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "registry_unavailable"
	}
}
