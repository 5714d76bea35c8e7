package redelivery

import (
	"context"
	"fmt"
	"time"

	"github.com/weiawesome/thumbing/internal/event"
	"github.com/weiawesome/thumbing/internal/metrics"
	pkglog "github.com/weiawesome/thumbing/pkg/log"
)

// Handler handles one event delivery.
type Handler func(ctx context.Context, ev event.StorageEvent) error

// Classifier names the class of a handling error.
type Classifier func(err error) string

// Redeliverer applies a Policy to a Handler and dead-letters what the
// policy gives up on, so no failure is dropped silently.
type Redeliverer struct {
	stage    string
	policy   Policy
	sink     DeadLetterSink
	classify Classifier
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a Redeliverer for a pipeline stage.
func New(stage string, policy Policy, sink DeadLetterSink, classify Classifier, m *metrics.Metrics) *Redeliverer {
	if classify == nil {
		classify = func(error) string { return "unknown" }
	}
	return &Redeliverer{
		stage:    stage,
		policy:   policy,
		sink:     sink,
		classify: classify,
		metrics:  m,
		now:      time.Now,
	}
}

// Handle runs h under the retry policy. It returns nil once the event was
// handled or dead-lettered; a non-nil error means the event is neither and
// must be redelivered by the transport.
func (r *Redeliverer) Handle(ctx context.Context, ev event.StorageEvent, h Handler) error {
	l := pkglog.Ctx(ctx)

	attempts, err := r.policy.Run(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			r.metrics.Retry(r.stage)
		}
		herr := h(ctx, ev)
		if herr != nil {
			l.Warn().Err(herr).
				Str(pkglog.FieldStore, ev.Store).
				Str(pkglog.FieldKey, ev.Key).
				Int(pkglog.FieldAttempt, attempt).
				Msg("event handling failed")
		}
		return herr
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	class := r.classify(err)
	dl := DeadLetter{
		Stage:      r.stage,
		Event:      ev,
		ErrorClass: class,
		Error:      err.Error(),
		Attempts:   attempts,
		FailedAt:   r.now().UTC(),
	}
	if _, sinkErr := r.policy.Run(ctx, func(ctx context.Context, _ int) error {
		return r.sink.DeadLetter(ctx, dl)
	}); sinkErr != nil {
		return fmt.Errorf("dead-letter %s after %d attempts: %w", ev.ObjectRef(), attempts, sinkErr)
	}

	r.metrics.DeadLettered(r.stage, class)
	l.Error().Err(err).
		Str(pkglog.FieldStore, ev.Store).
		Str(pkglog.FieldKey, ev.Key).
		Str(pkglog.FieldEventID, ev.EventID).
		Str("error_class", class).
		Int(pkglog.FieldAttempt, attempts).
		Msg("event dead-lettered")
	return nil
}
