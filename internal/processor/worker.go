// Package processor turns ingestion-store events into thumbnails in the
// output store.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/weiawesome/thumbing/internal/event"
	"github.com/weiawesome/thumbing/internal/metrics"
	"github.com/weiawesome/thumbing/internal/objectstore"
	pkglog "github.com/weiawesome/thumbing/pkg/log"
)

// Source reads originals from the ingestion store.
type Source interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, error)
}

// Sink receives thumbnails.
type Sink interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (*objectstore.Object, error)
}

// Config is the static processing configuration.
type Config struct {
	InputPrefix  string
	OutputPrefix string
	TargetWidth  int
	TargetHeight int
	JPEGQuality  int
}

// Validate rejects configurations the worker cannot run with.
func (c Config) Validate() error {
	if c.TargetWidth <= 0 || c.TargetHeight <= 0 {
		return fmt.Errorf("target dimensions must be positive, got %dx%d", c.TargetWidth, c.TargetHeight)
	}
	if c.InputPrefix == "" || c.OutputPrefix == "" {
		return errors.New("input and output prefixes are required")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg quality must be within 1..100, got %d", c.JPEGQuality)
	}
	return nil
}

// OutputKey maps inputPrefix/X to outputPrefix/X.
func (c Config) OutputKey(inputKey string) (string, bool) {
	if !strings.HasPrefix(inputKey, c.InputPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(inputKey, c.InputPrefix)
	if rest == "" {
		return "", false
	}
	return c.OutputPrefix + rest, true
}

// Worker is the stateless processing step. It holds no per-event state, so
// one Worker serves concurrent invocations.
type Worker struct {
	cfg         Config
	source      Source
	sink        Sink
	transformer *Transformer
	metrics     *metrics.Metrics
}

// NewWorker validates cfg and builds a Worker.
func NewWorker(cfg Config, source Source, sink Sink, m *metrics.Metrics) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Worker{
		cfg:         cfg,
		source:      source,
		sink:        sink,
		transformer: NewTransformer(cfg.TargetWidth, cfg.TargetHeight, cfg.JPEGQuality),
		metrics:     m,
	}, nil
}

// Config returns the worker configuration.
func (w *Worker) Config() Config { return w.cfg }

// Process handles one ingestion event: read, transform, then a single
// whole-object write to the output store. Nothing is written unless the
// complete thumbnail is in memory.
func (w *Worker) Process(ctx context.Context, ev event.StorageEvent) (err error) {
	start := time.Now()
	ctx = pkglog.WithEvent(ctx, ev.Store, ev.Key, ev.EventID)
	l := pkglog.Ctx(ctx)

	defer func() {
		result := "success"
		if err != nil {
			result = Classify(err)
		}
		w.metrics.ObserveInvocation(result, time.Since(start))
	}()

	outKey, ok := w.cfg.OutputKey(ev.Key)
	if !ok {
		return &UnsupportedInputError{Key: ev.Key, Reason: "key outside input prefix " + w.cfg.InputPrefix}
	}

	data, err := w.source.Get(ctx, ev.Key)
	if err != nil {
		return transient("read", ev.Key, err)
	}

	thumb, contentType, err := w.transformer.Transform(ev.Key, data, outKey)
	if err != nil {
		return err
	}

	obj, err := w.sink.Put(ctx, outKey, thumb, contentType)
	if err != nil {
		return transient("write", outKey, err)
	}

	l.Info().
		Str("output_store", obj.Store).
		Str("output_key", obj.Key).
		Int64("size", obj.Size).
		Dur("elapsed", time.Since(start)).
		Msg("thumbnail written")
	return nil
}
