package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/weiawesome/thumbing/internal/app"
	"github.com/weiawesome/thumbing/internal/event"
	"github.com/weiawesome/thumbing/internal/mq"
	"github.com/weiawesome/thumbing/internal/objectstore"
	pkglog "github.com/weiawesome/thumbing/pkg/log"
	"github.com/weiawesome/thumbing/pkg/storage"
)

func newReplayCommand(ctx *commandContext) *cobra.Command {
	var prefix string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "replay [key...]",
		Short: "Re-emit ingestion events so the worker reprocesses objects",
		Long: "Publish an object-created event for each given ingestion key, or for every\n" +
			"object under --prefix. The worker regenerates the thumbnails and the\n" +
			"notifier announces them again.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && prefix == "" {
				return errors.New("give one or more keys or --prefix")
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			backend, err := app.OpenBackend(cmd.Context(), cfg.Stores, cfg.Stores.IngestionBucket)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var emitter objectstore.Emitter
			if dryRun {
				emitter = objectstore.EmitterFunc(func(_ context.Context, e event.StorageEvent) error {
					fmt.Fprintf(out, "would replay %s (%d bytes)\n", e.ObjectRef(), e.Size)
					return nil
				})
			} else {
				pub, err := mq.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.IngestionTopic)
				if err != nil {
					return err
				}
				defer pub.Close()
				emitter = pub
			}

			r := &replayer{
				store:   cfg.Stores.IngestionBucket,
				prefix:  event.NamespacePrefix(cfg.Processor.InputPrefix),
				backend: backend,
				emitter: emitter,
				now:     time.Now,
			}
			return r.run(cmd.Context(), out, args, prefix)
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "Replay every object whose key starts with this prefix")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List the events without publishing them")
	return cmd
}

// replayer turns existing ingestion objects back into storage events.
type replayer struct {
	store   string
	prefix  event.NamespacePrefix
	backend storage.Storage
	emitter objectstore.Emitter
	now     func() time.Time
}

func (r *replayer) run(ctx context.Context, out io.Writer, keys []string, listPrefix string) error {
	targets := make([]storage.FileInfo, 0, len(keys))
	for _, key := range keys {
		targets = append(targets, storage.FileInfo{Key: key, Size: -1})
	}
	if listPrefix != "" {
		listed, err := r.backend.List(ctx, listPrefix)
		if err != nil {
			return fmt.Errorf("list %s/%s: %w", r.store, listPrefix, err)
		}
		targets = append(targets, listed...)
	}

	var errs []error
	replayed := 0
	for _, fi := range targets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := r.replayOne(ctx, fi); err != nil {
			errs = append(errs, err)
			continue
		}
		replayed++
	}

	fmt.Fprintf(out, "replayed %d of %d objects from %s\n", replayed, len(targets), r.store)
	return errors.Join(errs...)
}

func (r *replayer) replayOne(ctx context.Context, fi storage.FileInfo) error {
	if !r.prefix.Matches(fi.Key) {
		return fmt.Errorf("%s: outside input prefix %q", fi.Key, string(r.prefix))
	}
	if fi.Size < 0 {
		ok, err := r.backend.Exists(ctx, fi.Key)
		if err != nil {
			return fmt.Errorf("%s: %w", fi.Key, err)
		}
		if !ok {
			return fmt.Errorf("%s: %w", fi.Key, storage.ErrNotFound)
		}
		fi.Size = 0
	}

	ev := event.StorageEvent{
		Store:       r.store,
		Key:         fi.Key,
		EventID:     uuid.NewString(),
		EventName:   event.ObjectCreatedReplay,
		Size:        fi.Size,
		ContentType: fi.ContentType,
		EventTime:   r.now().UTC(),
	}
	if err := r.emitter.Emit(ctx, ev); err != nil {
		return fmt.Errorf("%s: %w", fi.Key, err)
	}

	l := pkglog.Ctx(ctx)
	l.Debug().
		Str(pkglog.FieldStore, ev.Store).
		Str(pkglog.FieldKey, ev.Key).
		Str(pkglog.FieldEventID, ev.EventID).
		Msg("replayed storage event")
	return nil
}
