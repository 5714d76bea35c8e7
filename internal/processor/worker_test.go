package processor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/thumbing/internal/event"
	"github.com/weiawesome/thumbing/internal/metrics"
	"github.com/weiawesome/thumbing/internal/objectstore"
	"github.com/weiawesome/thumbing/internal/policy"
	"github.com/weiawesome/thumbing/pkg/storage"
)

var testConfig = Config{
	InputPrefix:  "input/",
	OutputPrefix: "output/",
	TargetWidth:  512,
	TargetHeight: 512,
	JPEGQuality:  85,
}

type fixture struct {
	uploads *objectstore.Store
	assets  *objectstore.Store
	events  *objectstore.ChannelEmitter
	worker  *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		uploads: objectstore.New("uploads", storage.NewMemoryStorage()),
		assets:  objectstore.New("assets", storage.NewMemoryStorage()),
		events:  objectstore.NewChannelEmitter(16),
	}
	f.assets.Listen("output/", f.events)

	w, err := NewWorker(testConfig, f.uploads, f.assets, metrics.New())
	require.NoError(t, err)
	f.worker = w
	return f
}

func encodeImage(t *testing.T, w, h int, format imaging.Format) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 80, B: 40, A: 255})
	// A gradient column keeps the crop meaningful.
	for y := 0; y < h; y++ {
		img.Set(w/2, y, color.NRGBA{R: uint8(y % 256), G: 10, B: 10, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, format))
	return buf.Bytes()
}

func (f *fixture) put(t *testing.T, key string, data []byte) event.StorageEvent {
	t.Helper()
	_, err := f.uploads.Put(context.Background(), key, data, "image/jpeg")
	require.NoError(t, err)
	return event.StorageEvent{Store: "uploads", Key: key, EventID: "evt-1", EventName: event.ObjectCreatedPut}
}

func decodeSize(t *testing.T, data []byte) image.Point {
	t.Helper()
	img, err := imaging.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img.Bounds().Size()
}

func TestProcessProducesFixedSizeOutput(t *testing.T) {
	f := newFixture(t)
	ev := f.put(t, "input/photo1.jpg", encodeImage(t, 800, 600, imaging.JPEG))

	require.NoError(t, f.worker.Process(context.Background(), ev))

	out, err := f.assets.Get(context.Background(), "output/photo1.jpg")
	require.NoError(t, err)
	assert.Equal(t, image.Pt(512, 512), decodeSize(t, out))

	select {
	case e := <-f.events.Events():
		assert.Equal(t, "assets", e.Store)
		assert.Equal(t, "output/photo1.jpg", e.Key)
	default:
		t.Fatal("expected an output-store event")
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ev := f.put(t, "input/photo1.jpg", encodeImage(t, 800, 600, imaging.JPEG))
	ctx := context.Background()

	require.NoError(t, f.worker.Process(ctx, ev))
	first, err := f.assets.Get(ctx, "output/photo1.jpg")
	require.NoError(t, err)

	require.NoError(t, f.worker.Process(ctx, ev))
	second, err := f.assets.Get(ctx, "output/photo1.jpg")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestProcessKeepsOutputFormatFromExtension(t *testing.T) {
	f := newFixture(t)
	ev := f.put(t, "input/nested/icon.png", encodeImage(t, 300, 900, imaging.PNG))

	require.NoError(t, f.worker.Process(context.Background(), ev))

	backend := f.assets.Backend().(*storage.MemoryStorage)
	assert.Equal(t, "image/png", backend.ContentType("output/nested/icon.png"))
}

func TestProcessZeroByteInputIsUnsupported(t *testing.T) {
	f := newFixture(t)
	ev := f.put(t, "input/broken.jpg", []byte{})

	err := f.worker.Process(context.Background(), ev)
	require.ErrorIs(t, err, ErrUnsupportedInput)
	var uie *UnsupportedInputError
	require.ErrorAs(t, err, &uie)
	assert.Equal(t, "empty object", uie.Reason)

	ok, _ := f.assets.Exists(context.Background(), "output/broken.jpg")
	assert.False(t, ok)
	assert.Len(t, f.events.Events(), 0)
}

func TestProcessCorruptInputWritesNothing(t *testing.T) {
	f := newFixture(t)
	valid := encodeImage(t, 800, 600, imaging.JPEG)
	ev := f.put(t, "input/truncated.jpg", valid[:len(valid)/3])

	err := f.worker.Process(context.Background(), ev)
	assert.ErrorIs(t, err, ErrUnsupportedInput)

	files, _ := f.assets.Backend().List(context.Background(), "output/")
	assert.Empty(t, files)
}

func TestProcessNonImageIsUnsupported(t *testing.T) {
	f := newFixture(t)
	ev := f.put(t, "input/notes.jpg", []byte("definitely not an image"))

	err := f.worker.Process(context.Background(), ev)
	assert.ErrorIs(t, err, ErrUnsupportedInput)
	assert.Equal(t, ClassUnsupportedInput, Classify(err))
}

func TestProcessMissingObjectIsTransient(t *testing.T) {
	f := newFixture(t)
	ev := event.StorageEvent{Store: "uploads", Key: "input/gone.jpg", EventID: "e"}

	err := f.worker.Process(context.Background(), ev)
	assert.ErrorIs(t, err, ErrTransientStore)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, ClassNotFound, Classify(err))
}

func TestProcessKeyOutsidePrefix(t *testing.T) {
	f := newFixture(t)
	err := f.worker.Process(context.Background(), event.StorageEvent{Store: "uploads", Key: "other/x.jpg"})
	assert.ErrorIs(t, err, ErrUnsupportedInput)
}

type failingSink struct{ calls int }

func (s *failingSink) Put(context.Context, string, []byte, string) (*objectstore.Object, error) {
	s.calls++
	return nil, errors.New("connection reset")
}

func TestProcessWriteFailureIsTransient(t *testing.T) {
	uploads := objectstore.New("uploads", storage.NewMemoryStorage())
	_, err := uploads.Put(context.Background(), "input/a.jpg", encodeImage(t, 64, 64, imaging.JPEG), "")
	require.NoError(t, err)

	sink := &failingSink{}
	w, err := NewWorker(testConfig, uploads, sink, nil)
	require.NoError(t, err)

	err = w.Process(context.Background(), event.StorageEvent{Store: "uploads", Key: "input/a.jpg"})
	assert.ErrorIs(t, err, ErrTransientStore)
	assert.Equal(t, 1, sink.calls)
}

func TestProcessThroughGuardedStores(t *testing.T) {
	uploadsBackend := storage.NewMemoryStorage()
	assetsBackend := storage.NewMemoryStorage()
	grants, err := policy.WorkerGrants("thumbing-worker", "uploads", "assets")
	require.NoError(t, err)

	uploads := objectstore.New("uploads", policy.NewGuard(uploadsBackend, grants[0]))
	assets := objectstore.New("assets", policy.NewGuard(assetsBackend, grants[1]))
	_, err = uploads.Put(context.Background(), "input/a.jpg", encodeImage(t, 100, 100, imaging.JPEG), "")
	require.NoError(t, err)

	w, err := NewWorker(testConfig, uploads, assets, nil)
	require.NoError(t, err)
	require.NoError(t, w.Process(context.Background(), event.StorageEvent{Store: "uploads", Key: "input/a.jpg"}))

	ok, _ := assetsBackend.Exists(context.Background(), "output/a.jpg")
	assert.True(t, ok)
}

func TestConfigValidateAndOutputKey(t *testing.T) {
	bad := testConfig
	bad.TargetHeight = 0
	assert.Error(t, bad.Validate())

	key, ok := testConfig.OutputKey("input/a/b.jpg")
	assert.True(t, ok)
	assert.Equal(t, "output/a/b.jpg", key)

	_, ok = testConfig.OutputKey("input/")
	assert.False(t, ok)
}
