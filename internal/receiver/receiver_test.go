package receiver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/thumbing/internal/event"
	"github.com/weiawesome/thumbing/internal/handler"
	"github.com/weiawesome/thumbing/internal/notify"
	"github.com/weiawesome/thumbing/internal/subscription"
	"github.com/weiawesome/thumbing/pkg/jwt"
	"github.com/weiawesome/thumbing/pkg/pubsub"
)

type collector struct {
	mu   sync.Mutex
	msgs []event.NotificationMessage
}

func (c *collector) add(_ context.Context, m event.NotificationMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func newReceiverServer(t *testing.T, dedup Dedup, opts Options) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	New(dedup, opts).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestReceiverDedupsByObject(t *testing.T) {
	got := &collector{}
	srv := newReceiverServer(t, NewMemoryDedup(time.Hour), Options{OnThumbnail: got.add})
	deliverer := notify.NewWebhookDeliverer(nil, time.Second)
	sub := subscription.Subscription{ID: "s1", EndpointURL: srv.URL + "/webhook"}
	ctx := context.Background()

	msg := event.NotificationMessage{Store: "assets", Key: "output/cat.jpg", EventID: "e1"}
	require.NoError(t, deliverer.Deliver(ctx, sub, msg))

	// A redelivery of the same object carries a new event id.
	msg.EventID = "e2"
	require.NoError(t, deliverer.Deliver(ctx, sub, msg))

	require.NoError(t, deliverer.Deliver(ctx, sub, event.NotificationMessage{Store: "assets", Key: "output/dog.jpg", EventID: "e3"}))

	assert.Equal(t, 2, got.len())
}

func TestReceiverRejectsNonCloudEvents(t *testing.T) {
	srv := newReceiverServer(t, NewMemoryDedup(0), Options{})

	resp, err := http.Post(srv.URL+"/webhook", "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAutoConfirmCompletesHandshake(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens, err := jwt.NewManager("0123456789abcdef0123456789abcdef", time.Hour, "thumbing")
	require.NoError(t, err)
	registry := subscription.NewMemoryRegistry(subscription.Options{})

	api := gin.New()
	notifier := httptest.NewServer(api)
	t.Cleanup(notifier.Close)

	svc := subscription.NewService(registry, tokens, notify.NewConfirmer(notify.NewWebhookDeliverer(nil, 5*time.Second)), notifier.URL, nil)
	handler.NewHandler(svc, "", nil).RegisterRoutes(api)

	receiver := newReceiverServer(t, NewMemoryDedup(0), Options{AutoConfirm: true})

	sub, err := svc.Subscribe(context.Background(), receiver.URL+"/webhook")
	require.NoError(t, err)

	stored, err := registry.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusConfirmed, stored.Status)
}

func TestConfirmationWithoutAutoConfirmLeavesPending(t *testing.T) {
	srv := newReceiverServer(t, NewMemoryDedup(0), Options{})
	confirmer := notify.NewConfirmer(notify.NewWebhookDeliverer(nil, time.Second))

	err := confirmer.SendConfirmation(context.Background(),
		subscription.Subscription{ID: "s1", EndpointURL: srv.URL + "/webhook"},
		"http://127.0.0.1:1/never", time.Now().Add(time.Hour))
	require.NoError(t, err)
}

func TestMemoryDedupExpires(t *testing.T) {
	d := NewMemoryDedup(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := d.FirstSeen(ctx, "assets/output/a.jpg")
	require.NoError(t, err)
	assert.True(t, first)

	first, err = d.FirstSeen(ctx, "assets/output/a.jpg")
	require.NoError(t, err)
	assert.False(t, first)

	now = now.Add(2 * time.Minute)
	first, err = d.FirstSeen(ctx, "assets/output/a.jpg")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestRedisDedupSharesState(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	a := NewRedisDedup(client, "receiver", time.Hour)
	b := NewRedisDedup(client, "receiver", time.Hour)

	first, err := a.FirstSeen(ctx, "assets/output/a.jpg")
	require.NoError(t, err)
	assert.True(t, first)

	first, err = b.FirstSeen(ctx, "assets/output/a.jpg")
	require.NoError(t, err)
	assert.False(t, first)

	mr.FastForward(2 * time.Hour)
	first, err = b.FirstSeen(ctx, "assets/output/a.jpg")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestForwarderRepublishesFirstSeenThumbnails(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ps := pubsub.NewRedisPubSub(client)
	t.Cleanup(func() { _ = ps.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	arrivals, err := ps.Subscribe(ctx, "thumbing:arrivals")
	require.NoError(t, err)

	fwd := NewForwarder(ps, "thumbing:arrivals")
	srv := newReceiverServer(t, NewMemoryDedup(time.Hour), Options{OnThumbnail: fwd.Forward})
	deliverer := notify.NewWebhookDeliverer(nil, time.Second)
	sub := subscription.Subscription{ID: "s1", EndpointURL: srv.URL + "/webhook"}

	msg := event.NotificationMessage{Store: "assets", Key: "output/cat.jpg", EventID: "e1"}
	require.NoError(t, deliverer.Deliver(ctx, sub, msg))
	msg.EventID = "e2"
	require.NoError(t, deliverer.Deliver(ctx, sub, msg))

	select {
	case ev := <-arrivals:
		require.NotNil(t, ev)
		assert.Equal(t, EventThumbnailReceived, ev.Type)
		assert.Equal(t, "assets/output/cat.jpg", ev.Subject)
		var got event.NotificationMessage
		require.NoError(t, ev.UnmarshalPayload(&got))
		assert.Equal(t, "e1", got.EventID)
	case <-time.After(2 * time.Second):
		t.Fatal("thumbnail not forwarded")
	}

	select {
	case ev := <-arrivals:
		t.Fatalf("duplicate forwarded: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
