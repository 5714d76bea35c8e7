package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudevents/sdk-go/v2/binding"
	ceevent "github.com/cloudevents/sdk-go/v2/event"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/thumbing/internal/event"
	"github.com/weiawesome/thumbing/internal/redelivery"
	"github.com/weiawesome/thumbing/internal/subscription"
)

// endpoint is a webhook receiver that records the CloudEvents it accepts.
type endpoint struct {
	mu     sync.Mutex
	events []ceevent.Event
	status atomic.Int32
	hits   atomic.Int32
}

func newEndpoint(t *testing.T, status int) (*endpoint, *httptest.Server) {
	t.Helper()
	ep := &endpoint{}
	ep.status.Store(int32(status))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ep.hits.Add(1)
		msg := cehttp.NewMessageFromHttpRequest(r)
		defer func() { _ = msg.Finish(nil) }()
		e, err := binding.ToEvent(r.Context(), msg)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ep.mu.Lock()
		ep.events = append(ep.events, *e)
		ep.mu.Unlock()
		w.WriteHeader(int(ep.status.Load()))
	}))
	t.Cleanup(srv.Close)
	return ep, srv
}

func (ep *endpoint) received() []ceevent.Event {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return append([]ceevent.Event(nil), ep.events...)
}

func confirm(t *testing.T, reg subscription.Registry, url string) *subscription.Subscription {
	t.Helper()
	ctx := context.Background()
	sub, err := reg.Register(ctx, url)
	require.NoError(t, err)
	sub, _, err = reg.Confirm(ctx, sub.ID, sub.Nonce)
	require.NoError(t, err)
	return sub
}

func fastRetry(attempts int) redelivery.Policy {
	return redelivery.Policy{MaxAttempts: attempts, Multiplier: 1}
}

func newBus(reg subscription.Registry, attempts int) *Bus {
	return NewBus(reg, NewWebhookDeliverer(nil, 5*time.Second), Options{Retry: fastRetry(attempts), Concurrency: 4}, nil)
}

var thumbMsg = event.NotificationMessage{Store: "assets", Key: "output/cat.jpg", EventID: "evt-1"}

func TestPublishDeliversCloudEvent(t *testing.T) {
	reg := subscription.NewMemoryRegistry(subscription.Options{})
	ep, srv := newEndpoint(t, http.StatusOK)
	sub := confirm(t, reg, srv.URL)

	receipt, err := newBus(reg, 3).Publish(context.Background(), thumbMsg)
	require.NoError(t, err)
	assert.Equal(t, 1, receipt.Attempted)
	assert.Equal(t, []string{sub.ID}, receipt.Delivered)
	assert.Empty(t, receipt.Failed)

	got := ep.received()
	require.Len(t, got, 1)
	e := got[0]
	assert.Equal(t, TypeThumbnailCreated, e.Type())
	assert.Equal(t, "thumbing/assets", e.Source())
	assert.Equal(t, "evt-1", e.ID())
	assert.Equal(t, "output/cat.jpg", e.Subject())

	var data event.NotificationMessage
	require.NoError(t, e.DataAs(&data))
	assert.Equal(t, thumbMsg, data)
}

func TestPublishIsolatesFailingSubscriber(t *testing.T) {
	reg := subscription.NewMemoryRegistry(subscription.Options{FailureThreshold: 5})
	good, goodSrv := newEndpoint(t, http.StatusNoContent)
	bad, badSrv := newEndpoint(t, http.StatusInternalServerError)
	goodSub := confirm(t, reg, goodSrv.URL)
	badSub := confirm(t, reg, badSrv.URL)

	receipt, err := newBus(reg, 2).Publish(context.Background(), thumbMsg)
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.Attempted)
	assert.Equal(t, []string{goodSub.ID}, receipt.Delivered)
	require.Len(t, receipt.Failed, 1)
	assert.Equal(t, badSub.ID, receipt.Failed[0].SubscriptionID)
	assert.Equal(t, 2, receipt.Failed[0].Attempts)

	assert.Len(t, good.received(), 1)
	assert.EqualValues(t, 2, bad.hits.Load())

	stored, err := reg.Get(context.Background(), badSub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusConfirmed, stored.Status)
	assert.Equal(t, 1, stored.ConsecutiveFailures)
}

func TestPublishSkipsUnconfirmedSubscriptions(t *testing.T) {
	reg := subscription.NewMemoryRegistry(subscription.Options{})
	pending, srv := newEndpoint(t, http.StatusOK)
	_, err := reg.Register(context.Background(), srv.URL)
	require.NoError(t, err)

	receipt, err := newBus(reg, 1).Publish(context.Background(), thumbMsg)
	require.NoError(t, err)
	assert.Zero(t, receipt.Attempted)
	assert.Empty(t, pending.received())
}

func TestRepeatedFailuresStopTraffic(t *testing.T) {
	reg := subscription.NewMemoryRegistry(subscription.Options{FailureThreshold: 2})
	bad, srv := newEndpoint(t, http.StatusBadGateway)
	sub := confirm(t, reg, srv.URL)
	bus := newBus(reg, 1)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := bus.Publish(ctx, thumbMsg)
		require.NoError(t, err)
	}
	stored, err := reg.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusFailed, stored.Status)

	receipt, err := bus.Publish(ctx, thumbMsg)
	require.NoError(t, err)
	assert.Zero(t, receipt.Attempted)
	assert.EqualValues(t, 2, bad.hits.Load())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	reg := subscription.NewMemoryRegistry(subscription.Options{FailureThreshold: 3})
	ep, srv := newEndpoint(t, http.StatusServiceUnavailable)
	sub := confirm(t, reg, srv.URL)
	bus := newBus(reg, 1)
	ctx := context.Background()

	_, err := bus.Publish(ctx, thumbMsg)
	require.NoError(t, err)
	ep.status.Store(http.StatusOK)
	_, err = bus.Publish(ctx, thumbMsg)
	require.NoError(t, err)

	stored, err := reg.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.ConsecutiveFailures)
	assert.Empty(t, stored.LastError)
}

func TestUnreachableEndpointIsAFailure(t *testing.T) {
	reg := subscription.NewMemoryRegistry(subscription.Options{})
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	confirm(t, reg, url)

	receipt, err := newBus(reg, 1).Publish(context.Background(), thumbMsg)
	require.NoError(t, err)
	require.Len(t, receipt.Failed, 1)
	assert.Empty(t, receipt.Delivered)
}

type brokenRegistry struct {
	subscription.Registry
}

func (brokenRegistry) ListConfirmed(context.Context) ([]subscription.Subscription, error) {
	return nil, errors.New("database is down")
}

func TestPublishFailsWhenSnapshotUnavailable(t *testing.T) {
	bus := newBus(brokenRegistry{}, 1)
	_, err := bus.Publish(context.Background(), thumbMsg)
	require.Error(t, err)

	err = bus.Handle(context.Background(), event.StorageEvent{Store: "assets", Key: "output/a.jpg", EventID: "x"})
	require.Error(t, err)
	assert.Equal(t, "registry_unavailable", Classify(err))
	assert.Equal(t, "canceled", Classify(context.Canceled))
}

func TestHandleForwardsStorageEvent(t *testing.T) {
	reg := subscription.NewMemoryRegistry(subscription.Options{})
	ep, srv := newEndpoint(t, http.StatusOK)
	confirm(t, reg, srv.URL)

	err := newBus(reg, 1).Handle(context.Background(), event.StorageEvent{
		Store: "assets", Key: "output/dog.png", EventID: "evt-9", EventName: event.ObjectCreatedPut,
	})
	require.NoError(t, err)

	got := ep.received()
	require.Len(t, got, 1)
	assert.Equal(t, "evt-9", got[0].ID())
	assert.Equal(t, "output/dog.png", got[0].Subject())
}

func TestConfirmerSendsConfirmationRequest(t *testing.T) {
	ep, srv := newEndpoint(t, http.StatusOK)
	confirmer := NewConfirmer(NewWebhookDeliverer(nil, time.Second))
	expires := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sub := subscription.Subscription{ID: "sub-1", EndpointURL: srv.URL}

	err := confirmer.SendConfirmation(context.Background(), sub, "https://thumbing.example.com/confirm?token=abc", expires)
	require.NoError(t, err)

	got := ep.received()
	require.Len(t, got, 1)
	assert.Equal(t, TypeSubscriptionConfirmation, got[0].Type())
	assert.Equal(t, ConfirmationSource, got[0].Source())

	var req ConfirmationRequest
	require.NoError(t, got[0].DataAs(&req))
	assert.Equal(t, "sub-1", req.SubscriptionID)
	assert.Equal(t, "https://thumbing.example.com/confirm?token=abc", req.ConfirmURL)
	assert.True(t, expires.Equal(req.ExpiresAt))
}

func TestConfirmerReportsRejection(t *testing.T) {
	_, srv := newEndpoint(t, http.StatusForbidden)
	confirmer := NewConfirmer(NewWebhookDeliverer(nil, time.Second))

	err := confirmer.SendConfirmation(context.Background(), subscription.Subscription{ID: "s", EndpointURL: srv.URL}, "https://x/confirm", time.Now())
	require.ErrorIs(t, err, ErrDeliveryRejected)
}
