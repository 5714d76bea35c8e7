package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cloudevents/sdk-go/v2/binding"
	ceevent "github.com/cloudevents/sdk-go/v2/event"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"

	"github.com/weiawesome/thumbing/internal/event"
	"github.com/weiawesome/thumbing/internal/subscription"
)

// CloudEvent types emitted to subscribers.
const (
	TypeThumbnailCreated         = "thumbing.thumbnail.created"
	TypeSubscriptionConfirmation = "thumbing.subscription.confirmation"
)

// ErrDeliveryRejected is returned when an endpoint answers with a non-2xx
// status.
var ErrDeliveryRejected = errors.New("delivery rejected")

// SourceFor returns the CloudEvent source for a store.
func SourceFor(store string) string {
	return "thumbing/" + store
}

// NewThumbnailEvent builds the CloudEvent carrying msg.
func NewThumbnailEvent(msg event.NotificationMessage, at time.Time) (ceevent.Event, error) {
	e := ceevent.New()
	e.SetID(msg.EventID)
	e.SetSource(SourceFor(msg.Store))
	e.SetType(TypeThumbnailCreated)
	e.SetSubject(msg.Key)
	e.SetTime(at)
	if err := e.SetData(ceevent.ApplicationJSON, msg); err != nil {
		return e, fmt.Errorf("encode notification: %w", err)
	}
	return e, nil
}

// WebhookDeliverer POSTs notifications as CloudEvents in binary content mode.
type WebhookDeliverer struct {
	client *http.Client
	now    func() time.Time
}

// NewWebhookDeliverer creates a deliverer whose requests time out after
// timeout. A nil client uses a fresh http.Client.
func NewWebhookDeliverer(client *http.Client, timeout time.Duration) *WebhookDeliverer {
	if client == nil {
		client = &http.Client{}
	}
	if timeout > 0 {
		client.Timeout = timeout
	}
	return &WebhookDeliverer{client: client, now: time.Now}
}

// Deliver sends msg to sub's endpoint. Transport errors and non-2xx responses
// are failures.
func (d *WebhookDeliverer) Deliver(ctx context.Context, sub subscription.Subscription, msg event.NotificationMessage) error {
	e, err := NewThumbnailEvent(msg, d.now().UTC())
	if err != nil {
		return err
	}
	return d.send(ctx, sub.EndpointURL, &e)
}

func (d *WebhookDeliverer) send(ctx context.Context, endpoint string, e *ceevent.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if err := cehttp.WriteRequest(ctx, binding.ToMessage(e), req); err != nil {
		return fmt.Errorf("write cloudevent: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s answered %d", ErrDeliveryRejected, endpoint, resp.StatusCode)
	}
	return nil
}
