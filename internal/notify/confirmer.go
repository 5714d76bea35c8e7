package notify

import (
	"context"
	"time"

	ceevent "github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"

	"github.com/weiawesome/thumbing/internal/subscription"
)

// ConfirmationSource is the CloudEvent source of confirmation requests.
const ConfirmationSource = "thumbing/subscriptions"

// ConfirmationRequest is the data of a confirmation CloudEvent. The endpoint
// confirms by issuing a GET to ConfirmURL before ExpiresAt.
type ConfirmationRequest struct {
	SubscriptionID string    `json:"subscription_id"`
	EndpointURL    string    `json:"endpoint_url"`
	ConfirmURL     string    `json:"confirm_url"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Confirmer sends subscription confirmation requests over the same webhook
// transport as notifications.
type Confirmer struct {
	webhook *WebhookDeliverer
}

// NewConfirmer creates a Confirmer on top of a WebhookDeliverer.
func NewConfirmer(webhook *WebhookDeliverer) *Confirmer {
	return &Confirmer{webhook: webhook}
}

// SendConfirmation posts a confirmation request to sub's endpoint.
func (c *Confirmer) SendConfirmation(ctx context.Context, sub subscription.Subscription, confirmURL string, expiresAt time.Time) error {
	e := ceevent.New()
	e.SetID(uuid.NewString())
	e.SetSource(ConfirmationSource)
	e.SetType(TypeSubscriptionConfirmation)
	e.SetSubject(sub.ID)
	e.SetTime(c.webhook.now().UTC())
	if err := e.SetData(ceevent.ApplicationJSON, ConfirmationRequest{
		SubscriptionID: sub.ID,
		EndpointURL:    sub.EndpointURL,
		ConfirmURL:     confirmURL,
		ExpiresAt:      expiresAt.UTC(),
	}); err != nil {
		return err
	}
	return c.webhook.send(ctx, sub.EndpointURL, &e)
}
