package subscription

import (
	"context"
	"time"
)

// Registry is the shared set of subscriptions. Every mutation is atomic with
// respect to ListConfirmed snapshots.
type Registry interface {
	// Register adds endpointURL as Pending, or re-registers it.
	Register(ctx context.Context, endpointURL string) (*Subscription, error)
	// Unregister removes the subscription for endpointURL.
	Unregister(ctx context.Context, endpointURL string) error
	// Confirm moves a Pending subscription to Confirmed when nonce matches.
	// changed is false when the subscription was already Confirmed.
	Confirm(ctx context.Context, id, nonce string) (sub *Subscription, changed bool, err error)
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]Subscription, error)
	// ListConfirmed returns a snapshot of the subscriptions that receive traffic.
	ListConfirmed(ctx context.Context) ([]Subscription, error)
	// RecordDelivery records the outcome of one delivery (nil for success).
	RecordDelivery(ctx context.Context, id string, deliveryErr error) (*Subscription, error)
	// ExpirePending expires subscriptions pending since before cutoff and
	// returns them.
	ExpirePending(ctx context.Context, cutoff time.Time) ([]Subscription, error)
}

// Options tune registry behaviour.
type Options struct {
	// FailureThreshold is the number of consecutive delivery failures that
	// moves a Confirmed subscription to Failed.
	FailureThreshold int
	Now              func() time.Time
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
