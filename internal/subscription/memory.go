package subscription

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is an in-process Registry.
type MemoryRegistry struct {
	opts Options

	mu         sync.RWMutex
	byID       map[string]*Subscription
	byEndpoint map[string]string
}

func NewMemoryRegistry(opts Options) *MemoryRegistry {
	return &MemoryRegistry{
		opts:       opts.withDefaults(),
		byID:       make(map[string]*Subscription),
		byEndpoint: make(map[string]string),
	}
}

func (r *MemoryRegistry) now() time.Time { return r.opts.Now().UTC() }

func (r *MemoryRegistry) Register(ctx context.Context, endpointURL string) (*Subscription, error) {
	if err := ValidateEndpoint(endpointURL); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byEndpoint[endpointURL]; ok {
		s := r.byID[id]
		applyRegister(s, r.now())
		out := *s
		return &out, nil
	}

	s := newPending(endpointURL, r.now())
	r.byID[s.ID] = &s
	r.byEndpoint[endpointURL] = s.ID
	out := s
	return &out, nil
}

func (r *MemoryRegistry) Unregister(ctx context.Context, endpointURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byEndpoint[endpointURL]
	if !ok {
		return ErrNotFound
	}
	delete(r.byEndpoint, endpointURL)
	delete(r.byID, id)
	return nil
}

func (r *MemoryRegistry) Confirm(ctx context.Context, id, nonce string) (*Subscription, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	changed, err := applyConfirm(s, nonce, r.now())
	if err != nil {
		return nil, false, err
	}
	out := *s
	return &out, changed, nil
}

func (r *MemoryRegistry) Get(ctx context.Context, id string) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *s
	return &out, nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]Subscription, error) {
	return r.snapshot(func(Subscription) bool { return true }), nil
}

func (r *MemoryRegistry) ListConfirmed(ctx context.Context) ([]Subscription, error) {
	return r.snapshot(Subscription.Deliverable), nil
}

func (r *MemoryRegistry) snapshot(keep func(Subscription) bool) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Subscription, 0, len(r.byID))
	for _, s := range r.byID {
		if keep(*s) {
			out = append(out, *s)
		}
	}
	sortSubscriptions(out)
	return out
}

func (r *MemoryRegistry) RecordDelivery(ctx context.Context, id string, deliveryErr error) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	applyDelivery(s, deliveryErr, r.opts.FailureThreshold, r.now())
	out := *s
	return &out, nil
}

func (r *MemoryRegistry) ExpirePending(ctx context.Context, cutoff time.Time) ([]Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []Subscription
	now := r.now()
	for _, s := range r.byID {
		if applyExpire(s, cutoff, now) {
			expired = append(expired, *s)
		}
	}
	sortSubscriptions(expired)
	return expired, nil
}

func sortSubscriptions(subs []Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].EndpointURL < subs[j].EndpointURL
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
}
