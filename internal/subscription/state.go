package subscription

import (
	"time"

	"github.com/google/uuid"
)

// The functions below are the single definition of the state machine;
// every Registry implementation applies them inside its own atomic section.

func newPending(endpoint string, now time.Time) Subscription {
	return Subscription{
		ID:          uuid.NewString(),
		EndpointURL: endpoint,
		Status:      StatusPending,
		Nonce:       uuid.NewString(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// applyRegister re-registers an existing subscription. Confirmed ones are
// left as they are; any other state restarts the confirmation window with a
// new nonce, invalidating earlier confirmation tokens.
func applyRegister(s *Subscription, now time.Time) bool {
	if s.Status == StatusConfirmed {
		return false
	}
	s.Status = StatusPending
	s.Nonce = uuid.NewString()
	s.ConsecutiveFailures = 0
	s.LastError = ""
	s.ConfirmedAt = nil
	s.UpdatedAt = now
	return true
}

func applyConfirm(s *Subscription, nonce string, now time.Time) (bool, error) {
	switch s.Status {
	case StatusConfirmed:
		return false, nil
	case StatusPending:
		if nonce == "" || nonce != s.Nonce {
			return false, ErrInvalidToken
		}
		s.Status = StatusConfirmed
		s.ConfirmedAt = &now
		s.UpdatedAt = now
		return true, nil
	default:
		return false, ErrNotPending
	}
}

// applyDelivery records the outcome of a delivery to a confirmed
// subscription. threshold consecutive failures move it to Failed.
func applyDelivery(s *Subscription, deliveryErr error, threshold int, now time.Time) bool {
	if s.Status != StatusConfirmed {
		return false
	}
	if deliveryErr == nil {
		if s.ConsecutiveFailures == 0 && s.LastError == "" {
			return false
		}
		s.ConsecutiveFailures = 0
		s.LastError = ""
		s.UpdatedAt = now
		return true
	}

	s.ConsecutiveFailures++
	s.LastError = deliveryErr.Error()
	if threshold > 0 && s.ConsecutiveFailures >= threshold {
		s.Status = StatusFailed
	}
	s.UpdatedAt = now
	return true
}

func applyExpire(s *Subscription, cutoff, now time.Time) bool {
	if s.Status != StatusPending || !s.UpdatedAt.Before(cutoff) {
		return false
	}
	s.Status = StatusExpired
	s.UpdatedAt = now
	return true
}
