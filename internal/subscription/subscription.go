// Package subscription keeps the set of webhook endpoints registered against
// the notification bus and their confirmation and health state.
package subscription

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusConfirmed Status = "Confirmed"
	StatusFailed    Status = "Failed"
	StatusExpired   Status = "Expired"
)

var (
	ErrNotFound        = errors.New("subscription not found")
	ErrInvalidEndpoint = errors.New("invalid endpoint url")
	ErrInvalidToken    = errors.New("invalid confirmation token")
	ErrTokenExpired    = errors.New("confirmation token expired")
	ErrNotPending      = errors.New("subscription is not awaiting confirmation")
)

// Subscription is a registered webhook endpoint.
type Subscription struct {
	ID                  string     `json:"id"`
	EndpointURL         string     `json:"endpoint_url"`
	Status              Status     `json:"status"`
	Nonce               string     `json:"-"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	ConfirmedAt         *time.Time `json:"confirmed_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Deliverable reports whether the bus sends notifications to s.
func (s Subscription) Deliverable() bool {
	return s.Status == StatusConfirmed
}

// ValidateEndpoint accepts absolute http and https URLs.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidEndpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidEndpoint)
	}
	return nil
}
