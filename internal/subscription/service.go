package subscription

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/weiawesome/thumbing/internal/audit"
	"github.com/weiawesome/thumbing/internal/metrics"
	"github.com/weiawesome/thumbing/pkg/jwt"
	pkglog "github.com/weiawesome/thumbing/pkg/log"
)

// ConfirmPath is where confirmation links point, relative to the public base URL.
const ConfirmPath = "/api/v1/subscriptions/confirm"

// ConfirmationSender asks an endpoint to confirm its subscription.
type ConfirmationSender interface {
	SendConfirmation(ctx context.Context, sub Subscription, confirmURL string, expiresAt time.Time) error
}

// Service orchestrates registrations: it owns confirmation tokens, audit
// entries and the confirmation window.
type Service struct {
	registry Registry
	tokens   *jwt.Manager
	sender   ConfirmationSender
	baseURL  string
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewService creates a Service. sender may be nil, in which case Pending
// subscriptions are only confirmed through the API.
func NewService(registry Registry, tokens *jwt.Manager, sender ConfirmationSender, publicBaseURL string, m *metrics.Metrics) *Service {
	return &Service{
		registry: registry,
		tokens:   tokens,
		sender:   sender,
		baseURL:  strings.TrimRight(publicBaseURL, "/"),
		metrics:  m,
		now:      time.Now,
	}
}

// Registry returns the underlying registry.
func (s *Service) Registry() Registry { return s.registry }

// Subscribe registers endpointURL and, while it is Pending, sends it a
// confirmation request.
func (s *Service) Subscribe(ctx context.Context, endpointURL string) (*Subscription, error) {
	sub, err := s.registry.Register(ctx, endpointURL)
	if err != nil {
		return nil, err
	}
	audit.LogWithDetail(ctx, audit.ActionRegister, sub.ID, sub.EndpointURL, string(sub.Status), "subscription registered")

	if sub.Status != StatusPending {
		return sub, nil
	}
	s.metrics.SubscriptionTransition(string(StatusPending))

	if s.sender == nil {
		return sub, nil
	}
	confirmURL, expiresAt, err := s.ConfirmationURL(sub)
	if err != nil {
		return nil, err
	}
	if err := s.sender.SendConfirmation(ctx, *sub, confirmURL, expiresAt); err != nil {
		// The subscription stays Pending; registering again resends.
		l := pkglog.Ctx(ctx)
		l.Warn().Err(err).
			Str(pkglog.FieldSubscriptionID, sub.ID).
			Str(pkglog.FieldEndpointURL, sub.EndpointURL).
			Msg("failed to send subscription confirmation")
		return sub, nil
	}

	// A receiver may confirm synchronously while handling the request.
	if fresh, err := s.registry.Get(ctx, sub.ID); err == nil {
		sub = fresh
	}
	return sub, nil
}

// ConfirmationURL issues a confirmation token for sub and returns the link.
func (s *Service) ConfirmationURL(sub *Subscription) (string, time.Time, error) {
	token, expiresAt, err := s.tokens.Issue(sub.ID, sub.EndpointURL, sub.Nonce)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to issue confirmation token: %w", err)
	}
	return s.baseURL + ConfirmPath + "?token=" + url.QueryEscape(token), expiresAt, nil
}

// ConfirmToken confirms the subscription a token was issued for.
func (s *Service) ConfirmToken(ctx context.Context, token string) (*Subscription, error) {
	claims, err := s.tokens.Validate(token)
	if err != nil {
		if errors.Is(err, jwt.ErrExpiredToken) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	sub, changed, err := s.registry.Confirm(ctx, claims.SubscriptionID, claims.ID)
	if err != nil {
		return nil, err
	}
	if changed {
		audit.Log(ctx, audit.ActionConfirm, sub.ID, sub.EndpointURL, "subscription confirmed")
		s.metrics.SubscriptionTransition(string(StatusConfirmed))
	}
	return sub, nil
}

// Unsubscribe removes the subscription for endpointURL.
func (s *Service) Unsubscribe(ctx context.Context, endpointURL string) error {
	if err := s.registry.Unregister(ctx, endpointURL); err != nil {
		return err
	}
	audit.Log(ctx, audit.ActionUnregister, "", endpointURL, "subscription removed")
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*Subscription, error) {
	return s.registry.Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]Subscription, error) {
	return s.registry.List(ctx)
}

// Seed registers the configured endpoints at startup. Trusted endpoints are
// confirmed immediately; others go through the confirmation handshake.
// Endpoints that reached Failed are left alone until registered manually.
func (s *Service) Seed(ctx context.Context, endpoints []string, trusted bool) error {
	existing, err := s.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	failed := make(map[string]bool)
	for _, sub := range existing {
		if sub.Status == StatusFailed {
			failed[sub.EndpointURL] = true
		}
	}

	for _, endpoint := range endpoints {
		endpoint = strings.TrimSpace(endpoint)
		if endpoint == "" {
			continue
		}
		if failed[endpoint] {
			l := pkglog.Ctx(ctx)
			l.Warn().Str(pkglog.FieldEndpointURL, endpoint).
				Msg("configured endpoint is failed, not seeding it")
			continue
		}
		if !trusted {
			if _, err := s.Subscribe(ctx, endpoint); err != nil {
				return fmt.Errorf("seed %s: %w", endpoint, err)
			}
			continue
		}

		sub, err := s.registry.Register(ctx, endpoint)
		if err != nil {
			return fmt.Errorf("seed %s: %w", endpoint, err)
		}
		if sub.Status == StatusPending {
			if _, _, err := s.registry.Confirm(ctx, sub.ID, sub.Nonce); err != nil {
				return fmt.Errorf("seed %s: %w", endpoint, err)
			}
			audit.LogWithDetail(ctx, audit.ActionConfirm, sub.ID, endpoint, "seed", "subscription confirmed from configuration")
		}
	}
	return nil
}

// ExpirePending expires subscriptions left unconfirmed for longer than the
// confirmation window.
func (s *Service) ExpirePending(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.tokens.Duration())
	expired, err := s.registry.ExpirePending(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, sub := range expired {
		audit.Log(ctx, audit.ActionExpire, sub.ID, sub.EndpointURL, "subscription expired unconfirmed")
		s.metrics.SubscriptionTransition(string(StatusExpired))
	}
	return len(expired), nil
}

// RunExpiry calls ExpirePending every interval until ctx is done.
func (s *Service) RunExpiry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.ExpirePending(ctx); err != nil {
				l := pkglog.Ctx(ctx)
				l.Error().Err(err).Msg("failed to expire pending subscriptions")
			} else if n > 0 {
				l := pkglog.Ctx(ctx)
				l.Info().Int("count", n).Msg("expired pending subscriptions")
			}
		}
	}
}
