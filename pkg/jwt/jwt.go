package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

const confirmationType = "subscription_confirmation"

// Claims represents the claims of a subscription confirmation token.
// RegisteredClaims.ID carries the subscription's confirmation nonce, so a
// token issued before a re-registration no longer confirms anything.
type Claims struct {
	jwt.RegisteredClaims
	SubscriptionID string `json:"subscription_id"`
	EndpointURL    string `json:"endpoint_url"`
	Type           string `json:"type"`
}

// Manager issues and validates HS256 confirmation tokens.
type Manager struct {
	secret   []byte
	duration time.Duration
	issuer   string
	now      func() time.Time
}

// NewManager creates a new JWT manager. duration is the confirmation window.
func NewManager(secret string, duration time.Duration, issuer string) (*Manager, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	if duration <= 0 {
		return nil, errors.New("jwt duration must be positive")
	}
	return &Manager{
		secret:   []byte(secret),
		duration: duration,
		issuer:   issuer,
		now:      time.Now,
	}, nil
}

// Duration returns the validity window of issued tokens.
func (m *Manager) Duration() time.Duration {
	return m.duration
}

// Issue creates a confirmation token for the subscription.
func (m *Manager) Issue(subscriptionID, endpointURL, nonce string) (token string, expiresAt time.Time, err error) {
	now := m.now()
	expiresAt = now.Add(m.duration)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        nonce,
			Issuer:    m.issuer,
			Subject:   subscriptionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SubscriptionID: subscriptionID,
		EndpointURL:    endpointURL,
		Type:           confirmationType,
	}

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Validate validates a token and returns its claims.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithTimeFunc(m.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Type != confirmationType || claims.SubscriptionID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
