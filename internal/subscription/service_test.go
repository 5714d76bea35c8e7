package subscription

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/thumbing/internal/audit"
	"github.com/weiawesome/thumbing/pkg/jwt"
	pkglog "github.com/weiawesome/thumbing/pkg/log"
)

type recordingSender struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (s *recordingSender) SendConfirmation(_ context.Context, _ Subscription, confirmURL string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls = append(s.urls, confirmURL)
	return s.err
}

func (s *recordingSender) last(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.urls)
	return s.urls[len(s.urls)-1]
}

func newService(t *testing.T, sender ConfirmationSender) (*Service, *MemoryRegistry, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	reg := NewMemoryRegistry(Options{FailureThreshold: 3, Now: clk.Now})
	tokens, err := jwt.NewManager("0123456789abcdef0123456789abcdef", 72*time.Hour, "thumbing")
	require.NoError(t, err)
	svc := NewService(reg, tokens, sender, "https://thumbing.example.com/", nil)
	svc.now = clk.Now
	return svc, reg, clk
}

func tokenFrom(t *testing.T, link string) string {
	t.Helper()
	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, ConfirmPath, u.Path)
	return u.Query().Get("token")
}

func TestSubscribeSendsConfirmationAndConfirmTokenConfirms(t *testing.T) {
	sender := &recordingSender{}
	svc, _, _ := newService(t, sender)
	ctx := context.Background()

	sub, err := svc.Subscribe(ctx, hookA)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, sub.Status)

	link := sender.last(t)
	assert.True(t, strings.HasPrefix(link, "https://thumbing.example.com/api/v1/subscriptions/confirm?token="))

	got, err := svc.ConfirmToken(ctx, tokenFrom(t, link))
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, sub.ID, got.ID)
}

func TestConfirmTokenFromEarlierRegistrationIsRejected(t *testing.T) {
	sender := &recordingSender{}
	svc, _, _ := newService(t, sender)
	ctx := context.Background()

	_, err := svc.Subscribe(ctx, hookA)
	require.NoError(t, err)
	first := tokenFrom(t, sender.last(t))

	_, err = svc.Subscribe(ctx, hookA)
	require.NoError(t, err)
	second := tokenFrom(t, sender.last(t))

	_, err = svc.ConfirmToken(ctx, first)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.ConfirmToken(ctx, second)
	assert.NoError(t, err)
}

func TestConfirmTokenGarbage(t *testing.T) {
	svc, _, _ := newService(t, nil)
	_, err := svc.ConfirmToken(context.Background(), "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSubscribeKeepsPendingWhenSenderFails(t *testing.T) {
	svc, reg, _ := newService(t, &recordingSender{err: errors.New("connection refused")})

	sub, err := svc.Subscribe(context.Background(), hookA)
	require.NoError(t, err)

	got, err := reg.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestSeedTrustedConfirmsImmediately(t *testing.T) {
	svc, reg, _ := newService(t, nil)
	ctx := context.Background()

	require.NoError(t, svc.Seed(ctx, []string{hookA, " ", hookB}, true))

	live, err := reg.ListConfirmed(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{hookA, hookB}, endpoints(live))
}

func TestSeedUntrustedRequestsConfirmation(t *testing.T) {
	sender := &recordingSender{}
	svc, reg, _ := newService(t, sender)

	require.NoError(t, svc.Seed(context.Background(), []string{hookA}, false))

	live, _ := reg.ListConfirmed(context.Background())
	assert.Empty(t, live)
	assert.Len(t, sender.urls, 1)
}

func TestExpirePendingUsesConfirmationWindow(t *testing.T) {
	svc, reg, clk := newService(t, nil)
	ctx := context.Background()

	sub, err := svc.Subscribe(ctx, hookA)
	require.NoError(t, err)

	clk.Advance(71 * time.Hour)
	n, err := svc.ExpirePending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(2 * time.Hour)
	n, err = svc.ExpirePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := reg.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestUnsubscribe(t *testing.T) {
	svc, _, _ := newService(t, nil)
	ctx := context.Background()

	_, err := svc.Subscribe(ctx, hookA)
	require.NoError(t, err)
	require.NoError(t, svc.Unsubscribe(ctx, hookA))
	assert.ErrorIs(t, svc.Unsubscribe(ctx, hookA), ErrNotFound)
}

func TestConfirmTokenTwiceAuditsOnce(t *testing.T) {
	sender := &recordingSender{}
	svc, _, _ := newService(t, sender)
	var buf bytes.Buffer
	ctx := pkglog.WithLogger(context.Background(), pkglog.New(pkglog.Config{Output: &buf}))

	_, err := svc.Subscribe(ctx, hookA)
	require.NoError(t, err)
	token := tokenFrom(t, sender.last(t))

	first, err := svc.ConfirmToken(ctx, token)
	require.NoError(t, err)
	second, err := svc.ConfirmToken(ctx, token)
	require.NoError(t, err)

	assert.Equal(t, StatusConfirmed, second.Status)
	assert.Equal(t, first.ConfirmedAt, second.ConfirmedAt)
	assert.Equal(t, 1, strings.Count(buf.String(), `"action":"`+audit.ActionConfirm+`"`))
}

// confirmingSender plays a receiver that follows the link before answering.
type confirmingSender struct {
	svc *Service
}

func (s *confirmingSender) SendConfirmation(ctx context.Context, _ Subscription, confirmURL string, _ time.Time) error {
	u, err := url.Parse(confirmURL)
	if err != nil {
		return err
	}
	_, err = s.svc.ConfirmToken(ctx, u.Query().Get("token"))
	return err
}

func TestSubscribeReturnsConfirmedWhenHandshakeCompletesSynchronously(t *testing.T) {
	svc, _, _ := newService(t, nil)
	svc.sender = &confirmingSender{svc: svc}

	sub, err := svc.Subscribe(context.Background(), hookA)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, sub.Status)
	assert.NotNil(t, sub.ConfirmedAt)
}

func failSubscription(t *testing.T, reg Registry, endpoint string) {
	t.Helper()
	ctx := context.Background()
	sub := confirmed(t, reg, endpoint)
	for i := 0; i < 3; i++ {
		_, err := reg.RecordDelivery(ctx, sub.ID, errors.New("status 500"))
		require.NoError(t, err)
	}
	got, err := reg.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
}

func TestSeedLeavesFailedEndpointsAlone(t *testing.T) {
	t.Run("trusted", func(t *testing.T) {
		svc, reg, _ := newService(t, nil)
		ctx := context.Background()
		failSubscription(t, reg, hookA)

		require.NoError(t, svc.Seed(ctx, []string{hookA, hookB}, true))

		live, err := reg.ListConfirmed(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{hookB}, endpoints(live))
	})

	t.Run("untrusted", func(t *testing.T) {
		sender := &recordingSender{}
		svc, reg, _ := newService(t, sender)
		ctx := context.Background()
		failSubscription(t, reg, hookA)

		require.NoError(t, svc.Seed(ctx, []string{hookA}, false))

		all, err := reg.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, StatusFailed, all[0].Status)
		assert.Empty(t, sender.urls)
	})

	t.Run("manual register still recovers", func(t *testing.T) {
		svc, reg, _ := newService(t, nil)
		ctx := context.Background()
		failSubscription(t, reg, hookA)

		sub, err := svc.Subscribe(ctx, hookA)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, sub.Status)
	})
}
