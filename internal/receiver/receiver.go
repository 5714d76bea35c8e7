// Package receiver is a reference webhook endpoint for the notification bus.
// It confirms its own subscription and logs each thumbnail once.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cloudevents/sdk-go/v2/binding"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/gin-gonic/gin"

	"github.com/weiawesome/thumbing/internal/event"
	"github.com/weiawesome/thumbing/internal/notify"
	"github.com/weiawesome/thumbing/pkg/log"
	"github.com/weiawesome/thumbing/pkg/response"
)

var ErrConfirmFailed = errors.New("confirmation request failed")

// Options configures a Receiver.
type Options struct {
	AutoConfirm bool
	Client      *http.Client
	// OnThumbnail, when set, is called once per new (store, key).
	OnThumbnail func(ctx context.Context, msg event.NotificationMessage)
}

// Receiver handles CloudEvents posted by the notification bus.
type Receiver struct {
	dedup Dedup
	opts  Options
}

// New creates a Receiver.
func New(dedup Dedup, opts Options) *Receiver {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Receiver{dedup: dedup, opts: opts}
}

// RegisterRoutes registers the webhook route and a health check.
func (rv *Receiver) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.POST("/webhook", rv.Webhook)
}

// Webhook accepts one CloudEvent in binary or structured mode.
func (rv *Receiver) Webhook(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	msg := cehttp.NewMessageFromHttpRequest(c.Request)
	defer func() {
		_ = msg.Finish(nil)
	}()
	e, err := binding.ToEvent(ctx, msg)
	if err != nil {
		l.Warn().Err(err).Msg("invalid cloudevent")
		response.BadRequest(c, "invalid cloudevent")
		return
	}

	switch e.Type() {
	case notify.TypeThumbnailCreated:
		var n event.NotificationMessage
		if err := e.DataAs(&n); err != nil || n.Key == "" {
			response.BadRequest(c, "invalid notification payload")
			return
		}
		first, err := rv.dedup.FirstSeen(ctx, n.ObjectRef())
		if err != nil {
			// Without dedup state the safe answer is a retry.
			l.Error().Err(err).Msg("dedup lookup failed")
			response.InternalError(c, "dedup unavailable")
			return
		}
		if !first {
			l.Info().Str(log.FieldStore, n.Store).Str(log.FieldKey, n.Key).Str(log.FieldEventID, n.EventID).Msg("duplicate thumbnail notification")
			response.Success(c, gin.H{"duplicate": true})
			return
		}
		l.Info().Str(log.FieldStore, n.Store).Str(log.FieldKey, n.Key).Str(log.FieldEventID, n.EventID).Msg("thumbnail received")
		if rv.opts.OnThumbnail != nil {
			rv.opts.OnThumbnail(ctx, n)
		}
		response.Success(c, gin.H{"duplicate": false})

	case notify.TypeSubscriptionConfirmation:
		var req notify.ConfirmationRequest
		if err := e.DataAs(&req); err != nil || req.ConfirmURL == "" {
			response.BadRequest(c, "invalid confirmation payload")
			return
		}
		l.Info().Str(log.FieldSubscriptionID, req.SubscriptionID).Time("expires_at", req.ExpiresAt).Msg("confirmation requested")
		if !rv.opts.AutoConfirm {
			response.Success(c, gin.H{"confirmed": false})
			return
		}
		if err := rv.Confirm(ctx, req.ConfirmURL); err != nil {
			l.Error().Err(err).Str(log.FieldSubscriptionID, req.SubscriptionID).Msg("auto-confirm failed")
			response.BadGateway(c, "CONFIRM_FAILED", err.Error())
			return
		}
		l.Info().Str(log.FieldSubscriptionID, req.SubscriptionID).Msg("subscription confirmed")
		response.Success(c, gin.H{"confirmed": true})

	default:
		response.BadRequest(c, fmt.Sprintf("unsupported event type %q", e.Type()))
	}
}

// Confirm follows a confirmation link.
func (rv *Receiver) Confirm(ctx context.Context, confirmURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, confirmURL, nil)
	if err != nil {
		return fmt.Errorf("build confirm request: %w", err)
	}
	resp, err := rv.opts.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfirmFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrConfirmFailed, resp.StatusCode)
	}
	return nil
}
