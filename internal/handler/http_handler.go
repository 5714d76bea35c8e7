package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/thumbing/internal/metrics"
	"github.com/weiawesome/thumbing/internal/subscription"
	"github.com/weiawesome/thumbing/pkg/log"
	"github.com/weiawesome/thumbing/pkg/middleware"
	"github.com/weiawesome/thumbing/pkg/response"
)

// SubscribeRequest is the body of POST /subscriptions.
type SubscribeRequest struct {
	EndpointURL string `json:"endpoint_url" binding:"required,url"`
}

// Handler handles HTTP requests for the subscription registry.
type Handler struct {
	service    *subscription.Service
	adminToken string
	metrics    *metrics.Metrics
}

// NewHandler creates a new HTTP handler. An empty adminToken leaves the
// mutating routes open.
func NewHandler(service *subscription.Service, adminToken string, m *metrics.Metrics) *Handler {
	return &Handler{
		service:    service,
		adminToken: adminToken,
		metrics:    m,
	}
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	api := r.Group("/api/v1")
	{
		subs := api.Group("/subscriptions")
		{
			// Public: the token is the credential.
			subs.GET("/confirm", h.Confirm)

			admin := subs.Group("")
			admin.Use(middleware.RequireToken(h.adminToken))
			{
				admin.POST("", h.Subscribe)
				admin.GET("", h.List)
				admin.GET("/:id", h.Get)
				admin.DELETE("", h.Unsubscribe)
			}
		}
	}
}

// Subscribe registers an endpoint. Pending subscriptions answer 202.
func (h *Handler) Subscribe(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("invalid subscribe request")
		response.BadRequest(c, err.Error())
		return
	}

	sub, err := h.service.Subscribe(ctx, req.EndpointURL)
	if err != nil {
		if errors.Is(err, subscription.ErrInvalidEndpoint) {
			response.BadRequest(c, err.Error())
			return
		}
		l.Error().Err(err).Msg("subscribe failed")
		response.InternalError(c, "failed to register subscription")
		return
	}

	c.Set(log.FieldSubscriptionID, sub.ID)
	if sub.Status == subscription.StatusPending {
		response.Accepted(c, sub)
		return
	}
	response.Success(c, sub)
}

// Confirm confirms a Pending subscription from the link sent to its endpoint.
func (h *Handler) Confirm(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	token := c.Query("token")
	if token == "" {
		response.BadRequest(c, "token is required")
		return
	}

	sub, err := h.service.ConfirmToken(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, subscription.ErrTokenExpired):
			response.Gone(c, "confirmation link expired")
		case errors.Is(err, subscription.ErrInvalidToken):
			response.BadRequest(c, "invalid confirmation token")
		case errors.Is(err, subscription.ErrNotPending):
			response.Conflict(c, "subscription is not awaiting confirmation")
		case errors.Is(err, subscription.ErrNotFound):
			response.NotFound(c, "subscription not found")
		default:
			l.Error().Err(err).Msg("confirm failed")
			response.InternalError(c, "failed to confirm subscription")
		}
		return
	}

	c.Set(log.FieldSubscriptionID, sub.ID)
	response.Success(c, sub)
}

// List returns every subscription.
func (h *Handler) List(c *gin.Context) {
	ctx := c.Request.Context()
	subs, err := h.service.List(ctx)
	if err != nil {
		logger := log.Ctx(ctx)
		logger.Error().Err(err).Msg("list subscriptions failed")
		response.InternalError(c, "failed to list subscriptions")
		return
	}
	if subs == nil {
		subs = []subscription.Subscription{}
	}
	response.Success(c, subs)
}

// Get returns one subscription.
func (h *Handler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.service.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			response.NotFound(c, "subscription not found")
			return
		}
		logger := log.Ctx(ctx)
		logger.Error().Err(err).Msg("get subscription failed")
		response.InternalError(c, "failed to get subscription")
		return
	}
	response.Success(c, sub)
}

// Unsubscribe removes the subscription of the endpoint_url query parameter.
func (h *Handler) Unsubscribe(c *gin.Context) {
	ctx := c.Request.Context()
	endpoint := c.Query("endpoint_url")
	if endpoint == "" {
		response.BadRequest(c, "endpoint_url is required")
		return
	}

	if err := h.service.Unsubscribe(ctx, endpoint); err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			response.NotFound(c, "subscription not found")
			return
		}
		logger := log.Ctx(ctx)
		logger.Error().Err(err).Msg("unsubscribe failed")
		response.InternalError(c, "failed to unregister subscription")
		return
	}
	response.Success(c, gin.H{"endpoint_url": endpoint})
}
