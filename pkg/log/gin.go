package log

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// GinMiddleware injects a request-scoped logger into the request context,
// echoes X-Request-ID and logs one completion line per request. Handlers
// that act on a subscription c.Set it under FieldSubscriptionID to have it
// included.
func GinMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		child, reqID := requestLogger(logger, c.Request.Header, c.Request.Method, c.Request.URL.Path, c.ClientIP())

		c.Header(headerRequestID, reqID)
		c.Request = c.Request.WithContext(WithLogger(c.Request.Context(), child))

		c.Next()

		status := c.Writer.Status()
		evt := child.WithLevel(completionLevel(status, zerolog.InfoLevel)).
			Int(FieldStatus, status).
			Float64(FieldLatency, float64(time.Since(start).Milliseconds()))

		if subID := c.GetString(FieldSubscriptionID); subID != "" {
			evt = evt.Str(FieldSubscriptionID, subID)
		}
		if len(c.Errors) > 0 {
			evt = evt.Str("errors", c.Errors.String())
		}

		evt.Msg("request completed")
	}
}
