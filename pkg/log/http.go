package log

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	headerRequestID = "X-Request-ID"
	// headerCloudEventID is present on binary-mode CloudEvents deliveries.
	headerCloudEventID = "Ce-Id"
)

// requestLogger derives the per-request logger and request id. Webhook
// deliveries also carry their CloudEvent id so one delivery can be followed
// from the bus to the receiver.
func requestLogger(logger zerolog.Logger, h http.Header, method, path, ip string) (zerolog.Logger, string) {
	reqID := h.Get(headerRequestID)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	lc := logger.With().
		Str(FieldRequestID, reqID).
		Str(FieldMethod, method).
		Str(FieldPath, path).
		Str(FieldClientIP, ip)
	if ceID := h.Get(headerCloudEventID); ceID != "" {
		lc = lc.Str(FieldCloudEventID, ceID)
	}
	return lc.Logger(), reqID
}

// completionLevel picks the level of the request-completed line: server
// errors and rejections stand out, everything else logs at base.
func completionLevel(status int, base zerolog.Level) zerolog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zerolog.ErrorLevel
	case status >= http.StatusBadRequest:
		return zerolog.WarnLevel
	default:
		return base
	}
}

// HTTPMiddleware is the net/http counterpart of GinMiddleware for listeners
// that only serve /metrics and /health. Successful requests log at debug.
func HTTPMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			child, reqID := requestLogger(logger, r.Header, r.Method, r.URL.Path, clientIP(r))

			w.Header().Set(headerRequestID, reqID)
			r = r.WithContext(WithLogger(r.Context(), child))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			child.WithLevel(completionLevel(rec.status, zerolog.DebugLevel)).
				Int(FieldStatus, rec.status).
				Float64(FieldLatency, float64(time.Since(start).Milliseconds())).
				Msg("request completed")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip, _, _ := strings.Cut(xff, ","); strings.TrimSpace(ip) != "" {
			return strings.TrimSpace(ip)
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
