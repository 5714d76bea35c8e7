// Package response writes the JSON envelope shared by the HTTP APIs.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the envelope every endpoint answers with.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo describes a failed request. RequestID echoes X-Request-ID so a
// caller can quote it when reporting a problem.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func write(c *gin.Context, status int, data any) {
	c.JSON(status, Response{Success: true, Data: data})
}

// Success answers 200.
func Success(c *gin.Context, data any) { write(c, http.StatusOK, data) }

// Accepted answers 202 for work that completes later, such as a
// subscription awaiting confirmation.
func Accepted(c *gin.Context, data any) { write(c, http.StatusAccepted, data) }

// Error aborts the chain with an error envelope.
func Error(c *gin.Context, statusCode int, code, message string) {
	c.AbortWithStatusJSON(statusCode, Response{
		Error: &ErrorInfo{
			Code:      code,
			Message:   message,
			RequestID: c.Writer.Header().Get("X-Request-ID"),
		},
	})
}

func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, "BAD_REQUEST", message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, "NOT_FOUND", message)
}

// Conflict reports a request that does not fit the resource's current state.
func Conflict(c *gin.Context, message string) {
	Error(c, http.StatusConflict, "CONFLICT", message)
}

// Gone reports an expired confirmation link.
func Gone(c *gin.Context, message string) {
	Error(c, http.StatusGone, "GONE", message)
}

// BadGateway reports that an upstream the request depends on failed.
func BadGateway(c *gin.Context, code, message string) {
	Error(c, http.StatusBadGateway, code, message)
}

func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}
