// Package handlers provides HTTP API request handlers.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/agentrelay/internal/model"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// sendErr renders err with the status its code maps to.
func sendErr(c *gin.Context, err error) {
	code := model.Code(err)
	sendError(c, statusFor(code), code, err.Error())
}

func statusFor(code string) int {
	switch code {
	case "VALIDATION_ERROR", "DIRECTORY_NOT_FOUND", "NOT_RESUMABLE", "UNKNOWN_AGENT", "UNSUPPORTED":
		return http.StatusBadRequest
	case "SESSION_NOT_FOUND", "APPROVAL_NOT_FOUND", "DIFF_NOT_FOUND":
		return http.StatusNotFound
	case "ALREADY_RUNNING", "NO_ACTIVE_SESSION":
		return http.StatusConflict
	case "APPROVAL_TIMEOUT":
		return http.StatusRequestTimeout
	case "QUEUE_SATURATED", "TRANSPORT_NOT_READY":
		return http.StatusServiceUnavailable
	case "TRANSPORT_SPAWN_FAILED":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// queryInt reads a non-negative integer query parameter.
func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", key+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
