// Package apierr implements the single shaped error envelope the HTTP
// surface returns for every failure: {"error":{"message","type","code"}}.
package apierr

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Type is the machine-readable error category returned in the envelope.
type Type string

const (
	TypeInvalidRequest    Type = "invalid_request_error"
	TypeRateLimitExceeded Type = "rate_limit_exceeded"
	TypeTimeout           Type = "timeout"
	TypeServiceUnavailable Type = "service_unavailable"
	TypeUpstreamError     Type = "endpoint_upstream_error"
	TypeAuthentication    Type = "authentication_error"
)

// Body is the single JSON envelope shape for API errors.
type Body struct {
	Error Detail `json:"error"`
}

// Detail carries the message, machine-readable type, and status code.
type Detail struct {
	Message string `json:"message"`
	Type    Type   `json:"type"`
	Code    any    `json:"code"`
	Param   string `json:"param,omitempty"`
}

// New builds a Body for the given type/status/message.
func New(t Type, status int, message string) Body {
	return Body{Error: Detail{Message: message, Type: t, Code: status}}
}

// NewWithCode builds a Body with an explicit short subcode instead of the
// numeric status (used for service_unavailable subcodes like
// "no_capable_nodes").
func NewWithCode(t Type, code, message string) Body {
	return Body{Error: Detail{Message: message, Type: t, Code: code}}
}

// Abort sends the shaped error and aborts the gin context.
func Abort(c *gin.Context, status int, body Body) {
	c.AbortWithStatusJSON(status, body)
}

// BadRequest sends 400 invalid_request_error.
func BadRequest(c *gin.Context, message string) {
	Abort(c, http.StatusBadRequest, New(TypeInvalidRequest, http.StatusBadRequest, message))
}

// BadRequestParam sends 400 invalid_request_error naming the offending param.
func BadRequestParam(c *gin.Context, message, param string) {
	body := New(TypeInvalidRequest, http.StatusBadRequest, message)
	body.Error.Param = param
	Abort(c, http.StatusBadRequest, body)
}

// ModelNotFound sends the 404 shape spec.md mandates for an unknown model.
func ModelNotFound(c *gin.Context, model string) {
	body := New(TypeInvalidRequest, http.StatusNotFound, "model not found: "+model)
	body.Error.Param = "model"
	body.Error.Code = "model_not_found"
	Abort(c, http.StatusNotFound, body)
}

// RateLimitExceeded sends 429 with a Retry-After header.
func RateLimitExceeded(c *gin.Context, retryAfterSeconds int, message string) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	Abort(c, http.StatusTooManyRequests, New(TypeRateLimitExceeded, http.StatusTooManyRequests, message))
}

// Timeout sends 504 timeout.
func Timeout(c *gin.Context, message string) {
	Abort(c, http.StatusGatewayTimeout, New(TypeTimeout, http.StatusGatewayTimeout, message))
}

// NoCapableNodes sends 503 service_unavailable with the no_capable_nodes subcode.
func NoCapableNodes(c *gin.Context, model string) {
	Abort(c, http.StatusServiceUnavailable, NewWithCode(TypeServiceUnavailable, "no_capable_nodes", "no capable nodes for model: "+model))
}

// UpstreamError sends the endpoint's original status with an upstream_error type.
func UpstreamError(c *gin.Context, status int, message string) {
	Abort(c, status, New(TypeUpstreamError, status, message))
}

// Authentication sends 401 authentication_error.
func Authentication(c *gin.Context, message string) {
	Abort(c, http.StatusUnauthorized, New(TypeAuthentication, http.StatusUnauthorized, message))
}

// Internal sends 500 with a service_unavailable type for transport/internal failures.
func Internal(c *gin.Context, message string) {
	Abort(c, http.StatusInternalServerError, New(TypeServiceUnavailable, http.StatusInternalServerError, message))
}

// BadGateway sends 502 for transport failures talking to an endpoint.
func BadGateway(c *gin.Context, message string) {
	Abort(c, http.StatusBadGateway, New(TypeUpstreamError, http.StatusBadGateway, message))
}
