// Package apierr provides structured API error types and HTTP status mapping
// for the engine's JSON endpoints.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeSearchError    = "search_error"
	TypeRateLimitError = "rate_limit_error"
	TypeServerError    = "server_error"
)

// Code constants.
const (
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeProductNotFound   = "PRODUCT_NOT_FOUND"
	CodeTimeout           = "TIMEOUT"
	CodeBlocked           = "BLOCKED"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeInternalError     = "INTERNAL_ERROR"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteInvalidRequest writes a 400 validation error.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteInternal writes a 500 server error.
func WriteInternal(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusInternalServerError, msg, TypeServerError, CodeInternalError)
}
