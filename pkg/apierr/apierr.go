// Package apierr writes structured API errors in the two wire shapes the
// bridge speaks: the Anthropic Messages envelope and the OpenAI envelope.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// Error types. The Anthropic vocabulary is used for both shapes; OpenAI
// clients only look at the code.
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermission        = "permission_error"
	TypeNotFound          = "not_found_error"
	TypeRequestTooLarge   = "request_too_large"
	TypeRateLimitError    = "rate_limit_error"
	TypeAPIError          = "api_error"
	TypeOverloaded        = "overloaded_error"
	TypeTimeout           = "timeout_error"
)

// Code constants for the OpenAI shape.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNotFound          = "not_found"
	CodeInvalidRequest    = "invalid_request"
	CodeUnavailable       = "service_unavailable"
)

// Style selects the envelope shape.
type Style int

const (
	OpenAI Style = iota
	Anthropic
)

// Info is a classified error ready to be written.
type Info struct {
	Status  int
	Type    string
	Message string
}

type (
	// APIError is the OpenAI error body.
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}

	anthropicError struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	anthropicEnvelope struct {
		Type  string         `json:"type"`
		Error anthropicError `json:"error"`
	}
)

// Write writes an OpenAI-shaped error with the given HTTP status.
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

// WriteAnthropic writes an Anthropic-shaped error with the given HTTP status.
func WriteAnthropic(ctx *fasthttp.RequestCtx, status int, errType, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(anthropicEnvelope{
		Type:  "error",
		Error: anthropicError{Type: errType, Message: message},
	})
	ctx.SetBody(body)
}

// Write writes errType/message in the receiver's shape.
func (s Style) Write(ctx *fasthttp.RequestCtx, status int, errType, message string) {
	if s == Anthropic {
		WriteAnthropic(ctx, status, errType, message)
		return
	}
	Write(ctx, status, message, errType, codeFor(errType))
}

// WriteInfo writes a classified error. Rate limits get a Retry-After hint.
func (s Style) WriteInfo(ctx *fasthttp.RequestCtx, info Info) {
	if info.Status == fasthttp.StatusTooManyRequests {
		ctx.Response.Header.Set("Retry-After", "60")
	}
	s.Write(ctx, info.Status, info.Type, info.Message)
}

// WriteRateLimit writes a 429 rate limit error.
func (s Style) WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	s.Write(ctx, fasthttp.StatusTooManyRequests, TypeRateLimitError, "rate limit exceeded")
}

// WriteUnavailable writes a retryable 503, used when durable storage is down.
func (s Style) WriteUnavailable(ctx *fasthttp.RequestCtx, message string, retryAfterSec int) {
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSec))
	s.Write(ctx, fasthttp.StatusServiceUnavailable, TypeOverloaded, message)
}

// UpstreamStatus maps an upstream HTTP status to the status returned to the
// client: 4xx propagate, 5xx and anything unknown collapse to 502.
func UpstreamStatus(providerStatus int) int {
	if providerStatus >= 400 && providerStatus < 500 {
		return providerStatus
	}
	return fasthttp.StatusBadGateway
}

func codeFor(errType string) string {
	switch errType {
	case TypeInvalidRequest, TypeRequestTooLarge:
		return CodeInvalidRequest
	case TypeAuthenticationErr, TypePermission:
		return CodeInvalidAPIKey
	case TypeNotFound:
		return CodeNotFound
	case TypeRateLimitError:
		return CodeRateLimitExceeded
	case TypeTimeout:
		return CodeRequestTimeout
	case TypeOverloaded:
		return CodeUnavailable
	case TypeAPIError:
		return CodeProviderError
	default:
		return CodeInternalError
	}
}
