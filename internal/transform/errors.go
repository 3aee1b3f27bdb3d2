package transform

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/gemini-bridge/internal/providers"
	"github.com/nulpointcorp/gemini-bridge/pkg/apierr"
)

var (
	// ErrPromptBlocked means the upstream refused the prompt outright and
	// returned no candidates.
	ErrPromptBlocked = errors.New("prompt blocked by upstream safety filters")
	// ErrEmptyResponse means the upstream returned neither content nor a
	// finish reason.
	ErrEmptyResponse = errors.New("upstream returned an empty response")
)

// ClassifyError maps an upstream failure to a client-facing status and
// Anthropic error type.
func ClassifyError(err error) apierr.Info {
	if err == nil {
		return apierr.Info{Status: fasthttp.StatusInternalServerError, Type: apierr.TypeAPIError, Message: "unknown error"}
	}
	msg := err.Error()

	switch {
	case errors.Is(err, ErrPromptBlocked):
		return apierr.Info{Status: fasthttp.StatusBadRequest, Type: apierr.TypeInvalidRequest, Message: msg}
	case errors.Is(err, ErrEmptyResponse):
		return apierr.Info{Status: fasthttp.StatusBadGateway, Type: apierr.TypeAPIError, Message: msg}
	case errors.Is(err, context.DeadlineExceeded):
		return apierr.Info{Status: fasthttp.StatusGatewayTimeout, Type: apierr.TypeTimeout, Message: "upstream request timed out"}
	}

	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return classifyStatus(sc.HTTPStatus(), msg)
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return apierr.Info{Status: fasthttp.StatusGatewayTimeout, Type: apierr.TypeTimeout, Message: "upstream request timed out"}
	}

	return apierr.Info{Status: fasthttp.StatusBadGateway, Type: apierr.TypeAPIError, Message: msg}
}

func classifyStatus(status int, msg string) apierr.Info {
	info := apierr.Info{Status: apierr.UpstreamStatus(status), Message: msg}

	switch {
	case status == fasthttp.StatusUnauthorized || invalidKey(msg):
		info.Status = fasthttp.StatusUnauthorized
		info.Type = apierr.TypeAuthenticationErr
	case status == fasthttp.StatusForbidden:
		info.Type = apierr.TypePermission
	case status == fasthttp.StatusNotFound:
		info.Type = apierr.TypeNotFound
	case status == fasthttp.StatusRequestEntityTooLarge:
		info.Type = apierr.TypeRequestTooLarge
	case status == fasthttp.StatusTooManyRequests:
		info.Type = apierr.TypeRateLimitError
	case status == fasthttp.StatusServiceUnavailable || status == 529:
		info.Type = apierr.TypeOverloaded
	case status >= 400 && status < 500:
		info.Type = apierr.TypeInvalidRequest
	default:
		info.Type = apierr.TypeAPIError
	}
	return info
}

// Gemini reports a bad key as 400 INVALID_ARGUMENT.
func invalidKey(msg string) bool {
	return strings.Contains(msg, "API_KEY_INVALID") || strings.Contains(msg, "API key not valid")
}
