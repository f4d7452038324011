package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProviderError is the generic fallback for upstream failures.
type ProviderError struct {
	Message string
	Raw     string
}

func (e *ProviderError) Error() string { return e.Message }

// AuthenticationError means the upstream rejected our credentials or no key
// is configured. Never retried.
type AuthenticationError struct {
	Message string
	Raw     string
}

func (e *AuthenticationError) Error() string { return e.Message }

// RateLimitError is an upstream 429. Sets the global cooldown.
type RateLimitError struct {
	Message    string
	Raw        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return e.Message }

// InvalidRequestError is an upstream 400 or schema mismatch.
type InvalidRequestError struct {
	Message string
	Raw     string
}

func (e *InvalidRequestError) Error() string { return e.Message }

// OverloadedError is a 500-class response mentioning overload or capacity.
// Retryable with backoff.
type OverloadedError struct {
	Message string
	Raw     string
}

func (e *OverloadedError) Error() string { return e.Message }

// APIError is any other upstream HTTP failure.
type APIError struct {
	Message    string
	StatusCode int
	Raw        string
}

func (e *APIError) Error() string { return e.Message }

// TimeoutError is a connect or read deadline expiry. Duration is the
// configured timeout, included in the user-facing message.
type TimeoutError struct {
	Message  string
	Duration time.Duration
	Connect  bool
}

func (e *TimeoutError) Error() string { return e.Message }

// HTTPError carries a raw non-2xx response before taxonomy mapping.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, body)
}

// ParseRetryAfter reads a Retry-After header value as either seconds or an
// HTTP date. Returns zero when absent or unparseable.
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// MapHTTPError converts a raw upstream response into the provider taxonomy.
func MapHTTPError(he *HTTPError) error {
	switch {
	case he.Status == http.StatusUnauthorized || he.Status == http.StatusForbidden:
		return &AuthenticationError{Message: "Provider authentication failed. Check API key.", Raw: he.Body}
	case he.Status == http.StatusTooManyRequests:
		return &RateLimitError{
			Message:    "Provider rate limit reached. Please retry shortly.",
			Raw:        he.Body,
			RetryAfter: he.RetryAfter,
		}
	case he.Status == http.StatusBadRequest:
		return &InvalidRequestError{Message: "Invalid request sent to provider.", Raw: he.Body}
	case he.Status >= 500:
		lower := strings.ToLower(he.Body)
		if strings.Contains(lower, "overloaded") || strings.Contains(lower, "capacity") {
			return &OverloadedError{Message: "Provider is currently overloaded. Please retry.", Raw: he.Body}
		}
		if he.Status == http.StatusBadGateway || he.Status == http.StatusServiceUnavailable || he.Status == http.StatusGatewayTimeout {
			return &APIError{Message: "Provider is temporarily unavailable. Please retry.", StatusCode: he.Status, Raw: he.Body}
		}
		return &APIError{Message: "Provider API request failed.", StatusCode: he.Status, Raw: he.Body}
	default:
		return &APIError{Message: "Provider API request failed.", StatusCode: he.Status, Raw: he.Body}
	}
}

// MapTransportError classifies non-HTTP failures from the transport layer.
func MapTransportError(err error, readTimeout time.Duration, connected bool) error {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		if connected {
			return &TimeoutError{
				Message:  fmt.Sprintf("Provider request timed out after %gs.", readTimeout.Seconds()),
				Duration: readTimeout,
			}
		}
		return &TimeoutError{Message: "Could not connect to provider.", Connect: true}
	}
	return err
}

// UserFacingMessage maps any error to a short, non-empty string suitable for
// rendering to an end user.
func UserFacingMessage(err error) string {
	if err == nil {
		return "Provider request failed unexpectedly."
	}

	var (
		rateLimit *RateLimitError
		auth      *AuthenticationError
		invalid   *InvalidRequestError
		overload  *OverloadedError
		apiErr    *APIError
		timeout   *TimeoutError
		provider  *ProviderError
	)
	switch {
	case errors.As(err, &timeout):
		if msg := strings.TrimSpace(timeout.Message); msg != "" {
			return msg
		}
		return "Request timed out."
	case errors.As(err, &rateLimit):
		return "Provider rate limit reached. Please retry shortly."
	case errors.As(err, &auth):
		return "Provider authentication failed. Check API key."
	case errors.As(err, &invalid):
		return "Invalid request sent to provider."
	case errors.As(err, &overload):
		return "Provider is currently overloaded. Please retry."
	case errors.As(err, &apiErr):
		switch apiErr.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return "Provider is temporarily unavailable. Please retry."
		}
		return "Provider API request failed."
	case errors.As(err, &provider):
		if msg := strings.TrimSpace(provider.Message); msg != "" {
			return msg
		}
		return "Provider request failed."
	}

	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return "Provider request failed unexpectedly."
}

// AppendRequestID suffixes the upstream request id when available.
func AppendRequestID(message, requestID string) string {
	base := strings.TrimSpace(message)
	if base == "" {
		base = "Provider request failed unexpectedly."
	}
	if requestID != "" {
		return fmt.Sprintf("%s (request_id=%s)", base, requestID)
	}
	return base
}

// HTTPStatusFor maps a taxonomy error to the status the gateway returns when
// headers have not been sent yet.
func HTTPStatusFor(err error) int {
	var (
		rateLimit *RateLimitError
		auth      *AuthenticationError
		invalid   *InvalidRequestError
		overload  *OverloadedError
		apiErr    *APIError
		timeout   *TimeoutError
	)
	switch {
	case errors.As(err, &auth):
		return http.StatusServiceUnavailable
	case errors.As(err, &rateLimit):
		return http.StatusTooManyRequests
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.As(err, &overload):
		return http.StatusServiceUnavailable
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &apiErr):
		if apiErr.StatusCode >= 400 {
			return apiErr.StatusCode
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
