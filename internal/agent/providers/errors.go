package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"

	"github.com/haasonsaas/nexus-core/internal/errs"
)

// ProviderError is a classified failure reported by a vendor API.
// Its Kind drives retry and failover decisions.
type ProviderError struct {
	// Kind classifies the error for retry and failover logic.
	Kind errs.Kind

	// Provider is the name of the provider (e.g., "anthropic", "openai").
	Provider string

	// Model is the model that was requested.
	Model string

	// Status is the HTTP status code, if applicable.
	Status int

	// Code is the provider-specific error code.
	Code string

	// Message is the human-readable error message.
	Message string

	// RequestID is the provider's request ID for debugging.
	RequestID string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))

	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}

	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}

	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// ErrorKind implements errs.Kinder.
func (e *ProviderError) ErrorKind() errs.Kind { return e.Kind }

// HTTPStatus implements errs.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.Status }

// NewProviderError creates a ProviderError classified from cause.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Kind:     errs.Unknown,
	}

	if cause != nil {
		err.Message = cause.Error()
		err.Kind = ClassifyError(cause)
		if status := errs.StatusOf(cause); status != 0 {
			err.Status = status
		}
	}

	return err
}

// WithStatus adds the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if kind := ClassifyStatus(status); kind != errs.Unknown {
		e.Kind = kind
	}
	return e
}

// WithCode adds a provider-specific error code and reclassifies from it when
// the code is known.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if kind := classifyErrorCode(code); kind != errs.Unknown {
		e.Kind = kind
	}
	return e
}

// WithRequestID adds the provider's request ID.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithMessage sets the error message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// ClassifyStatus maps an HTTP status code to an error kind.
func ClassifyStatus(status int) errs.Kind {
	switch {
	case status == 0:
		return errs.Unknown
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.ProviderAuth
	case status == http.StatusPaymentRequired:
		return errs.ProviderQuotaExceeded
	case status == http.StatusTooManyRequests:
		return errs.RateLimited
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity ||
		status == http.StatusRequestEntityTooLarge:
		return errs.InvalidArgument
	case status == http.StatusNotFound:
		return errs.ModelNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return errs.Timeout
	case status == http.StatusServiceUnavailable || status == 529:
		return errs.ProviderUnavailable
	default:
		return errs.HTTPError
	}
}

// classifyErrorCode maps vendor error codes to kinds.
func classifyErrorCode(code string) errs.Kind {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded", "throttlingexception", "toomanyrequestsexception", "resource_exhausted":
		return errs.RateLimited
	case "authentication_error", "permission_error", "invalid_api_key", "unauthenticated", "permission_denied",
		"accessdeniedexception", "unrecognizedclientexception":
		return errs.ProviderAuth
	case "billing_error", "insufficient_quota", "servicequotaexceededexception":
		return errs.ProviderQuotaExceeded
	case "model_not_found", "model_not_available", "resourcenotfoundexception":
		return errs.ModelNotFound
	case "overloaded_error", "serviceunavailableexception", "modelnotreadyexception", "unavailable":
		return errs.ProviderUnavailable
	case "invalid_request_error", "context_length_exceeded", "validationexception", "invalid_argument":
		return errs.InvalidArgument
	case "modeltimeoutexception", "deadline_exceeded":
		return errs.Timeout
	default:
		return errs.Unknown
	}
}

// ClassifyError inspects a raw error and returns its kind. Classified errors
// keep their kind; transport errors are recognised by type before falling
// back to message patterns.
func ClassifyError(err error) errs.Kind {
	if err == nil {
		return errs.Unknown
	}
	if kind := errs.KindOf(err); kind != errs.Unknown {
		return kind
	}
	if errors.Is(err, context.Canceled) {
		return errs.Cancelled
	}

	// context.DeadlineExceeded also satisfies net.Error.
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.ConnectionTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return errs.ConnectionFailed
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return errs.ConnectionFailed
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return errs.ConnectionFailed
		}
		return errs.Network
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return errs.Network
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "etimedout"):
		return errs.Timeout
	case strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests"):
		return errs.RateLimited
	case strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "authentication"):
		return errs.ProviderAuth
	case strings.Contains(errStr, "insufficient_quota") ||
		strings.Contains(errStr, "quota exceeded") ||
		strings.Contains(errStr, "billing"):
		return errs.ProviderQuotaExceeded
	case strings.Contains(errStr, "model not found") ||
		strings.Contains(errStr, "model_not_found"):
		return errs.ModelNotFound
	case strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host"):
		return errs.ConnectionFailed
	case strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "service unavailable"):
		return errs.ProviderUnavailable
	case strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway"):
		return errs.HTTPError
	}
	return errs.Unknown
}

// IsProviderError checks if an error is a ProviderError.
func IsProviderError(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr)
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// statusError builds a ProviderError from a non-2xx HTTP response body.
func statusError(provider, model string, status int, body string) *ProviderError {
	msg := strings.TrimSpace(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	return NewProviderError(provider, model, fmt.Errorf("%s status %d: %s", provider, status, msg)).WithStatus(status)
}
