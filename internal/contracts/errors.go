// Package contracts holds the small shared vocabulary between broker
// components: the error kinds every mediator distinguishes and their stable
// mapping onto HTTP status codes and audit categories.
package contracts

import "net/http"

// Kind classifies a broker decision or failure. The set is closed; every
// deny/error path in the proxies and guardrails maps onto exactly one Kind.
type Kind string

const (
	KindUnauthorized     Kind = "unauthorized"
	KindForbiddenHost    Kind = "forbidden_host"
	KindForbiddenPath    Kind = "forbidden_path"
	KindRateLimited      Kind = "rate_limited"
	KindTooLarge         Kind = "too_large"
	KindBadRequest       Kind = "bad_request"
	KindUpstreamError    Kind = "upstream_error"
	KindUpstreamTimeout  Kind = "upstream_timeout"
	KindVaultUnavailable Kind = "vault_unavailable"
	KindInternal         Kind = "internal"
)

// HTTPStatus returns the wire status for a kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbiddenHost, KindForbiddenPath:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUpstreamError:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindVaultUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// AuditCategory returns the stable log category for a kind.
func (k Kind) AuditCategory() string {
	switch k {
	case KindUnauthorized:
		return "auth.denied"
	case KindForbiddenHost:
		return "net.blocked"
	case KindForbiddenPath:
		return "policy.denied"
	case KindRateLimited:
		return "rate.limited"
	case KindTooLarge:
		return "io.limit"
	case KindBadRequest:
		return "input.invalid"
	case KindUpstreamError:
		return "upstream.fail"
	case KindUpstreamTimeout:
		return "upstream.timeout"
	case KindVaultUnavailable:
		return "vault.fail"
	default:
		return "broker.bug"
	}
}

// Error pairs a kind with a caller-safe message. The message must never
// contain credential material or undocumented file paths; callers construct
// it from fixed strings plus host names at most.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// NewError builds a typed broker error.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}
