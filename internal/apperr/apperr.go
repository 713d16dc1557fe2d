// Package apperr classifies failures of the season-sync pipeline.
//
// Every error that crosses a component boundary carries a Kind. Callers
// branch on the kind (KindOf, Is) instead of matching concrete types.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	// KindTransientNetwork: timeouts, connection resets, 5xx, 429.
	KindTransientNetwork
	// KindAuth: credential exchange failed or the upstream rejected the token.
	KindAuth
	// KindUpstreamData: the upstream answered with a malformed or unexpected payload.
	KindUpstreamData
	// KindStorage: a persistence read or write failed.
	KindStorage
	// KindDelivery: the announcement could not be delivered.
	KindDelivery
)

func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindAuth:
		return "auth"
	case KindUpstreamData:
		return "upstream_data"
	case KindStorage:
		return "storage"
	case KindDelivery:
		return "delivery"
	default:
		return "unknown"
	}
}

// Error is a classified error. Op names the failing operation
// ("credential.exchange", "ledger.commit", ...).
type Error struct {
	Kind Kind
	Op   string
	Err  error

	// RetryAfter is an upstream hint (HTTP 429/503); zero when absent.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, apperr.Storage)
// works against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	TransientNetwork = &Error{Kind: KindTransientNetwork}
	Auth             = &Error{Kind: KindAuth}
	UpstreamData     = &Error{Kind: KindUpstreamData}
	Storage          = &Error{Kind: KindStorage}
	Delivery         = &Error{Kind: KindDelivery}
)

// E wraps err with kind and op. A nil err yields nil. An err that is already
// classified keeps its kind.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithRetryAfter attaches an upstream retry hint.
func WithRetryAfter(err error, after time.Duration) error {
	var ae *Error
	if !errors.As(err, &ae) {
		return err
	}
	cp := *ae
	cp.RetryAfter = after
	return &cp
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.RetryAfter
	}
	return 0
}

// Retryable reports whether retrying the same call may succeed. Every kind
// except upstream data is retryable; unclassified errors are not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientNetwork, KindAuth, KindStorage, KindDelivery:
		return true
	default:
		return false
	}
}
