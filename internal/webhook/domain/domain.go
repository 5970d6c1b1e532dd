package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	webhookeventdomain "github.com/grantlinehq/grantline/internal/webhookevent/domain"
)

var (
	ErrUnknownProvider  = errors.New("unknown_webhook_provider")
	ErrMissingHeaders   = errors.New("missing_webhook_headers")
	ErrInvalidSignature = errors.New("invalid_webhook_signature")
	ErrInvalidPayload   = errors.New("invalid_webhook_payload")
	ErrInvalidEvent     = errors.New("invalid_webhook_event")
)

// Error is a processing failure carrying an explicit retry hint, so the
// transport layer can pick a status code without re-deriving intent from
// error text.
type Error struct {
	Code      string
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func NewError(code, message string, retryable bool, cause error) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable, Cause: cause}
}

// Retryable reports whether the caller should ask the provider to retry
// (non-2xx response). Unclassified errors default to retryable so transient
// infrastructure failures are not swallowed.
func Retryable(err error) bool {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Retryable
	}
	return true
}

// Request is one inbound webhook delivery before any processing.
type Request struct {
	Provider   webhookeventdomain.Provider
	Body       []byte
	Headers    http.Header
	PathParams map[string]string
}

func (r Request) PathParam(key string) string {
	if r.PathParams == nil {
		return ""
	}
	return r.PathParams[key]
}

// EventInfo identifies a delivery for the idempotency store before any
// business effect runs.
type EventInfo struct {
	EventID           string
	EventType         string
	ProviderAccountID string
}

// Result is what a reconciler hands back to the transport layer.
type Result struct {
	Message   string
	Duplicate bool
	Response  any
}

// Verifier authenticates the raw delivery. It must not touch the event
// store: a delivery that fails verification was never "seen".
type Verifier interface {
	Verify(ctx context.Context, req Request) error
}

// Reconciler applies the business effect of one verified, deduplicated
// event.
type Reconciler interface {
	Verifier
	Provider() webhookeventdomain.Provider
	Identify(ctx context.Context, req Request) (EventInfo, error)
	Reconcile(ctx context.Context, req Request) (Result, error)
}

// Registry resolves reconcilers by provider. Providers register at
// construction; lookups never mutate.
type Registry struct {
	reconcilers map[webhookeventdomain.Provider]Reconciler
}

func NewRegistry(reconcilers ...Reconciler) *Registry {
	byProvider := make(map[webhookeventdomain.Provider]Reconciler, len(reconcilers))
	for _, r := range reconcilers {
		byProvider[r.Provider()] = r
	}
	return &Registry{reconcilers: byProvider}
}

func (r *Registry) Lookup(provider webhookeventdomain.Provider) (Reconciler, bool) {
	rec, ok := r.reconcilers[provider]
	return rec, ok
}

type Service interface {
	Ingest(ctx context.Context, req Request) (Result, error)
}
