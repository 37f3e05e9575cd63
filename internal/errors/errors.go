// Package errors defines Mailpilot's error taxonomy and classification
// helpers. Components wrap underlying failures with pkg/errors and tag them
// with one of these sentinel kinds so retry/backoff/dead-letter policy can
// branch on the kind rather than on string matching.
package errors

import (
	"github.com/pkg/errors"
)

// Kind is one of the nine error classes recognized by the pipeline.
type Kind string

const (
	KindTransientNetwork  Kind = "transient_network"
	KindRateLimited       Kind = "rate_limited"
	KindCertificateError  Kind = "certificate_error"
	KindAuthError         Kind = "auth_error"
	KindSchemaError       Kind = "schema_error"
	KindActionViolation   Kind = "action_violation"
	KindPipelineError     Kind = "pipeline_error"
	KindVirusDetected     Kind = "virus_detected"
	KindShutdownRequested Kind = "shutdown_requested"
)

// Classified wraps an underlying error with a Kind and a component tag so
// call sites can decide whether to retry, dead-letter, or drop.
type Classified struct {
	Kind      Kind
	Component string
	cause     error
}

func (c *Classified) Error() string {
	if c.cause == nil {
		return string(c.Kind)
	}
	return string(c.Kind) + ": " + c.cause.Error()
}

func (c *Classified) Unwrap() error {
	return c.cause
}

// New classifies cause under kind, attributing it to component for logging.
func New(kind Kind, component string, cause error) *Classified {
	return &Classified{Kind: kind, Component: component, cause: cause}
}

// Wrap classifies cause after adding a pkg/errors context message.
func Wrap(kind Kind, component, message string, cause error) *Classified {
	return New(kind, component, errors.Wrap(cause, message))
}

// Is reports whether err (or anything it wraps) is a Classified of kind.
func Is(err error, kind Kind) bool {
	var c *Classified
	for err != nil {
		if cl, ok := err.(*Classified); ok {
			c = cl
			break
		}
		err = errors.Unwrap(err)
	}
	return c != nil && c.Kind == kind
}

// KindOf returns the Kind of err if it is (or wraps) a Classified, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if cl, ok := err.(*Classified); ok {
			return cl.Kind, true
		}
		err = errors.Unwrap(err)
	}
	return "", false
}

// Retryable reports whether the error's kind warrants a retry rather than an
// immediate dead-letter. Transient network and rate-limit errors retry;
// auth, schema, action-violation, virus and shutdown do not.
func Retryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case KindTransientNetwork, KindRateLimited:
		return true
	default:
		return false
	}
}

// Sentinel errors for conditions that don't carry additional context.
var (
	ErrShutdownRequested = New(KindShutdownRequested, "engine", errors.New("shutdown requested"))
	ErrAccountPaused      = errors.New("account is paused")
	ErrAccountNotFound    = errors.New("account not found")
	ErrProviderNotFound   = errors.New("provider not found")
	ErrDeadLetterNotFound = errors.New("dead letter entry not found")
)
