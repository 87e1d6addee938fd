package vuln

import (
	"context"
	"errors"
	"fmt"

	"github.com/horus-sec/horus-scanner/pkg/dependency"
)

// Lookup resolves a dependency to the vulnerabilities known for it.
//
// A dependency with no known vulnerabilities yields an empty result and a nil
// error. Failures are reported as *LookupError so that callers can tell a
// retryable condition from a permanent one. Implementations must be safe for
// concurrent use.
type Lookup interface {
	Lookup(ctx context.Context, dep dependency.Package) ([]Vulnerability, error)
}

// LookupFunc adapts an ordinary function to the Lookup interface.
type LookupFunc func(ctx context.Context, dep dependency.Package) ([]Vulnerability, error)

func (f LookupFunc) Lookup(ctx context.Context, dep dependency.Package) ([]Vulnerability, error) {
	return f(ctx, dep)
}

type ErrorKind int

const (
	Transient ErrorKind = iota + 1
	Fatal
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type LookupError struct {
	Kind ErrorKind
	Err  error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%s lookup error: %v", e.Kind, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

func NewTransientError(err error) error {
	return &LookupError{Kind: Transient, Err: err}
}

func NewFatalError(err error) error {
	return &LookupError{Kind: Fatal, Err: err}
}

// IsFatal reports whether err carries a fatal *LookupError.
func IsFatal(err error) bool {
	var lookupErr *LookupError
	return errors.As(err, &lookupErr) && lookupErr.Kind == Fatal
}

// IsTransient reports whether err carries a transient *LookupError.
func IsTransient(err error) bool {
	var lookupErr *LookupError
	return errors.As(err, &lookupErr) && lookupErr.Kind == Transient
}
