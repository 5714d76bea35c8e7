package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/weiawesome/thumbing/internal/policy"
	"github.com/weiawesome/thumbing/pkg/storage"
)

var (
	// ErrUnsupportedInput classifies inputs that cannot be turned into a
	// thumbnail: empty, corrupt or not an image.
	ErrUnsupportedInput = errors.New("unsupported input")
	// ErrTransientStore classifies store failures that may succeed on
	// redelivery.
	ErrTransientStore = errors.New("transient store error")
)

// UnsupportedInputError carries the reason an input was rejected.
type UnsupportedInputError struct {
	Key    string
	Reason string
	Err    error
}

func (e *UnsupportedInputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unsupported input %s: %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("unsupported input %s: %s", e.Key, e.Reason)
}

func (e *UnsupportedInputError) Unwrap() error { return e.Err }

func (e *UnsupportedInputError) Is(target error) bool { return target == ErrUnsupportedInput }

func transient(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrTransientStore, op, key, err)
}

// Error classes reported to metrics and the dead-letter sink.
const (
	ClassUnsupportedInput = "unsupported_input"
	ClassNotFound         = "not_found"
	ClassAccessDenied     = "access_denied"
	ClassTransientStore   = "transient_store"
	ClassCanceled         = "canceled"
	ClassUnknown          = "unknown"
)

// Classify maps an invocation error to its class.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnsupportedInput):
		return ClassUnsupportedInput
	case errors.Is(err, policy.ErrAccessDenied):
		return ClassAccessDenied
	case errors.Is(err, storage.ErrNotFound):
		return ClassNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCanceled
	case errors.Is(err, ErrTransientStore):
		return ClassTransientStore
	default:
		return ClassUnknown
	}
}
