package reconcile

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	errMissingFetcher   = errors.New("fetcher is required")
	errMissingStore     = errors.New("store is required")
	errNotFound         = errors.New("entity not found")
	errMissingAnchor    = errors.New("system buffer not materialized")
	errMissingBuffer    = errors.New("line buffer not materialized")
	errMissingServerRef = errors.New("normal buffer has no system buffer")
	errNestedServer     = errors.New("system buffer reference points at a normal buffer")
	errPendingOverflow  = errors.New("pending queue is full")

	// ErrUnknownBuffer indicates a buffer id absent from the navigation list.
	ErrUnknownBuffer = errors.New("reconcile: unknown buffer")

	noOpLogger = zap.NewNop()
)

// Error is a coded reconciler error. Codes take the form operation.reason.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Code() string {
	return e.code
}

const (
	opNew     = "reconcile.new"
	opResolve = "reconcile.resolve"
	opBuffer  = "reconcile.apply_buffer"
	opLine    = "reconcile.apply_line"
	opPending = "reconcile.pending"
)

func newError(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func (r *Reconciler) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("reconcile error", attrs...)
}

func (r *Reconciler) logWarn(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Warn("reconcile deferred", attrs...)
}
