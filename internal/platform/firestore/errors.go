package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorKind int

const (
	kindOther errorKind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

// classify folds gRPC status codes into the three classes the repository
// layer reacts to. Aborted and FailedPrecondition count as conflicts because
// they are what contested transactions and failed create preconditions
// surface as.
func classify(code codes.Code) errorKind {
	switch code {
	case codes.NotFound:
		return kindNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted, codes.OutOfRange:
		return kindConflict
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return kindUnavailable
	default:
		return kindOther
	}
}

// Error carries repository semantics for Firestore failures. It satisfies
// the repositories.RepositoryError classification interface.
type Error struct {
	op   string
	kind errorKind
	err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsNotFound reports whether the error represents a missing document.
func (e *Error) IsNotFound() bool { return e != nil && e.kind == kindNotFound }

// IsConflict reports whether the error represents a contested write.
func (e *Error) IsConflict() bool { return e != nil && e.kind == kindConflict }

// IsUnavailable reports whether the error represents a transient outage.
func (e *Error) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

// WrapError annotates a Firestore error with repository semantics.
// Cancellation is passed through untouched so context handling upstream
// keeps working; an already-wrapped error only gains the op label.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}

	var wrapped *Error
	if errors.As(err, &wrapped) {
		if op != "" && wrapped.op == "" {
			wrapped.op = op
		}
		return wrapped
	}
	return &Error{op: op, kind: classify(status.Code(err)), err: err}
}
