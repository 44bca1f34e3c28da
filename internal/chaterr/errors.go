// Package chaterr defines the error taxonomy shared by the sync layer.
package chaterr

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Sentinel errors. Wrap them with fmt.Errorf("...: %w", ...) and test with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTransient        = errors.New("transient failure")
	ErrValidation       = errors.New("validation failed")
	ErrConflict         = errors.New("conflict")
)

// Transient marks err as retry-worthy while keeping it in the chain.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() []error { return []error{ErrTransient, e.err} }

// Validationf returns a validation error with a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf returns a not-found error naming the missing resource.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Deniedf returns a permission error.
func Deniedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermissionDenied, fmt.Sprintf(format, args...))
}

// Code maps an error to the gRPC status code the API layer reports.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, ErrNotFound):
		return codes.NotFound
	case errors.Is(err, ErrValidation):
		return codes.InvalidArgument
	case errors.Is(err, ErrPermissionDenied):
		return codes.PermissionDenied
	case errors.Is(err, ErrUnauthorized):
		return codes.Unauthenticated
	case errors.Is(err, ErrConflict):
		return codes.Aborted
	case errors.Is(err, ErrTransient):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	if s, ok := grpcstatus.FromError(err); ok {
		return s.Code()
	}
	return codes.Internal
}

// Status converts err into a gRPC status error.
func Status(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	return grpcstatus.Error(Code(err), err.Error())
}

// FromStatus converts a gRPC status error received by a client back into the taxonomy.
func FromStatus(err error) error {
	s, ok := grpcstatus.FromError(err)
	if !ok || s.Code() == codes.OK {
		return err
	}
	var sentinel error
	switch s.Code() {
	case codes.NotFound:
		sentinel = ErrNotFound
	case codes.InvalidArgument:
		sentinel = ErrValidation
	case codes.PermissionDenied:
		sentinel = ErrPermissionDenied
	case codes.Unauthenticated:
		sentinel = ErrUnauthorized
	case codes.Aborted, codes.AlreadyExists:
		sentinel = ErrConflict
	case codes.Unavailable, codes.DeadlineExceeded:
		return Transient(errors.New(s.Message()))
	default:
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, s.Message())
}
