package service

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of allocation failure kinds
type ErrorKind string

const (
	KindInvalidInput      ErrorKind = "INVALID_INPUT"
	KindInvalidQuantity   ErrorKind = "INVALID_QUANTITY"
	KindInvalidProductID  ErrorKind = "INVALID_PRODUCT_ID"
	KindProductNotFound   ErrorKind = "PRODUCT_NOT_FOUND"
	KindInsufficientStock ErrorKind = "INSUFFICIENT_STOCK"
	KindOrderNotFound     ErrorKind = "ORDER_NOT_FOUND"
	KindLockTimeout       ErrorKind = "LOCK_TIMEOUT"
	KindRequestInProgress ErrorKind = "REQUEST_IN_PROGRESS"
	KindCancelled         ErrorKind = "REQUEST_CANCELLED"
	KindInternal          ErrorKind = "INTERNAL_ERROR"
)

// Retryable reports whether the caller may succeed by resubmitting the same request later
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindInsufficientStock, KindLockTimeout, KindRequestInProgress, KindCancelled:
		return true
	}
	return false
}

// AllocationError is returned by every Allocator and OrderService operation
type AllocationError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *AllocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}

// Is matches any AllocationError of the same kind, so the sentinels below work with errors.Is
func (e *AllocationError) Is(target error) bool {
	t, ok := target.(*AllocationError)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is checks
var (
	ErrInvalidInput      = &AllocationError{Kind: KindInvalidInput}
	ErrInvalidQuantity   = &AllocationError{Kind: KindInvalidQuantity}
	ErrInvalidProductID  = &AllocationError{Kind: KindInvalidProductID}
	ErrProductNotFound   = &AllocationError{Kind: KindProductNotFound}
	ErrInsufficientStock = &AllocationError{Kind: KindInsufficientStock}
	ErrOrderNotFound     = &AllocationError{Kind: KindOrderNotFound}
	ErrLockTimeout       = &AllocationError{Kind: KindLockTimeout}
	ErrRequestInProgress = &AllocationError{Kind: KindRequestInProgress}
	ErrCancelled         = &AllocationError{Kind: KindCancelled}
	ErrInternal          = &AllocationError{Kind: KindInternal}
)

// KindOf returns the kind carried by err, or KindInternal for any other error
func KindOf(err error) ErrorKind {
	var ae *AllocationError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

func newError(kind ErrorKind, format string, args ...interface{}) *AllocationError {
	return &AllocationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func internalError(message string, err error) *AllocationError {
	return &AllocationError{Kind: KindInternal, Message: message, Err: err}
}
