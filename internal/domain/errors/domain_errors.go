package errors

import (
	"errors"
	"fmt"
)

var (
	// Store errors
	ErrInvalidReceipt = errors.New("receipt is invalid")
	ErrStoreIO        = errors.New("receipt store I/O failure")

	// Platform errors
	ErrPlatformUnavailable = errors.New("billing platform unavailable")
	ErrPlatformTimeout     = errors.New("billing platform timed out")
	ErrAlreadyOwned        = errors.New("item already owned")
	ErrAcknowledgeFailed   = errors.New("purchase acknowledgment failed")

	// Flow errors
	ErrUnknownProduct = errors.New("unknown product")
)

// StoreIOError wraps an underlying I/O error with the operation context. The
// in-memory cache stays authoritative when this is returned.
type StoreIOError struct {
	Op  string
	Err error
}

func (e *StoreIOError) Error() string {
	return fmt.Sprintf("receipt store %s failed: %v", e.Op, e.Err)
}

func (e *StoreIOError) Unwrap() error {
	return ErrStoreIO
}

// InvalidReceiptError wraps a rejection at the store boundary with the reason
type InvalidReceiptError struct {
	Reason string
}

func (e *InvalidReceiptError) Error() string {
	return fmt.Sprintf("invalid receipt: %s", e.Reason)
}

func (e *InvalidReceiptError) Unwrap() error {
	return ErrInvalidReceipt
}
