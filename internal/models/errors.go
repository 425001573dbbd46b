package models

import (
	"errors"
	"fmt"
)

var (
	ErrInventoryExhausted     = errors.New("inventory exhausted")
	ErrReservationExpired     = errors.New("reservation expired")
	ErrTransactionFailed      = errors.New("transaction failed")
	ErrReservationNotFound    = errors.New("reservation not found")
	ErrCategoryNotFound       = errors.New("category not found")
	ErrInvalidReservation     = errors.New("invalid reservation request")
	ErrReservationNotOwned    = errors.New("reservation belongs to another user")
	ErrCategoryEventMismatch  = errors.New("category does not belong to event")
	ErrReservedUnderflow      = errors.New("reserved count lower than commit quantity")
	ErrCapacityBelowCommitted = errors.New("capacity lower than sold plus reserved")
	ErrSessionNotFound        = errors.New("checkout session not found")
)

// InventoryExhaustedError names the category whose conditional reserve failed.
type InventoryExhaustedError struct {
	CategoryID string
	Requested  int
	Available  int
	Reason     string
}

func (e *InventoryExhaustedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("inventory exhausted for category %s: %s", e.CategoryID, e.Reason)
	}
	return fmt.Sprintf("inventory exhausted for category %s: requested %d, available %d",
		e.CategoryID, e.Requested, e.Available)
}

func (e *InventoryExhaustedError) Is(target error) bool {
	return target == ErrInventoryExhausted
}

// TransactionFailedError is returned once transient conflicts have used up
// the retry budget.
type TransactionFailedError struct {
	Attempts int
	Err      error
}

func (e *TransactionFailedError) Error() string {
	return fmt.Sprintf("transaction failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransactionFailedError) Unwrap() error {
	return e.Err
}

func (e *TransactionFailedError) Is(target error) bool {
	return target == ErrTransactionFailed
}
