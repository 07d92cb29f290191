package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrProductNotFound     = errors.New("product not found")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrDuplicateRequest    = errors.New("duplicate request")
	ErrTxDone              = errors.New("transaction already finished")
)

// ValidationError reports malformed input. It matches ErrValidation and, when
// set, the wrapped cause (for example ErrProductNotFound).
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Err}
}

type StockScope string

const (
	ScopeCentral StockScope = "central"
	ScopeBranch  StockScope = "branch"
)

type InsufficientStockError struct {
	Scope     StockScope
	SKU       string
	ProductID int64
	BranchID  int64
	Available int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	if e.Scope == ScopeCentral {
		return fmt.Sprintf("insufficient central stock for %s: available %d, requested %d",
			e.SKU, e.Available, e.Requested)
	}
	return fmt.Sprintf("insufficient stock for %s at branch %d: available %d, requested %d",
		e.SKU, e.BranchID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// ConflictError is returned when a stock key lock could not be acquired in time.
// The caller may retry; nothing was written.
type ConflictError struct {
	Key StockKey
	Err error
}

func (e *ConflictError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("concurrency conflict on %s", e.Key)
	}
	return fmt.Sprintf("concurrency conflict on %s: %v", e.Key, e.Err)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}
