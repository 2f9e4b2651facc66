package order

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Sentinel errors used across the checkout engine and its stores.
var (
	// ErrInvoiceTaken signals a unique-index collision on the invoice
	// number inside the store. The engine retries with a fresh number and
	// never surfaces this error to callers.
	ErrInvoiceTaken = errors.New("invoice number already taken")

	// ErrConflict is returned when invoice generation keeps colliding after
	// the bounded number of retries.
	ErrConflict = errors.New("invoice number conflict")

	// ErrNotFound is returned when an order does not exist or belongs to a
	// different buyer.
	ErrNotFound = errors.New("order not found")
)

// ValidationError reports malformed or contradictory checkout input: empty
// line list, non-positive quantity, duplicate or unknown product. The
// caller's request is at fault; retrying unchanged will not help.
type ValidationError struct {
	// ProductID names the offending line, zero when the whole request is
	// malformed.
	ProductID int64
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.ProductID == 0 {
		return e.Reason
	}
	return fmt.Sprintf("%s (product %d)", e.Reason, e.ProductID)
}

// InsufficientStockError reports a legitimate business conflict: the
// product exists but cannot cover the requested quantity. Available is the
// authoritative stock under the exclusive hold, so the caller can adjust
// and retry.
type InsufficientStockError struct {
	ProductID int64
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: available %d, requested %d",
		e.ProductID, e.Available, e.Requested)
}
