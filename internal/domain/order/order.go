// Package order implements the checkout engine and the order model.
package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the order lifecycle state. Checkout only ever produces
// StatusPending; the remaining transitions belong to downstream services.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusShipped   Status = "shipped"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Order is an immutable purchase snapshot created by a successful checkout.
type Order struct {
	ID            int64
	UserID        int64
	InvoiceNumber string
	TotalPrice    decimal.Decimal
	Status        Status
	CreatedAt     time.Time
	Items         []Item
}

// Item is one order line. PriceAtPurchase freezes the product price at
// checkout time so later catalog price changes never rewrite history.
type Item struct {
	ID              int64
	OrderID         int64
	ProductID       int64
	Quantity        int
	PriceAtPurchase decimal.Decimal
}

// Line is one requested (product, quantity) pair in a checkout.
type Line struct {
	ProductID int64
	Quantity  int
}

// StockSnapshot is the authoritative product state returned by an exclusive
// stock hold.
type StockSnapshot struct {
	ProductID int64
	Name      string
	Price     decimal.Decimal
	Stock     int
}

// Tx is the transaction-scoped view of the stock ledger and order store.
// All calls made through one Tx commit or roll back as a single unit.
type Tx interface {
	// AcquireStock blocks until an exclusive hold on the product's stock row
	// is obtained, then returns the current snapshot. Tombstoned and unknown
	// products return product.ErrNotFound. The underlying store bounds the
	// wait so a contended hold fails instead of hanging.
	AcquireStock(ctx context.Context, productID int64) (*StockSnapshot, error)

	// DecrementStock reduces stock by qty. The caller must already hold the
	// exclusive hold and have verified sufficiency; the store re-checks and
	// reports an InsufficientStockError rather than let stock go negative.
	DecrementStock(ctx context.Context, productID int64, qty int) error

	// CreateOrder persists the order and all of its items, filling in the
	// generated IDs and CreatedAt. An invoice number collision is reported
	// as ErrInvoiceTaken so the engine can retry with a fresh number.
	CreateOrder(ctx context.Context, o *Order) error
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Checkout runs fn inside a single database transaction. Any error from
	// fn rolls the whole unit back.
	Checkout(ctx context.Context, fn func(tx Tx) error) error

	ListByUserID(ctx context.Context, userID int64) ([]Order, error)
	GetByID(ctx context.Context, id int64) (*Order, error)
}

// InvoiceSource issues candidate invoice numbers. Attempt zero is the
// canonical number for this buyer; later attempts add salt after a
// collision.
type InvoiceSource interface {
	Next(buyerID int64, attempt int) string
}
