package order

import (
	"context"
	"sort"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/pasarhub/marketplace/internal/domain/product"
)

// invoiceAttempts bounds how many invoice numbers the engine tries before
// giving up with ErrConflict.
const invoiceAttempts = 3

// Service is the checkout engine. It validates the requested lines, runs
// the atomic checkout unit against the repository, and owns invoice number
// retries.
type Service struct {
	products product.Repository
	orders   Repository
	invoices InvoiceSource
}

// NewService creates a checkout Service with the required dependencies.
func NewService(products product.Repository, orders Repository, invoices InvoiceSource) *Service {
	return &Service{
		products: products,
		orders:   orders,
		invoices: invoices,
	}
}

// Checkout atomically verifies and decrements stock for every line,
// computes the total, and persists the order with its items. Either the
// whole unit commits or nothing does: on any failure no stock decrement,
// order, or item survives.
//
// Lines are sorted ascending by product id before any lock is taken so
// that concurrent checkouts over overlapping product sets always acquire
// holds in the same order and cannot deadlock. Duplicate product ids are
// rejected rather than merged to avoid silently double-counting.
func (s *Service) Checkout(ctx context.Context, buyerID int64, lines []Line) (*Order, error) {
	sorted, err := normalizeLines(lines)
	if err != nil {
		return nil, err
	}

	// Fail fast on unknown or unavailable products before taking any lock.
	// The authoritative check happens again under the hold; this pass only
	// keeps bad requests from touching contended rows.
	for _, ln := range sorted {
		if _, err := s.products.GetByID(ctx, ln.ProductID); err != nil {
			if errors.Is(err, product.ErrNotFound) {
				return nil, &ValidationError{ProductID: ln.ProductID, Reason: "unknown product"}
			}
			return nil, errors.Wrapf(err, "look up product %d", ln.ProductID)
		}
	}

	for attempt := 0; attempt < invoiceAttempts; attempt++ {
		o, err := s.tryCheckout(ctx, buyerID, sorted, s.invoices.Next(buyerID, attempt))
		if errors.Is(err, ErrInvoiceTaken) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return o, nil
	}

	return nil, ErrConflict
}

// tryCheckout runs one attempt of the atomic unit: acquire all holds in
// order, verify sufficiency, decrement, persist.
func (s *Service) tryCheckout(ctx context.Context, buyerID int64, lines []Line, invoiceNumber string) (*Order, error) {
	var placed *Order

	err := s.orders.Checkout(ctx, func(tx Tx) error {
		// Phase one: acquire every hold and verify sufficiency. No mutation
		// happens until all lines have passed.
		total := decimal.Zero
		items := make([]Item, 0, len(lines))
		for _, ln := range lines {
			snap, err := tx.AcquireStock(ctx, ln.ProductID)
			if err != nil {
				if errors.Is(err, product.ErrNotFound) {
					return &ValidationError{ProductID: ln.ProductID, Reason: "unknown product"}
				}
				return errors.Wrapf(err, "acquire stock hold for product %d", ln.ProductID)
			}
			if snap.Stock < ln.Quantity {
				return &InsufficientStockError{
					ProductID: ln.ProductID,
					Available: snap.Stock,
					Requested: ln.Quantity,
				}
			}

			subtotal := snap.Price.Mul(decimal.NewFromInt(int64(ln.Quantity)))
			total = total.Add(subtotal)
			items = append(items, Item{
				ProductID:       ln.ProductID,
				Quantity:        ln.Quantity,
				PriceAtPurchase: snap.Price,
			})
		}

		// Phase two: all holds held and verified, apply the decrements.
		for _, it := range items {
			if err := tx.DecrementStock(ctx, it.ProductID, it.Quantity); err != nil {
				return errors.Wrapf(err, "decrement stock for product %d", it.ProductID)
			}
		}

		o := &Order{
			UserID:        buyerID,
			InvoiceNumber: invoiceNumber,
			TotalPrice:    total.Round(2),
			Status:        StatusPending,
			Items:         items,
		}
		if err := tx.CreateOrder(ctx, o); err != nil {
			return err
		}

		placed = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	return placed, nil
}

// ListOrders returns the buyer's orders, newest first, with their items.
func (s *Service) ListOrders(ctx context.Context, buyerID int64) ([]Order, error) {
	orders, err := s.orders.ListByUserID(ctx, buyerID)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

// GetOrder returns one of the buyer's orders. Orders owned by other buyers
// read as not found.
func (s *Service) GetOrder(ctx context.Context, buyerID, orderID int64) (*Order, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != buyerID {
		return nil, ErrNotFound
	}
	return o, nil
}

// normalizeLines validates the raw lines and returns a copy sorted
// ascending by product id, the lock acquisition order.
func normalizeLines(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, &ValidationError{Reason: "items required"}
	}

	sorted := make([]Line, len(lines))
	copy(sorted, lines)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	for i, ln := range sorted {
		if ln.ProductID <= 0 {
			return nil, &ValidationError{Reason: "invalid product id"}
		}
		if ln.Quantity < 1 {
			return nil, &ValidationError{ProductID: ln.ProductID, Reason: "quantity must be at least 1"}
		}
		if i > 0 && sorted[i-1].ProductID == ln.ProductID {
			return nil, &ValidationError{ProductID: ln.ProductID, Reason: "duplicate product line"}
		}
	}

	return sorted, nil
}
