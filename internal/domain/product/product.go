// Package product holds the catalog item model and the availability rule.
package product

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist or is not
// available for purchase.
var ErrNotFound = errors.New("product not found")

// Product is a catalog item listed by a shop. Price is NUMERIC(12,2);
// Stock never goes below zero. Deleted products are tombstoned via
// DeletedAt, not removed, so order history keeps resolving.
type Product struct {
	ID        int64
	ShopID    int64
	Name      string
	Slug      string
	Price     decimal.Decimal
	Stock     int
	DeletedAt *time.Time
	CreatedAt time.Time
}

// Available reports whether the product may appear in the catalog and be
// ordered: not tombstoned and stock on hand. The original system hid this
// rule in an ORM global scope; here every read path applies it explicitly.
func (p *Product) Available() bool {
	return p.DeletedAt == nil && p.Stock > 0
}

// Page is one page of the catalog listing.
type Page struct {
	Products []Product
	Page     int
	PerPage  int
	Total    int
}

// Repository defines catalog operations. List and GetByID only surface
// available products; checkout reads go through the stock ledger instead.
// Tombstone is scoped to the owning shop so sellers can only delist their
// own products.
type Repository interface {
	List(ctx context.Context, page, perPage int) (*Page, error)
	GetByID(ctx context.Context, id int64) (*Product, error)
	Create(ctx context.Context, p *Product) error
	Tombstone(ctx context.Context, id, shopID int64) error
}
