package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pasarhub/marketplace/internal/domain/product"
)

// The availability predicate (not tombstoned, stock on hand) is applied
// explicitly in every catalog read; it is not an ORM-level hidden filter.
const (
	listProductsSQL = `SELECT id, shop_id, name, slug, price, stock, deleted_at, created_at
		FROM products
		WHERE deleted_at IS NULL AND stock > 0
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`

	countProductsSQL = `SELECT count(*) FROM products WHERE deleted_at IS NULL AND stock > 0`

	getProductByIDSQL = `SELECT id, shop_id, name, slug, price, stock, deleted_at, created_at
		FROM products
		WHERE id = $1 AND deleted_at IS NULL AND stock > 0`

	createProductSQL = `INSERT INTO products (shop_id, name, slug, price, stock)
		VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`

	tombstoneProductSQL = `UPDATE products SET deleted_at = now(), updated_at = now()
		WHERE id = $1 AND shop_id = $2 AND deleted_at IS NULL`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// List returns one page of available products, newest first.
func (r *ProductRepository) List(ctx context.Context, page, perPage int) (*product.Page, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}

	var total int
	if err := r.pool.QueryRow(ctx, countProductsSQL).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting products: %w", err)
	}

	rows, err := r.pool.Query(ctx, listProductsSQL, perPage, (page-1)*perPage)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return nil, fmt.Errorf("scanning products: %w", err)
	}

	return &product.Page{
		Products: products,
		Page:     page,
		PerPage:  perPage,
		Total:    total,
	}, nil
}

// GetByID returns a single available product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id int64) (*product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %d: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %d: %w", id, err)
	}
	return &p, nil
}

// Create persists a new product, filling in the generated ID and creation
// time.
func (r *ProductRepository) Create(ctx context.Context, p *product.Product) error {
	err := r.pool.QueryRow(ctx, createProductSQL,
		p.ShopID, p.Name, p.Slug, p.Price, p.Stock,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating product %q: %w", p.Name, err)
	}
	return nil
}

// Tombstone soft-deletes a product owned by the given shop. The row stays
// so order items keep resolving; catalog reads stop surfacing it.
func (r *ProductRepository) Tombstone(ctx context.Context, id, shopID int64) error {
	tag, err := r.pool.Exec(ctx, tombstoneProductSQL, id, shopID)
	if err != nil {
		return fmt.Errorf("tombstoning product %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return product.ErrNotFound
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var (
		p     product.Product
		price decimal.Decimal
	)
	err := row.Scan(
		&p.ID, &p.ShopID, &p.Name, &p.Slug, &price, &p.Stock, &p.DeletedAt, &p.CreatedAt,
	)
	p.Price = price
	return p, err
}
