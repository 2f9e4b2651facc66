package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pasarhub/marketplace/internal/domain/order"
	"github.com/pasarhub/marketplace/internal/domain/product"
)

const (
	// acquireStockSQL takes the exclusive row lock backing a stock hold.
	// Tombstoned products are invisible here: checkout must not sell
	// deleted products even while their row physically remains.
	acquireStockSQL = `SELECT id, name, price, stock FROM products
		WHERE id = $1 AND deleted_at IS NULL
		FOR UPDATE`

	// decrementStockSQL re-checks sufficiency at the database so stock can
	// never go negative even if a caller skips its own verification.
	decrementStockSQL = `UPDATE products
		SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2`

	currentStockSQL = `SELECT stock FROM products WHERE id = $1`

	createOrderSQL = `INSERT INTO orders (user_id, invoice_number, total_price, status)
		VALUES ($1, $2, $3, $4) RETURNING id, created_at`

	createOrderItemSQL = `INSERT INTO order_items (order_id, product_id, quantity, price_at_purchase)
		VALUES ($1, $2, $3, $4) RETURNING id`

	listOrdersByUserSQL = `SELECT id, user_id, invoice_number, total_price, status, created_at
		FROM orders WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`

	getOrderByIDSQL = `SELECT id, user_id, invoice_number, total_price, status, created_at
		FROM orders WHERE id = $1`

	listItemsByOrdersSQL = `SELECT id, order_id, product_id, quantity, price_at_purchase
		FROM order_items WHERE order_id = ANY($1)
		ORDER BY id`
)

// invoiceUniqueConstraint is the index backing invoice number uniqueness.
const invoiceUniqueConstraint = "orders_invoice_number_key"

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL. Stock
// holds are plain row locks (SELECT ... FOR UPDATE) scoped to the checkout
// transaction, bounded by lockTimeout so a contended hold surfaces as an
// error instead of hanging.
type OrderRepository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *OrderRepository {
	return &OrderRepository{pool: pool, lockTimeout: lockTimeout}
}

// Checkout runs fn inside one database transaction. fn returning an error
// rolls everything back: no stock decrement, order, or item survives.
func (r *OrderRepository) Checkout(ctx context.Context, fn func(tx order.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin checkout tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Bound every hold wait inside this transaction. SET LOCAL resets on
	// commit/rollback, so the setting never leaks to the pooled connection.
	if r.lockTimeout > 0 {
		setTimeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, setTimeout); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}

	if err := fn(&checkoutTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit checkout tx: %w", err)
	}
	return nil
}

// checkoutTx adapts a pgx transaction to order.Tx.
type checkoutTx struct {
	tx pgx.Tx
}

func (c *checkoutTx) AcquireStock(ctx context.Context, productID int64) (*order.StockSnapshot, error) {
	var snap order.StockSnapshot
	err := c.tx.QueryRow(ctx, acquireStockSQL, productID).
		Scan(&snap.ProductID, &snap.Name, &snap.Price, &snap.Stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("locking stock row for product %d: %w", productID, err)
	}
	return &snap, nil
}

func (c *checkoutTx) DecrementStock(ctx context.Context, productID int64, qty int) error {
	tag, err := c.tx.Exec(ctx, decrementStockSQL, productID, qty)
	if err != nil {
		return fmt.Errorf("decrementing stock for product %d: %w", productID, err)
	}
	if tag.RowsAffected() == 0 {
		// The caller holds the lock, so this only fires if its sufficiency
		// check was skipped or wrong. Report the authoritative shortfall.
		var available int
		if err := c.tx.QueryRow(ctx, currentStockSQL, productID).Scan(&available); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return product.ErrNotFound
			}
			return fmt.Errorf("reading stock for product %d: %w", productID, err)
		}
		return &order.InsufficientStockError{
			ProductID: productID,
			Available: available,
			Requested: qty,
		}
	}
	return nil
}

func (c *checkoutTx) CreateOrder(ctx context.Context, o *order.Order) error {
	err := c.tx.QueryRow(ctx, createOrderSQL,
		o.UserID, o.InvoiceNumber, o.TotalPrice, string(o.Status),
	).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, invoiceUniqueConstraint) {
			return order.ErrInvoiceTaken
		}
		return fmt.Errorf("creating order %q: %w", o.InvoiceNumber, err)
	}

	for i := range o.Items {
		it := &o.Items[i]
		it.OrderID = o.ID
		err := c.tx.QueryRow(ctx, createOrderItemSQL,
			o.ID, it.ProductID, it.Quantity, it.PriceAtPurchase,
		).Scan(&it.ID)
		if err != nil {
			return fmt.Errorf("creating order item for product %d: %w", it.ProductID, err)
		}
	}
	return nil
}

// ListByUserID returns the buyer's orders, newest first, with items.
func (r *OrderRepository) ListByUserID(ctx context.Context, userID int64) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listOrdersByUserSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("listing orders for user %d: %w", userID, err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("scanning orders: %w", err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	if err := r.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetByID returns one order with its items.
func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %d: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %d: %w", id, err)
	}

	orders := []order.Order{o}
	if err := r.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// attachItems loads the items for all given orders in one query.
func (r *OrderRepository) attachItems(ctx context.Context, orders []order.Order) error {
	ids := make([]int64, len(orders))
	byID := make(map[int64]*order.Order, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID
		byID[orders[i].ID] = &orders[i]
	}

	rows, err := r.pool.Query(ctx, listItemsByOrdersSQL, ids)
	if err != nil {
		return fmt.Errorf("listing order items: %w", err)
	}
	items, err := pgx.CollectRows(rows, scanOrderItem)
	if err != nil {
		return fmt.Errorf("scanning order items: %w", err)
	}

	for _, it := range items {
		if o, ok := byID[it.OrderID]; ok {
			o.Items = append(o.Items, it)
		}
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		status string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.InvoiceNumber, &o.TotalPrice, &status, &o.CreatedAt)
	o.Status = order.Status(status)
	return o, err
}

func scanOrderItem(row pgx.CollectableRow) (order.Item, error) {
	var it order.Item
	err := row.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.PriceAtPurchase)
	return it, err
}
