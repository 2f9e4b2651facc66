package order

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pasarhub/marketplace/internal/domain/product"
)

// --- Mock implementations ---

type stockRow struct {
	name    string
	price   decimal.Decimal
	stock   int
	deleted bool
}

// memRepo is an in-memory Repository with transactional semantics: a
// checkout's decrements and order are staged in a memTx and applied only
// when the closure returns nil, mirroring commit/rollback.
type memRepo struct {
	mu        sync.Mutex
	stock     map[int64]stockRow
	invoices  map[string]struct{}
	orders    []Order
	nextID    int64
	createErr error

	acquired []int64 // product ids in hold-acquisition order, across all txs
}

func newMemRepo() *memRepo {
	return &memRepo{
		stock:    make(map[int64]stockRow),
		invoices: make(map[string]struct{}),
	}
}

func (r *memRepo) addProduct(id int64, name, price string, stock int) {
	r.stock[id] = stockRow{name: name, price: decimal.RequireFromString(price), stock: stock}
}

func (r *memRepo) Checkout(_ context.Context, fn func(tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memTx{r: r, pending: make(map[int64]int)}
	if err := fn(tx); err != nil {
		return err
	}

	for id, qty := range tx.pending {
		row := r.stock[id]
		row.stock -= qty
		r.stock[id] = row
	}
	if tx.order != nil {
		r.invoices[tx.order.InvoiceNumber] = struct{}{}
		r.orders = append(r.orders, *tx.order)
	}
	return nil
}

func (r *memRepo) ListByUserID(_ context.Context, userID int64) ([]Order, error) {
	var out []Order
	for i := len(r.orders) - 1; i >= 0; i-- {
		if r.orders[i].UserID == userID {
			out = append(out, r.orders[i])
		}
	}
	return out, nil
}

func (r *memRepo) GetByID(_ context.Context, id int64) (*Order, error) {
	for i := range r.orders {
		if r.orders[i].ID == id {
			o := r.orders[i]
			return &o, nil
		}
	}
	return nil, ErrNotFound
}

type memTx struct {
	r       *memRepo
	pending map[int64]int
	order   *Order
}

func (t *memTx) AcquireStock(_ context.Context, productID int64) (*StockSnapshot, error) {
	row, ok := t.r.stock[productID]
	if !ok || row.deleted {
		return nil, product.ErrNotFound
	}
	t.r.acquired = append(t.r.acquired, productID)
	return &StockSnapshot{
		ProductID: productID,
		Name:      row.name,
		Price:     row.price,
		Stock:     row.stock - t.pending[productID],
	}, nil
}

func (t *memTx) DecrementStock(_ context.Context, productID int64, qty int) error {
	row, ok := t.r.stock[productID]
	if !ok {
		return product.ErrNotFound
	}
	if row.stock-t.pending[productID] < qty {
		return &InsufficientStockError{
			ProductID: productID,
			Available: row.stock - t.pending[productID],
			Requested: qty,
		}
	}
	t.pending[productID] += qty
	return nil
}

func (t *memTx) CreateOrder(_ context.Context, o *Order) error {
	if t.r.createErr != nil {
		return t.r.createErr
	}
	if _, taken := t.r.invoices[o.InvoiceNumber]; taken {
		return ErrInvoiceTaken
	}
	t.r.nextID++
	o.ID = t.r.nextID
	for i := range o.Items {
		o.Items[i].OrderID = o.ID
	}
	t.order = o
	return nil
}

// memCatalog serves the pre-lock existence check from the same stock table.
type memCatalog struct {
	r *memRepo
}

func (c *memCatalog) List(_ context.Context, _, _ int) (*product.Page, error) { return nil, nil }

func (c *memCatalog) GetByID(_ context.Context, id int64) (*product.Product, error) {
	row, ok := c.r.stock[id]
	if !ok || row.deleted || row.stock <= 0 {
		return nil, product.ErrNotFound
	}
	return &product.Product{ID: id, Name: row.name, Price: row.price, Stock: row.stock}, nil
}

func (c *memCatalog) Create(_ context.Context, _ *product.Product) error { return nil }
func (c *memCatalog) Tombstone(_ context.Context, _, _ int64) error      { return nil }

// seqInvoices issues deterministic invoice numbers per buyer and attempt.
type seqInvoices struct{}

func (seqInvoices) Next(buyerID int64, attempt int) string {
	return fmt.Sprintf("INV-TEST-%d-%d", buyerID, attempt)
}

// fixedInvoices always issues the same number, forcing collisions.
type fixedInvoices struct{ number string }

func (f fixedInvoices) Next(int64, int) string { return f.number }

func newTestService(repo *memRepo) *Service {
	return NewService(&memCatalog{r: repo}, repo, seqInvoices{})
}

// --- Tests ---

func TestCheckout_EmptyLines(t *testing.T) {
	svc := newTestService(newMemRepo())

	_, err := svc.Checkout(context.Background(), 1, nil)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "items required", vErr.Reason)
}

func TestCheckout_InvalidQuantity(t *testing.T) {
	repo := newMemRepo()
	repo.addProduct(1, "Widget", "10.00", 5)
	svc := newTestService(repo)

	_, err := svc.Checkout(context.Background(), 1, []Line{{ProductID: 1, Quantity: 0}})

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, int64(1), vErr.ProductID)
}

func TestCheckout_DuplicateLine(t *testing.T) {
	repo := newMemRepo()
	repo.addProduct(1, "Widget", "10.00", 5)
	svc := newTestService(repo)

	_, err := svc.Checkout(context.Background(), 1, []Line{
		{ProductID: 1, Quantity: 1},
		{ProductID: 1, Quantity: 2},
	})

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "duplicate product line", vErr.Reason)
	assert.Empty(t, repo.orders)
}

func TestCheckout_UnknownProduct(t *testing.T) {
	repo := newMemRepo()
	repo.addProduct(1, "Widget", "10.00", 5)
	svc := newTestService(repo)

	_, err := svc.Checkout(context.Background(), 1, []Line{
		{ProductID: 1, Quantity: 1},
		{ProductID: 99, Quantity: 1},
	})

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, int64(99), vErr.ProductID)

	// Zero side effects: the stock of the valid product is untouched and no
	// order exists.
	assert.Equal(t, 5, repo.stock[1].stock)
	assert.Empty(t, repo.orders)
	assert.Empty(t, repo.acquired, "failed validation must not take locks")
}

func TestCheckout_TotalAndSnapshots(t *testing.T) {
	repo := newMemRepo()
	repo.addProduct(1, "Widget", "100.00", 10)
	repo.addProduct(2, "Gadget", "250.00", 4)
	svc := newTestService(repo)

	o, err := svc.Checkout(context.Background(), 7, []Line{
		{ProductID: 1, Quantity: 2},
		{ProductID: 2, Quantity: 1},
	})

	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("450.00").Equal(o.TotalPrice), "total: %s", o.TotalPrice)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, int64(7), o.UserID)
	assert.NotEmpty(t, o.InvoiceNumber)

	require.Len(t, o.Items, 2)
	assert.True(t, decimal.RequireFromString("100.00").Equal(o.Items[0].PriceAtPurchase))
	assert.True(t, decimal.RequireFromString("250.00").Equal(o.Items[1].PriceAtPurchase))

	assert.Equal(t, 8, repo.stock[1].stock)
	assert.Equal(t, 3, repo.stock[2].stock)
}

func TestCheckout_LocksAscendingProductID(t *testing.T) {
	repo := newMemRepo()
	repo.addProduct(3, "C", "1.00", 9)
	repo.addProduct(1, "A", "1.00", 9)
	repo.addProduct(2, "B", "1.00", 9)
	svc := newTestService(repo)

	_, err := svc.Checkout(context.Background(), 1, []Line{
		{ProductID: 3, Quantity: 1},
		{ProductID: 1, Quantity: 1},
		{ProductID: 2, Quantity: 1},
	})

	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, repo.acquired)
}

func TestCheckout_InsufficientStock(t *testing.T) {
	repo := newMemRepo()
	repo.addProduct(1, "Widget", "10.00", 10)
	repo.addProduct(2, "Gadget", "20.00", 2)
	svc := newTestService(repo)

	_, err := svc.Checkout(context.Background(), 1, []Line{
		{ProductID: 1, Quantity: 1},
		{ProductID: 2, Quantity: 3},
	})

	var isErr *InsufficientStockError
	require.ErrorAs(t, err, &isErr)
	assert.Equal(t, int64(2), isErr.ProductID)
	assert.Equal(t, 2, isErr.Available)
	assert.Equal(t, 3, isErr.Requested)

	// Full rollback: no decrement survives, not even for the line that
	// passed its own check.
	assert.Equal(t, 10, repo.stock[1].stock)
	assert.Equal(t, 2, repo.stock[2].stock)
	assert.Empty(t, repo.orders)
}

func TestCheckout_RollbackOnCreateError(t *testing.T) {
	repo := newMemRepo()
	repo.addProduct(1, "Widget", "10.00", 5)
	repo.createErr = errors.New("db write failed")
	svc := newTestService(repo)

	_, err := svc.Checkout(context.Background(), 1, []Line{{ProductID: 1, Quantity: 2}})

	require.Error(t, err)
	assert.Equal(t, 5, repo.stock[1].stock)
	assert.Empty(t, repo.orders)
}

func TestCheckout_InvoiceRetryOnCollision(t *testing.T) {
	repo := newMemRepo()
	repo.addProduct(1, "Widget", "10.00", 5)
	// The attempt-0 number is already taken; the engine must retry with the
	// attempt-1 number and succeed.
	repo.invoices["INV-TEST-1-0"] = struct{}{}
	svc := newTestService(repo)

	o, err := svc.Checkout(context.Background(), 1, []Line{{ProductID: 1, Quantity: 1}})

	require.NoError(t, err)
	assert.Equal(t, "INV-TEST-1-1", o.InvoiceNumber)
	assert.Equal(t, 4, repo.stock[1].stock)
}

func TestCheckout_InvoiceConflictExhausted(t *testing.T) {
	repo := newMemRepo()
	repo.addProduct(1, "Widget", "10.00", 5)
	repo.invoices["INV-DUP"] = struct{}{}
	svc := NewService(&memCatalog{r: repo}, repo, fixedInvoices{number: "INV-DUP"})

	_, err := svc.Checkout(context.Background(), 1, []Line{{ProductID: 1, Quantity: 1}})

	require.ErrorIs(t, err, ErrConflict)
	// Every attempt rolled back fully.
	assert.Equal(t, 5, repo.stock[1].stock)
	assert.Len(t, repo.orders, 0)
}

func TestCheckout_ConcurrentNoOversell(t *testing.T) {
	repo := newMemRepo()
	repo.addProduct(1, "Widget", "10.00", 5)
	svc := newTestService(repo)

	const buyers = 2
	results := make(chan error, buyers)
	var wg sync.WaitGroup
	for i := range buyers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Checkout(context.Background(), int64(i+1), []Line{{ProductID: 1, Quantity: 3}})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, insufficient int
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var isErr *InsufficientStockError
		require.ErrorAs(t, err, &isErr)
		assert.Equal(t, 3, isErr.Requested)
		insufficient++
	}

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, insufficient)
	assert.Equal(t, 2, repo.stock[1].stock)
}

func TestCheckout_PriceSnapshotImmutable(t *testing.T) {
	repo := newMemRepo()
	repo.addProduct(1, "Widget", "100.00", 5)
	svc := newTestService(repo)

	o, err := svc.Checkout(context.Background(), 1, []Line{{ProductID: 1, Quantity: 1}})
	require.NoError(t, err)

	// Reprice the product after the order exists.
	row := repo.stock[1]
	row.price = decimal.RequireFromString("999.99")
	repo.stock[1] = row

	got, err := svc.GetOrder(context.Background(), 1, o.ID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("100.00").Equal(got.TotalPrice))
	assert.True(t, decimal.RequireFromString("100.00").Equal(got.Items[0].PriceAtPurchase))
}

func TestGetOrder_OtherBuyerReadsNotFound(t *testing.T) {
	repo := newMemRepo()
	repo.addProduct(1, "Widget", "10.00", 5)
	svc := newTestService(repo)

	o, err := svc.Checkout(context.Background(), 1, []Line{{ProductID: 1, Quantity: 1}})
	require.NoError(t, err)

	_, err = svc.GetOrder(context.Background(), 2, o.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListOrders_NewestFirst(t *testing.T) {
	repo := newMemRepo()
	repo.addProduct(1, "Widget", "10.00", 50)
	svc := newTestService(repo)

	first, err := svc.Checkout(context.Background(), 1, []Line{{ProductID: 1, Quantity: 1}})
	require.NoError(t, err)
	second, err := svc.Checkout(context.Background(), 1, []Line{{ProductID: 1, Quantity: 2}})
	require.NoError(t, err)

	orders, err := svc.ListOrders(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, second.ID, orders[0].ID)
	assert.Equal(t, first.ID, orders[1].ID)
}
