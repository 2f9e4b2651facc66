package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/pasarhub/marketplace/internal/domain/order"
	"github.com/pasarhub/marketplace/internal/domain/product"
	"github.com/pasarhub/marketplace/internal/domain/shop"
	"github.com/pasarhub/marketplace/internal/domain/user"
)

type fakeUsers struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*user.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byID: make(map[int64]*user.User)}
}

func (f *fakeUsers) Create(_ context.Context, u *user.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.byID {
		if existing.Email == u.Email {
			return user.ErrEmailTaken
		}
	}
	f.nextID++
	u.ID = f.nextID
	u.CreatedAt = time.Now()
	cp := *u
	f.byID[u.ID] = &cp
	return nil
}

func (f *fakeUsers) GetByID(_ context.Context, id int64) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byID[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, user.ErrNotFound
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byID {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, user.ErrNotFound
}

type fakeShops struct {
	mu     sync.Mutex
	nextID int64
	byUser map[int64]*shop.Shop
}

func newFakeShops() *fakeShops {
	return &fakeShops{byUser: make(map[int64]*shop.Shop)}
}

func (f *fakeShops) Create(_ context.Context, s *shop.Shop) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byUser[s.UserID]; ok {
		return shop.ErrAlreadyExists
	}
	f.nextID++
	s.ID = f.nextID
	s.IsActive = true
	s.CreatedAt = time.Now()
	cp := *s
	f.byUser[s.UserID] = &cp
	return nil
}

func (f *fakeShops) GetByUserID(_ context.Context, userID int64) (*shop.Shop, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.byUser[userID]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, shop.ErrNotFound
}

type fakeProducts struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]*product.Product
}

func newFakeProducts() *fakeProducts {
	return &fakeProducts{items: make(map[int64]*product.Product)}
}

func (f *fakeProducts) add(p product.Product) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	p.ID = f.nextID
	p.CreatedAt = time.Now()
	f.items[p.ID] = &p
	return p.ID
}

func (f *fakeProducts) List(_ context.Context, page, perPage int) (*product.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var available []product.Product
	for _, p := range f.items {
		if p.Available() {
			available = append(available, *p)
		}
	}
	return &product.Page{Products: available, Page: page, PerPage: perPage, Total: len(available)}, nil
}

func (f *fakeProducts) GetByID(_ context.Context, id int64) (*product.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.items[id]; ok && p.Available() {
		cp := *p
		return &cp, nil
	}
	return nil, product.ErrNotFound
}

func (f *fakeProducts) Create(_ context.Context, p *product.Product) error {
	p.ID = f.add(*p)
	p.CreatedAt = time.Now()
	return nil
}

func (f *fakeProducts) Tombstone(_ context.Context, id, shopID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.items[id]
	if !ok || p.ShopID != shopID || p.DeletedAt != nil {
		return product.ErrNotFound
	}
	now := time.Now()
	p.DeletedAt = &now
	return nil
}

// fakeOrders applies checkout mutations to the shared fakeProducts only on
// commit, mirroring transactional visibility.
type fakeOrders struct {
	products *fakeProducts

	mu       sync.Mutex
	nextID   int64
	orders   map[int64]*order.Order
	invoices map[string]bool
}

func newFakeOrders(products *fakeProducts) *fakeOrders {
	return &fakeOrders{
		products: products,
		orders:   make(map[int64]*order.Order),
		invoices: make(map[string]bool),
	}
}

type fakeTx struct {
	repo       *fakeOrders
	decrements map[int64]int
	created    []*order.Order
}

func (f *fakeOrders) Checkout(_ context.Context, fn func(tx order.Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products.mu.Lock()
	defer f.products.mu.Unlock()

	tx := &fakeTx{repo: f, decrements: make(map[int64]int)}
	if err := fn(tx); err != nil {
		return err
	}

	for id, qty := range tx.decrements {
		f.products.items[id].Stock -= qty
	}
	for _, o := range tx.created {
		f.invoices[o.InvoiceNumber] = true
		f.orders[o.ID] = o
	}
	return nil
}

func (tx *fakeTx) AcquireStock(_ context.Context, productID int64) (*order.StockSnapshot, error) {
	p, ok := tx.repo.products.items[productID]
	if !ok || p.DeletedAt != nil {
		return nil, product.ErrNotFound
	}
	return &order.StockSnapshot{
		ProductID: p.ID,
		Name:      p.Name,
		Price:     p.Price,
		Stock:     p.Stock - tx.decrements[productID],
	}, nil
}

func (tx *fakeTx) DecrementStock(_ context.Context, productID int64, qty int) error {
	p := tx.repo.products.items[productID]
	if p.Stock-tx.decrements[productID] < qty {
		return &order.InsufficientStockError{
			ProductID: productID,
			Available: p.Stock - tx.decrements[productID],
			Requested: qty,
		}
	}
	tx.decrements[productID] += qty
	return nil
}

func (tx *fakeTx) CreateOrder(_ context.Context, o *order.Order) error {
	if tx.repo.invoices[o.InvoiceNumber] {
		return order.ErrInvoiceTaken
	}
	tx.repo.nextID++
	o.ID = tx.repo.nextID
	o.CreatedAt = time.Now()
	for i := range o.Items {
		o.Items[i].OrderID = o.ID
		o.Items[i].ID = int64(i + 1)
	}
	cp := *o
	tx.created = append(tx.created, &cp)
	return nil
}

func (f *fakeOrders) ListByUserID(_ context.Context, userID int64) ([]order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []order.Order
	for _, o := range f.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeOrders) GetByID(_ context.Context, id int64) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[id]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, order.ErrNotFound
}

type testInvoices struct {
	mu sync.Mutex
	n  int
}

func (s *testInvoices) Next(buyerID int64, attempt int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("INV-TEST-%d-%d-%d", s.n, buyerID, attempt)
}

type fixture struct {
	mux      *http.ServeMux
	users    *fakeUsers
	shops    *fakeShops
	products *fakeProducts
	orders   *fakeOrders
	tokens   *Tokens
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	users := newFakeUsers()
	shops := newFakeShops()
	products := newFakeProducts()
	orders := newFakeOrders(products)
	tokens := NewTokens([]byte("test-secret"), time.Hour)
	checkout := order.NewService(products, orders, &testInvoices{})

	h, err := NewHandler(users, shops, products, checkout, tokens, noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	return &fixture{
		mux:      h.Routes(),
		users:    users,
		shops:    shops,
		products: products,
		orders:   orders,
		tokens:   tokens,
	}
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body != "" {
		rd = strings.NewReader(body)
	} else {
		rd = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// registerUser creates an account through the API and returns its token.
func (f *fixture) registerUser(t *testing.T, email string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/register", "",
		`{"name":"Test User","email":"`+email+`","password":"long-enough-password"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decodeBody(t, w)
	token, _ := body["access_token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestRegister(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/register", "",
		`{"name":"Siti","email":"Siti@Example.COM","password":"correct-horse"}`)

	require.Equal(t, http.StatusCreated, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "Bearer", body["token_type"])
	assert.NotEmpty(t, body["access_token"])

	u := body["user"].(map[string]any)
	assert.Equal(t, "siti@example.com", u["email"], "email should be normalized to lowercase")
}

func TestRegister_DuplicateEmail(t *testing.T) {
	f := newFixture(t)
	f.registerUser(t, "dup@example.com")

	w := f.do(t, http.MethodPost, "/api/v1/register", "",
		`{"name":"Again","email":"dup@example.com","password":"correct-horse"}`)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "conflict", decodeBody(t, w)["kind"])
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"short password", `{"name":"A","email":"a@b.c","password":"short"}`},
		{"missing name", `{"email":"a@b.c","password":"long-enough"}`},
		{"bad email", `{"name":"A","email":"not-an-email","password":"long-enough"}`},
		{"malformed JSON", `{"name":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/register", "", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "validation", decodeBody(t, w)["kind"])
		})
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	f.registerUser(t, "login@example.com")

	w := f.do(t, http.MethodPost, "/api/v1/login", "",
		`{"email":"login@example.com","password":"long-enough-password"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decodeBody(t, w)["access_token"])
}

func TestLogin_BadCredentialsAreUniform(t *testing.T) {
	f := newFixture(t)
	f.registerUser(t, "known@example.com")

	wrongPassword := f.do(t, http.MethodPost, "/api/v1/login", "",
		`{"email":"known@example.com","password":"wrong-password"}`)
	unknownEmail := f.do(t, http.MethodPost, "/api/v1/login", "",
		`{"email":"nobody@example.com","password":"wrong-password"}`)

	assert.Equal(t, http.StatusUnauthorized, wrongPassword.Code)
	assert.Equal(t, http.StatusUnauthorized, unknownEmail.Code)
	assert.Equal(t, wrongPassword.Body.String(), unknownEmail.Body.String(),
		"responses must not reveal whether the email exists")
}

func TestAuth_MissingOrInvalidToken(t *testing.T) {
	f := newFixture(t)

	missing := f.do(t, http.MethodGet, "/api/v1/user", "", "")
	assert.Equal(t, http.StatusUnauthorized, missing.Code)

	garbage := f.do(t, http.MethodGet, "/api/v1/user", "not-a-jwt", "")
	assert.Equal(t, http.StatusUnauthorized, garbage.Code)
}

func TestCurrentUser(t *testing.T) {
	f := newFixture(t)
	token := f.registerUser(t, "me@example.com")

	w := f.do(t, http.MethodGet, "/api/v1/user", token, "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "me@example.com", decodeBody(t, w)["email"])
}

func TestCreateShop(t *testing.T) {
	f := newFixture(t)
	token := f.registerUser(t, "seller@example.com")

	w := f.do(t, http.MethodPost, "/api/v1/shops", token,
		`{"name":"Toko Berkah","description":"All kinds of goods"}`)

	require.Equal(t, http.StatusCreated, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "toko-berkah", body["slug"])
	assert.Equal(t, true, body["is_active"])

	// Second shop for the same user conflicts.
	w2 := f.do(t, http.MethodPost, "/api/v1/shops", token, `{"name":"Another"}`)
	assert.Equal(t, http.StatusConflict, w2.Code)
}

func TestCreateProduct_RequiresShop(t *testing.T) {
	f := newFixture(t)
	token := f.registerUser(t, "noshop@example.com")

	w := f.do(t, http.MethodPost, "/api/v1/products", token,
		`{"name":"Thing","price":10,"stock":5}`)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreateProduct(t *testing.T) {
	f := newFixture(t)
	token := f.registerUser(t, "seller2@example.com")
	require.Equal(t, http.StatusCreated,
		f.do(t, http.MethodPost, "/api/v1/shops", token, `{"name":"Shop"}`).Code)

	w := f.do(t, http.MethodPost, "/api/v1/products", token,
		`{"name":"Kopi Gayo","price":85.005,"stock":12}`)

	require.Equal(t, http.StatusCreated, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, 85.01, body["price"], "price is rounded to two decimal places")
	assert.Equal(t, 12.0, body["stock"])
}

func TestDeleteProduct(t *testing.T) {
	f := newFixture(t)
	owner := f.registerUser(t, "owner-seller@example.com")
	intruder := f.registerUser(t, "intruder-seller@example.com")
	require.Equal(t, http.StatusCreated,
		f.do(t, http.MethodPost, "/api/v1/shops", owner, `{"name":"Owner Shop"}`).Code)
	require.Equal(t, http.StatusCreated,
		f.do(t, http.MethodPost, "/api/v1/shops", intruder, `{"name":"Intruder Shop"}`).Code)

	created := f.do(t, http.MethodPost, "/api/v1/products", owner,
		`{"name":"Delist Me","price":5,"stock":3}`)
	require.Equal(t, http.StatusCreated, created.Code)
	id := int64(decodeBody(t, created)["id"].(float64))
	path := "/api/v1/products/" + strconv.FormatInt(id, 10)

	// Another seller cannot delist it.
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, path, intruder, "").Code)

	// The owner can, and the product vanishes from the catalog.
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, path, owner, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, path, "", "").Code)

	// Repeating the delete reads as not found.
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, path, owner, "").Code)
}

func TestListProducts(t *testing.T) {
	f := newFixture(t)
	f.products.add(product.Product{Name: "A", Slug: "a", Price: decimal.NewFromInt(5), Stock: 3})
	f.products.add(product.Product{Name: "B", Slug: "b", Price: decimal.NewFromInt(7), Stock: 0}) // sold out, hidden

	w := f.do(t, http.MethodGet, "/api/v1/products", "", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Len(t, body["data"], 1)
	assert.Equal(t, 1.0, body["total"])
	assert.Equal(t, 1.0, body["page"])
}

func TestGetProduct_NotFound(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/products/999", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	bad := f.do(t, http.MethodGet, "/api/v1/products/abc", "", "")
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestCheckout(t *testing.T) {
	f := newFixture(t)
	token := f.registerUser(t, "buyer@example.com")
	id := f.products.add(product.Product{Name: "Kopi", Slug: "kopi", Price: decimal.RequireFromString("85.00"), Stock: 10})

	w := f.do(t, http.MethodPost, "/api/v1/orders/checkout", token,
		`{"items":[{"product_id":`+strconv.FormatInt(id, 10)+`,"quantity":2}]}`)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Equal(t, 170.0, body["total_price"])
	assert.Equal(t, "pending", body["status"])
	assert.NotEmpty(t, body["invoice_number"])
	assert.Len(t, body["items"], 1)

	// Stock is decremented.
	p, err := f.products.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 8, p.Stock)
}

func TestCheckout_InsufficientStock(t *testing.T) {
	f := newFixture(t)
	token := f.registerUser(t, "buyer2@example.com")
	id := f.products.add(product.Product{Name: "Rare", Slug: "rare", Price: decimal.NewFromInt(9), Stock: 1})

	w := f.do(t, http.MethodPost, "/api/v1/orders/checkout", token,
		`{"items":[{"product_id":`+strconv.FormatInt(id, 10)+`,"quantity":5}]}`)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "insufficient_stock", decodeBody(t, w)["kind"])

	// Nothing was decremented.
	p, err := f.products.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stock)
}

func TestCheckout_UnknownProduct(t *testing.T) {
	f := newFixture(t)
	token := f.registerUser(t, "buyer3@example.com")

	w := f.do(t, http.MethodPost, "/api/v1/orders/checkout", token,
		`{"items":[{"product_id":12345,"quantity":1}]}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", decodeBody(t, w)["kind"])
}

func TestCheckout_EmptyItems(t *testing.T) {
	f := newFixture(t)
	token := f.registerUser(t, "buyer4@example.com")

	w := f.do(t, http.MethodPost, "/api/v1/orders/checkout", token, `{"items":[]}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOrders_VisibilityScopedToBuyer(t *testing.T) {
	f := newFixture(t)
	buyer := f.registerUser(t, "owner@example.com")
	other := f.registerUser(t, "other@example.com")
	id := f.products.add(product.Product{Name: "Kopi", Slug: "kopi2", Price: decimal.NewFromInt(10), Stock: 10})

	w := f.do(t, http.MethodPost, "/api/v1/orders/checkout", buyer,
		`{"items":[{"product_id":`+strconv.FormatInt(id, 10)+`,"quantity":1}]}`)
	require.Equal(t, http.StatusCreated, w.Code)
	orderID := decodeBody(t, w)["id"].(float64)
	path := "/api/v1/orders/" + strconv.Itoa(int(orderID))

	owner := f.do(t, http.MethodGet, path, buyer, "")
	assert.Equal(t, http.StatusOK, owner.Code)

	// Another buyer's read is indistinguishable from a missing order.
	stranger := f.do(t, http.MethodGet, path, other, "")
	assert.Equal(t, http.StatusNotFound, stranger.Code)

	list := f.do(t, http.MethodGet, "/api/v1/orders", other, "")
	require.Equal(t, http.StatusOK, list.Code)
	assert.Equal(t, "[]", strings.TrimSpace(list.Body.String()))
}
