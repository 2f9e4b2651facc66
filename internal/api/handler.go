// Package api exposes the marketplace over HTTP. Handlers are hand-written
// over net/http and encode JSON with go-faster/jx.
package api

import (
	"net/http"

	"go.opentelemetry.io/otel/metric"

	"github.com/pasarhub/marketplace/internal/domain/order"
	"github.com/pasarhub/marketplace/internal/domain/product"
	"github.com/pasarhub/marketplace/internal/domain/shop"
	"github.com/pasarhub/marketplace/internal/domain/user"
)

// Handler holds the HTTP handlers and their domain dependencies.
type Handler struct {
	users    user.Repository
	shops    shop.Repository
	products product.Repository
	checkout *order.Service
	tokens   *Tokens

	ordersPlaced     metric.Int64Counter
	checkoutFailures metric.Int64Counter
}

// NewHandler constructs a Handler with the required dependencies.
func NewHandler(
	users user.Repository,
	shops shop.Repository,
	products product.Repository,
	checkout *order.Service,
	tokens *Tokens,
	meter metric.Meter,
) (*Handler, error) {
	ordersPlaced, err := meter.Int64Counter("marketplace.orders.placed",
		metric.WithDescription("Orders created by successful checkouts"))
	if err != nil {
		return nil, err
	}
	checkoutFailures, err := meter.Int64Counter("marketplace.checkout.failures",
		metric.WithDescription("Checkout attempts that returned an error"))
	if err != nil {
		return nil, err
	}

	return &Handler{
		users:            users,
		shops:            shops,
		products:         products,
		checkout:         checkout,
		tokens:           tokens,
		ordersPlaced:     ordersPlaced,
		checkoutFailures: checkoutFailures,
	}, nil
}

// Routes returns the /api/v1 route table.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Public.
	mux.HandleFunc("POST /api/v1/register", h.handleRegister)
	mux.HandleFunc("POST /api/v1/login", h.handleLogin)
	mux.HandleFunc("GET /api/v1/products", h.handleListProducts)
	mux.HandleFunc("GET /api/v1/products/{id}", h.handleGetProduct)

	// Authenticated.
	mux.HandleFunc("GET /api/v1/user", h.withAuth(h.handleCurrentUser))
	mux.HandleFunc("POST /api/v1/shops", h.withAuth(h.handleCreateShop))
	mux.HandleFunc("POST /api/v1/products", h.withAuth(h.handleCreateProduct))
	mux.HandleFunc("DELETE /api/v1/products/{id}", h.withAuth(h.handleDeleteProduct))
	mux.HandleFunc("POST /api/v1/orders/checkout", h.withAuth(h.handleCheckout))
	mux.HandleFunc("GET /api/v1/orders", h.withAuth(h.handleListOrders))
	mux.HandleFunc("GET /api/v1/orders/{id}", h.withAuth(h.handleGetOrder))

	return mux
}
