package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/pasarhub/marketplace/internal/domain/product"
	"github.com/pasarhub/marketplace/internal/domain/shop"
)

const defaultPerPage = 10

// handleListProducts returns one page of available products, newest first.
func (h *Handler) handleListProducts(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}

	pg, err := h.products.List(r.Context(), page, defaultPerPage)
	if err != nil {
		writeInternalError(w, r, "list products", err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("data", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for i := range pg.Products {
						encProduct(e, &pg.Products[i])
					}
				})
			})
			e.Field("page", func(e *jx.Encoder) { e.Int(pg.Page) })
			e.Field("per_page", func(e *jx.Encoder) { e.Int(pg.PerPage) })
			e.Field("total", func(e *jx.Encoder) { e.Int(pg.Total) })
		})
	})
}

// handleGetProduct returns a single available product.
func (h *Handler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, kindValidation, "invalid product id")
		return
	}

	p, err := h.products.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, product.ErrNotFound) {
			writeError(w, http.StatusNotFound, kindNotFound, "product not found")
			return
		}
		writeInternalError(w, r, "get product", err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encProduct(e, p)
	})
}

// handleCreateProduct lists a new product under the caller's shop. The
// caller must have opened a shop first.
func (h *Handler) handleCreateProduct(w http.ResponseWriter, r *http.Request, buyerID int64) {
	var req struct {
		Name  string
		Price decimal.Decimal
		Stock int
	}

	data, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindValidation, "malformed JSON body")
		return
	}
	d := jx.DecodeBytes(data)
	err = d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "name":
			v, err := d.Str()
			req.Name = v
			return err
		case "price":
			n, err := d.Num()
			if err != nil {
				return err
			}
			req.Price, err = decimal.NewFromString(n.String())
			return err
		case "stock":
			v, err := d.Int()
			req.Stock = v
			return err
		default:
			return d.Skip()
		}
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, kindValidation, "malformed JSON body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	switch {
	case req.Name == "" || len(req.Name) > 255:
		writeError(w, http.StatusBadRequest, kindValidation, "name is required")
		return
	case !req.Price.IsPositive():
		writeError(w, http.StatusBadRequest, kindValidation, "price must be positive")
		return
	case req.Stock < 1:
		writeError(w, http.StatusBadRequest, kindValidation, "stock must be at least 1")
		return
	}

	s, err := h.shops.GetByUserID(r.Context(), buyerID)
	if err != nil {
		if errors.Is(err, shop.ErrNotFound) {
			writeError(w, http.StatusForbidden, kindValidation, "open a shop before listing products")
			return
		}
		writeInternalError(w, r, "look up shop", err)
		return
	}

	p := &product.Product{
		ShopID: s.ID,
		Name:   req.Name,
		Slug:   uniqueSlug(req.Name),
		Price:  req.Price.Round(2),
		Stock:  req.Stock,
	}
	if err := h.products.Create(r.Context(), p); err != nil {
		writeInternalError(w, r, "create product", err)
		return
	}

	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		encProduct(e, p)
	})
}

// handleDeleteProduct delists a product from the caller's shop. The row is
// tombstoned so existing order history keeps resolving.
func (h *Handler) handleDeleteProduct(w http.ResponseWriter, r *http.Request, buyerID int64) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, kindValidation, "invalid product id")
		return
	}

	s, err := h.shops.GetByUserID(r.Context(), buyerID)
	if err != nil {
		if errors.Is(err, shop.ErrNotFound) {
			writeError(w, http.StatusNotFound, kindNotFound, "product not found")
			return
		}
		writeInternalError(w, r, "look up shop", err)
		return
	}

	if err := h.products.Tombstone(r.Context(), id, s.ID); err != nil {
		if errors.Is(err, product.ErrNotFound) {
			// Unknown, already delisted, or owned by another shop: all read
			// the same from outside.
			writeError(w, http.StatusNotFound, kindNotFound, "product not found")
			return
		}
		writeInternalError(w, r, "tombstone product", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func encProduct(e *jx.Encoder, p *product.Product) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Int64(p.ID) })
		e.Field("shop_id", func(e *jx.Encoder) { e.Int64(p.ShopID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(p.Name) })
		e.Field("slug", func(e *jx.Encoder) { e.Str(p.Slug) })
		e.Field("price", func(e *jx.Encoder) { encDecimal(e, p.Price) })
		e.Field("stock", func(e *jx.Encoder) { e.Int(p.Stock) })
		e.Field("created_at", func(e *jx.Encoder) { encTime(e, p.CreatedAt) })
	})
}
