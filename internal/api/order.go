package api

import (
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/pasarhub/marketplace/internal/domain/order"
)

func decodeCheckoutLines(r *http.Request) ([]order.Line, error) {
	data, err := readBody(r)
	if err != nil {
		return nil, err
	}

	var lines []order.Line
	d := jx.DecodeBytes(data)
	err = d.Obj(func(d *jx.Decoder, key string) error {
		if key != "items" {
			return d.Skip()
		}
		return d.Arr(func(d *jx.Decoder) error {
			var ln order.Line
			if err := d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "product_id":
					ln.ProductID, err = d.Int64()
				case "quantity":
					ln.Quantity, err = d.Int()
				default:
					err = d.Skip()
				}
				return err
			}); err != nil {
				return err
			}
			lines = append(lines, ln)
			return nil
		})
	})
	return lines, err
}

// handleCheckout runs the atomic checkout unit for the authenticated buyer
// and returns the created order with its items.
func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request, buyerID int64) {
	lines, err := decodeCheckoutLines(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindValidation, "malformed JSON body")
		return
	}

	o, err := h.checkout.Checkout(r.Context(), buyerID, lines)
	if err != nil {
		h.checkoutFailures.Add(r.Context(), 1)
		writeCheckoutError(w, r, err)
		return
	}
	h.ordersPlaced.Add(r.Context(), 1)

	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		encOrder(e, o)
	})
}

// handleListOrders returns the buyer's orders, newest first.
func (h *Handler) handleListOrders(w http.ResponseWriter, r *http.Request, buyerID int64) {
	orders, err := h.checkout.ListOrders(r.Context(), buyerID)
	if err != nil {
		writeInternalError(w, r, "list orders", err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for i := range orders {
				encOrder(e, &orders[i])
			}
		})
	})
}

// handleGetOrder returns one of the buyer's orders. Other buyers' orders
// read as not found.
func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request, buyerID int64) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, kindValidation, "invalid order id")
		return
	}

	o, err := h.checkout.GetOrder(r.Context(), buyerID, id)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			writeError(w, http.StatusNotFound, kindNotFound, "order not found")
			return
		}
		writeInternalError(w, r, "get order", err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encOrder(e, o)
	})
}

func encOrder(e *jx.Encoder, o *order.Order) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Int64(o.ID) })
		e.Field("invoice_number", func(e *jx.Encoder) { e.Str(o.InvoiceNumber) })
		e.Field("total_price", func(e *jx.Encoder) { encDecimal(e, o.TotalPrice) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(o.Status)) })
		e.Field("created_at", func(e *jx.Encoder) { encTime(e, o.CreatedAt) })
		e.Field("items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, it := range o.Items {
					e.Obj(func(e *jx.Encoder) {
						e.Field("product_id", func(e *jx.Encoder) { e.Int64(it.ProductID) })
						e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
						e.Field("price_at_purchase", func(e *jx.Encoder) { encDecimal(e, it.PriceAtPurchase) })
					})
				}
			})
		})
	})
}
