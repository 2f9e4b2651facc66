package api

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pasarhub/marketplace/internal/domain/order"
)

// maxBodyBytes caps request bodies; every accepted payload is tiny.
const maxBodyBytes = 1 << 20

// Error kind tags exposed to clients. The HTTP status is presentation; the
// kind is the contract.
const (
	kindValidation        = "validation"
	kindInsufficientStock = "insufficient_stock"
	kindConflict          = "conflict"
	kindInternal          = "internal"
	kindUnauthorized      = "unauthorized"
	kindNotFound          = "not_found"
)

// writeJSON encodes a response body with jx and writes it with the given
// status code.
func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := &jx.Encoder{}
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// writeError emits the structured error shape {code, kind, message}.
func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(status) })
			e.Field("kind", func(e *jx.Encoder) { e.Str(kind) })
			e.Field("message", func(e *jx.Encoder) { e.Str(message) })
		})
	})
}

// writeCheckoutError maps the checkout error taxonomy onto HTTP statuses:
// validation 400, insufficient stock and invoice conflict 409, anything
// else 500. Internal failures are logged; business failures are the
// caller's to act on and only reach the log at debug level.
func writeCheckoutError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		vErr  *order.ValidationError
		isErr *order.InsufficientStockError
	)
	switch {
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, kindValidation, vErr.Error())
	case errors.As(err, &isErr):
		writeError(w, http.StatusConflict, kindInsufficientStock, isErr.Error())
	case errors.Is(err, order.ErrConflict):
		writeError(w, http.StatusConflict, kindConflict, "could not allocate a unique invoice number, please retry")
	default:
		zctx.From(r.Context()).Error("checkout failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, kindInternal, "internal error, safe to retry")
	}
}

func writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	zctx.From(r.Context()).Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, kindInternal, "internal error")
}

// readBody drains at most maxBodyBytes from the request body.
func readBody(r *http.Request) ([]byte, error) {
	defer func() { _ = r.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read request body")
	}
	return data, nil
}

// encDecimal writes a NUMERIC(12,2) value as a plain JSON number with two
// fractional digits, bypassing float conversion entirely.
func encDecimal(e *jx.Encoder, d decimal.Decimal) {
	e.RawStr(d.StringFixed(2))
}

func encTime(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339))
}
