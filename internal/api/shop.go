package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/pasarhub/marketplace/internal/domain/shop"
)

// handleCreateShop opens the caller's storefront. Each user owns at most
// one shop.
func (h *Handler) handleCreateShop(w http.ResponseWriter, r *http.Request, buyerID int64) {
	var req struct {
		Name        string
		Description string
	}

	data, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindValidation, "malformed JSON body")
		return
	}
	d := jx.DecodeBytes(data)
	err = d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "name":
			req.Name, err = d.Str()
		case "description":
			req.Description, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, kindValidation, "malformed JSON body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 255 {
		writeError(w, http.StatusBadRequest, kindValidation, "name is required")
		return
	}

	s := &shop.Shop{
		UserID:      buyerID,
		Name:        req.Name,
		Slug:        slugify(req.Name),
		Description: req.Description,
	}
	if err := h.shops.Create(r.Context(), s); err != nil {
		if errors.Is(err, shop.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, kindConflict, "user already owns a shop")
			return
		}
		writeInternalError(w, r, "create shop", err)
		return
	}

	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		encShop(e, s)
	})
}

func encShop(e *jx.Encoder, s *shop.Shop) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Int64(s.ID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(s.Name) })
		e.Field("slug", func(e *jx.Encoder) { e.Str(s.Slug) })
		e.Field("description", func(e *jx.Encoder) { e.Str(s.Description) })
		e.Field("is_active", func(e *jx.Encoder) { e.Bool(s.IsActive) })
		e.Field("created_at", func(e *jx.Encoder) { encTime(e, s.CreatedAt) })
	})
}

// slugify lowercases the name and collapses everything outside [a-z0-9]
// into single hyphens.
func slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) && r <= unicode.MaxASCII || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.Trim(b.String(), "-")
}

// uniqueSlug appends a timestamp so repeated names do not collide on the
// slug unique index.
func uniqueSlug(name string) string {
	return fmt.Sprintf("%s-%d", slugify(name), time.Now().Unix())
}
