package api

import (
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/pasarhub/marketplace/internal/domain/user"
)

type credentialsRequest struct {
	Name     string
	Email    string
	Password string
}

func decodeCredentials(r *http.Request) (credentialsRequest, error) {
	var req credentialsRequest

	data, err := readBody(r)
	if err != nil {
		return req, err
	}

	d := jx.DecodeBytes(data)
	err = d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "name":
			req.Name, err = d.Str()
		case "email":
			req.Email, err = d.Str()
		case "password":
			req.Password, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	return req, err
}

// handleRegister creates a new account and immediately issues a token.
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCredentials(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindValidation, "malformed JSON body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	switch {
	case req.Name == "" || len(req.Name) > 255:
		writeError(w, http.StatusBadRequest, kindValidation, "name is required")
		return
	case !strings.Contains(req.Email, "@"):
		writeError(w, http.StatusBadRequest, kindValidation, "a valid email is required")
		return
	case len(req.Password) < 8:
		writeError(w, http.StatusBadRequest, kindValidation, "password must be at least 8 characters")
		return
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		writeInternalError(w, r, "hash password", err)
		return
	}

	u := &user.User{Name: req.Name, Email: req.Email, PasswordHash: hash}
	if err := h.users.Create(r.Context(), u); err != nil {
		if errors.Is(err, user.ErrEmailTaken) {
			writeError(w, http.StatusConflict, kindConflict, "email already registered")
			return
		}
		writeInternalError(w, r, "create user", err)
		return
	}

	h.writeAuthResponse(w, r, http.StatusCreated, u)
}

// handleLogin checks credentials and issues a token. Unknown email and
// wrong password produce the same response to prevent user enumeration.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCredentials(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindValidation, "malformed JSON body")
		return
	}

	u, err := h.users.GetByEmail(r.Context(), strings.TrimSpace(strings.ToLower(req.Email)))
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, kindUnauthorized, "invalid credentials")
			return
		}
		writeInternalError(w, r, "look up user", err)
		return
	}
	if !checkPassword(u.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, kindUnauthorized, "invalid credentials")
		return
	}

	h.writeAuthResponse(w, r, http.StatusOK, u)
}

// handleCurrentUser returns the authenticated account.
func (h *Handler) handleCurrentUser(w http.ResponseWriter, r *http.Request, buyerID int64) {
	u, err := h.users.GetByID(r.Context(), buyerID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, kindUnauthorized, "account no longer exists")
			return
		}
		writeInternalError(w, r, "look up user", err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encUser(e, u)
	})
}

func (h *Handler) writeAuthResponse(w http.ResponseWriter, r *http.Request, status int, u *user.User) {
	token, err := h.tokens.Issue(u.ID)
	if err != nil {
		writeInternalError(w, r, "issue token", err)
		return
	}

	writeJSON(w, status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("user", func(e *jx.Encoder) { encUser(e, u) })
			e.Field("access_token", func(e *jx.Encoder) { e.Str(token) })
			e.Field("token_type", func(e *jx.Encoder) { e.Str("Bearer") })
		})
	})
}

func encUser(e *jx.Encoder, u *user.User) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Int64(u.ID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(u.Name) })
		e.Field("email", func(e *jx.Encoder) { e.Str(u.Email) })
		e.Field("created_at", func(e *jx.Encoder) { encTime(e, u.CreatedAt) })
	})
}
