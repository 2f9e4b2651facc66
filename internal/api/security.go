package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Tokens issues and verifies the bearer tokens the account directory hands
// out at login. Tokens are stateless HS256 JWTs carrying the buyer identity
// in the subject claim.
type Tokens struct {
	secret []byte
	ttl    time.Duration
}

// NewTokens creates a token issuer with the given signing secret and
// lifetime.
func NewTokens(secret []byte, ttl time.Duration) *Tokens {
	return &Tokens{secret: secret, ttl: ttl}
}

// Issue signs a token for the given user.
func (t *Tokens) Issue(userID int64) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// Verify parses and validates a token, returning the buyer identity.
func (t *Tokens) Verify(tokenString string) (int64, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return 0, errors.Wrap(err, "parse token")
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, errors.New("invalid subject claim")
	}
	return userID, nil
}

// hashPassword hashes a plaintext password for storage.
func hashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "hash password")
	}
	return string(hash), nil
}

// checkPassword reports whether plain matches the stored hash.
func checkPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// authedHandler is a handler that requires an authenticated buyer.
type authedHandler func(w http.ResponseWriter, r *http.Request, buyerID int64)

// withAuth authenticates the bearer token and passes the buyer identity to
// next. Missing or invalid credentials get a uniform 401 so callers cannot
// probe which part failed.
func (h *Handler) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || tokenString == "" {
			writeError(w, http.StatusUnauthorized, kindUnauthorized, "missing bearer token")
			return
		}

		buyerID, err := h.tokens.Verify(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, kindUnauthorized, "invalid or expired token")
			return
		}

		next(w, r, buyerID)
	}
}
