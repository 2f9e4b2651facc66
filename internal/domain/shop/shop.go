// Package shop holds the seller storefront model.
package shop

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when a requested shop does not exist.
var ErrNotFound = errors.New("shop not found")

// ErrAlreadyExists is returned when a user tries to open a second shop.
var ErrAlreadyExists = errors.New("user already owns a shop")

// Shop is a seller storefront. Each user owns at most one shop.
type Shop struct {
	ID          int64
	UserID      int64
	Name        string
	Slug        string
	Description string
	IsActive    bool
	CreatedAt   time.Time
}

// Repository defines persistence operations for shops.
type Repository interface {
	Create(ctx context.Context, s *Shop) error
	GetByUserID(ctx context.Context, userID int64) (*Shop, error)
}
