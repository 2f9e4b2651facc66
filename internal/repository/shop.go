package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pasarhub/marketplace/internal/domain/shop"
)

const (
	createShopSQL = `INSERT INTO shops (user_id, name, slug, description)
		VALUES ($1, $2, $3, $4) RETURNING id, created_at`

	getShopByUserIDSQL = `SELECT id, user_id, name, slug, description, is_active, created_at
		FROM shops WHERE user_id = $1`
)

var _ shop.Repository = (*ShopRepository)(nil)

// ShopRepository implements shop.Repository backed by PostgreSQL.
type ShopRepository struct {
	pool *pgxpool.Pool
}

// NewShopRepository returns a ShopRepository that uses the given pool.
func NewShopRepository(pool *pgxpool.Pool) *ShopRepository {
	return &ShopRepository{pool: pool}
}

// Create persists a new shop. The unique index on user_id enforces the
// one-shop-per-user rule; violating it returns shop.ErrAlreadyExists.
func (r *ShopRepository) Create(ctx context.Context, s *shop.Shop) error {
	err := r.pool.QueryRow(ctx, createShopSQL, s.UserID, s.Name, s.Slug, s.Description).
		Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "shops_user_id_key") {
			return shop.ErrAlreadyExists
		}
		return fmt.Errorf("creating shop %q: %w", s.Name, err)
	}
	s.IsActive = true
	return nil
}

// GetByUserID returns the shop owned by the given user.
func (r *ShopRepository) GetByUserID(ctx context.Context, userID int64) (*shop.Shop, error) {
	var s shop.Shop
	err := r.pool.QueryRow(ctx, getShopByUserIDSQL, userID).
		Scan(&s.ID, &s.UserID, &s.Name, &s.Slug, &s.Description, &s.IsActive, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shop.ErrNotFound
		}
		return nil, fmt.Errorf("getting shop for user %d: %w", userID, err)
	}
	return &s, nil
}
