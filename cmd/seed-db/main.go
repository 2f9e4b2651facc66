// Command seed-db loads a seed catalog of sellers, shops, and products into
// the database. Rows are upserted on their natural keys so the command is
// safe to re-run.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/pasarhub/marketplace/internal/repository"
)

type sellerJSON struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Shop     struct {
		Name        string `json:"name"`
		Slug        string `json:"slug"`
		Description string `json:"description"`
	} `json:"shop"`
	Products []struct {
		Name  string          `json:"name"`
		Slug  string          `json:"slug"`
		Price decimal.Decimal `json:"price"`
		Stock int             `json:"stock"`
	} `json:"products"`
}

func main() {
	var (
		databaseURL string
		catalogFile string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog-file", "db/seed/catalog.json", "path to seed catalog JSON (optionally .gz)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, catalogFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, catalogFile string) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	sellers, err := readCatalog(catalogFile)
	if err != nil {
		return errors.Wrap(err, "read catalog")
	}

	slog.Info("seeding sellers", slog.Int("count", len(sellers)))

	for _, s := range sellers {
		if err := seedSeller(ctx, pool, s); err != nil {
			return errors.Wrapf(err, "seed seller %s", s.Email)
		}
	}

	return nil
}

// readCatalog reads and parses the seed file, transparently decompressing
// gzip-compressed catalogs.
func readCatalog(path string) ([]sellerJSON, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open catalog file")
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(err, "open gzip reader")
		}
		defer gz.Close()
		r = gz
	}

	var sellers []sellerJSON
	if err := json.NewDecoder(r).Decode(&sellers); err != nil {
		return nil, errors.Wrap(err, "parse catalog JSON")
	}
	return sellers, nil
}

func seedSeller(ctx context.Context, pool *pgxpool.Pool, s sellerJSON) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(s.Password), bcrypt.DefaultCost)
	if err != nil {
		return errors.Wrap(err, "hash password")
	}

	var userID int64
	err = pool.QueryRow(ctx, `
		INSERT INTO users (name, email, password_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET name = EXCLUDED.name, updated_at = now()
		RETURNING id`,
		s.Name, s.Email, string(hash),
	).Scan(&userID)
	if err != nil {
		return errors.Wrap(err, "upsert user")
	}

	var shopID int64
	err = pool.QueryRow(ctx, `
		INSERT INTO shops (user_id, name, slug, description)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET name = EXCLUDED.name, description = EXCLUDED.description, updated_at = now()
		RETURNING id`,
		userID, s.Shop.Name, s.Shop.Slug, s.Shop.Description,
	).Scan(&shopID)
	if err != nil {
		return errors.Wrap(err, "upsert shop")
	}

	for _, p := range s.Products {
		_, err := pool.Exec(ctx, `
			INSERT INTO products (shop_id, name, slug, price, stock)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (slug) DO UPDATE
			SET name = EXCLUDED.name, price = EXCLUDED.price,
			    stock = EXCLUDED.stock, deleted_at = NULL, updated_at = now()`,
			shopID, p.Name, p.Slug, p.Price, p.Stock,
		)
		if err != nil {
			return errors.Wrapf(err, "upsert product %s", p.Slug)
		}

		slog.Info("upserted product", slog.String("slug", p.Slug), slog.String("price", p.Price.StringFixed(2)))
	}

	slog.Info("seeded seller", slog.String("email", s.Email), slog.String("shop", s.Shop.Slug))

	return nil
}
