// Command checkout-stress drives concurrent checkouts against a running API
// server and verifies that stock is never oversold. It provisions a seller
// with one product, then fires many buyers at it simultaneously.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		baseURL  string
		buyers   int
		quantity int
		stock    int
	)

	flag.StringVar(&baseURL, "base-url", "http://localhost:8080", "API server base URL")
	flag.IntVar(&buyers, "buyers", 50, "number of concurrent buyers")
	flag.IntVar(&quantity, "quantity", 3, "quantity each buyer orders")
	flag.IntVar(&stock, "stock", 100, "initial stock of the stress product")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, baseURL, buyers, quantity, stock); err != nil {
		slog.Error("stress run failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, baseURL string, buyers, quantity, stock int) error {
	client := &http.Client{Timeout: 30 * time.Second}
	runID := uuid.NewString()[:8]

	// Provision the seller and the contested product.
	sellerToken, err := register(ctx, client, baseURL, "seller-"+runID)
	if err != nil {
		return errors.Wrap(err, "register seller")
	}
	if _, err := post(ctx, client, baseURL+"/api/v1/shops", sellerToken, map[string]any{
		"name": "Stress Shop " + runID,
	}); err != nil {
		return errors.Wrap(err, "create shop")
	}
	productResp, err := post(ctx, client, baseURL+"/api/v1/products", sellerToken, map[string]any{
		"name":  "Stress Product " + runID,
		"price": 10.00,
		"stock": stock,
	})
	if err != nil {
		return errors.Wrap(err, "create product")
	}
	var product struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(productResp, &product); err != nil {
		return errors.Wrap(err, "parse product response")
	}

	slog.Info("provisioned product",
		slog.Int64("product_id", product.ID),
		slog.Int("stock", stock),
		slog.Int("buyers", buyers),
		slog.Int("quantity", quantity),
	)

	// Register buyers up front so the hot path is checkout only.
	tokens := make([]string, buyers)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i := range buyers {
		g.Go(func() error {
			token, err := register(gctx, client, baseURL, fmt.Sprintf("buyer-%s-%d", runID, i))
			if err != nil {
				return errors.Wrapf(err, "register buyer %d", i)
			}
			tokens[i] = token
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Fire all checkouts at once.
	var placed, rejected, failed atomic.Int64
	start := time.Now()
	g, gctx = errgroup.WithContext(ctx)
	for i := range buyers {
		g.Go(func() error {
			_, err := post(gctx, client, baseURL+"/api/v1/orders/checkout", tokens[i], map[string]any{
				"items": []map[string]any{
					{"product_id": product.ID, "quantity": quantity},
				},
			})
			switch {
			case err == nil:
				placed.Add(1)
			case errors.Is(err, errRejected):
				rejected.Add(1)
			default:
				failed.Add(1)
				slog.Warn("checkout error", slog.Int("buyer", i), slog.String("error", err.Error()))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	// Read back the authoritative stock.
	remaining, err := productStock(ctx, client, baseURL, product.ID)
	if err != nil {
		return errors.Wrap(err, "read remaining stock")
	}

	sold := int(placed.Load()) * quantity
	slog.Info("stress run complete",
		slog.Int64("placed", placed.Load()),
		slog.Int64("rejected", rejected.Load()),
		slog.Int64("failed", failed.Load()),
		slog.Int("sold", sold),
		slog.Int("remaining_stock", remaining),
		slog.Duration("elapsed", elapsed),
	)

	if sold+remaining != stock {
		return errors.Errorf("oversell detected: sold %d + remaining %d != initial %d", sold, remaining, stock)
	}
	slog.Info("no oversell: accounting is exact")
	return nil
}

// errRejected marks a 4xx checkout rejection, which is an expected outcome
// under contention rather than a failure.
var errRejected = errors.New("checkout rejected")

func register(ctx context.Context, client *http.Client, baseURL, handle string) (string, error) {
	resp, err := post(ctx, client, baseURL+"/api/v1/register", "", map[string]any{
		"name":     handle,
		"email":    handle + "@stress.example",
		"password": "stress-password",
	})
	if err != nil {
		return "", err
	}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(resp, &body); err != nil {
		return "", errors.Wrap(err, "parse register response")
	}
	return body.AccessToken, nil
}

func productStock(ctx context.Context, client *http.Client, baseURL string, id int64) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/v1/products/%d", baseURL, id), nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// A fully sold-out product drops off the public catalog.
	if resp.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Stock int `json:"stock"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, errors.Wrap(err, "parse product response")
	}
	return body.Stock, nil
}

func post(ctx context.Context, client *http.Client, url, token string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, errors.Wrapf(errRejected, "status %d: %s", resp.StatusCode, body)
	}
	if resp.StatusCode >= 500 {
		return nil, errors.Errorf("status %d: %s", resp.StatusCode, body)
	}
	return body, nil
}
