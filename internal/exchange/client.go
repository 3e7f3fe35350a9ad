// Package exchange implements the CLOB REST client used for order execution.
//
//   - Buy:          POST /orders — fill-or-kill market buy for a USD amount
//   - Sell:         POST /orders — fill-or-kill market sell of a share quantity
//   - GetBook:      GET  /book — L2 book snapshot for a token
//   - GetMidpoint:  GET  /midpoint — mid price for a token (polling price source)
//   - DeriveAPIKey: GET  /auth/derive-api-key — bootstrap L2 creds from the wallet
//
// Requests are rate-limited per category, retried on 5xx, and signed with L2
// HMAC headers. In dry-run mode mutating calls log and return synthetic fills.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"polymarket-updown/internal/config"
	"polymarket-updown/pkg/types"
)

// venueMinOrderUSD is the venue's hard floor on order notional.
const venueMinOrderUSD = 1.0

var (
	// ErrNotFilled is returned when a fill-or-kill order is killed unfilled.
	ErrNotFilled = errors.New("order not filled")
	// ErrBelowMinSize is returned before any HTTP call when the requested
	// notional is below the venue minimum.
	ErrBelowMinSize = errors.New("order below venue minimum size")
)

// Client is the CLOB REST client.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "exchange"),
	}
}

// marketOrder is the wire form of a fill-or-kill market order. Amount is USD
// for buys and shares for sells, as a fixed-point string.
type marketOrder struct {
	TokenID   string `json:"token_id"`
	Side      string `json:"side"`
	Amount    string `json:"amount"`
	OrderType string `json:"order_type"` // "FOK"
	Owner     string `json:"owner"`
}

// Buy places a fill-or-kill market buy spending req.AmountUSD on req.TokenID.
// The amount is truncated to whole cents before submission.
func (c *Client) Buy(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	amount := decimal.NewFromFloat(req.AmountUSD).RoundDown(2)
	if amount.LessThan(decimal.NewFromFloat(venueMinOrderUSD)) {
		return nil, fmt.Errorf("buy %s for $%s: %w", req.TokenID, amount, ErrBelowMinSize)
	}

	if c.dryRun {
		c.logger.Info("DRY-RUN: would buy", "token", req.TokenID, "amount_usd", amount)
		f, _ := amount.Float64()
		return &types.OrderResult{OrderID: "dry-run", Status: "matched", FilledShares: f, AvgPrice: 1}, nil
	}

	return c.submit(ctx, marketOrder{
		TokenID:   req.TokenID,
		Side:      string(types.BUY),
		Amount:    amount.String(),
		OrderType: "FOK",
		Owner:     c.auth.creds.ApiKey,
	})
}

// Sell places a fill-or-kill market sell of req.Shares of req.TokenID. Shares
// are truncated to two decimals, the venue's size precision.
func (c *Client) Sell(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	shares := decimal.NewFromFloat(req.Shares).RoundDown(2)
	if shares.IsZero() {
		return nil, fmt.Errorf("sell %s: zero size: %w", req.TokenID, ErrBelowMinSize)
	}

	if c.dryRun {
		c.logger.Info("DRY-RUN: would sell", "token", req.TokenID, "shares", shares)
		f, _ := shares.Float64()
		return &types.OrderResult{OrderID: "dry-run", Status: "matched", FilledShares: f, AvgPrice: 0.5}, nil
	}

	return c.submit(ctx, marketOrder{
		TokenID:   req.TokenID,
		Side:      string(types.SELL),
		Amount:    shares.String(),
		OrderType: "FOK",
		Owner:     c.auth.creds.ApiKey,
	})
}

func (c *Client) submit(ctx context.Context, order marketOrder) (*types.OrderResult, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/orders", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.OrderResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return nil, fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Status != "matched" {
		return &result, fmt.Errorf("order %s status %q: %w", result.OrderID, result.Status, ErrNotFilled)
	}

	c.logger.Info("order filled",
		"order_id", result.OrderID,
		"side", order.Side,
		"shares", result.FilledShares,
		"avg_price", result.AvgPrice,
	)
	return &result, nil
}

// GetBook fetches the L2 order book for a single token.
func (c *Client) GetBook(ctx context.Context, tokenID string) (*types.BookSnapshot, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.BookSnapshot
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}
	result.Timestamp = time.Now()
	return &result, nil
}

// GetMidpoint fetches the mid price for a token.
func (c *Client) GetMidpoint(ctx context.Context, tokenID string) (float64, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return 0, err
	}

	var result struct {
		Mid string `json:"mid"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/midpoint")
	if err != nil {
		return 0, fmt.Errorf("get midpoint: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get midpoint: status %d: %s", resp.StatusCode(), resp.String())
	}

	mid, err := strconv.ParseFloat(result.Mid, 64)
	if err != nil {
		return 0, fmt.Errorf("parse midpoint %q: %w", result.Mid, err)
	}
	return mid, nil
}

// DeriveAPIKey derives L2 credentials via L1 wallet authentication and
// installs them on the Auth.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}
