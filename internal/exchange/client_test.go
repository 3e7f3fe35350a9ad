package exchange

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"polymarket-updown/pkg/types"
)

func dryRunClient(t *testing.T) *Client {
	t.Helper()
	cfg := testConfig()
	cfg.DryRun = true
	cfg.API.CLOBBaseURL = "http://localhost:0"
	auth, err := NewAuth(cfg)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	return NewClient(cfg, auth, slog.Default())
}

func TestBuyRejectsBelowMinimum(t *testing.T) {
	t.Parallel()

	c := dryRunClient(t)
	_, err := c.Buy(context.Background(), types.OrderRequest{TokenID: "tok", AmountUSD: 0.99})
	if !errors.Is(err, ErrBelowMinSize) {
		t.Errorf("err = %v, want ErrBelowMinSize", err)
	}

	// Truncation to cents can push a borderline amount under the minimum.
	_, err = c.Buy(context.Background(), types.OrderRequest{TokenID: "tok", AmountUSD: 1.0001})
	if err != nil {
		t.Errorf("amount at minimum rejected: %v", err)
	}
}

func TestSellRejectsZeroSize(t *testing.T) {
	t.Parallel()

	c := dryRunClient(t)
	_, err := c.Sell(context.Background(), types.OrderRequest{TokenID: "tok", Shares: 0.004})
	if !errors.Is(err, ErrBelowMinSize) {
		t.Errorf("err = %v, want ErrBelowMinSize", err)
	}
}

func TestDryRunOrdersDoNotTouchNetwork(t *testing.T) {
	t.Parallel()

	c := dryRunClient(t)
	res, err := c.Buy(context.Background(), types.OrderRequest{TokenID: "tok", AmountUSD: 5})
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if res.Status != "matched" {
		t.Errorf("status = %q", res.Status)
	}

	res, err = c.Sell(context.Background(), types.OrderRequest{TokenID: "tok", Shares: 3.5})
	if err != nil {
		t.Fatalf("Sell: %v", err)
	}
	if res.FilledShares != 3.5 {
		t.Errorf("filled = %v", res.FilledShares)
	}
}

func TestTokenBucketBurstThenBlock(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(2, 100)
	ctx := context.Background()

	start := time.Now()
	for range 2 {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 5*time.Millisecond {
		t.Errorf("burst took %v", elapsed)
	}

	// Third token needs a refill at 100/s, roughly 10ms.
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("third token arrived too fast: %v", elapsed)
	}
}

func TestTokenBucketHonorsContext(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(1, 0.001)
	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := tb.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}
