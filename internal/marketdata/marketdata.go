// Package marketdata implements the Price Feed's baseline source: a
// REST poller that always runs, throttled globally and retried with
// exponential backoff.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"engine/internal/model"
)

const (
	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond

	// minLiquidityUSD is the validation floor from get_token_price:
	// quotes under this are treated as untradeable noise.
	minLiquidityUSD = 100
)

// tokenQuote is the wire shape of a market-data endpoint response.
type tokenQuote struct {
	Symbol         string  `json:"symbol"`
	PriceUSD       string  `json:"price_usd"`
	PriceNative    string  `json:"price_native"`
	LiquidityUSD   string  `json:"liquidity_usd"`
	Volume24h      string  `json:"volume_24h"`
	PriceChange24h string  `json:"price_change_24h"`
}

// Client polls a market-data HTTP endpoint for token quotes, globally
// throttled to at least 200ms between requests.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient builds a market-data client. baseURL is expected to
// accept GET {baseURL}/{mint}.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
	}
}

// GetTokenPrice fetches and validates a quote for mint. It enforces
// price > 0 and liquidity >= $100, per the Market Data Service
// contract.
func (c *Client) GetTokenPrice(ctx context.Context, mint string) (model.PriceTick, error) {
	var q tokenQuote
	if err := c.getWithRetry(ctx, fmt.Sprintf("%s/%s", c.baseURL, mint), &q); err != nil {
		return model.PriceTick{}, err
	}

	priceUSD, err := decimal.NewFromString(q.PriceUSD)
	if err != nil {
		return model.PriceTick{}, fmt.Errorf("marketdata: invalid price_usd %q: %w", q.PriceUSD, err)
	}
	priceNative, err := decimal.NewFromString(q.PriceNative)
	if err != nil {
		return model.PriceTick{}, fmt.Errorf("marketdata: invalid price_native %q: %w", q.PriceNative, err)
	}
	liquidityUSD, err := decimal.NewFromString(q.LiquidityUSD)
	if err != nil {
		liquidityUSD = decimal.Zero
	}
	volume24h, _ := decimal.NewFromString(q.Volume24h)
	priceChange24h, _ := decimal.NewFromString(q.PriceChange24h)

	if !priceNative.IsPositive() {
		return model.PriceTick{}, fmt.Errorf("marketdata: non-positive price for %s", mint)
	}
	if liquidityUSD.LessThan(decimal.NewFromInt(minLiquidityUSD)) {
		return model.PriceTick{}, fmt.Errorf("marketdata: liquidity %s below floor for %s", liquidityUSD, mint)
	}

	return model.PriceTick{
		TokenMint:      mint,
		Symbol:         q.Symbol,
		PriceNative:    priceNative,
		PriceUSD:       priceUSD,
		LiquidityUSD:   liquidityUSD,
		Volume24h:      volume24h,
		PriceChange24h: priceChange24h,
		Source:         model.SourceRESTPoll,
		ReceivedAt:     time.Now(),
	}, nil
}

func (c *Client) getWithRetry(ctx context.Context, url string, out any) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("marketdata: rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if attempt == maxRetries {
				return fmt.Errorf("marketdata: request failed after %d retries: %w", maxRetries, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			log.Warn().Int("attempt", attempt+1).Msg("marketdata: rate limited by endpoint")
			c.sleep(ctx, attempt)
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == maxRetries {
				return fmt.Errorf("marketdata: server error %d after %d retries", resp.StatusCode, maxRetries)
			}
			c.sleep(ctx, attempt)
			continue
		}
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("marketdata: client error %d: %s", resp.StatusCode, string(body))
		}

		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("marketdata: decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("marketdata: exhausted %d retries", maxRetries)
}

func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := baseRetryWait << uint(attempt)
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}

