package execservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/net/http2"
)

// HTTPAdapter drives a Jupiter-style swap API over a small pool of
// HTTP/2-capable clients, round-robined the same way the teacher's
// Jupiter client spreads load across API keys.
type HTTPAdapter struct {
	baseURL string
	clients []*http.Client
	next    atomic.Uint32
}

// NewHTTPAdapter builds an adapter with poolSize pooled HTTP/2 clients.
func NewHTTPAdapter(baseURL string, poolSize int) *HTTPAdapter {
	if poolSize < 1 {
		poolSize = 1
	}
	clients := make([]*http.Client, poolSize)
	for i := range clients {
		transport := &http.Transport{
			ForceAttemptHTTP2:   true,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}
		http2.ConfigureTransport(transport)
		clients[i] = &http.Client{Transport: transport, Timeout: 15 * time.Second}
	}
	return &HTTPAdapter{baseURL: baseURL, clients: clients}
}

func (a *HTTPAdapter) client() *http.Client {
	idx := a.next.Add(1) % uint32(len(a.clients))
	return a.clients[idx]
}

type swapRequestBody struct {
	Mint            string `json:"mint"`
	FractionPercent string `json:"fraction_percent"`
	SlippageBps     int    `json:"slippage_bps"`
	PriorityTip     uint64 `json:"priority_tip"`
	Emergency       bool   `json:"emergency"`
}

type swapResponseBody struct {
	Signature      string `json:"signature"`
	InputAmount    string `json:"input_amount"`
	OutputAmount   string `json:"output_amount"`
	Route          string `json:"route"`
	PriceImpactPct string `json:"price_impact_pct"`
	FeePaid        string `json:"fee_paid"`
}

func parseDecimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

// ExecuteSellWithRetry performs a single swap attempt. Retry/backoff
// escalation across attempts is the Execution Router's job, not this
// adapter's; this method is one attempt.
func (a *HTTPAdapter) ExecuteSellWithRetry(ctx context.Context, req SellRequest) (SwapOutcome, error) {
	body := swapRequestBody{
		Mint:            req.TokenMint,
		FractionPercent: req.FractionPercent.String(),
		SlippageBps:     req.SlippageBps,
		PriorityTip:     req.PriorityTip,
		Emergency:       req.IsEmergency,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return SwapOutcome{}, fmt.Errorf("marshal swap request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/swap", bytes.NewReader(payload))
	if err != nil {
		return SwapOutcome{}, fmt.Errorf("build swap request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client().Do(httpReq)
	if err != nil {
		return SwapOutcome{}, fmt.Errorf("swap request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return SwapOutcome{}, fmt.Errorf("swap failed: status %d", resp.StatusCode)
	}

	var out swapResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return SwapOutcome{}, fmt.Errorf("decode swap response: %w", err)
	}

	return SwapOutcome{
		Signature:      out.Signature,
		InputAmount:    parseDecimal(out.InputAmount),
		OutputAmount:   parseDecimal(out.OutputAmount),
		Route:          out.Route,
		PriceImpactPct: parseDecimal(out.PriceImpactPct),
		FeePaid:        parseDecimal(out.FeePaid),
	}, nil
}

// ExecuteMultiSell liquidates several mints, sending one swap request
// per mint in order. It stops at the first failure and returns the
// outcomes gathered so far.
func (a *HTTPAdapter) ExecuteMultiSell(ctx context.Context, mints []string, fractionPercent decimal.Decimal) ([]SwapOutcome, error) {
	outcomes := make([]SwapOutcome, 0, len(mints))
	for _, mint := range mints {
		outcome, err := a.ExecuteSellWithRetry(ctx, SellRequest{
			TokenMint:       mint,
			FractionPercent: fractionPercent,
			IsEmergency:     true,
		})
		if err != nil {
			return outcomes, fmt.Errorf("multi-sell %s: %w", mint, err)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// HTTPPriorityFeeOracle queries a priority-fee endpoint with a hard
// cap, falling back to the Router's configured default when
// unavailable.
type HTTPPriorityFeeOracle struct {
	url        string
	client     *http.Client
	maxLamports uint64
}

func NewHTTPPriorityFeeOracle(url string, maxLamports uint64) *HTTPPriorityFeeOracle {
	return &HTTPPriorityFeeOracle{
		url:         url,
		client:      &http.Client{Timeout: 2 * time.Second},
		maxLamports: maxLamports,
	}
}

func (o *HTTPPriorityFeeOracle) PriorityFee(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var out struct {
		PriorityFeeLamports uint64 `json:"priority_fee_lamports"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	if out.PriorityFeeLamports > o.maxLamports {
		return o.maxLamports, nil
	}
	return out.PriorityFeeLamports, nil
}
