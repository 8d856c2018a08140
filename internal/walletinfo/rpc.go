package walletinfo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RPCClient is a minimal Solana JSON-RPC client: the balance and
// token-account-by-owner calls the Safety Supervisor and balance
// tracker need. It carries its own small circuit breaker so a flaky
// RPC endpoint doesn't cascade into every caller blocking on timeouts.
type RPCClient struct {
	url        string
	httpClient *http.Client

	mu          sync.RWMutex
	failures    int
	lastFailure time.Time
	circuitOpen bool
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRPCClient builds an RPC client against a single endpoint.
func NewRPCClient(url string) *RPCClient {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
	return &RPCClient{
		url:        url,
		httpClient: &http.Client{Timeout: 30 * time.Second, Transport: transport},
	}
}

// GetBalance fetches the lamports-equivalent native balance for a
// public key.
func (c *RPCClient) GetBalance(ctx context.Context, pubkey string) (uint64, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "getBalance",
		Params: []interface{}{pubkey, map[string]string{"commitment": "confirmed"}}}

	var result struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// GetTokenAccountBalance fetches the raw token amount held in one
// token account.
func (c *RPCClient) GetTokenAccountBalance(ctx context.Context, tokenAccount string) (uint64, uint8, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "getTokenAccountBalance",
		Params: []interface{}{tokenAccount}}

	var result struct {
		Value struct {
			Amount   string `json:"amount"`
			Decimals uint8  `json:"decimals"`
		} `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return 0, 0, err
	}

	var amount uint64
	fmt.Sscanf(result.Value.Amount, "%d", &amount)
	return amount, result.Value.Decimals, nil
}

// TokenAccountInfo holds one token account's owner, mint and balance.
type TokenAccountInfo struct {
	Address  string
	Mint     string
	Amount   uint64
	Decimals uint8
}

// GetTokenAccountsByOwner fetches the owner's token account for a
// specific mint, for the ghost-position ATA check at boot.
func (c *RPCClient) GetTokenAccountsByOwner(ctx context.Context, owner, mint string) ([]TokenAccountInfo, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "getTokenAccountsByOwner",
		Params: []interface{}{owner, map[string]string{"mint": mint}, map[string]string{"encoding": "jsonParsed"}}}

	var result struct {
		Value []struct {
			Pubkey  string `json:"pubkey"`
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							Mint        string `json:"mint"`
							TokenAmount struct {
								Amount   string `json:"amount"`
								Decimals uint8  `json:"decimals"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}

	accounts := make([]TokenAccountInfo, 0, len(result.Value))
	for _, v := range result.Value {
		var amount uint64
		fmt.Sscanf(v.Account.Data.Parsed.Info.TokenAmount.Amount, "%d", &amount)
		accounts = append(accounts, TokenAccountInfo{
			Address:  v.Pubkey,
			Mint:     v.Account.Data.Parsed.Info.Mint,
			Amount:   amount,
			Decimals: v.Account.Data.Parsed.Info.TokenAmount.Decimals,
		})
	}
	return accounts, nil
}

func (c *RPCClient) call(ctx context.Context, req rpcRequest, result interface{}) error {
	if c.isCircuitOpen() {
		return fmt.Errorf("rpc circuit open")
	}

	if err := c.doCall(ctx, req, result); err != nil {
		c.recordFailure()
		return err
	}
	c.recordSuccess()
	return nil
}

func (c *RPCClient) doCall(ctx context.Context, rpcReq rpcRequest, result interface{}) error {
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	return json.Unmarshal(rpcResp.Result, result)
}

func (c *RPCClient) isCircuitOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.circuitOpen {
		return false
	}
	return time.Since(c.lastFailure) <= 30*time.Second
}

func (c *RPCClient) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	c.lastFailure = time.Now()
	if c.failures >= 5 {
		c.circuitOpen = true
		log.Warn().Msg("walletinfo: rpc circuit breaker opened")
	}
}

func (c *RPCClient) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.circuitOpen = false
}
