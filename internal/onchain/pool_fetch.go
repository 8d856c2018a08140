package onchain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mr-tron/base58"
)

// RaydiumPoolLayout is the default v4 AMM pool account layout: decimals
// and mint/vault public keys at their fixed byte offsets.
var RaydiumPoolLayout = PoolLayout{
	BaseDecimalsOffset: 32,
	QuoteDecimalsOffset: 40,
	CoinVaultOffset:     336,
	PCVaultOffset:       368,
	CoinMintOffset:      400,
	PCMintOffset:        432,
}

// FetchPoolAccount retrieves and decodes a pool's vault pair and
// decimals over plain JSON-RPC getAccountInfo, so the push stream can
// subscribe to the right vault accounts before any reserve data has
// arrived.
func FetchPoolAccount(ctx context.Context, rpcURL, poolAddress string, layout PoolLayout) (PoolInfo, error) {
	reqBody, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "getAccountInfo",
		"params":  []interface{}{poolAddress, map[string]string{"encoding": "base64", "commitment": "confirmed"}},
	})
	if err != nil {
		return PoolInfo{}, fmt.Errorf("onchain: marshal getAccountInfo request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, rpcURL, bytes.NewReader(reqBody))
	if err != nil {
		return PoolInfo{}, fmt.Errorf("onchain: build getAccountInfo request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return PoolInfo{}, fmt.Errorf("onchain: getAccountInfo request: %w", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		Result struct {
			Value struct {
				Data []string `json:"data"`
			} `json:"value"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return PoolInfo{}, fmt.Errorf("onchain: decode getAccountInfo response: %w", err)
	}
	if parsed.Error != nil {
		return PoolInfo{}, fmt.Errorf("onchain: getAccountInfo: %s", parsed.Error.Message)
	}
	if len(parsed.Result.Value.Data) == 0 {
		return PoolInfo{}, fmt.Errorf("onchain: pool account %s not found", poolAddress)
	}

	raw, err := base64.StdEncoding.DecodeString(parsed.Result.Value.Data[0])
	if err != nil {
		return PoolInfo{}, fmt.Errorf("onchain: decode pool account data: %w", err)
	}

	return DecodePoolAccount(raw, layout, func(b []byte) string { return base58.Encode(b) })
}
