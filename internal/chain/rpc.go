// Package chain is the engine's Solana surface: a JSON-RPC client covering
// the handful of methods the automation pipeline needs, and ed25519 keypair
// helpers for automation wallets.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/signalswap/backend/internal/circuitbreaker"
	"github.com/signalswap/backend/internal/core"
)

// readTimeout bounds every chain read.
const readTimeout = 5 * time.Second

// RPCClient speaks JSON-RPC 2.0 to a Solana node.
type RPCClient struct {
	url     string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewRPCClient creates a client for the node at url.
func NewRPCClient(url string) *RPCClient {
	return &RPCClient{
		url:     url,
		client:  &http.Client{Timeout: readTimeout},
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("solana-rpc")),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one RPC round-trip, decoding the result into out.
func (c *RPCClient) call(ctx context.Context, method string, params []any, out any) error {
	return c.breaker.Do(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
		if err != nil {
			return fmt.Errorf("%w: marshal %s: %v", core.ErrUpstreamProtocol, method, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%w: %v", core.ErrUpstreamProtocol, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", core.ErrUpstreamTransient, method, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: rpc returned %d", core.ErrUpstreamTransient, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("%w: rpc returned %d", core.ErrUpstreamProtocol, resp.StatusCode)
		}

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("%w: read rpc response: %v", core.ErrUpstreamTransient, err)
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(raw, &rpcResp); err != nil {
			return fmt.Errorf("%w: decode rpc response: %v", core.ErrUpstreamProtocol, err)
		}
		if rpcResp.Error != nil {
			return classifyRPCError(method, rpcResp.Error)
		}
		if out != nil {
			if err := json.Unmarshal(rpcResp.Result, out); err != nil {
				return fmt.Errorf("%w: decode %s result: %v", core.ErrUpstreamProtocol, method, err)
			}
		}
		return nil
	})
}

// classifyRPCError maps node errors onto the core kinds.
func classifyRPCError(method string, e *rpcError) error {
	msg := strings.ToLower(e.Message)
	switch {
	case strings.Contains(msg, "blockhash not found"), strings.Contains(msg, "blockhashnotfound"):
		return fmt.Errorf("%w: %s", core.ErrBlockhashExpired, e.Message)
	case strings.Contains(msg, "insufficient funds"), strings.Contains(msg, "insufficient lamports"):
		return fmt.Errorf("%w: %s", core.ErrInsufficientFunds, e.Message)
	case e.Code == -32005: // node behind
		return fmt.Errorf("%w: %s", core.ErrUpstreamTransient, e.Message)
	default:
		return fmt.Errorf("%w: %s rpc error %d: %s", core.ErrUpstreamProtocol, method, e.Code, e.Message)
	}
}

type contextValue[T any] struct {
	Value T `json:"value"`
}

// GetBalance returns the lamport balance of address.
func (c *RPCClient) GetBalance(ctx context.Context, address string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var out contextValue[uint64]
	if err := c.call(ctx, "getBalance", []any{address}, &out); err != nil {
		return 0, err
	}
	return out.Value, nil
}

// LatestBlockhash is the node's most recent blockhash.
type LatestBlockhash struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// GetLatestBlockhash fetches a fresh blockhash for transaction building.
func (c *RPCClient) GetLatestBlockhash(ctx context.Context) (*LatestBlockhash, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var out contextValue[LatestBlockhash]
	if err := c.call(ctx, "getLatestBlockhash", []any{map[string]string{"commitment": "finalized"}}, &out); err != nil {
		return nil, err
	}
	return &out.Value, nil
}

// NativeMint is the wrapped-SOL mint. Balances for it come from getBalance
// rather than a token account.
const NativeMint = "So11111111111111111111111111111111111111112"

// GetTokenBalance sums the owner's token-account balances for mint, in the
// mint's smallest unit.
func (c *RPCClient) GetTokenBalance(ctx context.Context, owner, mint string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var out contextValue[[]struct {
		Account struct {
			Data struct {
				Parsed struct {
					Info struct {
						TokenAmount struct {
							Amount string `json:"amount"`
						} `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	}]
	err := c.call(ctx, "getTokenAccountsByOwner",
		[]any{owner, map[string]string{"mint": mint}, map[string]string{"encoding": "jsonParsed"}}, &out)
	if err != nil {
		return 0, err
	}

	var total uint64
	for _, acct := range out.Value {
		n, err := strconv.ParseUint(acct.Account.Data.Parsed.Info.TokenAmount.Amount, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: parse token amount %q: %v", core.ErrUpstreamProtocol,
				acct.Account.Data.Parsed.Info.TokenAmount.Amount, err)
		}
		total += n
	}
	return total, nil
}

// SendTransaction submits a base64-encoded signed transaction and returns its
// signature.
func (c *RPCClient) SendTransaction(ctx context.Context, txBase64 string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var sig string
	err := c.call(ctx, "sendTransaction",
		[]any{txBase64, map[string]any{"encoding": "base64", "skipPreflight": false}}, &sig)
	if err != nil {
		return "", err
	}
	return sig, nil
}

// SignatureStatus is the confirmation state of one submitted transaction.
type SignatureStatus struct {
	ConfirmationStatus string          `json:"confirmationStatus"`
	Err                json.RawMessage `json:"err"`
}

// Failed reports whether the cluster recorded an execution error.
func (s *SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// GetSignatureStatus looks up one signature, searching transaction history so
// reconciliation finds signatures older than the recent-status cache.
func (c *RPCClient) GetSignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var out contextValue[[]*SignatureStatus]
	err := c.call(ctx, "getSignatureStatuses",
		[]any{[]string{signature}, map[string]bool{"searchTransactionHistory": true}}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return nil, nil // unknown to the cluster
	}
	return out.Value[0], nil
}
