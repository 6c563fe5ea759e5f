package tokengate

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/sha3"
	"golang.org/x/time/rate"
)

// balanceOfSelector is the ERC-20 balanceOf(address) function selector.
var balanceOfSelector = func() string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("balanceOf(address)"))
	return "0x" + hex.EncodeToString(h.Sum(nil)[:4])
}()

// ErrRPC is a well-formed JSON-RPC error response. It is not retried.
var ErrRPC = errors.New("rpc error")

// transientError marks failures worth another attempt.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type RPCOracleConfig struct {
	URL         string
	Client      *http.Client
	RPS         float64
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

// RPCOracle reads ERC-20 balances with eth_call against an Ethereum JSON-RPC endpoint.
type RPCOracle struct {
	url         string
	client      *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	logger      *slog.Logger
}

func NewRPCOracle(cfg RPCOracleConfig, logger *slog.Logger) *RPCOracle {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Second
	}
	return &RPCOracle{
		url:         cfg.URL,
		client:      cfg.Client,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RPS), int(cfg.RPS)+1),
		maxAttempts: cfg.MaxAttempts,
		minBackoff:  cfg.MinBackoff,
		maxBackoff:  cfg.MaxBackoff,
		logger:      logger,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type callParams struct {
	To   string `json:"to"`
	Data string `json:"data"`
}

// GetBalance returns address's balance of token in base units.
func (o *RPCOracle) GetBalance(ctx context.Context, address, token string) (*big.Int, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_call",
		Params: []any{
			callParams{To: token, Data: balanceOfSelector + strings.Repeat("0", 24) + strings.ToLower(strings.TrimPrefix(address, "0x"))},
			"latest",
		},
	})
	if err != nil {
		return nil, err
	}

	b := &backoff.Backoff{Min: o.minBackoff, Max: o.maxBackoff, Factor: 2, Jitter: true}
	for attempt := 1; ; attempt++ {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		balance, err := o.call(ctx, body)
		if err == nil {
			return balance, nil
		}
		var transient *transientError
		if !errors.As(err, &transient) || attempt >= o.maxAttempts {
			return nil, err
		}

		wait := b.Duration()
		o.logger.Warn("Balance oracle call failed, retrying", "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (o *RPCOracle) call(ctx context.Context, body []byte) (*big.Int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transientError{fmt.Errorf("rpc request: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &transientError{fmt.Errorf("read rpc response: %w", err)}
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &transientError{fmt.Errorf("rpc status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rpc status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("rpc returned invalid JSON")
	}

	parsed := gjson.ParseBytes(raw)
	if msg := parsed.Get("error.message"); msg.Exists() {
		return nil, fmt.Errorf("%w: %s", ErrRPC, msg.String())
	}
	result := parsed.Get("result")
	if !result.Exists() {
		return nil, fmt.Errorf("rpc response has no result")
	}
	return parseHexQuantity(result.String())
}

func parseHexQuantity(s string) (*big.Int, error) {
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if digits == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity %q", s)
	}
	return n, nil
}
