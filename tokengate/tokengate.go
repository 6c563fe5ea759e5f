// Package tokengate authorizes write actions by the caller's token balance.
package tokengate

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"basement/metrics"
	"basement/utils"
)

// Action is a gated write.
type Action string

const (
	ActionCreateThread Action = "createThread"
	ActionCreatePost   Action = "createPost"
	ActionVote         Action = "vote"
)

// Reason explains a denial.
type Reason string

const (
	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonInvalidAddress      Reason = "invalid_address"
	ReasonOracleUnavailable   Reason = "oracle_unavailable"
)

// BalanceOracle reports a wallet's holding of a token in base units.
type BalanceOracle interface {
	GetBalance(ctx context.Context, address, token string) (*big.Int, error)
}

// Decision is the outcome of a gate check. Denials carry enough detail to tell the
// caller how much they hold, how much they need, and where to buy more.
type Decision struct {
	Allowed           bool     `json:"allowed"`
	Reason            Reason   `json:"reason,omitempty"`
	Message           string   `json:"message,omitempty"`
	Balance           *big.Int `json:"-"`
	BalanceFormatted  string   `json:"balance,omitempty"`
	Required          *big.Int `json:"-"`
	RequiredFormatted string   `json:"required,omitempty"`
	PurchaseURL       string   `json:"buyLink,omitempty"`
}

type Config struct {
	TokenAddress string
	Decimals     int
	Minimums     map[Action]*big.Int
	PurchaseURL  string
	Timeout      time.Duration
}

// Gate compares balances against per-action minimums. It holds no per-request state.
type Gate struct {
	oracle BalanceOracle
	cfg    Config
	logger *slog.Logger
}

func NewGate(oracle BalanceOracle, cfg Config, logger *slog.Logger) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Gate{oracle: oracle, cfg: cfg, logger: logger}
}

// Required returns the minimum balance for action, or nil when the action is ungated.
func (g *Gate) Required(action Action) *big.Int {
	req, ok := g.cfg.Minimums[action]
	if !ok || req == nil || req.Sign() <= 0 {
		return nil
	}
	return req
}

// Check decides whether address may perform action. It never returns an error:
// every failure becomes a denial with a distinguishable Reason.
func (g *Gate) Check(ctx context.Context, address string, action Action) Decision {
	if !utils.IsValidWalletAddress(address) {
		return Decision{Reason: ReasonInvalidAddress, Message: "Invalid wallet address."}
	}
	required := g.Required(action)
	if required == nil {
		return Decision{Allowed: true}
	}
	requiredFmt := FormatUnits(required, g.cfg.Decimals)

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	start := time.Now()
	balance, err := g.oracle.GetBalance(ctx, address, g.cfg.TokenAddress)
	if err != nil {
		metrics.OracleCall("error", time.Since(start))
		g.logger.Warn("Balance oracle call failed", "action", action, "error", err)
		return Decision{
			Reason:            ReasonOracleUnavailable,
			Message:           "Unable to verify token balance right now. Please try again later.",
			Required:          required,
			RequiredFormatted: requiredFmt,
			PurchaseURL:       g.cfg.PurchaseURL,
		}
	}
	metrics.OracleCall("ok", time.Since(start))

	balanceFmt := FormatUnits(balance, g.cfg.Decimals)
	if balance.Cmp(required) < 0 {
		return Decision{
			Reason:            ReasonInsufficientBalance,
			Message:           fmt.Sprintf("You need at least %s tokens to %s. Your balance: %s.", requiredFmt, describe(action), balanceFmt),
			Balance:           balance,
			BalanceFormatted:  balanceFmt,
			Required:          required,
			RequiredFormatted: requiredFmt,
			PurchaseURL:       g.cfg.PurchaseURL,
		}
	}
	return Decision{
		Allowed:           true,
		Balance:           balance,
		BalanceFormatted:  balanceFmt,
		Required:          required,
		RequiredFormatted: requiredFmt,
	}
}

func describe(action Action) string {
	switch action {
	case ActionCreateThread:
		return "create a thread"
	case ActionCreatePost:
		return "reply"
	case ActionVote:
		return "vote"
	default:
		return string(action)
	}
}

// FormatUnits renders a base-unit amount as a decimal string, trimming trailing zeros.
func FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	if decimals <= 0 {
		return amount.String()
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(abs, divisor, new(big.Int))

	s := whole.String()
	if frac.Sign() != 0 {
		fracStr := frac.String()
		fracStr = strings.Repeat("0", decimals-len(fracStr)) + fracStr
		s += "." + strings.TrimRight(fracStr, "0")
	}
	if neg {
		s = "-" + s
	}
	return s
}

// ParseUnits parses a base-unit integer string such as "1000000000000000".
func ParseUnits(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid token amount %q", s)
	}
	return n, nil
}
