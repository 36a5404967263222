// Package risk implements the pre-trade risk engine and the circuit breaker
// that gates every outbound order.
package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"brokergate/internal/config"
)

// Limits are the pre-trade thresholds. A zero decimal or count disables the
// corresponding check. Limits do not change at runtime.
type Limits struct {
	AllowedSymbols       map[string]bool
	BlockedSymbols       map[string]bool
	MaxOrderNotional     decimal.Decimal
	MaxPositionNotional  decimal.Decimal
	SymbolPositionLimits map[string]decimal.Decimal
	MaxDailyLoss         decimal.Decimal
	MaxLeverage          decimal.Decimal
	MaxOrdersPerWindow   int
	OrderWindow          time.Duration
}

// PositionLimit returns the position notional cap for symbol.
func (l Limits) PositionLimit(symbol string) decimal.Decimal {
	if v, ok := l.SymbolPositionLimits[symbol]; ok {
		return v
	}
	return l.MaxPositionNotional
}

// BreakerConfig holds the circuit breaker thresholds.
type BreakerConfig struct {
	RejectionWindow   time.Duration
	MaxRejections     int
	MaxRejectionRatio decimal.Decimal
	MinSample         int
	Cooldown          time.Duration
}

// LimitsFromConfig parses the configured risk section.
func LimitsFromConfig(c config.Risk) (Limits, error) {
	l := Limits{
		AllowedSymbols:       symbolSet(c.AllowedSymbols),
		BlockedSymbols:       symbolSet(c.BlockedSymbols),
		SymbolPositionLimits: make(map[string]decimal.Decimal, len(c.SymbolPositionLimit)),
		MaxOrdersPerWindow:   c.MaxOrdersPerWindow,
		OrderWindow:          c.OrderWindow,
	}
	if l.OrderWindow <= 0 {
		l.OrderWindow = time.Minute
	}

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"max_order_notional", c.MaxOrderNotional, &l.MaxOrderNotional},
		{"max_position_notional", c.MaxPositionNotional, &l.MaxPositionNotional},
		{"max_daily_loss", c.MaxDailyLoss, &l.MaxDailyLoss},
		{"max_leverage", c.MaxLeverage, &l.MaxLeverage},
	}
	for _, f := range fields {
		v, err := parseAmount(f.name, f.raw)
		if err != nil {
			return Limits{}, err
		}
		*f.dst = v
	}
	for sym, raw := range c.SymbolPositionLimit {
		v, err := parseAmount("symbol_position_limits."+sym, raw)
		if err != nil {
			return Limits{}, err
		}
		l.SymbolPositionLimits[strings.ToUpper(sym)] = v
	}
	return l, nil
}

// BreakerFromConfig parses the configured breaker section.
func BreakerFromConfig(c config.Breaker) (BreakerConfig, error) {
	ratio, err := parseAmount("max_rejection_ratio", c.MaxRejectionRatio)
	if err != nil {
		return BreakerConfig{}, err
	}
	return BreakerConfig{
		RejectionWindow:   c.RejectionWindow,
		MaxRejections:     c.MaxRejections,
		MaxRejectionRatio: ratio,
		MinSample:         c.MinSample,
		Cooldown:          c.Cooldown,
	}, nil
}

func parseAmount(name, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("risk %s %q: %w", name, raw, err)
	}
	if v.IsNegative() {
		return decimal.Zero, fmt.Errorf("risk %s must not be negative, got %s", name, raw)
	}
	return v, nil
}

func symbolSet(symbols []string) map[string]bool {
	if len(symbols) == 0 {
		return nil
	}
	out := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		out[strings.ToUpper(strings.TrimSpace(s))] = true
	}
	return out
}
