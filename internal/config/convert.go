package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/ruleset"
)

func parseAmount(s string) (*uint256.Int, error) {
	v, err := domain.ParseAmount(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	if err != nil {
		return nil, err
	}
	return v, nil
}

func parsePrice(s string) (decimal.Decimal, error) {
	p, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q: %w", s, err)
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("price %q must be positive", s)
	}
	return p, nil
}

// Addresses converts hex strings to addresses. Callers validate first.
func Addresses(hexes []string) []common.Address {
	out := make([]common.Address, 0, len(hexes))
	for _, h := range hexes {
		out = append(out, common.HexToAddress(h))
	}
	return out
}

// Amount parses a configured amount; the empty string is nil.
func Amount(s string) (*uint256.Int, error) { return parseAmount(s) }

// Strategy converts the seed into a validated domain strategy.
func (a AssetConfig) Strategy() (domain.AssetStrategy, error) {
	if !common.IsHexAddress(a.Address) {
		return domain.AssetStrategy{}, fmt.Errorf("address %q is not a hex address", a.Address)
	}
	s := domain.AssetStrategy{
		Asset:  common.HexToAddress(a.Address),
		Symbol: a.Symbol,
		Limits: domain.BreakerLimits{
			Window:               a.Window.Duration,
			MaxSlippageBps:       a.MaxSlippageBps,
			MaxAttemptsPerWindow: a.MaxAttemptsPerWindow,
			MaxFailures:          a.MaxFailures,
		},
	}
	var err error
	if s.MinProfitFloor, err = parseAmount(a.MinProfitFloor); err != nil {
		return s, fmt.Errorf("min_profit_floor: %w", err)
	}
	if s.MaxBorrow, err = parseAmount(a.MaxBorrow); err != nil {
		return s, fmt.Errorf("max_borrow: %w", err)
	}
	if s.Limits.MaxVolumePerWindow, err = parseAmount(a.MaxVolumePerWindow); err != nil {
		return s, fmt.Errorf("max_volume_per_window: %w", err)
	}
	if s.MinProfitFloor != nil {
		s.Limits.MinProfitFloor = s.MinProfitFloor.Clone()
	}
	if err := ruleset.ValidateStrategy(s); err != nil {
		return s, err
	}
	return s, nil
}

// Strategies converts every asset seed.
func (c *Config) Strategies() ([]domain.AssetStrategy, error) {
	out := make([]domain.AssetStrategy, 0, len(c.Assets))
	for i, a := range c.Assets {
		s, err := a.Strategy()
		if err != nil {
			return nil, fmt.Errorf("assets[%d]: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// SeedPrices returns the configured manual oracle prices by asset.
func (o OracleConfig) SeedPrices() (map[common.Address]decimal.Decimal, error) {
	out := make(map[common.Address]decimal.Decimal, len(o.Prices))
	for i, p := range o.Prices {
		price, err := parsePrice(p.Price)
		if err != nil {
			return nil, fmt.Errorf("oracle.prices[%d]: %w", i, err)
		}
		out[common.HexToAddress(p.Asset)] = price
	}
	return out, nil
}

// Actor resolves an API key to its secret and actor address.
func (s ServerConfig) Actor(key string) (secret string, actor common.Address, ok bool) {
	for _, k := range s.APIKeys {
		if k.Key == key {
			return k.Secret, common.HexToAddress(k.Actor), true
		}
	}
	return "", common.Address{}, false
}
