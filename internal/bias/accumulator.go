// Package bias turns raw whale BUY flow into per-token directional signals.
// A bias is permission to enter, not a prediction: it says enough whale
// money bought this token recently.
package bias

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/whalebot/internal/types"
)

var biasLog = log.With().Str("module", "bias").Logger()

// Direction of a token bias. Only BUY rows are retained, so the only
// derivable direction is LONG.
type Direction string

const (
	DirectionLong Direction = "LONG"
	DirectionNone Direction = "NONE"
)

// Eligibility failure reasons. These are gate outcomes, not errors.
const (
	ReasonNoWhaleBuySeen    = "NO_WHALE_BUY_SEEN"
	ReasonBiasStale         = "BIAS_STALE"
	ReasonBelowMinTrades    = "BIAS_BELOW_MIN_TRADES"
	ReasonBelowMinFlow      = "BIAS_BELOW_MIN_FLOW"
)

// TokenBias is the derived signal for one token. Never stored; recomputed
// from the retained window on demand.
type TokenBias struct {
	TokenID      string
	Direction    Direction
	NetUSD       decimal.Decimal
	TradeCount   int
	LastActivity time.Time
	IsStale      bool
}

// Config is the subset of daemon config the accumulator needs.
type Config struct {
	WindowSeconds   int
	StaleSeconds    int
	CopyAnyWhaleBuy bool
	MinTrades       int
	MinFlowUSD      decimal.Decimal
	PriceMin        decimal.Decimal
	PriceMax        decimal.Decimal
	FilterEnabled   bool
}

// Funnel counters, snapshotted by the scheduler each tick.
type Funnel struct {
	TradesIngested        int64
	TradesFilteredByPrice int64
	UniqueTokensWithTrades int
}

// Accumulator keeps a sliding window of whale BUY trades per token.
type Accumulator struct {
	cfg Config

	mu     sync.RWMutex
	trades map[string][]types.WhaleTrade // tokenID -> retained BUYs, append order

	ingested        int64
	filteredByPrice int64

	nowFn func() time.Time
}

// New creates an accumulator. A disabled price filter (min>max upstream)
// arrives here as FilterEnabled=false; the config loader already warned.
func New(cfg Config) *Accumulator {
	if !cfg.FilterEnabled {
		biasLog.Warn().
			Str("min", cfg.PriceMin.String()).
			Str("max", cfg.PriceMax.String()).
			Msg("⚠️ Whale price filter disabled (min above max)")
	}
	return &Accumulator{
		cfg:    cfg,
		trades: make(map[string][]types.WhaleTrade),
		nowFn:  time.Now,
	}
}

// IngestTrades absorbs a batch of whale activity rows. Sells, rows without
// a token ID, and rows outside the price filter are dropped; duplicates
// (same wallet, size within one cent, timestamp within 60s) are collapsed.
// The window is pruned on every call.
func (a *Accumulator) IngestTrades(batch []types.WhaleTrade) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.nowFn()

	for _, t := range batch {
		if !strings.EqualFold(t.Side, "BUY") {
			continue
		}
		if strings.TrimSpace(t.TokenID) == "" {
			continue
		}
		if a.cfg.FilterEnabled && !t.Price.IsZero() {
			if t.Price.LessThan(a.cfg.PriceMin) || t.Price.GreaterThan(a.cfg.PriceMax) {
				a.filteredByPrice++
				continue
			}
		}
		if a.isDuplicate(t) {
			continue
		}
		a.trades[t.TokenID] = append(a.trades[t.TokenID], t)
		a.ingested++
	}

	a.pruneLocked(now)
}

// isDuplicate applies the fuzzy on-chain vs REST convergence rule: the same
// wallet buying the same size (±$0.01) within 60 seconds is one trade.
func (a *Accumulator) isDuplicate(t types.WhaleTrade) bool {
	centTol := decimal.NewFromFloat(0.01)
	for _, existing := range a.trades[t.TokenID] {
		if !strings.EqualFold(existing.Wallet, t.Wallet) {
			continue
		}
		if existing.SizeUSD.Sub(t.SizeUSD).Abs().GreaterThan(centTol) {
			continue
		}
		deltaMs := existing.TimestampMs - t.TimestampMs
		if deltaMs < 0 {
			deltaMs = -deltaMs
		}
		if deltaMs <= 60_000 {
			return true
		}
	}
	return false
}

func (a *Accumulator) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Duration(a.cfg.WindowSeconds) * time.Second).UnixMilli()
	for token, list := range a.trades {
		kept := list[:0]
		for _, t := range list {
			if t.TimestampMs >= cutoff {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(a.trades, token)
		} else {
			a.trades[token] = kept
		}
	}
}

// GetBias derives the current bias for one token.
func (a *Accumulator) GetBias(tokenID string) TokenBias {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.deriveLocked(tokenID, a.nowFn())
}

func (a *Accumulator) deriveLocked(tokenID string, now time.Time) TokenBias {
	b := TokenBias{TokenID: tokenID, Direction: DirectionNone, NetUSD: decimal.Zero}

	cutoff := now.Add(-time.Duration(a.cfg.WindowSeconds) * time.Second).UnixMilli()
	for _, t := range a.trades[tokenID] {
		if t.TimestampMs < cutoff {
			continue
		}
		b.NetUSD = b.NetUSD.Add(t.SizeUSD)
		b.TradeCount++
		ts := time.UnixMilli(t.TimestampMs)
		if ts.After(b.LastActivity) {
			b.LastActivity = ts
		}
	}

	b.IsStale = b.LastActivity.Before(now.Add(-time.Duration(a.cfg.StaleSeconds) * time.Second))

	if a.cfg.CopyAnyWhaleBuy {
		if b.TradeCount >= 1 && !b.IsStale {
			b.Direction = DirectionLong
		}
	} else if !b.IsStale && b.TradeCount >= a.cfg.MinTrades && b.NetUSD.GreaterThanOrEqual(a.cfg.MinFlowUSD) {
		b.Direction = DirectionLong
	}
	return b
}

// ReferencePriceCents returns the size-weighted average price the whales
// paid for a token, in cents. Zero when no retained trade carried a price.
func (a *Accumulator) ReferencePriceCents(tokenID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	weighted, total := decimal.Zero, decimal.Zero
	for _, t := range a.trades[tokenID] {
		if t.Price.IsZero() {
			continue
		}
		weighted = weighted.Add(t.Price.Mul(t.SizeUSD))
		total = total.Add(t.SizeUSD)
	}
	if total.IsZero() {
		return 0
	}
	return types.CentsFromDecimal(weighted.Div(total))
}

// ActiveBiases returns the bias for every token with retained trades.
func (a *Accumulator) ActiveBiases() []TokenBias {
	a.mu.RLock()
	defer a.mu.RUnlock()

	now := a.nowFn()
	out := make([]TokenBias, 0, len(a.trades))
	for token := range a.trades {
		out = append(out, a.deriveLocked(token, now))
	}
	return out
}

// CanEnter reports whether the bias gate passes for a token, with the
// eligibility reason when it does not.
func (a *Accumulator) CanEnter(tokenID string) (bool, string) {
	b := a.GetBias(tokenID)
	if b.TradeCount == 0 {
		return false, ReasonNoWhaleBuySeen
	}
	if b.IsStale {
		return false, ReasonBiasStale
	}
	if a.cfg.CopyAnyWhaleBuy {
		return true, ""
	}
	if b.TradeCount < a.cfg.MinTrades {
		return false, ReasonBelowMinTrades
	}
	if b.NetUSD.LessThan(a.cfg.MinFlowUSD) {
		return false, ReasonBelowMinFlow
	}
	return true, ""
}

// FunnelSnapshot returns ingestion counters for the status line.
func (a *Accumulator) FunnelSnapshot() Funnel {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Funnel{
		TradesIngested:         a.ingested,
		TradesFilteredByPrice:  a.filteredByPrice,
		UniqueTokensWithTrades: len(a.trades),
	}
}
