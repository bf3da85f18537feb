// Package ev keeps a rolling window of completed trades and derives the
// expected-value statistics that gate new entries. When the model says the
// edge is gone, the tracker pauses trading rather than asking anyone.
package ev

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/whalebot/internal/types"
)

var evLog = log.With().Str("module", "ev").Logger()

// warmupTrades is the sample size below which the gates stay open.
const warmupTrades = 10

// Metrics is the derived view over the last N trade results.
type Metrics struct {
	TotalTrades  int
	Wins         int
	Losses       int
	WinRate      decimal.Decimal
	AvgWinCents  decimal.Decimal
	AvgLossCents decimal.Decimal // positive magnitude
	EvCents      decimal.Decimal // pWin*avgWin - pLoss*avgLoss - churn
	ProfitFactor decimal.Decimal // avgWin/avgLoss, zero when avgLoss==0
	TotalPnlUSD  decimal.Decimal
}

// Config for the tracker.
type Config struct {
	WindowSize      int
	PauseSeconds    int
	MinEvCents      decimal.Decimal
	MinProfitFactor decimal.Decimal
	ChurnCostCents  decimal.Decimal // per share
}

// Tracker records trade outcomes and self-pauses when EV degrades.
type Tracker struct {
	cfg Config

	mu          sync.RWMutex
	results     []types.TradeResult // FIFO, oldest first, len <= WindowSize
	pausedUntil time.Time

	nowFn func() time.Time
}

// New creates a tracker.
func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, nowFn: time.Now}
}

// RecordTrade appends a completed trade, recomputes metrics, and trips the
// pause when the window says the edge is gone.
func (t *Tracker) RecordTrade(r types.TradeResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.results = append(t.results, r)
	if len(t.results) > t.cfg.WindowSize {
		t.results = t.results[len(t.results)-t.cfg.WindowSize:]
	}

	m := t.computeLocked()
	if m.TotalTrades >= warmupTrades &&
		(m.EvCents.LessThan(t.cfg.MinEvCents) || m.ProfitFactor.LessThan(t.cfg.MinProfitFactor)) {
		t.pausedUntil = t.nowFn().Add(time.Duration(t.cfg.PauseSeconds) * time.Second)
		evLog.Warn().
			Str("ev_cents", m.EvCents.StringFixed(2)).
			Str("profit_factor", m.ProfitFactor.StringFixed(2)).
			Int("trades", m.TotalTrades).
			Time("paused_until", t.pausedUntil).
			Msg("🛑 EV degraded, trading paused")
	}
}

// GetMetrics returns the current rolling statistics.
func (t *Tracker) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.computeLocked()
}

func (t *Tracker) computeLocked() Metrics {
	m := Metrics{
		WinRate: decimal.Zero, AvgWinCents: decimal.Zero, AvgLossCents: decimal.Zero,
		EvCents: decimal.Zero, ProfitFactor: decimal.Zero, TotalPnlUSD: decimal.Zero,
	}
	m.TotalTrades = len(t.results)
	if m.TotalTrades == 0 {
		return m
	}

	winSum, lossSum := decimal.Zero, decimal.Zero
	for _, r := range t.results {
		m.TotalPnlUSD = m.TotalPnlUSD.Add(r.PnlUSD)
		pnl := decimal.NewFromInt(int64(r.PnlCents))
		if r.IsWin {
			m.Wins++
			winSum = winSum.Add(pnl)
		} else {
			m.Losses++
			lossSum = lossSum.Add(pnl.Neg())
		}
	}

	total := decimal.NewFromInt(int64(m.TotalTrades))
	m.WinRate = decimal.NewFromInt(int64(m.Wins)).Div(total)
	if m.Wins > 0 {
		m.AvgWinCents = winSum.Div(decimal.NewFromInt(int64(m.Wins)))
	}
	if m.Losses > 0 {
		m.AvgLossCents = lossSum.Div(decimal.NewFromInt(int64(m.Losses)))
	}

	pWin := m.WinRate
	pLoss := decimal.NewFromInt(1).Sub(pWin)
	m.EvCents = pWin.Mul(m.AvgWinCents).Sub(pLoss.Mul(m.AvgLossCents)).Sub(t.cfg.ChurnCostCents)
	if m.AvgLossCents.GreaterThan(decimal.Zero) {
		m.ProfitFactor = m.AvgWinCents.Div(m.AvgLossCents)
	}
	return m
}

// IsTradingAllowed reports whether entries may be placed, with the blocking
// reason when they may not.
func (t *Tracker) IsTradingAllowed() (bool, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.nowFn()
	if now.Before(t.pausedUntil) {
		remaining := int(t.pausedUntil.Sub(now).Seconds())
		return false, fmt.Sprintf("EV_PAUSED (%ds remaining)", remaining)
	}

	m := t.computeLocked()
	if m.TotalTrades < warmupTrades {
		return true, ""
	}
	if m.EvCents.LessThan(t.cfg.MinEvCents) {
		return false, fmt.Sprintf("EV_BELOW_MIN (%s < %s)", m.EvCents.StringFixed(2), t.cfg.MinEvCents.StringFixed(2))
	}
	if m.ProfitFactor.LessThan(t.cfg.MinProfitFactor) {
		return false, fmt.Sprintf("PF_BELOW_MIN (%s < %s)", m.ProfitFactor.StringFixed(2), t.cfg.MinProfitFactor.StringFixed(2))
	}
	return true, ""
}

// IsPaused reports whether the self-pause is active.
func (t *Tracker) IsPaused() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nowFn().Before(t.pausedUntil)
}

// Unpause clears the pause early.
func (t *Tracker) Unpause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pausedUntil = time.Time{}
	evLog.Info().Msg("✅ EV pause cleared")
}
