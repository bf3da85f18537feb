package ev

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/whalebot/internal/types"
)

func testTracker() (*Tracker, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	t := New(Config{
		WindowSize:      20,
		PauseSeconds:    1800,
		MinEvCents:      decimal.NewFromFloat(0.5),
		MinProfitFactor: decimal.NewFromFloat(1.1),
		ChurnCostCents:  decimal.NewFromInt(2),
	})
	t.nowFn = func() time.Time { return now }
	return t, &now
}

func trade(pnlCents int) types.TradeResult {
	return types.TradeResult{
		TokenID:  "tok",
		PnlCents: pnlCents,
		PnlUSD:   decimal.NewFromInt(int64(pnlCents)).Div(decimal.NewFromInt(10)),
		IsWin:    pnlCents > 0,
	}
}

func TestMetricsEmptyWindow(t *testing.T) {
	tr, _ := testTracker()
	m := tr.GetMetrics()
	assert.Equal(t, 0, m.TotalTrades)
	assert.True(t, m.EvCents.IsZero())

	allowed, _ := tr.IsTradingAllowed()
	assert.True(t, allowed, "empty window trades freely")
}

func TestMetricsRollingLaw(t *testing.T) {
	tr, _ := testTracker()
	for i := 0; i < 6; i++ {
		tr.RecordTrade(trade(10))
	}
	for i := 0; i < 3; i++ {
		tr.RecordTrade(trade(-5))
	}

	m := tr.GetMetrics()
	assert.Equal(t, 9, m.TotalTrades)
	assert.Equal(t, 6, m.Wins)
	assert.Equal(t, 3, m.Losses)
	assert.True(t, m.AvgWinCents.Equal(decimal.NewFromInt(10)))
	assert.True(t, m.AvgLossCents.Equal(decimal.NewFromInt(5)), "loss magnitude is positive")
	assert.True(t, m.ProfitFactor.Equal(decimal.NewFromInt(2)))
	// pWin*avgWin - pLoss*avgLoss - churn with pWin = 2/3
	pWin := decimal.NewFromInt(6).Div(decimal.NewFromInt(9))
	pLoss := decimal.NewFromInt(1).Sub(pWin)
	want := pWin.Mul(decimal.NewFromInt(10)).
		Sub(pLoss.Mul(decimal.NewFromInt(5))).
		Sub(decimal.NewFromInt(2))
	assert.True(t, m.EvCents.Equal(want), "got %s want %s", m.EvCents, want)
}

func TestWindowEviction(t *testing.T) {
	tr, _ := testTracker()
	for i := 0; i < 25; i++ {
		tr.RecordTrade(trade(10))
	}
	assert.Equal(t, 20, tr.GetMetrics().TotalTrades)
}

func TestDegradedWindowPausesTrading(t *testing.T) {
	tr, now := testTracker()

	// Symmetric wins and losses with churn on top: EV = -2, PF = 1.0
	for i := 0; i < 5; i++ {
		tr.RecordTrade(trade(10))
		tr.RecordTrade(trade(-10))
	}

	m := tr.GetMetrics()
	assert.True(t, m.EvCents.Equal(decimal.NewFromInt(-2)), "got %s", m.EvCents)
	assert.True(t, m.ProfitFactor.Equal(decimal.NewFromInt(1)))

	assert.True(t, tr.IsPaused())
	allowed, reason := tr.IsTradingAllowed()
	require.False(t, allowed)
	assert.True(t, strings.HasPrefix(reason, "EV_PAUSED"), "got %s", reason)

	// Pause expires, but the window still blocks
	*now = now.Add(31 * time.Minute)
	assert.False(t, tr.IsPaused())
	allowed, reason = tr.IsTradingAllowed()
	require.False(t, allowed)
	assert.True(t, strings.HasPrefix(reason, "EV_BELOW_MIN"), "got %s", reason)
}

func TestWarmupNeverPauses(t *testing.T) {
	tr, _ := testTracker()
	for i := 0; i < 9; i++ {
		tr.RecordTrade(trade(-10))
	}
	assert.False(t, tr.IsPaused(), "nine trades is still warmup")
	allowed, _ := tr.IsTradingAllowed()
	assert.True(t, allowed)
}

func TestUnpause(t *testing.T) {
	tr, _ := testTracker()
	for i := 0; i < 5; i++ {
		tr.RecordTrade(trade(10))
		tr.RecordTrade(trade(-10))
	}
	require.True(t, tr.IsPaused())

	tr.Unpause()
	assert.False(t, tr.IsPaused())
}
