package executor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/whalebot/internal/bias"
	"github.com/web3guy0/whalebot/internal/decision"
	"github.com/web3guy0/whalebot/internal/ev"
	"github.com/web3guy0/whalebot/internal/position"
	"github.com/web3guy0/whalebot/internal/reserve"
	"github.com/web3guy0/whalebot/internal/types"
)

func simEngine(t *testing.T) (*Engine, *bias.Accumulator) {
	t.Helper()

	positions := position.NewManager(position.Config{
		TakeProfitCents:   14,
		HedgeTriggerCents: 16,
		MaxAdverseCents:   30,
		MaxHoldSeconds:    6 * 3600,
		MaxHedgeRatio:     decimal.NewFromFloat(0.80),
	})
	decider := decision.NewEngine(decision.Config{
		EntryBandCents:           4,
		MinEntryPriceCents:       30,
		MaxEntryPriceCents:       82,
		MaxSpreadCents:           3,
		MinDepthUSDAtExit:        decimal.NewFromInt(50),
		MinActivityTrades:        2,
		MinActivityUpdates:       5,
		MaxOpenPositionsTotal:    6,
		MaxOpenPositionsPerToken: 1,
		MaxDeployedFraction:      decimal.NewFromFloat(0.60),
		TradeFraction:            decimal.NewFromFloat(0.01),
		MaxTradeUSD:              decimal.NewFromInt(25),
		TakeProfitCents:          14,
		HedgeTriggerCents:        16,
		MaxAdverseCents:          30,
		MaxHoldSeconds:           6 * 3600,
		HedgeRatio:               decimal.NewFromFloat(0.40),
		MaxHedgeRatio:            decimal.NewFromFloat(0.80),
	})
	evTracker := ev.New(ev.Config{
		WindowSize:      200,
		PauseSeconds:    1800,
		MinEvCents:      decimal.NewFromFloat(0.5),
		MinProfitFactor: decimal.NewFromFloat(1.1),
		ChurnCostCents:  decimal.NewFromInt(2),
	})
	biases := bias.New(bias.Config{
		WindowSeconds: 3600,
		StaleSeconds:  900,
		MinTrades:     2,
		MinFlowUSD:    decimal.NewFromInt(500),
		FilterEnabled: true,
		PriceMax:      decimal.NewFromInt(1),
	})
	reserves := reserve.New(reserve.Config{
		BaseFraction:   decimal.NewFromFloat(0.25),
		MaxFraction:    decimal.NewFromFloat(0.40),
		AdaptationRate: decimal.NewFromFloat(0.20),
		MinReserveUSD:  decimal.NewFromInt(20),
	})

	e := New(Config{DryRun: true, CooldownPerToken: 3 * time.Minute},
		positions, decider, evTracker, biases, reserves)
	return e, biases
}

func seedBias(biases *bias.Accumulator, tokenID string) {
	now := time.Now()
	biases.IngestTrades([]types.WhaleTrade{
		{TokenID: tokenID, Wallet: "0xaaa", Side: "BUY", SizeUSD: decimal.NewFromInt(400), Price: decimal.NewFromFloat(0.50), TimestampMs: now.UnixMilli()},
		{TokenID: tokenID, Wallet: "0xbbb", Side: "BUY", SizeUSD: decimal.NewFromInt(400), Price: decimal.NewFromFloat(0.45), TimestampMs: now.UnixMilli()},
	})
}

func view(bid, ask int) MarketView {
	return MarketView{
		MarketID: "cond",
		Book: types.OrderbookState{
			TokenID:       "tok",
			BestBidCents:  bid,
			BestAskCents:  ask,
			BidDepthUSD:   decimal.NewFromInt(100),
			AskDepthUSD:   decimal.NewFromInt(100),
			SpreadCents:   ask - bid,
			MidPriceCents: (bid + ask) / 2,
			FetchedAt:     time.Now(),
		},
		Activity:       types.MarketActivity{TradesInWindow: 3, BookUpdatesInWindow: 10},
		ReferenceCents: 52,
	}
}

func TestSimulatedEntry(t *testing.T) {
	e, biases := simEngine(t)
	seedBias(biases, "tok")
	balance := decimal.NewFromInt(1000)

	res := e.ProcessEntry(context.Background(), "tok", view(45, 46), balance)
	require.True(t, res.Success, "reason: %s", res.Reason)
	require.NotNil(t, res.Position)
	assert.Equal(t, 46, res.Position.EntryPriceCents, "simulated fill at the ask")
	assert.Equal(t, types.StateOpen, res.Position.State)

	// The per-token cooldown blocks an immediate re-entry
	res = e.ProcessEntry(context.Background(), "tok", view(45, 46), balance)
	require.False(t, res.Success)
	assert.Equal(t, "COOLDOWN", res.Reason)
}

func TestSimulatedTakeProfitExit(t *testing.T) {
	e, biases := simEngine(t)
	seedBias(biases, "tok")
	balance := decimal.NewFromInt(1000)

	res := e.ProcessEntry(context.Background(), "tok", view(45, 46), balance)
	require.True(t, res.Success, "reason: %s", res.Reason)

	summary := e.ProcessExits(context.Background(), map[string]MarketView{
		"tok": view(60, 61), // bid 14c above the 46c entry
	})
	require.Len(t, summary.Exited, 1)
	r := summary.Exited[0]
	assert.Equal(t, 60, r.ExitCents, "LONG exits into the bid")
	assert.Equal(t, 14, r.PnlCents)
	assert.True(t, r.IsWin)
	assert.Equal(t, types.StateClosed, res.Position.State)
}

func TestSimulatedHedgeFlow(t *testing.T) {
	e, biases := simEngine(t)
	seedBias(biases, "tok")
	balance := decimal.NewFromInt(1000)

	res := e.ProcessEntry(context.Background(), "tok", view(45, 46), balance)
	require.True(t, res.Success, "reason: %s", res.Reason)

	adverse := view(30, 31) // 16c against the 46c entry
	adverse.OppositeTokenID = "opp"
	oppBook := types.OrderbookState{
		TokenID: "opp", BestBidCents: 67, BestAskCents: 69,
		SpreadCents: 2, MidPriceCents: 68, FetchedAt: time.Now(),
	}
	adverse.OppositeBook = &oppBook

	summary := e.ProcessExits(context.Background(), map[string]MarketView{"tok": adverse})
	assert.Empty(t, summary.Exited)
	require.Len(t, summary.Hedged, 1)

	p := res.Position
	assert.Equal(t, types.StateHedged, p.State)
	require.Len(t, p.Hedges, 1)
	assert.Equal(t, "opp", p.Hedges[0].TokenID)
	assert.Equal(t, 69, p.Hedges[0].EntryCents, "hedge buys the opposite ask")
	assert.True(t, p.TotalHedgeRatio.Equal(decimal.NewFromFloat(0.40)))
}

func TestExitNow(t *testing.T) {
	e, biases := simEngine(t)
	seedBias(biases, "tok")
	balance := decimal.NewFromInt(1000)

	res := e.ProcessEntry(context.Background(), "tok", view(45, 46), balance)
	require.True(t, res.Success, "reason: %s", res.Reason)

	result, ok := e.ExitNow(context.Background(), res.Position, view(44, 45).Book, types.ExitLiquidation)
	require.True(t, ok)
	assert.Equal(t, -2, result.PnlCents)
	assert.Equal(t, types.StateClosed, res.Position.State)
}

func TestEntryNoBankroll(t *testing.T) {
	e, biases := simEngine(t)
	seedBias(biases, "tok")

	// Tiny balance: the absolute reserve floor eats all of it
	res := e.ProcessEntry(context.Background(), "tok", view(45, 46), decimal.NewFromInt(15))
	require.False(t, res.Success)
	assert.Equal(t, "NO_BANKROLL", res.Reason)
}
