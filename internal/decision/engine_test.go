package decision

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/whalebot/internal/bias"
	"github.com/web3guy0/whalebot/internal/position"
	"github.com/web3guy0/whalebot/internal/types"
)

func testConfig() Config {
	return Config{
		EntryBandCents:     4,
		MinEntryPriceCents: 30,
		MaxEntryPriceCents: 82,
		MaxSpreadCents:     3,
		MinDepthUSDAtExit:  decimal.NewFromInt(50),
		MinActivityTrades:  2,
		MinActivityUpdates: 5,

		MaxOpenPositionsTotal:    6,
		MaxOpenPositionsPerToken: 1,
		MaxDeployedFraction:      decimal.NewFromFloat(0.60),
		TradeFraction:            decimal.NewFromFloat(0.01),
		MaxTradeUSD:              decimal.NewFromInt(25),

		TakeProfitCents:   14,
		HedgeTriggerCents: 16,
		MaxAdverseCents:   30,
		MaxHoldSeconds:    6 * 3600,
		HedgeRatio:        decimal.NewFromFloat(0.40),
		MaxHedgeRatio:     decimal.NewFromFloat(0.80),
	}
}

func goodBook() types.OrderbookState {
	return types.OrderbookState{
		TokenID:       "tok",
		BestBidCents:  45,
		BestAskCents:  46,
		BidDepthUSD:   decimal.NewFromInt(100),
		AskDepthUSD:   decimal.NewFromInt(100),
		SpreadCents:   1,
		MidPriceCents: 45,
	}
}

func goodInput() EntryInput {
	return EntryInput{
		TokenID:           "tok",
		Bias:              bias.TokenBias{TokenID: "tok", Direction: bias.DirectionLong, TradeCount: 3},
		Book:              goodBook(),
		Activity:          types.MarketActivity{TradesInWindow: 3, BookUpdatesInWindow: 10},
		ReferenceCents:    50,
		EvAllowed:         true,
		EffectiveBankroll: decimal.NewFromInt(1000),
		TotalDeployedUSD:  decimal.Zero,
	}
}

func TestEvaluateEntryHappyPath(t *testing.T) {
	e := NewEngine(testConfig())

	d := e.EvaluateEntry(goodInput())

	require.True(t, d.Allowed, "reason: %s", d.Reason)
	assert.Equal(t, types.SideLong, d.Side)
	assert.Equal(t, 46, d.PriceCents, "LONG buys the ask")
	assert.True(t, d.SizeUSD.Equal(decimal.NewFromInt(10)), "1%% of 1000, got %s", d.SizeUSD)
	assert.Len(t, d.Checks, 6)
	for _, c := range d.Checks {
		assert.True(t, c.Passed, "check %s failed: %s", c.Name, c.Reason)
	}
	assert.Greater(t, d.Score, 0)
	assert.LessOrEqual(t, d.Score, 100)
}

func TestEvaluateEntrySizeCap(t *testing.T) {
	e := NewEngine(testConfig())
	in := goodInput()
	in.EffectiveBankroll = decimal.NewFromInt(10000)

	d := e.EvaluateEntry(in)
	require.True(t, d.Allowed)
	assert.True(t, d.SizeUSD.Equal(decimal.NewFromInt(25)), "capped at MaxTradeUSD, got %s", d.SizeUSD)
}

func TestEvaluateEntryRecordsAllChecksOnFailure(t *testing.T) {
	e := NewEngine(testConfig())
	in := goodInput()
	in.Bias.Direction = bias.DirectionNone

	d := e.EvaluateEntry(in)
	require.False(t, d.Allowed)
	assert.Equal(t, "BIAS_NOT_LONG", d.Reason)
	// Later gates are still evaluated and recorded
	assert.Len(t, d.Checks, 6)
	assert.True(t, d.Checks[1].Passed, "liquidity still recorded after bias failure")
}

func TestEvaluateEntryGateReasons(t *testing.T) {
	e := NewEngine(testConfig())

	tests := []struct {
		name   string
		mutate func(*EntryInput)
		reason string
	}{
		{"wide spread", func(in *EntryInput) {
			in.Book.SpreadCents = 5
		}, "SPREAD_TOO_WIDE (5c > 3c)"},
		{"thin depth", func(in *EntryInput) {
			in.Book.BidDepthUSD = decimal.NewFromInt(10)
		}, "DEPTH_TOO_THIN ($10 < $50)"},
		{"quiet market", func(in *EntryInput) {
			in.Activity = types.MarketActivity{TradesInWindow: 1, BookUpdatesInWindow: 2}
		}, "ACTIVITY_TOO_LOW"},
		{"inside entry band", func(in *EntryInput) {
			in.ReferenceCents = 46
		}, "INSIDE_ENTRY_BAND (1c < 4c)"},
		{"price out of bounds", func(in *EntryInput) {
			in.Book.BestAskCents = 90
		}, "PRICE_OUT_OF_BOUNDS (90c not in [30,82])"},
		{"too many positions", func(in *EntryInput) {
			in.OpenPositions = 6
		}, "MAX_POSITIONS_TOTAL"},
		{"token already held", func(in *EntryInput) {
			in.OpenOnToken = 1
		}, "MAX_POSITIONS_PER_TOKEN"},
		{"deployed cap", func(in *EntryInput) {
			in.TotalDeployedUSD = decimal.NewFromInt(600)
		}, "MAX_DEPLOYED_FRACTION"},
		{"ev gate", func(in *EntryInput) {
			in.EvAllowed = false
			in.EvReason = "EV_PAUSED (120s remaining)"
		}, "EV_PAUSED (120s remaining)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := goodInput()
			tt.mutate(&in)
			d := e.EvaluateEntry(in)
			require.False(t, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestEvaluateEntryNoReferencePasses(t *testing.T) {
	e := NewEngine(testConfig())
	in := goodInput()
	in.ReferenceCents = 0 // whale feed omitted prices

	d := e.EvaluateEntry(in)
	assert.True(t, d.Allowed, "deviation gate stands open without a reference")
}

func TestEvaluateExitPriority(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Now()
	p := &position.ManagedPosition{
		Side:            types.SideLong,
		EntryPriceCents: 50,
		EntryTime:       now,
	}
	liveBias := bias.TokenBias{Direction: bias.DirectionLong, TradeCount: 2}

	sig := e.EvaluateExit(p, 64, liveBias, true, now)
	require.NotNil(t, sig)
	assert.Equal(t, types.ExitTakeProfit, sig.Reason)
	assert.Equal(t, types.UrgencyMedium, sig.Urgency)

	sig = e.EvaluateExit(p, 20, liveBias, true, now)
	require.NotNil(t, sig)
	assert.Equal(t, types.ExitHard, sig.Reason)
	assert.Equal(t, types.UrgencyCritical, sig.Urgency)

	sig = e.EvaluateExit(p, 51, liveBias, true, now.Add(7*time.Hour))
	require.NotNil(t, sig)
	assert.Equal(t, types.ExitTimeStop, sig.Reason)
	assert.Equal(t, types.UrgencyLow, sig.Urgency, "profitable time stop is unhurried")

	sig = e.EvaluateExit(p, 52, liveBias, true, now)
	assert.Nil(t, sig, "small profit holds")
}

func TestEvaluateExitBiasFlip(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Now()
	p := &position.ManagedPosition{Side: types.SideLong, EntryPriceCents: 50, EntryTime: now}
	gone := bias.TokenBias{Direction: bias.DirectionNone, TradeCount: 0, IsStale: true}

	sig := e.EvaluateExit(p, 45, gone, true, now)
	require.NotNil(t, sig)
	assert.Equal(t, types.ExitBiasFlip, sig.Reason)

	// Deep underwater the hedge path owns the position instead
	sig = e.EvaluateExit(p, 32, gone, true, now)
	assert.Nil(t, sig)
}

func TestEvaluateExitEvDegraded(t *testing.T) {
	e := NewEngine(testConfig())
	now := time.Now()
	p := &position.ManagedPosition{Side: types.SideLong, EntryPriceCents: 50, EntryTime: now}
	liveBias := bias.TokenBias{Direction: bias.DirectionLong, TradeCount: 2}

	sig := e.EvaluateExit(p, 52, liveBias, false, now)
	require.NotNil(t, sig)
	assert.Equal(t, types.ExitEvDegraded, sig.Reason)

	// Losing positions ride out the pause; dumping them locks in the loss
	sig = e.EvaluateExit(p, 48, liveBias, false, now)
	assert.Nil(t, sig)
}

func TestHedgeSize(t *testing.T) {
	e := NewEngine(testConfig())
	p := &position.ManagedPosition{
		EntrySizeUSD:    decimal.NewFromInt(100),
		TotalHedgeRatio: decimal.Zero,
	}

	size, ratio := e.HedgeSize(p)
	assert.True(t, size.Equal(decimal.NewFromInt(40)), "got %s", size)
	assert.True(t, ratio.Equal(decimal.NewFromFloat(0.40)))

	p.TotalHedgeRatio = decimal.NewFromFloat(0.70)
	size, ratio = e.HedgeSize(p)
	assert.True(t, size.Equal(decimal.NewFromInt(10)), "room-limited, got %s", size)
	assert.True(t, ratio.Equal(decimal.NewFromFloat(0.10)))

	p.TotalHedgeRatio = decimal.NewFromFloat(0.80)
	size, _ = e.HedgeSize(p)
	assert.True(t, size.IsZero(), "no room left")
}
