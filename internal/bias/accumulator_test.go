package bias

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/whalebot/internal/types"
)

func testAccumulator(copyAny bool) (*Accumulator, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := New(Config{
		WindowSeconds:   3600,
		StaleSeconds:    900,
		CopyAnyWhaleBuy: copyAny,
		MinTrades:       2,
		MinFlowUSD:      decimal.NewFromInt(500),
		PriceMin:        decimal.NewFromFloat(0.10),
		PriceMax:        decimal.NewFromFloat(0.90),
		FilterEnabled:   true,
	})
	a.nowFn = func() time.Time { return now }
	return a, &now
}

func buy(wallet string, sizeUSD float64, price float64, at time.Time) types.WhaleTrade {
	return types.WhaleTrade{
		TokenID:     "tok",
		Wallet:      wallet,
		Side:        "BUY",
		SizeUSD:     decimal.NewFromFloat(sizeUSD),
		Price:       decimal.NewFromFloat(price),
		TimestampMs: at.UnixMilli(),
	}
}

func TestIngestFilters(t *testing.T) {
	a, now := testAccumulator(false)

	sell := buy("0xaaa", 300, 0.50, *now)
	sell.Side = "SELL"
	noToken := buy("0xbbb", 300, 0.50, *now)
	noToken.TokenID = ""
	tooPricey := buy("0xccc", 300, 0.95, *now)

	a.IngestTrades([]types.WhaleTrade{sell, noToken, tooPricey})

	assert.Equal(t, 0, a.GetBias("tok").TradeCount)
	assert.Equal(t, int64(1), a.FunnelSnapshot().TradesFilteredByPrice)
}

func TestIngestDeduplicates(t *testing.T) {
	a, now := testAccumulator(false)

	first := buy("0xaaa", 300, 0.50, *now)
	echo := buy("0xAAA", 300.005, 0.50, now.Add(30*time.Second)) // REST echo of the same fill
	other := buy("0xaaa", 450, 0.50, *now)                       // different size, real trade

	a.IngestTrades([]types.WhaleTrade{first})
	a.IngestTrades([]types.WhaleTrade{echo, other})

	b := a.GetBias("tok")
	assert.Equal(t, 2, b.TradeCount)
	assert.True(t, b.NetUSD.Equal(decimal.NewFromInt(750)), "got %s", b.NetUSD)
}

func TestConservativeGates(t *testing.T) {
	a, _ := testAccumulator(false)
	now := a.nowFn()

	a.IngestTrades([]types.WhaleTrade{buy("0xaaa", 300, 0.50, now)})
	ok, reason := a.CanEnter("tok")
	require.False(t, ok)
	assert.Equal(t, ReasonBelowMinTrades, reason)

	a.IngestTrades([]types.WhaleTrade{buy("0xbbb", 100, 0.50, now)})
	ok, reason = a.CanEnter("tok")
	require.False(t, ok)
	assert.Equal(t, ReasonBelowMinFlow, reason)

	a.IngestTrades([]types.WhaleTrade{buy("0xccc", 200, 0.50, now)})
	ok, _ = a.CanEnter("tok")
	assert.True(t, ok, "600 USD over 3 trades clears both gates")
	assert.Equal(t, DirectionLong, a.GetBias("tok").Direction)
}

func TestCopyAnyWhaleBuy(t *testing.T) {
	a, _ := testAccumulator(true)
	a.IngestTrades([]types.WhaleTrade{buy("0xaaa", 5, 0.50, a.nowFn())})

	ok, _ := a.CanEnter("tok")
	assert.True(t, ok, "one fresh buy is enough in copy-any mode")
}

func TestStaleness(t *testing.T) {
	a, now := testAccumulator(false)
	a.IngestTrades([]types.WhaleTrade{
		buy("0xaaa", 300, 0.50, *now),
		buy("0xbbb", 300, 0.50, *now),
	})
	ok, _ := a.CanEnter("tok")
	require.True(t, ok)

	// Past the stale horizon but inside the window: trades counted, gate shut
	*now = now.Add(1000 * time.Second)
	b := a.GetBias("tok")
	assert.Equal(t, 2, b.TradeCount)
	assert.True(t, b.IsStale)
	assert.Equal(t, DirectionNone, b.Direction)
	ok, reason := a.CanEnter("tok")
	require.False(t, ok)
	assert.Equal(t, ReasonBiasStale, reason)

	// Past the window: the trades themselves are gone
	*now = now.Add(3000 * time.Second)
	ok, reason = a.CanEnter("tok")
	require.False(t, ok)
	assert.Equal(t, ReasonNoWhaleBuySeen, reason)
}

func TestReferencePriceCents(t *testing.T) {
	a, now := testAccumulator(false)
	a.IngestTrades([]types.WhaleTrade{
		buy("0xaaa", 100, 0.40, *now),
		buy("0xbbb", 300, 0.60, *now),
	})

	assert.Equal(t, 55, a.ReferencePriceCents("tok"), "size-weighted: (40+180)/400")
	assert.Equal(t, 0, a.ReferencePriceCents("unknown"))
}

func TestReferencePriceIgnoresUnpriced(t *testing.T) {
	a, now := testAccumulator(false)
	unpriced := buy("0xaaa", 100, 0, *now)
	a.IngestTrades([]types.WhaleTrade{unpriced})

	assert.Equal(t, 0, a.ReferencePriceCents("tok"))
}

func TestActiveBiases(t *testing.T) {
	a, now := testAccumulator(true)
	t1 := buy("0xaaa", 100, 0.50, *now)
	t2 := buy("0xbbb", 200, 0.50, *now)
	t2.TokenID = "tok2"
	a.IngestTrades([]types.WhaleTrade{t1, t2})

	assert.Len(t, a.ActiveBiases(), 2)
}
