package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/whalebot/internal/config"
	"github.com/web3guy0/whalebot/internal/ev"
	"github.com/web3guy0/whalebot/internal/marketdata"
	"github.com/web3guy0/whalebot/internal/position"
	"github.com/web3guy0/whalebot/internal/reserve"
	"github.com/web3guy0/whalebot/internal/types"
)

// deadRest is a book source where every market looks gone.
type deadRest struct{}

func (deadRest) FetchOrderbook(_ context.Context, tokenID string) (types.OrderbookState, error) {
	return types.OrderbookState{}, &marketdata.BookError{Kind: types.FailNoOrderbook, TokenID: tokenID}
}

func testReserves() *reserve.Manager {
	return reserve.New(reserve.Config{
		BaseFraction:   decimal.NewFromFloat(0.25),
		MaxFraction:    decimal.NewFromFloat(0.40),
		AdaptationRate: decimal.NewFromInt(1),
		MinReserveUSD:  decimal.NewFromInt(20),
	})
}

func openTestPosition(positions *position.Manager, sizeUSD int64) *position.ManagedPosition {
	return positions.OpenPosition(position.OpenParams{
		TokenID:         "tok",
		MarketID:        "cond",
		Side:            types.SideLong,
		EntryPriceCents: 50,
		EntrySizeUSD:    decimal.NewFromInt(sizeUSD),
	})
}

func TestLiquidationAllStopsWhenBankrollPositive(t *testing.T) {
	positions := position.NewManager(position.Config{MaxHedgeRatio: decimal.NewFromFloat(0.80)})
	openTestPosition(positions, 10)

	s := New(Deps{
		Cfg: &config.Config{
			DryRun:         true,
			SimBankrollUSD: decimal.NewFromInt(1000),
			Liquidation:    config.LiquidationAll,
		},
		Positions: positions,
		Reserves:  testReserves(),
	})
	require.True(t, s.liquidationActive())

	// Plenty of free bankroll: liquidation stands down without selling
	s.runLiquidation(context.Background())
	assert.False(t, s.liquidationActive())
	assert.Equal(t, 1, positions.OpenCount(), "position kept, not force-sold")
}

func TestLiquidationAllContinuesWhileBroke(t *testing.T) {
	positions := position.NewManager(position.Config{MaxHedgeRatio: decimal.NewFromFloat(0.80)})
	openTestPosition(positions, 10)

	facade := marketdata.NewFacade(marketdata.NewFeed("ws://unused"), deadRest{}, marketdata.FacadeConfig{
		BookStaleAfter:     time.Second,
		MaxSpreadCents:     20,
		DustVerifyInterval: time.Minute,
	})

	s := New(Deps{
		Cfg: &config.Config{
			DryRun:         true,
			SimBankrollUSD: decimal.NewFromInt(10), // fully deployed
			Liquidation:    config.LiquidationAll,
		},
		Positions: positions,
		Reserves:  testReserves(),
		Facade:    facade,
	})

	s.runLiquidation(context.Background())
	assert.True(t, s.liquidationActive(), "no free bankroll yet, keep unwinding")
}

func TestEvPauseFiresOnEdge(t *testing.T) {
	tracker := ev.New(ev.Config{
		WindowSize:      20,
		PauseSeconds:    1800,
		MinEvCents:      decimal.NewFromFloat(0.5),
		MinProfitFactor: decimal.NewFromFloat(1.1),
		ChurnCostCents:  decimal.NewFromInt(2),
	})

	s := New(Deps{
		Cfg:       &config.Config{DryRun: true, SimBankrollUSD: decimal.NewFromInt(1000)},
		EvTracker: tracker,
	})

	s.checkEvPause()
	assert.False(t, s.evWasPaused)

	for i := 0; i < 10; i++ {
		tracker.RecordTrade(types.TradeResult{PnlCents: -10, PnlUSD: decimal.NewFromInt(-2)})
	}
	require.True(t, tracker.IsPaused())

	// Edge from trading to paused: the alert path runs exactly once
	s.checkEvPause()
	assert.True(t, s.evWasPaused)
	s.checkEvPause()
	assert.True(t, s.evWasPaused)
}
