package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/whalebot/internal/bias"
	"github.com/web3guy0/whalebot/internal/ev"
	"github.com/web3guy0/whalebot/internal/types"
)

func testManager() (*Manager, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(Config{
		TakeProfitCents:   14,
		HedgeTriggerCents: 16,
		MaxAdverseCents:   30,
		MaxHoldSeconds:    6 * 3600,
		MaxHedgeRatio:     decimal.NewFromFloat(0.80),
	})
	m.nowFn = func() time.Time { return now }
	return m, &now
}

func open(m *Manager) *ManagedPosition {
	return m.OpenPosition(OpenParams{
		TokenID:         "tok",
		MarketID:        "cond",
		Side:            types.SideLong,
		EntryPriceCents: 50,
		EntrySizeUSD:    decimal.NewFromInt(10),
	})
}

func TestOpenPositionTargets(t *testing.T) {
	m, _ := testManager()
	p := open(m)

	assert.Equal(t, types.StateOpen, p.State)
	assert.Equal(t, 64, p.TakeProfitCents)
	assert.Equal(t, 34, p.HedgeTriggerCents)
	assert.Equal(t, 20, p.HardExitCents)
	assert.Equal(t, 0, p.UnrealizedPnlCents, "flat at entry")
}

func TestOpenPositionShortTargetsMirror(t *testing.T) {
	m, _ := testManager()
	p := m.OpenPosition(OpenParams{
		TokenID: "tok", Side: types.SideShort,
		EntryPriceCents: 50, EntrySizeUSD: decimal.NewFromInt(10),
	})

	assert.Equal(t, 36, p.TakeProfitCents)
	assert.Equal(t, 66, p.HedgeTriggerCents)
	assert.Equal(t, 80, p.HardExitCents)
}

func TestUpdatePriceActions(t *testing.T) {
	m, _ := testManager()
	p := open(m)
	evm, b := ev.Metrics{}, bias.TokenBias{}

	// Small move, nothing happens
	action, err := m.UpdatePrice(p.ID, 55, evm, b)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, action.Kind)
	assert.Equal(t, 5, p.UnrealizedPnlCents)

	// Take-profit at exactly the boundary
	action, _ = m.UpdatePrice(p.ID, 64, evm, b)
	assert.Equal(t, ActionExit, action.Kind)
	assert.Equal(t, types.ExitTakeProfit, action.Reason)

	// Hedge trigger: 16c adverse, still above the hard exit
	action, _ = m.UpdatePrice(p.ID, 34, evm, b)
	assert.Equal(t, ActionHedge, action.Kind)

	// Hard exit at 30c adverse
	action, _ = m.UpdatePrice(p.ID, 20, evm, b)
	assert.Equal(t, ActionExit, action.Kind)
	assert.Equal(t, types.ExitHard, action.Reason)
}

func TestUpdatePriceTimeStop(t *testing.T) {
	m, now := testManager()
	p := open(m)

	*now = now.Add(7 * time.Hour)
	action, err := m.UpdatePrice(p.ID, 51, ev.Metrics{}, bias.TokenBias{})
	require.NoError(t, err)
	assert.Equal(t, ActionExit, action.Kind)
	assert.Equal(t, types.ExitTimeStop, action.Reason)
}

func TestHedgeRatioCap(t *testing.T) {
	m, _ := testManager()
	p := open(m)
	evm, b := ev.Metrics{}, bias.TokenBias{}

	leg := HedgeLeg{TokenID: "opp", SizeUSD: decimal.NewFromInt(4), EntryCents: 60}
	require.NoError(t, m.RecordHedge(p.ID, leg, decimal.NewFromFloat(0.50), evm, b))
	assert.Equal(t, types.StateHedged, p.State)

	require.NoError(t, m.RecordHedge(p.ID, leg, decimal.NewFromFloat(0.50), evm, b))
	assert.True(t, p.TotalHedgeRatio.Equal(decimal.NewFromFloat(0.80)), "capped, got %s", p.TotalHedgeRatio)

	// At the cap the hedge path in UpdatePrice stays quiet
	action, _ := m.UpdatePrice(p.ID, 34, evm, b)
	assert.Equal(t, ActionNone, action.Kind)
}

func TestCloseGoesThroughExiting(t *testing.T) {
	m, _ := testManager()
	p := open(m)
	evm, b := ev.Metrics{}, bias.TokenBias{}

	var states []types.PositionState
	m.RegisterObserver(func(_ *ManagedPosition, tr Transition) {
		states = append(states, tr.To)
	})

	result, err := m.ClosePosition(p.ID, 64, types.ExitTakeProfit, evm, b)
	require.NoError(t, err)

	assert.Equal(t, []types.PositionState{types.StateExiting, types.StateClosed}, states)
	assert.Equal(t, 14, result.PnlCents)
	assert.True(t, result.IsWin)
	// $10 at 50c is 20 shares; +14c each is $2.80
	assert.True(t, result.PnlUSD.Equal(decimal.NewFromFloat(2.8)), "got %s", result.PnlUSD)

	_, err = m.ClosePosition(p.ID, 64, types.ExitTakeProfit, evm, b)
	assert.Error(t, err, "double close rejected")
}

func TestCloseNetsHedgeLegs(t *testing.T) {
	m, _ := testManager()
	p := open(m)
	evm, b := ev.Metrics{}, bias.TokenBias{}

	leg := HedgeLeg{TokenID: "opp", SizeUSD: decimal.NewFromInt(4), EntryCents: 50}
	require.NoError(t, m.RecordHedge(p.ID, leg, decimal.NewFromFloat(0.40), evm, b))
	m.MarkHedgeLegs(p.ID, 60) // hedge up 10c

	result, err := m.ClosePosition(p.ID, 40, types.ExitHard, evm, b)
	require.NoError(t, err)

	// Main leg: -10c on 20 shares = -$2. Hedge: +10c on 8 shares = +$0.80.
	assert.Equal(t, -10, result.PnlCents)
	assert.True(t, result.PnlUSD.Equal(decimal.NewFromFloat(-1.2)), "got %s", result.PnlUSD)
	assert.False(t, result.IsWin)
}

func TestBeginExitIdempotent(t *testing.T) {
	m, _ := testManager()
	p := open(m)
	evm, b := ev.Metrics{}, bias.TokenBias{}

	require.NoError(t, m.BeginExit(p.ID, types.ExitTakeProfit, evm, b))
	require.NoError(t, m.BeginExit(p.ID, types.ExitTakeProfit, evm, b), "retry while EXITING is fine")
	assert.Equal(t, types.StateExiting, p.State)
}

func TestAccounting(t *testing.T) {
	m, _ := testManager()
	p := open(m)
	evm, b := ev.Metrics{}, bias.TokenBias{}

	assert.Equal(t, 1, m.OpenCount())
	assert.Equal(t, 1, m.CountByToken("tok"))
	assert.True(t, m.TotalDeployedUSD().Equal(decimal.NewFromInt(10)))

	leg := HedgeLeg{TokenID: "opp", SizeUSD: decimal.NewFromInt(4), EntryCents: 50}
	require.NoError(t, m.RecordHedge(p.ID, leg, decimal.NewFromFloat(0.40), evm, b))
	assert.True(t, m.TotalDeployedUSD().Equal(decimal.NewFromInt(14)), "hedge counts as deployed")

	_, err := m.ClosePosition(p.ID, 55, types.ExitTakeProfit, evm, b)
	require.NoError(t, err)
	assert.Equal(t, 0, m.OpenCount())
	assert.True(t, m.TotalDeployedUSD().IsZero())
}

func TestPruneClosed(t *testing.T) {
	m, now := testManager()
	p := open(m)
	_, err := m.ClosePosition(p.ID, 55, types.ExitTakeProfit, ev.Metrics{}, bias.TokenBias{})
	require.NoError(t, err)

	assert.Equal(t, 0, m.PruneClosed(time.Hour), "too fresh to prune")

	*now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, m.PruneClosed(time.Hour))
	_, ok := m.Get(p.ID)
	assert.False(t, ok)
}
