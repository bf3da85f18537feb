package position

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/whalebot/internal/bias"
	"github.com/web3guy0/whalebot/internal/ev"
	"github.com/web3guy0/whalebot/internal/types"
)

// HedgeLeg is a buy on the opposite outcome token, sized as a fraction of
// the main leg. PnlCents is marked from the hedge token's own book.
type HedgeLeg struct {
	TokenID   string // opposite outcome token
	SizeUSD   decimal.Decimal
	EntryCents int
	EntryTime time.Time
	PnlCents  int
}

// Transition is one edge in a position's lifecycle, with the EV and bias
// snapshots captured at that instant.
type Transition struct {
	From     types.PositionState
	To       types.PositionState
	Reason   string
	At       time.Time
	PnlCents int
	PnlUSD   decimal.Decimal
	Ev       ev.Metrics
	Bias     bias.TokenBias
}

// ManagedPosition is one position tracked by the state machine.
type ManagedPosition struct {
	ID       string
	TokenID  string
	MarketID string
	Side     types.Side
	State    types.PositionState

	EntryPriceCents int
	EntrySizeUSD    decimal.Decimal
	EntryTime       time.Time

	CurrentPriceCents  int
	UnrealizedPnlCents int
	UnrealizedPnlUSD   decimal.Decimal

	// Targets, fixed at open
	TakeProfitCents   int
	HedgeTriggerCents int
	HardExitCents     int

	ReferencePriceCents int

	Hedges          []HedgeLeg
	TotalHedgeRatio decimal.Decimal

	Transitions []Transition
}

// pnl computes per-share P&L in cents for this position's side.
func (p *ManagedPosition) pnl(priceCents int) int {
	if p.Side == types.SideShort {
		return p.EntryPriceCents - priceCents
	}
	return priceCents - p.EntryPriceCents
}

// pnlUSD converts per-share cents into dollars on the main leg:
// shares = size/entry, so pnlUSD = size * pnlCents / entryCents.
func (p *ManagedPosition) pnlUSD(pnlCents int) decimal.Decimal {
	if p.EntryPriceCents == 0 {
		return decimal.Zero
	}
	return p.EntrySizeUSD.
		Mul(decimal.NewFromInt(int64(pnlCents))).
		Div(decimal.NewFromInt(int64(p.EntryPriceCents)))
}

// HedgePnlUSD sums marked hedge-leg P&L in dollars.
func (p *ManagedPosition) HedgePnlUSD() decimal.Decimal {
	total := decimal.Zero
	for _, h := range p.Hedges {
		if h.EntryCents == 0 {
			continue
		}
		total = total.Add(h.SizeUSD.
			Mul(decimal.NewFromInt(int64(h.PnlCents))).
			Div(decimal.NewFromInt(int64(h.EntryCents))))
	}
	return total
}

// Adverse returns how far (in cents) the price has moved against the
// position; zero when the move is favorable.
func (p *ManagedPosition) Adverse(priceCents int) int {
	adverse := -p.pnl(priceCents)
	if adverse < 0 {
		return 0
	}
	return adverse
}

// HoldDuration is time since entry.
func (p *ManagedPosition) HoldDuration(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

// ActionKind is what UpdatePrice wants the executor to do next.
type ActionKind string

const (
	ActionNone  ActionKind = "NONE"
	ActionHedge ActionKind = "HEDGE"
	ActionExit  ActionKind = "EXIT"
)

// Action pairs the kind with the triggering reason.
type Action struct {
	Kind   ActionKind
	Reason types.ExitReason // set for EXIT
}
