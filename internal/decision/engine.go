// Package decision holds the pure entry/exit/hedge logic. Everything here
// is synchronous over inputs the caller already fetched; the engine never
// touches the network.
package decision

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/whalebot/internal/bias"
	"github.com/web3guy0/whalebot/internal/ev"
	"github.com/web3guy0/whalebot/internal/position"
	"github.com/web3guy0/whalebot/internal/types"
)

// Check names, in evaluation order.
const (
	CheckBias           = "BIAS"
	CheckLiquidity      = "LIQUIDITY"
	CheckPriceDeviation = "PRICE_DEVIATION"
	CheckPriceBounds    = "PRICE_BOUNDS"
	CheckRiskLimits     = "RISK_LIMITS"
	CheckEV             = "EV"
)

// Config is the decision model: entry gates, exit triggers, hedge sizing.
type Config struct {
	EntryBandCents     int
	MinEntryPriceCents int
	MaxEntryPriceCents int
	MaxSpreadCents     int
	MinDepthUSDAtExit  decimal.Decimal
	MinActivityTrades  int
	MinActivityUpdates int

	MaxOpenPositionsTotal    int
	MaxOpenPositionsPerToken int
	MaxDeployedFraction      decimal.Decimal
	TradeFraction            decimal.Decimal
	MaxTradeUSD              decimal.Decimal

	TakeProfitCents   int
	HedgeTriggerCents int
	MaxAdverseCents   int
	MaxHoldSeconds    int
	HedgeRatio        decimal.Decimal
	MaxHedgeRatio     decimal.Decimal
}

// Engine evaluates entries, exits, and hedge sizes.
type Engine struct {
	cfg Config
}

// NewEngine creates a decision engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// CheckResult is one gate's outcome; Reason is set on failure.
type CheckResult struct {
	Name   string
	Passed bool
	Reason string
}

// EntryInput carries everything the entry evaluation needs; the caller
// fetched it all up front so the evaluation itself stays pure.
type EntryInput struct {
	TokenID           string
	Bias              bias.TokenBias
	Book              types.OrderbookState
	Activity          types.MarketActivity
	ReferenceCents    int
	Ev                ev.Metrics
	EvAllowed         bool
	EvReason          string
	OpenPositions     int
	OpenOnToken       int
	EffectiveBankroll decimal.Decimal
	TotalDeployedUSD  decimal.Decimal
}

// EntryDecision is the structured result. When Allowed is false, Checks
// records which gate failed so callers can classify transient vs permanent
// rejections.
type EntryDecision struct {
	Allowed    bool
	Side       types.Side
	PriceCents int
	SizeUSD    decimal.Decimal
	Score      int
	Checks     []CheckResult
	Reason     string // first failing check's reason
}

// EvaluateEntry runs the six ordered gates. All must pass; the first
// failure short-circuits nothing — every check is recorded either way.
func (e *Engine) EvaluateEntry(in EntryInput) EntryDecision {
	d := EntryDecision{Side: types.SideLong}

	check := func(name string, pass bool, reason string) bool {
		r := CheckResult{Name: name, Passed: pass}
		if !pass {
			r.Reason = reason
			if d.Reason == "" {
				d.Reason = reason
			}
		}
		d.Checks = append(d.Checks, r)
		return pass
	}

	// 1. Bias direction
	biasOK := check(CheckBias, in.Bias.Direction == bias.DirectionLong, "BIAS_NOT_LONG")

	// 2. Liquidity gates: spread, depth at exit, recent activity
	spreadOK := in.Book.SpreadCents <= e.cfg.MaxSpreadCents
	minDepth := decimal.Min(in.Book.BidDepthUSD, in.Book.AskDepthUSD)
	depthOK := minDepth.GreaterThanOrEqual(e.cfg.MinDepthUSDAtExit)
	activityOK := in.Activity.TradesInWindow >= e.cfg.MinActivityTrades ||
		in.Activity.BookUpdatesInWindow >= e.cfg.MinActivityUpdates
	liqReason := ""
	switch {
	case !spreadOK:
		liqReason = fmt.Sprintf("SPREAD_TOO_WIDE (%dc > %dc)", in.Book.SpreadCents, e.cfg.MaxSpreadCents)
	case !depthOK:
		liqReason = fmt.Sprintf("DEPTH_TOO_THIN ($%s < $%s)", minDepth.StringFixed(0), e.cfg.MinDepthUSDAtExit.StringFixed(0))
	case !activityOK:
		liqReason = "ACTIVITY_TOO_LOW"
	}
	liqOK := check(CheckLiquidity, spreadOK && depthOK && activityOK, liqReason)

	// 3. Price deviation from the whale reference. Without a reference
	// (feed omitted prices) the gate stands open rather than blocking.
	devPass, devReason := true, ""
	if in.ReferenceCents > 0 {
		deviation := in.Book.MidPriceCents - in.ReferenceCents
		if deviation < 0 {
			deviation = -deviation
		}
		devPass = deviation >= e.cfg.EntryBandCents
		devReason = fmt.Sprintf("INSIDE_ENTRY_BAND (%dc < %dc)", deviation, e.cfg.EntryBandCents)
	}
	devOK := check(CheckPriceDeviation, devPass, devReason)

	// 4. Entry price bounds; LONG buys the ask
	entryCents := in.Book.BestAskCents
	boundsOK := check(CheckPriceBounds,
		entryCents >= e.cfg.MinEntryPriceCents && entryCents <= e.cfg.MaxEntryPriceCents,
		fmt.Sprintf("PRICE_OUT_OF_BOUNDS (%dc not in [%d,%d])", entryCents, e.cfg.MinEntryPriceCents, e.cfg.MaxEntryPriceCents))

	// 5. Risk limits
	maxDeployed := in.EffectiveBankroll.Mul(e.cfg.MaxDeployedFraction)
	riskReason := ""
	riskPass := true
	switch {
	case in.EffectiveBankroll.LessThanOrEqual(decimal.Zero):
		riskPass, riskReason = false, "NO_BANKROLL"
	case in.OpenPositions >= e.cfg.MaxOpenPositionsTotal:
		riskPass, riskReason = false, "MAX_POSITIONS_TOTAL"
	case in.OpenOnToken >= e.cfg.MaxOpenPositionsPerToken:
		riskPass, riskReason = false, "MAX_POSITIONS_PER_TOKEN"
	case in.TotalDeployedUSD.GreaterThanOrEqual(maxDeployed):
		riskPass, riskReason = false, "MAX_DEPLOYED_FRACTION"
	}
	riskOK := check(CheckRiskLimits, riskPass, riskReason)

	// 6. EV gate
	evOK := check(CheckEV, in.EvAllowed, in.EvReason)

	if !(biasOK && liqOK && devOK && boundsOK && riskOK && evOK) {
		return d
	}

	d.Allowed = true
	d.PriceCents = entryCents
	d.SizeUSD = decimal.Min(in.EffectiveBankroll.Mul(e.cfg.TradeFraction), e.cfg.MaxTradeUSD)
	d.Score = e.entryScore(in, entryCents)
	return d
}

// entryScore ranks eligible candidates 0-100: closeness to the center of
// the preferred price zone (30), spread tightness (25), depth above the
// minimum (25), normalized activity (20). Advisory only.
func (e *Engine) entryScore(in EntryInput, entryCents int) int {
	score := 0

	center := (e.cfg.MinEntryPriceCents + e.cfg.MaxEntryPriceCents) / 2
	halfZone := (e.cfg.MaxEntryPriceCents - e.cfg.MinEntryPriceCents) / 2
	if halfZone > 0 {
		dist := entryCents - center
		if dist < 0 {
			dist = -dist
		}
		score += 30 * (halfZone - dist) / halfZone
	}

	if e.cfg.MaxSpreadCents > 0 {
		tight := e.cfg.MaxSpreadCents - in.Book.SpreadCents
		if tight < 0 {
			tight = 0
		}
		score += 25 * tight / e.cfg.MaxSpreadCents
	}

	minDepth := decimal.Min(in.Book.BidDepthUSD, in.Book.AskDepthUSD)
	if e.cfg.MinDepthUSDAtExit.GreaterThan(decimal.Zero) {
		ratio := minDepth.Div(e.cfg.MinDepthUSDAtExit)
		excess := ratio.Sub(decimal.NewFromInt(1))
		if excess.GreaterThan(decimal.NewFromInt(1)) {
			excess = decimal.NewFromInt(1)
		}
		if excess.GreaterThan(decimal.Zero) {
			score += int(excess.Mul(decimal.NewFromInt(25)).IntPart())
		}
	}

	activity := in.Activity.TradesInWindow*5 + in.Activity.BookUpdatesInWindow
	norm := e.cfg.MinActivityTrades*5 + e.cfg.MinActivityUpdates
	if norm > 0 {
		pts := 20 * activity / (norm * 2)
		if pts > 20 {
			pts = 20
		}
		score += pts
	}

	if score > 100 {
		score = 100
	}
	return score
}

// ExitSignal says a position should be closed, and how urgently.
type ExitSignal struct {
	Reason  types.ExitReason
	Urgency types.Urgency
}

// EvaluateExit checks exit triggers in priority order. A nil return means
// hold. The bias-flip trigger reads a fully evaporated signal (no trades
// left in window, stale) as opposition, since the pipeline never emits an
// actual opposite direction.
func (e *Engine) EvaluateExit(p *position.ManagedPosition, priceCents int, b bias.TokenBias, evAllowed bool, now time.Time) *ExitSignal {
	pnl := priceCents - p.EntryPriceCents
	if p.Side == types.SideShort {
		pnl = -pnl
	}

	if pnl >= e.cfg.TakeProfitCents {
		return &ExitSignal{Reason: types.ExitTakeProfit, Urgency: types.UrgencyMedium}
	}
	if pnl <= -e.cfg.MaxAdverseCents {
		return &ExitSignal{Reason: types.ExitHard, Urgency: types.UrgencyCritical}
	}
	if p.HoldDuration(now) >= time.Duration(e.cfg.MaxHoldSeconds)*time.Second {
		urgency := types.UrgencyMedium
		if pnl > 0 {
			urgency = types.UrgencyLow
		}
		return &ExitSignal{Reason: types.ExitTimeStop, Urgency: urgency}
	}
	biasOpposed := b.Direction == bias.DirectionNone && b.TradeCount == 0 && b.IsStale
	if biasOpposed && pnl > -e.cfg.HedgeTriggerCents {
		return &ExitSignal{Reason: types.ExitBiasFlip, Urgency: types.UrgencyLow}
	}
	if !evAllowed && pnl > 0 {
		return &ExitSignal{Reason: types.ExitEvDegraded, Urgency: types.UrgencyLow}
	}
	return nil
}

// HedgeSize returns the dollar size and effective ratio for the next hedge
// leg: min(hedgeRatio, remaining room) of the entry size. Zero when no room.
func (e *Engine) HedgeSize(p *position.ManagedPosition) (decimal.Decimal, decimal.Decimal) {
	room := e.cfg.MaxHedgeRatio.Sub(p.TotalHedgeRatio)
	if room.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero
	}
	effective := decimal.Min(e.cfg.HedgeRatio, room)
	return p.EntrySizeUSD.Mul(effective), effective
}
