// Package executor turns decisions into fills: entry orders, hedge legs,
// and smart-sell exits, in simulation or against the live exchange.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/web3guy0/whalebot/internal/bias"
	"github.com/web3guy0/whalebot/internal/clob"
	"github.com/web3guy0/whalebot/internal/decision"
	"github.com/web3guy0/whalebot/internal/ev"
	"github.com/web3guy0/whalebot/internal/position"
	"github.com/web3guy0/whalebot/internal/reserve"
	"github.com/web3guy0/whalebot/internal/types"
)

var execLog = log.With().Str("module", "executor").Logger()

// Smart-sell slippage tolerance by exit flavor, in percent below best bid.
var (
	slippageTakeProfit = decimal.NewFromInt(4)
	slippageNormal     = decimal.NewFromInt(8)
	slippageUrgent     = decimal.NewFromInt(15)
	slippageRetry      = decimal.NewFromInt(25)
)

// ExchangeClient is the order surface the engine needs in live mode.
type ExchangeClient interface {
	BuyFOK(ctx context.Context, tokenID string, priceLimit, sizeUSD decimal.Decimal) (*clob.Fill, error)
	SmartSell(ctx context.Context, req clob.SmartSellRequest) clob.SmartSellResult
}

// Config for the engine.
type Config struct {
	DryRun           bool
	CooldownPerToken time.Duration
}

// Engine executes entries, hedges, and exits against the exchange (or a
// simulation of it).
type Engine struct {
	cfg       Config
	client    ExchangeClient
	positions *position.Manager
	decider   *decision.Engine
	evTracker *ev.Tracker
	biasAcc   *bias.Accumulator
	reserves  *reserve.Manager

	mu        sync.Mutex
	cooldowns map[string]time.Time // tokenID -> entry allowed after

	nowFn func() time.Time
}

// New wires the engine. The exchange client may be nil in dry-run mode.
func New(cfg Config, positions *position.Manager, decider *decision.Engine, evTracker *ev.Tracker, biasAcc *bias.Accumulator, reserves *reserve.Manager) *Engine {
	return &Engine{
		cfg:       cfg,
		positions: positions,
		decider:   decider,
		evTracker: evTracker,
		biasAcc:   biasAcc,
		reserves:  reserves,
		cooldowns: make(map[string]time.Time),
		nowFn:     time.Now,
	}
}

// SetClient attaches the live exchange client.
func (e *Engine) SetClient(client ExchangeClient) {
	e.client = client
}

// EffectiveBankroll forwards to the reserve manager.
func (e *Engine) EffectiveBankroll(balance decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	return e.reserves.EffectiveBankroll(balance)
}

// MarketView is everything the exit path needs for one held token.
type MarketView struct {
	MarketID        string
	Book            types.OrderbookState
	Activity        types.MarketActivity
	ReferenceCents  int
	OppositeTokenID string
	OppositeBook    *types.OrderbookState // nil when not fetched
}

// EntryResult is the structured outcome of ProcessEntry.
type EntryResult struct {
	Success  bool
	Reason   string
	Position *position.ManagedPosition
	Decision decision.EntryDecision
}

// IsOnEntryCooldown reports whether the per-token post-fill cooldown blocks
// a new entry.
func (e *Engine) IsOnEntryCooldown(tokenID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.cooldowns[tokenID]
	return ok && e.nowFn().Before(until)
}

// ProcessEntry evaluates and, when allowed, places one entry. The exposure
// checks and the position open happen against a single snapshot so racing
// entries cannot over-allocate.
func (e *Engine) ProcessEntry(ctx context.Context, tokenID string, view MarketView, balance decimal.Decimal) EntryResult {
	return e.processEntry(ctx, tokenID, view, balance, e.biasAcc.GetBias(tokenID))
}

// ProcessScannerEntry is the scanner fallback path: no whale bias exists for
// the token, so a synthetic LONG stands in and the remaining gates still
// apply in full.
func (e *Engine) ProcessScannerEntry(ctx context.Context, tokenID string, view MarketView, balance decimal.Decimal) EntryResult {
	synthetic := bias.TokenBias{
		TokenID:      tokenID,
		Direction:    bias.DirectionLong,
		TradeCount:   1,
		LastActivity: e.nowFn(),
	}
	return e.processEntry(ctx, tokenID, view, balance, synthetic)
}

func (e *Engine) processEntry(ctx context.Context, tokenID string, view MarketView, balance decimal.Decimal, b bias.TokenBias) EntryResult {
	if e.IsOnEntryCooldown(tokenID) {
		return EntryResult{Reason: "COOLDOWN"}
	}

	effective, _ := e.reserves.EffectiveBankroll(balance)
	if effective.LessThanOrEqual(decimal.Zero) {
		e.reserves.RecordMissedOpportunity()
		return EntryResult{Reason: "NO_BANKROLL"}
	}
	evAllowed, evReason := e.evTracker.IsTradingAllowed()
	in := decision.EntryInput{
		TokenID:           tokenID,
		Bias:              b,
		Book:              view.Book,
		Activity:          view.Activity,
		ReferenceCents:    view.ReferenceCents,
		Ev:                e.evTracker.GetMetrics(),
		EvAllowed:         evAllowed,
		EvReason:          evReason,
		OpenPositions:     e.positions.OpenCount(),
		OpenOnToken:       e.positions.CountByToken(tokenID),
		EffectiveBankroll: effective,
		TotalDeployedUSD:  e.positions.TotalDeployedUSD(),
	}

	d := e.decider.EvaluateEntry(in)
	if !d.Allowed {
		if d.Reason == "MAX_DEPLOYED_FRACTION" {
			e.reserves.RecordMissedOpportunity()
		}
		return EntryResult{Reason: d.Reason, Decision: d}
	}

	fillCents := d.PriceCents
	if !e.cfg.DryRun {
		if e.client == nil {
			return EntryResult{Reason: "ORDER_REJECTED", Decision: d}
		}
		fill, err := e.client.BuyFOK(ctx, tokenID, types.DecimalFromCents(d.PriceCents), d.SizeUSD)
		if err != nil {
			execLog.Warn().Err(err).Str("token", shortID(tokenID)).Msg("⚠️ Entry order failed")
			return EntryResult{Reason: "ORDER_REJECTED", Decision: d}
		}
		fillCents = fill.AvgPriceCents
	}

	p := e.positions.OpenPosition(position.OpenParams{
		TokenID:             tokenID,
		MarketID:            view.MarketID,
		Side:                d.Side,
		EntryPriceCents:     fillCents,
		EntrySizeUSD:        d.SizeUSD,
		ReferencePriceCents: view.ReferenceCents,
	})

	e.mu.Lock()
	e.cooldowns[tokenID] = e.nowFn().Add(e.cfg.CooldownPerToken)
	e.mu.Unlock()

	return EntryResult{Success: true, Position: p, Decision: d}
}

// ExitSummary reports one ProcessExits pass.
type ExitSummary struct {
	Exited []types.TradeResult
	Hedged []string // position IDs that gained a hedge leg
}

// ProcessExits walks open positions against the market map. Positions are
// handled in parallel; actions on any single position stay serialized.
func (e *Engine) ProcessExits(ctx context.Context, md map[string]MarketView) ExitSummary {
	open := e.positions.OpenPositions()
	if len(open) == 0 {
		return ExitSummary{}
	}

	var (
		mu      sync.Mutex
		summary ExitSummary
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range open {
		p := p
		view, ok := md[p.TokenID]
		if !ok {
			continue
		}
		g.Go(func() error {
			exited, hedged := e.processPosition(ctx, p, view)
			mu.Lock()
			defer mu.Unlock()
			if exited != nil {
				summary.Exited = append(summary.Exited, *exited)
			}
			if hedged {
				summary.Hedged = append(summary.Hedged, p.ID)
			}
			return nil
		})
	}
	_ = g.Wait()
	return summary
}

func (e *Engine) processPosition(ctx context.Context, p *position.ManagedPosition, view MarketView) (*types.TradeResult, bool) {
	// Exits sell into the bid for LONG, buy back at the ask for SHORT.
	priceCents := view.Book.BestBidCents
	if p.Side == types.SideShort {
		priceCents = view.Book.BestAskCents
	}
	if priceCents <= 0 {
		return nil, false
	}

	if view.OppositeBook != nil {
		e.positions.MarkHedgeLegs(p.ID, view.OppositeBook.MidPriceCents)
	}

	b := e.biasAcc.GetBias(p.TokenID)
	evm := e.evTracker.GetMetrics()
	evAllowed, _ := e.evTracker.IsTradingAllowed()

	action, err := e.positions.UpdatePrice(p.ID, priceCents, evm, b)
	if err != nil {
		return nil, false
	}

	if action.Kind == position.ActionExit {
		result := e.exitPosition(ctx, p, priceCents, action.Reason, urgencyFor(p, action.Reason), evm, b)
		return result, false
	}

	// Soft triggers the price targets don't cover
	if sig := e.decider.EvaluateExit(p, priceCents, b, evAllowed, e.nowFn()); sig != nil &&
		(sig.Reason == types.ExitBiasFlip || sig.Reason == types.ExitEvDegraded) {
		result := e.exitPosition(ctx, p, priceCents, sig.Reason, sig.Urgency, evm, b)
		return result, false
	}

	if action.Kind == position.ActionHedge {
		return nil, e.hedgePosition(ctx, p, view, evm, b)
	}
	return nil, false
}

// ExitNow forces a position out at the current book, used by liquidation
// mode and shutdown paths.
func (e *Engine) ExitNow(ctx context.Context, p *position.ManagedPosition, book types.OrderbookState, reason types.ExitReason) (*types.TradeResult, bool) {
	priceCents := book.BestBidCents
	if p.Side == types.SideShort {
		priceCents = book.BestAskCents
	}
	if priceCents <= 0 {
		return nil, false
	}
	b := e.biasAcc.GetBias(p.TokenID)
	result := e.exitPosition(ctx, p, priceCents, reason, types.UrgencyCritical, e.evTracker.GetMetrics(), b)
	return result, result != nil
}

// exitPosition runs the smart-sell ladder and closes the position on fill.
// A nil return means the sell did not fill; the position stays EXITING and
// the next tick retries.
func (e *Engine) exitPosition(ctx context.Context, p *position.ManagedPosition, priceCents int, reason types.ExitReason, urgency types.Urgency, evm ev.Metrics, b bias.TokenBias) *types.TradeResult {
	if err := e.positions.BeginExit(p.ID, reason, evm, b); err != nil {
		return nil
	}

	exitCents := priceCents
	if !e.cfg.DryRun {
		filled, avgCents := e.smartSell(ctx, p, reason, urgency)
		if !filled {
			return nil
		}
		exitCents = avgCents
	}

	result, err := e.positions.ClosePosition(p.ID, exitCents, reason, evm, b)
	if err != nil {
		execLog.Error().Err(err).Str("id", p.ID).Msg("Close failed after fill")
		return nil
	}
	e.evTracker.RecordTrade(result)
	return &result
}

// smartSell sells the position's shares with urgency-scaled tolerance; an
// urgent FOK miss gets one wide force-sell retry.
func (e *Engine) smartSell(ctx context.Context, p *position.ManagedPosition, reason types.ExitReason, urgency types.Urgency) (bool, int) {
	if e.client == nil {
		return false, 0
	}

	tolerance := slippageNormal
	switch {
	case reason == types.ExitTakeProfit:
		tolerance = slippageTakeProfit
	case urgency == types.UrgencyCritical || reason.Urgent():
		tolerance = slippageUrgent
	}

	shares := p.EntrySizeUSD.Div(types.DecimalFromCents(p.EntryPriceCents)).Round(4)
	res := e.client.SmartSell(ctx, clob.SmartSellRequest{
		TokenID:        p.TokenID,
		Shares:         shares,
		MaxSlippagePct: tolerance,
	})
	if res.Success {
		return true, res.AvgPriceCents
	}

	if res.Reason == "FOK_NOT_FILLED" && (urgency == types.UrgencyCritical || reason.Urgent()) {
		execLog.Warn().
			Str("id", p.ID).
			Str("reason", string(reason)).
			Msg("⚠️ Urgent exit missed, retrying with force-sell")
		res = e.client.SmartSell(ctx, clob.SmartSellRequest{
			TokenID:        p.TokenID,
			Shares:         shares,
			MaxSlippagePct: slippageRetry,
			ForceSell:      true,
		})
		if res.Success {
			return true, res.AvgPriceCents
		}
	}

	execLog.Warn().
		Str("id", p.ID).
		Str("sell_reason", res.Reason).
		Msg("❌ Exit not filled, will retry next tick")
	return false, 0
}

// hedgePosition buys the opposite outcome token sized by the remaining
// hedge room.
func (e *Engine) hedgePosition(ctx context.Context, p *position.ManagedPosition, view MarketView, evm ev.Metrics, b bias.TokenBias) bool {
	if view.OppositeTokenID == "" || view.OppositeBook == nil {
		return false
	}

	sizeUSD, ratio := e.decider.HedgeSize(p)
	if sizeUSD.LessThanOrEqual(decimal.Zero) {
		return false
	}

	entryCents := view.OppositeBook.BestAskCents
	if entryCents <= 0 {
		return false
	}

	if !e.cfg.DryRun {
		if e.client == nil {
			return false
		}
		fill, err := e.client.BuyFOK(ctx, view.OppositeTokenID, types.DecimalFromCents(entryCents), sizeUSD)
		if err != nil {
			e.reserves.RecordMissedHedge()
			execLog.Warn().Err(err).Str("id", p.ID).Msg("⚠️ Hedge order failed")
			return false
		}
		entryCents = fill.AvgPriceCents
		sizeUSD = fill.SizeUSD
	}

	leg := position.HedgeLeg{
		TokenID:    view.OppositeTokenID,
		SizeUSD:    sizeUSD,
		EntryCents: entryCents,
		EntryTime:  e.nowFn(),
	}
	if err := e.positions.RecordHedge(p.ID, leg, ratio, evm, b); err != nil {
		execLog.Warn().Err(err).Str("id", p.ID).Msg("Hedge not recorded")
		return false
	}
	return true
}

// urgencyFor maps a price-target exit reason onto smart-sell urgency.
func urgencyFor(p *position.ManagedPosition, reason types.ExitReason) types.Urgency {
	switch reason {
	case types.ExitTakeProfit:
		return types.UrgencyMedium
	case types.ExitHard, types.ExitStopLoss:
		return types.UrgencyCritical
	case types.ExitTimeStop:
		if p.UnrealizedPnlCents > 0 {
			return types.UrgencyLow
		}
		return types.UrgencyMedium
	}
	return types.UrgencyLow
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16] + "..."
	}
	return id
}
