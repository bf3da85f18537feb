// Package position owns the per-position state machine: entry, hedge legs,
// exits, and the ordered transition log. Transitions are synchronous over
// in-memory state; no I/O happens here.
package position

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/whalebot/internal/bias"
	"github.com/web3guy0/whalebot/internal/ev"
	"github.com/web3guy0/whalebot/internal/types"
)

var posLog = log.With().Str("module", "position").Logger()

// Observer receives every transition, synchronously and in registration
// order. Observers must not block.
type Observer func(p *ManagedPosition, tr Transition)

// Config is the target model applied to every opened position.
type Config struct {
	TakeProfitCents   int
	HedgeTriggerCents int
	MaxAdverseCents   int
	MaxHoldSeconds    int
	MaxHedgeRatio     decimal.Decimal
}

// Manager owns all managed positions. External reads go through accessors;
// the map is never shared.
type Manager struct {
	cfg Config

	mu        sync.RWMutex
	positions map[string]*ManagedPosition
	observers []Observer

	nowFn func() time.Time
}

// NewManager creates an empty manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:       cfg,
		positions: make(map[string]*ManagedPosition),
		nowFn:     time.Now,
	}
}

// RegisterObserver adds a transition observer. Register at startup, before
// the first position opens.
func (m *Manager) RegisterObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// OpenParams are the inputs to OpenPosition.
type OpenParams struct {
	TokenID             string
	MarketID            string
	Side                types.Side
	EntryPriceCents     int
	EntrySizeUSD        decimal.Decimal
	ReferencePriceCents int
}

// OpenPosition creates a new OPEN position with targets derived from the
// entry price: TP entry+tp, hedge trigger entry-trigger, hard exit
// entry-maxAdverse for LONG, mirrored for SHORT.
func (m *Manager) OpenPosition(params OpenParams) *ManagedPosition {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	p := &ManagedPosition{
		ID:                  fmt.Sprintf("POS_%d", now.UnixNano()),
		TokenID:             params.TokenID,
		MarketID:            params.MarketID,
		Side:                params.Side,
		State:               types.StateOpen,
		EntryPriceCents:     params.EntryPriceCents,
		EntrySizeUSD:        params.EntrySizeUSD,
		EntryTime:           now,
		CurrentPriceCents:   params.EntryPriceCents,
		ReferencePriceCents: params.ReferencePriceCents,
		TotalHedgeRatio:     decimal.Zero,
	}

	if params.Side == types.SideShort {
		p.TakeProfitCents = params.EntryPriceCents - m.cfg.TakeProfitCents
		p.HedgeTriggerCents = params.EntryPriceCents + m.cfg.HedgeTriggerCents
		p.HardExitCents = params.EntryPriceCents + m.cfg.MaxAdverseCents
	} else {
		p.TakeProfitCents = params.EntryPriceCents + m.cfg.TakeProfitCents
		p.HedgeTriggerCents = params.EntryPriceCents - m.cfg.HedgeTriggerCents
		p.HardExitCents = params.EntryPriceCents - m.cfg.MaxAdverseCents
	}

	m.positions[p.ID] = p

	posLog.Info().
		Str("id", p.ID).
		Str("token", shortID(p.TokenID)).
		Str("side", string(p.Side)).
		Int("entry_cents", p.EntryPriceCents).
		Str("size_usd", p.EntrySizeUSD.StringFixed(2)).
		Int("tp", p.TakeProfitCents).
		Int("hedge_at", p.HedgeTriggerCents).
		Int("hard_exit", p.HardExitCents).
		Msg("📈 Position opened")

	return p
}

// UpdatePrice marks the position to a new price and returns what should
// happen next, in priority order: take-profit, hard exit, time stop,
// hedge, nothing.
func (m *Manager) UpdatePrice(id string, priceCents int, evm ev.Metrics, b bias.TokenBias) (Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok {
		return Action{Kind: ActionNone}, fmt.Errorf("position %s not found", id)
	}
	if p.State == types.StateClosed {
		return Action{Kind: ActionNone}, nil
	}

	p.CurrentPriceCents = priceCents
	p.UnrealizedPnlCents = p.pnl(priceCents)
	p.UnrealizedPnlUSD = p.pnlUSD(p.UnrealizedPnlCents)

	if p.UnrealizedPnlCents >= m.cfg.TakeProfitCents {
		return Action{Kind: ActionExit, Reason: types.ExitTakeProfit}, nil
	}
	if p.Adverse(priceCents) >= m.cfg.MaxAdverseCents {
		return Action{Kind: ActionExit, Reason: types.ExitHard}, nil
	}
	if p.HoldDuration(m.nowFn()) >= time.Duration(m.cfg.MaxHoldSeconds)*time.Second {
		return Action{Kind: ActionExit, Reason: types.ExitTimeStop}, nil
	}
	if (p.State == types.StateOpen || p.State == types.StateHedged) &&
		p.TotalHedgeRatio.LessThan(m.cfg.MaxHedgeRatio) &&
		p.Adverse(priceCents) >= m.cfg.HedgeTriggerCents {
		return Action{Kind: ActionHedge}, nil
	}
	return Action{Kind: ActionNone}, nil
}

// RecordHedge appends a hedge leg and adds its ratio to the running total.
// The first hedge transitions OPEN→HEDGED.
func (m *Manager) RecordHedge(id string, leg HedgeLeg, ratio decimal.Decimal, evm ev.Metrics, b bias.TokenBias) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok {
		return fmt.Errorf("position %s not found", id)
	}
	if p.State != types.StateOpen && p.State != types.StateHedged {
		return fmt.Errorf("position %s in state %s cannot hedge", id, p.State)
	}

	p.Hedges = append(p.Hedges, leg)
	p.TotalHedgeRatio = p.TotalHedgeRatio.Add(ratio)
	if p.TotalHedgeRatio.GreaterThan(m.cfg.MaxHedgeRatio) {
		p.TotalHedgeRatio = m.cfg.MaxHedgeRatio
	}

	if p.State == types.StateOpen {
		m.transitionLocked(p, types.StateHedged, "HEDGE_PLACED", evm, b)
	}

	posLog.Info().
		Str("id", p.ID).
		Str("hedge_token", shortID(leg.TokenID)).
		Str("size_usd", leg.SizeUSD.StringFixed(2)).
		Int("entry_cents", leg.EntryCents).
		Str("total_ratio", p.TotalHedgeRatio.StringFixed(2)).
		Msg("🛡️ Hedge recorded")
	return nil
}

// MarkHedgeLegs marks every hedge leg's P&L from the hedge token's current
// mid price.
func (m *Manager) MarkHedgeLegs(id string, hedgeMidCents int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok {
		return
	}
	for i := range p.Hedges {
		p.Hedges[i].PnlCents = hedgeMidCents - p.Hedges[i].EntryCents
	}
}

// BeginExit transitions a position into EXITING.
func (m *Manager) BeginExit(id string, reason types.ExitReason, evm ev.Metrics, b bias.TokenBias) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok {
		return fmt.Errorf("position %s not found", id)
	}
	switch p.State {
	case types.StateOpen, types.StateHedged:
		m.transitionLocked(p, types.StateExiting, string(reason), evm, b)
		return nil
	case types.StateExiting:
		return nil // already on its way out
	default:
		return fmt.Errorf("position %s in state %s cannot exit", id, p.State)
	}
}

// ClosePosition terminates a position at the given exit price and returns
// the completed trade result. PnlUSD nets marked hedge legs against the
// main leg.
func (m *Manager) ClosePosition(id string, exitCents int, reason types.ExitReason, evm ev.Metrics, b bias.TokenBias) (types.TradeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok {
		return types.TradeResult{}, fmt.Errorf("position %s not found", id)
	}
	if p.State == types.StateClosed {
		return types.TradeResult{}, fmt.Errorf("position %s already closed", id)
	}
	if p.State != types.StateExiting {
		// Exit must pass through EXITING so the log carries both edges.
		m.transitionLocked(p, types.StateExiting, string(reason), evm, b)
	}

	p.CurrentPriceCents = exitCents
	p.UnrealizedPnlCents = p.pnl(exitCents)
	p.UnrealizedPnlUSD = p.pnlUSD(p.UnrealizedPnlCents)

	m.transitionLocked(p, types.StateClosed, string(reason), evm, b)

	result := types.TradeResult{
		TokenID:    p.TokenID,
		Side:       p.Side,
		EntryCents: p.EntryPriceCents,
		ExitCents:  exitCents,
		SizeUSD:    p.EntrySizeUSD,
		PnlCents:   p.UnrealizedPnlCents,
		PnlUSD:     p.UnrealizedPnlUSD.Add(p.HedgePnlUSD()),
		IsWin:      p.UnrealizedPnlCents > 0,
		Timestamp:  m.nowFn(),
	}

	posLog.Info().
		Str("id", p.ID).
		Str("reason", string(reason)).
		Int("entry", p.EntryPriceCents).
		Int("exit", exitCents).
		Int("pnl_cents", result.PnlCents).
		Str("pnl_usd", result.PnlUSD.StringFixed(2)).
		Msg("🏁 Position closed")

	return result, nil
}

// transitionLocked appends to the transition log and notifies observers.
// Caller holds the lock; observers run synchronously in registration order.
func (m *Manager) transitionLocked(p *ManagedPosition, to types.PositionState, reason string, evm ev.Metrics, b bias.TokenBias) {
	tr := Transition{
		From:     p.State,
		To:       to,
		Reason:   reason,
		At:       m.nowFn(),
		PnlCents: p.UnrealizedPnlCents,
		PnlUSD:   p.UnrealizedPnlUSD,
		Ev:       evm,
		Bias:     b,
	}
	p.State = to
	p.Transitions = append(p.Transitions, tr)
	for _, o := range m.observers {
		o(p, tr)
	}
}

// Get returns a position by id.
func (m *Manager) Get(id string) (*ManagedPosition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	return p, ok
}

// OpenPositions returns every position not yet CLOSED.
func (m *Manager) OpenPositions() []*ManagedPosition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ManagedPosition, 0, len(m.positions))
	for _, p := range m.positions {
		if p.State != types.StateClosed {
			out = append(out, p)
		}
	}
	return out
}

// OpenCount returns the number of live positions.
func (m *Manager) OpenCount() int {
	return len(m.OpenPositions())
}

// CountByToken returns live positions on one token.
func (m *Manager) CountByToken(tokenID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, p := range m.positions {
		if p.State != types.StateClosed && p.TokenID == tokenID {
			n++
		}
	}
	return n
}

// ByMarket returns live positions in one market.
func (m *Manager) ByMarket(marketID string) []*ManagedPosition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ManagedPosition
	for _, p := range m.positions {
		if p.State != types.StateClosed && p.MarketID == marketID {
			out = append(out, p)
		}
	}
	return out
}

// TotalDeployedUSD sums entry size plus hedge size across live positions.
func (m *Manager) TotalDeployedUSD() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, p := range m.positions {
		if p.State == types.StateClosed {
			continue
		}
		total = total.Add(p.EntrySizeUSD)
		for _, h := range p.Hedges {
			total = total.Add(h.SizeUSD)
		}
	}
	return total
}

// PruneClosed drops CLOSED positions older than maxAge. Returns how many
// were removed.
func (m *Manager) PruneClosed(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.nowFn().Add(-maxAge)
	removed := 0
	for id, p := range m.positions {
		if p.State != types.StateClosed {
			continue
		}
		if len(p.Transitions) == 0 || p.Transitions[len(p.Transitions)-1].At.Before(cutoff) {
			delete(m.positions, id)
			removed++
		}
	}
	return removed
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16] + "..."
	}
	return id
}
