// Package reserve keeps a fraction of the bankroll out of play and adapts
// it: missed entries argue for a smaller reserve, missed hedges for a
// bigger one.
package reserve

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var resLog = log.With().Str("module", "reserve").Logger()

const missedWindow = 30 * time.Minute

var (
	floorFraction = decimal.NewFromFloat(0.10)

	missedStep = decimal.NewFromFloat(0.02)
	missedCap  = decimal.NewFromFloat(0.15)
	hedgeStep  = decimal.NewFromFloat(0.03)
	hedgeCap   = decimal.NewFromFloat(0.10)
)

// Config for the manager.
type Config struct {
	BaseFraction   decimal.Decimal
	MaxFraction    decimal.Decimal
	AdaptationRate decimal.Decimal // per-update smoothing toward target
	MinReserveUSD  decimal.Decimal
	MissedWeight   decimal.Decimal
	HedgeWeight    decimal.Decimal
}

// Manager tracks the adapted reserve fraction.
type Manager struct {
	cfg Config

	mu           sync.Mutex
	adapted      decimal.Decimal
	missed       []time.Time // INSUFFICIENT_BALANCE / RESERVE_BLOCKED entries
	missedHedges []time.Time

	nowFn func() time.Time
}

// New starts at the base fraction.
func New(cfg Config) *Manager {
	if cfg.MissedWeight.IsZero() {
		cfg.MissedWeight = decimal.NewFromInt(1)
	}
	if cfg.HedgeWeight.IsZero() {
		cfg.HedgeWeight = decimal.NewFromInt(1)
	}
	return &Manager{
		cfg:     cfg,
		adapted: cfg.BaseFraction,
		nowFn:   time.Now,
	}
}

// RecordMissedOpportunity notes an entry that failed for lack of free
// bankroll.
func (m *Manager) RecordMissedOpportunity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missed = append(m.missed, m.nowFn())
}

// RecordMissedHedge notes a hedge that could not be placed.
func (m *Manager) RecordMissedHedge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missedHedges = append(m.missedHedges, m.nowFn())
}

// Update moves the adapted fraction one smoothing step toward the target
// and returns the new value.
func (m *Manager) Update() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.nowFn().Add(-missedWindow)
	m.missed = pruneBefore(m.missed, cutoff)
	m.missedHedges = pruneBefore(m.missedHedges, cutoff)

	missedFactor := decimal.Min(missedStep.Mul(decimal.NewFromInt(int64(len(m.missed)))), missedCap)
	hedgeFactor := decimal.Min(hedgeStep.Mul(decimal.NewFromInt(int64(len(m.missedHedges)))), hedgeCap)

	target := m.cfg.BaseFraction.
		Sub(missedFactor.Mul(m.cfg.MissedWeight)).
		Add(hedgeFactor.Mul(m.cfg.HedgeWeight))
	target = clamp(target, floorFraction, m.cfg.MaxFraction)

	prev := m.adapted
	m.adapted = m.adapted.Add(target.Sub(m.adapted).Mul(m.cfg.AdaptationRate))
	m.adapted = clamp(m.adapted, floorFraction, m.cfg.MaxFraction)

	if !m.adapted.Equal(prev) {
		resLog.Debug().
			Str("adapted", m.adapted.StringFixed(3)).
			Str("target", target.StringFixed(3)).
			Int("missed", len(m.missed)).
			Int("missed_hedges", len(m.missedHedges)).
			Msg("💧 Reserve fraction adapted")
	}
	return m.adapted
}

// AdaptedFraction returns the current reserve fraction.
func (m *Manager) AdaptedFraction() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adapted
}

// EffectiveBankroll splits a balance into what may be deployed and what is
// held back. The reserve is the larger of the adapted fraction and the
// absolute floor.
func (m *Manager) EffectiveBankroll(balance decimal.Decimal) (effective, reserved decimal.Decimal) {
	m.mu.Lock()
	adapted := m.adapted
	m.mu.Unlock()

	reserved = decimal.Max(balance.Mul(adapted), m.cfg.MinReserveUSD)
	effective = decimal.Max(balance.Sub(reserved), decimal.Zero)
	return effective, reserved
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
