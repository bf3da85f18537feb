package marketdata

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/whalebot/internal/types"
)

var cdLog = log.With().Str("module", "cooldown").Logger()

// inactiveSchedule is the exponential backoff for markets that look dead,
// capped at 24h.
var inactiveSchedule = []time.Duration{
	10 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	24 * time.Hour,
}

const (
	// transientCooldown backs off tokens that tripped a retryable I/O
	// failure without touching the long schedule.
	transientCooldown = 30 * time.Second

	// cooldownGrace is how long an expired entry survives before cleanup
	// drops it, so strike history carries across consecutive failures.
	cooldownGrace = time.Hour
)

type cooldownEntry struct {
	Strikes      int
	Until        time.Time
	LastKind     types.FailureKind
	FirstFailure time.Time
	LastFailure  time.Time
}

// CooldownStats is a snapshot for the status line.
type CooldownStats struct {
	Active        int
	Tracked       int
	TotalFailures int
	ResolvedLater int
}

// CooldownManager backs off tokens that keep failing. Inactive markets
// (NO_ORDERBOOK, NOT_FOUND) climb the exponential schedule; transient I/O
// failures get a flat 30s that never escalates strikes.
type CooldownManager struct {
	mu            sync.Mutex
	entries       map[string]*cooldownEntry
	totalFailures int
	resolvedLater int

	nowFn func() time.Time
}

// NewCooldownManager creates an empty manager.
func NewCooldownManager() *CooldownManager {
	return &CooldownManager{
		entries: make(map[string]*cooldownEntry),
		nowFn:   time.Now,
	}
}

// RecordFailure notes a failure and returns how long the token is now
// blocked. Strikes climb only while the failures stay on the long schedule:
// a transient blip between two NO_ORDERBOOKs does not reset the ladder, but
// a token whose previous failure was transient at strike one stays at the
// first rung. Permanent market conditions (DUST_BOOK, INVALID_PRICES,
// INVALID_LIQUIDITY) record nothing: the next tick re-reads the live book.
func (m *CooldownManager) RecordFailure(tokenID string, kind types.FailureKind) time.Duration {
	if !kind.Transient() && !kind.Inactive() {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	m.totalFailures++

	e, ok := m.entries[tokenID]
	if !ok {
		e = &cooldownEntry{FirstFailure: now}
		m.entries[tokenID] = e
	}

	var dur time.Duration
	if kind.Inactive() {
		switch {
		case e.Strikes == 0:
			e.Strikes = 1
		case e.LastKind.Inactive() || e.Strikes > 1:
			e.Strikes++
		}
		idx := e.Strikes - 1
		if idx >= len(inactiveSchedule) {
			idx = len(inactiveSchedule) - 1
		}
		dur = inactiveSchedule[idx]
		cdLog.Warn().
			Str("token", shortID(tokenID)).
			Str("reason", string(kind)).
			Int("strikes", e.Strikes).
			Dur("cooldown", dur).
			Msg("🧊 Market inactive, cooling down")
	} else {
		dur = transientCooldown
	}

	e.LastKind = kind
	e.LastFailure = now
	e.Until = now.Add(dur)
	return dur
}

// RecordSuccess clears the token's entry. A token that had climbed the long
// schedule counts as resolved-later.
func (m *CooldownManager) RecordSuccess(tokenID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[tokenID]
	if !ok {
		return
	}
	if e.Strikes > 0 {
		m.resolvedLater++
		cdLog.Info().
			Str("token", shortID(tokenID)).
			Int("strikes", e.Strikes).
			Msg("✅ Market came back after cooldown")
	}
	delete(m.entries, tokenID)
}

// IsOnCooldown reports whether the token is blocked and for how much longer.
func (m *CooldownManager) IsOnCooldown(tokenID string) (bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[tokenID]
	if !ok {
		return false, 0
	}
	remaining := e.Until.Sub(m.nowFn())
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining
}

// Cleanup drops entries whose cooldown expired past the grace period.
// Returns how many were removed.
func (m *CooldownManager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.nowFn().Add(-cooldownGrace)
	removed := 0
	for token, e := range m.entries {
		if e.Until.Before(cutoff) {
			delete(m.entries, token)
			removed++
		}
	}
	return removed
}

// Stats returns counters for the status line.
func (m *CooldownManager) Stats() CooldownStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	active := 0
	for _, e := range m.entries {
		if e.Until.After(now) {
			active++
		}
	}
	return CooldownStats{
		Active:        active,
		Tracked:       len(m.entries),
		TotalFailures: m.totalFailures,
		ResolvedLater: m.resolvedLater,
	}
}
