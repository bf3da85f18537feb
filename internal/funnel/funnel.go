// Package funnel counts where candidate trades die on the way from whale
// flow to placed orders, and renders the periodic status line.
package funnel

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var funLog = log.With().Str("module", "funnel").Logger()

// Tracker accumulates per-run counters. All methods are safe for
// concurrent use.
type Tracker struct {
	mu      sync.Mutex
	started time.Time

	cycles          uint64
	biasEligible    int
	biasRejections  map[string]int
	entryRejections map[string]int
	entriesPlaced   int
	exitsCompleted  int
	hedgesPlaced    int
}

// New creates a tracker.
func New() *Tracker {
	return &Tracker{
		started:         time.Now(),
		biasRejections:  make(map[string]int),
		entryRejections: make(map[string]int),
	}
}

// CycleDone marks one scheduler tick.
func (t *Tracker) CycleDone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cycles++
}

// RecordEligible counts tokens that passed the bias gates this tick.
func (t *Tracker) RecordEligible(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.biasEligible += n
}

// RecordBiasRejection counts an eligibility failure by reason.
func (t *Tracker) RecordBiasRejection(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.biasRejections[reason]++
}

// RecordEntryRejection counts a decision or execution refusal by reason.
func (t *Tracker) RecordEntryRejection(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entryRejections[reason]++
}

// RecordEntry counts a placed entry.
func (t *Tracker) RecordEntry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entriesPlaced++
}

// RecordExit counts a completed exit.
func (t *Tracker) RecordExit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exitsCompleted++
}

// RecordHedge counts a placed hedge leg.
func (t *Tracker) RecordHedge() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hedgesPlaced++
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Uptime          time.Duration
	Cycles          uint64
	BiasEligible    int
	BiasRejections  map[string]int
	EntryRejections map[string]int
	EntriesPlaced   int
	ExitsCompleted  int
	HedgesPlaced    int
}

// Snapshot copies the counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		Uptime:          time.Since(t.started),
		Cycles:          t.cycles,
		BiasEligible:    t.biasEligible,
		BiasRejections:  make(map[string]int, len(t.biasRejections)),
		EntryRejections: make(map[string]int, len(t.entryRejections)),
		EntriesPlaced:   t.entriesPlaced,
		ExitsCompleted:  t.exitsCompleted,
		HedgesPlaced:    t.hedgesPlaced,
	}
	for k, v := range t.biasRejections {
		s.BiasRejections[k] = v
	}
	for k, v := range t.entryRejections {
		s.EntryRejections[k] = v
	}
	return s
}

// StartupInfo is the boot banner's content.
type StartupInfo struct {
	Version         string
	Mode            string
	Liquidation     string
	LeaderboardSize int
	BatchSize       int
	EntryZoneCents  [2]int
	TradeFraction   decimal.Decimal
	MaxTradeUSD     decimal.Decimal
	TakeProfitCents int
	HedgeCents      int
	HardExitCents   int
	MaxHoldHours    float64
	EvWindow        int
	MaxOpen         int
}

var bannerRule = strings.Repeat("═", 63)

// StartupReport prints the boot banner with the config that governs the run.
func StartupReport(in StartupInfo) {
	funLog.Info().Msg(bannerRule)
	funLog.Info().Msgf("🐋 WHALEBOT v%s - %s", in.Version, in.Mode)
	funLog.Info().Msg(bannerRule)
	funLog.Info().Msgf("   Whales:    top %d, batches of %d per tick", in.LeaderboardSize, in.BatchSize)
	funLog.Info().Msgf("   Entries:   %d-%d¢ zone, %s%% of bankroll, $%s cap, max %d open",
		in.EntryZoneCents[0], in.EntryZoneCents[1],
		in.TradeFraction.Mul(decimal.NewFromInt(100)).StringFixed(1),
		in.MaxTradeUSD.StringFixed(0), in.MaxOpen)
	funLog.Info().Msgf("   Exits:     TP +%d¢, hedge -%d¢, hard -%d¢, time stop %.1fh",
		in.TakeProfitCents, in.HedgeCents, in.HardExitCents, in.MaxHoldHours)
	funLog.Info().Msgf("   EV model:  last %d trades", in.EvWindow)
	if in.Liquidation != "off" {
		funLog.Info().Msgf("   ⚠️ LIQUIDATION MODE: %s", in.Liquidation)
	}
	funLog.Info().Msg(bannerRule)
}

// StatusInput carries the live figures the counters alone can't know.
type StatusInput struct {
	OpenPositions   int
	DeployedUSD     decimal.Decimal
	BalanceUSD      decimal.Decimal
	ReserveUSD      decimal.Decimal
	EvCents         decimal.Decimal
	ProfitFactor    decimal.Decimal
	WindowTrades    int
	TrackedWhales   int
	ActiveCooldowns int
	TradesIngested  uint64
	TradesFiltered  uint64
	ActiveBiases    int
}

// LogStatus emits the periodic status line.
func (t *Tracker) LogStatus(in StatusInput) {
	s := t.Snapshot()

	funLog.Info().
		Uint64("cycles", s.Cycles).
		Str("uptime", s.Uptime.Round(time.Second).String()).
		Int("open", in.OpenPositions).
		Str("deployed", in.DeployedUSD.StringFixed(2)).
		Str("balance", in.BalanceUSD.StringFixed(2)).
		Str("reserve", in.ReserveUSD.StringFixed(2)).
		Int("whales", in.TrackedWhales).
		Uint64("ingested", in.TradesIngested).
		Uint64("price_filtered", in.TradesFiltered).
		Int("biases", in.ActiveBiases).
		Int("eligible", s.BiasEligible).
		Int("entries", s.EntriesPlaced).
		Int("exits", s.ExitsCompleted).
		Int("hedges", s.HedgesPlaced).
		Str("ev_cents", in.EvCents.StringFixed(2)).
		Str("pf", in.ProfitFactor.StringFixed(2)).
		Int("ev_window", in.WindowTrades).
		Int("cooldowns", in.ActiveCooldowns).
		Str("rejections", formatReasons(s.BiasRejections, s.EntryRejections)).
		Msg("📊 Status")
}

// formatReasons renders rejection counters as reason:count pairs, largest
// first, capped so the status line stays one line.
func formatReasons(maps ...map[string]int) string {
	type rc struct {
		reason string
		count  int
	}
	var all []rc
	for _, m := range maps {
		for reason, count := range m {
			all = append(all, rc{reason, count})
		}
	}
	if len(all) == 0 {
		return "-"
	}
	sort.Slice(all, func(i, j int) bool { return all[i].count > all[j].count })
	if len(all) > 6 {
		all = all[:6]
	}
	parts := make([]string, 0, len(all))
	for _, r := range all {
		parts = append(parts, r.reason+":"+strconv.Itoa(r.count))
	}
	return strings.Join(parts, " ")
}
