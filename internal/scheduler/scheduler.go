// Package scheduler owns the outer loop: whale polling, exit and entry
// passes, failure cooldowns, liquidation, and periodic housekeeping. All
// I/O fans out from here; the decision and position layers stay pure.
package scheduler

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/web3guy0/whalebot/internal/bias"
	"github.com/web3guy0/whalebot/internal/bot"
	"github.com/web3guy0/whalebot/internal/clob"
	"github.com/web3guy0/whalebot/internal/config"
	"github.com/web3guy0/whalebot/internal/ev"
	"github.com/web3guy0/whalebot/internal/executor"
	"github.com/web3guy0/whalebot/internal/funnel"
	"github.com/web3guy0/whalebot/internal/marketdata"
	"github.com/web3guy0/whalebot/internal/position"
	"github.com/web3guy0/whalebot/internal/reserve"
	"github.com/web3guy0/whalebot/internal/storage"
	"github.com/web3guy0/whalebot/internal/types"
	"github.com/web3guy0/whalebot/internal/whales"
)

var schedLog = log.With().Str("module", "scheduler").Logger()

const (
	statusInterval       = time.Minute
	redemptionInterval   = 10 * time.Minute
	liqRedemptionEvery   = time.Minute
	positionSyncInterval = 30 * time.Second
	recentlySoldWindow   = 30 * time.Second
	prunedPositionAge    = time.Hour
	scannerMaxEntries    = 2
	scannerMarketLimit   = 10
)

// lowPolThreshold is when the gas warning fires.
var lowPolThreshold = decimal.NewFromFloat(0.05)

// Deps is everything the loop drives.
type Deps struct {
	Cfg         *config.Config
	Clob        *clob.Client
	Chain       *clob.ChainReader // nil when no RPC is configured
	Whales      *whales.Client
	Leaderboard *bias.Leaderboard
	Biases      *bias.Accumulator
	EvTracker   *ev.Tracker
	Positions   *position.Manager
	Exec        *executor.Engine
	Facade      *marketdata.Facade
	Cooldowns   *marketdata.CooldownManager
	Reserves    *reserve.Manager
	Funnel      *funnel.Tracker
	Store       *storage.Database
	Notifier    *bot.Notifier
}

// Scheduler runs the tick loop until its context ends.
type Scheduler struct {
	Deps

	mu         sync.Mutex
	balanceUSD decimal.Decimal
	polBalance decimal.Decimal
	balanceAt  time.Time
	simEquity  decimal.Decimal

	liquidation  config.LiquidationMode
	recentlySold map[string]time.Time
	evWasPaused  bool

	lastRedemption time.Time
	lastStatus     time.Time
	lastPosSync    time.Time

	nowFn func() time.Time
}

// New wires a scheduler. Dry-run equity starts at the configured simulated
// bankroll; live balances come from the exchange on the first tick.
func New(deps Deps) *Scheduler {
	return &Scheduler{
		Deps:         deps,
		simEquity:    deps.Cfg.SimBankrollUSD,
		liquidation:  deps.Cfg.Liquidation,
		recentlySold: make(map[string]time.Time),
		nowFn:        time.Now,
	}
}

// Run executes ticks until ctx is cancelled. The per-tick body is fenced;
// a panic in one tick is logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context) {
	schedLog.Info().
		Bool("dry_run", s.Cfg.DryRun).
		Str("liquidation", string(s.liquidation)).
		Msg("🔄 Scheduler started")

	for {
		select {
		case <-ctx.Done():
			schedLog.Info().Msg("🛑 Scheduler stopping")
			return
		default:
		}

		s.tick(ctx)

		select {
		case <-ctx.Done():
			schedLog.Info().Msg("🛑 Scheduler stopping")
			return
		case <-time.After(s.interval()):
		}
	}
}

// interval picks the poll cadence: tighter while holding, looser when flat,
// the liquidation pace when unwinding.
func (s *Scheduler) interval() time.Duration {
	if s.liquidationActive() {
		return s.Cfg.LiquidationPollInterval
	}
	if s.Positions.OpenCount() > 0 {
		return s.Cfg.PositionPollInterval
	}
	return s.Cfg.PollInterval
}

func (s *Scheduler) liquidationActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liquidation != config.LiquidationOff
}

func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			schedLog.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("💥 Tick panicked, continuing")
		}
	}()

	s.Funnel.CycleDone()

	// 1. Independent fetches in parallel. Each logs its own failure; one
	// slow feed never blocks the others past its own timeout.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { s.refreshBalances(gctx); return nil })
	g.Go(func() error { s.pollWhales(gctx); return nil })
	if s.Cfg.PositionSyncEnabled && !s.Cfg.DryRun {
		g.Go(func() error { s.syncPositions(gctx); return nil })
	}
	_ = g.Wait()

	// 2. Exits before entries, always.
	s.runExits(ctx)

	// 3. Expired failure cooldowns.
	s.Cooldowns.Cleanup()

	// 4-6. New exposure, unless we are unwinding.
	if s.liquidationActive() {
		s.runLiquidation(ctx)
	} else {
		eligible := s.gatherEligible()
		placed := s.runEntries(ctx, eligible)
		if s.Cfg.ScannerEnabled && len(eligible) == 0 && placed == 0 {
			s.runScanner(ctx)
		}
	}

	// 7. Housekeeping.
	s.housekeeping(ctx)
}

// Balances

// refreshBalances updates the cached USDC and POL balances behind the
// configured min-interval. Dry-run equity is tracked locally instead.
func (s *Scheduler) refreshBalances(ctx context.Context) {
	if s.Cfg.DryRun {
		return
	}

	s.mu.Lock()
	due := s.nowFn().Sub(s.balanceAt) >= s.Cfg.BalanceRefreshInterval
	s.mu.Unlock()
	if !due {
		return
	}

	balance, err := s.Clob.GetUsdcBalance(ctx)
	if err != nil {
		schedLog.Warn().Err(err).Msg("⚠️ Balance refresh failed")
		return
	}

	pol := decimal.Zero
	if s.Chain != nil {
		if p, err := s.Chain.GetPolBalance(ctx, s.Clob.FunderAddress()); err == nil {
			pol = p
			if pol.LessThan(lowPolThreshold) {
				schedLog.Warn().Str("pol", pol.StringFixed(4)).Msg("⛽ POL balance low, redemptions may fail")
			}
		}
	}

	s.mu.Lock()
	s.balanceUSD = balance
	s.polBalance = pol
	s.balanceAt = s.nowFn()
	s.mu.Unlock()
}

// FreeBalance is the cash available for new exposure, for the status
// surfaces.
func (s *Scheduler) FreeBalance() decimal.Decimal {
	return s.freeBalance()
}

// freeBalance is the cash available for new exposure: the exchange balance
// in live mode, simulated equity minus deployed capital in dry-run.
func (s *Scheduler) freeBalance() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Cfg.DryRun {
		return s.simEquity.Sub(s.Positions.TotalDeployedUSD())
	}
	return s.balanceUSD
}

func (s *Scheduler) settleSim(r types.TradeResult) {
	if !s.Cfg.DryRun {
		return
	}
	s.mu.Lock()
	s.simEquity = s.simEquity.Add(r.PnlUSD)
	s.mu.Unlock()
}

// Whale discovery

// pollWhales refreshes the leaderboard when due and polls the next rotation
// batch of accounts. Per-account failures are isolated; one dead feed never
// starves the rest of the batch.
func (s *Scheduler) pollWhales(ctx context.Context) {
	if err := s.Leaderboard.RefreshIfDue(ctx); err != nil {
		schedLog.Warn().Err(err).Msg("⚠️ Leaderboard refresh failed")
	}

	batch := s.Leaderboard.NextBatch()
	if len(batch) == 0 {
		return
	}

	var (
		mu       sync.Mutex
		combined []types.WhaleTrade
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, wallet := range batch {
		wallet := wallet
		g.Go(func() error {
			trades, err := s.Whales.AccountActivity(gctx, wallet)
			if err != nil {
				schedLog.Debug().Err(err).Str("wallet", wallet[:10]+"...").Msg("Whale activity fetch failed")
				return nil
			}
			mu.Lock()
			combined = append(combined, trades...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(combined) > 0 {
		s.Biases.IngestTrades(combined)
	}
}

// syncPositions reconciles local state against the on-chain position feed,
// throttled. Drift is logged, never auto-corrected; a human decides.
func (s *Scheduler) syncPositions(ctx context.Context) {
	s.mu.Lock()
	due := s.nowFn().Sub(s.lastPosSync) >= positionSyncInterval
	if due {
		s.lastPosSync = s.nowFn()
	}
	s.mu.Unlock()
	if !due {
		return
	}

	remote, err := s.Clob.GetPositions(ctx)
	if err != nil {
		schedLog.Debug().Err(err).Msg("Position sync fetch failed")
		return
	}

	remoteTokens := make(map[string]struct{}, len(remote))
	for _, p := range remote {
		remoteTokens[p.TokenID] = struct{}{}
	}
	for _, p := range s.Positions.OpenPositions() {
		if _, ok := remoteTokens[p.TokenID]; !ok {
			schedLog.Warn().
				Str("id", p.ID).
				Str("token", shortID(p.TokenID)).
				Msg("⚠️ Local position missing on-chain, manual check needed")
		}
	}
}

// Exits

// runExits builds the market view map for every held token and hands it to
// the execution engine. Tokens whose book cannot be fetched are skipped for
// this tick; the position simply isn't marked.
func (s *Scheduler) runExits(ctx context.Context) {
	open := s.Positions.OpenPositions()
	if len(open) == 0 {
		return
	}

	views := s.buildMarketViews(ctx, open)
	if len(views) == 0 {
		return
	}

	summary := s.Exec.ProcessExits(ctx, views)
	for _, r := range summary.Exited {
		s.Funnel.RecordExit()
		s.settleSim(r)
		if err := s.Store.SaveTrade(r); err != nil {
			schedLog.Warn().Err(err).Msg("Trade persist failed")
		}
	}
	for range summary.Hedged {
		s.Funnel.RecordHedge()
	}
}

// buildMarketViews fetches one validated book per held token, plus the
// opposite-outcome book so the hedge path is always ready. Fetches are
// deduplicated and run in parallel.
func (s *Scheduler) buildMarketViews(ctx context.Context, open []*position.ManagedPosition) map[string]executor.MarketView {
	tokens := make(map[string]struct{}, len(open))
	for _, p := range open {
		tokens[p.TokenID] = struct{}{}
	}

	var (
		mu    sync.Mutex
		views = make(map[string]executor.MarketView, len(tokens))
	)
	g, gctx := errgroup.WithContext(ctx)
	for token := range tokens {
		token := token
		g.Go(func() error {
			book, err := s.Facade.GetOrderbookState(gctx, token)
			if err != nil {
				schedLog.Debug().Err(err).Str("token", shortID(token)).Msg("Held book unavailable this tick")
				return nil
			}

			view := executor.MarketView{
				Book:           book,
				Activity:       s.Facade.Activity(token),
				ReferenceCents: s.Biases.ReferencePriceCents(token),
			}
			if pair, err := s.Whales.ResolveMarket(gctx, token); err == nil {
				view.MarketID = pair.ConditionID
				view.OppositeTokenID = pair.Opposite(token)
				if view.OppositeTokenID != "" {
					if opp, err := s.Facade.GetOrderbookState(gctx, view.OppositeTokenID); err == nil {
						view.OppositeBook = &opp
					}
				}
			}

			mu.Lock()
			views[token] = view
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return views
}

// Entries

// gatherEligible filters active biases through the bias gate and both
// cooldown layers, recording every rejection, and returns the survivors
// strongest flow first.
func (s *Scheduler) gatherEligible() []bias.TokenBias {
	var eligible []bias.TokenBias
	for _, b := range s.Biases.ActiveBiases() {
		if ok, reason := s.Biases.CanEnter(b.TokenID); !ok {
			s.Funnel.RecordBiasRejection(reason)
			continue
		}
		if cooled, _ := s.Cooldowns.IsOnCooldown(b.TokenID); cooled {
			s.Funnel.RecordBiasRejection("FAILURE_COOLDOWN")
			continue
		}
		if s.Exec.IsOnEntryCooldown(b.TokenID) {
			s.Funnel.RecordBiasRejection("ENTRY_COOLDOWN")
			continue
		}
		eligible = append(eligible, b)
	}

	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].NetUSD.GreaterThan(eligible[j].NetUSD)
	})
	s.Funnel.RecordEligible(len(eligible))
	return eligible
}

// runEntries attempts up to MaxEntriesPerTick entries from the eligible
// list. Book failures feed the cooldown manager by kind; a clean fetch on a
// previously failing token clears its strikes.
func (s *Scheduler) runEntries(ctx context.Context, eligible []bias.TokenBias) int {
	placed := 0
	for _, b := range eligible {
		if placed >= s.Cfg.MaxEntriesPerTick {
			break
		}
		if s.tryEntry(ctx, b.TokenID, false) {
			placed++
		}
	}
	return placed
}

// tryEntry fetches market data for one token and runs the entry pipeline.
func (s *Scheduler) tryEntry(ctx context.Context, tokenID string, scanner bool) bool {
	pair, err := s.Whales.ResolveMarket(ctx, tokenID)
	if err != nil {
		s.Funnel.RecordEntryRejection("MARKET_RESOLVE_FAILED")
		s.Cooldowns.RecordFailure(tokenID, marketdata.FailureKindOf(err))
		return false
	}

	book, err := s.Facade.GetOrderbookState(ctx, tokenID)
	if err != nil {
		kind := marketdata.FailureKindOf(err)
		s.Funnel.RecordEntryRejection(string(kind))
		s.Cooldowns.RecordFailure(tokenID, kind)
		return false
	}
	s.Cooldowns.RecordSuccess(tokenID)

	view := executor.MarketView{
		MarketID:        pair.ConditionID,
		Book:            book,
		Activity:        s.Facade.Activity(tokenID),
		ReferenceCents:  s.Biases.ReferencePriceCents(tokenID),
		OppositeTokenID: pair.Opposite(tokenID),
	}

	var result executor.EntryResult
	if scanner {
		result = s.Exec.ProcessScannerEntry(ctx, tokenID, view, s.freeBalance())
	} else {
		result = s.Exec.ProcessEntry(ctx, tokenID, view, s.freeBalance())
	}

	if !result.Success {
		s.Funnel.RecordEntryRejection(result.Reason)
		if result.Reason == "ORDER_REJECTED" {
			s.Cooldowns.RecordFailure(tokenID, types.FailOrderRejected)
		}
		return false
	}

	s.Funnel.RecordEntry()
	subs := []string{tokenID}
	if view.OppositeTokenID != "" {
		subs = append(subs, view.OppositeTokenID)
	}
	if err := s.Facade.Subscribe(subs); err != nil {
		schedLog.Debug().Err(err).Msg("WS subscribe failed, REST fallback covers it")
	}
	s.Notifier.NotifyEntry(result.Position)
	return true
}

// runScanner is the fallback entry source when whale flow is silent: top
// volume markets, same gates minus the bias requirement.
func (s *Scheduler) runScanner(ctx context.Context) {
	pairs, err := s.Whales.TrendingMarkets(ctx, scannerMarketLimit)
	if err != nil {
		schedLog.Debug().Err(err).Msg("Scanner market fetch failed")
		return
	}

	placed := 0
	for _, pair := range pairs {
		if placed >= scannerMaxEntries {
			break
		}
		token := pair.TokenIDs[0]
		if s.Positions.CountByToken(token) > 0 {
			continue
		}
		if cooled, _ := s.Cooldowns.IsOnCooldown(token); cooled {
			continue
		}
		if s.Exec.IsOnEntryCooldown(token) {
			continue
		}
		if s.tryEntry(ctx, token, true) {
			schedLog.Info().Str("token", shortID(token)).Msg("🔭 Scanner entry placed")
			placed++
		}
	}
}

// Liquidation

// runLiquidation unwinds one position per tick, largest first, skipping
// anything sold in the last 30 seconds so partial books get time to refill.
// all-mode stops as soon as the effective bankroll is positive again;
// otherwise the mode switches itself off when nothing qualifies anymore.
func (s *Scheduler) runLiquidation(ctx context.Context) {
	s.mu.Lock()
	mode := s.liquidation
	now := s.nowFn()
	for token, at := range s.recentlySold {
		if now.Sub(at) > recentlySoldWindow {
			delete(s.recentlySold, token)
		}
	}
	s.mu.Unlock()

	if mode == config.LiquidationAll {
		if effective, _ := s.Reserves.EffectiveBankroll(s.freeBalance()); effective.IsPositive() {
			s.mu.Lock()
			s.liquidation = config.LiquidationOff
			s.mu.Unlock()
			schedLog.Info().
				Str("effective", effective.StringFixed(2)).
				Msg("✅ Bankroll restored, resuming normal operation")
			return
		}
	}

	var candidates []*position.ManagedPosition
	for _, p := range s.Positions.OpenPositions() {
		if mode == config.LiquidationLosing && !p.UnrealizedPnlUSD.IsNegative() {
			continue
		}
		s.mu.Lock()
		_, sold := s.recentlySold[p.TokenID]
		s.mu.Unlock()
		if sold {
			continue
		}
		candidates = append(candidates, p)
	}

	if len(candidates) == 0 {
		if s.Positions.OpenCount() == 0 || mode == config.LiquidationLosing {
			s.mu.Lock()
			s.liquidation = config.LiquidationOff
			s.mu.Unlock()
			schedLog.Info().Str("mode", string(mode)).Msg("✅ Liquidation complete, resuming normal operation")
		}
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].EntrySizeUSD.GreaterThan(candidates[j].EntrySizeUSD)
	})
	p := candidates[0]

	book, err := s.Facade.GetOrderbookState(ctx, p.TokenID)
	if err != nil {
		schedLog.Warn().Err(err).Str("id", p.ID).Msg("⚠️ Liquidation book unavailable")
		return
	}

	result, ok := s.Exec.ExitNow(ctx, p, book, types.ExitLiquidation)
	if !ok {
		return
	}

	s.mu.Lock()
	s.recentlySold[p.TokenID] = s.nowFn()
	s.mu.Unlock()

	s.Funnel.RecordExit()
	s.settleSim(*result)
	if err := s.Store.SaveTrade(*result); err != nil {
		schedLog.Warn().Err(err).Msg("Trade persist failed")
	}
	schedLog.Info().
		Str("id", p.ID).
		Str("pnl_usd", result.PnlUSD.StringFixed(2)).
		Msg("🔨 Position liquidated")
}

// Housekeeping

func (s *Scheduler) housekeeping(ctx context.Context) {
	s.checkEvPause()

	now := s.nowFn()

	redemptionEvery := redemptionInterval
	if s.liquidationActive() {
		redemptionEvery = liqRedemptionEvery
	}
	s.mu.Lock()
	redemptionDue := now.Sub(s.lastRedemption) >= redemptionEvery
	if redemptionDue {
		s.lastRedemption = now
	}
	statusDue := now.Sub(s.lastStatus) >= statusInterval
	if statusDue {
		s.lastStatus = now
	}
	s.mu.Unlock()

	if redemptionDue && !s.Cfg.DryRun {
		s.redemptionSweep(ctx)
	}
	if statusDue {
		s.Reserves.Update()
		s.logStatus()
		if removed := s.Positions.PruneClosed(prunedPositionAge); removed > 0 {
			schedLog.Debug().Int("removed", removed).Msg("Pruned closed positions")
		}
	}
}

// checkEvPause fires the pause alert on the not-paused to paused edge.
func (s *Scheduler) checkEvPause() {
	paused := s.EvTracker.IsPaused()

	s.mu.Lock()
	was := s.evWasPaused
	s.evWasPaused = paused
	s.mu.Unlock()

	if paused && !was {
		_, reason := s.EvTracker.IsTradingAllowed()
		schedLog.Warn().Str("reason", reason).Msg("🛑 EV model paused trading")
		s.Notifier.NotifyPause(reason)
	}
}

// redemptionSweep surfaces settled positions whose collateral is claimable.
// Claiming itself is an on-chain transaction done from the wallet; the sweep
// makes sure nobody forgets the money exists.
func (s *Scheduler) redemptionSweep(ctx context.Context) {
	rows, err := s.Clob.RedeemablePositions(ctx)
	if err != nil {
		schedLog.Debug().Err(err).Msg("Redemption sweep failed")
		return
	}
	if len(rows) == 0 {
		return
	}

	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.CurrentValue)
	}
	schedLog.Info().
		Int("positions", len(rows)).
		Str("value_usd", total.StringFixed(2)).
		Msg("🎁 Redeemable positions waiting")
	s.Notifier.NotifyRedeemable(len(rows), total)
}

func (s *Scheduler) logStatus() {
	evm := s.EvTracker.GetMetrics()
	cd := s.Cooldowns.Stats()
	bf := s.Biases.FunnelSnapshot()
	balance := s.freeBalance()
	_, reserved := s.Reserves.EffectiveBankroll(balance)

	s.Funnel.LogStatus(funnel.StatusInput{
		OpenPositions:   s.Positions.OpenCount(),
		DeployedUSD:     s.Positions.TotalDeployedUSD(),
		BalanceUSD:      balance,
		ReserveUSD:      reserved,
		EvCents:         evm.EvCents,
		ProfitFactor:    evm.ProfitFactor,
		WindowTrades:    evm.TotalTrades,
		TrackedWhales:   s.Leaderboard.Size(),
		ActiveCooldowns: cd.Active,
		TradesIngested:  uint64(bf.TradesIngested),
		TradesFiltered:  uint64(bf.TradesFilteredByPrice),
		ActiveBiases:    bf.UniqueTokensWithTrades,
	})
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16] + "..."
	}
	return id
}
