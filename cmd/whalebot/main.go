// Whalebot - autonomous whale-copy trader for Polymarket binary markets.
//
// The daemon watches the profit leaderboard, accumulates whale BUY flow
// into per-token biases, and copies the strongest signals through a gated
// decision pipeline: liquidity, price deviation, price bounds, risk limits,
// and a rolling expected-value model that pauses trading when the edge
// degrades. Held positions are managed against cent-denominated targets
// with take-profit, hedging into the opposite outcome, hard exits, and
// time stops.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/whalebot/internal/bias"
	"github.com/web3guy0/whalebot/internal/bot"
	"github.com/web3guy0/whalebot/internal/clob"
	"github.com/web3guy0/whalebot/internal/config"
	"github.com/web3guy0/whalebot/internal/decision"
	"github.com/web3guy0/whalebot/internal/ev"
	"github.com/web3guy0/whalebot/internal/executor"
	"github.com/web3guy0/whalebot/internal/funnel"
	"github.com/web3guy0/whalebot/internal/marketdata"
	"github.com/web3guy0/whalebot/internal/position"
	"github.com/web3guy0/whalebot/internal/reserve"
	"github.com/web3guy0/whalebot/internal/scheduler"
	"github.com/web3guy0/whalebot/internal/storage"
	"github.com/web3guy0/whalebot/internal/types"
	"github.com/web3guy0/whalebot/internal/whales"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	mode := "LIVE"
	if cfg.DryRun {
		mode = "DRY_RUN"
	}
	funnel.StartupReport(funnel.StartupInfo{
		Version:         version,
		Mode:            mode,
		Liquidation:     string(cfg.Liquidation),
		LeaderboardSize: cfg.LeaderboardSize,
		BatchSize:       cfg.WhaleBatchSize,
		EntryZoneCents:  [2]int{cfg.MinEntryPriceCents, cfg.MaxEntryPriceCents},
		TradeFraction:   cfg.TradeFraction,
		MaxTradeUSD:     cfg.MaxTradeUSD,
		TakeProfitCents: cfg.TakeProfitCents,
		HedgeCents:      cfg.HedgeTriggerCents,
		HardExitCents:   cfg.MaxAdverseCents,
		MaxHoldHours:    float64(cfg.MaxHoldSeconds) / 3600,
		EvWindow:        cfg.EvWindowSize,
		MaxOpen:         cfg.MaxOpenPositionsTotal,
	})
	if !cfg.WhalePriceFilterEnabled() {
		log.Warn().
			Str("min", cfg.WhalePriceMin.String()).
			Str("max", cfg.WhalePriceMax.String()).
			Msg("⚠️ Whale price filter min above max, filter disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence (optional; the core is memory-first)
	store, err := storage.New(cfg.DatabaseDSN, cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Exchange clients. Dry-run only ever touches the public endpoints.
	var clobClient *clob.Client
	if cfg.DryRun {
		clobClient = clob.NewPublic(cfg.CLOBAPIURL, cfg.DataAPIURL)
	} else {
		clobClient, err = clob.New(clob.Config{
			BaseURL:       cfg.CLOBAPIURL,
			DataAPIURL:    cfg.DataAPIURL,
			ApiKey:        cfg.CLOBApiKey,
			ApiSecret:     cfg.CLOBApiSecret,
			Passphrase:    cfg.CLOBPassphrase,
			PrivateKeyHex: cfg.WalletPrivateKey,
			SignerAddress: cfg.WalletAddress,
			FunderAddress: cfg.FunderAddress,
			SignatureType: cfg.SignatureType,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CLOB client")
		}
		if err := clobClient.TestConnection(ctx); err != nil {
			log.Fatal().Err(err).Msg("CLOB API unreachable")
		}
	}

	var chain *clob.ChainReader
	if !cfg.DryRun {
		chain, err = clob.NewChainReader(cfg.PolygonRPC)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Polygon RPC unavailable, gas monitoring disabled")
		} else {
			defer chain.Close()
		}
	}

	// Market data: WS feed with the REST facade behind it
	feed := marketdata.NewFeed(cfg.WSURL)
	if err := feed.Connect(); err != nil {
		log.Warn().Err(err).Msg("⚠️ Market WebSocket unavailable, REST fallback only")
	}
	defer feed.Close()

	facade := marketdata.NewFacade(feed, clobClient, marketdata.FacadeConfig{
		BookStaleAfter:     cfg.BookStaleAfter,
		MaxSpreadCents:     cfg.BookMaxSpreadCents,
		DustVerifyInterval: cfg.DustVerifyInterval,
	})
	cooldowns := marketdata.NewCooldownManager()

	// Whale discovery and bias
	whalesClient := whales.NewClient(cfg.DataAPIURL, cfg.GammaAPIURL)
	leaderboard := bias.NewLeaderboard(whalesClient, cfg.LeaderboardSize, cfg.WhaleBatchSize, cfg.LeaderboardRefresh)
	biases := bias.New(bias.Config{
		WindowSeconds:   cfg.BiasWindowSeconds,
		StaleSeconds:    cfg.BiasStaleSeconds,
		CopyAnyWhaleBuy: cfg.CopyAnyWhaleBuy,
		MinTrades:       cfg.MinBiasTrades,
		MinFlowUSD:      cfg.MinBiasFlowUSD,
		PriceMin:        cfg.WhalePriceMin,
		PriceMax:        cfg.WhalePriceMax,
		FilterEnabled:   cfg.WhalePriceFilterEnabled(),
	})

	// Model layers
	evTracker := ev.New(ev.Config{
		WindowSize:      cfg.EvWindowSize,
		PauseSeconds:    cfg.EvPauseSeconds,
		MinEvCents:      cfg.MinEvCents,
		MinProfitFactor: cfg.MinProfitFactor,
		ChurnCostCents:  cfg.ChurnCostCents,
	})
	positions := position.NewManager(position.Config{
		TakeProfitCents:   cfg.TakeProfitCents,
		HedgeTriggerCents: cfg.HedgeTriggerCents,
		MaxAdverseCents:   cfg.MaxAdverseCents,
		MaxHoldSeconds:    cfg.MaxHoldSeconds,
		MaxHedgeRatio:     cfg.MaxHedgeRatio,
	})
	decider := decision.NewEngine(decision.Config{
		EntryBandCents:           cfg.EntryBandCents,
		MinEntryPriceCents:       cfg.MinEntryPriceCents,
		MaxEntryPriceCents:       cfg.MaxEntryPriceCents,
		MaxSpreadCents:           cfg.MaxSpreadCents,
		MinDepthUSDAtExit:        cfg.MinDepthUSDAtExit,
		MinActivityTrades:        cfg.MinActivityTrades,
		MinActivityUpdates:       cfg.MinActivityUpdates,
		MaxOpenPositionsTotal:    cfg.MaxOpenPositionsTotal,
		MaxOpenPositionsPerToken: cfg.MaxOpenPositionsPerToken,
		MaxDeployedFraction:      cfg.MaxDeployedFraction,
		TradeFraction:            cfg.TradeFraction,
		MaxTradeUSD:              cfg.MaxTradeUSD,
		TakeProfitCents:          cfg.TakeProfitCents,
		HedgeTriggerCents:        cfg.HedgeTriggerCents,
		MaxAdverseCents:          cfg.MaxAdverseCents,
		MaxHoldSeconds:           cfg.MaxHoldSeconds,
		HedgeRatio:               cfg.HedgeRatio,
		MaxHedgeRatio:            cfg.MaxHedgeRatio,
	})
	reserves := reserve.New(reserve.Config{
		BaseFraction:   cfg.BaseReserveFraction,
		MaxFraction:    cfg.MaxReserveFraction,
		AdaptationRate: cfg.ReserveAdaptationRate,
		MinReserveUSD:  cfg.MinReserveUSD,
	})

	// Execution
	exec := executor.New(executor.Config{
		DryRun:           cfg.DryRun,
		CooldownPerToken: time.Duration(cfg.CooldownPerTokenSec) * time.Second,
	}, positions, decider, evTracker, biases, reserves)
	if !cfg.DryRun {
		exec.SetClient(clobClient)
	}

	funnelTracker := funnel.New()

	// Telegram: nil-safe, wired unconditionally
	stats := &statsBridge{positions: positions, evTracker: evTracker}
	notifier, err := bot.New(cfg.TelegramToken, cfg.TelegramChatID, stats)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Telegram bot")
	}

	// Every lifecycle transition goes to the event log and, where it
	// matters, to the chat.
	positions.RegisterObserver(func(p *position.ManagedPosition, tr position.Transition) {
		if err := store.SavePositionEvent(&storage.PositionEvent{
			PositionID: p.ID,
			TokenID:    p.TokenID,
			FromState:  string(tr.From),
			ToState:    string(tr.To),
			Reason:     tr.Reason,
			PnlCents:   tr.PnlCents,
			PnlUSD:     tr.PnlUSD,
			At:         tr.At,
		}); err != nil {
			log.Warn().Err(err).Msg("Position event persist failed")
		}

		switch {
		case tr.To == types.StateClosed:
			notifier.NotifyExit(types.TradeResult{
				TokenID:    p.TokenID,
				Side:       p.Side,
				EntryCents: p.EntryPriceCents,
				ExitCents:  p.CurrentPriceCents,
				SizeUSD:    p.EntrySizeUSD,
				PnlCents:   tr.PnlCents,
				PnlUSD:     tr.PnlUSD.Add(p.HedgePnlUSD()),
				IsWin:      tr.PnlCents > 0,
				Timestamp:  tr.At,
			}, types.ExitReason(tr.Reason))
		case tr.Reason == "HEDGE_PLACED" && len(p.Hedges) > 0:
			notifier.NotifyHedge(p, p.Hedges[len(p.Hedges)-1])
		}
	})

	sched := scheduler.New(scheduler.Deps{
		Cfg:         cfg,
		Clob:        clobClient,
		Chain:       chain,
		Whales:      whalesClient,
		Leaderboard: leaderboard,
		Biases:      biases,
		EvTracker:   evTracker,
		Positions:   positions,
		Exec:        exec,
		Facade:      facade,
		Cooldowns:   cooldowns,
		Reserves:    reserves,
		Funnel:      funnelTracker,
		Store:       store,
		Notifier:    notifier,
	})
	stats.sched = sched

	notifier.Start()
	defer notifier.Stop()
	notifier.NotifyStartup(mode)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	sched.Run(ctx)
	log.Info().Msg("👋 Whalebot stopped")
}

// statsBridge feeds the Telegram /status command from the live components.
// The scheduler pointer is set after construction; both sides need the other.
type statsBridge struct {
	positions *position.Manager
	evTracker *ev.Tracker
	sched     *scheduler.Scheduler
}

func (s *statsBridge) OpenPositions() []*position.ManagedPosition {
	return s.positions.OpenPositions()
}

func (s *statsBridge) BalanceUSD() decimal.Decimal {
	if s.sched == nil {
		return decimal.Zero
	}
	return s.sched.FreeBalance()
}

func (s *statsBridge) TotalPnlUSD() decimal.Decimal {
	return s.evTracker.GetMetrics().TotalPnlUSD
}

func (s *statsBridge) EvLine() string {
	m := s.evTracker.GetMetrics()
	return fmt.Sprintf("EV %s¢ | PF %s | %d trades in window",
		m.EvCents.StringFixed(2), m.ProfitFactor.StringFixed(2), m.TotalTrades)
}

