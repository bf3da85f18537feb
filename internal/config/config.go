package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// LiquidationMode controls forced unwinding of held positions.
type LiquidationMode string

const (
	LiquidationOff    LiquidationMode = "off"
	LiquidationLosing LiquidationMode = "losing"
	LiquidationAll    LiquidationMode = "all"
)

// Config holds every tunable of the daemon. Immutable after Load.
type Config struct {
	// Mode
	DryRun bool
	Debug  bool

	// Endpoints
	GammaAPIURL string
	CLOBAPIURL  string
	DataAPIURL  string
	WSURL       string
	PolygonRPC  string

	// CLOB credentials
	CLOBApiKey     string
	CLOBApiSecret  string
	CLOBPassphrase string

	// Wallet
	WalletPrivateKey string
	WalletAddress    string
	FunderAddress    string
	SignatureType    int

	// Sizing and exposure
	SimBankrollUSD           decimal.Decimal // dry-run starting equity
	MaxTradeUSD              decimal.Decimal
	TradeFraction            decimal.Decimal // fraction of effective bankroll per entry
	MinReserveUSD            decimal.Decimal
	BaseReserveFraction      decimal.Decimal
	MaxReserveFraction       decimal.Decimal
	ReserveAdaptationRate    decimal.Decimal
	MaxOpenPositionsTotal    int
	MaxOpenPositionsPerToken int
	MaxDeployedFraction      decimal.Decimal

	// Entry / exit model (cents per share)
	EntryBandCents     int
	TakeProfitCents    int
	HedgeTriggerCents  int
	MaxAdverseCents    int
	MaxHoldSeconds     int
	HedgeRatio         decimal.Decimal
	MaxHedgeRatio      decimal.Decimal
	MinEntryPriceCents int
	MaxEntryPriceCents int

	// Book facade
	BookStaleAfter     time.Duration
	BookMaxSpreadCents int // sanity gate, wider than the entry gate
	DustVerifyInterval time.Duration

	// Liquidity gates
	MaxSpreadCents     int
	MinDepthUSDAtExit  decimal.Decimal
	MinActivityTrades  int
	MinActivityUpdates int
	ActivityWindowSec  int

	// EV model
	EvWindowSize    int
	EvPauseSeconds  int
	MinEvCents      decimal.Decimal
	MinProfitFactor decimal.Decimal
	ChurnCostCents  decimal.Decimal // per share

	// Whale bias
	CopyAnyWhaleBuy     bool
	MinBiasFlowUSD      decimal.Decimal
	MinBiasTrades       int
	BiasWindowSeconds   int
	BiasStaleSeconds    int
	WhalePriceMin       decimal.Decimal // optional filter; min>max disables
	WhalePriceMax       decimal.Decimal
	WhaleBatchSize      int
	LeaderboardSize     int
	LeaderboardRefresh  time.Duration
	CooldownPerTokenSec int // entry cooldown after a fill

	// Scheduler
	PollInterval            time.Duration
	PositionPollInterval    time.Duration
	LiquidationPollInterval time.Duration
	BalanceRefreshInterval  time.Duration
	MaxEntriesPerTick       int
	Liquidation             LiquidationMode
	ScannerEnabled          bool
	PositionSyncEnabled     bool

	// Sinks
	TelegramToken  string
	TelegramChatID int64
	DatabaseDSN    string
	DatabasePath   string
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),

		GammaAPIURL: getEnv("GAMMA_API_URL", "https://gamma-api.polymarket.com"),
		CLOBAPIURL:  getEnv("CLOB_API_URL", "https://clob.polymarket.com"),
		DataAPIURL:  getEnv("DATA_API_URL", "https://data-api.polymarket.com"),
		WSURL:       getEnv("WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/market"),
		PolygonRPC:  getEnv("POLYGON_RPC_URL", "https://polygon-rpc.com"),

		CLOBApiKey:     os.Getenv("CLOB_API_KEY"),
		CLOBApiSecret:  os.Getenv("CLOB_API_SECRET"),
		CLOBPassphrase: os.Getenv("CLOB_PASSPHRASE"),

		WalletPrivateKey: os.Getenv("WALLET_PRIVATE_KEY"),
		WalletAddress:    os.Getenv("WALLET_ADDRESS"),
		FunderAddress:    os.Getenv("FUNDER_ADDRESS"),
		SignatureType:    getEnvInt("SIGNATURE_TYPE", 0),

		SimBankrollUSD:           getEnvDecimal("SIM_BANKROLL_USD", decimal.NewFromInt(1000)),
		MaxTradeUSD:              getEnvDecimal("MAX_TRADE_USD", decimal.NewFromInt(25)),
		TradeFraction:            getEnvDecimal("TRADE_FRACTION", decimal.NewFromFloat(0.01)),
		MinReserveUSD:            getEnvDecimal("MIN_RESERVE_USD", decimal.NewFromInt(20)),
		BaseReserveFraction:      getEnvDecimal("BASE_RESERVE_FRACTION", decimal.NewFromFloat(0.25)),
		MaxReserveFraction:       getEnvDecimal("MAX_RESERVE_FRACTION", decimal.NewFromFloat(0.40)),
		ReserveAdaptationRate:    getEnvDecimal("RESERVE_ADAPTATION_RATE", decimal.NewFromFloat(0.20)),
		MaxOpenPositionsTotal:    getEnvInt("MAX_OPEN_POSITIONS", 6),
		MaxOpenPositionsPerToken: getEnvInt("MAX_OPEN_POSITIONS_PER_TOKEN", 1),
		MaxDeployedFraction:      getEnvDecimal("MAX_DEPLOYED_FRACTION", decimal.NewFromFloat(0.60)),

		EntryBandCents:     getEnvInt("ENTRY_BAND_CENTS", 4),
		TakeProfitCents:    getEnvInt("TAKE_PROFIT_CENTS", 14),
		HedgeTriggerCents:  getEnvInt("HEDGE_TRIGGER_CENTS", 16),
		MaxAdverseCents:    getEnvInt("MAX_ADVERSE_CENTS", 30),
		MaxHoldSeconds:     getEnvInt("MAX_HOLD_SECONDS", 6*3600),
		HedgeRatio:         getEnvDecimal("HEDGE_RATIO", decimal.NewFromFloat(0.40)),
		MaxHedgeRatio:      getEnvDecimal("MAX_HEDGE_RATIO", decimal.NewFromFloat(0.80)),
		MinEntryPriceCents: getEnvInt("MIN_ENTRY_PRICE_CENTS", 30),
		MaxEntryPriceCents: getEnvInt("MAX_ENTRY_PRICE_CENTS", 82),

		BookStaleAfter:     getEnvDuration("BOOK_STALE_AFTER", 30*time.Second),
		BookMaxSpreadCents: getEnvInt("BOOK_MAX_SPREAD_CENTS", 20),
		DustVerifyInterval: getEnvDuration("DUST_VERIFY_INTERVAL", 5*time.Minute),

		MaxSpreadCents:     getEnvInt("MAX_SPREAD_CENTS", 3),
		MinDepthUSDAtExit:  getEnvDecimal("MIN_DEPTH_USD", decimal.NewFromInt(50)),
		MinActivityTrades:  getEnvInt("MIN_ACTIVITY_TRADES", 2),
		MinActivityUpdates: getEnvInt("MIN_ACTIVITY_UPDATES", 5),
		ActivityWindowSec:  getEnvInt("ACTIVITY_WINDOW_SEC", 600),

		EvWindowSize:    getEnvInt("EV_WINDOW_SIZE", 200),
		EvPauseSeconds:  getEnvInt("EV_PAUSE_SECONDS", 1800),
		MinEvCents:      getEnvDecimal("MIN_EV_CENTS", decimal.NewFromFloat(0.5)),
		MinProfitFactor: getEnvDecimal("MIN_PROFIT_FACTOR", decimal.NewFromFloat(1.1)),
		ChurnCostCents:  getEnvDecimal("CHURN_COST_CENTS", decimal.NewFromInt(2)),

		CopyAnyWhaleBuy:     getEnvBool("COPY_ANY_WHALE_BUY", false),
		MinBiasFlowUSD:      getEnvDecimal("MIN_BIAS_FLOW_USD", decimal.NewFromInt(500)),
		MinBiasTrades:       getEnvInt("MIN_BIAS_TRADES", 2),
		BiasWindowSeconds:   getEnvInt("BIAS_WINDOW_SECONDS", 3600),
		BiasStaleSeconds:    getEnvInt("BIAS_STALE_SECONDS", 900),
		WhalePriceMin:       getEnvDecimal("WHALE_PRICE_MIN", decimal.Zero),
		WhalePriceMax:       getEnvDecimal("WHALE_PRICE_MAX", decimal.NewFromInt(1)),
		WhaleBatchSize:      getEnvInt("WHALE_BATCH_SIZE", 5),
		LeaderboardSize:     getEnvInt("LEADERBOARD_SIZE", 25),
		LeaderboardRefresh:  getEnvDuration("LEADERBOARD_REFRESH", time.Hour),
		CooldownPerTokenSec: getEnvInt("COOLDOWN_PER_TOKEN_SEC", 180),

		PollInterval:            getEnvDuration("POLL_INTERVAL", 200*time.Millisecond),
		PositionPollInterval:    getEnvDuration("POSITION_POLL_INTERVAL", 100*time.Millisecond),
		LiquidationPollInterval: getEnvDuration("LIQUIDATION_POLL_INTERVAL", time.Second),
		BalanceRefreshInterval:  getEnvDuration("BALANCE_REFRESH_INTERVAL", 15*time.Second),
		MaxEntriesPerTick:       getEnvInt("MAX_ENTRIES_PER_TICK", 3),
		Liquidation:             LiquidationMode(getEnv("LIQUIDATION_MODE", "off")),
		ScannerEnabled:          getEnvBool("SCANNER_ENABLED", false),
		PositionSyncEnabled:     getEnvBool("POSITION_SYNC_ENABLED", true),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		DatabaseDSN:   os.Getenv("DATABASE_URL"),
		DatabasePath:  os.Getenv("DATABASE_PATH"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Liquidation {
	case LiquidationOff, LiquidationLosing, LiquidationAll:
	default:
		return fmt.Errorf("invalid LIQUIDATION_MODE %q (off|losing|all)", c.Liquidation)
	}
	if c.MaxTradeUSD.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("MAX_TRADE_USD must be positive")
	}
	if c.TradeFraction.LessThanOrEqual(decimal.Zero) || c.TradeFraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("TRADE_FRACTION must be in (0,1]")
	}
	if c.MaxHedgeRatio.LessThan(c.HedgeRatio) {
		return fmt.Errorf("MAX_HEDGE_RATIO %s below HEDGE_RATIO %s", c.MaxHedgeRatio, c.HedgeRatio)
	}
	if c.MinEntryPriceCents < 1 || c.MaxEntryPriceCents > 99 || c.MinEntryPriceCents > c.MaxEntryPriceCents {
		return fmt.Errorf("entry price bounds [%d,%d] invalid", c.MinEntryPriceCents, c.MaxEntryPriceCents)
	}
	if c.EvWindowSize < 10 {
		return fmt.Errorf("EV_WINDOW_SIZE must be at least 10")
	}
	if c.WhaleBatchSize < 1 {
		return fmt.Errorf("WHALE_BATCH_SIZE must be at least 1")
	}
	if !c.DryRun && c.WalletPrivateKey == "" && (c.CLOBApiKey == "" || c.CLOBApiSecret == "") {
		return fmt.Errorf("live mode needs WALLET_PRIVATE_KEY or CLOB_API_KEY/SECRET")
	}
	return nil
}

// WhalePriceFilterEnabled reports whether the optional [min,max] whale price
// filter is active. A min above max disables the filter entirely.
func (c *Config) WhalePriceFilterEnabled() bool {
	return c.WhalePriceMin.LessThanOrEqual(c.WhalePriceMax)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		v := strings.ToLower(value)
		return v == "true" || v == "1" || v == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
