// Package types holds the shared vocabulary of the daemon: sides, position
// states, exit reasons, failure kinds, and the records that cross package
// boundaries. Prices in [0,1] and USD amounts are decimal; per-share values
// are integer cents.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of a position. The bias pipeline only emits LONG (whale SELL flow is
// discarded at ingestion), but target math stays side-symmetric.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// PositionState is the lifecycle state of a managed position.
// Transitions form a DAG: OPEN→{HEDGED,EXITING}, HEDGED→EXITING,
// EXITING→CLOSED. CLOSED is terminal.
type PositionState string

const (
	StateOpen    PositionState = "OPEN"
	StateHedged  PositionState = "HEDGED"
	StateExiting PositionState = "EXITING"
	StateClosed  PositionState = "CLOSED"
)

// ExitReason labels why a position is being closed.
type ExitReason string

const (
	ExitTakeProfit  ExitReason = "TAKE_PROFIT"
	ExitHard        ExitReason = "HARD_EXIT"
	ExitTimeStop    ExitReason = "TIME_STOP"
	ExitBiasFlip    ExitReason = "BIAS_FLIP"
	ExitEvDegraded  ExitReason = "EV_DEGRADED"
	ExitStopLoss    ExitReason = "STOP_LOSS"
	ExitLiquidation ExitReason = "LIQUIDATION"
)

// Urgency drives smart-sell slippage tolerance.
type Urgency string

const (
	UrgencyLow      Urgency = "LOW"
	UrgencyMedium   Urgency = "MEDIUM"
	UrgencyCritical Urgency = "CRITICAL"
)

// Urgent reasons get the wide-tolerance sell path and a forced retry.
func (r ExitReason) Urgent() bool {
	return r == ExitHard || r == ExitStopLoss
}

// FailureKind is the error taxonomy shared by the market-data path and the
// execution path. Kinds, not Go error types, decide retry behaviour.
type FailureKind string

const (
	FailRateLimit        FailureKind = "RATE_LIMIT"
	FailNetwork          FailureKind = "NETWORK_ERROR"
	FailParse            FailureKind = "PARSE_ERROR"
	FailTimeout          FailureKind = "TIMEOUT"
	FailOrderRejected    FailureKind = "ORDER_REJECTED"
	FailInvalidLiquidity FailureKind = "INVALID_LIQUIDITY"
	FailDustBook         FailureKind = "DUST_BOOK"
	FailInvalidPrices    FailureKind = "INVALID_PRICES"
	FailNoOrderbook      FailureKind = "NO_ORDERBOOK"
	FailNotFound         FailureKind = "NOT_FOUND"
)

// Transient failures are retried on the next cycle behind a short cooldown.
func (k FailureKind) Transient() bool {
	switch k {
	case FailRateLimit, FailNetwork, FailParse, FailTimeout, FailOrderRejected:
		return true
	}
	return false
}

// Inactive failures mean the market itself is gone or bookless; they take
// the long exponential cooldown schedule.
func (k FailureKind) Inactive() bool {
	return k == FailNoOrderbook || k == FailNotFound
}

// WhaleTrade is one retained row from a whale account's activity feed.
// Only type=TRADE side=BUY rows survive ingestion.
type WhaleTrade struct {
	TokenID     string
	MarketID    string
	Wallet      string
	Side        string
	SizeUSD     decimal.Decimal
	Price       decimal.Decimal // [0,1]; zero when the feed omitted it
	TimestampMs int64
}

// TradeResult is a completed round trip pushed into the EV tracker.
type TradeResult struct {
	TokenID    string
	Side       Side
	EntryCents int
	ExitCents  int
	SizeUSD    decimal.Decimal
	PnlCents   int // per share
	PnlUSD     decimal.Decimal
	IsWin      bool
	Timestamp  time.Time
}

// BookSource records where an orderbook snapshot came from.
type BookSource string

const (
	SourceWS    BookSource = "WS"
	SourceCache BookSource = "CACHE"
	SourceREST  BookSource = "REST"
)

// OrderbookState is the facade's validated view of a token's book.
type OrderbookState struct {
	TokenID       string
	BestBidCents  int
	BestAskCents  int
	BidDepthUSD   decimal.Decimal // sum size*price over top 5 bids
	AskDepthUSD   decimal.Decimal // top 5 asks
	SpreadCents   int
	MidPriceCents int
	Source        BookSource
	FetchedAt     time.Time
}

// MarketActivity summarizes recent trade/book traffic for the liquidity gate.
type MarketActivity struct {
	TradesInWindow      int
	BookUpdatesInWindow int
	LastTradeTime       time.Time
	LastUpdateTime      time.Time
}

var hundred = decimal.NewFromInt(100)

// CentsFromDecimal converts a [0,1] price to integer cents, half-up.
func CentsFromDecimal(p decimal.Decimal) int {
	return int(p.Mul(hundred).Round(0).IntPart())
}

// DecimalFromCents converts integer cents back to a [0,1] price.
func DecimalFromCents(c int) decimal.Decimal {
	return decimal.NewFromInt(int64(c)).Div(hundred)
}
