// Package marketdata owns everything between the exchange and the decision
// path: the WebSocket book feed, the REST fallback facade with its sanity
// gates, and the per-token failure cooldowns.
package marketdata

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/whalebot/internal/types"
)

var wsLog = log.With().Str("module", "ws").Logger()

const (
	// activityWindow is how far back trade/update counters look.
	activityWindow = 60 * time.Second

	reconnectDelay = 5 * time.Second
)

// Feed maintains live best-bid/ask and depth per subscribed token over a
// single market WebSocket connection.
type Feed struct {
	url string

	mu          sync.RWMutex
	conn        *websocket.Conn
	isConnected bool
	subscribed  map[string]bool // tokenID -> subscribed

	booksMu sync.RWMutex
	books   map[string]*liveBook

	stopCh chan struct{}
}

// liveBook is the feed's raw view of one token. Depth comes from the last
// snapshot; best levels are refreshed by every price_change.
type liveBook struct {
	bestBid     decimal.Decimal
	bestAsk     decimal.Decimal
	bidDepthUSD decimal.Decimal
	askDepthUSD decimal.Decimal
	updatedAt   time.Time

	updateTimes []time.Time
	tradeTimes  []time.Time
}

type wsSnapshot struct {
	Market    string `json:"market"`
	AssetID   string `json:"asset_id"`
	Timestamp string `json:"timestamp"`
	Hash      string `json:"hash"`
	Bids      []struct {
		Price string `json:"price"`
		Size  string `json:"size"`
	} `json:"bids"`
	Asks []struct {
		Price string `json:"price"`
		Size  string `json:"size"`
	} `json:"asks"`
}

type wsPriceChange struct {
	Market       string `json:"market"`
	PriceChanges []struct {
		AssetID string `json:"asset_id"`
		Price   string `json:"price"`
		Size    string `json:"size"`
		Side    string `json:"side"`
		BestBid string `json:"best_bid"`
		BestAsk string `json:"best_ask"`
	} `json:"price_changes"`
	Timestamp string `json:"timestamp"`
	EventType string `json:"event_type"`
}

type wsLastTrade struct {
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`
	EventType string `json:"event_type"`
}

// NewFeed creates a feed for the given market WebSocket URL.
func NewFeed(url string) *Feed {
	return &Feed{
		url:        url,
		subscribed: make(map[string]bool),
		books:      make(map[string]*liveBook),
		stopCh:     make(chan struct{}),
	}
}

// Connect dials the WebSocket and starts the reader.
func (f *Feed) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.isConnected {
		return nil
	}

	wsLog.Info().Str("url", f.url).Msg("Connecting to market WebSocket...")

	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	f.conn = conn
	f.isConnected = true

	go f.readMessages()

	wsLog.Info().Msg("✅ Connected to market WebSocket")
	return nil
}

// Subscribe adds tokens to the market subscription. Already-subscribed
// tokens are skipped.
func (f *Feed) Subscribe(tokenIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.isConnected {
		return fmt.Errorf("not connected")
	}

	fresh := make([]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if id == "" || f.subscribed[id] {
			continue
		}
		fresh = append(fresh, id)
	}
	if len(fresh) == 0 {
		return nil
	}

	msg := map[string]interface{}{
		"type":       "market",
		"assets_ids": fresh,
	}
	msgBytes, _ := json.Marshal(msg)
	if err := f.conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}

	for _, id := range fresh {
		f.subscribed[id] = true
	}
	wsLog.Info().Int("tokens", len(fresh)).Msg("📡 Subscribed to market books")
	return nil
}

// Book returns the feed's current view of a token, false when the token has
// never produced a snapshot.
func (f *Feed) Book(tokenID string) (types.OrderbookState, bool) {
	f.booksMu.RLock()
	defer f.booksMu.RUnlock()

	b, ok := f.books[tokenID]
	if !ok {
		return types.OrderbookState{}, false
	}

	bid := types.CentsFromDecimal(b.bestBid)
	ask := types.CentsFromDecimal(b.bestAsk)
	return types.OrderbookState{
		TokenID:       tokenID,
		BestBidCents:  bid,
		BestAskCents:  ask,
		BidDepthUSD:   b.bidDepthUSD,
		AskDepthUSD:   b.askDepthUSD,
		SpreadCents:   ask - bid,
		MidPriceCents: (bid + ask) / 2,
		Source:        types.SourceWS,
		FetchedAt:     b.updatedAt,
	}, true
}

// Activity returns the recent traffic counters for the liquidity gate.
func (f *Feed) Activity(tokenID string) types.MarketActivity {
	f.booksMu.Lock()
	defer f.booksMu.Unlock()

	b, ok := f.books[tokenID]
	if !ok {
		return types.MarketActivity{}
	}

	cutoff := time.Now().Add(-activityWindow)
	b.updateTimes = pruneTimes(b.updateTimes, cutoff)
	b.tradeTimes = pruneTimes(b.tradeTimes, cutoff)

	a := types.MarketActivity{
		TradesInWindow:      len(b.tradeTimes),
		BookUpdatesInWindow: len(b.updateTimes),
	}
	if n := len(b.tradeTimes); n > 0 {
		a.LastTradeTime = b.tradeTimes[n-1]
	}
	if n := len(b.updateTimes); n > 0 {
		a.LastUpdateTime = b.updateTimes[n-1]
	}
	return a
}

func pruneTimes(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

func (f *Feed) readMessages() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		_, message, err := f.conn.ReadMessage()
		if err != nil {
			select {
			case <-f.stopCh:
				return
			default:
			}
			wsLog.Error().Err(err).Msg("WebSocket read error")
			f.handleDisconnect()
			return
		}

		f.handleMessage(message)
	}
}

func (f *Feed) handleMessage(data []byte) {
	var pc wsPriceChange
	if err := json.Unmarshal(data, &pc); err == nil && pc.EventType == "price_change" {
		f.handlePriceChange(&pc)
		return
	}

	var lt wsLastTrade
	if err := json.Unmarshal(data, &lt); err == nil && lt.EventType == "last_trade_price" {
		f.handleLastTrade(&lt)
		return
	}

	// Initial subscription response is an array of snapshots
	var snapshots []wsSnapshot
	if err := json.Unmarshal(data, &snapshots); err == nil && len(snapshots) > 0 {
		for i := range snapshots {
			f.handleSnapshot(&snapshots[i])
		}
	}
}

// depthLevels caps how many levels count toward quoted depth.
const depthLevels = 5

func (f *Feed) handleSnapshot(snap *wsSnapshot) {
	bidDepth, bestBid := sumDepth(snap.Bids)
	askDepth, bestAsk := sumDepth(snap.Asks)

	f.booksMu.Lock()
	defer f.booksMu.Unlock()

	b := f.bookLocked(snap.AssetID)
	b.bestBid = bestBid
	b.bestAsk = bestAsk
	b.bidDepthUSD = bidDepth
	b.askDepthUSD = askDepth
	b.updatedAt = time.Now()
	b.updateTimes = append(b.updateTimes, b.updatedAt)

	wsLog.Debug().
		Str("token", shortID(snap.AssetID)).
		Str("bid", bestBid.String()).
		Str("ask", bestAsk.String()).
		Msg("📊 Snapshot received")
}

func sumDepth(levels []struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}) (depth, best decimal.Decimal) {
	for i, lvl := range levels {
		if i >= depthLevels {
			break
		}
		price, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(lvl.Size)
		if err != nil {
			continue
		}
		if i == 0 {
			best = price
		}
		depth = depth.Add(price.Mul(size))
	}
	return depth, best
}

func (f *Feed) handlePriceChange(pc *wsPriceChange) {
	f.booksMu.Lock()
	defer f.booksMu.Unlock()

	now := time.Now()
	for _, change := range pc.PriceChanges {
		b := f.bookLocked(change.AssetID)
		if bid, err := decimal.NewFromString(change.BestBid); err == nil {
			b.bestBid = bid
		}
		if ask, err := decimal.NewFromString(change.BestAsk); err == nil {
			b.bestAsk = ask
		}
		b.updatedAt = now
		b.updateTimes = append(b.updateTimes, now)
	}
}

func (f *Feed) handleLastTrade(lt *wsLastTrade) {
	f.booksMu.Lock()
	defer f.booksMu.Unlock()

	b := f.bookLocked(lt.AssetID)
	b.tradeTimes = append(b.tradeTimes, time.Now())
}

func (f *Feed) bookLocked(tokenID string) *liveBook {
	b, ok := f.books[tokenID]
	if !ok {
		b = &liveBook{}
		f.books[tokenID] = b
	}
	return b
}

func (f *Feed) handleDisconnect() {
	f.mu.Lock()
	f.isConnected = false
	resub := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		resub = append(resub, id)
	}
	f.subscribed = make(map[string]bool)
	f.mu.Unlock()

	wsLog.Warn().Msg("WebSocket disconnected, reconnecting in 5s...")
	time.Sleep(reconnectDelay)

	if err := f.Connect(); err != nil {
		wsLog.Error().Err(err).Msg("Reconnect failed")
		return
	}
	if err := f.Subscribe(resub); err != nil {
		wsLog.Error().Err(err).Msg("Re-subscribe failed")
	}
}

// Close stops the reader and closes the connection.
func (f *Feed) Close() {
	close(f.stopCh)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn != nil {
		f.conn.Close()
	}
	f.isConnected = false
}

// IsConnected reports the connection status.
func (f *Feed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.isConnected
}

func shortID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:16] + "..."
}
