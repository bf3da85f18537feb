// Package whales is the discovery side of the pipeline: the leaderboard of
// accounts worth copying and their recent activity feeds.
package whales

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/whalebot/internal/types"
)

var whaleLog = log.With().Str("module", "whales").Logger()

const (
	leaderboardTimeout = 10 * time.Second
	activityTimeout    = 5 * time.Second

	// activityLimit is what the feed actually returns per account.
	activityLimit = 20
)

// Client reads the public data and gamma APIs.
type Client struct {
	baseURL    string
	gammaURL   string
	httpClient *http.Client

	marketMu    sync.Mutex
	marketCache map[string]MarketPair // tokenID -> pair, never invalidated
}

// NewClient creates a data API client.
func NewClient(baseURL, gammaURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		gammaURL:   gammaURL,
		httpClient: &http.Client{Timeout: leaderboardTimeout},
	}
}

type leaderboardRow struct {
	ProxyWallet string `json:"proxyWallet"`
	Amount      string `json:"amount"`
	Name        string `json:"name"`
}

// Leaderboard returns up to limit account addresses ordered by performance.
func (c *Client) Leaderboard(ctx context.Context, limit int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, leaderboardTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/leaderboard?window=30d&rankType=profit&limit=%d", c.baseURL, limit)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}

	var rows []leaderboardRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("leaderboard parse: %w", err)
	}

	accounts := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.ProxyWallet == "" {
			continue
		}
		accounts = append(accounts, strings.ToLower(row.ProxyWallet))
	}
	return accounts, nil
}

type activityRow struct {
	ProxyWallet string          `json:"proxyWallet"`
	Timestamp   int64           `json:"timestamp"` // unix seconds
	ConditionID string          `json:"conditionId"`
	Type        string          `json:"type"`
	Size        decimal.Decimal `json:"size"`
	UsdcSize    decimal.Decimal `json:"usdcSize"`
	Price       decimal.Decimal `json:"price"`
	Asset       string          `json:"asset"`
	Side        string          `json:"side"`
	Outcome     string          `json:"outcome"`
}

// AccountActivity returns the account's recent whale BUYs. The feed carries
// ~20 rows; everything but type=TRADE side=BUY is dropped here so the bias
// accumulator only ever sees copyable flow.
func (c *Client) AccountActivity(ctx context.Context, wallet string) ([]types.WhaleTrade, error) {
	ctx, cancel := context.WithTimeout(ctx, activityTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/activity?user=%s&limit=%d", c.baseURL, wallet, activityLimit)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}

	var rows []activityRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("activity parse: %w", err)
	}

	trades := make([]types.WhaleTrade, 0, len(rows))
	for _, row := range rows {
		if row.Type != "TRADE" || row.Side != "BUY" || row.Asset == "" {
			continue
		}
		trades = append(trades, types.WhaleTrade{
			TokenID:     row.Asset,
			MarketID:    row.ConditionID,
			Wallet:      strings.ToLower(wallet),
			Side:        row.Side,
			SizeUSD:     row.UsdcSize,
			Price:       row.Price,
			TimestampMs: row.Timestamp * 1000,
		})
	}

	if len(trades) > 0 {
		whaleLog.Debug().
			Str("wallet", wallet[:10]+"...").
			Int("buys", len(trades)).
			Msg("🐋 Whale activity fetched")
	}
	return trades, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
