package whales

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/web3guy0/whalebot/internal/types"
)

const marketResolveTimeout = 3 * time.Second

// MarketError is a classified market-resolution failure. A token with no
// market is NOT_FOUND and belongs on the long cooldown schedule, not the
// transient one.
type MarketError struct {
	Kind    types.FailureKind
	TokenID string
}

func (e *MarketError) Error() string {
	return fmt.Sprintf("no market for token %s", e.TokenID)
}

// FailureKind satisfies the shared classification interface.
func (e *MarketError) FailureKind() types.FailureKind { return e.Kind }

// MarketPair is the binary market a token belongs to: its condition ID and
// both outcome token IDs, YES first.
type MarketPair struct {
	ConditionID string
	Question    string
	TokenIDs    []string
}

// Opposite returns the other outcome token of the pair.
func (m MarketPair) Opposite(tokenID string) string {
	for i, id := range m.TokenIDs {
		if id == tokenID {
			return m.TokenIDs[len(m.TokenIDs)-1-i]
		}
	}
	return ""
}

// gammaMarket is the gamma API's market row. Token IDs and prices arrive as
// JSON-encoded strings inside strings.
type gammaMarket struct {
	ConditionID  string `json:"conditionId"`
	Question     string `json:"question"`
	ClobTokenIds string `json:"clobTokenIds"`
	Active       bool   `json:"active"`
	Closed       bool   `json:"closed"`
}

func (g gammaMarket) pair() (MarketPair, error) {
	var tokenIDs []string
	if err := json.Unmarshal([]byte(g.ClobTokenIds), &tokenIDs); err != nil {
		return MarketPair{}, fmt.Errorf("token ids parse: %w", err)
	}
	if len(tokenIDs) < 2 {
		return MarketPair{}, fmt.Errorf("market %s has %d tokens", g.ConditionID, len(tokenIDs))
	}
	return MarketPair{ConditionID: g.ConditionID, Question: g.Question, TokenIDs: tokenIDs}, nil
}

// ResolveMarket maps a token ID onto its market pair via the gamma API.
// Results are cached forever; token-to-market mapping never changes.
func (c *Client) ResolveMarket(ctx context.Context, tokenID string) (MarketPair, error) {
	c.marketMu.Lock()
	if c.marketCache == nil {
		c.marketCache = make(map[string]MarketPair)
	}
	if pair, ok := c.marketCache[tokenID]; ok {
		c.marketMu.Unlock()
		return pair, nil
	}
	c.marketMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, marketResolveTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/markets?clob_token_ids=%s", c.gammaURL, tokenID)
	body, err := c.get(ctx, url)
	if err != nil {
		return MarketPair{}, err
	}

	var markets []gammaMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		return MarketPair{}, fmt.Errorf("markets parse: %w", err)
	}
	if len(markets) == 0 {
		return MarketPair{}, &MarketError{Kind: types.FailNotFound, TokenID: tokenID}
	}

	pair, err := markets[0].pair()
	if err != nil {
		return MarketPair{}, err
	}

	c.marketMu.Lock()
	for _, id := range pair.TokenIDs {
		c.marketCache[id] = pair
	}
	c.marketMu.Unlock()
	return pair, nil
}

// TrendingMarkets returns active, open binary markets ordered by 24h volume,
// for the scanner fallback.
func (c *Client) TrendingMarkets(ctx context.Context, limit int) ([]MarketPair, error) {
	ctx, cancel := context.WithTimeout(ctx, leaderboardTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/markets?active=true&closed=false&order=volume24hr&ascending=false&limit=%d", c.gammaURL, limit)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}

	var markets []gammaMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		return nil, fmt.Errorf("markets parse: %w", err)
	}

	pairs := make([]MarketPair, 0, len(markets))
	for _, m := range markets {
		if !m.Active || m.Closed {
			continue
		}
		pair, err := m.pair()
		if err != nil {
			continue
		}
		pairs = append(pairs, pair)

		c.marketMu.Lock()
		if c.marketCache == nil {
			c.marketCache = make(map[string]MarketPair)
		}
		for _, id := range pair.TokenIDs {
			c.marketCache[id] = pair
		}
		c.marketMu.Unlock()
	}
	return pairs, nil
}
