package clob

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/whalebot/internal/types"
)

// depthLevels caps how many book levels count toward quoted depth.
const depthLevels = 5

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookResponse struct {
	Market  string      `json:"market"`
	AssetID string      `json:"asset_id"`
	Bids    []bookLevel `json:"bids"`
	Asks    []bookLevel `json:"asks"`
}

// FetchOrderbook pulls a token's book over REST. Classified failures:
// NOT_FOUND when the token is unknown, NO_ORDERBOOK when both sides are
// empty, PARSE_ERROR on malformed payloads.
func (c *Client) FetchOrderbook(ctx context.Context, tokenID string) (types.OrderbookState, error) {
	url := fmt.Sprintf("%s/book?token_id=%s", c.baseURL, tokenID)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return types.OrderbookState{}, err
	}
	body, err := c.doRequest(req)
	if err != nil {
		return types.OrderbookState{}, err
	}

	var book bookResponse
	if err := json.Unmarshal(body, &book); err != nil {
		return types.OrderbookState{}, &APIError{Kind: types.FailParse, Detail: err.Error()}
	}
	if len(book.Bids) == 0 && len(book.Asks) == 0 {
		return types.OrderbookState{}, &APIError{Kind: types.FailNoOrderbook, Detail: "empty book"}
	}

	bidDepth, bestBid := levelDepth(book.Bids)
	askDepth, bestAsk := levelDepth(book.Asks)

	bid := types.CentsFromDecimal(bestBid)
	ask := types.CentsFromDecimal(bestAsk)
	return types.OrderbookState{
		TokenID:       tokenID,
		BestBidCents:  bid,
		BestAskCents:  ask,
		BidDepthUSD:   bidDepth,
		AskDepthUSD:   askDepth,
		SpreadCents:   ask - bid,
		MidPriceCents: (bid + ask) / 2,
		Source:        types.SourceREST,
		FetchedAt:     time.Now(),
	}, nil
}

func levelDepth(levels []bookLevel) (depth, best decimal.Decimal) {
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
