package clob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/whalebot/internal/types"
)

var (
	tickSize = decimal.NewFromFloat(0.01)
	maxPrice = decimal.NewFromFloat(0.99)
	hundredD = decimal.NewFromInt(100)
)

type orderResponse struct {
	OrderID      string `json:"orderID"`
	Status       string `json:"status"`
	ErrorCode    string `json:"errorCode,omitempty"`
	Message      string `json:"message,omitempty"`
	MakingAmount string `json:"makingAmount,omitempty"`
	TakingAmount string `json:"takingAmount,omitempty"`
}

// Fill is a completed FOK order.
type Fill struct {
	OrderID       string
	Shares        decimal.Decimal
	AvgPriceCents int
	SizeUSD       decimal.Decimal
}

// BuyFOK places a marketable fill-or-kill buy: sizeUsd worth of shares at
// up to priceLimit. The order either fills whole or not at all.
func (c *Client) BuyFOK(ctx context.Context, tokenID string, priceLimit, sizeUSD decimal.Decimal) (*Fill, error) {
	price := clampPrice(priceLimit)
	shares := sizeUSD.Div(price).Round(4)

	signer := c.signer()
	so, err := signer.createSigned(tokenID, sideBuy, price, shares)
	if err != nil {
		return nil, &APIError{Kind: types.FailOrderRejected, Detail: "signing failed: " + err.Error()}
	}

	resp, err := c.submitOrder(ctx, so, "FOK")
	if err != nil {
		return nil, err
	}
	if !filled(resp.Status) {
		return nil, &APIError{Kind: types.FailOrderRejected, Detail: "FOK_NOT_FILLED: " + resp.Status}
	}

	clobLog.Info().
		Str("order_id", resp.OrderID).
		Str("token", shortToken(tokenID)).
		Str("size_usd", sizeUSD.StringFixed(2)).
		Str("price", price.StringFixed(2)).
		Msg("✅ Entry order filled")

	return &Fill{
		OrderID:       resp.OrderID,
		Shares:        shares,
		AvgPriceCents: types.CentsFromDecimal(price),
		SizeUSD:       shares.Mul(price),
	}, nil
}

// SmartSellRequest sells a share amount with a bounded haircut below the
// best bid. ForceSell floors the limit at one tick instead of giving up.
type SmartSellRequest struct {
	TokenID        string
	Shares         decimal.Decimal
	MaxSlippagePct decimal.Decimal
	ForceSell      bool
}

// SmartSellResult reports the outcome; Reason is set on failure
// (FOK_NOT_FILLED, NO_ORDERBOOK, ...).
type SmartSellResult struct {
	Success       bool
	AvgPriceCents int
	FilledUSD     decimal.Decimal
	Reason        string
}

// SmartSell fetches a fresh book, prices a FOK sell MaxSlippagePct below
// the best bid, and submits it.
func (c *Client) SmartSell(ctx context.Context, req SmartSellRequest) SmartSellResult {
	book, err := c.FetchOrderbook(ctx, req.TokenID)
	if err != nil {
		return SmartSellResult{Reason: string(failureKind(err))}
	}
	if book.BestBidCents <= 0 {
		return SmartSellResult{Reason: string(types.FailNoOrderbook)}
	}

	bestBid := types.DecimalFromCents(book.BestBidCents)
	haircut := decimal.NewFromInt(1).Sub(req.MaxSlippagePct.Div(hundredD))
	limit := bestBid.Mul(haircut).Div(tickSize).Floor().Mul(tickSize)
	if limit.LessThan(tickSize) {
		if !req.ForceSell {
			return SmartSellResult{Reason: "FOK_NOT_FILLED"}
		}
		limit = tickSize
	}

	signer := c.signer()
	so, err := signer.createSigned(req.TokenID, sideSell, limit, req.Shares)
	if err != nil {
		return SmartSellResult{Reason: string(types.FailOrderRejected)}
	}

	resp, err := c.submitOrder(ctx, so, "FOK")
	if err != nil {
		if failureKind(err) == types.FailOrderRejected {
			return SmartSellResult{Reason: "FOK_NOT_FILLED"}
		}
		return SmartSellResult{Reason: string(failureKind(err))}
	}
	if !filled(resp.Status) {
		return SmartSellResult{Reason: "FOK_NOT_FILLED"}
	}

	clobLog.Info().
		Str("order_id", resp.OrderID).
		Str("token", shortToken(req.TokenID)).
		Str("shares", req.Shares.StringFixed(2)).
		Str("limit", limit.StringFixed(2)).
		Msg("✅ Smart-sell filled")

	return SmartSellResult{
		Success:       true,
		AvgPriceCents: types.CentsFromDecimal(limit),
		FilledUSD:     req.Shares.Mul(limit),
	}
}

func (c *Client) signer() *orderSigner {
	return &orderSigner{
		privateKey:    c.privateKey,
		signerAddress: c.address,
		funderAddress: c.funderAddress,
		signatureType: c.signatureType,
	}
}

func (c *Client) submitOrder(ctx context.Context, so *signedOrder, orderType string) (*orderResponse, error) {
	if c.privateKey == nil {
		return nil, &APIError{Kind: types.FailOrderRejected, Detail: "no signing key loaded"}
	}

	payload := so.toAPIPayload(c.apiKey, orderType)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/order", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.signL2Request(req, "POST", "/order", body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	var or orderResponse
	if err := json.Unmarshal(respBody, &or); err != nil {
		return nil, &APIError{Kind: types.FailParse, Detail: err.Error() + ", body: " + string(respBody)}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &APIError{
			Kind:   types.FailOrderRejected,
			Status: resp.StatusCode,
			Detail: fmt.Sprintf("%s - %s", or.ErrorCode, or.Message),
		}
	}
	return &or, nil
}

func filled(status string) bool {
	return status == "matched" || status == "filled"
}

func clampPrice(p decimal.Decimal) decimal.Decimal {
	p = p.Div(tickSize).Floor().Mul(tickSize)
	if p.GreaterThan(maxPrice) {
		return maxPrice
	}
	if p.LessThan(tickSize) {
		return tickSize
	}
	return p
}

func failureKind(err error) types.FailureKind {
	if ae, ok := err.(*APIError); ok {
		return ae.Kind
	}
	return types.FailNetwork
}

func shortToken(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:16] + "..."
}
