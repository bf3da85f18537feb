// Package clob is the exchange REST client: books, balances, signed order
// flow, and the data-api position/redemption surface.
//
// Reference: https://docs.polymarket.com/
package clob

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"math/rand"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
)

// CTF Exchange contract addresses (Polygon mainnet).
const (
	polygonChainID     = 137
	ctfExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	zeroAddress        = "0x0000000000000000000000000000000000000000"
)

const (
	sideBuy  = 0
	sideSell = 1
)

// ctfOrder is the on-chain order struct the exchange verifies.
type ctfOrder struct {
	Salt          *big.Int
	Maker         common.Address
	Signer        common.Address
	Taker         common.Address
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    *big.Int
	Nonce         *big.Int
	FeeRateBps    *big.Int
	Side          uint8
	SignatureType uint8
}

type signedOrder struct {
	Order     *ctfOrder
	Signature string
}

type orderSigner struct {
	privateKey    *ecdsa.PrivateKey
	signerAddress common.Address
	funderAddress common.Address
	signatureType int
}

// newOrder builds an unsigned order. USDC and shares both carry 6 on-chain
// decimals; maker USDC amounts are truncated, share amounts rounded to 4
// decimals, matching what the exchange accepts.
func (s *orderSigner) newOrder(tokenID string, side int, price, shares decimal.Decimal) (*ctfOrder, error) {
	tokenIDInt, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return nil, fmt.Errorf("token id %q is not numeric", tokenID)
	}

	usdc := shares.Mul(price)
	var makerAmount, takerAmount *big.Int
	if side == sideBuy {
		makerAmount = usdcUnits(usdc)
		takerAmount = shareUnits(shares)
	} else {
		makerAmount = shareUnits(shares)
		takerAmount = usdcUnits(usdc)
	}

	maker := s.funderAddress
	if maker == (common.Address{}) {
		maker = s.signerAddress
	}

	return &ctfOrder{
		Salt:          big.NewInt(rand.Int63()),
		Maker:         maker,
		Signer:        s.signerAddress,
		Taker:         common.HexToAddress(zeroAddress),
		TokenID:       tokenIDInt,
		MakerAmount:   makerAmount,
		TakerAmount:   takerAmount,
		Expiration:    big.NewInt(0),
		Nonce:         big.NewInt(0),
		FeeRateBps:    big.NewInt(1000),
		Side:          uint8(side),
		SignatureType: uint8(s.signatureType),
	}, nil
}

// sign produces the EIP-712 signature the exchange verifies on-chain.
func (s *orderSigner) sign(order *ctfOrder) (*signedOrder, error) {
	typedData := buildTypedData(order)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(messageHash)))
	hash := crypto.Keccak256Hash(rawData)

	sig, err := crypto.Sign(hash.Bytes(), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}

	return &signedOrder{Order: order, Signature: fmt.Sprintf("0x%x", sig)}, nil
}

func (s *orderSigner) createSigned(tokenID string, side int, price, shares decimal.Decimal) (*signedOrder, error) {
	order, err := s.newOrder(tokenID, side, price, shares)
	if err != nil {
		return nil, err
	}
	return s.sign(order)
}

func buildTypedData(order *ctfOrder) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(polygonChainID),
			VerifyingContract: common.HexToAddress(ctfExchangeAddress).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"salt":          order.Salt.String(),
			"maker":         order.Maker.Hex(),
			"signer":        order.Signer.Hex(),
			"taker":         order.Taker.Hex(),
			"tokenId":       order.TokenID.String(),
			"makerAmount":   order.MakerAmount.String(),
			"takerAmount":   order.TakerAmount.String(),
			"expiration":    order.Expiration.String(),
			"nonce":         order.Nonce.String(),
			"feeRateBps":    order.FeeRateBps.String(),
			"side":          fmt.Sprintf("%d", order.Side),
			"signatureType": fmt.Sprintf("%d", order.SignatureType),
		},
	}
}

// usdcUnits truncates a USDC amount to 6-decimal token units. Truncating,
// not rounding, so the order never exceeds its budget.
func usdcUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(6).Truncate(0).BigInt()
}

// shareUnits rounds a share amount to 4 decimals then scales to token units.
func shareUnits(amount decimal.Decimal) *big.Int {
	return amount.Round(4).Shift(6).Truncate(0).BigInt()
}

// toAPIPayload formats a signed order the way /order expects: signature
// inside the order object, owner set to the API key.
func (o *signedOrder) toAPIPayload(apiKey, orderType string) map[string]interface{} {
	sideStr := "BUY"
	if o.Order.Side == sideSell {
		sideStr = "SELL"
	}
	return map[string]interface{}{
		"order": map[string]interface{}{
			"salt":          o.Order.Salt.Int64(),
			"maker":         o.Order.Maker.Hex(),
			"signer":        o.Order.Signer.Hex(),
			"taker":         o.Order.Taker.Hex(),
			"tokenId":       o.Order.TokenID.String(),
			"makerAmount":   o.Order.MakerAmount.String(),
			"takerAmount":   o.Order.TakerAmount.String(),
			"expiration":    o.Order.Expiration.String(),
			"nonce":         o.Order.Nonce.String(),
			"feeRateBps":    o.Order.FeeRateBps.String(),
			"side":          sideStr,
			"signatureType": int(o.Order.SignatureType),
			"signature":     o.Signature,
		},
		"owner":     apiKey,
		"orderType": orderType,
		"postOnly":  false,
	}
}
