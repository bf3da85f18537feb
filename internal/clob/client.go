package clob

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/whalebot/internal/types"
)

var clobLog = log.With().Str("module", "clob").Logger()

// APIError is a classified exchange failure. The kind decides cooldown and
// retry behaviour upstream.
type APIError struct {
	Kind   types.FailureKind
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Kind, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// FailureKind satisfies the classification interface the market-data facade
// and the scheduler look for.
func (e *APIError) FailureKind() types.FailureKind { return e.Kind }

// Config for the client.
type Config struct {
	BaseURL    string
	DataAPIURL string

	ApiKey     string
	ApiSecret  string
	Passphrase string

	PrivateKeyHex string
	SignerAddress string
	FunderAddress string
	SignatureType int
}

// Client talks to the CLOB REST API and the data API.
type Client struct {
	baseURL    string
	dataAPIURL string

	apiKey     string
	apiSecret  string
	passphrase string

	privateKey    *ecdsa.PrivateKey
	address       common.Address
	funderAddress common.Address
	signatureType int

	httpClient *http.Client
}

type apiCreds struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// New creates a client. With a private key but no API credentials, the
// credentials are derived from the wallet the way py-clob-client does.
func New(cfg Config) (*Client, error) {
	c := &Client{
		baseURL:       cfg.BaseURL,
		dataAPIURL:    cfg.DataAPIURL,
		apiKey:        cfg.ApiKey,
		apiSecret:     cfg.ApiSecret,
		passphrase:    cfg.Passphrase,
		signatureType: cfg.SignatureType,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}

	if cfg.SignerAddress != "" {
		c.address = common.HexToAddress(cfg.SignerAddress)
	}
	if cfg.FunderAddress != "" {
		c.funderAddress = common.HexToAddress(cfg.FunderAddress)
	}

	if cfg.PrivateKeyHex != "" {
		pkHex := strings.TrimPrefix(cfg.PrivateKeyHex, "0x")
		pk, err := crypto.HexToECDSA(pkHex)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		c.privateKey = pk
		c.address = crypto.PubkeyToAddress(pk.PublicKey)
		if c.funderAddress == (common.Address{}) {
			c.funderAddress = c.address
		}

		if c.apiKey == "" || c.apiSecret == "" {
			clobLog.Info().Msg("Deriving API credentials from wallet...")
			creds, err := c.deriveApiCreds()
			if err != nil {
				return nil, fmt.Errorf("failed to derive API credentials: %w", err)
			}
			c.apiKey = creds.ApiKey
			c.apiSecret = creds.Secret
			c.passphrase = creds.Passphrase
		}
	}

	if c.apiKey == "" || c.apiSecret == "" {
		return nil, fmt.Errorf("wallet private key or API credentials required")
	}
	if c.address == (common.Address{}) {
		return nil, fmt.Errorf("signer address required")
	}

	clobLog.Info().
		Str("signer", c.address.Hex()).
		Str("funder", c.funderAddress.Hex()).
		Int("sig_type", c.signatureType).
		Msg("🔐 CLOB client ready")
	return c, nil
}

// NewPublic creates a read-only client for the unauthenticated endpoints
// (books, markets, time). Dry-run mode uses this so it never needs keys.
func NewPublic(baseURL, dataAPIURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		dataAPIURL: dataAPIURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Address returns the signing address.
func (c *Client) Address() common.Address { return c.address }

// FunderAddress returns the address that holds funds.
func (c *Client) FunderAddress() common.Address { return c.funderAddress }

// GetUsdcBalance returns the collateral balance in USD.
func (c *Client) GetUsdcBalance(ctx context.Context) (decimal.Decimal, error) {
	endpoint := "/balance-allowance"
	query := fmt.Sprintf("?asset_type=COLLATERAL&signature_type=%d", c.signatureType)

	body, err := c.doSigned(ctx, "GET", endpoint, query, nil)
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, &APIError{Kind: types.FailParse, Detail: err.Error()}
	}

	balance, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return decimal.Zero, &APIError{Kind: types.FailParse, Detail: "invalid balance " + result.Balance}
	}
	// USDC carries 6 decimals on-chain
	return balance.Shift(-6), nil
}

// Position is one row from the data API's position feed.
type Position struct {
	TokenID      string          `json:"asset"`
	ConditionID  string          `json:"conditionId"`
	Title        string          `json:"title"`
	Size         decimal.Decimal `json:"size"`
	AvgPrice     decimal.Decimal `json:"avgPrice"`
	CurrentPrice decimal.Decimal `json:"curPrice"`
	CurrentValue decimal.Decimal `json:"currentValue"`
	CashPnl      decimal.Decimal `json:"cashPnl"`
	Redeemable   bool            `json:"redeemable"`
}

// GetPositions returns the wallet's on-chain positions from the data API.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	user := c.funderAddress.Hex()
	url := fmt.Sprintf("%s/positions?user=%s&sizeThreshold=0.1", c.dataAPIURL, user)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	body, err := c.doRequest(req)
	if err != nil {
		return nil, err
	}

	var positions []Position
	if err := json.Unmarshal(body, &positions); err != nil {
		return nil, &APIError{Kind: types.FailParse, Detail: err.Error()}
	}
	return positions, nil
}

// RedeemablePositions filters GetPositions down to settled, claimable rows.
func (c *Client) RedeemablePositions(ctx context.Context) ([]Position, error) {
	positions, err := c.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	redeemable := positions[:0]
	for _, p := range positions {
		if p.Redeemable {
			redeemable = append(redeemable, p)
		}
	}
	return redeemable, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	body := []byte(fmt.Sprintf(`{"orderID":%q}`, orderID))
	_, err := c.doSigned(ctx, "DELETE", "/order", "", body)
	return err
}

// TestConnection verifies API reachability.
func (c *Client) TestConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/time", nil)
	if err != nil {
		return err
	}
	if _, err := c.doRequest(req); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	clobLog.Info().Msg("✅ CLOB API connection verified")
	return nil
}

// HTTP plumbing

func (c *Client) doSigned(ctx context.Context, method, endpoint, query string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint+query, reader)
	if err != nil {
		return nil, err
	}
	c.signL2Request(req, method, endpoint, body)
	return c.doRequest(req)
}

func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Kind: types.FailNetwork, Detail: err.Error()}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &APIError{Kind: types.FailNotFound, Status: resp.StatusCode, Detail: string(body)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &APIError{Kind: types.FailRateLimit, Status: resp.StatusCode, Detail: string(body)}
	case resp.StatusCode >= 400:
		return nil, &APIError{Kind: types.FailNetwork, Status: resp.StatusCode, Detail: string(body)}
	}
	return body, nil
}

func classifyTransport(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &APIError{Kind: types.FailTimeout, Detail: err.Error()}
	}
	return &APIError{Kind: types.FailNetwork, Detail: err.Error()}
}

// signL2Request adds the HMAC auth headers. Message and encoding must match
// py-clob-client: timestamp + method + path + body, URL-safe base64.
func (c *Client) signL2Request(req *http.Request, method, path string, body []byte) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	message := timestamp + method + path
	if len(body) > 0 {
		message += string(body)
	}

	secretBytes, err := base64.URLEncoding.DecodeString(c.apiSecret)
	if err != nil {
		padded := c.apiSecret
		if len(padded)%4 != 0 {
			padded += strings.Repeat("=", 4-len(padded)%4)
		}
		if secretBytes, err = base64.URLEncoding.DecodeString(padded); err != nil {
			secretBytes, _ = base64.StdEncoding.DecodeString(c.apiSecret)
		}
	}

	h := hmac.New(sha256.New, secretBytes)
	h.Write([]byte(message))
	signature := base64.URLEncoding.EncodeToString(h.Sum(nil))

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("POLY_API_KEY", c.apiKey)
	req.Header.Set("POLY_SIGNATURE", signature)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", c.passphrase)
	req.Header.Set("POLY_ADDRESS", c.address.Hex())
}

// Credential derivation

func (c *Client) deriveApiCreds() (*apiCreds, error) {
	if c.privateKey == nil {
		return nil, fmt.Errorf("wallet private key required")
	}

	timestamp := time.Now().Unix()
	nonce := int64(0)

	signature, err := c.signClobAuthMessage(timestamp, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to sign auth message: %w", err)
	}

	polyAddress := c.funderAddress.Hex()
	headers := map[string]string{
		"POLY_ADDRESS":   polyAddress,
		"POLY_SIGNATURE": signature,
		"POLY_TIMESTAMP": strconv.FormatInt(timestamp, 10),
		"POLY_NONCE":     strconv.FormatInt(nonce, 10),
	}

	// Derive existing credentials first, create on miss
	for _, attempt := range []struct {
		method, path string
	}{
		{"GET", "/auth/derive-api-key"},
		{"POST", "/auth/api-key"},
	} {
		req, _ := http.NewRequest(attempt.method, c.baseURL+attempt.path, nil)
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("credential request failed: %w", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			var creds apiCreds
			if err := json.Unmarshal(body, &creds); err != nil {
				return nil, fmt.Errorf("failed to parse credentials: %w", err)
			}
			return &creds, nil
		}
	}
	return nil, fmt.Errorf("credential derivation rejected")
}

// signClobAuthMessage signs the CLOB auth attestation.
// Domain: {name: "ClobAuthDomain", version: "1", chainId: 137}
func (c *Client) signClobAuthMessage(timestamp, nonce int64) (string, error) {
	domainTypeHash := crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId)"))
	nameHash := crypto.Keccak256Hash([]byte("ClobAuthDomain"))
	versionHash := crypto.Keccak256Hash([]byte("1"))
	chainID := big.NewInt(polygonChainID)

	domainSeparator := crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		nameHash.Bytes(),
		versionHash.Bytes(),
		common.LeftPadBytes(chainID.Bytes(), 32),
	)

	clobAuthTypeHash := crypto.Keccak256Hash([]byte("ClobAuth(address address,string timestamp,uint256 nonce,string message)"))
	timestampStr := strconv.FormatInt(timestamp, 10)
	messageStr := "This message attests that I control the given wallet"

	structHash := crypto.Keccak256Hash(
		clobAuthTypeHash.Bytes(),
		common.LeftPadBytes(c.funderAddress.Bytes(), 32),
		crypto.Keccak256Hash([]byte(timestampStr)).Bytes(),
		common.LeftPadBytes(big.NewInt(nonce).Bytes(), 32),
		crypto.Keccak256Hash([]byte(messageStr)).Bytes(),
	)

	rawData := append([]byte{0x19, 0x01}, domainSeparator.Bytes()...)
	rawData = append(rawData, structHash.Bytes()...)
	hash := crypto.Keccak256Hash(rawData)

	sig, err := crypto.Sign(hash.Bytes(), c.privateKey)
	if err != nil {
		return "", err
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}
