package clob

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// ChainReader reads native gas balances straight from a Polygon RPC node.
type ChainReader struct {
	client *ethclient.Client
}

// NewChainReader dials the RPC endpoint.
func NewChainReader(rpcURL string) (*ChainReader, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("polygon rpc dial failed: %w", err)
	}
	return &ChainReader{client: client}, nil
}

// GetPolBalance returns the address's POL balance in whole tokens.
func (r *ChainReader) GetPolBalance(ctx context.Context, addr common.Address) (decimal.Decimal, error) {
	wei, err := r.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return decimal.Zero, classifyTransport(err)
	}
	return decimal.NewFromBigInt(wei, -18), nil
}

// Close releases the RPC connection.
func (r *ChainReader) Close() {
	r.client.Close()
}
