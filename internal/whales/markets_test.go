package whales

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/whalebot/internal/marketdata"
	"github.com/web3guy0/whalebot/internal/types"
)

func TestGammaMarketPair(t *testing.T) {
	// The gamma API ships token IDs as a JSON array encoded inside a string
	g := gammaMarket{
		ConditionID:  "0xcond",
		Question:     "Will it rain?",
		ClobTokenIds: `["111","222"]`,
	}
	pair, err := g.pair()
	require.NoError(t, err)
	assert.Equal(t, "0xcond", pair.ConditionID)
	assert.Equal(t, []string{"111", "222"}, pair.TokenIDs)

	_, err = gammaMarket{ConditionID: "x", ClobTokenIds: `["111"]`}.pair()
	assert.Error(t, err, "a binary market needs both tokens")

	_, err = gammaMarket{ConditionID: "x", ClobTokenIds: `not json`}.pair()
	assert.Error(t, err)
}

func TestMarketPairOpposite(t *testing.T) {
	pair := MarketPair{TokenIDs: []string{"yes", "no"}}
	assert.Equal(t, "no", pair.Opposite("yes"))
	assert.Equal(t, "yes", pair.Opposite("no"))
	assert.Equal(t, "", pair.Opposite("stranger"))
}

func TestResolveMarketCachesBothTokens(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`[{"conditionId":"0xcond","question":"Q","clobTokenIds":"[\"111\",\"222\"]","active":true,"closed":false}]`))
	}))
	defer srv.Close()

	c := NewClient("http://unused", srv.URL)

	pair, err := c.ResolveMarket(context.Background(), "111")
	require.NoError(t, err)
	assert.Equal(t, "0xcond", pair.ConditionID)
	require.Equal(t, 1, hits)

	// Both sides of the pair resolve from cache now
	_, err = c.ResolveMarket(context.Background(), "111")
	require.NoError(t, err)
	_, err = c.ResolveMarket(context.Background(), "222")
	require.NoError(t, err)
	assert.Equal(t, 1, hits, "cached, no further requests")
}

func TestResolveMarketNoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient("http://unused", srv.URL)
	_, err := c.ResolveMarket(context.Background(), "ghost")
	require.Error(t, err)

	// A tokenless market is gone for good: classified NOT_FOUND so the
	// cooldown manager puts it on the long schedule
	var me *MarketError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, types.FailNotFound, me.Kind)
	assert.Equal(t, types.FailNotFound, marketdata.FailureKindOf(err))
}

func TestTrendingMarketsFiltersClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"conditionId":"0xa","clobTokenIds":"[\"1\",\"2\"]","active":true,"closed":false},
			{"conditionId":"0xb","clobTokenIds":"[\"3\",\"4\"]","active":true,"closed":true},
			{"conditionId":"0xc","clobTokenIds":"[\"5\",\"6\"]","active":false,"closed":false},
			{"conditionId":"0xd","clobTokenIds":"bad","active":true,"closed":false}
		]`))
	}))
	defer srv.Close()

	c := NewClient("http://unused", srv.URL)
	pairs, err := c.TrendingMarkets(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "0xa", pairs[0].ConditionID)

	// TrendingMarkets doubles as a cache warmer for ResolveMarket
	pair, err := c.ResolveMarket(context.Background(), "2")
	require.NoError(t, err)
	assert.Equal(t, "0xa", pair.ConditionID)
}
