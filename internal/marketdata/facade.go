package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/whalebot/internal/types"
)

var mdLog = log.With().Str("module", "marketdata").Logger()

// BookError is a classified orderbook failure. The kind, not the Go error
// chain, decides cooldown behaviour upstream.
type BookError struct {
	Kind    types.FailureKind
	TokenID string
	Detail  string
}

func (e *BookError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", shortID(e.TokenID), e.Kind)
	}
	return fmt.Sprintf("%s: %s (%s)", shortID(e.TokenID), e.Kind, e.Detail)
}

// FailureKind satisfies the shared classification interface.
func (e *BookError) FailureKind() types.FailureKind { return e.Kind }

type kindedError interface {
	FailureKind() types.FailureKind
}

// FailureKindOf extracts the classified kind from an error chain, falling
// back to NETWORK_ERROR for plain transport errors.
func FailureKindOf(err error) types.FailureKind {
	var ke kindedError
	if errors.As(err, &ke) {
		return ke.FailureKind()
	}
	return types.FailNetwork
}

// RESTBookFetcher is the slow-path book source, implemented by the CLOB
// client.
type RESTBookFetcher interface {
	FetchOrderbook(ctx context.Context, tokenID string) (types.OrderbookState, error)
}

// FacadeConfig bounds staleness and the sanity gates.
type FacadeConfig struct {
	BookStaleAfter     time.Duration
	MaxSpreadCents     int // wider than the entry gate; gross sanity only
	DustVerifyInterval time.Duration
}

// Facade serves validated orderbook state: WS store first, REST on miss or
// staleness, with dust books re-verified over REST before being trusted.
type Facade struct {
	feed *Feed
	rest RESTBookFetcher
	cfg  FacadeConfig

	mu             sync.Mutex
	lastDustVerify map[string]time.Time

	nowFn func() time.Time
}

// NewFacade wires the feed and the REST fallback together.
func NewFacade(feed *Feed, rest RESTBookFetcher, cfg FacadeConfig) *Facade {
	return &Facade{
		feed:           feed,
		rest:           rest,
		cfg:            cfg,
		lastDustVerify: make(map[string]time.Time),
		nowFn:          time.Now,
	}
}

// Subscribe forwards token subscriptions to the WS feed.
func (f *Facade) Subscribe(tokenIDs []string) error {
	return f.feed.Subscribe(tokenIDs)
}

// Activity forwards the feed's recent traffic counters.
func (f *Facade) Activity(tokenID string) types.MarketActivity {
	return f.feed.Activity(tokenID)
}

// GetOrderbookState returns a validated book for the token. A fresh WS book
// wins; anything stale or missing goes to REST. A WS book that looks like
// dust is re-verified over REST (throttled per token) because a stale WS
// cache is the common cause of phantom dust.
func (f *Facade) GetOrderbookState(ctx context.Context, tokenID string) (types.OrderbookState, error) {
	now := f.nowFn()

	if book, ok := f.feed.Book(tokenID); ok && now.Sub(book.FetchedAt) <= f.cfg.BookStaleAfter {
		if isDust(book) {
			return f.verifyDust(ctx, tokenID)
		}
		if err := f.validate(book); err != nil {
			return types.OrderbookState{}, err
		}
		return book, nil
	}

	return f.fetchREST(ctx, tokenID)
}

// fetchREST pulls the book over REST and runs the full sanity gate set.
func (f *Facade) fetchREST(ctx context.Context, tokenID string) (types.OrderbookState, error) {
	book, err := f.rest.FetchOrderbook(ctx, tokenID)
	if err != nil {
		return types.OrderbookState{}, &BookError{Kind: FailureKindOf(err), TokenID: tokenID, Detail: err.Error()}
	}
	if isDust(book) {
		return types.OrderbookState{}, &BookError{Kind: types.FailDustBook, TokenID: tokenID}
	}
	if err := f.validate(book); err != nil {
		return types.OrderbookState{}, err
	}
	return book, nil
}

// verifyDust re-checks an apparent dust book over REST, at most once per
// DustVerifyInterval per token. Between verifies the cached verdict stands.
func (f *Facade) verifyDust(ctx context.Context, tokenID string) (types.OrderbookState, error) {
	now := f.nowFn()

	f.mu.Lock()
	last, seen := f.lastDustVerify[tokenID]
	due := !seen || now.Sub(last) >= f.cfg.DustVerifyInterval
	if due {
		f.lastDustVerify[tokenID] = now
	}
	f.mu.Unlock()

	if !due {
		return types.OrderbookState{}, &BookError{Kind: types.FailDustBook, TokenID: tokenID, Detail: "cached verdict"}
	}

	book, err := f.rest.FetchOrderbook(ctx, tokenID)
	if err != nil {
		return types.OrderbookState{}, &BookError{Kind: types.FailDustBook, TokenID: tokenID, Detail: "verify failed: " + err.Error()}
	}
	if isDust(book) {
		mdLog.Debug().Str("token", shortID(tokenID)).Msg("🪦 REST confirms dust book")
		return types.OrderbookState{}, &BookError{Kind: types.FailDustBook, TokenID: tokenID, Detail: "confirmed by REST"}
	}
	if err := f.validate(book); err != nil {
		return types.OrderbookState{}, err
	}

	mdLog.Info().
		Str("token", shortID(tokenID)).
		Int("bid", book.BestBidCents).
		Int("ask", book.BestAskCents).
		Msg("📗 Book recovered, WS cache was stale")
	return book, nil
}

// validate applies the non-dust sanity gates.
func (f *Facade) validate(book types.OrderbookState) error {
	if book.BestBidCents <= 0 || book.BestAskCents <= 0 ||
		book.BestBidCents >= 100 || book.BestAskCents > 100 ||
		book.BestBidCents > book.BestAskCents {
		return &BookError{
			Kind:    types.FailInvalidPrices,
			TokenID: book.TokenID,
			Detail:  fmt.Sprintf("bid=%dc ask=%dc", book.BestBidCents, book.BestAskCents),
		}
	}
	if book.SpreadCents > f.cfg.MaxSpreadCents {
		return &BookError{
			Kind:    types.FailInvalidLiquidity,
			TokenID: book.TokenID,
			Detail:  fmt.Sprintf("spread=%dc", book.SpreadCents),
		}
	}
	return nil
}

// isDust matches a book with no tradeable liquidity: best bid pinned at or
// below 2c with the best ask at or above 98c.
func isDust(book types.OrderbookState) bool {
	return book.BestBidCents <= 2 && book.BestAskCents >= 98
}
