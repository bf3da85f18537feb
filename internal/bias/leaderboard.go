package bias

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// LeaderboardSource is the external discovery collaborator: it returns an
// ordered set of whale account addresses.
type LeaderboardSource interface {
	Leaderboard(ctx context.Context, limit int) ([]string, error)
}

// Leaderboard holds the shared whale wallet set and rotates polling over it
// so a bounded batch of accounts is fetched per tick, with full coverage
// every ceil(N/batch) ticks.
type Leaderboard struct {
	source    LeaderboardSource
	limit     int
	batchSize int
	refresh   time.Duration

	set         atomic.Value // map[string]struct{}, lowercase addresses
	mu          sync.Mutex
	ordered     []string
	lastRefresh time.Time
	fetchCount  uint64
}

// NewLeaderboard wraps a discovery source. The set starts empty; the first
// RefreshIfDue populates it.
func NewLeaderboard(source LeaderboardSource, limit, batchSize int, refresh time.Duration) *Leaderboard {
	lb := &Leaderboard{
		source:    source,
		limit:     limit,
		batchSize: batchSize,
		refresh:   refresh,
	}
	lb.set.Store(map[string]struct{}{})
	return lb
}

// RefreshIfDue re-fetches the leaderboard when the throttle interval has
// elapsed. The shared set is swapped atomically; readers never see a
// partially built set.
func (lb *Leaderboard) RefreshIfDue(ctx context.Context) error {
	lb.mu.Lock()
	due := time.Since(lb.lastRefresh) >= lb.refresh || len(lb.ordered) == 0
	lb.mu.Unlock()
	if !due {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	accounts, err := lb.source.Leaderboard(ctx, lb.limit)
	if err != nil {
		return err
	}

	next := make(map[string]struct{}, len(accounts))
	ordered := make([]string, 0, len(accounts))
	for _, a := range accounts {
		addr := strings.ToLower(strings.TrimSpace(a))
		if addr == "" {
			continue
		}
		if _, seen := next[addr]; seen {
			continue
		}
		next[addr] = struct{}{}
		ordered = append(ordered, addr)
	}

	lb.mu.Lock()
	lb.ordered = ordered
	lb.lastRefresh = time.Now()
	lb.mu.Unlock()
	lb.set.Store(next)

	log.Info().Int("whales", len(ordered)).Msg("🐋 Leaderboard refreshed")
	return nil
}

// Contains reports whether an address is a tracked whale.
func (lb *Leaderboard) Contains(addr string) bool {
	set := lb.set.Load().(map[string]struct{})
	_, ok := set[strings.ToLower(addr)]
	return ok
}

// Size returns the current whale count.
func (lb *Leaderboard) Size() int {
	return len(lb.set.Load().(map[string]struct{}))
}

// NextBatch returns the next rotation slice of accounts to poll. Rotation
// starts at (fetchCount*batch) mod N, so every account is covered every
// ceil(N/batch) calls.
func (lb *Leaderboard) NextBatch() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	n := len(lb.ordered)
	if n == 0 {
		return nil
	}
	start := int(lb.fetchCount) * lb.batchSize % n
	lb.fetchCount++

	count := lb.batchSize
	if count > n {
		count = n
	}
	batch := make([]string, 0, count)
	for i := 0; i < count; i++ {
		batch = append(batch, lb.ordered[(start+i)%n])
	}
	return batch
}
