package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/whalebot/internal/types"
)

func testCooldowns() (*CooldownManager, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewCooldownManager()
	m.nowFn = func() time.Time { return now }
	return m, &now
}

func TestInactiveEscalation(t *testing.T) {
	m, now := testCooldowns()

	want := []time.Duration{10 * time.Minute, 30 * time.Minute, 2 * time.Hour, 24 * time.Hour, 24 * time.Hour}
	for i, expected := range want {
		dur := m.RecordFailure("tok", types.FailNoOrderbook)
		assert.Equal(t, expected, dur, "strike %d", i+1)

		blocked, remaining := m.IsOnCooldown("tok")
		require.True(t, blocked)
		assert.Equal(t, expected, remaining)

		*now = now.Add(expected + time.Second)
	}
}

func TestTransientFlatCooldown(t *testing.T) {
	m, now := testCooldowns()

	for i := 0; i < 5; i++ {
		dur := m.RecordFailure("tok", types.FailNetwork)
		assert.Equal(t, 30*time.Second, dur, "transient never escalates")
		*now = now.Add(31 * time.Second)
	}
}

func TestTransientBlipDoesNotResetLadder(t *testing.T) {
	m, now := testCooldowns()

	// Two rungs up the ladder
	m.RecordFailure("tok", types.FailNoOrderbook)
	*now = now.Add(11 * time.Minute)
	m.RecordFailure("tok", types.FailNoOrderbook)
	*now = now.Add(31 * time.Minute)

	// A transient blip in between keeps the strike count
	m.RecordFailure("tok", types.FailTimeout)
	*now = now.Add(time.Minute)

	dur := m.RecordFailure("tok", types.FailNoOrderbook)
	assert.Equal(t, 2*time.Hour, dur, "ladder continues at rung three")
}

func TestTransientAtStrikeOneHoldsRung(t *testing.T) {
	m, now := testCooldowns()

	m.RecordFailure("tok", types.FailNoOrderbook)
	*now = now.Add(11 * time.Minute)
	m.RecordFailure("tok", types.FailNetwork)
	*now = now.Add(time.Minute)

	// Previous failure was transient at strike one: stay on the first rung
	dur := m.RecordFailure("tok", types.FailNoOrderbook)
	assert.Equal(t, 10*time.Minute, dur)
}

func TestPermanentKindsAreNotCooled(t *testing.T) {
	m, _ := testCooldowns()

	for _, kind := range []types.FailureKind{types.FailDustBook, types.FailInvalidPrices, types.FailInvalidLiquidity} {
		dur := m.RecordFailure("tok", kind)
		assert.Equal(t, time.Duration(0), dur, string(kind))
		blocked, _ := m.IsOnCooldown("tok")
		assert.False(t, blocked, string(kind))
	}
	assert.Equal(t, 0, m.Stats().Tracked)
	assert.Equal(t, 0, m.Stats().TotalFailures)
}

func TestPermanentKindLeavesLadderUntouched(t *testing.T) {
	m, now := testCooldowns()

	m.RecordFailure("tok", types.FailNoOrderbook)
	*now = now.Add(11 * time.Minute)

	// A dust reading in between neither blocks nor disturbs the strikes
	assert.Equal(t, time.Duration(0), m.RecordFailure("tok", types.FailDustBook))
	blocked, _ := m.IsOnCooldown("tok")
	assert.False(t, blocked)

	dur := m.RecordFailure("tok", types.FailNoOrderbook)
	assert.Equal(t, 30*time.Minute, dur, "ladder continues at rung two")
}

func TestSuccessClearsAndCountsResolved(t *testing.T) {
	m, now := testCooldowns()

	m.RecordFailure("tok", types.FailNoOrderbook)
	*now = now.Add(11 * time.Minute)
	m.RecordSuccess("tok")

	blocked, _ := m.IsOnCooldown("tok")
	assert.False(t, blocked)
	assert.Equal(t, 1, m.Stats().ResolvedLater)

	// Next failure starts from the bottom
	dur := m.RecordFailure("tok", types.FailNoOrderbook)
	assert.Equal(t, 10*time.Minute, dur)
}

func TestCleanupRespectsGrace(t *testing.T) {
	m, now := testCooldowns()

	m.RecordFailure("tok", types.FailNoOrderbook) // blocked until +10m
	*now = now.Add(30 * time.Minute)
	assert.Equal(t, 0, m.Cleanup(), "expired but inside the grace hour")

	*now = now.Add(time.Hour)
	assert.Equal(t, 1, m.Cleanup())
	assert.Equal(t, 0, m.Stats().Tracked)
}

func TestStats(t *testing.T) {
	m, _ := testCooldowns()
	m.RecordFailure("a", types.FailNoOrderbook)
	m.RecordFailure("b", types.FailNetwork)

	s := m.Stats()
	assert.Equal(t, 2, s.Active)
	assert.Equal(t, 2, s.Tracked)
	assert.Equal(t, 2, s.TotalFailures)
}
