package reserve

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func testManager(rate float64) (*Manager, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := New(Config{
		BaseFraction:   decimal.NewFromFloat(0.25),
		MaxFraction:    decimal.NewFromFloat(0.40),
		AdaptationRate: decimal.NewFromFloat(rate),
		MinReserveUSD:  decimal.NewFromInt(20),
	})
	m.nowFn = func() time.Time { return now }
	return m, &now
}

func TestEffectiveBankrollSplit(t *testing.T) {
	m, _ := testManager(1)

	effective, reserved := m.EffectiveBankroll(decimal.NewFromInt(1000))
	assert.True(t, reserved.Equal(decimal.NewFromInt(250)), "got %s", reserved)
	assert.True(t, effective.Equal(decimal.NewFromInt(750)))

	// Small balance: the absolute floor wins over the fraction
	effective, reserved = m.EffectiveBankroll(decimal.NewFromInt(50))
	assert.True(t, reserved.Equal(decimal.NewFromInt(20)), "got %s", reserved)
	assert.True(t, effective.Equal(decimal.NewFromInt(30)))

	// Balance below the floor: nothing deployable, never negative
	effective, _ = m.EffectiveBankroll(decimal.NewFromInt(15))
	assert.True(t, effective.IsZero(), "got %s", effective)
}

func TestMissedOpportunitiesShrinkReserve(t *testing.T) {
	m, _ := testManager(1) // rate 1 jumps straight to target

	for i := 0; i < 3; i++ {
		m.RecordMissedOpportunity()
	}
	got := m.Update()
	assert.True(t, got.Equal(decimal.NewFromFloat(0.19)), "0.25 - 3*0.02, got %s", got)
}

func TestMissedFactorCapAndFloor(t *testing.T) {
	m, _ := testManager(1)

	for i := 0; i < 20; i++ {
		m.RecordMissedOpportunity()
	}
	got := m.Update()
	// Factor caps at 0.15; the floor then holds the line at 0.10
	assert.True(t, got.Equal(decimal.NewFromFloat(0.10)), "got %s", got)
}

func TestMissedHedgesGrowReserve(t *testing.T) {
	m, _ := testManager(1)

	for i := 0; i < 5; i++ {
		m.RecordMissedHedge()
	}
	got := m.Update()
	// Hedge factor caps at 0.10 over the base
	assert.True(t, got.Equal(decimal.NewFromFloat(0.35)), "got %s", got)
}

func TestSmoothing(t *testing.T) {
	m, _ := testManager(0.5)

	for i := 0; i < 3; i++ {
		m.RecordMissedOpportunity()
	}
	got := m.Update()
	// Half way from 0.25 toward 0.19
	assert.True(t, got.Equal(decimal.NewFromFloat(0.22)), "got %s", got)
}

func TestWindowForgetsOldEvents(t *testing.T) {
	m, now := testManager(1)

	for i := 0; i < 3; i++ {
		m.RecordMissedOpportunity()
	}
	m.Update()

	*now = now.Add(31 * time.Minute)
	got := m.Update()
	assert.True(t, got.Equal(decimal.NewFromFloat(0.25)), "back to base, got %s", got)
}
