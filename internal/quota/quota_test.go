package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAndReserve_HardLimitDenies(t *testing.T) {
	e := NewEnforcer(map[string]TenantLimits{
		"t1": {
			TypeRequests: []Limit{{Period: PeriodHourly, HardLimit: 2}},
		},
	})

	d1 := e.CheckAndReserve("t1", TypeRequests, 1)
	require.True(t, d1.Allowed)
	d2 := e.CheckAndReserve("t1", TypeRequests, 1)
	require.True(t, d2.Allowed)
	d3 := e.CheckAndReserve("t1", TypeRequests, 1)
	assert.False(t, d3.Allowed, "third reservation should be denied at hard_limit=2")
}

func TestCheckAndReserve_WindowResetResumes(t *testing.T) {
	now := time.Now()
	e := NewEnforcer(map[string]TenantLimits{
		"t1": {TypeRequests: []Limit{{Period: PeriodHourly, HardLimit: 1}}},
	})
	e.now = func() time.Time { return now }

	d1 := e.CheckAndReserve("t1", TypeRequests, 1)
	require.True(t, d1.Allowed)
	d2 := e.CheckAndReserve("t1", TypeRequests, 1)
	require.False(t, d2.Allowed)

	e.now = func() time.Time { return now.Add(61 * time.Minute) }
	d3 := e.CheckAndReserve("t1", TypeRequests, 1)
	assert.True(t, d3.Allowed, "reservation after window boundary should resume")
}

func TestCheckAndReserve_UnconfiguredTenantUnlimited(t *testing.T) {
	e := NewEnforcer(nil)
	d := e.CheckAndReserve("anyone", TypeRequests, 1_000_000)
	assert.True(t, d.Allowed)
}

func TestCheckAndReserve_SoftLimitWarns(t *testing.T) {
	e := NewEnforcer(map[string]TenantLimits{
		"t1": {TypeTokens: []Limit{{Period: PeriodDaily, HardLimit: 100, SoftLimitPercent: 0.5}}},
	})
	d1 := e.CheckAndReserve("t1", TypeTokens, 40)
	assert.False(t, d1.Warned)
	d2 := e.CheckAndReserve("t1", TypeTokens, 20)
	assert.True(t, d2.Warned, "crossing 50 of 100 should warn")
}

func TestWindowEnd_DailyIsNextUTCMidnight(t *testing.T) {
	now := time.Date(2026, 7, 29, 15, 30, 0, 0, time.UTC)
	end := windowEndFn(now, PeriodDaily)
	assert.Equal(t, time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC), end)
}

func TestWindowEnd_MonthlyIsNextUTCMonthEnd(t *testing.T) {
	now := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	end := windowEndFn(now, PeriodMonthly)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), end)
}
