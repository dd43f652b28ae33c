package processors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waldur/waldur-site-agent/pkg/types"
	"github.com/waldur/waldur-site-agent/pkg/waldur"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestReportUsageMultiPeriod(t *testing.T) {
	mp := newFakeMarketplace()
	mp.resources["r1"] = &types.Resource{
		UUID: "r1", BackendID: "acct-1", State: types.ResourceStateOK,
	}

	backend := newFakeBackend()
	// Closed month: backend has historical accounting for February.
	backend.periodReports["2024-02"] = []types.UsageRecord{{
		ResourceBackendID: "acct-1",
		Year:              2024, Month: 2,
		Total: map[string]int64{"cpu": 600, "mem": 4},
	}}
	// Live month usage.
	backend.reports["acct-1"] = &types.ResourceReport{
		BackendID:  "acct-1",
		TotalUsage: map[string]int64{"cpu": 120, "mem": 8},
		UserUsage: map[string]map[string]int64{
			"alice": {"cpu": 120},
		},
	}

	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	p := New(testOffering(), mp, backend, &scriptedUsernames{},
		WithReportingPeriods(2), WithClock(fixedClock(now)))
	require.NoError(t, p.ReportUsage(context.Background()))

	// February first, March last.
	require.Len(t, mp.calls, 2)
	assert.Equal(t, "usage r1 2024-02-01", mp.calls[0])
	assert.Equal(t, "usage r1 2024-03-01", mp.calls[1])

	// Backend units divided by the component unit factor (cpu: 60).
	feb := mp.usages[usageKey("r1", 2024, 2)]
	require.Len(t, feb, 2)
	byType := map[string]int64{}
	for _, u := range feb {
		byType[u.Type] = u.Usage
	}
	assert.Equal(t, int64(10), byType["cpu"])
	assert.Equal(t, int64(4), byType["mem"])

	// Per-user rows submitted against the stored component usage records.
	require.Len(t, mp.userUsageCalls, 1)
	assert.Equal(t, "cu-cpu alice 2", mp.userUsageCalls[0])
}

func TestReportUsageMonotonicGuard(t *testing.T) {
	mp := newFakeMarketplace()
	mp.resources["r1"] = &types.Resource{
		UUID: "r1", BackendID: "acct-1", State: types.ResourceStateOK,
	}
	// Marketplace already holds cpu=10, mem=3 for the live month.
	mp.usages[usageKey("r1", 2024, 3)] = []waldur.ComponentUsageRecord{
		{UUID: "cu-cpu", Type: "cpu", Usage: 10},
		{UUID: "cu-mem", Type: "mem", Usage: 3},
	}

	backend := newFakeBackend()
	backend.reports["acct-1"] = &types.ResourceReport{
		BackendID: "acct-1",
		// cpu converts to 5, below the recorded 10; mem converts to 7.
		TotalUsage: map[string]int64{"cpu": 300, "mem": 7},
	}

	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	p := New(testOffering(), mp, backend, &scriptedUsernames{},
		WithReportingPeriods(1), WithClock(fixedClock(now)))
	require.NoError(t, p.ReportUsage(context.Background()))

	stored := mp.usages[usageKey("r1", 2024, 3)]
	require.Len(t, stored, 1, "decreased component must be dropped")
	assert.Equal(t, "mem", stored[0].Type)
	assert.Equal(t, int64(7), stored[0].Usage)
}

func TestReportUsageDecreaseAllowedWhenSupported(t *testing.T) {
	mp := newFakeMarketplace()
	mp.resources["r1"] = &types.Resource{
		UUID: "r1", BackendID: "acct-1", State: types.ResourceStateOK,
	}
	mp.usages[usageKey("r1", 2024, 3)] = []waldur.ComponentUsageRecord{
		{UUID: "cu-cpu", Type: "cpu", Usage: 10},
	}

	backend := newFakeBackend()
	backend.decreasingOK = true
	backend.reports["acct-1"] = &types.ResourceReport{
		BackendID:  "acct-1",
		TotalUsage: map[string]int64{"cpu": 300},
	}

	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	p := New(testOffering(), mp, backend, &scriptedUsernames{},
		WithReportingPeriods(1), WithClock(fixedClock(now)))
	require.NoError(t, p.ReportUsage(context.Background()))

	stored := mp.usages[usageKey("r1", 2024, 3)]
	require.Len(t, stored, 1)
	assert.Equal(t, int64(5), stored[0].Usage)
}

func TestReportUsageSkipsUnconfiguredComponents(t *testing.T) {
	mp := newFakeMarketplace()
	mp.resources["r1"] = &types.Resource{
		UUID: "r1", BackendID: "acct-1", State: types.ResourceStateOK,
	}

	backend := newFakeBackend()
	backend.reports["acct-1"] = &types.ResourceReport{
		BackendID:  "acct-1",
		TotalUsage: map[string]int64{"gpu": 99, "mem": 2},
	}

	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	p := New(testOffering(), mp, backend, &scriptedUsernames{},
		WithReportingPeriods(1), WithClock(fixedClock(now)))
	require.NoError(t, p.ReportUsage(context.Background()))

	stored := mp.usages[usageKey("r1", 2024, 3)]
	require.Len(t, stored, 1, "unknown component types are not billed")
	assert.Equal(t, "mem", stored[0].Type)
}

func TestReportUsageNoResources(t *testing.T) {
	mp := newFakeMarketplace()
	backend := newFakeBackend()
	p := New(testOffering(), mp, backend, &scriptedUsernames{})
	require.NoError(t, p.ReportUsage(context.Background()))
	assert.Empty(t, mp.calls)
}
