package processors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waldur/waldur-site-agent/pkg/types"
)

func membershipFixture() (*fakeMarketplace, *fakeBackend) {
	mp := newFakeMarketplace()
	mp.resources["r1"] = &types.Resource{
		UUID: "r1", BackendID: "acct-1", ProjectUUID: "p1", State: types.ResourceStateOK,
	}
	mp.teams["r1"] = []types.ProjectUser{
		{UUID: "u-alice", Username: "walice"},
		{UUID: "u-bob", Username: "wbob"},
	}
	mp.users = []types.OfferingUser{
		{UUID: "ou-alice", UserUUID: "u-alice", Username: "alice", State: types.OfferingUserStateOK},
		{UUID: "ou-bob", UserUUID: "u-bob", Username: "bob", State: types.OfferingUserStateOK},
		{UUID: "ou-carol", UserUUID: "u-carol", Username: "carol", State: types.OfferingUserStateOK},
	}
	mp.svcAccts["p1"] = []types.ServiceAccount{
		{UUID: "sa-1", Username: "svc-robot", ProjectUUID: "p1", State: types.AccountStateOK},
	}

	backend := newFakeBackend()
	return mp, backend
}

func TestSyncResourceMembership(t *testing.T) {
	mp, backend := membershipFixture()
	// carol left the team but her account lingers; site-local is foreign.
	backend.resourceUsers["acct-1"] = []string{"alice", "carol", "site-local"}

	p := New(testOffering(), mp, backend, &scriptedUsernames{})
	require.NoError(t, p.SyncMemberships(context.Background()))

	require.Len(t, backend.added, 1)
	assert.ElementsMatch(t, []string{"bob", "svc-robot"}, backend.added[0])

	// carol is known to the agent and removed; site-local is untouched.
	require.Len(t, backend.removed, 1)
	assert.Equal(t, []string{"carol"}, backend.removed[0])
	assert.Contains(t, backend.resourceUsers["acct-1"], "site-local")
}

func TestSyncResourceMembershipIdempotent(t *testing.T) {
	mp, backend := membershipFixture()
	backend.resourceUsers["acct-1"] = []string{"alice"}

	p := New(testOffering(), mp, backend, &scriptedUsernames{})
	require.NoError(t, p.SyncMemberships(context.Background()))
	require.NotEmpty(t, backend.added)

	// A second cycle with a fresh processor converges to zero changes.
	adds, removals := len(backend.added), len(backend.removed)
	p = New(testOffering(), mp, backend, &scriptedUsernames{})
	require.NoError(t, p.SyncMemberships(context.Background()))
	assert.Len(t, backend.added, adds)
	assert.Len(t, backend.removed, removals)
}

func TestSyncResourceMembershipRestrictedAccess(t *testing.T) {
	mp, backend := membershipFixture()
	mp.resources["r1"].RestrictMemberAccess = true

	p := New(testOffering(), mp, backend, &scriptedUsernames{})
	require.NoError(t, p.SyncMemberships(context.Background()))

	// Only non-personal accounts are propagated.
	require.Len(t, backend.added, 1)
	assert.Equal(t, []string{"svc-robot"}, backend.added[0])
}

func TestSyncResourceMembershipSkipsUnprovisionedUsers(t *testing.T) {
	mp, backend := membershipFixture()
	mp.users[1].State = types.OfferingUserStatePendingLinking // bob not ready

	p := New(testOffering(), mp, backend, &scriptedUsernames{})
	require.NoError(t, p.SyncMemberships(context.Background()))

	require.Len(t, backend.added, 1)
	assert.ElementsMatch(t, []string{"alice", "svc-robot"}, backend.added[0])
}

func TestSyncResourceMembershipAppliesScalingState(t *testing.T) {
	tests := []struct {
		name       string
		paused     bool
		downscaled bool
		want       string
	}{
		{name: "paused", paused: true, want: "pause acct-1"},
		{name: "paused wins over downscaled", paused: true, downscaled: true, want: "pause acct-1"},
		{name: "downscaled", downscaled: true, want: "downscale acct-1"},
		{name: "neither restores", want: "restore acct-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mp, backend := membershipFixture()
			mp.resources["r1"].Paused = tt.paused
			mp.resources["r1"].Downscaled = tt.downscaled

			p := New(testOffering(), mp, backend, &scriptedUsernames{})
			require.NoError(t, p.SyncMemberships(context.Background()))
			assert.Equal(t, []string{tt.want}, backend.scalingCalls)
		})
	}
}

func TestSyncResourceLimitsToMarketplace(t *testing.T) {
	tests := []struct {
		name          string
		backendLimits map[string]int64
		current       map[string]int64
		wantSynced    bool
	}{
		{
			name:          "differing limits pushed",
			backendLimits: map[string]int64{"cpu": 100},
			current:       map[string]int64{"cpu": 50},
			wantSynced:    true,
		},
		{
			name:          "equal limits untouched",
			backendLimits: map[string]int64{"cpu": 50},
			current:       map[string]int64{"cpu": 50},
			wantSynced:    false,
		},
		{
			name:          "no backend limits untouched",
			backendLimits: nil,
			current:       map[string]int64{"cpu": 50},
			wantSynced:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mp, backend := membershipFixture()
			mp.resources["r1"].Limits = tt.current
			backend.limits["acct-1"] = tt.backendLimits

			p := New(testOffering(), mp, backend, &scriptedUsernames{})
			require.NoError(t, p.SyncMemberships(context.Background()))

			if tt.wantSynced {
				assert.Contains(t, mp.calls, "resource-limits r1")
				assert.Equal(t, tt.backendLimits, mp.resources["r1"].Limits)
			} else {
				assert.NotContains(t, mp.calls, "resource-limits r1")
			}
		})
	}
}

func TestSyncProjectMembershipsFiltersProject(t *testing.T) {
	mp, backend := membershipFixture()
	mp.resources["r2"] = &types.Resource{
		UUID: "r2", BackendID: "acct-2", ProjectUUID: "p2", State: types.ResourceStateOK,
	}
	backend.resourceUsers["acct-1"] = []string{"alice", "bob", "svc-robot"}

	p := New(testOffering(), mp, backend, &scriptedUsernames{})
	require.NoError(t, p.SyncProjectMemberships(context.Background(), "p2"))

	// Only acct-2 was reconciled.
	for _, add := range backend.added {
		assert.NotContains(t, add, "svc-robot")
	}
	assert.NotContains(t, mp.calls, "team r1")
}

func TestSyncSingleResource(t *testing.T) {
	mp, backend := membershipFixture()

	p := New(testOffering(), mp, backend, &scriptedUsernames{})
	require.NoError(t, p.SyncSingleResource(context.Background(), "r1"))
	assert.NotEmpty(t, backend.added)

	// A resource still creating is left alone.
	mp.resources["r2"] = &types.Resource{
		UUID: "r2", BackendID: "acct-2", ProjectUUID: "p1", State: types.ResourceStateCreating,
	}
	added := len(backend.added)
	p = New(testOffering(), mp, backend, &scriptedUsernames{})
	require.NoError(t, p.SyncSingleResource(context.Background(), "r2"))
	assert.Len(t, backend.added, added)
}
