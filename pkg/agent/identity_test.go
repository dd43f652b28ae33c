package agent

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/waldur/waldur-site-agent/pkg/log"
	"github.com/waldur/waldur-site-agent/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func redirectStateFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subscriptions.yaml")
	orig := subscriptionStateFile
	subscriptionStateFile = path
	t.Cleanup(func() { subscriptionStateFile = orig })
	return path
}

func readStateFile(t *testing.T, path string) map[string]string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	state := map[string]string{}
	require.NoError(t, yaml.Unmarshal(data, &state))
	return state
}

func TestRecordSubscriptionsMerges(t *testing.T) {
	path := redirectStateFile(t)

	require.NoError(t, recordSubscriptions([]types.EventSubscription{
		{UUID: "sub-1", ObjectType: "order"},
		{UUID: "sub-2", ObjectType: "user_role"},
	}))
	assert.Equal(t, map[string]string{
		"order":     "sub-1",
		"user_role": "sub-2",
	}, readStateFile(t, path))

	// A later writer replaces its own entries and keeps the rest.
	require.NoError(t, recordSubscriptions([]types.EventSubscription{
		{UUID: "sub-3", ObjectType: "order"},
	}))
	assert.Equal(t, map[string]string{
		"order":     "sub-3",
		"user_role": "sub-2",
	}, readStateFile(t, path))
}

func TestRecordSubscriptionsEmptyIsNoop(t *testing.T) {
	path := redirectStateFile(t)
	require.NoError(t, recordSubscriptions(nil))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestEnabledConcerns(t *testing.T) {
	full := &types.Offering{
		OrderProcessingBackend: "slurm",
		MembershipSyncBackend:  "slurm",
		ReportingBackend:       "slurm",
	}
	assert.Equal(t, []string{"order_process", "membership_sync", "report"}, enabledConcerns(full))

	partial := &types.Offering{ReportingBackend: "slurm"}
	assert.Equal(t, []string{"report"}, enabledConcerns(partial))

	assert.Empty(t, enabledConcerns(&types.Offering{}))
}

func TestIdentityName(t *testing.T) {
	name := identityName(&types.Offering{Name: "hpc"})
	assert.NotEmpty(t, name)
	assert.Contains(t, name, "-hpc")
}
