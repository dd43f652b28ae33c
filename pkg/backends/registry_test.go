package backends

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waldur/waldur-site-agent/pkg/log"
	"github.com/waldur/waldur-site-agent/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type registeredBackend struct {
	BaseBackend
	settings map[string]interface{}
}

func (b *registeredBackend) Ping(ctx context.Context) error { return nil }

func (b *registeredBackend) Diagnostics(ctx context.Context) (bool, error) { return true, nil }

func (b *registeredBackend) ListComponents(ctx context.Context) ([]string, error) { return nil, nil }

func (b *registeredBackend) CreateResource(ctx context.Context, resource *types.Resource, users UserContext) (CreateResult, error) {
	return CreateResult{BackendID: "acct"}, nil
}

func (b *registeredBackend) UpdateLimits(ctx context.Context, backendID string, limits map[string]int64) error {
	return nil
}

func (b *registeredBackend) DeleteResource(ctx context.Context, backendID string) error { return nil }

func (b *registeredBackend) GetUsageReport(ctx context.Context, backendIDs []string) ([]types.UsageRecord, error) {
	return nil, nil
}

func (b *registeredBackend) PullResource(ctx context.Context, backendID string) (*types.ResourceReport, error) {
	return &types.ResourceReport{BackendID: backendID}, nil
}

func (b *registeredBackend) GetResourceLimits(ctx context.Context, backendID string) (map[string]int64, error) {
	return nil, nil
}

func (b *registeredBackend) ListResourceUsers(ctx context.Context, backendID string) ([]string, error) {
	return nil, nil
}

func (b *registeredBackend) AddUsersToResource(ctx context.Context, backendID string, usernames []string) error {
	return nil
}

func (b *registeredBackend) RemoveUsersFromResource(ctx context.Context, backendID string, usernames []string) error {
	return nil
}

func TestRegisterAndNew(t *testing.T) {
	Register("test-backend", func(settings map[string]interface{}, components map[string]types.BackendComponent) (Backend, error) {
		return &registeredBackend{settings: settings}, nil
	})

	b, err := New("test-backend", map[string]interface{}{"cluster": "c1"}, nil)
	require.NoError(t, err)

	rb, ok := b.(*registeredBackend)
	require.True(t, ok)
	assert.Equal(t, "c1", rb.settings["cluster"])
	assert.Contains(t, RegisteredTags(), "test-backend")
}

func TestNewUnknownTagFallsBackToNoop(t *testing.T) {
	b, err := New("no-such-backend", nil, nil)
	require.NoError(t, err, "misconfiguration degrades, never crashes")

	ctx := context.Background()
	err = b.Ping(ctx)
	require.Error(t, err)

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.True(t, be.Terminal)

	_, err = b.CreateResource(ctx, &types.Resource{UUID: "r1"}, UserContext{})
	require.ErrorAs(t, err, &be)
	assert.True(t, be.Terminal, "noop rejections must not be retried")
}

func TestNewUsernameManagerFallbacks(t *testing.T) {
	for _, tag := range []string{"", "no-such-manager"} {
		m, err := NewUsernameManager(tag, nil)
		require.NoError(t, err)
		_, ok := m.(localUsernameManager)
		assert.True(t, ok, "tag %q resolves to local manager", tag)
	}
}

func TestRegisterUsernameManager(t *testing.T) {
	RegisterUsernameManager("test-usernames", func(settings map[string]interface{}) (UsernameManager, error) {
		return localUsernameManager{}, nil
	})

	m, err := NewUsernameManager("test-usernames", nil)
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestBaseBackendDefaults(t *testing.T) {
	var base BaseBackend
	ctx := context.Background()

	assert.False(t, base.SupportsAsyncOrders())
	assert.False(t, base.SupportsDecreasingUsage())
	assert.False(t, base.SupportsUserAttributes())
	assert.False(t, base.SupportsUsernameSync())

	_, err := base.CheckPendingOrder(ctx, "po-1")
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.True(t, be.Terminal)

	assert.NoError(t, base.PauseResource(ctx, "a"))
	assert.NoError(t, base.DownscaleResource(ctx, "a"))
	assert.NoError(t, base.RestoreResource(ctx, "a"))
	assert.NoError(t, base.UpdateUserAttributes(ctx, "u", nil))

	records, err := base.GetUsageReportForPeriod(ctx, []string{"a"}, 2024, 1)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestBackendErrorWrapping(t *testing.T) {
	cause := errors.New("quota exhausted")
	err := NewTransientError("create_resource", cause)

	assert.False(t, err.Terminal)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "create_resource")
}
