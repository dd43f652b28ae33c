package backends

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/waldur/waldur-site-agent/pkg/log"
	"github.com/waldur/waldur-site-agent/pkg/types"
)

// noopBackend stands in for an unknown backend tag. Every mutating
// operation is rejected with a terminal error so orders fail visibly
// instead of silently succeeding against nothing.
type noopBackend struct {
	BaseBackend
	tag    string
	logger zerolog.Logger
}

func newNoopBackend(tag string) *noopBackend {
	return &noopBackend{
		tag:    tag,
		logger: log.WithComponent("noop-backend"),
	}
}

func (b *noopBackend) reject(op string) error {
	b.logger.Error().Str("backend_type", b.tag).Str("operation", op).
		Msg("operation rejected by noop backend")
	return NewTerminalError(op, fmt.Errorf("backend type %q is not registered", b.tag))
}

func (b *noopBackend) Ping(ctx context.Context) error {
	return b.reject("ping")
}

func (b *noopBackend) Diagnostics(ctx context.Context) (bool, error) {
	return false, b.reject("diagnostics")
}

func (b *noopBackend) ListComponents(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (b *noopBackend) CreateResource(ctx context.Context, resource *types.Resource, users UserContext) (CreateResult, error) {
	return CreateResult{}, b.reject("create_resource")
}

func (b *noopBackend) UpdateLimits(ctx context.Context, backendID string, limits map[string]int64) error {
	return b.reject("update_limits")
}

func (b *noopBackend) DeleteResource(ctx context.Context, backendID string) error {
	return b.reject("delete_resource")
}

func (b *noopBackend) GetUsageReport(ctx context.Context, backendIDs []string) ([]types.UsageRecord, error) {
	return nil, nil
}

func (b *noopBackend) PullResource(ctx context.Context, backendID string) (*types.ResourceReport, error) {
	return nil, b.reject("pull_resource")
}

func (b *noopBackend) GetResourceLimits(ctx context.Context, backendID string) (map[string]int64, error) {
	return map[string]int64{}, nil
}

func (b *noopBackend) ListResourceUsers(ctx context.Context, backendID string) ([]string, error) {
	return nil, nil
}

func (b *noopBackend) AddUsersToResource(ctx context.Context, backendID string, usernames []string) error {
	return b.reject("add_users")
}

func (b *noopBackend) RemoveUsersFromResource(ctx context.Context, backendID string, usernames []string) error {
	return b.reject("remove_users")
}
