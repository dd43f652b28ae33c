package processors

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/waldur/waldur-site-agent/pkg/metrics"
	"github.com/waldur/waldur-site-agent/pkg/types"
)

// SyncMemberships runs one membership cycle: the team of every active
// resource is reconciled with the backend, and backend-reported limits
// are pushed back to the marketplace. Per-resource failures are logged
// and do not abort the cycle.
func (p *Processor) SyncMemberships(ctx context.Context) error {
	resources, err := p.client.ListActiveResources(ctx, p.offering.UUID)
	if err != nil {
		return fmt.Errorf("failed to fetch resources: %w", err)
	}

	for i := range resources {
		resource := resources[i]
		if err := p.SyncResourceMembership(ctx, &resource); err != nil {
			p.logger.Error().Err(err).
				Str("resource_uuid", resource.UUID).
				Str("backend_id", resource.BackendID).
				Msg("membership sync failed for resource")
		}
	}
	return nil
}

// SyncResourceMembership reconciles one resource's backend user set with
// the desired roster and syncs backend limits to the marketplace.
func (p *Processor) SyncResourceMembership(ctx context.Context, resource *types.Resource) error {
	desired, err := p.desiredUsernames(ctx, resource)
	if err != nil {
		return fmt.Errorf("failed to compute desired user set: %w", err)
	}

	current, err := p.backend.ListResourceUsers(ctx, resource.BackendID)
	if err != nil {
		return fmt.Errorf("failed to list backend users: %w", err)
	}

	known, err := p.knownUsernames(ctx, resource)
	if err != nil {
		return fmt.Errorf("failed to compute known user set: %w", err)
	}

	toAdd, toRemove := lo.Difference(desired, current)
	// Never remove usernames the agent does not manage: accounts on a
	// shared cluster may belong to another agent or be site-local.
	toRemove = lo.Filter(toRemove, func(username string, _ int) bool {
		return lo.Contains(known, username)
	})

	if len(toAdd) > 0 {
		if err := p.backend.AddUsersToResource(ctx, resource.BackendID, toAdd); err != nil {
			return fmt.Errorf("failed to add users: %w", err)
		}
		metrics.MembershipUsersAdded.WithLabelValues(p.offering.Name).Add(float64(len(toAdd)))
		p.logger.Info().
			Str("backend_id", resource.BackendID).
			Strs("usernames", toAdd).
			Msg("added users to resource")
	}
	if len(toRemove) > 0 {
		if err := p.backend.RemoveUsersFromResource(ctx, resource.BackendID, toRemove); err != nil {
			return fmt.Errorf("failed to remove users: %w", err)
		}
		metrics.MembershipUsersRemoved.WithLabelValues(p.offering.Name).Add(float64(len(toRemove)))
		p.logger.Info().
			Str("backend_id", resource.BackendID).
			Strs("usernames", toRemove).
			Msg("removed users from resource")
	}

	if err := p.applyScalingState(ctx, resource); err != nil {
		return err
	}
	return p.syncResourceLimits(ctx, resource)
}

// applyScalingState dispatches the marketplace pause and downscale flags
// to the backend. Paused wins over downscaled; neither flag restores the
// account. Backends without the capability treat all three as no-ops.
func (p *Processor) applyScalingState(ctx context.Context, resource *types.Resource) error {
	switch {
	case resource.Paused:
		if err := p.backend.PauseResource(ctx, resource.BackendID); err != nil {
			return fmt.Errorf("failed to pause resource: %w", err)
		}
	case resource.Downscaled:
		if err := p.backend.DownscaleResource(ctx, resource.BackendID); err != nil {
			return fmt.Errorf("failed to downscale resource: %w", err)
		}
	default:
		if err := p.backend.RestoreResource(ctx, resource.BackendID); err != nil {
			return fmt.Errorf("failed to restore resource: %w", err)
		}
	}
	return nil
}

// desiredUsernames is the union of team offering users in state OK with a
// username, active service accounts, and active course accounts.
func (p *Processor) desiredUsernames(ctx context.Context, resource *types.Resource) ([]string, error) {
	var desired []string

	if !resource.RestrictMemberAccess {
		team, err := p.cache.TeamForResource(ctx, resource)
		if err != nil {
			return nil, err
		}
		byUserUUID, err := p.cache.OfferingUsersByUserUUID(ctx)
		if err != nil {
			return nil, err
		}
		for _, member := range team {
			ou, ok := byUserUUID[member.UUID]
			if !ok {
				continue
			}
			if ou.State == types.OfferingUserStateOK && ou.Username != "" {
				desired = append(desired, ou.Username)
			}
		}
	}

	serviceAccounts, err := p.cache.ServiceAccounts(ctx, resource.ProjectUUID)
	if err != nil {
		return nil, err
	}
	for _, account := range serviceAccounts {
		if account.State == types.AccountStateOK && account.Username != "" {
			desired = append(desired, account.Username)
		}
	}

	courseAccounts, err := p.cache.CourseAccounts(ctx, resource.ProjectUUID)
	if err != nil {
		return nil, err
	}
	for _, account := range courseAccounts {
		if account.State == types.AccountStateOK && account.Username != "" {
			desired = append(desired, account.Username)
		}
	}

	return lo.Uniq(desired), nil
}

// knownUsernames is every username the agent can account for: all
// offering users regardless of state plus the project's service and
// course accounts.
func (p *Processor) knownUsernames(ctx context.Context, resource *types.Resource) ([]string, error) {
	users, err := p.cache.OfferingUsers(ctx)
	if err != nil {
		return nil, err
	}
	known := make([]string, 0, len(users))
	for _, u := range users {
		if u.Username != "" {
			known = append(known, u.Username)
		}
	}

	serviceAccounts, err := p.cache.ServiceAccounts(ctx, resource.ProjectUUID)
	if err != nil {
		return nil, err
	}
	for _, account := range serviceAccounts {
		known = append(known, account.Username)
	}
	courseAccounts, err := p.cache.CourseAccounts(ctx, resource.ProjectUUID)
	if err != nil {
		return nil, err
	}
	for _, account := range courseAccounts {
		known = append(known, account.Username)
	}
	return lo.Uniq(known), nil
}

// syncResourceLimits pushes backend-reported limits to the marketplace
// when they differ from the recorded ones.
func (p *Processor) syncResourceLimits(ctx context.Context, resource *types.Resource) error {
	limits, err := p.backend.GetResourceLimits(ctx, resource.BackendID)
	if err != nil {
		return fmt.Errorf("failed to read backend limits: %w", err)
	}
	if len(limits) == 0 || limitsEqual(limits, resource.Limits) {
		return nil
	}
	if err := p.client.SetResourceLimits(ctx, resource.UUID, limits); err != nil {
		return fmt.Errorf("failed to sync limits to marketplace: %w", err)
	}
	p.logger.Info().
		Str("resource_uuid", resource.UUID).
		Interface("limits", limits).
		Msg("synced backend limits to marketplace")
	return nil
}

func limitsEqual(a, b map[string]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// SyncAllResourceLimits pushes backend-reported limits for every active
// resource without touching membership. Entry point for the one-shot
// limits sync command.
func (p *Processor) SyncAllResourceLimits(ctx context.Context) error {
	resources, err := p.client.ListActiveResources(ctx, p.offering.UUID)
	if err != nil {
		return fmt.Errorf("failed to fetch resources: %w", err)
	}
	for i := range resources {
		resource := resources[i]
		if err := p.syncResourceLimits(ctx, &resource); err != nil {
			p.logger.Error().Err(err).
				Str("resource_uuid", resource.UUID).
				Msg("limit sync failed for resource")
		}
	}
	return nil
}

// SyncProjectMemberships re-syncs every active resource of one project.
// Entry point for user role and account events.
func (p *Processor) SyncProjectMemberships(ctx context.Context, projectUUID string) error {
	resources, err := p.client.ListActiveResources(ctx, p.offering.UUID)
	if err != nil {
		return fmt.Errorf("failed to fetch resources: %w", err)
	}
	for i := range resources {
		resource := resources[i]
		if resource.ProjectUUID != projectUUID {
			continue
		}
		if err := p.SyncResourceMembership(ctx, &resource); err != nil {
			p.logger.Error().Err(err).
				Str("resource_uuid", resource.UUID).
				Msg("membership sync failed for resource")
		}
	}
	return nil
}

// SyncSingleResource re-syncs one resource by marketplace UUID. Entry
// point for resource events.
func (p *Processor) SyncSingleResource(ctx context.Context, resourceUUID string) error {
	resource, err := p.client.GetResource(ctx, resourceUUID)
	if err != nil {
		return fmt.Errorf("failed to fetch resource: %w", err)
	}
	if resource.BackendID == "" {
		return nil
	}
	switch resource.State {
	case types.ResourceStateOK, types.ResourceStateErred:
		return p.SyncResourceMembership(ctx, resource)
	}
	return nil
}

// ForwardUserAttributes forwards offering user attribute updates to
// backends that support them. Entry point for offering user events.
func (p *Processor) ForwardUserAttributes(ctx context.Context, username string, attributes map[string]any) error {
	if username == "" || !p.backend.SupportsUserAttributes() {
		return nil
	}
	if err := p.backend.UpdateUserAttributes(ctx, username, attributes); err != nil {
		return fmt.Errorf("failed to forward user attributes: %w", err)
	}
	return nil
}
