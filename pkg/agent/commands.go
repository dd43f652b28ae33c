package agent

import (
	"context"
	"fmt"

	"github.com/waldur/waldur-site-agent/pkg/types"
	"github.com/waldur/waldur-site-agent/pkg/waldur"
)

// RunDiagnostics pings the marketplace and dumps backend health for
// every offering. Returns an error when any offering is unhealthy.
func (s *Supervisor) RunDiagnostics(ctx context.Context) error {
	var failed int
	for _, w := range s.workers {
		logger := w.logger.With().Str("backend_type", w.primaryTag()).Logger()

		if err := w.client.Ping(ctx, w.offering.UUID); err != nil {
			logger.Error().Err(err).Msg("marketplace unreachable")
			failed++
			continue
		}
		logger.Info().Msg("marketplace reachable")

		backend, err := w.backendFor(w.primaryTag())
		if err != nil {
			logger.Error().Err(err).Msg("backend setup failed")
			failed++
			continue
		}
		healthy, err := backend.Diagnostics(ctx)
		if err != nil || !healthy {
			logger.Error().Err(err).Msg("backend diagnostics failed")
			failed++
			continue
		}
		logger.Info().Msg("backend healthy")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d offerings unhealthy", failed, len(s.workers))
	}
	return nil
}

// LoadComponents pushes each offering's configured components to the
// marketplace, updating the ones that already exist.
func (s *Supervisor) LoadComponents(ctx context.Context) error {
	for _, w := range s.workers {
		for _, comp := range w.offering.BackendComponents {
			err := w.client.CreateOfferingComponent(ctx, w.offering.UUID, comp)
			if waldur.IsConflict(err) {
				err = w.client.UpdateOfferingComponent(ctx, w.offering.UUID, comp)
			}
			if err != nil {
				return fmt.Errorf("offering %q: failed to load component %q: %w", w.offering.Name, comp.Type, err)
			}
			w.logger.Info().Str("component", comp.Type).Msg("offering component loaded")
		}
	}
	return nil
}

// SyncOfferingUsers runs one offering user provisioning pass per
// offering.
func (s *Supervisor) SyncOfferingUsers(ctx context.Context) error {
	for _, w := range s.workers {
		if err := w.updateOfferingUsers(ctx); err != nil {
			return fmt.Errorf("offering %q: %w", w.offering.Name, err)
		}
	}
	return nil
}

// SyncResourceLimits runs one backend-to-marketplace limit sync per
// offering.
func (s *Supervisor) SyncResourceLimits(ctx context.Context) error {
	for _, w := range s.workers {
		tag := w.offering.MembershipSyncBackend
		if tag == "" {
			continue
		}
		p, err := w.processorFor(tag)
		if err != nil {
			return err
		}
		if err := p.SyncAllResourceLimits(ctx); err != nil {
			return fmt.Errorf("offering %q: %w", w.offering.Name, err)
		}
	}
	return nil
}

// CreateHomeDirs asks backends with user-attribute support to provision
// home directories for every provisioned offering user.
func (s *Supervisor) CreateHomeDirs(ctx context.Context) error {
	for _, w := range s.workers {
		backend, err := w.backendFor(w.primaryTag())
		if err != nil {
			return err
		}
		if !backend.SupportsUserAttributes() {
			w.logger.Info().Msg("backend does not manage home directories, skipping")
			continue
		}

		users, err := w.client.ListOfferingUsers(ctx, w.offering.UUID)
		if err != nil {
			return fmt.Errorf("offering %q: failed to fetch offering users: %w", w.offering.Name, err)
		}
		for _, user := range users {
			if user.State != types.OfferingUserStateOK || user.Username == "" {
				continue
			}
			attrs := map[string]any{"create_home_directory": true}
			if err := backend.UpdateUserAttributes(ctx, user.Username, attrs); err != nil {
				w.logger.Error().Err(err).Str("username", user.Username).Msg("home directory creation failed")
			}
		}
	}
	return nil
}
