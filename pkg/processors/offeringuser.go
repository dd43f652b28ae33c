package processors

import (
	"context"
	"fmt"

	"github.com/waldur/waldur-site-agent/pkg/backends"
	"github.com/waldur/waldur-site-agent/pkg/types"
)

// UpdateOfferingUsers drives offering users through the provisioning
// state machine:
//
//	Requested -> Creating -> OK
//	                      -> Pending account linking
//	                      -> Pending additional validation
//	Pending * -> OK (on a later retry)
//
// It only acts when the offering delegates username generation to the
// service provider; otherwise usernames originate marketplace-side and
// the agent must not touch them.
func (p *Processor) UpdateOfferingUsers(ctx context.Context) error {
	if p.offering.UsernameGenerationPolicy() != types.UsernamePolicyServiceProvider {
		return nil
	}

	users, err := p.cache.OfferingUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch offering users: %w", err)
	}

	for i := range users {
		user := users[i]
		if err := p.provisionOfferingUser(ctx, &user); err != nil {
			p.logger.Error().Err(err).
				Str("offering_user_uuid", user.UUID).
				Str("state", string(user.State)).
				Msg("offering user provisioning failed")
		}
	}
	return nil
}

func (p *Processor) provisionOfferingUser(ctx context.Context, user *types.OfferingUser) error {
	switch user.State {
	case types.OfferingUserStateOK:
		return nil
	case types.OfferingUserStateRequested:
		if err := p.client.BeginOfferingUserCreating(ctx, user.UUID); err != nil {
			return err
		}
		user.State = types.OfferingUserStateCreating
		return p.generateUsername(ctx, user)
	case types.OfferingUserStateCreating,
		types.OfferingUserStatePendingLinking,
		types.OfferingUserStatePendingValidation:
		return p.generateUsername(ctx, user)
	}
	return nil
}

// generateUsername applies one GenerateUsername outcome to the state
// machine. Re-applying the same pending outcome is idempotent; the
// marketplace conflicts are swallowed by the client.
func (p *Processor) generateUsername(ctx context.Context, user *types.OfferingUser) error {
	result, err := p.usernames.GenerateUsername(ctx, user)
	if err != nil {
		return fmt.Errorf("username generation failed: %w", err)
	}

	switch result.Outcome {
	case backends.UsernameOK:
		if result.Username == "" {
			return fmt.Errorf("username backend returned an empty username")
		}
		if err := p.client.SetOfferingUserUsername(ctx, user.UUID, result.Username); err != nil {
			return err
		}
		if err := p.client.SetOfferingUserOK(ctx, user.UUID); err != nil {
			return err
		}
		user.Username = result.Username
		user.State = types.OfferingUserStateOK
		p.logger.Info().
			Str("offering_user_uuid", user.UUID).
			Str("username", result.Username).
			Msg("offering user provisioned")

	case backends.UsernameNeedsLinking:
		if err := p.client.SetOfferingUserPendingLinking(ctx, user.UUID, result.Comment, result.URL); err != nil {
			return err
		}
		user.State = types.OfferingUserStatePendingLinking
		p.logger.Info().
			Str("offering_user_uuid", user.UUID).
			Str("comment", result.Comment).
			Msg("offering user pending account linking")

	case backends.UsernameNeedsValidation:
		if err := p.client.SetOfferingUserPendingValidation(ctx, user.UUID, result.Comment, result.URL); err != nil {
			return err
		}
		user.State = types.OfferingUserStatePendingValidation
		p.logger.Info().
			Str("offering_user_uuid", user.UUID).
			Str("comment", result.Comment).
			Msg("offering user pending additional validation")
	}
	return nil
}
