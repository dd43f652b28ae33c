package waldur

import (
	"context"
	"fmt"

	"github.com/waldur/waldur-site-agent/pkg/types"
)

var offeringUserFields = []string{
	"uuid", "user_uuid", "offering_uuid", "username", "state",
	"user_first_name", "user_last_name", "user_email", "user_affiliations",
}

// ListOfferingUsers fetches all offering users of the offering.
func (c *Client) ListOfferingUsers(ctx context.Context, offeringUUID string) ([]types.OfferingUser, error) {
	q := fieldQuery(offeringUserFields...)
	q.Set("offering_uuid", offeringUUID)

	var users []types.OfferingUser
	if err := listInto(ctx, c, "/api/marketplace-offering-users/", q, &users); err != nil {
		return nil, fmt.Errorf("failed to list offering users: %w", err)
	}
	return users, nil
}

// SetOfferingUserUsername patches the backend username of an offering user.
func (c *Client) SetOfferingUserUsername(ctx context.Context, offeringUserUUID, username string) error {
	path := fmt.Sprintf("/api/marketplace-offering-users/%s/", offeringUserUUID)
	payload := map[string]string{"username": username}
	if err := c.patch(ctx, path, payload, nil); err != nil {
		return fmt.Errorf("failed to set username of offering user %s: %w", offeringUserUUID, err)
	}
	return nil
}

// BeginOfferingUserCreating transitions the offering user to Creating.
func (c *Client) BeginOfferingUserCreating(ctx context.Context, offeringUserUUID string) error {
	return c.transitionOfferingUser(ctx, offeringUserUUID, "begin_creating", nil)
}

// SetOfferingUserOK transitions the offering user to OK.
func (c *Client) SetOfferingUserOK(ctx context.Context, offeringUserUUID string) error {
	return c.transitionOfferingUser(ctx, offeringUserUUID, "set_ok", nil)
}

// SetOfferingUserPendingLinking parks the offering user until the person
// links their site account, with an operator comment and optional URL.
func (c *Client) SetOfferingUserPendingLinking(ctx context.Context, offeringUserUUID, comment, url string) error {
	payload := map[string]string{"comment": comment}
	if url != "" {
		payload["url"] = url
	}
	return c.transitionOfferingUser(ctx, offeringUserUUID, "set_pending_account_linking", payload)
}

// SetOfferingUserPendingValidation parks the offering user until an
// out-of-band validation completes.
func (c *Client) SetOfferingUserPendingValidation(ctx context.Context, offeringUserUUID, comment, url string) error {
	payload := map[string]string{"comment": comment}
	if url != "" {
		payload["url"] = url
	}
	return c.transitionOfferingUser(ctx, offeringUserUUID, "set_pending_additional_validation", payload)
}

func (c *Client) transitionOfferingUser(ctx context.Context, offeringUserUUID, transition string, payload map[string]string) error {
	path := fmt.Sprintf("/api/marketplace-offering-users/%s/%s/", offeringUserUUID, transition)
	err := c.post(ctx, path, payload, nil)
	// Re-applying the current state is a conflict the marketplace already
	// resolved; the state machine is idempotent on same-error retries.
	if err != nil && !IsConflict(err) {
		return fmt.Errorf("failed to transition offering user %s to %s: %w", offeringUserUUID, transition, err)
	}
	return nil
}

// RegisterIdentityBridge links a marketplace user to a remote identity,
// used by federated username backends.
func (c *Client) RegisterIdentityBridge(ctx context.Context, userUUID, remoteUsername string) error {
	payload := map[string]string{
		"user_uuid": userUUID,
		"username":  remoteUsername,
	}
	if err := c.post(ctx, "/api/identity-bridge/", payload, nil); err != nil {
		return fmt.Errorf("failed to register identity bridge: %w", err)
	}
	return nil
}

// RemoveIdentityBridge removes a previously registered identity link.
func (c *Client) RemoveIdentityBridge(ctx context.Context, userUUID string) error {
	payload := map[string]string{"user_uuid": userUUID}
	if err := c.post(ctx, "/api/identity-bridge/remove/", payload, nil); err != nil {
		return fmt.Errorf("failed to remove identity bridge: %w", err)
	}
	return nil
}
