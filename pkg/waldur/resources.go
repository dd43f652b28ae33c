package waldur

import (
	"context"
	"fmt"

	"github.com/waldur/waldur-site-agent/pkg/types"
)

var resourceFields = []string{
	"uuid", "name", "backend_id", "state", "offering_uuid", "project_uuid",
	"project_name", "customer_uuid", "limits", "paused", "downscaled",
	"restrict_member_access", "offering_plugin_options",
}

// ListResources fetches the offering's resources in the given states,
// field-projected and fully paginated.
func (c *Client) ListResources(ctx context.Context, offeringUUID string, states ...types.ResourceState) ([]types.Resource, error) {
	q := fieldQuery(resourceFields...)
	q.Set("offering_uuid", offeringUUID)
	for _, s := range states {
		q.Add("state", string(s))
	}

	var resources []types.Resource
	if err := listInto(ctx, c, "/api/marketplace-provider-resources/", q, &resources); err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	return resources, nil
}

// ListActiveResources fetches OK and Erred resources that already carry a
// backend id, the working set of membership and reporting cycles.
func (c *Client) ListActiveResources(ctx context.Context, offeringUUID string) ([]types.Resource, error) {
	resources, err := c.ListResources(ctx, offeringUUID, types.ResourceStateOK, types.ResourceStateErred)
	if err != nil {
		return nil, err
	}
	active := resources[:0]
	for _, r := range resources {
		if r.BackendID != "" {
			active = append(active, r)
		}
	}
	return active, nil
}

// GetResource retrieves a single resource by UUID.
func (c *Client) GetResource(ctx context.Context, resourceUUID string) (*types.Resource, error) {
	var resource types.Resource
	path := fmt.Sprintf("/api/marketplace-provider-resources/%s/", resourceUUID)
	if err := c.get(ctx, path, nil, &resource); err != nil {
		return nil, fmt.Errorf("failed to get resource %s: %w", resourceUUID, err)
	}
	return &resource, nil
}

// SetResourceBackendID records the site account identifier on the
// marketplace resource.
func (c *Client) SetResourceBackendID(ctx context.Context, resourceUUID, backendID string) error {
	path := fmt.Sprintf("/api/marketplace-provider-resources/%s/set_backend_id/", resourceUUID)
	payload := map[string]string{"backend_id": backendID}
	if err := c.post(ctx, path, payload, nil); err != nil {
		return fmt.Errorf("failed to set resource %s backend id: %w", resourceUUID, err)
	}
	return nil
}

// SetResourceLimits pushes backend-reported limits to the marketplace.
func (c *Client) SetResourceLimits(ctx context.Context, resourceUUID string, limits map[string]int64) error {
	path := fmt.Sprintf("/api/marketplace-provider-resources/%s/set_limits/", resourceUUID)
	payload := map[string]any{"limits": limits}
	if err := c.post(ctx, path, payload, nil); err != nil {
		return fmt.Errorf("failed to set resource %s limits: %w", resourceUUID, err)
	}
	return nil
}

// SetResourceErred flags a resource the backend can no longer manage.
func (c *Client) SetResourceErred(ctx context.Context, resourceUUID, message string) error {
	path := fmt.Sprintf("/api/marketplace-provider-resources/%s/set_as_erred/", resourceUUID)
	payload := map[string]any{"error_message": message}
	err := c.post(ctx, path, payload, nil)
	if err != nil && !IsConflict(err) {
		return fmt.Errorf("failed to set resource %s erred: %w", resourceUUID, err)
	}
	return nil
}

// GetResourceTeam lists the project team of a resource.
func (c *Client) GetResourceTeam(ctx context.Context, resourceUUID string) ([]types.ProjectUser, error) {
	var team []types.ProjectUser
	path := fmt.Sprintf("/api/marketplace-provider-resources/%s/team/", resourceUUID)
	if err := c.get(ctx, path, fieldQuery("uuid", "username", "full_name", "email", "role"), &team); err != nil {
		return nil, fmt.Errorf("failed to get team of resource %s: %w", resourceUUID, err)
	}
	return team, nil
}
