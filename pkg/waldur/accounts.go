package waldur

import (
	"context"
	"fmt"

	"github.com/waldur/waldur-site-agent/pkg/types"
)

// ListServiceAccounts fetches a project's service accounts.
func (c *Client) ListServiceAccounts(ctx context.Context, projectUUID string) ([]types.ServiceAccount, error) {
	q := fieldQuery("uuid", "username", "project_uuid", "state")
	q.Set("project_uuid", projectUUID)

	var accounts []types.ServiceAccount
	if err := listInto(ctx, c, "/api/marketplace-service-accounts/", q, &accounts); err != nil {
		return nil, fmt.Errorf("failed to list service accounts of project %s: %w", projectUUID, err)
	}
	return accounts, nil
}

// ListCourseAccounts fetches a project's course accounts.
func (c *Client) ListCourseAccounts(ctx context.Context, projectUUID string) ([]types.CourseAccount, error) {
	q := fieldQuery("uuid", "username", "project_uuid", "state")
	q.Set("project_uuid", projectUUID)

	var accounts []types.CourseAccount
	if err := listInto(ctx, c, "/api/marketplace-course-accounts/", q, &accounts); err != nil {
		return nil, fmt.Errorf("failed to list course accounts of project %s: %w", projectUUID, err)
	}
	return accounts, nil
}

// Ping performs a lightweight authenticated call used by the periodic
// health check: the offering retrieved with a single-field projection.
func (c *Client) Ping(ctx context.Context, offeringUUID string) error {
	path := fmt.Sprintf("/api/marketplace-provider-offerings/%s/", offeringUUID)
	if err := c.get(ctx, path, fieldQuery("uuid"), nil); err != nil {
		return fmt.Errorf("marketplace ping failed: %w", err)
	}
	return nil
}

// CreateOfferingComponent registers a configured component on the
// marketplace offering. An already-registered component surfaces as a
// conflict so the caller can switch to an update.
func (c *Client) CreateOfferingComponent(ctx context.Context, offeringUUID string, comp types.BackendComponent) error {
	path := fmt.Sprintf("/api/marketplace-provider-offerings/%s/create_offering_component/", offeringUUID)
	if err := c.post(ctx, path, componentPayload(comp), nil); err != nil {
		return fmt.Errorf("failed to create offering component %s: %w", comp.Type, err)
	}
	return nil
}

// UpdateOfferingComponent updates an existing marketplace component.
func (c *Client) UpdateOfferingComponent(ctx context.Context, offeringUUID string, comp types.BackendComponent) error {
	path := fmt.Sprintf("/api/marketplace-provider-offerings/%s/update_offering_component/", offeringUUID)
	if err := c.post(ctx, path, componentPayload(comp), nil); err != nil {
		return fmt.Errorf("failed to update offering component %s: %w", comp.Type, err)
	}
	return nil
}

func componentPayload(comp types.BackendComponent) map[string]any {
	payload := map[string]any{
		"type":          comp.Type,
		"name":          comp.Label,
		"measured_unit": comp.MeasuredUnit,
		"billing_type":  string(comp.AccountingType),
		"limit_amount":  comp.Limit,
		"min_value":     comp.MinValue,
		"max_value":     comp.MaxValue,
		"default_limit": comp.DefaultLimit,
	}
	if comp.LimitPeriod != "" {
		payload["limit_period"] = string(comp.LimitPeriod)
	}
	return payload
}
