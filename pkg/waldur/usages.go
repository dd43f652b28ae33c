package waldur

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/waldur/waldur-site-agent/pkg/types"
)

// ComponentUsageRecord is the marketplace's stored usage row for one
// (resource, component, billing period).
type ComponentUsageRecord struct {
	UUID          string `json:"uuid"`
	ResourceUUID  string `json:"resource_uuid"`
	Type          string `json:"type"`
	Usage         int64  `json:"usage"`
	BillingPeriod string `json:"billing_period"`
}

// SetResourceUsage submits resource-level usage for a billing period. The
// marketplace overwrites prior values for the same period, so resubmission
// is idempotent.
func (c *Client) SetResourceUsage(ctx context.Context, resourceUUID string, date time.Time, usages []types.ComponentUsage) error {
	payload := map[string]any{
		"resource": resourceUUID,
		"date":     date.Format("2006-01-02"),
		"usages":   usages,
	}
	if err := c.post(ctx, "/api/marketplace-component-usages/set_usage/", payload, nil); err != nil {
		return fmt.Errorf("failed to set usage of resource %s: %w", resourceUUID, err)
	}
	return nil
}

// SetUserUsage submits a per-user usage row keyed by the component usage
// record created by SetResourceUsage.
func (c *Client) SetUserUsage(ctx context.Context, componentUsageUUID, username string, amount int64) error {
	path := fmt.Sprintf("/api/marketplace-component-usages/%s/set_user_usage/", componentUsageUUID)
	payload := map[string]any{
		"username": username,
		"usage":    amount,
	}
	if err := c.post(ctx, path, payload, nil); err != nil {
		return fmt.Errorf("failed to set user usage for %s: %w", username, err)
	}
	return nil
}

// ListComponentUsages fetches the stored usage rows of a resource for one
// billing period (first day of the month).
func (c *Client) ListComponentUsages(ctx context.Context, resourceUUID string, year, month int) ([]ComponentUsageRecord, error) {
	q := url.Values{}
	q.Set("resource_uuid", resourceUUID)
	q.Set("billing_period", fmt.Sprintf("%04d-%02d-01", year, month))

	var records []ComponentUsageRecord
	if err := listInto(ctx, c, "/api/marketplace-component-usages/", q, &records); err != nil {
		return nil, fmt.Errorf("failed to list component usages of %s: %w", resourceUUID, err)
	}
	return records, nil
}
