package waldur

import (
	"context"
	"fmt"

	"github.com/waldur/waldur-site-agent/pkg/types"
)

// orderFields is the projection requested on order list calls; keep it in
// sync with the fields the order processor actually reads.
var orderFields = []string{
	"uuid", "type", "state", "marketplace_resource_uuid", "resource_name",
	"project_uuid", "project_name", "customer_uuid", "offering_uuid",
	"limits", "attributes", "backend_id", "error_message",
}

// ListOrdersForProcessing fetches the offering's orders in the given
// states, field-projected and fully paginated.
func (c *Client) ListOrdersForProcessing(ctx context.Context, offeringUUID string, states ...types.OrderState) ([]types.Order, error) {
	q := fieldQuery(orderFields...)
	q.Set("offering_uuid", offeringUUID)
	for _, s := range states {
		q.Add("state", string(s))
	}

	var orders []types.Order
	if err := listInto(ctx, c, "/api/marketplace-orders/", q, &orders); err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

// GetOrder retrieves a single order by UUID.
func (c *Client) GetOrder(ctx context.Context, orderUUID string) (*types.Order, error) {
	var order types.Order
	path := fmt.Sprintf("/api/marketplace-orders/%s/", orderUUID)
	if err := c.get(ctx, path, nil, &order); err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", orderUUID, err)
	}
	return &order, nil
}

// ApproveOrderByProvider approves a pending-provider order. A 409 means
// the approval was already applied and is treated as success.
func (c *Client) ApproveOrderByProvider(ctx context.Context, orderUUID string) error {
	path := fmt.Sprintf("/api/marketplace-orders/%s/approve_by_provider/", orderUUID)
	err := c.post(ctx, path, nil, nil)
	if err != nil && !IsConflict(err) {
		return fmt.Errorf("failed to approve order %s: %w", orderUUID, err)
	}
	return nil
}

// MarkOrderDone transitions an executing order to done.
func (c *Client) MarkOrderDone(ctx context.Context, orderUUID string) error {
	path := fmt.Sprintf("/api/marketplace-orders/%s/set_state_done/", orderUUID)
	err := c.post(ctx, path, nil, nil)
	if err != nil && !IsConflict(err) {
		return fmt.Errorf("failed to mark order %s done: %w", orderUUID, err)
	}
	return nil
}

// MarkOrderErred transitions an order to erred with operator-visible
// message and traceback.
func (c *Client) MarkOrderErred(ctx context.Context, orderUUID, message, traceback string) error {
	path := fmt.Sprintf("/api/marketplace-orders/%s/set_state_erred/", orderUUID)
	payload := map[string]string{
		"error_message":   message,
		"error_traceback": traceback,
	}
	err := c.post(ctx, path, payload, nil)
	if err != nil && !IsConflict(err) {
		return fmt.Errorf("failed to mark order %s erred: %w", orderUUID, err)
	}
	return nil
}

// SetOrderBackendID persists the downstream order identifier used by
// asynchronous backends to resume across cycles.
func (c *Client) SetOrderBackendID(ctx context.Context, orderUUID, backendID string) error {
	path := fmt.Sprintf("/api/marketplace-orders/%s/set_backend_id/", orderUUID)
	payload := map[string]string{"backend_id": backendID}
	if err := c.post(ctx, path, payload, nil); err != nil {
		return fmt.Errorf("failed to set order %s backend id: %w", orderUUID, err)
	}
	return nil
}
