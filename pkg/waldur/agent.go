package waldur

import (
	"context"
	"fmt"
	"net/url"

	"github.com/waldur/waldur-site-agent/pkg/types"
)

// RegisterAgentIdentity creates or refreshes this agent's identity for the
// offering. The marketplace deduplicates on (name, offering), so repeated
// registration returns the existing identity.
func (c *Client) RegisterAgentIdentity(ctx context.Context, name, offeringUUID, version string) (*types.AgentIdentity, error) {
	payload := map[string]string{
		"name":          name,
		"offering_uuid": offeringUUID,
		"version":       version,
	}
	var identity types.AgentIdentity
	err := c.post(ctx, "/api/agent-identities/", payload, &identity)
	if IsConflict(err) {
		return c.getAgentIdentity(ctx, name, offeringUUID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to register agent identity: %w", err)
	}
	return &identity, nil
}

func (c *Client) getAgentIdentity(ctx context.Context, name, offeringUUID string) (*types.AgentIdentity, error) {
	q := url.Values{}
	q.Set("name", name)
	q.Set("offering_uuid", offeringUUID)

	var identities []types.AgentIdentity
	if err := listInto(ctx, c, "/api/agent-identities/", q, &identities); err != nil {
		return nil, fmt.Errorf("failed to look up agent identity: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("agent identity %q not found after conflict", name)
	}
	return &identities[0], nil
}

// RegisterAgentService registers one running mode under the identity.
func (c *Client) RegisterAgentService(ctx context.Context, identityUUID string, mode types.AgentMode, backendType, backendVersion string) (*types.AgentService, error) {
	payload := map[string]string{
		"agent_identity_uuid": identityUUID,
		"mode":                string(mode),
		"backend_type":        backendType,
		"backend_version":     backendVersion,
	}
	var service types.AgentService
	if err := c.post(ctx, "/api/agent-services/", payload, &service); err != nil && !IsConflict(err) {
		return nil, fmt.Errorf("failed to register agent service: %w", err)
	}
	return &service, nil
}

// RegisterAgentProcessor registers one processor pipeline under a service.
func (c *Client) RegisterAgentProcessor(ctx context.Context, serviceUUID, processorType string) (*types.AgentProcessor, error) {
	payload := map[string]string{
		"agent_service_uuid": serviceUUID,
		"processor_type":     processorType,
	}
	var processor types.AgentProcessor
	if err := c.post(ctx, "/api/agent-processors/", payload, &processor); err != nil && !IsConflict(err) {
		return nil, fmt.Errorf("failed to register agent processor: %w", err)
	}
	return &processor, nil
}

// CreateEventSubscription registers an (identity, object type) broker
// subscription. The response carries the per-subscription vhost (the
// owning user's UUID), the broker username (the subscription UUID) and
// the queue name.
func (c *Client) CreateEventSubscription(ctx context.Context, identityUUID string, objectType types.ObjectType) (*types.EventSubscription, error) {
	payload := map[string]string{
		"agent_identity_uuid":    identityUUID,
		"observable_object_type": string(objectType),
	}
	var sub types.EventSubscription
	if err := c.post(ctx, "/api/event-subscriptions/", payload, &sub); err != nil {
		return nil, fmt.Errorf("failed to create %s event subscription: %w", objectType, err)
	}
	return &sub, nil
}

// CreateEventSubscriptionQueue asks the marketplace to provision the
// broker queue behind a subscription. Already-provisioned queues conflict
// and are treated as success.
func (c *Client) CreateEventSubscriptionQueue(ctx context.Context, subscriptionUUID string) error {
	path := fmt.Sprintf("/api/event-subscriptions/%s/create_queue/", subscriptionUUID)
	err := c.post(ctx, path, nil, nil)
	if err != nil && !IsConflict(err) {
		return fmt.Errorf("failed to create queue for subscription %s: %w", subscriptionUUID, err)
	}
	return nil
}
