package agent

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/waldur/waldur-site-agent/pkg/log"
	"github.com/waldur/waldur-site-agent/pkg/types"
	"github.com/waldur/waldur-site-agent/pkg/waldur"
)

// subscriptionStateFile records the active event subscriptions as a YAML
// map {object_type: subscription_uuid}. Advisory only: resumption is
// driven by the marketplace, not by this file. Variable so tests can
// redirect it.
var subscriptionStateFile = "/var/run/waldur_site_agent.pid"

// stateFileMu serializes writers across all offerings in the process.
var stateFileMu sync.Mutex

// RegisterAgent registers this agent's identity and one service for the
// running mode, then tags one processor per enabled concern. Repeated
// registration is a refresh; the marketplace deduplicates.
func RegisterAgent(ctx context.Context, client *waldur.Client, offering *types.Offering, mode types.AgentMode, version string) (*types.AgentIdentity, error) {
	identity, err := client.RegisterAgentIdentity(ctx, identityName(offering), offering.UUID, version)
	if err != nil {
		return nil, err
	}

	service, err := client.RegisterAgentService(ctx, identity.UUID, mode, offering.BackendType, version)
	if err != nil {
		return nil, err
	}

	for _, concern := range enabledConcerns(offering) {
		if _, err := client.RegisterAgentProcessor(ctx, service.UUID, concern); err != nil {
			return nil, err
		}
	}
	return identity, nil
}

// SetupEventSubscriptions creates one broker subscription per object type
// the offering's capabilities call for, provisions the queues and records
// the subscriptions in the advisory state file.
func SetupEventSubscriptions(ctx context.Context, client *waldur.Client, offering *types.Offering, identity *types.AgentIdentity) ([]types.EventSubscription, error) {
	objectTypes := offering.EventObjectTypes()
	subs := make([]types.EventSubscription, 0, len(objectTypes))

	for _, objectType := range objectTypes {
		sub, err := client.CreateEventSubscription(ctx, identity.UUID, objectType)
		if err != nil {
			return nil, err
		}
		if err := client.CreateEventSubscriptionQueue(ctx, sub.UUID); err != nil {
			return nil, err
		}
		if sub.ObjectType == "" {
			sub.ObjectType = string(objectType)
		}
		subs = append(subs, *sub)
	}

	if err := recordSubscriptions(subs); err != nil {
		// Advisory state, never fatal.
		logger := log.WithOffering(offering.Name, offering.UUID)
		logger.Warn().Err(err).
			Str("path", subscriptionStateFile).
			Msg("failed to write subscription state file")
	}
	return subs, nil
}

func identityName(offering *types.Offering) string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "waldur-site-agent"
	}
	return fmt.Sprintf("%s-%s", hostname, offering.Name)
}

func enabledConcerns(offering *types.Offering) []string {
	var concerns []string
	if offering.OrderProcessingBackend != "" {
		concerns = append(concerns, string(types.ModeOrderProcess))
	}
	if offering.MembershipSyncBackend != "" {
		concerns = append(concerns, string(types.ModeMembershipSync))
	}
	if offering.ReportingBackend != "" {
		concerns = append(concerns, string(types.ModeReport))
	}
	return concerns
}

// recordSubscriptions merges the subscriptions into the state file under
// the process-wide lock.
func recordSubscriptions(subs []types.EventSubscription) error {
	if len(subs) == 0 {
		return nil
	}

	stateFileMu.Lock()
	defer stateFileMu.Unlock()

	state := map[string]string{}
	if data, err := os.ReadFile(subscriptionStateFile); err == nil {
		_ = yaml.Unmarshal(data, &state)
	}
	for _, sub := range subs {
		state[sub.ObjectType] = sub.UUID
	}

	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode subscription state: %w", err)
	}
	return os.WriteFile(subscriptionStateFile, data, 0o644)
}
