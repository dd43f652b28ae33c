package stomp

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/waldur/waldur-site-agent/pkg/backends"
	"github.com/waldur/waldur-site-agent/pkg/log"
	"github.com/waldur/waldur-site-agent/pkg/processors"
	"github.com/waldur/waldur-site-agent/pkg/types"
)

// Dispatcher maps broker object types to processor entry points. Every
// event gets a fresh processor, so handlers running on the receive
// goroutine never share cycle caches with the polling loops.
type Dispatcher struct {
	offering  *types.Offering
	client    processors.Marketplace
	backend   backends.Backend
	usernames backends.UsernameManager
	opts      []processors.Option
	logger    zerolog.Logger
}

// NewDispatcher builds a dispatcher for one offering.
func NewDispatcher(offering *types.Offering, client processors.Marketplace, backend backends.Backend, usernames backends.UsernameManager, opts ...processors.Option) *Dispatcher {
	return &Dispatcher{
		offering:  offering,
		client:    client,
		backend:   backend,
		usernames: usernames,
		opts:      opts,
		logger:    log.WithOffering(offering.Name, offering.UUID),
	}
}

// HandlerFor returns the handler for one subscribed object type.
func (d *Dispatcher) HandlerFor(objectType types.ObjectType) Handler {
	switch objectType {
	case types.ObjectTypeOrder:
		return d.handleOrder
	case types.ObjectTypeUserRole, types.ObjectTypeServiceAccount, types.ObjectTypeCourseAccount:
		return d.handleProjectEvent
	case types.ObjectTypeResource, types.ObjectTypeResourcePeriodicLimits:
		return d.handleResourceEvent
	case types.ObjectTypeOfferingUser:
		return d.handleOfferingUserEvent
	case types.ObjectTypeImportableResources:
		return d.handleImportableResources
	}
	return func(ctx context.Context, event types.Event) error {
		return fmt.Errorf("no handler for object type %q", event.ObjectType)
	}
}

func (d *Dispatcher) newProcessor() *processors.Processor {
	return processors.New(d.offering, d.client, d.backend, d.usernames, d.opts...)
}

// handleOrder runs the polling order pipeline for one order event.
// Events carrying an already-terminal state are dropped without a
// marketplace round trip.
func (d *Dispatcher) handleOrder(ctx context.Context, event types.Event) error {
	if types.OrderState(event.State).Terminal() {
		d.logger.Debug().
			Str("order_uuid", event.ObjectUUID).
			Str("state", event.State).
			Msg("ignoring terminal order event")
		return nil
	}
	order, err := d.client.GetOrder(ctx, event.ObjectUUID)
	if err != nil {
		return fmt.Errorf("failed to fetch order %s: %w", event.ObjectUUID, err)
	}
	return d.newProcessor().ProcessOrder(ctx, order)
}

// handleProjectEvent re-syncs membership for every resource of the
// event's project. Role changes and account changes share this path.
func (d *Dispatcher) handleProjectEvent(ctx context.Context, event types.Event) error {
	if event.ProjectUUID == "" {
		d.logger.Debug().Str("object_uuid", event.ObjectUUID).Msg("project event without project uuid")
		return nil
	}
	return d.newProcessor().SyncProjectMemberships(ctx, event.ProjectUUID)
}

func (d *Dispatcher) handleResourceEvent(ctx context.Context, event types.Event) error {
	return d.newProcessor().SyncSingleResource(ctx, event.ObjectUUID)
}

// handleOfferingUserEvent re-runs the provisioning state machine and
// forwards attribute updates to backends that accept them.
func (d *Dispatcher) handleOfferingUserEvent(ctx context.Context, event types.Event) error {
	p := d.newProcessor()
	if err := p.UpdateOfferingUsers(ctx); err != nil {
		return err
	}
	if username, ok := event.Attributes["username"].(string); ok {
		return p.ForwardUserAttributes(ctx, username, event.Attributes)
	}
	return nil
}

// handleImportableResources only records the signal: resource import is
// an operator-driven action, not an automatic one.
func (d *Dispatcher) handleImportableResources(ctx context.Context, event types.Event) error {
	d.logger.Info().
		Str("object_uuid", event.ObjectUUID).
		Msg("importable resources reported for offering")
	return nil
}
