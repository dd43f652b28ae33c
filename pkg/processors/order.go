package processors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/waldur/waldur-site-agent/pkg/backends"
	"github.com/waldur/waldur-site-agent/pkg/metrics"
	"github.com/waldur/waldur-site-agent/pkg/types"
)

// ProcessOrders runs one order processing cycle: every non-terminal order
// of the offering is driven towards a terminal state. Per-order failures
// are logged and do not abort the cycle.
func (p *Processor) ProcessOrders(ctx context.Context) error {
	timer := prometheus.NewTimer(metrics.OrderCycleDuration.WithLabelValues(p.offering.Name))
	defer timer.ObserveDuration()

	orders, err := p.client.ListOrdersForProcessing(ctx, p.offering.UUID,
		types.OrderStatePendingProvider, types.OrderStateExecuting)
	if err != nil {
		return fmt.Errorf("failed to fetch orders: %w", err)
	}

	for i := range orders {
		order := orders[i]
		if err := p.ProcessOrder(ctx, &order); err != nil {
			p.logger.Error().Err(err).
				Str("order_uuid", order.UUID).
				Str("order_type", string(order.Type)).
				Msg("order processing failed")
		}
	}
	return nil
}

// ProcessOrder drives a single order through approval and backend
// dispatch. The STOMP order handler and the polling cycle share this
// path.
func (p *Processor) ProcessOrder(ctx context.Context, order *types.Order) error {
	if order.State.Terminal() {
		return nil
	}

	logger := p.logger.With().Str("order_uuid", order.UUID).Logger()

	if order.State == types.OrderStatePendingProvider {
		if err := p.client.ApproveOrderByProvider(ctx, order.UUID); err != nil {
			return fmt.Errorf("approval failed: %w", err)
		}
		order.State = types.OrderStateExecuting
		logger.Info().Msg("order approved")
	}

	var err error
	switch order.Type {
	case types.OrderTypeCreate:
		err = p.processCreateOrder(ctx, order)
	case types.OrderTypeUpdate:
		err = p.processUpdateOrder(ctx, order)
	case types.OrderTypeTerminate:
		err = p.processTerminateOrder(ctx, order)
	default:
		err = p.failOrder(ctx, order, fmt.Errorf("unknown order type %q", order.Type))
	}
	return err
}

// processCreateOrder handles both the synchronous and the asynchronous
// creation paths. An executing order with a backend id is a follow-up
// cycle of an asynchronous creation.
func (p *Processor) processCreateOrder(ctx context.Context, order *types.Order) error {
	if p.backend.SupportsAsyncOrders() && order.BackendID != "" {
		return p.checkPendingCreate(ctx, order)
	}

	resource, err := p.client.GetResource(ctx, order.ResourceUUID)
	if err != nil {
		return fmt.Errorf("failed to fetch resource of order: %w", err)
	}

	// A resource that already carries a backend id was provisioned in a
	// prior cycle whose set-state-done call failed. Finish the order
	// without touching the backend again.
	if resource.BackendID != "" {
		p.logger.Info().
			Str("order_uuid", order.UUID).
			Str("backend_id", resource.BackendID).
			Msg("resource already provisioned, completing order")
		return p.completeOrder(ctx, order)
	}

	if order.Limits != nil {
		resource.Limits = order.Limits
	}

	userCtx, err := p.buildUserContext(ctx, resource)
	if err != nil {
		// Membership is seeded opportunistically at create time; the
		// membership cycle reconciles the roster afterwards.
		p.logger.Warn().Err(err).Msg("failed to build user context for creation")
		userCtx = backends.UserContext{}
	}

	var result backends.CreateResult
	err = p.retryBackend(ctx, func() error {
		var createErr error
		result, createErr = p.backend.CreateResource(ctx, resource, userCtx)
		return createErr
	})
	if err != nil {
		return p.failOrder(ctx, order, err)
	}

	if result.PendingOrderID != "" {
		if err := p.client.SetOrderBackendID(ctx, order.UUID, result.PendingOrderID); err != nil {
			return fmt.Errorf("failed to persist pending order id: %w", err)
		}
		order.BackendID = result.PendingOrderID
		p.logger.Info().
			Str("order_uuid", order.UUID).
			Str("pending_order_id", result.PendingOrderID).
			Msg("creation submitted, waiting for downstream order")
		return nil
	}

	// Record the backend id before touching order state: if the
	// set-state-done call fails the next cycle must find the id on the
	// resource and not provision twice.
	if err := p.client.SetResourceBackendID(ctx, order.ResourceUUID, result.BackendID); err != nil {
		return fmt.Errorf("failed to record resource backend id: %w", err)
	}

	p.logger.Info().
		Str("order_uuid", order.UUID).
		Str("backend_id", result.BackendID).
		Msg("resource provisioned")
	return p.completeOrder(ctx, order)
}

func (p *Processor) checkPendingCreate(ctx context.Context, order *types.Order) error {
	backendID, err := p.backend.CheckPendingOrder(ctx, order.BackendID)
	if err != nil {
		var be *backends.BackendError
		if errors.As(err, &be) && be.Terminal {
			return p.failOrder(ctx, order, err)
		}
		return fmt.Errorf("failed to check pending order %s: %w", order.BackendID, err)
	}
	if backendID == "" {
		p.logger.Debug().
			Str("order_uuid", order.UUID).
			Str("pending_order_id", order.BackendID).
			Msg("downstream order still executing")
		return nil
	}

	if err := p.client.SetResourceBackendID(ctx, order.ResourceUUID, backendID); err != nil {
		return fmt.Errorf("failed to record resource backend id: %w", err)
	}
	return p.completeOrder(ctx, order)
}

func (p *Processor) processUpdateOrder(ctx context.Context, order *types.Order) error {
	resource, err := p.client.GetResource(ctx, order.ResourceUUID)
	if err != nil {
		return fmt.Errorf("failed to fetch resource of order: %w", err)
	}
	if resource.BackendID == "" {
		return p.failOrder(ctx, order, fmt.Errorf("resource %s has no backend id", resource.UUID))
	}

	err = p.retryBackend(ctx, func() error {
		return p.backend.UpdateLimits(ctx, resource.BackendID, order.Limits)
	})
	if err != nil {
		return p.failOrder(ctx, order, err)
	}
	return p.completeOrder(ctx, order)
}

func (p *Processor) processTerminateOrder(ctx context.Context, order *types.Order) error {
	resource, err := p.client.GetResource(ctx, order.ResourceUUID)
	if err != nil {
		return fmt.Errorf("failed to fetch resource of order: %w", err)
	}

	// Never provisioned: nothing to remove on the backend.
	if resource.BackendID == "" {
		return p.completeOrder(ctx, order)
	}

	err = p.retryBackend(ctx, func() error {
		return p.backend.DeleteResource(ctx, resource.BackendID)
	})
	if err != nil {
		return p.failOrder(ctx, order, err)
	}
	return p.completeOrder(ctx, order)
}

func (p *Processor) completeOrder(ctx context.Context, order *types.Order) error {
	if err := p.client.MarkOrderDone(ctx, order.UUID); err != nil {
		return fmt.Errorf("failed to mark order done: %w", err)
	}
	order.State = types.OrderStateDone
	metrics.OrdersProcessedTotal.WithLabelValues(p.offering.Name, string(order.Type), "done").Inc()
	p.logger.Info().Str("order_uuid", order.UUID).Msg("order done")
	return nil
}

func (p *Processor) failOrder(ctx context.Context, order *types.Order, cause error) error {
	traceback := fmt.Sprintf("%+v", cause)
	if err := p.client.MarkOrderErred(ctx, order.UUID, cause.Error(), traceback); err != nil {
		return fmt.Errorf("failed to mark order erred (cause: %v): %w", cause, err)
	}
	order.State = types.OrderStateErred
	metrics.OrdersProcessedTotal.WithLabelValues(p.offering.Name, string(order.Type), "erred").Inc()
	p.logger.Warn().Err(cause).Str("order_uuid", order.UUID).Msg("order erred")
	return nil
}

// retryBackend runs a backend call under the per-order retry budget.
// Terminal backend errors fail fast; transient ones back off
// exponentially until the budget is exhausted.
func (p *Processor) retryBackend(ctx context.Context, op func() error) error {
	return retry.Do(
		op,
		retry.Attempts(p.orderRetries),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(time.Second),
		retry.RetryIf(func(err error) bool {
			var be *backends.BackendError
			if errors.As(err, &be) {
				return !be.Terminal
			}
			return true
		}),
	)
}

func (p *Processor) buildUserContext(ctx context.Context, resource *types.Resource) (backends.UserContext, error) {
	team, err := p.cache.TeamForResource(ctx, resource)
	if err != nil {
		return backends.UserContext{}, err
	}
	users, err := p.cache.OfferingUsers(ctx)
	if err != nil {
		return backends.UserContext{}, err
	}
	return backends.UserContext{Team: team, OfferingUsers: users}, nil
}
