package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/waldur/waldur-site-agent/pkg/backends"
	"github.com/waldur/waldur-site-agent/pkg/config"
	"github.com/waldur/waldur-site-agent/pkg/log"
	"github.com/waldur/waldur-site-agent/pkg/metrics"
	"github.com/waldur/waldur-site-agent/pkg/processors"
	"github.com/waldur/waldur-site-agent/pkg/stomp"
	"github.com/waldur/waldur-site-agent/pkg/types"
	"github.com/waldur/waldur-site-agent/pkg/waldur"
)

// worker bundles the long-lived per-offering pieces: the marketplace
// client, the username manager and the backend instances. Processors
// stay disposable; the worker constructs a fresh one per cycle.
type worker struct {
	offering  *types.Offering
	client    *waldur.Client
	usernames backends.UsernameManager
	procOpts  []processors.Option
	clock     func() time.Time
	logger    zerolog.Logger

	mu           sync.Mutex
	backendByTag map[string]backends.Backend
}

func newWorker(offering *types.Offering, cfg *config.Config, mode types.AgentMode, version string) (*worker, error) {
	opts := []waldur.Option{
		waldur.WithUserAgent(fmt.Sprintf("waldur-site-agent-%s/%s", mode, version)),
	}
	if !offering.VerifySSL {
		opts = append(opts, waldur.WithInsecureTLS())
	}

	usernames, err := backends.NewUsernameManager(offering.UsernameManagementBackend, offering.BackendSettings)
	if err != nil {
		return nil, fmt.Errorf("offering %q: failed to build username manager: %w", offering.Name, err)
	}

	// All period anchoring and usage dates follow the configured timezone,
	// not the host zone.
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	clock := func() time.Time { return time.Now().In(loc) }

	return &worker{
		offering:  offering,
		client:    waldur.NewClient(offering.APIURL, offering.APIToken, opts...),
		usernames: usernames,
		procOpts: []processors.Option{
			processors.WithReportingPeriods(cfg.ReportingPeriods),
			processors.WithClock(clock),
		},
		clock:        clock,
		logger:       log.WithOffering(offering.Name, offering.UUID),
		backendByTag: map[string]backends.Backend{},
	}, nil
}

// backendFor lazily instantiates and memoizes the backend registered
// under tag. Per-concern tags usually coincide, so most offerings hold a
// single backend instance.
func (w *worker) backendFor(tag string) (backends.Backend, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if b, ok := w.backendByTag[tag]; ok {
		return b, nil
	}
	b, err := backends.New(tag, w.offering.BackendSettings, w.offering.BackendComponents)
	if err != nil {
		return nil, fmt.Errorf("offering %q: failed to build %q backend: %w", w.offering.Name, tag, err)
	}
	w.backendByTag[tag] = b
	return b, nil
}

// primaryTag is the backend serving concerns without a dedicated tag:
// event dispatch, diagnostics, offering user provisioning.
func (w *worker) primaryTag() string {
	switch {
	case w.offering.OrderProcessingBackend != "":
		return w.offering.OrderProcessingBackend
	case w.offering.MembershipSyncBackend != "":
		return w.offering.MembershipSyncBackend
	}
	return w.offering.BackendType
}

func (w *worker) processorFor(tag string) (*processors.Processor, error) {
	backend, err := w.backendFor(tag)
	if err != nil {
		return nil, err
	}
	return processors.New(w.offering, w.client, backend, w.usernames, w.procOpts...), nil
}

func (w *worker) dispatcher() (*stomp.Dispatcher, error) {
	backend, err := w.backendFor(w.primaryTag())
	if err != nil {
		return nil, err
	}
	return stomp.NewDispatcher(w.offering, w.client, backend, w.usernames, w.procOpts...), nil
}

func (w *worker) processOrders(ctx context.Context) error {
	if w.offering.OrderProcessingBackend == "" {
		return nil
	}
	p, err := w.processorFor(w.offering.OrderProcessingBackend)
	if err != nil {
		return err
	}
	return p.ProcessOrders(ctx)
}

func (w *worker) syncMemberships(ctx context.Context) error {
	if w.offering.MembershipSyncBackend == "" {
		return nil
	}
	p, err := w.processorFor(w.offering.MembershipSyncBackend)
	if err != nil {
		return err
	}
	return p.SyncMemberships(ctx)
}

func (w *worker) reportUsage(ctx context.Context) error {
	if w.offering.ReportingBackend == "" {
		return nil
	}
	p, err := w.processorFor(w.offering.ReportingBackend)
	if err != nil {
		return err
	}
	return p.ReportUsage(ctx)
}

func (w *worker) updateOfferingUsers(ctx context.Context) error {
	p, err := w.processorFor(w.primaryTag())
	if err != nil {
		return err
	}
	return p.UpdateOfferingUsers(ctx)
}

func (w *worker) healthCheck(ctx context.Context) {
	if err := w.client.Ping(ctx, w.offering.UUID); err != nil {
		metrics.HealthChecksTotal.WithLabelValues(w.offering.Name, "error").Inc()
		w.logger.Warn().Err(err).Msg("marketplace health check failed")
		return
	}
	metrics.HealthChecksTotal.WithLabelValues(w.offering.Name, "ok").Inc()
	w.logger.Debug().Msg("marketplace health check ok")
}

// reconcileUsernames runs the backend-driven username sync that catches
// offering user events missed during broker downtime.
func (w *worker) reconcileUsernames(ctx context.Context) error {
	if !w.offering.UsernameReconciliationEnabled {
		return nil
	}
	backend, err := w.backendFor(w.primaryTag())
	if err != nil {
		return err
	}
	if !backend.SupportsUsernameSync() {
		return nil
	}
	return backend.SyncOfferingUserUsernames(ctx, w.offering.UUID, w.client)
}
