package agent

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/waldur/waldur-site-agent/pkg/config"
	"github.com/waldur/waldur-site-agent/pkg/log"
	"github.com/waldur/waldur-site-agent/pkg/metrics"
	"github.com/waldur/waldur-site-agent/pkg/stomp"
	"github.com/waldur/waldur-site-agent/pkg/types"
)

const (
	healthCheckInterval       = 30 * time.Minute
	usernameReconcileInterval = time.Hour
)

// ErrInterrupted is returned by Run when the user cancels with SIGINT,
// so the CLI can exit 130 instead of 0.
var ErrInterrupted = errors.New("interrupted")

// Supervisor owns the per-offering workers and the mode's main loop.
type Supervisor struct {
	cfg     *config.Config
	mode    types.AgentMode
	version string
	workers []*worker
	logger  zerolog.Logger

	stopCh chan struct{}

	// mu guards consumers and stopped: the event loop registers consumers
	// while the signal handler may be shutting down.
	mu        sync.Mutex
	consumers []*stomp.Consumer
	stopped   bool
}

// New builds a supervisor with one worker per configured offering.
func New(cfg *config.Config, mode types.AgentMode, version string) (*Supervisor, error) {
	s := &Supervisor{
		cfg:     cfg,
		mode:    mode,
		version: version,
		logger:  log.WithComponent("supervisor").With().Str("mode", string(mode)).Logger(),
		stopCh:  make(chan struct{}),
	}
	for _, offering := range cfg.RuntimeOfferings() {
		w, err := newWorker(offering, cfg, mode, version)
		if err != nil {
			return nil, err
		}
		s.workers = append(s.workers, w)
	}
	return s, nil
}

// Run executes the mode's main loop until a signal arrives or the
// context is canceled. SIGTERM, SIGQUIT and SIGTSTP stop gracefully;
// SIGINT additionally surfaces ErrInterrupted. Marketplace-side event
// subscriptions survive shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.cfg.MetricsAddress != "" {
		go func() {
			if err := metrics.Serve(s.cfg.MetricsAddress); err != nil {
				s.logger.Error().Err(err).Str("address", s.cfg.MetricsAddress).Msg("metrics listener failed")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGTSTP)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		if s.mode == types.ModeEventProcess {
			errCh <- s.runEventMode(ctx)
		} else {
			errCh <- s.runPollingMode(ctx)
		}
	}()

	select {
	case sig := <-sigCh:
		s.logger.Info().Str("signal", sig.String()).Msg("shutting down")
		s.stop()
		cancel()
		<-errCh
		if sig == syscall.SIGINT {
			return ErrInterrupted
		}
		return nil
	case err := <-errCh:
		s.stop()
		return err
	}
}

func (s *Supervisor) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	consumers := s.consumers
	s.mu.Unlock()

	close(s.stopCh)
	for _, c := range consumers {
		c.Stop()
	}
}

// addConsumers registers started consumers for shutdown. It reports
// false once the supervisor has stopped; the caller then owns stopping
// them.
func (s *Supervisor) addConsumers(consumers []*stomp.Consumer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.consumers = append(s.consumers, consumers...)
	return true
}

// runPollingMode iterates every offering once per interval. The first
// pass runs immediately.
func (s *Supervisor) runPollingMode(ctx context.Context) error {
	for _, w := range s.workers {
		if _, err := RegisterAgent(ctx, w.client, w.offering, s.mode, s.version); err != nil {
			w.logger.Warn().Err(err).Msg("agent registration failed")
		}
	}

	interval := s.pollInterval()
	s.logger.Info().Dur("interval", interval).Int("offerings", len(s.workers)).Msg("starting polling loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.pollOnce(ctx, s.workers)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			s.pollOnce(ctx, s.workers)
		}
	}
}

func (s *Supervisor) pollInterval() time.Duration {
	switch s.mode {
	case types.ModeReport:
		return config.DefaultReportInterval
	case types.ModeMembershipSync:
		return config.DefaultMembershipInterval
	}
	return config.DefaultOrderInterval
}

// pollOnce runs one pass over the workers. A failing offering never
// blocks the others.
func (s *Supervisor) pollOnce(ctx context.Context, workers []*worker) {
	for _, w := range workers {
		if err := s.runModePass(ctx, w); err != nil {
			w.logger.Error().Err(err).Msg("processing cycle failed")
		}
	}
}

func (s *Supervisor) runModePass(ctx context.Context, w *worker) error {
	switch s.mode {
	case types.ModeReport:
		return w.reportUsage(ctx)
	case types.ModeMembershipSync:
		if err := w.updateOfferingUsers(ctx); err != nil {
			w.logger.Error().Err(err).Msg("offering user sync failed")
		}
		return w.syncMemberships(ctx)
	}
	return w.processOrders(ctx)
}

// runEventMode catches up with a full reconciliation pass, subscribes to
// broker events, and then only wakes for maintenance timers. Offerings
// without a working broker setup fall back to order polling.
func (s *Supervisor) runEventMode(ctx context.Context) error {
	s.initialPass(ctx)

	var fallback []*worker
	for _, w := range s.workers {
		if !w.offering.StompEnabled {
			if w.offering.MQTTEnabled {
				w.logger.Warn().Msg("mqtt transport is not supported, using polling")
			} else {
				w.logger.Info().Msg("events disabled for offering, using polling")
			}
			fallback = append(fallback, w)
			continue
		}
		if err := s.startConsumers(ctx, w); err != nil {
			w.logger.Warn().Err(err).Msg("event subscription setup failed, falling back to polling")
			fallback = append(fallback, w)
		}
	}

	healthTicker := time.NewTicker(healthCheckInterval)
	defer healthTicker.Stop()
	reconcileTicker := time.NewTicker(usernameReconcileInterval)
	defer reconcileTicker.Stop()
	pollTicker := time.NewTicker(config.DefaultOrderInterval)
	defer pollTicker.Stop()
	membershipTicker := time.NewTicker(config.DefaultMembershipInterval)
	defer membershipTicker.Stop()

	// Both maintenance passes run once at startup, then on their tickers.
	s.runHealthChecks(ctx)
	s.runUsernameReconciliation(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case <-healthTicker.C:
			s.runHealthChecks(ctx)
		case <-reconcileTicker.C:
			s.runUsernameReconciliation(ctx)
		case <-pollTicker.C:
			s.pollFallbackOrders(ctx, fallback)
		case <-membershipTicker.C:
			s.syncFallbackMemberships(ctx, fallback)
		}
	}
}

func (s *Supervisor) pollFallbackOrders(ctx context.Context, fallback []*worker) {
	for _, w := range fallback {
		if err := w.processOrders(ctx); err != nil {
			w.logger.Error().Err(err).Msg("order cycle failed")
		}
	}
}

// syncFallbackMemberships covers the membership and offering user
// concerns that broker events would have served for offerings running
// without one.
func (s *Supervisor) syncFallbackMemberships(ctx context.Context, fallback []*worker) {
	for _, w := range fallback {
		if err := w.updateOfferingUsers(ctx); err != nil {
			w.logger.Error().Err(err).Msg("offering user sync failed")
		}
		if err := w.syncMemberships(ctx); err != nil {
			w.logger.Error().Err(err).Msg("membership cycle failed")
		}
	}
}

// initialPass brings every offering up to date before subscribing, so
// events missed while the agent was down are not lost.
func (s *Supervisor) initialPass(ctx context.Context) {
	for _, w := range s.workers {
		if err := w.processOrders(ctx); err != nil {
			w.logger.Error().Err(err).Msg("initial order cycle failed")
		}
		if err := w.updateOfferingUsers(ctx); err != nil {
			w.logger.Error().Err(err).Msg("initial offering user sync failed")
		}
		if err := w.syncMemberships(ctx); err != nil {
			w.logger.Error().Err(err).Msg("initial membership cycle failed")
		}
	}
}

func (s *Supervisor) startConsumers(ctx context.Context, w *worker) error {
	identity, err := RegisterAgent(ctx, w.client, w.offering, types.ModeEventProcess, s.version)
	if err != nil {
		return err
	}
	subs, err := SetupEventSubscriptions(ctx, w.client, w.offering, identity)
	if err != nil {
		return err
	}
	disp, err := w.dispatcher()
	if err != nil {
		return err
	}

	started := make([]*stomp.Consumer, 0, len(subs))
	for _, sub := range subs {
		objectType := types.ObjectType(sub.ObjectType)
		consumer := stomp.NewConsumer(w.offering, sub, objectType, disp.HandlerFor(objectType))
		if err := consumer.Start(ctx); err != nil {
			for _, c := range started {
				c.Stop()
			}
			return err
		}
		started = append(started, consumer)
	}
	if !s.addConsumers(started) {
		for _, c := range started {
			c.Stop()
		}
	}
	return nil
}

func (s *Supervisor) runHealthChecks(ctx context.Context) {
	for _, w := range s.workers {
		w.healthCheck(ctx)
	}
}

func (s *Supervisor) runUsernameReconciliation(ctx context.Context) {
	for _, w := range s.workers {
		if err := w.reconcileUsernames(ctx); err != nil {
			w.logger.Error().Err(err).Msg("username reconciliation failed")
		}
	}
}
