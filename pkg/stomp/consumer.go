package stomp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	gostomp "github.com/go-stomp/stomp/v3"
	"github.com/rs/zerolog"

	"github.com/waldur/waldur-site-agent/pkg/log"
	"github.com/waldur/waldur-site-agent/pkg/metrics"
	"github.com/waldur/waldur-site-agent/pkg/types"
)

const (
	heartbeatInterval      = 10 * time.Second
	initialConnectAttempts = 5

	reconnectInitialInterval = time.Second
	reconnectMaxInterval     = 60 * time.Second
)

// Handler processes one decoded broker event.
type Handler func(ctx context.Context, event types.Event) error

// session is one established broker connection.
type session interface {
	Messages() <-chan *gostomp.Message
	Close() error
}

type connectFunc func(ctx context.Context) (session, error)

// Consumer supervises one persistent STOMP subscription for an
// (offering, object type) pair. The initial connect is bounded;
// reconnection after a disconnect retries forever with capped jittered
// backoff, and at most one reconnection attempt runs at a time.
type Consumer struct {
	offering   *types.Offering
	sub        types.EventSubscription
	objectType types.ObjectType
	handler    Handler
	logger     zerolog.Logger

	connect connectFunc

	// reconnectMu is the per-listener reconnect lock: concurrent
	// disconnect signals coalesce into one reconnection goroutine.
	reconnectMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConsumer builds a consumer for one event subscription.
func NewConsumer(offering *types.Offering, sub types.EventSubscription, objectType types.ObjectType, handler Handler) *Consumer {
	c := &Consumer{
		offering:   offering,
		sub:        sub,
		objectType: objectType,
		handler:    handler,
		logger: log.WithOffering(offering.Name, offering.UUID).With().
			Str("object_type", string(objectType)).Logger(),
		stopCh: make(chan struct{}),
	}
	c.connect = c.dial
	return c
}

// Start establishes the subscription and launches the receive loop. The
// initial connect is bounded so a misconfigured offering fails fast and
// the supervisor can fall back to polling.
func (c *Consumer) Start(ctx context.Context) error {
	bo := newReconnectBackoff()

	var sess session
	var err error
	for attempt := 1; attempt <= initialConnectAttempts; attempt++ {
		sess, err = c.connect(ctx)
		if err == nil {
			break
		}
		if attempt == initialConnectAttempts {
			return fmt.Errorf("broker connect failed after %d attempts: %w", initialConnectAttempts, err)
		}
		delay := bo.NextBackOff()
		c.logger.Warn().Err(err).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("broker connect failed")
		select {
		case <-time.After(delay):
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.logger.Info().Str("destination", c.destination()).Msg("subscribed to broker events")
	c.wg.Add(1)
	go c.receive(ctx, sess)
	return nil
}

// Stop disconnects and waits for the receive and reconnect goroutines.
// The marketplace-side subscription stays registered; it is durable
// across agent restarts.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Consumer) destination() string {
	return fmt.Sprintf("subscription_%s_offering_%s_%s", c.sub.UUID, c.offering.UUID, c.objectType)
}

func (c *Consumer) receive(ctx context.Context, sess session) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			_ = sess.Close()
			return
		case msg, ok := <-sess.Messages():
			if !ok {
				c.handleDisconnect(ctx, sess, errors.New("subscription channel closed"))
				return
			}
			if msg.Err != nil {
				c.handleDisconnect(ctx, sess, msg.Err)
				return
			}
			c.dispatch(ctx, msg.Body)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, body []byte) {
	metrics.StompMessagesTotal.WithLabelValues(c.offering.Name, string(c.objectType)).Inc()

	var event types.Event
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn().Err(err).Msg("discarding malformed broker frame")
		return
	}
	if event.ObjectType == "" {
		event.ObjectType = c.objectType
	}
	if err := c.handler(ctx, event); err != nil {
		c.logger.Error().Err(err).
			Str("object_uuid", event.ObjectUUID).
			Msg("event handler failed")
	}
}

// handleDisconnect tears the session down and starts the single
// reconnection goroutine. Signals arriving while one is in flight are
// dropped.
func (c *Consumer) handleDisconnect(ctx context.Context, sess session, cause error) {
	_ = sess.Close()
	if !c.reconnectMu.TryLock() {
		c.logger.Debug().Msg("reconnect already in progress")
		return
	}
	c.logger.Warn().Err(cause).Msg("broker connection lost")
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.reconnectMu.Unlock()
		c.reconnect(ctx)
	}()
}

// reconnect retries forever until the broker accepts or the consumer
// stops. A lost broker never kills the process.
func (c *Consumer) reconnect(ctx context.Context) {
	bo := newReconnectBackoff()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		metrics.StompReconnectsTotal.WithLabelValues(c.offering.Name, string(c.objectType)).Inc()
		sess, err := c.connect(ctx)
		if err == nil {
			c.logger.Info().Msg("broker connection restored")
			c.wg.Add(1)
			go c.receive(ctx, sess)
			return
		}

		delay := bo.NextBackOff()
		c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("reconnect failed")
		select {
		case <-time.After(delay):
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// newReconnectBackoff builds the shared backoff schedule: 1s doubling to
// a 60s cap with 25% jitter, never giving up on elapsed time.
func newReconnectBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitialInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.25
	bo.MaxInterval = reconnectMaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// stompSession wraps the real websocket-backed STOMP connection.
type stompSession struct {
	ws   *wsConn
	conn *gostomp.Conn
	sub  *gostomp.Subscription
}

func (s *stompSession) Messages() <-chan *gostomp.Message { return s.sub.C }

func (s *stompSession) Close() error {
	err := s.conn.Disconnect()
	_ = s.ws.Close()
	return err
}

// dial performs websocket handshake, STOMP CONNECT and SUBSCRIBE. The
// broker vhost is the subscription owner's user UUID; credentials are
// the subscription UUID and the offering API token. Both heartbeat
// directions are declared so the constructor matches the CONNECT frame.
func (c *Consumer) dial(ctx context.Context) (session, error) {
	ws, err := dialWebsocket(ctx, c.offering)
	if err != nil {
		return nil, err
	}

	conn, err := gostomp.Connect(ws,
		gostomp.ConnOpt.Host(c.sub.UserUUID),
		gostomp.ConnOpt.Login(c.sub.UUID, c.offering.APIToken),
		gostomp.ConnOpt.AcceptVersion(gostomp.V12),
		gostomp.ConnOpt.HeartBeat(heartbeatInterval, heartbeatInterval),
	)
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("stomp connect failed: %w", err)
	}

	sub, err := conn.Subscribe(c.destination(), gostomp.AckAuto)
	if err != nil {
		_ = conn.Disconnect()
		_ = ws.Close()
		return nil, fmt.Errorf("stomp subscribe to %s failed: %w", c.destination(), err)
	}
	return &stompSession{ws: ws, conn: conn, sub: sub}, nil
}
