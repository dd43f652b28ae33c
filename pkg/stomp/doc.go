/*
Package stomp maintains the agent's persistent event subscriptions: one
STOMP-over-WebSocket consumer per (offering, object type) pair.

The websocket connection (gorilla) is wrapped as an io.ReadWriteCloser
and handed to the STOMP library, which owns framing and heartbeats
(10s both directions). The initial connect is bounded so the supervisor
can fall back to polling for a misconfigured offering; once running,
reconnection is unbounded with exponential backoff from 1s, doubling to
a 60s cap with 25% jitter. A per-consumer lock ensures a burst of
disconnect signals produces exactly one reconnection goroutine.

Handlers are thin: decode the frame, filter, construct a fresh
processor, invoke the same pipeline the polling loops use. Delivery is
at-least-once; the pipelines are idempotent.
*/
package stomp
