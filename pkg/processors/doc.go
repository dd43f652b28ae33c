/*
Package processors implements the per-offering reconciliation pipelines:
order processing, membership synchronization, usage reporting, and the
offering user provisioning state machine.

A Processor is disposable. Construct one per cycle (or per broker event),
run exactly one pass, and discard it:

	p := processors.New(offering, client, backend, usernames)
	if err := p.ProcessOrders(ctx); err != nil { ... }

This gives every cycle a fresh per-cycle cache: marketplace snapshots
(offering users, project teams, service and course accounts) are fetched
at most once per cycle and are never shared across cycles or threads, so
polling passes and STOMP handlers can run concurrently against the same
offering. Correctness under that concurrency comes from idempotent
writes, not locking: duplicate approvals are marketplace 409 no-ops,
usage set calls overwrite, membership sync converges on re-run.

Order processing keeps the backend id as the idempotency anchor. The
backend id is written to the resource before the order is marked done, so
a failed set-state-done call is retried by the next cycle without
provisioning twice. Asynchronous backends round-trip a pending order id
through the order's backend_id field instead.
*/
package processors
