/*
Package waldur is the typed, retrying HTTP facade over the marketplace API.

One Client exists per offering and carries its endpoint, token and TLS
policy. Every list call requests field projections (only the fields the
caller reads) and state filters where applicable, and transparently follows
pagination until exhausted.

Failures are classified into the retry taxonomy the rest of the agent
relies on:

  - TransientError: connect/timeout failures and 5xx responses, retried
    with exponential backoff inside doWithRetry.
  - RateLimitedError: 429, retried honoring Retry-After when present.
  - PermanentError: other 4xx, failed fast. 409 conflicts on approvals and
    state transitions mean the marketplace already applied the change and
    are surfaced to callers as success.

Method groups are split by marketplace resource: orders, provider
resources, offering users, component usages, service/course accounts,
agent registration objects and event subscriptions.
*/
package waldur
