/*
Package types defines the shared domain model of the site agent: offerings
and their billing components, marketplace orders and resources with their
state machines, offering users, agent registration objects, event
subscriptions, and usage records.

All state fields are string-typed constants matching the marketplace wire
representation, so values decoded from API responses and broker events can
be compared directly against the constants in this package.

Types here carry no behavior beyond small derivations (terminal-state
checks, capability-to-object-type mapping). Everything that talks to the
network lives in pkg/waldur and pkg/backends.
*/
package types
