/*
Package agent wires the pieces into a running process: marketplace
registration of the agent identity and its subscriptions, per-offering
workers holding the long-lived client and backend handles, and the
supervisor loops for the four run modes.

Polling modes wake on a fixed interval and run one pass over all
offerings. Event mode runs a catch-up pass, subscribes one STOMP
consumer per (offering, object type), and then only wakes for the
30-minute health check and the hourly username reconciliation;
offerings without a working broker fall back to order polling.

Shutdown is signal-driven and cooperative: consumers disconnect, the
marketplace-side subscriptions stay registered for the next run.
*/
package agent
