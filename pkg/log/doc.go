/*
Package log provides structured logging for the site agent using zerolog.

The package wraps zerolog behind a global logger initialized once via
log.Init, with child-logger helpers that attach the fields every subsystem
tags its output with: component, offering, order and resource UUIDs.

Typical usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	orderLog := log.WithOffering(offering.Name, offering.UUID)
	orderLog.Info().Str("order_uuid", order.UUID).Msg("order approved")

JSON output is intended for production; console output for development.
*/
package log
