/*
Package log provides structured logging for Corral using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers, configurable log levels, and
helper functions for common logging patterns. All logs include
timestamps and support filtering by severity level.

# Usage

Initialize once at startup, then derive child loggers per subsystem:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("orchestrator")
	logger.Info().Str("component_id", id).Msg("Component started")

Console output honours NO_COLOR: when the variable is set, ANSI
styling is disabled.
*/
package log
