/*
Package log provides structured logging for codedj using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support
filtering by severity level.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("coordinator")              │          │
	│  │  - WithProjectID(42)                        │          │
	│  │  - WithSubstore("rust")                     │          │
	│  └──────────────────────────────────────────────┘         │
	└────────────────────────────────────────────────────────────┘

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	updaterLog := log.WithComponent("updater").
		With().Uint64("project_id", project.ID).Logger()
	updaterLog.Info().Msg("starting incremental update")
	updaterLog.Error().Err(err).Msg("fetch failed")
*/
package log
