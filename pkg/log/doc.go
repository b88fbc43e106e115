/*
Package log provides structured logging built on zerolog, shared by the
control service and every agent.

Init configures the global Logger once at process start; everything
downstream reads component- and entity-scoped child loggers from it
rather than holding configuration of their own.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

	agentLog := log.WithNodeID(nodeUUID)
	agentLog.Info().Str("era_uuid", era.EraUUID).Msg("agent started")

	convLog := log.WithDatasetID(datasetID)
	convLog.Error().Err(err).Msg("convergence action failed")

JSON output is intended for production; set JSONOutput to false for a
human-readable console format during development.
*/
package log
