/*
Package log provides structured logging for nvmetd using zerolog.

A single global Logger is configured once at startup with Init. Components
derive child loggers so every line carries where it came from:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithBackend("kernel")
	logger.Info().Str("stage", "ports").Int("added", 2).Msg("Stage applied")

	nsLogger := log.WithNamespace(logger, subnqn, nsid)
	nsLogger.Info().Msg("Locking namespace")

Console output is meant for interactive runs of nvmetctl and for debugging.
The daemon logs JSON so the lines can be shipped to a collector as is.
*/
package log
