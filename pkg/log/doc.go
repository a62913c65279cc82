/*
Package log provides structured logging for Pulp Manager, built on
zerolog.

Init sets up the package-level Logger once at process startup from a
Config (level, JSON vs. console, output writer). Everything else in
this package builds child loggers carrying context fields, rather than
formatting strings:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	logger := log.WithComponent("scheduler")
	logger.Info().Str("server", "primary").Msg("enqueued scheduled sync")

	jobLog := log.WithJob(job.ID, job.Server, string(job.Kind))
	jobLog.Error().Err(err).Msg("claiming job")

WithComponent and WithJob each attach a fixed set of fields and return
a zerolog.Logger value — cheap to create, and meant to be created once
per operation (a job run, a request) rather than per log line. WithJob
covers server and kind as part of a job's identifying triple, so there
is no separate WithServer/WithRepo: nothing in this engine logs against
a server or repo outside a job's context.

Fatal logs at fatal level and then calls os.Exit(1); it exists for the
handful of startup failures (bad config, an unreachable job store) that
should not continue past main().
*/
package log
