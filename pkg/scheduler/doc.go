/*
Package scheduler owns the clock for the orchestration engine.

A fleet's config describes schedules in two places: a cron expression on
each (server, repo-group) binding, and a cron expression on a server's
repo_config_registration. The Scheduler turns both into cron.Cron entries
and, when one fires, enqueues exactly one Job in the Job Store.

# Firing model

	┌──────────────────────────────────────────────┐
	│              robfig/cron.Cron                 │
	│   one entry per (server, repo-group) binding  │
	│   one entry per repo_config_registration      │
	└───────────────────┬────────────────────────────┘
	                    │ fires
	                    ▼
	      store.CreateJob(kind, server, params)
	                    │
	                    ▼
	             Job Store (queued)
	                    │
	                    ▼
	           picked up by a Worker

The Scheduler never talks to Pulp itself — its only side effect is
writing a queued Job. Everything downstream of that write belongs to
the Worker and the component it dispatches to.

# Missed firings

Schedules are evaluated against the local wall clock. If the process was
down when a firing was due, that firing is simply gone: the next regular
occurrence of the cron expression is what runs. There is no catch-up
queue and no backfill. A schedule that fires hourly and was down for
three hours produces zero retroactive jobs, not three.

# Reload

Reload takes a full Catalog and builds an entirely new cron.Cron from
it, then swaps it in for the one currently running and stops the old
one. There is no incremental diffing of individual entries — config is
immutable after load, and a reload replaces the whole schedule set
atomically, matching how the Worker treats the Catalog it dispatches
against.
*/
package scheduler
