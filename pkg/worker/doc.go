/*
Package worker implements the long-lived process that drains the Job
Store and executes one job at a time per Worker instance, per §4.8.

# Loop

Run polls the Job Store on a fixed interval (DefaultPollInterval, or
whatever NewWorker was given), picks the oldest queued job, and runs
it to a terminal state before looking for the next one:

	┌──────────────┐   queued jobs    ┌───────────────────┐
	│  Job Store   │ ───────────────▶ │  processNext       │
	└──────────────┘   oldest first   └────────┬───────────┘
	       ▲                                   │
	       │            MarkTerminal           ▼
	       └─────────────────────────── runJob/dispatch

A single Worker executes jobs one at a time; running several Workers
against the same store increases throughput without changing the
at-most-one-running invariant, which the store's Claim and this
package's duplicate check both enforce independently.

# Duplicate detection

Before claiming a job, runJob checks the store for another job of the
same (server, kind) already in state running. If one exists, the
queued job is claimed and immediately marked canceled with an Error of
"skipped_duplicate: ...", never reaching Pulp. Other jobs merely
queued for the same (server, kind) are not a conflict — they are
simply waiting their turn, since processNext always dispatches the
oldest queued job first.

# Dispatch

dispatch resolves the job's server and credentials from the currently
loaded Catalog (SetCatalog swaps it atomically, never partially), then
routes by kind:

  - sync      → discovers repositories, matches them against the
                job's include/exclude regexes, and hands the result to
                the Repo Syncher.
  - snapshot  → matches repositories the same way and hands them to
                the Snapshotter.
  - reconcile / repo_config_registration → loads descriptors from the
                configured git checkout directory and hands them to
                the Reconciler.

After a sync job finishes, purgeBannedPackagesAfterSync sweeps every
repository that completed against the application's banned-package
regex — a sync can reintroduce content a banned-package rule already
removed once, so the sweep runs after every sync, not just reconcile.

# Cancellation and crash recovery

Cancel cancels a running job's context; the component it is dispatched
to observes this at its own checkpoints. When Run starts, before its
first poll, RecoverCrashedJobs marks any job still in state running as failed —
this process has not claimed anything yet, so a running job it finds
belongs to a dead prior owner.
*/
package worker
