/*
Package storage provides the durable, bbolt-backed Job Store: jobs and
their lifecycle states, per-repo RepoTaskResults, and the Catalog
entities the Config Parser upserts on load.

All data is serialized as JSON and stored in one bucket per entity.
State transitions (claim, mark_terminal) are single-transaction
read-check-write operations; bbolt's single-writer model gives the
at-most-one-running invariant of §3 without a separate compare-and-swap
token.

This package intentionally does not offer a generic CRUD abstraction —
only the narrow set of operations the engine needs, per entity.
*/
package storage
