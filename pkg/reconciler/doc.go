/*
Package reconciler converges one Pulp primary server to a declarative
repository catalog, per §4.6.

The catalog is a directory of JSON descriptor files checked out from
git, one file per intended repository. Each run walks the descriptors,
compares them against what Pulp already has, and issues the minimum
set of create/update/orphan operations to make the two agree.

# Identity and renames

A descriptor's identity is the stem of its source filename, not its
canonical Name field — names change over time (a product is renamed,
a team reorganizes a prefix) but the underlying repository should
not be recreated just because its descriptor was renamed. Every
repository Pulp Manager creates is tagged, in its Pulp description
field, with a marker carrying that stable identifier:

	pulp-manager:descriptor=<id>

On the next run, a descriptor whose Name no longer matches any
existing repository is first checked against this marker before
being treated as new. A marker match is a rename: the existing
repository is updated in place. No marker match is a create.

Pulp's repository set remains authoritative — the marker is a hint
used only for matching, never a second source of truth the Reconciler
trusts over what Pulp actually reports.

# Orphans

A repository Pulp holds but no descriptor claims is an orphan. The
Reconciler never deletes orphans automatically; it reports them on the
Job's repo-level results (state "orphan") so an operator can act on a
conscious decision rather than losing a repository to a transient
checkout or typo.

# Naming rules

Internal vs. external repository naming is driven by the Naming field
of Config (a NamingRule), set once per run from the application's
pulp.* settings — see the Worker's reconcilerConfig. Run does not read
Config.BannedPackageRegex: banned-package purges against a
repository's latest version happen through PurgeBannedPackages, which
the Worker calls after each sync job.

# Dynamic descriptors

Fields the Reconciler does not recognize are preserved verbatim in
Descriptor.Raw and forwarded to Pulp on create unmodified, so the
catalog format is forward-compatible with remote/distribution options
this package has no typed field for.
*/
package reconciler
