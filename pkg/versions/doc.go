// Package versions stores immutable, content-hashed configuration versions.
//
// A version never changes after Create except for the deployed-to ledger,
// which MarkDeployed appends to idempotently, and the archival stamp set by
// Archive. Lineage is kept through ParentVersionID; when a Differ is
// configured the ChangesSummary against the parent is computed on Create.
package versions
