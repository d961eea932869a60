// Package stores provides the persistence layer for confdeploy.
//
// SQLiteStore keeps configuration versions and their content, the target
// inventory, deployment jobs with their per-target records, and the event
// log in a single SQLite database. Schema changes are applied with embedded
// golang-migrate migrations. Entities are stored as JSON documents next to
// the columns used for lookups and ordering, so adding a field to a domain
// type does not require a migration.
//
// Lookups that match nothing return an error wrapping ErrNotFound.
package stores
