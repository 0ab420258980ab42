// Package stores provides the persistence layer of txtx.
// It includes a SQLite-based store with WAL mode and embedded migrations
// holding run records, construct results and signer states keyed by
// runbook, run snapshots, and an append-only event log.
package stores
