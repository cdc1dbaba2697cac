// Package postgres provides PostgreSQL-backed implementations of the
// application's storage interfaces: tasks, rules, users, and webhook
// delivery dedup records.
//
// All stores operate through store.DBTX, so they work identically with
// a *sql.DB or a *sql.Tx supplied by store.RunInTransaction.
package postgres
