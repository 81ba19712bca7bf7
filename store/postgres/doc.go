// Package postgres implements the store on PostgreSQL using pgx/v5.
//
// This is the recommended backend for multi-replica deployments. The
// ledger lives in plain tables; the turn claim uses an UPDATE with
// FOR UPDATE SKIP LOCKED so concurrent workers can never claim the
// same row; session locks are session-scoped advisory locks held on a
// dedicated pooled connection, so a crashed holder's lock is released
// by the server the moment its connection dies.
//
// Schema is applied by Migrate from embedded SQL files, tracked in a
// turnstile_migrations table so it is safe to call on every start.
package postgres
