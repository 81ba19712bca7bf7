// Package request defines the durable request ledger: the Request
// entity, its lifecycle statuses, and the Store interface implemented
// by the storage backends.
//
// Lifecycle:
//
//	pending → processing → completed | failed
//	            └─(reclaim/requeue)→ pending
//
// Every transition is a compare-and-set on the current status. Every
// transition is durable before any backend network call, so a crash
// never silently loses accepted work.
package request
