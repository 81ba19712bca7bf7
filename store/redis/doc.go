// Package redis implements the store on Redis using go-redis/v9.
//
// Requests live in hashes, with sorted-set indexes keyed by creation
// and completion time. The turn claim is a Lua script that pops the
// head of the session's pending index and marks the row processing in
// one atomic step. Session locks are SET NX PX leases with an owner
// token; a crashed holder's lock expires on its own when the lease
// runs out.
//
// Timestamps in indexes are unix milliseconds. Ties within the same
// millisecond fall back to the member's lexical order, which for
// K-sortable request IDs is creation order.
package redis
