// Package turnstile provides per-session request serialization with
// crash recovery for multi-channel agent routers. It guarantees exactly
// one in-flight backend call per conversation session cluster-wide,
// strict creation-order processing within a session, and durable
// survival of worker crashes: a synchronous caller gets its answer even
// when a different replica ends up doing the work.
//
// Turnstile is designed as a library, not a service. Import it,
// configure a store, plug in an agent backend, and call Process from
// your channel adapters.
//
// # Quick Start
//
//	st, err := postgres.New(ctx, "postgres://localhost/turnstile")
//	r, err := router.Build(
//	    turnstile.WithStore(st),
//	    turnstile.WithBackend(agent),
//	)
//	result, err := r.Process(ctx, sessionID, payload)
//
// # Architecture
//
// Turnstile follows a composable store pattern where each subsystem
// (request ledger, sessions, worker liveness, session locks) defines
// its own store interface. A single backend implements all of them.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers. Session IDs are opaque strings minted
// by the originating channel.
package turnstile
