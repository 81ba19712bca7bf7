// Package limiter enforces per-channel and per-session admission limits
// at accept time.
//
// Channels are named ingress surfaces (telegram, web, api) that group
// related requests. Requests carry a Channel field that determines
// which limits apply.
//
// # Per-Channel Configuration
//
// Use [Config] to set per-channel rate limits and concurrency caps:
//
//	limiter.Config{
//	    Channel:        "telegram",
//	    MaxConcurrency: 50,     // max 50 in-flight telegram turns
//	    RateLimit:      10,     // max 10 requests/s admitted
//	    RateBurst:      20,     // allow bursts up to 20
//	}
//
// # Manager
//
// [Manager] enforces per-channel and per-session limits at accept time.
// It uses a token-bucket rate limiter (golang.org/x/time/rate) and an
// active-count gate for concurrency limits.
//
//	m := limiter.NewManager(configs...)
//	if m.Acquire(channel, sessionID) {
//	    defer m.Release(channel, sessionID)
//	    // process the turn
//	}
//
// Channels without a [Config] have no limits.
package limiter
