package limiter

import (
	"fmt"

	"golang.org/x/time/rate"
)

// SessionConfig defines rate limits and concurrency for a specific
// session on a specific channel. Useful for throttling a single noisy
// conversation without affecting the rest of the channel.
type SessionConfig struct {
	// Channel is the ingress channel this config applies to.
	Channel string

	// SessionID is the session identifier.
	SessionID string

	// RateLimit is the sustained requests per second for this session.
	RateLimit float64

	// RateBurst is the burst size for the session's rate limiter.
	RateBurst int

	// MaxConcurrency limits simultaneous turns for this session on
	// this channel. Zero means no session-specific concurrency limit.
	MaxConcurrency int
}

// sessionState tracks runtime state for a single channel+session pair.
type sessionState struct {
	limiter        *rate.Limiter
	maxConcurrency int
	active         int
}

// sessionKey builds the map key for a channel+session pair.
func sessionKey(channel, sessionID string) string {
	return fmt.Sprintf("%s:%s", channel, sessionID)
}

// SetSessionConfig configures rate limits and concurrency for a
// specific session on a specific channel. Calling this multiple times
// for the same channel+session replaces the previous configuration.
func (m *Manager) SetSessionConfig(cfg SessionConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sessionKey(cfg.Channel, cfg.SessionID)
	existing := m.sessions[key]

	ss := &sessionState{
		maxConcurrency: cfg.MaxConcurrency,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ss.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	// Preserve current active count if reconfiguring.
	if existing != nil {
		ss.active = existing.active
	}
	m.sessions[key] = ss
}

// SessionActiveCount returns the current number of active turns for a
// channel+session pair.
func (m *Manager) SessionActiveCount(channel, sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ss := m.sessions[sessionKey(channel, sessionID)]; ss != nil {
		return ss.active
	}
	return 0
}
