package limiter

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines per-channel behaviour such as rate limiting and concurrency.
type Config struct {
	// Channel is the ingress channel identifier (must match the
	// request.Channel field).
	Channel string

	// MaxConcurrency limits how many turns from this channel may run
	// simultaneously on the local node. Zero means no channel-specific
	// limit.
	MaxConcurrency int

	// RateLimit is the maximum sustained requests per second that may
	// be admitted on this channel. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// channelState tracks runtime state for a single channel.
type channelState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager controls per-channel and per-session rate limiting and
// concurrency. It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	channels map[string]*channelState
	sessions map[string]*sessionState
}

// NewManager creates a Manager with the given channel configurations.
// Channels not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		channels: make(map[string]*channelState, len(configs)),
		sessions: make(map[string]*sessionState),
	}
	for _, cfg := range configs {
		m.channels[cfg.Channel] = newChannelState(cfg)
	}
	return m
}

func newChannelState(cfg Config) *channelState {
	cs := &channelState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		cs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return cs
}

// Acquire checks rate limits and concurrency for the given channel and
// session. If the request is allowed to proceed it increments the
// active counter and returns true. The caller MUST call Release when
// the turn completes.
func (m *Manager) Acquire(channel, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check channel-level constraints.
	cs := m.channels[channel]
	if cs != nil {
		if cs.limiter != nil && !cs.limiter.Allow() {
			return false
		}
		if cs.config.MaxConcurrency > 0 && cs.active >= cs.config.MaxConcurrency {
			return false
		}
	}

	// Check session-level constraints.
	if sessionID != "" {
		ss := m.sessions[sessionKey(channel, sessionID)]
		if ss != nil {
			if ss.limiter != nil && !ss.limiter.Allow() {
				return false
			}
			if ss.maxConcurrency > 0 && ss.active >= ss.maxConcurrency {
				return false
			}
			ss.active++
		}
	}

	// Increment channel active count.
	if cs != nil {
		cs.active++
	}

	return true
}

// Release decrements the active turn count for the channel and session.
func (m *Manager) Release(channel, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cs := m.channels[channel]; cs != nil && cs.active > 0 {
		cs.active--
	}

	if sessionID != "" {
		if ss := m.sessions[sessionKey(channel, sessionID)]; ss != nil && ss.active > 0 {
			ss.active--
		}
	}
}

// SetChannelConfig dynamically updates (or creates) a channel configuration.
func (m *Manager) SetChannelConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.channels[cfg.Channel]
	cs := newChannelState(cfg)

	// Preserve current active count if reconfiguring.
	if existing != nil {
		cs.active = existing.active
	}
	m.channels[cfg.Channel] = cs
}

// ActiveCount returns the current number of active turns for a channel.
func (m *Manager) ActiveCount(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs := m.channels[channel]; cs != nil {
		return cs.active
	}
	return 0
}
