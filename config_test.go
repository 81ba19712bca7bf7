package turnstile

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	t.Parallel()
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	mutate := func(fn func(*Config)) Config {
		c := DefaultConfig()
		fn(&c)
		return c
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"zero lock wait", mutate(func(c *Config) { c.LockWaitTimeout = 0 }), true},
		{"negative backend timeout", mutate(func(c *Config) { c.BackendTimeout = -time.Second }), true},
		{"zero heartbeat", mutate(func(c *Config) { c.HeartbeatInterval = 0 }), true},
		{"grace below twice heartbeat", mutate(func(c *Config) {
			c.HeartbeatInterval = 20 * time.Second
			c.StalenessGrace = 30 * time.Second
		}), true},
		{"grace exactly twice heartbeat", mutate(func(c *Config) {
			c.HeartbeatInterval = 15 * time.Second
			c.StalenessGrace = 30 * time.Second
		}), false},
		{"unknown reclaim policy", mutate(func(c *Config) { c.ReclaimPolicy = "discard" }), true},
		{"fail policy", mutate(func(c *Config) { c.ReclaimPolicy = ReclaimFail }), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("got %v, want ErrInvalidConfig", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestStuckCutoff(t *testing.T) {
	t.Parallel()
	c := Config{BackendTimeout: 2 * time.Minute, ReclaimBuffer: 30 * time.Second}
	if got := c.StuckCutoff(); got != 150*time.Second {
		t.Errorf("StuckCutoff() = %s, want 2m30s", got)
	}
}
