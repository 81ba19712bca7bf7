package client

import (
	"log/slog"
	"time"
)

// Option configures a Client.
type Option func(*Client)

// WithToken sets the auth token sent in the handshake.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithFormat requests a frame codec ("json" or "msgpack"). The server
// confirms the format in the auth response.
func WithFormat(format string) Option {
	return func(c *Client) { c.format = format }
}

// WithReconnect enables automatic reconnection with exponential backoff
// when the connection drops. Active subscriptions are restored.
func WithReconnect(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.reconnect = true
		if maxRetries > 0 {
			c.maxRetries = maxRetries
		}
		if baseDelay > 0 {
			c.baseDelay = baseDelay
		}
	}
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}
