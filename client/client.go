// Package client provides a Go client for the Turnstile push surface:
// a frame-based protocol over WebSocket streaming request lifecycle
// events.
//
// Usage:
//
//	c, err := client.Dial("ws://api.example.com/push",
//	    client.WithToken("tk_..."),
//	)
//	defer c.Close()
//
//	// Watch a session's lifecycle events.
//	ch, err := c.Subscribe(ctx, stream.SessionTopic("sess-1"))
//	for evt := range ch {
//	    fmt.Printf("%s: %s\n", evt.Topic, evt.Type)
//	}
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/turnhq/turnstile/push"
	"github.com/turnhq/turnstile/stream"
)

// Client is a push protocol client connected to a Turnstile node.
type Client struct {
	url    string
	token  string
	format string
	logger *slog.Logger

	// Reconnection.
	reconnect  bool
	maxRetries int
	baseDelay  time.Duration

	// Connection state.
	conn   net.Conn
	codec  push.Codec
	mu     sync.Mutex
	closed atomic.Bool
	connID string

	// Request-response correlation.
	pending sync.Map // frame ID → chan *push.Frame

	// Subscriptions.
	subs sync.Map // topic → chan *stream.Event
}

// Dial connects to a push server and authenticates.
func Dial(url string, opts ...Option) (*Client, error) {
	return DialContext(context.Background(), url, opts...)
}

// DialContext connects to a push server with a context.
func DialContext(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:        url,
		format:     push.CodecNameJSON,
		logger:     slog.Default(),
		maxRetries: 5,
		baseDelay:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.connect(ctx); err != nil {
		return nil, fmt.Errorf("turnstile/client: dial: %w", err)
	}

	go c.readLoop()

	return c, nil
}

// connect establishes the WebSocket connection and performs the auth
// handshake. The handshake is always JSON; the negotiated codec takes
// over afterwards.
func (c *Client) connect(ctx context.Context) error {
	conn, _, _, err := ws.Dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn

	authFrame, marshalErr := push.NewRequestFrame(push.GenerateFrameID(), push.MethodAuth, push.AuthRequest{
		Token:  c.token,
		Format: c.format,
	})
	if marshalErr != nil {
		_ = conn.Close()
		return fmt.Errorf("marshal auth request: %w", marshalErr)
	}

	authData, encErr := json.Marshal(authFrame)
	if encErr != nil {
		_ = conn.Close()
		return fmt.Errorf("encode auth frame: %w", encErr)
	}
	c.mu.Lock()
	writeErr := wsutil.WriteClientText(conn, authData)
	c.mu.Unlock()
	if writeErr != nil {
		_ = conn.Close()
		return fmt.Errorf("write auth frame: %w", writeErr)
	}

	// Read the auth response directly; the read loop starts only after
	// the handshake succeeds.
	type readResult struct {
		resp *push.Frame
		err  error
	}
	resultCh := make(chan readResult, 1)

	go func() {
		data, readErr := wsutil.ReadServerText(conn)
		if readErr != nil {
			resultCh <- readResult{err: fmt.Errorf("read auth response: %w", readErr)}
			return
		}
		var frame push.Frame
		if unmarshalErr := json.Unmarshal(data, &frame); unmarshalErr != nil {
			resultCh <- readResult{err: fmt.Errorf("unmarshal auth response: %w", unmarshalErr)}
			return
		}
		resultCh <- readResult{resp: &frame}
	}()

	select {
	case result := <-resultCh:
		if result.err != nil {
			_ = conn.Close()
			return result.err
		}
		resp := result.resp
		if resp.Type == push.FrameErr {
			_ = conn.Close()
			msg := "unknown error"
			if resp.Error != nil {
				msg = resp.Error.Message
			}
			return fmt.Errorf("auth failed: %s", msg)
		}

		var authResp push.AuthResponse
		if len(resp.Data) > 0 {
			if unmarshalErr := json.Unmarshal(resp.Data, &authResp); unmarshalErr != nil {
				c.logger.Warn("failed to unmarshal auth response", slog.String("error", unmarshalErr.Error()))
			}
		}
		c.connID = authResp.ConnID
		c.codec = push.GetCodec(authResp.Format)
		c.logger.Info("push client connected",
			slog.String("conn_id", c.connID),
			slog.String("format", authResp.Format),
		)
		return nil
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	case <-time.After(10 * time.Second):
		_ = conn.Close()
		return fmt.Errorf("auth timeout")
	}
}

// readLoop reads frames from the WebSocket and routes them.
func (c *Client) readLoop() {
	for {
		if c.closed.Load() {
			return
		}

		data, _, err := wsutil.ReadServerData(c.conn)
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("push client read error", slog.String("error", err.Error()))
			if c.reconnect {
				c.tryReconnect()
			}
			return
		}

		frame, decErr := c.codec.Decode(data)
		if decErr != nil {
			c.logger.Warn("push client: invalid frame", slog.String("error", decErr.Error()))
			continue
		}

		switch frame.Type {
		case push.FrameResponse, push.FrameErr:
			// Correlate with the pending request.
			if val, ok := c.pending.Load(frame.CorrelID); ok {
				ch := val.(chan *push.Frame) //nolint:errcheck // pending map always stores chan *push.Frame
				select {
				case ch <- frame:
				default:
				}
			}
		case push.FrameEvent:
			// Route to the topic's subscription channel. Event payloads
			// are JSON inside the frame regardless of the frame codec.
			if val, ok := c.subs.Load(frame.Topic); ok {
				ch := val.(chan *stream.Event) //nolint:errcheck // subs map always stores chan *stream.Event
				var evt stream.Event
				if json.Unmarshal(frame.Data, &evt) == nil {
					select {
					case ch <- &evt:
					default:
						// Drop if the subscriber is slow.
					}
				}
			}
		case push.FramePong:
			// Keepalive reply; handled via pending like any response.
			if val, ok := c.pending.Load(frame.CorrelID); ok {
				ch := val.(chan *push.Frame) //nolint:errcheck // pending map always stores chan *push.Frame
				select {
				case ch <- frame:
				default:
				}
			}
		}
	}
}

// tryReconnect attempts to reconnect with exponential backoff,
// restoring active subscriptions on success.
func (c *Client) tryReconnect() {
	delay := c.baseDelay
	for i := range c.maxRetries {
		c.logger.Info("push client reconnecting",
			slog.Int("attempt", i+1),
			slog.Duration("delay", delay),
		)
		time.Sleep(delay)

		if err := c.connect(context.Background()); err != nil {
			c.logger.Warn("push client reconnect failed", slog.String("error", err.Error()))
			delay = min(delay*2, 30*time.Second)
			continue
		}

		go c.readLoop()
		c.resubscribe()
		c.logger.Info("push client reconnected")
		return
	}
	c.logger.Error("push client: max reconnection attempts reached")
}

// resubscribe replays subscribe requests for all active topics after a
// reconnect.
func (c *Client) resubscribe() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.subs.Range(func(key, _ any) bool {
		topic := key.(string) //nolint:errcheck // subs map is keyed by topic strings
		if _, err := c.request(ctx, push.MethodSubscribe, push.SubscribeRequest{Topic: topic}); err != nil {
			c.logger.Warn("push client resubscribe failed",
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
		}
		return true
	})
}

// request sends a request frame and waits for the correlated response.
func (c *Client) request(ctx context.Context, method string, data any) (*push.Frame, error) {
	frame, err := push.NewRequestFrame(push.GenerateFrameID(), method, data)
	if err != nil {
		return nil, fmt.Errorf("marshal request data: %w", err)
	}
	return c.roundTrip(ctx, frame)
}

// roundTrip sends a frame and waits for its correlated reply.
func (c *Client) roundTrip(ctx context.Context, frame *push.Frame) (*push.Frame, error) {
	respCh := make(chan *push.Frame, 1)
	c.pending.Store(frame.ID, respCh)
	defer c.pending.Delete(frame.ID)

	if err := c.writeFrame(frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Type == push.FrameErr {
			msg := "unknown error"
			if resp.Error != nil {
				msg = resp.Error.Message
			}
			return nil, fmt.Errorf("push error: %s", msg)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// writeFrame encodes and sends a frame with the negotiated codec.
func (c *Client) writeFrame(frame *push.Frame) error {
	data, err := c.codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.codec.Name() == push.CodecNameJSON {
		return wsutil.WriteClientText(c.conn, data)
	}
	return wsutil.WriteClientBinary(c.conn, data)
}

// ConnID returns the connection ID assigned by the server.
func (c *Client) ConnID() string { return c.connID }

// Ping sends a keepalive frame and waits for the pong.
func (c *Client) Ping(ctx context.Context) error {
	frame := &push.Frame{
		ID:        push.GenerateFrameID(),
		Type:      push.FramePing,
		Timestamp: time.Now().UTC(),
	}
	_, err := c.roundTrip(ctx, frame)
	return err
}

// Stats fetches the server's broker statistics.
func (c *Client) Stats(ctx context.Context) (*stream.BrokerStats, error) {
	resp, err := c.request(ctx, push.MethodStats, nil)
	if err != nil {
		return nil, err
	}
	var stats stream.BrokerStats
	if err := json.Unmarshal(resp.Data, &stats); err != nil {
		return nil, fmt.Errorf("unmarshal stats: %w", err)
	}
	return &stats, nil
}

// Close closes the client connection and all subscription channels.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}

	c.subs.Range(func(key, val any) bool {
		ch := val.(chan *stream.Event) //nolint:errcheck // subs map always stores chan *stream.Event
		close(ch)
		c.subs.Delete(key)
		return true
	})

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
