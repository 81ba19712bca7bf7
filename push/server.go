package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/turnhq/turnstile/stream"
)

// Option configures a push Server.
type Option func(*Server)

// WithAuth sets the authenticator for the push server.
// If not set, NoopAuthenticator is used (development mode).
func WithAuth(auth Authenticator) Option {
	return func(s *Server) { s.auth = auth }
}

// WithCodec sets the default codec for the push server.
// Clients can override via the auth frame's format field.
func WithCodec(codec Codec) Option {
	return func(s *Server) { s.defaultCodec = codec }
}

// WithLogger sets the logger for the push server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// Server handles WebSocket push connections. It bridges the stream
// broker to clients: each connection authenticates, negotiates a
// codec, subscribes to topics, and receives event frames as lifecycle
// events flow through the broker.
//
// Server implements http.Handler; mount it on any mux:
//
//	http.Handle("/push", push.NewServer(broker))
type Server struct {
	broker       *stream.Broker
	auth         Authenticator
	defaultCodec Codec
	conns        *ConnectionManager
	logger       *slog.Logger
}

// NewServer creates a new push server.
func NewServer(broker *stream.Broker, opts ...Option) *Server {
	s := &Server{
		broker:       broker,
		defaultCodec: &JSONCodec{},
		conns:        NewConnectionManager(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = &NoopAuthenticator{}
	}
	return s
}

// Broker returns the underlying stream broker.
func (s *Server) Broker() *stream.Broker { return s.broker }

// Connections returns the connection manager.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// ServeHTTP upgrades the request to a WebSocket and runs the frame loop.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	go func() {
		defer conn.Close() //nolint:errcheck // nothing useful to do on close error
		if serveErr := s.serveConn(r.Context(), conn); serveErr != nil {
			s.logger.Debug("push connection closed", slog.String("error", serveErr.Error()))
		}
	}()
}

// wsWriter serializes concurrent frame writes to one connection:
// the frame loop and the event forwarder both write.
type wsWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *wsWriter) write(codec Codec, frame *Frame) error {
	data, err := codec.Encode(frame)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if codec.Name() == CodecNameJSON {
		return wsutil.WriteServerText(w.conn, data)
	}
	return wsutil.WriteServerBinary(w.conn, data)
}

// serveConn performs the auth handshake and then processes frames
// until the connection closes.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) error {
	connID := "conn-" + GenerateFrameID()
	writer := &wsWriter{conn: conn}

	// Wait for auth frame. Auth frames are always JSON (before codec
	// negotiation).
	authData, _, readErr := wsutil.ReadClientData(conn)
	if readErr != nil {
		return fmt.Errorf("push: read auth frame: %w", readErr)
	}

	var authFrame Frame
	if err := json.Unmarshal(authData, &authFrame); err != nil {
		_ = writer.write(&JSONCodec{}, NewErrorFrame("", ErrCodeBadRequest, "invalid auth frame"))
		return fmt.Errorf("push: unmarshal auth frame: %w", err)
	}

	if authFrame.Method != MethodAuth {
		_ = writer.write(&JSONCodec{}, NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "first frame must be auth"))
		return fmt.Errorf("push: expected auth frame, got %q", authFrame.Method)
	}

	var authReq AuthRequest
	if len(authFrame.Data) > 0 {
		if err := json.Unmarshal(authFrame.Data, &authReq); err != nil {
			_ = writer.write(&JSONCodec{}, NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "invalid auth data"))
			return err
		}
	}

	token := authReq.Token
	if token == "" {
		token = authFrame.Token
	}
	identity, authErr := s.auth.Authenticate(ctx, token)
	if authErr != nil {
		_ = writer.write(&JSONCodec{}, NewErrorFrame(authFrame.ID, ErrCodeUnauthorized, "authentication failed"))
		return fmt.Errorf("push: auth failed: %w", authErr)
	}

	// Negotiate codec.
	codec := s.defaultCodec
	if authReq.Format != "" {
		codec = GetCodec(authReq.Format)
	}

	pushConn := NewConnection(connID, identity, codec)
	s.conns.Add(pushConn)
	defer func() {
		s.broker.RemoveSubscriber(connID)
		s.conns.Remove(connID)
		s.logger.Info("push disconnected", slog.String("conn_id", connID))
	}()

	// Send auth response (still JSON, confirming the negotiated format).
	resp, respErr := NewResponseFrame(authFrame.ID, AuthResponse{
		Format: codec.Name(),
		ConnID: connID,
	})
	if respErr != nil {
		return fmt.Errorf("push: marshal auth response: %w", respErr)
	}
	if err := writer.write(&JSONCodec{}, resp); err != nil {
		return err
	}

	s.logger.Info("push authenticated",
		slog.String("conn_id", connID),
		slog.String("subject", identity.Subject),
		slog.String("codec", codec.Name()),
	)

	// Create a subscriber for this connection and forward broker
	// events to the WebSocket.
	sub := s.broker.Subscribe(connID)
	go s.forwardEvents(writer, codec, sub)

	// Frame processing loop.
	for {
		data, _, err := wsutil.ReadClientData(conn)
		if err != nil {
			return nil // Connection closed.
		}

		pushConn.Touch()

		frame, decErr := codec.Decode(data)
		if decErr != nil {
			if writeErr := writer.write(codec, NewErrorFrame("", ErrCodeBadRequest, "invalid frame: "+decErr.Error())); writeErr != nil {
				return nil
			}
			continue
		}

		if done := s.handleFrame(writer, codec, pushConn, sub, frame); done {
			return nil
		}
	}
}

// handleFrame processes one decoded frame. Returns true when the
// connection should close.
func (s *Server) handleFrame(writer *wsWriter, codec Codec, pushConn *Connection, sub *stream.Subscriber, frame *Frame) bool {
	// Ping/pong keepalive.
	if frame.Type == FramePing {
		pong := &Frame{
			ID:        GenerateFrameID(),
			Type:      FramePong,
			CorrelID:  frame.ID,
			Timestamp: frame.Timestamp,
		}
		if err := writer.write(codec, pong); err != nil {
			return true
		}
		return false
	}

	// Credits replenishment.
	if frame.Credits > 0 {
		sub.AddCredits(int64(frame.Credits))
		return false
	}

	// Scope check.
	if frame.Method != "" {
		reqScope := RequiredScope(frame.Method)
		if reqScope != "" && !pushConn.Identity.HasScope(reqScope) {
			if err := writer.write(codec, NewErrorFrame(frame.ID, ErrCodeForbidden, "insufficient permissions")); err != nil {
				return true
			}
			return false
		}
	}

	var resp *Frame
	switch frame.Method {
	case MethodSubscribe:
		resp = s.handleSubscribe(pushConn, sub, frame)
	case MethodUnsubscribe:
		resp = s.handleUnsubscribe(pushConn, frame)
	case MethodStats:
		var err error
		resp, err = NewResponseFrame(frame.ID, s.broker.Stats())
		if err != nil {
			resp = NewErrorFrame(frame.ID, ErrCodeInternal, "marshal stats")
		}
	default:
		resp = NewErrorFrame(frame.ID, ErrCodeMethodNotFound, "unknown method "+frame.Method)
	}

	if resp != nil {
		if err := writer.write(codec, resp); err != nil {
			return true
		}
	}
	return false
}

func (s *Server) handleSubscribe(pushConn *Connection, sub *stream.Subscriber, frame *Frame) *Frame {
	var req SubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid subscribe data")
	}
	if err := stream.ValidateTopic(req.Topic); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, err.Error())
	}

	s.broker.SubscribeTo(pushConn.ID, req.Topic)
	pushConn.AddSubscription(req.Topic)
	if req.Credits > 0 {
		sub.AddCredits(int64(req.Credits))
	}
	if len(req.Types) > 0 {
		types := make([]stream.EventType, len(req.Types))
		for i, t := range req.Types {
			types[i] = stream.EventType(t)
		}
		sub.LimitTo(types...)
	}

	resp, err := NewResponseFrame(frame.ID, SubscribeRequest{Topic: req.Topic})
	if err != nil {
		return NewErrorFrame(frame.ID, ErrCodeInternal, "marshal subscribe response")
	}
	return resp
}

func (s *Server) handleUnsubscribe(pushConn *Connection, frame *Frame) *Frame {
	var req UnsubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid unsubscribe data")
	}

	s.broker.Unsubscribe(pushConn.ID, req.Topic)
	pushConn.RemoveSubscription(req.Topic)

	resp, err := NewResponseFrame(frame.ID, UnsubscribeRequest{Topic: req.Topic})
	if err != nil {
		return NewErrorFrame(frame.ID, ErrCodeInternal, "marshal unsubscribe response")
	}
	return resp
}

// forwardEvents reads from the subscriber channel and writes event
// frames to the WebSocket connection.
func (s *Server) forwardEvents(writer *wsWriter, codec Codec, sub *stream.Subscriber) {
	for evt := range sub.C() {
		evtFrame, err := NewEventFrame(evt.Topic, evt)
		if err != nil {
			continue
		}
		if writeErr := writer.write(codec, evtFrame); writeErr != nil {
			return // Connection gone.
		}
	}
}
