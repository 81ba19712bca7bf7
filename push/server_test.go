package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/turnhq/turnstile/id"
	"github.com/turnhq/turnstile/request"
	"github.com/turnhq/turnstile/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startServer(t *testing.T, opts ...Option) (*stream.Broker, string) {
	t.Helper()

	broker := stream.NewBroker(testLogger())
	opts = append(opts, WithLogger(testLogger()))
	srv := httptest.NewServer(NewServer(broker, opts...))
	t.Cleanup(srv.Close)

	return broker, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialAndAuth(t *testing.T, url, token, format string) net.Conn {
	t.Helper()

	conn, _, _, err := ws.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	authFrame, err := NewRequestFrame(GenerateFrameID(), MethodAuth, AuthRequest{
		Token:  token,
		Format: format,
	})
	if err != nil {
		t.Fatalf("build auth frame: %v", err)
	}
	writeClientFrame(t, conn, &JSONCodec{}, authFrame)

	resp := readServerFrame(t, conn, &JSONCodec{})
	if resp.Type != FrameResponse {
		t.Fatalf("auth response type = %q, want %q (error: %+v)", resp.Type, FrameResponse, resp.Error)
	}
	var authResp AuthResponse
	if err := json.Unmarshal(resp.Data, &authResp); err != nil {
		t.Fatalf("unmarshal auth response: %v", err)
	}
	if authResp.ConnID == "" {
		t.Fatal("auth response missing conn_id")
	}

	return conn
}

func writeClientFrame(t *testing.T, conn net.Conn, codec Codec, frame *Frame) {
	t.Helper()
	data, err := codec.Encode(frame)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if codec.Name() == CodecNameJSON {
		err = wsutil.WriteClientText(conn, data)
	} else {
		err = wsutil.WriteClientBinary(conn, data)
	}
	if err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readServerFrame(t *testing.T, conn net.Conn, codec Codec) *Frame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	data, _, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	frame, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

func TestServer_AuthHandshake(t *testing.T) {
	t.Parallel()

	_, url := startServer(t)
	conn := dialAndAuth(t, url, "any", "")
	_ = conn
}

func TestServer_FirstFrameMustBeAuth(t *testing.T) {
	t.Parallel()

	_, url := startServer(t)

	conn, _, _, err := ws.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	subFrame, err := NewRequestFrame(GenerateFrameID(), MethodSubscribe, SubscribeRequest{Topic: "firehose"})
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	writeClientFrame(t, conn, &JSONCodec{}, subFrame)

	resp := readServerFrame(t, conn, &JSONCodec{})
	if resp.Type != FrameErr {
		t.Fatalf("expected error frame, got %q", resp.Type)
	}
	if resp.Error.Code != ErrCodeBadRequest {
		t.Errorf("error code = %d, want %d", resp.Error.Code, ErrCodeBadRequest)
	}
}

func TestServer_AuthRejected(t *testing.T) {
	t.Parallel()

	auth := NewAPIKeyAuthenticator(APIKeyEntry{
		Token:    "tk_valid",
		Identity: Identity{Subject: "u1", Scopes: []string{ScopeAll}},
	})
	_, url := startServer(t, WithAuth(auth))

	conn, _, _, err := ws.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	authFrame, err := NewRequestFrame(GenerateFrameID(), MethodAuth, AuthRequest{Token: "tk_wrong"})
	if err != nil {
		t.Fatalf("build auth frame: %v", err)
	}
	writeClientFrame(t, conn, &JSONCodec{}, authFrame)

	resp := readServerFrame(t, conn, &JSONCodec{})
	if resp.Type != FrameErr {
		t.Fatalf("expected error frame, got %q", resp.Type)
	}
	if resp.Error.Code != ErrCodeUnauthorized {
		t.Errorf("error code = %d, want %d", resp.Error.Code, ErrCodeUnauthorized)
	}
}

func TestServer_SubscribeAndReceiveEvent(t *testing.T) {
	t.Parallel()

	broker, url := startServer(t)
	conn := dialAndAuth(t, url, "any", "")
	codec := &JSONCodec{}

	subFrame, err := NewRequestFrame(GenerateFrameID(), MethodSubscribe, SubscribeRequest{Topic: "session:sess-1"})
	if err != nil {
		t.Fatalf("build subscribe frame: %v", err)
	}
	writeClientFrame(t, conn, codec, subFrame)

	resp := readServerFrame(t, conn, codec)
	if resp.Type != FrameResponse {
		t.Fatalf("subscribe response type = %q, want %q (error: %+v)", resp.Type, FrameResponse, resp.Error)
	}

	// Publish a lifecycle event through the broker.
	r := &request.Request{
		ID:        id.NewRequestID(),
		SessionID: "sess-1",
		Channel:   "chat",
		Status:    request.StatusPending,
	}
	if err := broker.OnRequestAccepted(context.Background(), r); err != nil {
		t.Fatalf("OnRequestAccepted: %v", err)
	}

	evtFrame := readServerFrame(t, conn, codec)
	if evtFrame.Type != FrameEvent {
		t.Fatalf("expected event frame, got %q", evtFrame.Type)
	}
	if evtFrame.Topic != "session:sess-1" {
		t.Errorf("Topic = %q, want %q", evtFrame.Topic, "session:sess-1")
	}

	var evt stream.Event
	if err := json.Unmarshal(evtFrame.Data, &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evt.Type != stream.EventRequestAccepted {
		t.Errorf("event type = %q, want %q", evt.Type, stream.EventRequestAccepted)
	}
}

func TestServer_SubscribeWithTypeFilter(t *testing.T) {
	t.Parallel()

	broker, url := startServer(t)
	conn := dialAndAuth(t, url, "any", "")
	codec := &JSONCodec{}

	subFrame, err := NewRequestFrame(GenerateFrameID(), MethodSubscribe, SubscribeRequest{
		Topic: "session:sess-2",
		Types: []string{string(stream.EventRequestCompleted)},
	})
	if err != nil {
		t.Fatalf("build subscribe frame: %v", err)
	}
	writeClientFrame(t, conn, codec, subFrame)

	resp := readServerFrame(t, conn, codec)
	if resp.Type != FrameResponse {
		t.Fatalf("subscribe response type = %q, want %q (error: %+v)", resp.Type, FrameResponse, resp.Error)
	}

	r := &request.Request{
		ID:        id.NewRequestID(),
		SessionID: "sess-2",
		Channel:   "chat",
		Status:    request.StatusPending,
	}

	// Accepted is outside the requested types; completed should be the
	// first frame the client sees.
	if err := broker.OnRequestAccepted(context.Background(), r); err != nil {
		t.Fatalf("OnRequestAccepted: %v", err)
	}
	r.Status = request.StatusCompleted
	if err := broker.OnRequestCompleted(context.Background(), r, 20*time.Millisecond); err != nil {
		t.Fatalf("OnRequestCompleted: %v", err)
	}

	evtFrame := readServerFrame(t, conn, codec)
	if evtFrame.Type != FrameEvent {
		t.Fatalf("expected event frame, got %q", evtFrame.Type)
	}
	var evt stream.Event
	if err := json.Unmarshal(evtFrame.Data, &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evt.Type != stream.EventRequestCompleted {
		t.Errorf("event type = %q, want %q", evt.Type, stream.EventRequestCompleted)
	}
}

func TestServer_SubscribeInvalidTopic(t *testing.T) {
	t.Parallel()

	_, url := startServer(t)
	conn := dialAndAuth(t, url, "any", "")
	codec := &JSONCodec{}

	subFrame, err := NewRequestFrame(GenerateFrameID(), MethodSubscribe, SubscribeRequest{Topic: "bogus"})
	if err != nil {
		t.Fatalf("build subscribe frame: %v", err)
	}
	writeClientFrame(t, conn, codec, subFrame)

	resp := readServerFrame(t, conn, codec)
	if resp.Type != FrameErr {
		t.Fatalf("expected error frame, got %q", resp.Type)
	}
	if resp.Error.Code != ErrCodeBadRequest {
		t.Errorf("error code = %d, want %d", resp.Error.Code, ErrCodeBadRequest)
	}
}

func TestServer_PingPong(t *testing.T) {
	t.Parallel()

	_, url := startServer(t)
	conn := dialAndAuth(t, url, "any", "")
	codec := &JSONCodec{}

	ping := &Frame{
		ID:        GenerateFrameID(),
		Type:      FramePing,
		Timestamp: time.Now().UTC(),
	}
	writeClientFrame(t, conn, codec, ping)

	pong := readServerFrame(t, conn, codec)
	if pong.Type != FramePong {
		t.Fatalf("expected pong frame, got %q", pong.Type)
	}
	if pong.CorrelID != ping.ID {
		t.Errorf("CorrelID = %q, want %q", pong.CorrelID, ping.ID)
	}
}

func TestServer_UnknownMethod(t *testing.T) {
	t.Parallel()

	_, url := startServer(t)
	conn := dialAndAuth(t, url, "any", "")
	codec := &JSONCodec{}

	frame, err := NewRequestFrame(GenerateFrameID(), "bogus.method", nil)
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	writeClientFrame(t, conn, codec, frame)

	resp := readServerFrame(t, conn, codec)
	if resp.Type != FrameErr {
		t.Fatalf("expected error frame, got %q", resp.Type)
	}
	if resp.Error.Code != ErrCodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, ErrCodeMethodNotFound)
	}
}

func TestServer_ScopeEnforcement(t *testing.T) {
	t.Parallel()

	auth := NewAPIKeyAuthenticator(APIKeyEntry{
		Token:    "tk_limited",
		Identity: Identity{Subject: "limited", Scopes: []string{ScopeSubscribe}},
	})
	_, url := startServer(t, WithAuth(auth))
	conn := dialAndAuth(t, url, "tk_limited", "")
	codec := &JSONCodec{}

	// Stats requires stats:read, which this identity lacks.
	frame, err := NewRequestFrame(GenerateFrameID(), MethodStats, nil)
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	writeClientFrame(t, conn, codec, frame)

	resp := readServerFrame(t, conn, codec)
	if resp.Type != FrameErr {
		t.Fatalf("expected error frame, got %q", resp.Type)
	}
	if resp.Error.Code != ErrCodeForbidden {
		t.Errorf("error code = %d, want %d", resp.Error.Code, ErrCodeForbidden)
	}
}

func TestServer_MsgpackNegotiation(t *testing.T) {
	t.Parallel()

	_, url := startServer(t)
	conn := dialAndAuth(t, url, "any", CodecNameMsgpack)
	codec := &MsgpackCodec{}

	// After negotiation, frames flow in msgpack.
	frame, err := NewRequestFrame(GenerateFrameID(), MethodStats, nil)
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	writeClientFrame(t, conn, codec, frame)

	resp := readServerFrame(t, conn, codec)
	if resp.Type != FrameResponse {
		t.Fatalf("stats response type = %q, want %q (error: %+v)", resp.Type, FrameResponse, resp.Error)
	}
}

func TestServer_ConnectionManagerTracksConnections(t *testing.T) {
	t.Parallel()

	broker := stream.NewBroker(testLogger())
	srv := NewServer(broker, WithLogger(testLogger()))
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	conn := dialAndAuth(t, url, "any", "")

	// Connection is tracked after auth.
	deadline := time.After(2 * time.Second)
	for srv.Connections().Count() == 0 {
		select {
		case <-deadline:
			t.Fatal("connection not tracked after auth")
		case <-time.After(10 * time.Millisecond):
		}
	}

	conn.Close()

	// And removed on disconnect.
	deadline = time.After(2 * time.Second)
	for srv.Connections().Count() != 0 {
		select {
		case <-deadline:
			t.Fatal("connection not removed after close")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

var _ http.Handler = (*Server)(nil)
