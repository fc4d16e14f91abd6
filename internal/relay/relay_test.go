// ABOUTME: Tests for the SSE relay: routing checks, stream cap, event framing
// ABOUTME: Drives a fake streaming session through the connection manager

package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/2389/mcp-router/internal/jsonrpc"
	"github.com/2389/mcp-router/internal/upstream"
)

// streamSession serves a pre-filled event channel.
type streamSession struct {
	events   chan upstream.StreamEvent
	openErr  error
	gotQuery url.Values
}

func (s *streamSession) Call(ctx context.Context, method string, params any) (jsonrpc.Response, error) {
	return jsonrpc.Response{}, upstream.ErrUnavailable
}

func (s *streamSession) OpenStream(ctx context.Context, q url.Values) (<-chan upstream.StreamEvent, error) {
	s.gotQuery = q
	if s.openErr != nil {
		return nil, s.openErr
	}
	return s.events, nil
}

func (s *streamSession) Alive() bool  { return true }
func (s *streamSession) Close() error { return nil }

func newStreamRelay(t *testing.T, maxStreams int, session *streamSession) *Relay {
	t.Helper()
	m := upstream.NewManager(time.Second, nil)
	m.RegisterSession(upstream.Registration{Name: "events", Kind: upstream.KindHTTP}, session)
	return NewRelay(m, maxStreams)
}

func streamRequest(target string) *http.Request {
	return httptest.NewRequest(http.MethodGet, target, nil)
}

func TestServeHTTP_MethodNotAllowed(t *testing.T) {
	r := newStreamRelay(t, 4, &streamSession{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp/stream?upstream=events", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestServeHTTP_MissingUpstreamParam(t *testing.T) {
	r := newStreamRelay(t, 4, &streamSession{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, streamRequest("/mcp/stream"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestServeHTTP_UnknownUpstream(t *testing.T) {
	r := newStreamRelay(t, 4, &streamSession{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, streamRequest("/mcp/stream?upstream=ghost"))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestServeHTTP_NonStreamingUpstream(t *testing.T) {
	m := upstream.NewManager(time.Second, nil)
	m.RegisterSession(upstream.Registration{Name: "local", Kind: upstream.KindStdio}, &streamSession{})
	r := NewRelay(m, 4)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, streamRequest("/mcp/stream?upstream=local"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestServeHTTP_StreamCap(t *testing.T) {
	r := newStreamRelay(t, 0, &streamSession{})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, streamRequest("/mcp/stream?upstream=events"))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
}

func TestServeHTTP_OpenStreamFailure(t *testing.T) {
	r := newStreamRelay(t, 4, &streamSession{openErr: upstream.ErrUnavailable})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, streamRequest("/mcp/stream?upstream=events"))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	if r.Active() != 0 {
		t.Errorf("Active = %d after failed open, want 0", r.Active())
	}
}

func TestServeHTTP_RelaysEventsAndTerminalFrame(t *testing.T) {
	events := make(chan upstream.StreamEvent, 2)
	events <- upstream.StreamEvent{Event: "tick", ID: "1", Data: "hello"}
	events <- upstream.StreamEvent{Data: "line one\nline two"}
	close(events)

	session := &streamSession{events: events}
	r := newStreamRelay(t, 4, session)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, streamRequest("/mcp/stream?upstream=events&topic=alerts"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != ContentTypeEventStream {
		t.Errorf("content type = %q", ct)
	}

	body := rec.Body.String()
	wantFrames := []string{
		"event: tick\nid: 1\ndata: hello\n\n",
		"data: line one\ndata: line two\n\n",
		"event: end\ndata: {}\n\n",
	}
	for _, frame := range wantFrames {
		if !strings.Contains(body, frame) {
			t.Errorf("body missing frame %q\nbody:\n%s", frame, body)
		}
	}
	if strings.Index(body, "event: tick") > strings.Index(body, "event: end") {
		t.Error("terminal frame arrived before events")
	}

	// The routing parameter is stripped; everything else is forwarded.
	if session.gotQuery.Get("upstream") != "" {
		t.Error("upstream parameter leaked to the upstream query")
	}
	if session.gotQuery.Get("topic") != "alerts" {
		t.Errorf("topic = %q, want alerts", session.gotQuery.Get("topic"))
	}

	if r.Active() != 0 {
		t.Errorf("Active = %d after stream ended, want 0", r.Active())
	}
}

func TestServeHTTP_KeepaliveComments(t *testing.T) {
	// No events arrive; with the interval shortened, idle streams must
	// still carry keepalive comments.
	session := &streamSession{events: make(chan upstream.StreamEvent)}
	r := newStreamRelay(t, 1, session)
	r.keepalive = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	req := streamRequest("/mcp/stream?upstream=events").WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		r.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after disconnect")
	}

	if !strings.Contains(rec.Body.String(), ": keepalive\n\n") {
		t.Errorf("body missing keepalive comment:\n%q", rec.Body.String())
	}
}

func TestServeHTTP_ClientDisconnectReleasesSlot(t *testing.T) {
	// The event channel never closes; only the client going away ends the
	// stream.
	session := &streamSession{events: make(chan upstream.StreamEvent)}
	r := newStreamRelay(t, 1, session)

	ctx, cancel := context.WithCancel(context.Background())
	req := streamRequest("/mcp/stream?upstream=events").WithContext(ctx)

	done := make(chan struct{})
	go func() {
		r.ServeHTTP(httptest.NewRecorder(), req)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for r.Active() != 1 {
		select {
		case <-deadline:
			t.Fatal("stream never became active")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after disconnect")
	}
	if r.Active() != 0 {
		t.Errorf("Active = %d after disconnect, want 0", r.Active())
	}
}

func TestFormatEvent(t *testing.T) {
	cases := []struct {
		name string
		ev   upstream.StreamEvent
		want string
	}{
		{"data only", upstream.StreamEvent{Data: "x"}, "data: x\n\n"},
		{"full", upstream.StreamEvent{Event: "msg", ID: "7", Data: "x"}, "event: msg\nid: 7\ndata: x\n\n"},
		{"multiline", upstream.StreamEvent{Data: "a\nb"}, "data: a\ndata: b\n\n"},
		{"empty data", upstream.StreamEvent{Event: "ping"}, "event: ping\ndata: \n\n"},
	}
	for _, tc := range cases {
		if got := formatEvent(tc.ev); got != tc.want {
			t.Errorf("%s: formatEvent = %q, want %q", tc.name, got, tc.want)
		}
	}
}
