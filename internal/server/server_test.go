// ABOUTME: Tests for the HTTP front door: envelope parsing, notifications, health
// ABOUTME: Exercises the full dispatcher path over in-memory dependencies

package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389/mcp-router/internal/auth"
	"github.com/2389/mcp-router/internal/jsonrpc"
	"github.com/2389/mcp-router/internal/metrics"
	"github.com/2389/mcp-router/internal/quota"
	"github.com/2389/mcp-router/internal/relay"
	"github.com/2389/mcp-router/internal/router"
	"github.com/2389/mcp-router/internal/store"
	"github.com/2389/mcp-router/internal/upstream"
)

const testJWTSecret = "test-secret"

func newTestServer(t *testing.T, requireAuth bool) *Server {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	manager := upstream.NewManager(time.Second, nil)
	mx := metrics.New()
	dispatcher := router.NewDispatcher(manager, quota.NewGate(st), st, mx)

	var authn *auth.Authenticator
	if requireAuth {
		authn = auth.NewAuthenticator(st, auth.NewJWTVerifier([]byte(testJWTSecret)), true)
	}
	return New("127.0.0.1:0", dispatcher, relay.NewRelay(manager, 4), authn, mx)
}

func postMCP(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) jsonrpc.Response {
	t.Helper()
	var resp jsonrpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestHandleMCP_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHandleMCP_ParseError(t *testing.T) {
	s := newTestServer(t, false)
	resp := decodeResponse(t, postMCP(t, s, "{not json"))
	if resp.Error == nil || resp.Error.Code != -32700 {
		t.Errorf("error = %+v, want code -32700", resp.Error)
	}
}

func TestHandleMCP_BodyTooLarge(t *testing.T) {
	s := newTestServer(t, false)
	big := bytes.Repeat([]byte("a"), (8<<20)+1)
	resp := decodeResponse(t, postMCP(t, s, string(big)))
	if resp.Error == nil || resp.Error.Code != -32600 {
		t.Errorf("error = %+v, want code -32600", resp.Error)
	}
}

func TestHandleMCP_Initialize(t *testing.T) {
	s := newTestServer(t, false)
	rec := postMCP(t, s, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if string(resp.ID) != "1" {
		t.Errorf("id = %s, want 1", resp.ID)
	}
	if !bytes.Contains(resp.Result, []byte("protocolVersion")) {
		t.Errorf("result missing protocolVersion: %s", resp.Result)
	}
}

func TestHandleMCP_NotificationGets202(t *testing.T) {
	s := newTestServer(t, false)
	rec := postMCP(t, s, `{"jsonrpc":"2.0","method":"initialize","params":{}}`)
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("notification got body %q", rec.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var health struct {
		Status        string `json:"status"`
		ActiveStreams int    `json:"active_streams"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if health.Status != "ok" || health.ActiveStreams != 0 {
		t.Errorf("health = %+v", health)
	}
}

func TestHandleMetrics(t *testing.T) {
	s := newTestServer(t, false)

	// Drive one call so the counters have samples to render.
	postMCP(t, s, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `mcp_router_rpc_calls{method="initialize",status="ok"} 1`) {
		t.Errorf("metrics output missing initialize counter:\n%s", body)
	}
	if !strings.Contains(body, "mcp_router_rpc_latency_seconds") {
		t.Error("metrics output missing latency histogram")
	}
}

func TestServer_AuthRequired(t *testing.T) {
	s := newTestServer(t, true)

	// No credentials: every endpoint sits behind the middleware.
	rec := postMCP(t, s, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	token, err := auth.NewJWTVerifier([]byte(testJWTSecret)).Generate("u1", time.Hour)
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", rec.Code)
	}
}
