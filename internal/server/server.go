// ABOUTME: HTTP front door for the router: POST /mcp, GET /mcp/stream, GET /healthz.
// ABOUTME: Parses JSON-RPC envelopes and hands them to the dispatcher.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/mcp-router/internal/auth"
	"github.com/2389/mcp-router/internal/jsonrpc"
	"github.com/2389/mcp-router/internal/metrics"
	"github.com/2389/mcp-router/internal/relay"
	"github.com/2389/mcp-router/internal/router"
)

// maxBodyBytes caps a single JSON-RPC request body.
const maxBodyBytes = 8 << 20

// Server wires the dispatcher, relay, and auth middleware behind one mux.
type Server struct {
	dispatcher *router.Dispatcher
	relay      *relay.Relay
	auth       *auth.Authenticator
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates the HTTP server listening on addr. authn may be nil when
// authentication is disabled; mx may be nil to leave /metrics unmounted.
func New(addr string, dispatcher *router.Dispatcher, rly *relay.Relay, authn *auth.Authenticator, mx *metrics.Metrics) *Server {
	s := &Server{
		dispatcher: dispatcher,
		relay:      rly,
		auth:       authn,
		logger:     slog.Default().With("component", "server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.Handle("/mcp/stream", rly)
	mux.HandleFunc("/healthz", s.handleHealth)
	if mx != nil {
		mux.Handle("/metrics", mx.Handler())
	}

	var handler http.Handler = mux
	if authn != nil {
		handler = authn.Middleware(mux)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe runs the server until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleMCP accepts one JSON-RPC request per POST body.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeResponse(w, jsonrpc.ErrorResponse(nil, jsonrpc.KindInternal, "failed to read body", nil))
		return
	}
	if len(body) > maxBodyBytes {
		writeResponse(w, jsonrpc.ErrorResponse(nil, jsonrpc.KindInvalidRequest, "request body too large", nil))
		return
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeResponse(w, jsonrpc.ErrorResponse(nil, jsonrpc.KindParseError, "invalid JSON", nil))
		return
	}

	resp := s.dispatcher.Handle(r.Context(), req)

	// Notifications get no response body.
	if req.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeResponse(w, resp)
}

// handleHealth reports liveness and the current stream count.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"active_streams": s.relay.Active(),
	})
}

func writeResponse(w http.ResponseWriter, resp jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Default().Error("failed to write response", "error", err)
	}
}
