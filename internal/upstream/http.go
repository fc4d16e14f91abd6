// ABOUTME: HTTP upstream session: JSON-RPC over POST with MCP session tracking
// ABOUTME: Supports secondary SSE event-stream channels via GET

package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mcp-router/internal/jsonrpc"
)

// MCP transport headers
const (
	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "MCP-Protocol-Version"

	protocolVersion = "2025-03-26"
)

// HTTPSession talks JSON-RPC to an upstream HTTP endpoint. The upstream's
// Mcp-Session-Id header is captured and replayed on subsequent calls.
type HTTPSession struct {
	name         string
	url          string
	bearer       string
	providerSlug string
	credentials  CredentialSource
	client       *http.Client

	mu        sync.Mutex
	sessionID string
	closed    bool

	logger *slog.Logger
}

// NewHTTPSession validates the URL and prepares the HTTP client. Returns
// ErrUnavailable for unusable URLs; no connection is made until the first
// call. When no static bearer is configured, credentials (if non-nil) is
// consulted per call for the provider's stored key.
func NewHTTPSession(name, rawURL, bearer, providerSlug string, credentials CredentialSource) (*HTTPSession, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: invalid url %q", ErrUnavailable, rawURL)
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &HTTPSession{
		name:         name,
		url:          rawURL,
		bearer:       bearer,
		providerSlug: providerSlug,
		credentials:  credentials,
		client:       &http.Client{Transport: transport},
		logger:       slog.Default().With("component", "upstream", "upstream", name),
	}, nil
}

// outboundBearer picks the credential for one request: the static bearer if
// configured, otherwise a per-call decrypt of the provider's stored key.
// The returned value must not be retained past the request.
func (s *HTTPSession) outboundBearer(ctx context.Context) (string, error) {
	if s.bearer != "" {
		return s.bearer, nil
	}
	if s.credentials == nil || s.providerSlug == "" {
		return "", nil
	}
	token, ok, err := s.credentials.BearerFor(ctx, s.providerSlug)
	if err != nil {
		return "", fmt.Errorf("%w: resolving credential for provider %s", ErrUnavailable, s.providerSlug)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// Call posts one JSON-RPC request and decodes the response. Deadlines come
// from ctx; exceeding one fails with ErrTimeout.
func (s *HTTPSession) Call(ctx context.Context, method string, params any) (jsonrpc.Response, error) {
	rawID, _ := json.Marshal(uuid.New().String())
	req, err := jsonrpc.NewRequest(rawID, method, params)
	if err != nil {
		return jsonrpc.Response{}, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return jsonrpc.Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return jsonrpc.Response{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(headerProtocolVersion, protocolVersion)
	bearer, err := s.outboundBearer(ctx)
	if err != nil {
		return jsonrpc.Response{}, err
	}
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}
	if sid := s.currentSessionID(); sid != "" {
		httpReq.Header.Set(headerSessionID, sid)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return jsonrpc.Response{}, fmt.Errorf("%w: %s", ErrTimeout, method)
		}
		if errors.Is(err, context.Canceled) {
			return jsonrpc.Response{}, ctx.Err()
		}
		return jsonrpc.Response{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(headerSessionID); sid != "" {
		s.setSessionID(sid)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return jsonrpc.Response{}, fmt.Errorf("%w: upstream returned %d", ErrUnavailable, resp.StatusCode)
	}

	var out jsonrpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return jsonrpc.Response{}, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	return out, nil
}

// OpenStream opens an SSE channel against the upstream. Events are parsed
// from the wire and forwarded until the upstream disconnects or ctx is
// cancelled; either way the returned channel is closed.
func (s *HTTPSession) OpenStream(ctx context.Context, query url.Values) (<-chan StreamEvent, error) {
	streamURL := s.url
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(streamURL, "?") {
			sep = "&"
		}
		streamURL += sep + query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set(headerProtocolVersion, protocolVersion)
	bearer, err := s.outboundBearer(ctx)
	if err != nil {
		return nil, err
	}
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}
	if sid := s.currentSessionID(); sid != "" {
		httpReq.Header.Set(headerSessionID, sid)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: upstream returned %d", ErrUnavailable, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: unexpected content type %q", ErrStreamUnsupported, ct)
	}

	events := make(chan StreamEvent, 16)
	go s.readStream(ctx, resp, events)
	return events, nil
}

// readStream parses SSE frames from the response body. Cancelling ctx closes
// the body, which unblocks the scanner.
func (s *HTTPSession) readStream(ctx context.Context, resp *http.Response, events chan<- StreamEvent) {
	defer close(events)
	defer resp.Body.Close()

	go func() {
		<-ctx.Done()
		resp.Body.Close()
	}()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var ev StreamEvent
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			// Blank line terminates one event.
			if len(data) > 0 || ev.Event != "" || ev.ID != "" {
				ev.Data = strings.Join(data, "\n")
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
			ev = StreamEvent{}
			data = nil
		case strings.HasPrefix(line, ":"):
			// Comment / keep-alive; ignored.
		case strings.HasPrefix(line, "id:"):
			ev.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.logger.Warn("upstream event stream ended", "error", err)
	}
}

func (s *HTTPSession) currentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *HTTPSession) setSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

// Alive reports whether the session accepts calls. HTTP sessions are
// stateless between calls and stay alive until closed.
func (s *HTTPSession) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close idles out the session's connections.
func (s *HTTPSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.client.CloseIdleConnections()
	return nil
}
