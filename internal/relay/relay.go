// ABOUTME: Relays server-sent events from streaming upstreams to router clients.
// ABOUTME: Enforces a process-wide stream cap and tears streams down on client disconnect.

package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/2389/mcp-router/internal/upstream"
)

// SSE framing constants per the W3C event stream format.
const (
	ContentTypeEventStream = "text/event-stream"
	KeepaliveInterval      = 15 * time.Second
)

// ErrStreamLimit indicates the process-wide stream cap was hit.
var ErrStreamLimit = errors.New("relay: stream limit reached")

// Relay bridges one upstream SSE stream per client connection. Events pass
// through unmodified; the relay only adds keepalive comments and a terminal
// event so clients can tell a clean end from a broken pipe.
type Relay struct {
	manager    *upstream.Manager
	maxStreams int64
	keepalive  time.Duration
	active     atomic.Int64
	logger     *slog.Logger
}

// NewRelay creates a relay over the connection manager with the given
// process-wide cap on concurrent streams.
func NewRelay(manager *upstream.Manager, maxStreams int) *Relay {
	return &Relay{
		manager:    manager,
		maxStreams: int64(maxStreams),
		keepalive:  KeepaliveInterval,
		logger:     slog.Default().With("component", "relay"),
	}
}

// Active returns the number of streams currently open.
func (r *Relay) Active() int {
	return int(r.active.Load())
}

// acquire claims a stream slot, failing when the cap is reached. Release
// goes through the returned func so every path gives the slot back once.
func (r *Relay) acquire() (func(), error) {
	for {
		n := r.active.Load()
		if n >= r.maxStreams {
			return nil, ErrStreamLimit
		}
		if r.active.CompareAndSwap(n, n+1) {
			var released atomic.Bool
			return func() {
				if released.CompareAndSwap(false, true) {
					r.active.Add(-1)
				}
			}, nil
		}
	}
}

// ServeHTTP handles GET /mcp/stream?upstream=<name>. The remaining query
// parameters are forwarded to the upstream verbatim.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := req.URL.Query()
	name := query.Get("upstream")
	if name == "" {
		http.Error(w, "upstream query parameter is required", http.StatusBadRequest)
		return
	}
	query.Del("upstream")

	if _, registered := r.manager.Registration(name); !registered {
		http.Error(w, fmt.Sprintf("unknown upstream: %s", name), http.StatusNotFound)
		return
	}
	if !r.manager.SupportsStreams(name) {
		http.Error(w, fmt.Sprintf("upstream %s does not support streaming", name), http.StatusBadRequest)
		return
	}

	release, err := r.acquire()
	if err != nil {
		http.Error(w, "too many concurrent streams", http.StatusTooManyRequests)
		return
	}
	defer release()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := req.Context()
	events, err := r.manager.OpenStream(ctx, name, query)
	if err != nil {
		r.logger.Error("failed to open upstream stream", "upstream", name, "error", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", ContentTypeEventStream)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	r.logger.Info("stream opened", "upstream", name, "active", r.Active())
	defer r.logger.Info("stream closed", "upstream", name)

	keepalive := time.NewTicker(r.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client went away; OpenStream's reader observes the same
			// context and closes the upstream side.
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			if _, err := fmt.Fprint(w, formatEvent(ev)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// formatEvent frames one upstream event for the wire. Multi-line data is
// split across data: fields so payloads with newlines round-trip.
func formatEvent(ev upstream.StreamEvent) string {
	var sb strings.Builder
	if ev.Event != "" {
		sb.WriteString("event: ")
		sb.WriteString(ev.Event)
		sb.WriteByte('\n')
	}
	if ev.ID != "" {
		sb.WriteString("id: ")
		sb.WriteString(ev.ID)
		sb.WriteByte('\n')
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	return sb.String()
}
