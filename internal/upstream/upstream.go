// ABOUTME: Session interface and error taxonomy for backend MCP servers
// ABOUTME: A session is one live channel to an upstream, stdio process or HTTP endpoint

package upstream

import (
	"context"
	"errors"
	"net/url"

	"github.com/2389/mcp-router/internal/jsonrpc"
)

// Upstream kinds
const (
	KindStdio = "stdio"
	KindHTTP  = "http"
)

// Session errors. Callers distinguish transient-retryable (crashed, timeout)
// from configuration problems (unavailable) by sentinel.
var (
	ErrUnavailable       = errors.New("upstream: unavailable")
	ErrTimeout           = errors.New("upstream: call timed out")
	ErrCrashed           = errors.New("upstream: session crashed")
	ErrNotRegistered     = errors.New("upstream: not registered")
	ErrStreamUnsupported = errors.New("upstream: event streams not supported")
)

// Registration declares one upstream. Immutable once a session is
// established; changing it requires rebuilding the session.
type Registration struct {
	Name         string
	Kind         string
	Command      string
	Args         []string
	URL          string
	Bearer       string
	ProviderSlug string
}

// Session is one addressable channel to an upstream, uniform across
// transport kinds.
type Session interface {
	// Call sends one JSON-RPC request and returns the correlated response.
	// The request id is allocated by the session; concurrent calls are
	// allowed and responses may arrive in any order.
	Call(ctx context.Context, method string, params any) (jsonrpc.Response, error)

	// OpenStream opens a secondary event-stream channel. The returned
	// channel is closed when the upstream disconnects or ctx is cancelled.
	// Sessions without stream support return ErrStreamUnsupported.
	OpenStream(ctx context.Context, query url.Values) (<-chan StreamEvent, error)

	// Alive reports whether the session can still accept calls.
	Alive() bool

	// Close releases the session's process or connections.
	Close() error
}

// StreamEvent is one event relayed from an upstream event stream.
type StreamEvent struct {
	ID    string
	Event string
	Data  string
}

// CredentialSource resolves the outbound bearer credential for a provider
// slug at call time. Implementations decrypt on every call; the plaintext is
// attached to one request and discarded.
type CredentialSource interface {
	// BearerFor returns the credential for the slug, or ok=false when the
	// provider has no stored key.
	BearerFor(ctx context.Context, providerSlug string) (token string, ok bool, err error)
}
