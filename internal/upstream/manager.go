// ABOUTME: Manages one live session per configured upstream and routes calls to them.
// ABOUTME: Central registry with crash-aware restart and graceful drain on shutdown.

package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/2389/mcp-router/internal/jsonrpc"
)

// Manager owns the liveness state of every upstream session. Sessions are
// keyed by upstream name; registration order is preserved for aggregation.
type Manager struct {
	mu       sync.RWMutex
	handles  map[string]*handle
	order    []string
	draining bool

	callTimeout time.Duration
	credentials CredentialSource
	inflight    sync.WaitGroup
	logger      *slog.Logger
}

// handle pairs a registration with its current session and the cached
// initialize result. The session pointer is swapped on restart.
type handle struct {
	reg Registration

	mu       sync.Mutex
	session  Session
	initInfo json.RawMessage
}

// NewManager creates a Manager. callTimeout bounds every upstream call;
// credentials may be nil when no provider keys are in play.
func NewManager(callTimeout time.Duration, credentials CredentialSource) *Manager {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Manager{
		handles:     make(map[string]*handle),
		callTimeout: callTimeout,
		credentials: credentials,
		logger:      slog.Default().With("component", "upstream"),
	}
}

// Register opens a session for the registration and adds it to the manager.
// Re-registering an existing name rebuilds its session; the old one is
// closed first.
func (m *Manager) Register(reg Registration) error {
	session, err := m.openSession(reg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	existing, ok := m.handles[reg.Name]
	m.handles[reg.Name] = &handle{reg: reg, session: session}
	if !ok {
		m.order = append(m.order, reg.Name)
	}
	m.mu.Unlock()

	if ok {
		existing.mu.Lock()
		old := existing.session
		existing.mu.Unlock()
		_ = old.Close()
	}

	m.logger.Info("upstream registered",
		"upstream", reg.Name,
		"kind", reg.Kind,
		"provider", reg.ProviderSlug,
	)
	return nil
}

// RegisterSession adds an already-open session under the registration,
// bypassing session construction. A previous session under the same name is
// closed.
func (m *Manager) RegisterSession(reg Registration, session Session) {
	m.mu.Lock()
	existing, ok := m.handles[reg.Name]
	m.handles[reg.Name] = &handle{reg: reg, session: session}
	if !ok {
		m.order = append(m.order, reg.Name)
	}
	m.mu.Unlock()

	if ok {
		existing.mu.Lock()
		old := existing.session
		existing.mu.Unlock()
		_ = old.Close()
	}
}

func (m *Manager) openSession(reg Registration) (Session, error) {
	switch reg.Kind {
	case KindStdio:
		return NewStdioSession(reg.Name, reg.Command, reg.Args)
	case KindHTTP:
		return NewHTTPSession(reg.Name, reg.URL, reg.Bearer, reg.ProviderSlug, m.credentials)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrUnavailable, reg.Kind)
	}
}

// Names returns upstream names in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Registration returns the registration for a name.
func (m *Manager) Registration(name string) (Registration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[name]
	if !ok {
		return Registration{}, false
	}
	return h.reg, true
}

// Call sends one request to the named upstream and returns the correlated
// response. The manager's call timeout is applied on top of ctx.
func (m *Manager) Call(ctx context.Context, name, method string, params any) (jsonrpc.Response, error) {
	m.mu.RLock()
	if m.draining {
		m.mu.RUnlock()
		return jsonrpc.Response{}, fmt.Errorf("%w: shutting down", ErrUnavailable)
	}
	h, ok := m.handles[name]
	if !ok {
		m.mu.RUnlock()
		return jsonrpc.Response{}, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	m.inflight.Add(1)
	m.mu.RUnlock()
	defer m.inflight.Done()

	h.mu.Lock()
	session := h.session
	h.mu.Unlock()

	if !session.Alive() {
		return jsonrpc.Response{}, ErrCrashed
	}

	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	return session.Call(ctx, method, params)
}

// Restart rebuilds a dead session from its registration. A live session is
// left untouched. The manager never restarts silently mid-call; callers
// observing ErrCrashed decide whether to retry through here.
func (m *Manager) Restart(name string) error {
	m.mu.RLock()
	h, ok := m.handles[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.session.Alive() {
		return nil
	}

	session, err := m.openSession(h.reg)
	if err != nil {
		return err
	}
	_ = h.session.Close()
	h.session = session
	h.initInfo = nil

	m.logger.Info("upstream session restarted", "upstream", name)
	return nil
}

// Initialize returns the upstream's initialize result, issuing the call at
// most once per session and caching it.
func (m *Manager) Initialize(ctx context.Context, name string) (json.RawMessage, error) {
	m.mu.RLock()
	h, ok := m.handles[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}

	h.mu.Lock()
	if h.initInfo != nil {
		info := h.initInfo
		h.mu.Unlock()
		return info, nil
	}
	session := h.session
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	resp, err := session.Call(ctx, "initialize", map[string]any{})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: initialize failed: %s", ErrUnavailable, resp.Error.Message)
	}

	h.mu.Lock()
	h.initInfo = resp.Result
	h.mu.Unlock()
	return resp.Result, nil
}

// SupportsStreams reports whether the named upstream can serve event
// streams.
func (m *Manager) SupportsStreams(name string) bool {
	reg, ok := m.Registration(name)
	return ok && reg.Kind == KindHTTP
}

// OpenStream opens an event-stream channel against the named upstream.
func (m *Manager) OpenStream(ctx context.Context, name string, query url.Values) (<-chan StreamEvent, error) {
	m.mu.RLock()
	if m.draining {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: shutting down", ErrUnavailable)
	}
	h, ok := m.handles[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}

	h.mu.Lock()
	session := h.session
	h.mu.Unlock()

	return session.OpenStream(ctx, query)
}

// Shutdown drains the manager: new calls are refused, in-flight calls get
// until ctx's deadline to finish, then every session is closed.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown deadline reached with calls in flight")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, h := range m.handles {
		h.mu.Lock()
		session := h.session
		h.mu.Unlock()
		if err := session.Close(); err != nil {
			m.logger.Warn("closing upstream session", "upstream", name, "error", err)
		}
	}
}
