// ABOUTME: JSON-RPC dispatcher: validates envelopes, routes namespaced calls, aggregates lists
// ABOUTME: Metered calls pass through the quota gate before reaching the connection manager

package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/mcp-router/internal/auth"
	"github.com/2389/mcp-router/internal/jsonrpc"
	"github.com/2389/mcp-router/internal/metrics"
	"github.com/2389/mcp-router/internal/quota"
	"github.com/2389/mcp-router/internal/store"
	"github.com/2389/mcp-router/internal/upstream"
)

// routerURIScheme prefixes aggregated resource URIs. The original upstream
// URI travels base64-encoded in the path so any URI round-trips.
const routerURIScheme = "mcp+router://"

// serverName and serverVersion are advertised in initialize responses.
const (
	serverName    = "mcp-router"
	serverVersion = "1.0.0"
)

// Dispatcher validates and routes a single JSON-RPC envelope. It holds no
// mutable state of its own and is safe for concurrent use; synchronization
// lives in the connection manager and the quota gate.
type Dispatcher struct {
	manager *upstream.Manager
	gate    *quota.Gate
	store   store.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher over the manager, quota gate, and
// store. mx may be nil to disable traffic metrics.
func NewDispatcher(manager *upstream.Manager, gate *quota.Gate, st store.Store, mx *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		manager: manager,
		gate:    gate,
		store:   st,
		metrics: mx,
		logger:  slog.Default().With("component", "dispatcher"),
	}
}

// routedMethods is the closed set used as the metric method label;
// anything else is folded into "unknown" to keep label cardinality fixed.
var routedMethods = map[string]bool{
	"initialize":     true,
	"tools/list":     true,
	"tools/call":     true,
	"prompts/list":   true,
	"prompts/get":    true,
	"resources/list": true,
	"resources/read": true,
}

// Handle processes one JSON-RPC request and returns the response.
func (d *Dispatcher) Handle(ctx context.Context, req jsonrpc.Request) jsonrpc.Response {
	start := time.Now()
	resp := d.dispatch(ctx, req)

	method := req.Method
	if !routedMethods[method] {
		method = "unknown"
	}
	status := "ok"
	if resp.Error != nil {
		status = "error"
	}
	d.metrics.RecordCall(method, status)
	d.metrics.ObserveLatency(method, time.Since(start).Seconds())

	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, req jsonrpc.Request) jsonrpc.Response {
	if req.JSONRPC != jsonrpc.Version {
		return jsonrpc.ErrorResponse(req.ID, jsonrpc.KindInvalidRequest, "invalid JSON-RPC version", nil)
	}
	if req.Method == "" {
		return jsonrpc.ErrorResponse(req.ID, jsonrpc.KindInvalidRequest, "missing method", nil)
	}

	switch req.Method {
	case "initialize":
		return d.handleInitialize(req)
	case "tools/list":
		return d.handleList(ctx, req, "tools/list", "tools", d.prefixName)
	case "prompts/list":
		return d.handleList(ctx, req, "prompts/list", "prompts", d.prefixName)
	case "resources/list":
		return d.handleList(ctx, req, "resources/list", "resources", d.rewriteResourceURI)
	case "tools/call":
		return d.handleNamespacedCall(ctx, req, "tools/call")
	case "prompts/get":
		return d.handleNamespacedCall(ctx, req, "prompts/get")
	case "resources/read":
		return d.handleResourcesRead(ctx, req)
	default:
		return jsonrpc.ErrorResponse(req.ID, jsonrpc.KindMethodNotFound,
			fmt.Sprintf("unknown method: %s", req.Method), nil)
	}
}

// handleInitialize returns static capability metadata; no upstream call.
func (d *Dispatcher) handleInitialize(req jsonrpc.Request) jsonrpc.Response {
	return jsonrpc.ResultResponse(req.ID, map[string]any{
		"protocolVersion": "2025-03-26",
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"prompts":   map[string]any{},
			"resources": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    serverName,
			"version": serverVersion,
		},
		"subscription_tiers": quota.TierPresets(),
	})
}

// handleList fans one list method out to every registered upstream and
// concatenates the contributions in registration order. A failing upstream
// is logged and omitted; it never fails the aggregate.
func (d *Dispatcher) handleList(ctx context.Context, req jsonrpc.Request, method, field string,
	rewrite func(upstreamName string, item map[string]any)) jsonrpc.Response {

	names := d.manager.Names()
	contributions := make([][]any, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			items, err := d.listFrom(ctx, name, method, field)
			if err != nil {
				d.logger.Error("list aggregation failed",
					"method", method, "upstream", name, "error", err)
				return
			}
			contributions[i] = items
		}(i, name)
	}
	wg.Wait()

	merged := make([]any, 0)
	for i := range contributions {
		for _, item := range contributions[i] {
			if m, ok := item.(map[string]any); ok {
				rewrite(names[i], m)
			}
			merged = append(merged, item)
		}
	}

	return jsonrpc.ResultResponse(req.ID, map[string]any{field: merged})
}

// listFrom calls one upstream's list method and extracts the item array.
// Upstream-provided order is preserved.
func (d *Dispatcher) listFrom(ctx context.Context, name, method, field string) ([]any, error) {
	resp, err := d.manager.Call(ctx, name, method, map[string]any{})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var result map[string]json.RawMessage
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decoding %s result: %w", method, err)
	}
	var items []any
	if raw, ok := result[field]; ok {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("decoding %s items: %w", method, err)
		}
	}
	return items, nil
}

// prefixName qualifies an item's name with its owning upstream. An existing
// prefix on the local name is replaced so re-aggregated routers stay one
// level deep.
func (d *Dispatcher) prefixName(upstreamName string, item map[string]any) {
	original, _ := item["name"].(string)
	local := original
	if _, tail, ok := strings.Cut(original, "/"); ok {
		local = tail
	}
	item["name"] = upstreamName + "/" + local
}

// rewriteResourceURI rebases a resource URI under the router scheme with the
// upstream name as authority.
func (d *Dispatcher) rewriteResourceURI(upstreamName string, item map[string]any) {
	uri, _ := item["uri"].(string)
	if uri == "" {
		return
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(uri))
	item["uri"] = routerURIScheme + upstreamName + "/" + encoded
}

// callParams is the subset of params the dispatcher inspects. Everything
// else is forwarded verbatim.
type callParams struct {
	Name   string `json:"name"`
	URI    string `json:"uri"`
	UserID string `json:"user_id"`
	Usage  struct {
		Tokens int64 `json:"tokens"`
	} `json:"usage"`
}

// handleNamespacedCall routes tools/call and prompts/get: the upstream is
// parsed out of the name prefix, the quota gate is applied for metered
// providers, and the upstream result is forwarded verbatim.
func (d *Dispatcher) handleNamespacedCall(ctx context.Context, req jsonrpc.Request, method string) jsonrpc.Response {
	var params callParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.ErrorResponse(req.ID, jsonrpc.KindInvalidParams, "name is required", nil)
	}

	upstreamName, local, ok := strings.Cut(params.Name, "/")
	if !ok {
		return jsonrpc.ErrorResponse(req.ID, jsonrpc.KindInvalidParams, "name must be namespaced as <upstream>/<name>", nil)
	}
	if _, registered := d.manager.Registration(upstreamName); !registered {
		return jsonrpc.ErrorResponse(req.ID, jsonrpc.KindInvalidParams,
			fmt.Sprintf("unknown upstream: %s", upstreamName), nil)
	}

	// Strip the prefix before forwarding.
	var forward map[string]any
	if err := json.Unmarshal(req.Params, &forward); err != nil {
		return jsonrpc.ErrorResponse(req.ID, jsonrpc.KindInvalidParams, "params must be an object", nil)
	}
	forward["name"] = local

	return d.forwardMetered(ctx, req, upstreamName, method, forward, params)
}

// handleResourcesRead routes resources/read by parsing the router URI scheme
// back into an upstream name and the original upstream URI.
func (d *Dispatcher) handleResourcesRead(ctx context.Context, req jsonrpc.Request) jsonrpc.Response {
	var params callParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return jsonrpc.ErrorResponse(req.ID, jsonrpc.KindInvalidParams, "uri is required", nil)
	}

	rest, ok := strings.CutPrefix(params.URI, routerURIScheme)
	if !ok {
		return jsonrpc.ErrorResponse(req.ID, jsonrpc.KindInvalidParams, "uri must use the router resource scheme", nil)
	}
	upstreamName, payload, ok := strings.Cut(rest, "/")
	if !ok {
		return jsonrpc.ErrorResponse(req.ID, jsonrpc.KindInvalidParams, "malformed router resource uri", nil)
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return jsonrpc.ErrorResponse(req.ID, jsonrpc.KindInvalidParams, "malformed router resource uri", nil)
	}
	if _, registered := d.manager.Registration(upstreamName); !registered {
		return jsonrpc.ErrorResponse(req.ID, jsonrpc.KindInvalidParams,
			fmt.Sprintf("unknown upstream: %s", upstreamName), nil)
	}

	forward := map[string]any{"uri": string(decoded)}
	return d.forwardMetered(ctx, req, upstreamName, "resources/read", forward, params)
}

// forwardMetered applies the quota gate when the target upstream is linked
// to a metered provider, then forwards the call. Admission happens before
// anything reaches the upstream; a rejected admission mutates nothing.
func (d *Dispatcher) forwardMetered(ctx context.Context, req jsonrpc.Request, upstreamName, method string,
	forward map[string]any, params callParams) jsonrpc.Response {

	reg, _ := d.manager.Registration(upstreamName)

	// An authenticated identity supplies the user when params carry none.
	if params.UserID == "" {
		if id := auth.FromContext(ctx); id != nil {
			params.UserID = id.UserID
		}
	}

	var reservation *quota.Reservation
	if reg.ProviderSlug != "" {
		if params.UserID == "" {
			if d.providerRequiresSubscription(ctx, reg.ProviderSlug) {
				return jsonrpc.ErrorResponse(req.ID, jsonrpc.KindQuotaRequired,
					fmt.Sprintf("provider %s requires a subscription; supply user_id", reg.ProviderSlug), nil)
			}
		} else {
			var err error
			reservation, err = d.gate.Admit(ctx, params.UserID)
			if err != nil {
				return quotaErrorResponse(req.ID, err)
			}
		}
	}

	resp, err := d.callWithRetry(ctx, upstreamName, method, forward)
	// Settlement must run exactly once even when the caller has gone away.
	settleCtx := context.WithoutCancel(ctx)

	if err != nil {
		if reservation != nil {
			reservation.Settle(settleCtx, reg.ProviderSlug, 0, false)
			d.metrics.RecordError(reg.ProviderSlug)
		}
		return upstreamErrorResponse(req.ID, upstreamName, err)
	}
	if resp.Error != nil {
		if reservation != nil {
			reservation.Settle(settleCtx, reg.ProviderSlug, 0, false)
			d.metrics.RecordError(reg.ProviderSlug)
		}
		return jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Error: resp.Error}
	}

	if reservation != nil {
		tokens := reportedTokens(resp.Result, params.Usage.Tokens)
		reservation.Settle(settleCtx, reg.ProviderSlug, tokens, true)
		d.metrics.RecordTokens(reg.ProviderSlug, tokens)
	}
	return jsonrpc.RawResponse(req.ID, resp.Result)
}

// callWithRetry forwards one call, retrying once through an explicit restart
// when the session crashed. Repeated crashes surface to the caller.
func (d *Dispatcher) callWithRetry(ctx context.Context, upstreamName, method string, params any) (jsonrpc.Response, error) {
	resp, err := d.manager.Call(ctx, upstreamName, method, params)
	if !errors.Is(err, upstream.ErrCrashed) {
		return resp, err
	}

	d.logger.Warn("upstream crashed mid-call; restarting once",
		"upstream", upstreamName, "method", method)
	d.metrics.SetUpstreamUp(upstreamName, false)
	if rerr := d.manager.Restart(upstreamName); rerr != nil {
		return jsonrpc.Response{}, err
	}
	d.metrics.SetUpstreamUp(upstreamName, true)
	return d.manager.Call(ctx, upstreamName, method, params)
}

// providerRequiresSubscription reports whether calls against the provider
// must carry a user id. A provider registered in the store carries a
// subscription requirement; an unregistered slug does not.
func (d *Dispatcher) providerRequiresSubscription(ctx context.Context, slug string) bool {
	_, err := d.store.GetProviderBySlug(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	if err != nil {
		d.logger.Error("provider lookup failed; treating as metered", "provider", slug, "error", err)
		return true
	}
	return true
}

// reportedTokens extracts result.usage.tokens, falling back to the caller's
// estimate when the upstream reports nothing.
func reportedTokens(result json.RawMessage, estimate int64) int64 {
	var envelope struct {
		Usage struct {
			Tokens int64 `json:"tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(result, &envelope); err == nil && envelope.Usage.Tokens > 0 {
		return envelope.Usage.Tokens
	}
	return estimate
}

// quotaErrorResponse maps gate errors onto their JSON-RPC codes, naming the
// ceiling that was hit.
func quotaErrorResponse(id json.RawMessage, err error) jsonrpc.Response {
	var kind jsonrpc.ErrorKind
	switch {
	case errors.Is(err, quota.ErrNoSubscription):
		kind = jsonrpc.KindNoSubscription
	case errors.Is(err, quota.ErrSubscriptionExpired):
		kind = jsonrpc.KindSubscriptionExpired
	case errors.Is(err, quota.ErrQuotaExceeded):
		kind = jsonrpc.KindQuotaExceeded
	case errors.Is(err, quota.ErrConcurrencyExceeded):
		kind = jsonrpc.KindConcurrencyExceeded
	default:
		kind = jsonrpc.KindInternal
	}
	return jsonrpc.ErrorResponse(id, kind, err.Error(), map[string]any{"reason": kind.String()})
}

// upstreamErrorResponse maps connection manager errors onto distinguishing
// JSON-RPC codes so callers can separate transient failures from
// configuration problems.
func upstreamErrorResponse(id json.RawMessage, upstreamName string, err error) jsonrpc.Response {
	var kind jsonrpc.ErrorKind
	switch {
	case errors.Is(err, upstream.ErrNotRegistered):
		kind = jsonrpc.KindInvalidParams
	case errors.Is(err, upstream.ErrTimeout):
		kind = jsonrpc.KindUpstreamTimeout
	case errors.Is(err, upstream.ErrCrashed):
		kind = jsonrpc.KindUpstreamCrashed
	case errors.Is(err, upstream.ErrUnavailable):
		kind = jsonrpc.KindUpstreamUnavailable
	default:
		kind = jsonrpc.KindInternal
	}
	return jsonrpc.ErrorResponse(id, kind, err.Error(), map[string]any{"upstream": upstreamName})
}
