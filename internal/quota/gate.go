// ABOUTME: Quota gate enforcing subscription ceilings and per-user concurrency slots
// ABOUTME: Admit reserves a slot; Settle releases it exactly once and records usage

package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/mcp-router/internal/store"
)

// Admission errors. Each maps to a distinct JSON-RPC code so callers can
// tell which ceiling was hit.
var (
	ErrNoSubscription      = errors.New("quota: no subscription")
	ErrSubscriptionExpired = errors.New("quota: subscription expired")
	ErrQuotaExceeded       = errors.New("quota: quota exceeded")
	ErrConcurrencyExceeded = errors.New("quota: concurrency limit reached")
)

// Gate validates and updates per-user subscription entitlement around a
// call. It exclusively owns subscription counter mutation.
//
// Concurrency slots are tracked in memory per user. Each user has its own
// cell with its own lock, so admission for one user never blocks another.
type Gate struct {
	store store.Store

	mu    sync.Mutex
	cells map[string]*userCell

	logger *slog.Logger
}

// userCell serializes admission and settlement for a single user.
type userCell struct {
	mu       sync.Mutex
	inFlight int
}

// NewGate creates a quota gate over the given store.
func NewGate(st store.Store) *Gate {
	return &Gate{
		store:  st,
		cells:  make(map[string]*userCell),
		logger: slog.Default().With("component", "quota"),
	}
}

func (g *Gate) cell(userID string) *userCell {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.cells[userID]
	if !ok {
		c = &userCell{}
		g.cells[userID] = c
	}
	return c
}

// Admit loads the user's subscription, checks every ceiling, and reserves a
// concurrency slot. A rejected admission mutates nothing. The returned
// reservation must be settled exactly once; Settle is safe to call from a
// deferred path and is idempotent.
func (g *Gate) Admit(ctx context.Context, userID string) (*Reservation, error) {
	c := g.cell(userID)
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, err := g.store.GetSubscription(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %s", ErrNoSubscription, userID)
	}
	if err != nil {
		return nil, err
	}

	if sub.ExpiresAt != nil && sub.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("%w: expired %s", ErrSubscriptionExpired, sub.ExpiresAt.Format(time.RFC3339))
	}
	if sub.RequestsUsed >= sub.MaxRequests {
		return nil, fmt.Errorf("%w: requests_used %d of %d", ErrQuotaExceeded, sub.RequestsUsed, sub.MaxRequests)
	}
	if sub.TokensUsed >= sub.MaxTokens {
		return nil, fmt.Errorf("%w: tokens_used %d of %d", ErrQuotaExceeded, sub.TokensUsed, sub.MaxTokens)
	}
	if c.inFlight >= sub.MaxConcurrent {
		return nil, fmt.Errorf("%w: %d calls in flight", ErrConcurrencyExceeded, c.inFlight)
	}

	c.inFlight++
	return &Reservation{gate: g, cell: c, userID: userID}, nil
}

// InFlight returns the user's current in-flight count.
func (g *Gate) InFlight(userID string) int {
	c := g.cell(userID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Reservation is one admitted concurrency slot for a user.
type Reservation struct {
	gate   *Gate
	cell   *userCell
	userID string
	once   sync.Once
}

// Settle releases the concurrency slot and, when the call succeeded,
// persists the usage: requests_used+1, tokens_used+tokens, and one
// append-only ledger row. A failed call releases the slot only. Repeated
// calls are no-ops, so a slot can never be double-released.
func (r *Reservation) Settle(ctx context.Context, provider string, tokens int64, succeeded bool) {
	r.once.Do(func() {
		r.cell.mu.Lock()
		if r.cell.inFlight > 0 {
			r.cell.inFlight--
		}
		r.cell.mu.Unlock()

		if !succeeded {
			return
		}

		if err := r.gate.store.AddUsage(ctx, r.userID, tokens); err != nil {
			r.gate.logger.Error("failed to record subscription usage",
				"user_id", r.userID, "error", err)
			return
		}
		if err := r.gate.store.AppendUsageCounter(ctx, provider, r.userID, tokens); err != nil {
			r.gate.logger.Error("failed to append usage ledger row",
				"user_id", r.userID, "provider", provider, "error", err)
		}
	})
}
