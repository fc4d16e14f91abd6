// ABOUTME: Store interface and record types for router persistence
// ABOUTME: Defines users, tokens, subscriptions, providers, upstreams, and the usage ledger

package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// User is a registered caller of the router.
type User struct {
	ID          string
	Email       string
	DisplayName string
	CreatedAt   time.Time
}

// APIToken is an opaque bearer token owned by a user.
type APIToken struct {
	ID        string
	UserID    string
	Token     string
	Scope     string
	CreatedAt time.Time
}

// Subscription is the per-user entitlement record. One active subscription
// exists per user; counters only grow, reset is an external admin action.
type Subscription struct {
	UserID        string
	Tier          string
	ExpiresAt     *time.Time
	MaxTokens     int64
	MaxRequests   int64
	MaxConcurrent int
	TokensUsed    int64
	RequestsUsed  int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Provider is a logical vendor grouping upstreams and encrypted keys.
type Provider struct {
	ID          string
	Slug        string
	Name        string
	Description string
	Kind        string
	Endpoint    string
	Metadata    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProviderKey holds encrypted credential material for (provider, name).
// Plaintext never touches this package.
type ProviderKey struct {
	ProviderID string
	Name       string
	Ciphertext []byte
	Nonce      []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Upstream is a persisted backend registration.
type Upstream struct {
	Name         string
	Kind         string
	Command      string
	Args         []string
	URL          string
	Bearer       string
	ProviderSlug string
	CreatedAt    time.Time
}

// UsageCounter is one append-only ledger row per completed metered call.
type UsageCounter struct {
	ID        int64
	Provider  string
	UserID    string
	Tokens    int64
	CreatedAt time.Time
}

// Store defines the persistence operations the router core depends on.
type Store interface {
	CreateUser(ctx context.Context, email, displayName string) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	CreateAPIToken(ctx context.Context, userID, token, scope string) (*APIToken, error)
	ResolveAPIToken(ctx context.Context, token string) (*APIToken, error)

	GetSubscription(ctx context.Context, userID string) (*Subscription, error)
	SetSubscription(ctx context.Context, sub *Subscription) error
	AddUsage(ctx context.Context, userID string, tokens int64) error

	UpsertProvider(ctx context.Context, p *Provider) (*Provider, error)
	GetProviderBySlug(ctx context.Context, slug string) (*Provider, error)

	PutProviderKey(ctx context.Context, providerID, name string, ciphertext, nonce []byte) error
	GetProviderKey(ctx context.Context, providerID, name string) (*ProviderKey, error)

	SaveUpstream(ctx context.Context, u *Upstream) error
	ListUpstreams(ctx context.Context) ([]*Upstream, error)

	AppendUsageCounter(ctx context.Context, provider, userID string, tokens int64) error
	ListUsageCounters(ctx context.Context, userID string, limit int) ([]*UsageCounter, error)

	Close() error
}

// encodeArgs joins command arguments for storage in a single column.
// Arguments containing the separator are not supported.
func encodeArgs(args []string) string {
	return strings.Join(args, "\x1f")
}

func decodeArgs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x1f")
}
