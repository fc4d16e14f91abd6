// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers users, tokens, subscriptions, providers, keys, upstreams, and the usage ledger

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "router.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUsers_CreateAndGet(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "alice@example.com", "Alice")
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Email)
	assert.Equal(t, "Alice", got.DisplayName)

	byEmail, err := s.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byEmail.ID)

	_, err = s.GetUser(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAPITokens_Resolve(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "bob@example.com", "Bob")
	require.NoError(t, err)

	_, err = s.CreateAPIToken(ctx, u.ID, "tok-abc", "default")
	require.NoError(t, err)

	rec, err := s.ResolveAPIToken(ctx, "tok-abc")
	require.NoError(t, err)
	assert.Equal(t, u.ID, rec.UserID)
	assert.Equal(t, "default", rec.Scope)

	_, err = s.ResolveAPIToken(ctx, "tok-unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubscriptions_SetPreservesCounters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	sub := &Subscription{
		UserID:        "user-1",
		Tier:          "free",
		MaxTokens:     50_000,
		MaxRequests:   200,
		MaxConcurrent: 1,
	}
	require.NoError(t, s.SetSubscription(ctx, sub))

	require.NoError(t, s.AddUsage(ctx, "user-1", 1000))
	require.NoError(t, s.AddUsage(ctx, "user-1", 250))

	got, err := s.GetSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1250), got.TokensUsed)
	assert.Equal(t, int64(2), got.RequestsUsed)

	// Upgrading the tier must not reset usage.
	sub.Tier = "pro"
	sub.MaxTokens = 2_000_000
	sub.MaxRequests = 5_000
	sub.MaxConcurrent = 4
	require.NoError(t, s.SetSubscription(ctx, sub))

	got, err = s.GetSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "pro", got.Tier)
	assert.Equal(t, int64(1250), got.TokensUsed)
	assert.Equal(t, int64(2), got.RequestsUsed)
}

func TestAddUsage_UnknownUser(t *testing.T) {
	s := createTestStore(t)
	err := s.AddUsage(context.Background(), "ghost", 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubscription_ExpiresAtRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	expiry := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, s.SetSubscription(ctx, &Subscription{
		UserID:        "user-2",
		Tier:          "pro",
		ExpiresAt:     &expiry,
		MaxTokens:     1,
		MaxRequests:   1,
		MaxConcurrent: 1,
	}))

	got, err := s.GetSubscription(ctx, "user-2")
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(expiry), "ExpiresAt = %v, want %v", got.ExpiresAt, expiry)
}

func TestProviders_UpsertKeepsID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertProvider(ctx, &Provider{Slug: "acme", Name: "Acme"})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	second, err := s.UpsertProvider(ctx, &Provider{Slug: "acme", Name: "Acme Renamed"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Acme Renamed", second.Name)

	_, err = s.GetProviderBySlug(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProviderKeys_PutReplacesCiphertext(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	p, err := s.UpsertProvider(ctx, &Provider{Slug: "acme", Name: "Acme"})
	require.NoError(t, err)

	require.NoError(t, s.PutProviderKey(ctx, p.ID, "default", []byte("ct-1"), []byte("nonce-1")))

	rec, err := s.GetProviderKey(ctx, p.ID, "default")
	require.NoError(t, err)
	assert.Equal(t, []byte("ct-1"), rec.Ciphertext)
	assert.Equal(t, []byte("nonce-1"), rec.Nonce)

	require.NoError(t, s.PutProviderKey(ctx, p.ID, "default", []byte("ct-2"), []byte("nonce-2")))

	rec, err = s.GetProviderKey(ctx, p.ID, "default")
	require.NoError(t, err)
	assert.Equal(t, []byte("ct-2"), rec.Ciphertext)

	_, err = s.GetProviderKey(ctx, p.ID, "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpstreams_SaveAndList(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveUpstream(ctx, &Upstream{
		Name:    "files",
		Kind:    "stdio",
		Command: "mcp-files-server",
		Args:    []string{"--root", "/srv"},
	}))
	require.NoError(t, s.SaveUpstream(ctx, &Upstream{
		Name:         "search",
		Kind:         "http",
		URL:          "https://search.example.com/mcp",
		ProviderSlug: "search-co",
	}))

	ups, err := s.ListUpstreams(ctx)
	require.NoError(t, err)
	require.Len(t, ups, 2)

	byName := map[string]*Upstream{}
	for _, u := range ups {
		byName[u.Name] = u
	}
	assert.Equal(t, []string{"--root", "/srv"}, byName["files"].Args)
	assert.Equal(t, "search-co", byName["search"].ProviderSlug)

	// Saving again under the same name replaces the record.
	require.NoError(t, s.SaveUpstream(ctx, &Upstream{
		Name:    "files",
		Kind:    "stdio",
		Command: "mcp-files-server-v2",
	}))
	ups, err = s.ListUpstreams(ctx)
	require.NoError(t, err)
	require.Len(t, ups, 2)
}

func TestUsageCounters_AppendAndList(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendUsageCounter(ctx, "acme", "user-1", 100))
	require.NoError(t, s.AppendUsageCounter(ctx, "acme", "user-1", 200))
	require.NoError(t, s.AppendUsageCounter(ctx, "other", "user-2", 300))

	rows, err := s.ListUsageCounters(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, "user-1", row.UserID)
		assert.Equal(t, "acme", row.Provider)
	}
}
