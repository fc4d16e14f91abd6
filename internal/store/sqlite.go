// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides router state persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id           TEXT PRIMARY KEY,
			email        TEXT NOT NULL UNIQUE,
			display_name TEXT,
			created_at   DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS api_tokens (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			token      TEXT NOT NULL UNIQUE,
			scope      TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id)
		);

		CREATE TABLE IF NOT EXISTS subscriptions (
			user_id        TEXT PRIMARY KEY,
			tier           TEXT NOT NULL,
			expires_at     DATETIME,
			max_tokens     INTEGER NOT NULL,
			max_requests   INTEGER NOT NULL,
			max_concurrent INTEGER NOT NULL,
			tokens_used    INTEGER NOT NULL DEFAULT 0,
			requests_used  INTEGER NOT NULL DEFAULT 0,
			created_at     DATETIME NOT NULL,
			updated_at     DATETIME NOT NULL,
			CHECK (tokens_used >= 0),
			CHECK (requests_used >= 0)
		);

		CREATE TABLE IF NOT EXISTS providers (
			id          TEXT PRIMARY KEY,
			slug        TEXT NOT NULL UNIQUE,
			name        TEXT NOT NULL,
			description TEXT,
			kind        TEXT NOT NULL,
			endpoint    TEXT,
			metadata    TEXT,
			created_at  DATETIME NOT NULL,
			updated_at  DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS provider_keys (
			provider_id TEXT NOT NULL,
			name        TEXT NOT NULL,
			ciphertext  BLOB NOT NULL,
			nonce       BLOB NOT NULL,
			created_at  DATETIME NOT NULL,
			updated_at  DATETIME NOT NULL,
			PRIMARY KEY (provider_id, name),
			FOREIGN KEY (provider_id) REFERENCES providers(id)
		);

		CREATE TABLE IF NOT EXISTS upstreams (
			name          TEXT PRIMARY KEY,
			kind          TEXT NOT NULL,
			command       TEXT,
			args          TEXT,
			url           TEXT,
			bearer        TEXT,
			provider_slug TEXT,
			created_at    DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS usage_counters (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			provider   TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			tokens     INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_usage_counters_user
			ON usage_counters(user_id);

		CREATE INDEX IF NOT EXISTS idx_api_tokens_user
			ON api_tokens(user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateUser inserts a new user and returns the created record.
func (s *SQLiteStore) CreateUser(ctx context.Context, email, displayName string) (*User, error) {
	user := &User{
		ID:          uuid.New().String(),
		Email:       email,
		DisplayName: displayName,
		CreatedAt:   time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, display_name, created_at) VALUES (?, ?, ?, ?)`,
		user.ID, user.Email, user.DisplayName, user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Debug("created user", "id", user.ID, "email", user.Email)
	return user, nil
}

// GetUser retrieves a user by ID. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	var displayName sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, display_name, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &displayName, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	u.DisplayName = displayName.String
	return &u, nil
}

// GetUserByEmail retrieves a user by email. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	var displayName sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, display_name, created_at FROM users WHERE email = ?`, email).
		Scan(&u.ID, &u.Email, &displayName, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user by email: %w", err)
	}
	u.DisplayName = displayName.String
	return &u, nil
}

// CreateAPIToken inserts a bearer token owned by the given user.
func (s *SQLiteStore) CreateAPIToken(ctx context.Context, userID, token, scope string) (*APIToken, error) {
	rec := &APIToken{
		ID:        uuid.New().String(),
		UserID:    userID,
		Token:     token,
		Scope:     scope,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_tokens (id, user_id, token, scope, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Token, rec.Scope, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting api token: %w", err)
	}

	s.logger.Debug("created api token", "id", rec.ID, "user_id", rec.UserID, "scope", rec.Scope)
	return rec, nil
}

// ResolveAPIToken looks up a bearer token value. Returns ErrNotFound if no
// token matches.
func (s *SQLiteStore) ResolveAPIToken(ctx context.Context, token string) (*APIToken, error) {
	var rec APIToken
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, token, scope, created_at FROM api_tokens WHERE token = ?`, token).
		Scan(&rec.ID, &rec.UserID, &rec.Token, &rec.Scope, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying api token: %w", err)
	}
	return &rec, nil
}

// GetSubscription retrieves the subscription for a user. Returns ErrNotFound
// if the user has none. At most one active subscription exists per user.
func (s *SQLiteStore) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	var sub Subscription
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, tier, expires_at, max_tokens, max_requests, max_concurrent,
		        tokens_used, requests_used, created_at, updated_at
		 FROM subscriptions WHERE user_id = ?`, userID).
		Scan(&sub.UserID, &sub.Tier, &expires, &sub.MaxTokens, &sub.MaxRequests,
			&sub.MaxConcurrent, &sub.TokensUsed, &sub.RequestsUsed,
			&sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	if expires.Valid {
		sub.ExpiresAt = &expires.Time
	}
	return &sub, nil
}

// SetSubscription upserts the subscription keyed by user id. Tier and
// ceilings are replaced; usage counters are preserved on update.
func (s *SQLiteStore) SetSubscription(ctx context.Context, sub *Subscription) error {
	now := time.Now().UTC()
	var expires any
	if sub.ExpiresAt != nil {
		expires = sub.ExpiresAt.UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions
		     (user_id, tier, expires_at, max_tokens, max_requests, max_concurrent,
		      tokens_used, requests_used, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		      tier = excluded.tier,
		      expires_at = excluded.expires_at,
		      max_tokens = excluded.max_tokens,
		      max_requests = excluded.max_requests,
		      max_concurrent = excluded.max_concurrent,
		      updated_at = excluded.updated_at`,
		sub.UserID, sub.Tier, expires, sub.MaxTokens, sub.MaxRequests,
		sub.MaxConcurrent, now, now)
	if err != nil {
		return fmt.Errorf("upserting subscription: %w", err)
	}

	s.logger.Debug("set subscription", "user_id", sub.UserID, "tier", sub.Tier)
	return nil
}

// AddUsage increments the subscription counters for one completed metered
// call in a single UPDATE. Counters only grow; reset is an admin action.
func (s *SQLiteStore) AddUsage(ctx context.Context, userID string, tokens int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions
		 SET tokens_used = tokens_used + ?,
		     requests_used = requests_used + 1,
		     updated_at = ?
		 WHERE user_id = ?`,
		tokens, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("updating usage counters: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertProvider inserts or updates a provider keyed by slug and returns
// the stored record.
func (s *SQLiteStore) UpsertProvider(ctx context.Context, p *Provider) (*Provider, error) {
	now := time.Now().UTC()
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO providers (id, slug, name, description, kind, endpoint, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(slug) DO UPDATE SET
		      name = excluded.name,
		      description = excluded.description,
		      kind = excluded.kind,
		      endpoint = excluded.endpoint,
		      metadata = excluded.metadata,
		      updated_at = excluded.updated_at`,
		id, p.Slug, p.Name, p.Description, p.Kind, p.Endpoint, p.Metadata, now, now)
	if err != nil {
		return nil, fmt.Errorf("upserting provider: %w", err)
	}

	return s.GetProviderBySlug(ctx, p.Slug)
}

// GetProviderBySlug retrieves a provider by slug. Returns ErrNotFound if it
// doesn't exist.
func (s *SQLiteStore) GetProviderBySlug(ctx context.Context, slug string) (*Provider, error) {
	var p Provider
	var desc, endpoint, metadata sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, description, kind, endpoint, metadata, created_at, updated_at
		 FROM providers WHERE slug = ?`, slug).
		Scan(&p.ID, &p.Slug, &p.Name, &desc, &p.Kind, &endpoint, &metadata,
			&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying provider: %w", err)
	}
	p.Description = desc.String
	p.Endpoint = endpoint.String
	p.Metadata = metadata.String
	return &p, nil
}

// PutProviderKey upserts the encrypted key material for (provider_id, name).
// Exactly one row exists per pair; a re-put replaces the prior value.
// This store never sees plaintext.
func (s *SQLiteStore) PutProviderKey(ctx context.Context, providerID, name string, ciphertext, nonce []byte) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_keys (provider_id, name, ciphertext, nonce, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider_id, name) DO UPDATE SET
		      ciphertext = excluded.ciphertext,
		      nonce = excluded.nonce,
		      updated_at = excluded.updated_at`,
		providerID, name, ciphertext, nonce, now, now)
	if err != nil {
		return fmt.Errorf("upserting provider key: %w", err)
	}

	s.logger.Debug("stored provider key", "provider_id", providerID, "name", name)
	return nil
}

// GetProviderKey retrieves the encrypted key material for (provider_id, name).
// Returns ErrNotFound if no key is stored for the pair.
func (s *SQLiteStore) GetProviderKey(ctx context.Context, providerID, name string) (*ProviderKey, error) {
	var k ProviderKey
	err := s.db.QueryRowContext(ctx,
		`SELECT provider_id, name, ciphertext, nonce, created_at, updated_at
		 FROM provider_keys WHERE provider_id = ? AND name = ?`, providerID, name).
		Scan(&k.ProviderID, &k.Name, &k.Ciphertext, &k.Nonce, &k.CreatedAt, &k.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying provider key: %w", err)
	}
	return &k, nil
}

// SaveUpstream persists an upstream registration keyed by name.
func (s *SQLiteStore) SaveUpstream(ctx context.Context, u *Upstream) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upstreams (name, kind, command, args, url, bearer, provider_slug, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		      kind = excluded.kind,
		      command = excluded.command,
		      args = excluded.args,
		      url = excluded.url,
		      bearer = excluded.bearer,
		      provider_slug = excluded.provider_slug`,
		u.Name, u.Kind, u.Command, encodeArgs(u.Args), u.URL, u.Bearer,
		u.ProviderSlug, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upserting upstream: %w", err)
	}
	return nil
}

// ListUpstreams returns all persisted upstream registrations ordered by name.
func (s *SQLiteStore) ListUpstreams(ctx context.Context) ([]*Upstream, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, kind, command, args, url, bearer, provider_slug, created_at
		 FROM upstreams ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying upstreams: %w", err)
	}
	defer rows.Close()

	var out []*Upstream
	for rows.Next() {
		var u Upstream
		var command, args, url, bearer, slug sql.NullString
		if err := rows.Scan(&u.Name, &u.Kind, &command, &args, &url, &bearer, &slug, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning upstream: %w", err)
		}
		u.Command = command.String
		u.Args = decodeArgs(args.String)
		u.URL = url.String
		u.Bearer = bearer.String
		u.ProviderSlug = slug.String
		out = append(out, &u)
	}
	return out, rows.Err()
}

// AppendUsageCounter writes one ledger row for a completed metered call.
// The ledger is append-only; rows are never updated or deleted here.
func (s *SQLiteStore) AppendUsageCounter(ctx context.Context, provider, userID string, tokens int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_counters (provider, user_id, tokens, created_at) VALUES (?, ?, ?, ?)`,
		provider, userID, tokens, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("appending usage counter: %w", err)
	}
	return nil
}

// ListUsageCounters returns the most recent ledger rows for a user, newest
// first.
func (s *SQLiteStore) ListUsageCounters(ctx context.Context, userID string, limit int) ([]*UsageCounter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider, user_id, tokens, created_at
		 FROM usage_counters WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying usage counters: %w", err)
	}
	defer rows.Close()

	var out []*UsageCounter
	for rows.Next() {
		var c UsageCounter
		if err := rows.Scan(&c.ID, &c.Provider, &c.UserID, &c.Tokens, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning usage counter: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
