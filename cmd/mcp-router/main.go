// ABOUTME: Entry point for the mcp-router server and its admin subcommands
// ABOUTME: Wires config, store, keyring, upstreams, quota gate, and HTTP front door

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/mcp-router/internal/auth"
	"github.com/2389/mcp-router/internal/config"
	"github.com/2389/mcp-router/internal/metrics"
	"github.com/2389/mcp-router/internal/quota"
	"github.com/2389/mcp-router/internal/relay"
	"github.com/2389/mcp-router/internal/router"
	"github.com/2389/mcp-router/internal/secrets"
	"github.com/2389/mcp-router/internal/server"
	"github.com/2389/mcp-router/internal/store"
	"github.com/2389/mcp-router/internal/upstream"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _ __ ___   ___ _ __        _ __ ___  _   _| |_ ___ _ __
| '_ ' _ \ / __| '_ \ _____| '__/ _ \| | | | __/ _ \ '__|
| | | | | | (__| |_) |_____| | | (_) | |_| | ||  __/ |
|_| |_| |_|\___| .__/      |_|  \___/ \__,_|\__\___|_|
               |_|
`

// getConfigPath returns the path to the router config file.
// Priority: MCP_ROUTER_CONFIG env var > XDG_CONFIG_HOME/mcp-router/router.yaml > ~/.config/mcp-router/router.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MCP_ROUTER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "router.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mcp-router", "router.yaml")
}

// getDataPath returns the path to the router data directory.
// Priority: XDG_DATA_HOME/mcp-router > ~/.local/share/mcp-router
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "mcp-router")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: mcp-router <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                              Start the router")
		fmt.Println("  init                               Create a config file interactively")
		fmt.Println("  subscribe --user ID --tier TIER    Create or update a subscription")
		fmt.Println("  set-key --provider SLUG            Store a provider credential (read from stdin)")
		fmt.Println("  token --user ID                    Generate a JWT for a user")
		fmt.Println("  health                             Check router health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "subscribe":
		err = runSubscribe(ctx)
	case "set-key":
		err = runSetKey(ctx)
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	// The master key is required before anything else starts. A router
	// that cannot open its keyring must not serve metered traffic.
	keyring, err := secrets.KeyringFromEnv()
	if err != nil {
		return fmt.Errorf("opening keyring: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	creds := secrets.NewCredentialStore(st, keyring)
	bearer := secrets.NewProviderBearer(st, creds)

	mx := metrics.New()

	manager := upstream.NewManager(cfg.Server.CallTimeout, bearer)
	if err := registerUpstreams(ctx, cfg, st, manager, mx); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.Addr)
	green.Print("    ▶ ")
	fmt.Printf("Upstreams: %s\n", strings.Join(manager.Names(), ", "))
	fmt.Println()

	logger.Info("starting mcp-router",
		"config", configPath,
		"addr", cfg.Server.Addr,
		"upstreams", len(manager.Names()),
	)

	gate := quota.NewGate(st)
	dispatcher := router.NewDispatcher(manager, gate, st, mx)
	rly := relay.NewRelay(manager, cfg.Server.MaxStreams)

	var authn *auth.Authenticator
	if cfg.Auth.JWTSecret != "" || cfg.Auth.RequireToken {
		var verifier auth.TokenVerifier
		if cfg.Auth.JWTSecret != "" {
			verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		}
		authn = auth.NewAuthenticator(st, verifier, cfg.Auth.RequireToken)
	}

	srv := server.New(cfg.Server.Addr, dispatcher, rly, authn, mx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "grace", cfg.Server.ShutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	manager.Shutdown(shutdownCtx)
	return nil
}

// registerUpstreams opens sessions for every configured upstream and
// ensures a provider row exists for each metered slug. Persisted
// registrations from earlier runs are loaded afterwards; config wins
// when the same name appears in both.
func registerUpstreams(ctx context.Context, cfg *config.Config, st store.Store, manager *upstream.Manager, mx *metrics.Metrics) error {
	persisted, err := st.ListUpstreams(ctx)
	if err != nil {
		return fmt.Errorf("loading upstreams: %w", err)
	}

	configured := make(map[string]bool, len(cfg.Upstreams))
	for _, uc := range cfg.Upstreams {
		configured[uc.Name] = true
	}

	for _, rec := range persisted {
		if configured[rec.Name] {
			continue
		}
		reg := upstream.Registration{
			Name:         rec.Name,
			Kind:         rec.Kind,
			Command:      rec.Command,
			Args:         rec.Args,
			URL:          rec.URL,
			Bearer:       rec.Bearer,
			ProviderSlug: rec.ProviderSlug,
		}
		if err := manager.Register(reg); err != nil {
			slog.Default().Error("failed to register persisted upstream", "upstream", rec.Name, "error", err)
		}
	}

	for _, uc := range cfg.Upstreams {
		reg := upstream.Registration{
			Name:         uc.Name,
			Kind:         uc.Kind,
			Command:      uc.Command,
			Args:         uc.Args,
			URL:          uc.URL,
			Bearer:       uc.Bearer,
			ProviderSlug: uc.ProviderSlug,
		}
		if err := manager.Register(reg); err != nil {
			return fmt.Errorf("registering upstream %s: %w", uc.Name, err)
		}

		if err := st.SaveUpstream(ctx, &store.Upstream{
			Name:         uc.Name,
			Kind:         uc.Kind,
			Command:      uc.Command,
			Args:         uc.Args,
			URL:          uc.URL,
			Bearer:       uc.Bearer,
			ProviderSlug: uc.ProviderSlug,
		}); err != nil {
			return fmt.Errorf("persisting upstream %s: %w", uc.Name, err)
		}

		if uc.ProviderSlug != "" {
			if _, err := st.UpsertProvider(ctx, &store.Provider{
				Slug: uc.ProviderSlug,
				Name: uc.ProviderSlug,
			}); err != nil {
				return fmt.Errorf("upserting provider %s: %w", uc.ProviderSlug, err)
			}
		}
	}

	// Handshake every upstream now so misconfigurations show up at startup
	// rather than on the first routed call. An upstream that is still
	// coming up is a warning, not a fatal.
	for _, name := range manager.Names() {
		_, err := manager.Initialize(ctx, name)
		if err != nil {
			slog.Default().Warn("upstream initialize failed", "upstream", name, "error", err)
		}
		mx.SetUpstreamUp(name, err == nil)
	}

	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// runSubscribe creates or updates a subscription using a tier preset.
// Existing usage counters are preserved.
func runSubscribe(ctx context.Context) error {
	var userID, tier string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--user":
			if i+1 >= len(args) {
				return fmt.Errorf("--user requires a value")
			}
			userID = args[i+1]
			i++
		case args[i] == "--tier":
			if i+1 >= len(args) {
				return fmt.Errorf("--tier requires a value")
			}
			tier = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--user="):
			userID = strings.TrimPrefix(args[i], "--user=")
		case strings.HasPrefix(args[i], "--tier="):
			tier = strings.TrimPrefix(args[i], "--tier=")
		default:
			return fmt.Errorf("unexpected argument: %s", args[i])
		}
	}
	if userID == "" || tier == "" {
		return fmt.Errorf("--user and --tier are required")
	}

	var preset *quota.TierPreset
	for _, p := range quota.TierPresets() {
		if p.Tier == tier {
			preset = &p
			break
		}
	}
	if preset == nil {
		return fmt.Errorf("unknown tier %q (expected free, pro, or enterprise)", tier)
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	if err := st.SetSubscription(ctx, &store.Subscription{
		UserID:        userID,
		Tier:          preset.Tier,
		MaxTokens:     preset.MaxTokens,
		MaxRequests:   preset.MaxRequests,
		MaxConcurrent: preset.MaxConcurrent,
	}); err != nil {
		return fmt.Errorf("saving subscription: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Subscription: %s on %s (%d tokens, %d requests, %d concurrent)\n",
		userID, preset.Tier, preset.MaxTokens, preset.MaxRequests, preset.MaxConcurrent)
	return nil
}

// runSetKey encrypts and stores a provider credential. The secret is read
// from stdin so it never appears in argv or shell history.
func runSetKey(ctx context.Context) error {
	var slug, name string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--provider":
			if i+1 >= len(args) {
				return fmt.Errorf("--provider requires a value")
			}
			slug = args[i+1]
			i++
		case args[i] == "--name":
			if i+1 >= len(args) {
				return fmt.Errorf("--name requires a value")
			}
			name = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--provider="):
			slug = strings.TrimPrefix(args[i], "--provider=")
		case strings.HasPrefix(args[i], "--name="):
			name = strings.TrimPrefix(args[i], "--name=")
		default:
			return fmt.Errorf("unexpected argument: %s", args[i])
		}
	}
	if slug == "" {
		return fmt.Errorf("--provider is required")
	}
	if name == "" {
		name = secrets.DefaultKeyName
	}

	keyring, err := secrets.KeyringFromEnv()
	if err != nil {
		return fmt.Errorf("opening keyring: %w", err)
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	provider, err := st.GetProviderBySlug(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		provider, err = st.UpsertProvider(ctx, &store.Provider{
			Slug: slug,
			Name: slug,
		})
	}
	if err != nil {
		return fmt.Errorf("resolving provider: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Enter secret for %s/%s: ", slug, name)
	reader := bufio.NewReader(os.Stdin)
	secret, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading secret: %w", err)
	}
	secret = strings.TrimRight(secret, "\r\n")
	if secret == "" {
		return fmt.Errorf("empty secret")
	}

	creds := secrets.NewCredentialStore(st, keyring)
	if err := creds.Put(ctx, provider.ID, name, secret); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Stored credential %s for provider %s\n", name, slug)
	return nil
}

// runToken generates an HS256 JWT for a user using the configured secret.
func runToken() error {
	var userID string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--user":
			if i+1 >= len(args) {
				return fmt.Errorf("--user requires a value")
			}
			userID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--user="):
			userID = strings.TrimPrefix(args[i], "--user=")
		default:
			return fmt.Errorf("unexpected argument: %s", args[i])
		}
	}
	if userID == "" {
		return fmt.Errorf("--user is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s", getConfigPath())
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(userID, 30*24*time.Hour)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.Addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("mcp-router configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "router.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	addr := prompt(reader, "HTTP address", config.DefaultAddr)

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Auth Configuration ---")
	enableAuth := prompt(reader, "Enable JWT auth?", "no")
	var jwtSecret string
	if strings.ToLower(enableAuth) == "yes" || strings.ToLower(enableAuth) == "y" {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# mcp-router configuration\n")
	cfg.WriteString("# Generated by mcp-router init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  addr: \"%s\"\n", addr))
	cfg.WriteString("  call_timeout: \"30s\"\n")
	cfg.WriteString("  shutdown_grace: \"10s\"\n")
	cfg.WriteString(fmt.Sprintf("  max_streams: %d\n", config.DefaultMaxStreams))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	if jwtSecret != "" {
		cfg.WriteString("auth:\n")
		cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", jwtSecret))
		cfg.WriteString("  require_token: false\n")
		cfg.WriteString("\n")
	}

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("# Declare backend MCP servers here, for example:\n")
	cfg.WriteString("# upstreams:\n")
	cfg.WriteString("#   - name: files\n")
	cfg.WriteString("#     kind: stdio\n")
	cfg.WriteString("#     command: mcp-files-server\n")
	cfg.WriteString("#   - name: search\n")
	cfg.WriteString("#     kind: http\n")
	cfg.WriteString("#     url: https://search.example.com/mcp\n")
	cfg.WriteString("#     provider_slug: search-co\n")

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nRemember to set MCP_ROUTER_MASTER_KEY before serving.")
	fmt.Println("\nTo start the router:")
	fmt.Printf("  mcp-router serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
