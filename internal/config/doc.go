// Package config handles configuration loading for mcp-router.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from MCP_ROUTER_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/mcp-router/router.yaml
//  3. ~/.config/mcp-router/router.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${MCP_ROUTER_JWT_SECRET}"
//
// Syntax: ${VAR_NAME} or $VAR_NAME
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	server:
//	  call_timeout: "30s"
//	  shutdown_grace: "10s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  addr: "127.0.0.1:8848"
//	  call_timeout: "30s"
//	  shutdown_grace: "10s"
//	  max_streams: 64
//
// Database:
//
//	database:
//	  path: "/var/lib/mcp-router/router.db"
//
// Authentication (optional):
//
//	auth:
//	  jwt_secret: "${MCP_ROUTER_JWT_SECRET}"
//	  require_token: false
//
// Upstreams:
//
//	upstreams:
//	  - name: files
//	    kind: stdio
//	    command: mcp-files-server
//	    args: ["--root", "/srv/files"]
//	  - name: search
//	    kind: http
//	    url: https://search.example.com/mcp
//	    provider_slug: search-co
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Upstream names are unique and non-empty
//   - stdio upstreams declare a command, http upstreams a URL
//   - Duration format validity
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/mcp-router/router.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
