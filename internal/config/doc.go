// Package config handles configuration loading for avatar-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	assistant:
//	  api_key: "${OPENAI_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	assistant:
//	  poll_interval: "400ms"
//	imagegen:
//	  poll_interval: "10s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Database:
//
//	database:
//	  path: "/var/lib/avatar-gateway/gateway.db"
//
// Assistant service:
//
//	assistant:
//	  api_key: "${OPENAI_API_KEY}"
//	  model: "gpt-4o"
//	  poll_interval: "400ms"
//	  poll_max_attempts: 150
//
// Image generation service:
//
//	imagegen:
//	  base_url: "https://api-key.fusionbrain.ai/"
//	  api_key: "${FB_API_KEY}"
//	  secret_key: "${FB_SECRET_KEY}"
//	  poll_interval: "10s"
//	  poll_max_attempts: 30
//
// Background jobs:
//
//	generation:
//	  workers: 4
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/avatar-gateway/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
