// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

assets:
  dir: "./generated"
  url_prefix: "assets"

assistant:
  api_key: "sk-test"
  model: "gpt-4o"
  assistant_id: ""
  poll_interval: "400ms"
  poll_max_attempts: 150

imagegen:
  base_url: "https://img.example.com/"
  api_key: "fb-key"
  secret_key: "fb-secret"
  width: 1024
  height: 1024
  poll_interval: "10s"
  poll_max_attempts: 30

generation:
  workers: 4

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify server config
	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}

	// Verify database config
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}

	// Verify assets config
	if cfg.Assets.Dir != "./generated" {
		t.Errorf("Assets.Dir = %q, want %q", cfg.Assets.Dir, "./generated")
	}
	if cfg.Assets.URLPrefix != "assets" {
		t.Errorf("Assets.URLPrefix = %q, want %q", cfg.Assets.URLPrefix, "assets")
	}

	// Verify assistant config with duration parsing
	if cfg.Assistant.APIKey != "sk-test" {
		t.Errorf("Assistant.APIKey = %q, want %q", cfg.Assistant.APIKey, "sk-test")
	}
	if cfg.Assistant.Model != "gpt-4o" {
		t.Errorf("Assistant.Model = %q, want %q", cfg.Assistant.Model, "gpt-4o")
	}
	if cfg.Assistant.PollInterval != 400*time.Millisecond {
		t.Errorf("Assistant.PollInterval = %v, want %v", cfg.Assistant.PollInterval, 400*time.Millisecond)
	}
	if cfg.Assistant.PollAttempts != 150 {
		t.Errorf("Assistant.PollAttempts = %d, want 150", cfg.Assistant.PollAttempts)
	}

	// Verify imagegen config
	if cfg.ImageGen.BaseURL != "https://img.example.com/" {
		t.Errorf("ImageGen.BaseURL = %q, want %q", cfg.ImageGen.BaseURL, "https://img.example.com/")
	}
	if cfg.ImageGen.Width != 1024 {
		t.Errorf("ImageGen.Width = %d, want 1024", cfg.ImageGen.Width)
	}
	if cfg.ImageGen.PollInterval != 10*time.Second {
		t.Errorf("ImageGen.PollInterval = %v, want %v", cfg.ImageGen.PollInterval, 10*time.Second)
	}

	// Verify generation config
	if cfg.Generation.Workers != 4 {
		t.Errorf("Generation.Workers = %d, want 4", cfg.Generation.Workers)
	}

	// Verify logging config
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_ASSISTANT_KEY", "sk-from-env")
	t.Setenv("TEST_DB_PATH", "/tmp/env.db")

	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
database:
  path: "${TEST_DB_PATH}"
assistant:
  api_key: "${TEST_ASSISTANT_KEY}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/env.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/env.db")
	}
	if cfg.Assistant.APIKey != "sk-from-env" {
		t.Errorf("Assistant.APIKey = %q, want %q", cfg.Assistant.APIKey, "sk-from-env")
	}
}

func TestLoad_UnsetEnvVarExpandsEmpty(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
database:
  path: "./test.db"
assistant:
  api_key: "${DEFINITELY_NOT_SET_AVATAR_GATEWAY}"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected validation error for empty api_key, got nil")
	}
	if !strings.Contains(err.Error(), "assistant.api_key") {
		t.Errorf("Load() error = %v, want mention of assistant.api_key", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
database:
  path: "./test.db"
assistant:
  api_key: "sk-test"
  poll_interval: "not-a-duration"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected duration parse error, got nil")
	}
	if !strings.Contains(err.Error(), "poll_interval") {
		t.Errorf("Load() error = %v, want mention of poll_interval", err)
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name: "missing http_addr",
			content: `
database:
  path: "./test.db"
assistant:
  api_key: "sk-test"
`,
			want: "server.http_addr",
		},
		{
			name: "missing database path",
			content: `
server:
  http_addr: "0.0.0.0:8080"
assistant:
  api_key: "sk-test"
`,
			want: "database.path",
		},
		{
			name: "imagegen base_url without secret",
			content: `
server:
  http_addr: "0.0.0.0:8080"
database:
  path: "./test.db"
assistant:
  api_key: "sk-test"
imagegen:
  base_url: "https://img.example.com/"
  api_key: "fb-key"
`,
			want: "imagegen.secret_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, tt.content)
			_, err := Load(configPath)
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}
