// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, durations and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389/coven-desk/internal/messenger"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	t.Setenv("TEST_MATRIX_TOKEN", "syt_secret")

	path := writeConfig(t, "desk.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  grpc_addr: "0.0.0.0:50051"
  cors_origins: ["https://shop.example.org"]

database:
  driver: sqlite
  path: "/var/lib/coven/desk.db"

gateway:
  provider: matrix
  command_prefix: "!"
  matrix:
    homeserver: "https://matrix.example.org"
    user_id: "@desk:example.org"
    access_token: "${TEST_MATRIX_TOKEN}"

sweeper:
  interval: "30s"
  idle_timeout: "10m"

agents:
  - handle: "@alice:example.org"
    name: "Alice"
  - handle: "@bob:example.org"

logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("GRPCAddr = %q", cfg.Server.GRPCAddr)
	}
	if len(cfg.Server.CORSOrigins) != 1 {
		t.Errorf("CORSOrigins = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Gateway.Matrix.AccessToken != "syt_secret" {
		t.Errorf("AccessToken = %q, want expanded env var", cfg.Gateway.Matrix.AccessToken)
	}
	if cfg.Gateway.CommandPrefix != "!" {
		t.Errorf("CommandPrefix = %q", cfg.Gateway.CommandPrefix)
	}
	if cfg.Gateway.Matrix.DataDir != "/var/lib/coven" {
		t.Errorf("DataDir = %q, want database directory", cfg.Gateway.Matrix.DataDir)
	}
	if cfg.Sweeper.Interval != 30*time.Second {
		t.Errorf("Interval = %v", cfg.Sweeper.Interval)
	}
	if cfg.Sweeper.IdleTimeout != 10*time.Minute {
		t.Errorf("IdleTimeout = %v", cfg.Sweeper.IdleTimeout)
	}
	if len(cfg.Agents) != 2 || cfg.Agents[0].Name != "Alice" {
		t.Errorf("Agents = %+v", cfg.Agents)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q", cfg.Logging.Format)
	}

	mc := cfg.Gateway.Messenger()
	if mc.Provider != messenger.ProviderMatrix || mc.Matrix.UserID != "@desk:example.org" {
		t.Errorf("Messenger() = %+v", mc)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "desk.toml", `
[server]
http_addr = ":9090"

[database]
driver = "memory"

[gateway]
provider = "loopback"

[sweeper]
idle_timeout = "2m"

[[agents]]
handle = "@alice:example.org"
name = "Alice"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Driver != DriverMemory {
		t.Errorf("Driver = %q", cfg.Database.Driver)
	}
	if cfg.Sweeper.IdleTimeout != 2*time.Minute {
		t.Errorf("IdleTimeout = %v", cfg.Sweeper.IdleTimeout)
	}
	if cfg.Sweeper.Interval != DefaultSweepInterval {
		t.Errorf("Interval = %v, want default", cfg.Sweeper.Interval)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].Handle != "@alice:example.org" {
		t.Errorf("Agents = %+v", cfg.Agents)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("database:\n  path: desk.db\n"), false)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Driver != DriverSQLite {
		t.Errorf("Driver = %q", cfg.Database.Driver)
	}
	if cfg.Gateway.Provider != messenger.ProviderLoopback {
		t.Errorf("Provider = %q, want loopback without a homeserver", cfg.Gateway.Provider)
	}
	if cfg.Gateway.CommandPrefix != "/" {
		t.Errorf("CommandPrefix = %q", cfg.Gateway.CommandPrefix)
	}
	if cfg.Sweeper.Interval != time.Minute || cfg.Sweeper.IdleTimeout != 5*time.Minute {
		t.Errorf("Sweeper = %+v", cfg.Sweeper)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestParse_ProviderInferredFromHomeserver(t *testing.T) {
	cfg, err := Parse([]byte(`
database:
  driver: memory
gateway:
  matrix:
    homeserver: "https://matrix.example.org"
    username: desk
    password: hunter2
`), false)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Gateway.Provider != messenger.ProviderMatrix {
		t.Errorf("Provider = %q, want matrix", cfg.Gateway.Provider)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad duration",
			content: "database: {driver: memory}\nsweeper: {interval: soon}",
			wantErr: "sweeper.interval",
		},
		{
			name:    "unknown driver",
			content: "database: {driver: mongo}",
			wantErr: "database.driver",
		},
		{
			name:    "sqlite without path",
			content: "database: {driver: sqlite}",
			wantErr: "database.path",
		},
		{
			name:    "postgres without dsn",
			content: "database: {driver: postgres}",
			wantErr: "database.dsn",
		},
		{
			name:    "short jwt secret",
			content: "database: {driver: memory}\nauth: {jwt_secret: short}",
			wantErr: "auth.jwt_secret",
		},
		{
			name:    "unknown provider",
			content: "database: {driver: memory}\ngateway: {provider: slack}",
			wantErr: "gateway.provider",
		},
		{
			name:    "matrix without credentials",
			content: "database: {driver: memory}\ngateway: {provider: matrix, matrix: {homeserver: 'https://m.example.org'}}",
			wantErr: "access_token or username",
		},
		{
			name:    "matrix token without user id",
			content: "database: {driver: memory}\ngateway: {provider: matrix, matrix: {homeserver: 'https://m.example.org', access_token: t}}",
			wantErr: "user_id",
		},
		{
			name:    "matrix bad homeserver",
			content: "database: {driver: memory}\ngateway: {provider: matrix, matrix: {homeserver: 'matrix.example.org', access_token: t, user_id: '@d:x'}}",
			wantErr: "http or https",
		},
		{
			name:    "agent without handle",
			content: "database: {driver: memory}\nagents: [{name: Alice}]",
			wantErr: "agents[0].handle",
		},
		{
			name:    "duplicate agent",
			content: "database: {driver: memory}\nagents: [{handle: '@a:x'}, {handle: '@a:x'}]",
			wantErr: "duplicate handle",
		},
		{
			name:    "tailscale without hostname",
			content: "database: {driver: memory}\ntailscale: {enabled: true}",
			wantErr: "tailscale.hostname",
		},
		{
			name:    "bad log format",
			content: "database: {driver: memory}\nlogging: {format: xml}",
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content), false)
			if err == nil {
				t.Fatal("Parse() should have returned an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("DESK_A", "alpha")
	os.Unsetenv("DESK_UNSET")

	got := expandEnvVars("a=${DESK_A} b=${DESK_UNSET} c=$DESK_A")
	want := "a=alpha b= c=$DESK_A"
	if got != want {
		t.Errorf("expandEnvVars() = %q, want %q", got, want)
	}
}

func TestStarter_Parses(t *testing.T) {
	t.Setenv("COVEN_DESK_JWT_SECRET", "")
	t.Setenv("HOME", "/home/desk")

	cfg, err := Parse([]byte(Starter), false)
	if err != nil {
		t.Fatalf("Parse(Starter) error = %v", err)
	}
	if cfg.Database.Path != "/home/desk/.local/share/coven/desk.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Gateway.Provider != messenger.ProviderLoopback {
		t.Errorf("Provider = %q", cfg.Gateway.Provider)
	}
}
