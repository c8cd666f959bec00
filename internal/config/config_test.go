package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func withEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	prev := env
	env = func(k string) string { return vars[k] }
	t.Cleanup(func() { env = prev })
}

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("lifecycle-bridge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestLoadBridgeDefaults(t *testing.T) {
	withEnv(t, map[string]string{"CONFIG_FILE": filepath.Join(t.TempDir(), "missing.yaml")})
	cfg, err := LoadBridge(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 3000 || cfg.MCPCommand != "lifecycle-mcp" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.SettleDelay != time.Second || cfg.TerminateGrace != 5*time.Second || cfg.SwitchExitWait != 3*time.Second || cfg.HandshakeTimeout != 10*time.Second {
		t.Fatalf("timing defaults = %+v", cfg)
	}
	if cfg.ReplaySize != 100 {
		t.Fatalf("replay size = %d", cfg.ReplaySize)
	}
}

func TestLoadBridgeLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	yml := "port: 4000\nmcp_command: uvx lifecycle-mcp\nhandshake_timeout: 2s\nallowed_origins: [\"app.local\"]\n"
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	withEnv(t, map[string]string{"PORT": "5000", "LIFECYCLE_DB": "/env/db.sqlite"})
	cfg, err := LoadBridge(newFlagSet(), []string{"--config", path, `--mcp-command=python -m "lifecycle mcp"`})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 5000 {
		t.Fatalf("env must override file: port %d", cfg.Port)
	}
	if cfg.HandshakeTimeout != 2*time.Second {
		t.Fatalf("file value lost: %s", cfg.HandshakeTimeout)
	}
	if cfg.Database != "/env/db.sqlite" {
		t.Fatalf("database = %q", cfg.Database)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "app.local" {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
	exe, args, err := cfg.Command()
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	if exe != "python" || strings.Join(args, "|") != "-m|lifecycle mcp" {
		t.Fatalf("command = %q %q", exe, args)
	}
}

func TestLoadBridgeRejectsBadPort(t *testing.T) {
	withEnv(t, map[string]string{"CONFIG_FILE": filepath.Join(t.TempDir(), "missing.yaml")})
	if _, err := LoadBridge(newFlagSet(), []string{"--port=0"}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLoadBridgeHelp(t *testing.T) {
	withEnv(t, map[string]string{"CONFIG_FILE": filepath.Join(t.TempDir(), "missing.yaml")})
	if _, err := LoadBridge(newFlagSet(), []string{"-h"}); err != flag.ErrHelp {
		t.Fatalf("expected flag.ErrHelp, got %v", err)
	}
}

func TestFlagValue(t *testing.T) {
	tests := []struct {
		args []string
		want string
		ok   bool
	}{
		{[]string{"--config=/a.yaml"}, "/a.yaml", true},
		{[]string{"-config", "/b.yaml"}, "/b.yaml", true},
		{[]string{"--port=1", "--", "--config=/c"}, "", false},
		{[]string{"config=/d"}, "", false},
	}
	for _, tt := range tests {
		got, ok := flagValue(tt.args, "config")
		if got != tt.want || ok != tt.ok {
			t.Fatalf("flagValue(%v) = %q,%v", tt.args, got, ok)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	tests := []struct {
		name        string
		goos        string
		home        string
		programData string
		xdg         string
		want        string
	}{
		{name: "linux", goos: "linux", home: "/home/user", want: "/home/user/.config/lifecycle-bridge/bridge.yaml"},
		{name: "linux xdg", goos: "linux", home: "/home/user", xdg: "/xdg", want: "/xdg/lifecycle-bridge/bridge.yaml"},
		{name: "darwin", goos: "darwin", home: "/Users/test", want: "/Users/test/Library/Application Support/lifecycle-bridge/bridge.yaml"},
		{name: "windows", goos: "windows", programData: "C:\\ProgramData", want: "C:/ProgramData/lifecycle-bridge/bridge.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveConfigPath(tt.goos, tt.home, tt.programData, tt.xdg, "bridge.yaml")
			got = strings.ReplaceAll(got, "\\", "/")
			if got != tt.want {
				t.Errorf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestClientConfigFlags(t *testing.T) {
	withEnv(t, map[string]string{"BRIDGE_URL": "ws://bridge:9/mcp"})
	var c ClientConfig
	fs := newFlagSet()
	c.BindFlags(fs)
	if err := fs.Parse([]string{"--max-retries=2", "--retry-max=1s"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.URL != "ws://bridge:9/mcp" || c.MaxRetries != 2 || c.RetryMax != time.Second || c.RetryBase != 500*time.Millisecond {
		t.Fatalf("client config = %+v", c)
	}
}
