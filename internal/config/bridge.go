package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"gopkg.in/yaml.v3"
)

// BridgeConfig holds configuration for the WebSocket to stdio bridge.
type BridgeConfig struct {
	Port             int           `yaml:"port"`
	MCPCommand       string        `yaml:"mcp_command"`
	Database         string        `yaml:"database"`
	ConfigFile       string        `yaml:"-"`
	LogLevel         string        `yaml:"log_level"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	RedisAddr        string        `yaml:"redis_addr"`
	PickerCommand    string        `yaml:"picker_command"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
	TerminateGrace   time.Duration `yaml:"terminate_grace"`
	SwitchExitWait   time.Duration `yaml:"switch_exit_wait"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReplaySize       int           `yaml:"replay_size"`
}

// DefaultMCPCommand is the canonical lifecycle MCP server launcher.
const DefaultMCPCommand = "lifecycle-mcp"

// SetDefaults initializes c with built-in defaults.
func (c *BridgeConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = 3000
	}
	if c.MCPCommand == "" {
		c.MCPCommand = DefaultMCPCommand
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.AllowedOrigins == nil {
		c.AllowedOrigins = []string{"localhost:*", "127.0.0.1:*"}
	}
	if c.PickerCommand == "" {
		c.PickerCommand = DefaultPickerCommand(runtime.GOOS)
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = time.Second
	}
	if c.TerminateGrace == 0 {
		c.TerminateGrace = 5 * time.Second
	}
	if c.SwitchExitWait == 0 {
		c.SwitchExitWait = 3 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReplaySize == 0 {
		c.ReplaySize = 100
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("bridge.yaml")
	}
}

// DefaultPickerCommand returns the native file dialog used by database/pick.
func DefaultPickerCommand(goos string) string {
	switch goos {
	case "darwin":
		return `osascript -e 'POSIX path of (choose file with prompt "Select lifecycle database")'`
	case "windows":
		return `powershell -NoProfile -Command "Add-Type -AssemblyName System.Windows.Forms; $d = New-Object System.Windows.Forms.OpenFileDialog; $d.Filter = 'Database (*.db;*.sqlite)|*.db;*.sqlite|All files|*.*'; if ($d.ShowDialog() -eq 'OK') { $d.FileName } else { exit 1 }"`
	default:
		return `zenity --file-selection --title="Select lifecycle database" --file-filter="*.db *.sqlite"`
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *BridgeConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := GetEnv("MCP_COMMAND", ""); v != "" {
		c.MCPCommand = v
	}
	if v := GetEnv("LIFECYCLE_DB", ""); v != "" {
		c.Database = v
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := GetEnv("PICKER_COMMAND", ""); v != "" {
		c.PickerCommand = v
	}
	if v := GetEnv("REPLAY_SIZE", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ReplaySize = n
		}
	}
	envDuration("SETTLE_DELAY", &c.SettleDelay)
	envDuration("TERMINATE_GRACE", &c.TerminateGrace)
	envDuration("SWITCH_EXIT_WAIT", &c.SwitchExitWait)
	envDuration("HANDSHAKE_TIMEOUT", &c.HandshakeTimeout)
}

func envDuration(k string, dst *time.Duration) {
	if v := GetEnv(k, ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// BindFlags binds command line flags using the current config values as
// defaults.
func (c *BridgeConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "bridge config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.Port, "port", c.Port, "WebSocket listen port; clients connect to ws://host:PORT/mcp")
	fs.StringVar(&c.MCPCommand, "mcp-command", c.MCPCommand, "command line used to launch the stdio MCP server")
	fs.StringVar(&c.Database, "database", c.Database, "database passed to the MCP server as LIFECYCLE_DB at startup")
	fs.Func("allowed-origins", "comma separated list of allowed browser origins (host patterns)", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis URL used to remember the active database; empty keeps it in memory")
	fs.StringVar(&c.PickerCommand, "picker-command", c.PickerCommand, "native file picker used by database/pick")
	fs.DurationVar(&c.SettleDelay, "settle-delay", c.SettleDelay, "delay after spawning the MCP server before writes are allowed")
	fs.DurationVar(&c.TerminateGrace, "terminate-grace", c.TerminateGrace, "time between SIGTERM and SIGKILL when stopping the MCP server")
	fs.DurationVar(&c.SwitchExitWait, "switch-exit-wait", c.SwitchExitWait, "maximum wait for the old MCP server to exit during a database switch")
	fs.DurationVar(&c.HandshakeTimeout, "handshake-timeout", c.HandshakeTimeout, "initialize handshake timeout after a database switch")
}

// LoadFile populates the config from a YAML file.
func (c *BridgeConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// Command splits MCPCommand into executable and arguments.
func (c *BridgeConfig) Command() (string, []string, error) {
	words, err := shellwords.Parse(c.MCPCommand)
	if err != nil {
		return "", nil, fmt.Errorf("parse --mcp-command: %w", err)
	}
	if len(words) == 0 {
		return "", nil, errors.New("parse --mcp-command: empty command")
	}
	return words[0], words[1:], nil
}

// Picker splits PickerCommand into executable and arguments.
func (c *BridgeConfig) Picker() ([]string, error) {
	words, err := shellwords.Parse(c.PickerCommand)
	if err != nil {
		return nil, fmt.Errorf("parse --picker-command: %w", err)
	}
	return words, nil
}

// Validate reports configuration that cannot work.
func (c *BridgeConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if _, _, err := c.Command(); err != nil {
		return err
	}
	if c.ReplaySize < 0 {
		return fmt.Errorf("invalid replay size %d", c.ReplaySize)
	}
	return nil
}

// LoadBridge resolves the bridge configuration from defaults, the YAML file,
// the environment and finally args, each layer overriding the previous one.
func LoadBridge(fs *flag.FlagSet, args []string) (BridgeConfig, error) {
	var c BridgeConfig
	c.SetDefaults()
	path := GetEnv("CONFIG_FILE", c.ConfigFile)
	if p, ok := flagValue(args, "config"); ok {
		path = p
	}
	if err := c.LoadFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return c, fmt.Errorf("load config %s: %w", path, err)
	}
	c.ConfigFile = path
	c.SetDefaults()
	c.ApplyEnv()
	c.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// flagValue finds -name=value, --name=value or --name value in args without
// parsing the rest.
func flagValue(args []string, name string) (string, bool) {
	for i, a := range args {
		if a == "--" {
			break
		}
		trimmed := strings.TrimLeft(a, "-")
		if trimmed == a {
			continue
		}
		if v, ok := strings.CutPrefix(trimmed, name+"="); ok {
			return v, true
		}
		if trimmed == name && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}
