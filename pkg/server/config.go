package server

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server    ServerSection     `toml:"server"`
	Limits    LimitsSection     `toml:"limits"`
	Listeners []ListenerSection `toml:"listeners"`
}

type ServerSection struct {
	AdminAddr        string `toml:"admin_addr"`
	JournalPath      string `toml:"journal_path"`
	JournalRetention string `toml:"journal_retention"` // "0s" keeps events forever
	Debug            bool   `toml:"debug"`
}

type LimitsSection struct {
	MaxConnections int     `toml:"max_connections"`
	MaxBufferSize  *int    `toml:"max_buffer_size"` // nil = default, 0 = unbounded
	WriteTimeout   string  `toml:"write_timeout"`
	IdleTimeout    string  `toml:"idle_timeout"`
	MessageRate    float64 `toml:"message_rate"` // per session, 0 = unlimited
	MessageBurst   int     `toml:"message_burst"`
}

// ListenerSection declares a server created at startup
type ListenerSection struct {
	Name           string `toml:"name"`
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	MaxConnections int    `toml:"max_connections"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	defaults := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			AdminAddr:   "127.0.0.1:7300",
			JournalPath:      "~/.metasock/journal.db",
			JournalRetention: "720h",
		},
		Limits: LimitsSection{
			MaxConnections: defaults.MaxConnections,
			MaxBufferSize:  &defaults.MaxBufferSize,
			WriteTimeout:   defaults.WriteTimeout.String(),
			IdleTimeout:    "0s",
		},
		Listeners: []ListenerSection{
			{Name: "graph", Host: defaults.Host, Port: 7301},
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Still runnable with defaults (likely a permissions issue)
			errorLog.Printf("Could not write default config to %s: %v", path, err)
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return TOMLConfig{}, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return config, nil
}

// Validate checks values that cannot be defaulted silently
func (c *TOMLConfig) Validate() error {
	for _, field := range []struct{ name, value string }{
		{"limits.write_timeout", c.Limits.WriteTimeout},
		{"limits.idle_timeout", c.Limits.IdleTimeout},
		{"server.journal_retention", c.Server.JournalRetention},
	} {
		if field.value == "" {
			continue
		}
		if d, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		} else if d < 0 {
			return fmt.Errorf("%s: must not be negative", field.name)
		}
	}

	if c.Limits.MaxBufferSize != nil && *c.Limits.MaxBufferSize < 0 {
		return fmt.Errorf("limits.max_buffer_size: must not be negative")
	}
	if c.Limits.MessageRate < 0 || c.Limits.MessageBurst < 0 {
		return fmt.Errorf("limits.message_rate and limits.message_burst must not be negative")
	}

	seen := make(map[string]bool, len(c.Listeners))
	for i, l := range c.Listeners {
		if strings.TrimSpace(l.Name) == "" {
			return fmt.Errorf("listeners[%d]: name is required", i)
		}
		if seen[l.Name] {
			return fmt.Errorf("listeners[%d]: duplicate name %q", i, l.Name)
		}
		seen[l.Name] = true
		if l.Port < 0 || l.Port > 65535 {
			return fmt.Errorf("listeners[%d]: port %d out of range", i, l.Port)
		}
	}
	return nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# metasock server configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect
#
# max_buffer_size = 0 disables the partial-frame cap
# idle_timeout = "0s" keeps idle sessions open forever
# message_rate = 0 disables the per-session rate limit

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts the [limits] section into defaults for every
// server, falling back to built-in values for anything unset
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Limits.MaxConnections > 0 {
		cfg.MaxConnections = c.Limits.MaxConnections
	}

	if c.Limits.MaxBufferSize != nil && *c.Limits.MaxBufferSize >= 0 {
		cfg.MaxBufferSize = *c.Limits.MaxBufferSize
	}

	if d, err := time.ParseDuration(c.Limits.WriteTimeout); err == nil && d >= 0 {
		cfg.WriteTimeout = d
	}

	if d, err := time.ParseDuration(c.Limits.IdleTimeout); err == nil && d >= 0 {
		cfg.IdleTimeout = d
	}

	if c.Limits.MessageRate > 0 {
		cfg.MessageRate = c.Limits.MessageRate
		cfg.MessageBurst = c.Limits.MessageBurst
	}

	return cfg
}

// GetJournalRetention returns how long journal events are kept, 0 meaning
// forever
func (c *TOMLConfig) GetJournalRetention() time.Duration {
	d, err := time.ParseDuration(c.Server.JournalRetention)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// LoadEnvFile loads KEY=value pairs from a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides file values from METASOCK_* environment variables.
// lookup is normally os.LookupEnv.
func (c *TOMLConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("METASOCK_ADMIN_ADDR"); ok {
		c.Server.AdminAddr = v
	}
	if v, ok := lookup("METASOCK_JOURNAL_PATH"); ok {
		c.Server.JournalPath = v
	}
	if v, ok := lookup("METASOCK_DEBUG"); ok {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("METASOCK_DEBUG: %w", err)
		}
		c.Server.Debug = debug
	}
	if v, ok := lookup("METASOCK_MAX_CONNECTIONS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("METASOCK_MAX_CONNECTIONS: invalid value %q", v)
		}
		c.Limits.MaxConnections = n
	}
	if v, ok := lookup("METASOCK_MESSAGE_RATE"); ok {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r < 0 {
			return fmt.Errorf("METASOCK_MESSAGE_RATE: invalid value %q", v)
		}
		c.Limits.MessageRate = r
	}
	return nil
}

// Options returns the creation options for a [[listeners]] entry
func (l ListenerSection) Options() []ServerOption {
	return []ServerOption{
		WithHost(l.Host),
		WithMaxConnections(l.MaxConnections),
	}
}

// GetJournalPath returns the journal path with ~ expanded, or "" when the
// journal is disabled
func (c *TOMLConfig) GetJournalPath() (string, error) {
	if strings.TrimSpace(c.Server.JournalPath) == "" {
		return "", nil
	}
	return expandHome(c.Server.JournalPath)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
