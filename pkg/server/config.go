package server

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// PortEnv is the environment variable that overrides the listening port
const PortEnv = "PORT"

// TOMLConfig represents the structure of the server config file.
// Files ending in .yaml or .yml are read as YAML with the same keys.
type TOMLConfig struct {
	Server ServerSection `toml:"server" yaml:"server"`
	Limits LimitsSection `toml:"limits" yaml:"limits"`
}

type ServerSection struct {
	Port         int    `toml:"port" yaml:"port"`
	MetricsPort  int    `toml:"metrics_port" yaml:"metrics_port"`
	DatabasePath string `toml:"database_path" yaml:"database_path"`
}

type LimitsSection struct {
	MaxFrameSize            int `toml:"max_frame_size" yaml:"max_frame_size"`
	ReadBufferSize          int `toml:"read_buffer_size" yaml:"read_buffer_size"`
	WriteTimeoutSeconds     int `toml:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	HandshakeTimeoutSeconds int `toml:"handshake_timeout_seconds" yaml:"handshake_timeout_seconds"`
	MessagesPerSecond       int `toml:"messages_per_second" yaml:"messages_per_second"`
	MessageBurst            int `toml:"message_burst" yaml:"message_burst"`
	MaxConnections          int `toml:"max_connections" yaml:"max_connections"`
	DeliveryTimeoutMillis   int `toml:"delivery_timeout_ms" yaml:"delivery_timeout_ms"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	cfg := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			Port:         cfg.Port,
			MetricsPort:  cfg.MetricsPort,
			DatabasePath: "",
		},
		Limits: LimitsSection{
			MaxFrameSize:            cfg.MaxFrameSize,
			ReadBufferSize:          cfg.ReadBufferSize,
			WriteTimeoutSeconds:     cfg.WriteTimeoutSeconds,
			HandshakeTimeoutSeconds: cfg.HandshakeTimeoutSeconds,
			MessagesPerSecond:       cfg.MessagesPerSecond,
			MessageBurst:            cfg.MessageBurst,
			MaxConnections:          cfg.MaxConnections,
			DeliveryTimeoutMillis:   cfg.DeliveryTimeoutMillis,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Unwritable location; run with defaults anyway
			return config, nil
		}
		return config, nil
	}

	config, err := decodeConfigFile(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if err := config.Validate(); err != nil {
		return TOMLConfig{}, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return config, nil
}

func decodeConfigFile(path string) (TOMLConfig, error) {
	var config TOMLConfig

	if isYAML(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
		}
		return config, nil
	}

	meta, err := toml.DecodeFile(path, &config)
	if err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	for _, key := range meta.Undecoded() {
		log.Printf("Warning: unknown config key %q in %s", key.String(), path)
	}
	return config, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Validate rejects values no listener or limit can use. Zero means "default" everywhere.
func (c *TOMLConfig) Validate() error {
	if err := validPort("server.port", c.Server.Port); err != nil {
		return err
	}
	if err := validPort("server.metrics_port", c.Server.MetricsPort); err != nil {
		return err
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.Port {
		return fmt.Errorf("server.metrics_port must differ from server.port (%d)", c.Server.Port)
	}
	for name, v := range map[string]int{
		"limits.max_frame_size":            c.Limits.MaxFrameSize,
		"limits.read_buffer_size":          c.Limits.ReadBufferSize,
		"limits.write_timeout_seconds":     c.Limits.WriteTimeoutSeconds,
		"limits.handshake_timeout_seconds": c.Limits.HandshakeTimeoutSeconds,
		"limits.messages_per_second":       c.Limits.MessagesPerSecond,
		"limits.message_burst":             c.Limits.MessageBurst,
		"limits.max_connections":           c.Limits.MaxConnections,
		"limits.delivery_timeout_ms":       c.Limits.DeliveryTimeoutMillis,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, v)
		}
	}
	return nil
}

func validPort(name string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s out of range: %d", name, port)
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

	header := `# phonerelay server configuration
# This file was auto-generated with default values
# The PORT environment variable overrides server.port

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if isYAML(path) {
		encoder := yaml.NewEncoder(f)
		defer encoder.Close()
		if err := encoder.Encode(config); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		return nil
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ApplyEnv overrides file values from the environment
func (c *TOMLConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	raw, ok := lookup(PortEnv)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}

	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s value %q", PortEnv, raw)
	}
	if err := validPort(PortEnv, port); err != nil {
		return err
	}
	c.Server.Port = port
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.Port != 0 {
		cfg.Port = c.Server.Port
	}

	if c.Server.MetricsPort != 0 {
		cfg.MetricsPort = c.Server.MetricsPort
	}

	if c.Limits.MaxFrameSize != 0 {
		cfg.MaxFrameSize = c.Limits.MaxFrameSize
	}

	if c.Limits.ReadBufferSize != 0 {
		cfg.ReadBufferSize = c.Limits.ReadBufferSize
	}

	if c.Limits.WriteTimeoutSeconds != 0 {
		cfg.WriteTimeoutSeconds = c.Limits.WriteTimeoutSeconds
	}

	if c.Limits.HandshakeTimeoutSeconds != 0 {
		cfg.HandshakeTimeoutSeconds = c.Limits.HandshakeTimeoutSeconds
	}

	if c.Limits.DeliveryTimeoutMillis != 0 {
		cfg.DeliveryTimeoutMillis = c.Limits.DeliveryTimeoutMillis
	}

	if c.Limits.MaxConnections != 0 {
		cfg.MaxConnections = c.Limits.MaxConnections
	}

	if c.Limits.MessagesPerSecond != 0 {
		cfg.MessagesPerSecond = c.Limits.MessagesPerSecond
		cfg.MessageBurst = c.Limits.MessageBurst
	}

	return cfg
}

// GetDatabasePath returns the ledger database path with ~ expanded; "" disables the ledger
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	if strings.TrimSpace(c.Server.DatabasePath) == "" {
		return "", nil
	}
	return expandHome(c.Server.DatabasePath)
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
