// ABOUTME: Configuration loading and parsing for iris
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/iris/internal/conversation"
)

// Provider backends.
const (
	BackendOpenRouter = "openrouter"
	BackendEino       = "eino"
)

// Built-in defaults applied by Load.
const (
	DefaultModel              = "deepseek/deepseek-r1-0528:free"
	DefaultCommandPrefix      = "!"
	DefaultMaxOutputTokens    = 4096
	DefaultSegmentLimit       = 2000
	DefaultHistoryWindow      = 10
	DefaultMaxAttachmentBytes = 10 * 1024 * 1024
	DefaultCatalogTTL         = 24 * time.Hour
	DefaultMaxConversations   = 10000
	DefaultBaseURL            = "https://openrouter.ai/api/v1"
	DefaultHTTPAddr           = "localhost:8080"
)

// Config represents the complete iris configuration
type Config struct {
	Bot       BotConfig                     `yaml:"bot" toml:"bot"`
	Provider  ProviderConfig                `yaml:"provider" toml:"provider"`
	Matrix    MatrixConfig                  `yaml:"matrix" toml:"matrix"`
	Defaults  DefaultsConfig                `yaml:"defaults" toml:"defaults"`
	Rooms     map[string]conversation.Patch `yaml:"rooms" toml:"rooms"`
	Cache     CacheConfig                   `yaml:"cache" toml:"cache"`
	Database  DatabaseConfig                `yaml:"database" toml:"database"`
	Server    ServerConfig                  `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig               `yaml:"tailscale" toml:"tailscale"`
	Auth      AuthConfig                    `yaml:"auth" toml:"auth"`
	Logging   LoggingConfig                 `yaml:"logging" toml:"logging"`
}

// BotConfig holds behaviour shared by every room
type BotConfig struct {
	Name               string   `yaml:"name" toml:"name"`
	CommandPrefix      string   `yaml:"command_prefix" toml:"command_prefix"`
	DefaultModel       string   `yaml:"default_model" toml:"default_model"`
	MaxOutputTokens    int      `yaml:"max_output_tokens" toml:"max_output_tokens"`
	SegmentLimit       int      `yaml:"segment_limit" toml:"segment_limit"`
	HistoryWindow      int      `yaml:"history_window" toml:"history_window"`
	MaxAttachmentBytes int64    `yaml:"max_attachment_bytes" toml:"max_attachment_bytes"`
	AllowedRooms       []string `yaml:"allowed_rooms" toml:"allowed_rooms"`       // empty allows every room
	Admins             []string `yaml:"admins" toml:"admins"`                     // Matrix user ids
	AdminsOnly         bool     `yaml:"admins_only" toml:"admins_only"`           // disable the bot for non-admins
	HideUsage          bool     `yaml:"hide_usage" toml:"hide_usage"`             // omit token usage lines
	DisableTyping      bool     `yaml:"disable_typing" toml:"disable_typing"`     // no typing notifications
	DisablePresence    bool     `yaml:"disable_presence" toml:"disable_presence"` // no usage presence status
}

// ProviderConfig holds the completion backend settings
type ProviderConfig struct {
	Backend string        `yaml:"backend" toml:"backend"`
	BaseURL string        `yaml:"base_url" toml:"base_url"`
	APIKey  string        `yaml:"api_key" toml:"api_key"`
	SiteURL string        `yaml:"site_url" toml:"site_url"`
	AppName string        `yaml:"app_name" toml:"app_name"`
	Timeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// MatrixConfig holds Matrix frontend configuration
type MatrixConfig struct {
	Enabled     bool             `yaml:"enabled" toml:"enabled"`
	Homeserver  string           `yaml:"homeserver" toml:"homeserver"`
	UserID      string           `yaml:"user_id" toml:"user_id"`
	AccessToken string           `yaml:"access_token" toml:"access_token"`
	DeviceID    string           `yaml:"device_id" toml:"device_id"`
	Encryption  EncryptionConfig `yaml:"encryption" toml:"encryption"`
}

// EncryptionConfig holds end-to-end encryption settings
type EncryptionConfig struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	PickleKey    string `yaml:"pickle_key" toml:"pickle_key"`       // derived from the user id when empty
	RecoveryKey  string `yaml:"recovery_key" toml:"recovery_key"`   // enables cross-signing verification
	DatabasePath string `yaml:"database_path" toml:"database_path"` // defaults next to database.path
}

// DefaultsConfig holds the settings every room starts with
type DefaultsConfig struct {
	Personality *string  `yaml:"personality" toml:"personality"`
	Temperature *float64 `yaml:"temperature" toml:"temperature"`
	AutoReply   bool     `yaml:"auto_reply" toml:"auto_reply"`
}

// CacheConfig holds cache lifetimes and bounds
type CacheConfig struct {
	CatalogTTL          time.Duration `yaml:"-" toml:"-"`
	CapabilityTTL       time.Duration `yaml:"-" toml:"-"`
	ConversationIdleTTL time.Duration `yaml:"-" toml:"-"`
	MaxConversations    int           `yaml:"max_conversations" toml:"max_conversations"`

	// Raw string values for unmarshaling
	CatalogTTLRaw          string `yaml:"catalog_ttl" toml:"catalog_ttl"`
	CapabilityTTLRaw       string `yaml:"capability_ttl" toml:"capability_ttl"`
	ConversationIdleTTLRaw string `yaml:"conversation_idle_ttl" toml:"conversation_idle_ttl"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// ServerConfig holds admin server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // empty disables the gRPC health server
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// AuthConfig holds admin API authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DefaultPath returns the config file location.
// Priority: IRIS_CONFIG env var > XDG_CONFIG_HOME/iris/iris.yaml > ~/.config/iris/iris.yaml
func DefaultPath() string {
	if envPath := os.Getenv("IRIS_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "iris.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "iris", "iris.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes raw configuration, applies defaults, and validates it.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Bot.Name == "" {
		c.Bot.Name = "Iris"
	}
	if c.Bot.CommandPrefix == "" {
		c.Bot.CommandPrefix = DefaultCommandPrefix
	}
	if c.Bot.DefaultModel == "" {
		c.Bot.DefaultModel = DefaultModel
	}
	if c.Bot.MaxOutputTokens <= 0 {
		c.Bot.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if c.Bot.SegmentLimit <= 0 {
		c.Bot.SegmentLimit = DefaultSegmentLimit
	}
	if c.Bot.HistoryWindow <= 0 {
		c.Bot.HistoryWindow = DefaultHistoryWindow
	}
	if c.Bot.MaxAttachmentBytes <= 0 {
		c.Bot.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}
	if c.Provider.Backend == "" {
		c.Provider.Backend = BackendOpenRouter
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = DefaultBaseURL
	}
	if c.Provider.AppName == "" {
		c.Provider.AppName = c.Bot.Name
	}
	if c.Cache.CatalogTTL <= 0 {
		c.Cache.CatalogTTL = DefaultCatalogTTL
	}
	if c.Cache.MaxConversations <= 0 {
		c.Cache.MaxConversations = DefaultMaxConversations
	}
	if c.Matrix.Encryption.Enabled && c.Matrix.Encryption.DatabasePath == "" && c.Database.Path != "" {
		c.Matrix.Encryption.DatabasePath = filepath.Join(filepath.Dir(c.Database.Path), "matrix-crypto.db")
	}
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Provider.Backend {
	case BackendOpenRouter, BackendEino:
	default:
		return fmt.Errorf("provider.backend must be %q or %q, got %q", BackendOpenRouter, BackendEino, c.Provider.Backend)
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider.api_key is required")
	}

	if c.Matrix.Enabled {
		if c.Matrix.Homeserver == "" {
			return fmt.Errorf("matrix.homeserver is required when matrix is enabled")
		}
		if c.Matrix.UserID == "" {
			return fmt.Errorf("matrix.user_id is required when matrix is enabled")
		}
		if c.Matrix.AccessToken == "" {
			return fmt.Errorf("matrix.access_token is required when matrix is enabled")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if err := c.defaultsPatch().Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	for room, patch := range c.Rooms {
		if err := patch.Validate(); err != nil {
			return fmt.Errorf("rooms.%s: %w", room, err)
		}
	}
	return nil
}

// defaultsPatch expresses the defaults section as a patch over the built-ins.
func (c *Config) defaultsPatch() conversation.Patch {
	p := conversation.Patch{
		Personality: c.Defaults.Personality,
		Temperature: c.Defaults.Temperature,
	}
	if c.Defaults.AutoReply {
		p.AutoReply = conversation.Ptr(true)
	}
	return p
}

// RoomSettings returns the settings a room starts with: built-in defaults,
// then the defaults section, then the room's own override.
func (c *Config) RoomSettings(roomID string) conversation.Settings {
	s := conversation.DefaultSettings().Apply(c.defaultsPatch())
	if patch, ok := c.Rooms[roomID]; ok {
		s = s.Apply(patch)
	}
	return s
}

// IsAdmin reports whether userID may change settings.
func (c *Config) IsAdmin(userID string) bool {
	return slices.Contains(c.Bot.Admins, userID)
}

// RoomAllowed reports whether the bot may answer in roomID.
func (c *Config) RoomAllowed(roomID string) bool {
	return len(c.Bot.AllowedRooms) == 0 || slices.Contains(c.Bot.AllowedRooms, roomID)
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"provider.timeout", cfg.Provider.TimeoutRaw, &cfg.Provider.Timeout},
		{"cache.catalog_ttl", cfg.Cache.CatalogTTLRaw, &cfg.Cache.CatalogTTL},
		{"cache.capability_ttl", cfg.Cache.CapabilityTTLRaw, &cfg.Cache.CapabilityTTL},
		{"cache.conversation_idle_ttl", cfg.Cache.ConversationIdleTTLRaw, &cfg.Cache.ConversationIdleTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
