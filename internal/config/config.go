package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const appName = "deckcompanion"

// SpotifyConfig holds the OAuth client used for now-playing and playback control
type SpotifyConfig struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	RedirectURI  string   `json:"redirect_uri"`
	TokenCache   string   `json:"token_cache"`
	Scopes       []string `json:"scopes,omitempty"`
}

// Configured reports whether enough credentials exist to talk to the Web API.
func (s SpotifyConfig) Configured() bool {
	return strings.TrimSpace(s.ClientID) != "" && strings.TrimSpace(s.ClientSecret) != ""
}

// ActionsConfig enables or disables whole action categories
type ActionsConfig struct {
	Spotify bool `json:"spotify"`
	System  bool `json:"system"`
	Shell   bool `json:"shell"`
	Media   bool `json:"media"`
	Hotkey  bool `json:"hotkey"`
	Macro   bool `json:"macro"`
}

// RateLimitConfig bounds inbound messages per connection
type RateLimitConfig struct {
	MessagesPerSecond float64 `json:"messages_per_second"`
	Burst             int     `json:"burst"`
}

// Config represents application configuration
type Config struct {
	Host                string          `json:"host"`
	Port                int             `json:"port"`
	Token               string          `json:"token,omitempty"` // empty disables handshake auth
	ProfilesDir         string          `json:"profiles_dir"`
	BroadcastIntervalMS int             `json:"broadcast_interval_ms"`
	StaticDir           string          `json:"static_dir,omitempty"`
	StaticPort          int             `json:"static_port"`
	LogLevel            string          `json:"log_level"` // debug, info, warn, error, none
	LogPath             string          `json:"log_path"`  // "-" or empty for stderr
	HistoryPath         string          `json:"history_path,omitempty"`
	WatchProfiles       bool            `json:"watch_profiles"`
	Spotify             SpotifyConfig   `json:"spotify"`
	Actions             ActionsConfig   `json:"actions"`
	RateLimit           RateLimitConfig `json:"rate_limit"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", appName)
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	configDir := defaultConfigDir()

	return &Config{
		Host:                "0.0.0.0",
		Port:                8765,
		ProfilesDir:         filepath.Join(configDir, "profiles"),
		BroadcastIntervalMS: 1000,
		StaticPort:          8080,
		LogLevel:            "info",
		LogPath:             "-",
		WatchProfiles:       true,
		Spotify: SpotifyConfig{
			RedirectURI: "http://localhost:8888/callback",
			TokenCache:  filepath.Join(configDir, ".cache-spotify"),
			Scopes:      []string{"user-read-playback-state", "user-modify-playback-state", "user-library-read", "user-library-modify"},
		},
		Actions: ActionsConfig{
			Spotify: true,
			System:  true,
			Shell:   true,
			Media:   true,
			Hotkey:  true,
			Macro:   true,
		},
		RateLimit: RateLimitConfig{
			MessagesPerSecond: 50,
			Burst:             20,
		},
	}
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	defaults := DefaultConfig()
	if config.Host == "" {
		config.Host = defaults.Host
	}
	if config.Port == 0 {
		config.Port = defaults.Port
	}
	if config.ProfilesDir == "" {
		config.ProfilesDir = defaults.ProfilesDir
	}
	if config.BroadcastIntervalMS <= 0 {
		config.BroadcastIntervalMS = defaults.BroadcastIntervalMS
	}
	if config.StaticPort == 0 {
		config.StaticPort = defaults.StaticPort
	}
	if config.LogLevel == "" {
		config.LogLevel = defaults.LogLevel
	}
	if config.Spotify.TokenCache == "" {
		config.Spotify.TokenCache = defaults.Spotify.TokenCache
	}
	if config.Spotify.RedirectURI == "" {
		config.Spotify.RedirectURI = defaults.Spotify.RedirectURI
	}
	if len(config.Spotify.Scopes) == 0 {
		config.Spotify.Scopes = defaults.Spotify.Scopes
	}

	return config, nil
}

// ApplyEnv overrides file values with environment variables. getenv is
// os.Getenv outside of tests.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	lookup := func(key string) string {
		return strings.TrimSpace(getenv(key))
	}

	if v := lookup("DECKCOMPANION_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := lookup("DECKCOMPANION_LOG_PATH"); v != "" {
		c.LogPath = v
	}
	if v := lookup("DECKCOMPANION_TOKEN"); v != "" {
		c.Token = v
	}
	if v := lookup("DECKCOMPANION_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DECKCOMPANION_PORT %q: %w", v, err)
		}
		c.Port = port
	}
	if v := lookup("SPOTIFY_CLIENT_ID"); v != "" {
		c.Spotify.ClientID = v
	}
	if v := lookup("SPOTIFY_CLIENT_SECRET"); v != "" {
		c.Spotify.ClientSecret = v
	}
	if v := lookup("SPOTIFY_REDIRECT_URI"); v != "" {
		c.Spotify.RedirectURI = v
	}
	return nil
}

// Validate checks values that would otherwise fail late at startup
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.StaticDir != "" && (c.StaticPort <= 0 || c.StaticPort > 65535) {
		return fmt.Errorf("static_port out of range: %d", c.StaticPort)
	}
	if c.StaticDir != "" && c.StaticPort == c.Port {
		return fmt.Errorf("static_port must differ from port (%d)", c.Port)
	}
	if strings.TrimSpace(c.ProfilesDir) == "" {
		return fmt.Errorf("profiles_dir must not be empty")
	}
	if c.RateLimit.MessagesPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	return nil
}

// Addr returns the websocket listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StaticAddr returns the static client listen address
func (c *Config) StaticAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.StaticPort)
}

// BroadcastInterval returns the broadcast tick period
func (c *Config) BroadcastInterval() time.Duration {
	return time.Duration(c.BroadcastIntervalMS) * time.Millisecond
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	// The file may carry the token and Spotify secret.
	return os.WriteFile(path, data, 0600)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}
