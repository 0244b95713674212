package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Nest  NestConfig  `yaml:"nest"`
	Sync  SyncConfig  `yaml:"sync"`
	HTTP  HTTPConfig  `yaml:"http"`
	MQTT  MQTTConfig  `yaml:"mqtt"`
	Store StoreConfig `yaml:"store"`
	Log   LogConfig   `yaml:"log"`
}

// NestConfig holds Nest cloud account configuration.
type NestConfig struct {
	// Environment selects the host set: "production" or "fieldtest".
	Environment  string `yaml:"environment"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri"`
	// RefreshToken seeds the credential store on first start. Once a
	// credential has been persisted it takes precedence over this value.
	RefreshToken string `yaml:"refresh_token"`
	// EntryID keys the persisted credential so multiple accounts can share
	// one store file.
	EntryID string `yaml:"entry_id"`
}

// SyncConfig holds synchronizer tuning parameters. All durations are in
// seconds.
type SyncConfig struct {
	BackoffBaseSeconds    int `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds     int `yaml:"backoff_max_seconds"`
	IdleTimeoutSeconds    int `yaml:"idle_timeout_seconds"`
	RefreshTimeoutSeconds int `yaml:"refresh_timeout_seconds"`
	// WritesPerMinute caps MERGE writes to the cloud; bursts up to WriteBurst
	// are allowed.
	WritesPerMinute int `yaml:"writes_per_minute"`
	WriteBurst      int `yaml:"write_burst"`
}

// BackoffBase returns the reconnect backoff base delay.
func (c SyncConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// BackoffMax returns the reconnect backoff cap.
func (c SyncConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds) * time.Second
}

// IdleTimeout returns the stream idle-read timeout.
func (c SyncConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// RefreshTimeout returns the token refresh request timeout.
func (c SyncConfig) RefreshTimeout() time.Duration {
	return time.Duration(c.RefreshTimeoutSeconds) * time.Second
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	BridgeID    string `yaml:"bridge_id"`
}

// StoreConfig holds credential store configuration.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Nest: NestConfig{
			Environment: "production",
			EntryID:     "default",
			RedirectURI: "urn:ietf:wg:oauth:2.0:oob",
		},
		Sync: SyncConfig{
			BackoffBaseSeconds:    2,
			BackoffMaxSeconds:     120,
			IdleTimeoutSeconds:    90,
			RefreshTimeoutSeconds: 30,
			WritesPerMinute:       12,
			WriteBurst:            4,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "nest_protect",
			BridgeID:    "nest_protect_bridge",
		},
		Store: StoreConfig{
			Path: "/data/credentials.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays environment variables.
// If path is empty, only defaults + env vars are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Nest.Environment {
	case "production", "fieldtest":
	default:
		return fmt.Errorf("config: unknown environment %q", cfg.Nest.Environment)
	}
	if cfg.Sync.BackoffBaseSeconds <= 0 || cfg.Sync.BackoffMaxSeconds < cfg.Sync.BackoffBaseSeconds {
		return fmt.Errorf("config: invalid backoff range %d..%d", cfg.Sync.BackoffBaseSeconds, cfg.Sync.BackoffMaxSeconds)
	}
	return nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("NEST_PROTECT_ENVIRONMENT"); v != "" {
		cfg.Nest.Environment = v
	}
	if v := os.Getenv("NEST_PROTECT_CLIENT_ID"); v != "" {
		cfg.Nest.ClientID = v
	}
	if v := os.Getenv("NEST_PROTECT_CLIENT_SECRET"); v != "" {
		cfg.Nest.ClientSecret = v
	}
	if v := os.Getenv("NEST_PROTECT_REDIRECT_URI"); v != "" {
		cfg.Nest.RedirectURI = v
	}
	if v := os.Getenv("NEST_PROTECT_REFRESH_TOKEN"); v != "" {
		cfg.Nest.RefreshToken = v
	}
	if v := os.Getenv("NEST_PROTECT_ENTRY_ID"); v != "" {
		cfg.Nest.EntryID = v
	}
	if v := os.Getenv("NEST_PROTECT_BACKOFF_BASE_SECONDS"); v != "" {
		cfg.Sync.BackoffBaseSeconds = parseInt(v, cfg.Sync.BackoffBaseSeconds)
	}
	if v := os.Getenv("NEST_PROTECT_BACKOFF_MAX_SECONDS"); v != "" {
		cfg.Sync.BackoffMaxSeconds = parseInt(v, cfg.Sync.BackoffMaxSeconds)
	}
	if v := os.Getenv("NEST_PROTECT_IDLE_TIMEOUT_SECONDS"); v != "" {
		cfg.Sync.IdleTimeoutSeconds = parseInt(v, cfg.Sync.IdleTimeoutSeconds)
	}
	if v := os.Getenv("NEST_PROTECT_REFRESH_TIMEOUT_SECONDS"); v != "" {
		cfg.Sync.RefreshTimeoutSeconds = parseInt(v, cfg.Sync.RefreshTimeoutSeconds)
	}
	if v := os.Getenv("NEST_PROTECT_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("NEST_PROTECT_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("NEST_PROTECT_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("NEST_PROTECT_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("NEST_PROTECT_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("NEST_PROTECT_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("NEST_PROTECT_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("NEST_PROTECT_MQTT_BRIDGE_ID"); v != "" {
		cfg.MQTT.BridgeID = v
	}
	if v := os.Getenv("NEST_PROTECT_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("NEST_PROTECT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("NEST_PROTECT_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}

func parseInt(s string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
