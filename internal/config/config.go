package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/proximity-beacon/beacon-engine/internal/validation"
	"github.com/proximity-beacon/beacon-engine/pkg/beacon"
)

// EpochLayout is the date format of codes.epoch
const EpochLayout = "2006-01-02"

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	API         APIConfig         `yaml:"api"`
	Database    DatabaseConfig    `yaml:"database"`
	NATS        NATSConfig        `yaml:"nats"`
	JWT         JWTConfig         `yaml:"jwt"`
	Log         LogConfig         `yaml:"log"`
	Engine      EngineConfig      `yaml:"engine"`
	Radio       RadioConfig       `yaml:"radio"`
	Codes       CodesConfig       `yaml:"codes"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	HTTPForward HTTPForwardConfig `yaml:"http_forward"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Retention   RetentionConfig   `yaml:"retention"`
	Operators   []OperatorConfig  `yaml:"operators"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EngineConfig tunes the proximity engine
type EngineConfig struct {
	RescanInterval  time.Duration `yaml:"rescan_interval"`
	ExpiryThreshold time.Duration `yaml:"expiry_threshold"`
	QueueSize       int           `yaml:"queue_size"`
	AutoStart       bool          `yaml:"auto_start"`
}

// RadioConfig selects and tunes the Bluetooth adapter
type RadioConfig struct {
	// Adapter is "ble" for the host controller or "none" to run without one
	Adapter           string        `yaml:"adapter"`
	ServiceUUID       string        `yaml:"service_uuid"`
	ProtocolTag       string        `yaml:"protocol_tag"`
	LocalName         string        `yaml:"local_name"`
	NotifyInterval    time.Duration `yaml:"notify_interval"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
}

// CodesConfig configures the daily beacon code chain
type CodesConfig struct {
	Secret      string `yaml:"secret"`
	Epoch       string `yaml:"epoch"`
	ChainLength int    `yaml:"chain_length"`
}

// MQTTConfig configures detection forwarding to an MQTT broker
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// HTTPForwardConfig configures detection forwarding to a webhook
type HTTPForwardConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RetentionConfig bounds how long recorded detections are kept
type RetentionConfig struct {
	DetectionTTL  time.Duration `yaml:"detection_ttl"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// OperatorConfig is an API account; the password is stored as a bcrypt hash
type OperatorConfig struct {
	Username     string `yaml:"username" validate:"required"`
	PasswordHash string `yaml:"password_hash" validate:"required"`
	Role         string `yaml:"role"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, then applies environment overrides and
// defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if secret := os.Getenv("BEACON_SECRET"); secret != "" {
		c.Codes.Secret = secret
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
		c.MQTT.Enabled = true
	}
}

func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "beacon-engine"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "beacon"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Engine.RescanInterval == 0 {
		c.Engine.RescanInterval = 8 * time.Second
	}
	if c.Engine.ExpiryThreshold == 0 {
		c.Engine.ExpiryThreshold = 3 * time.Minute
	}
	if c.Engine.QueueSize == 0 {
		c.Engine.QueueSize = 256
	}

	if c.Radio.Adapter == "" {
		c.Radio.Adapter = "ble"
	}
	if c.Radio.ServiceUUID == "" {
		c.Radio.ServiceUUID = beacon.DefaultServiceUUID.String()
	}
	if c.Radio.ProtocolTag == "" {
		c.Radio.ProtocolTag = beacon.DefaultProtocolTag.String()
	}
	if c.Radio.NotifyInterval == 0 {
		c.Radio.NotifyInterval = 5 * time.Second
	}
	if c.Radio.DiscoveryInterval == 0 {
		c.Radio.DiscoveryInterval = time.Second
	}

	if c.Codes.ChainLength == 0 {
		c.Codes.ChainLength = beacon.DefaultChainLength
	}

	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "beacon/detections"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = c.Server.Name
	}
	if c.HTTPForward.Timeout == 0 {
		c.HTTPForward.Timeout = 10 * time.Second
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Retention.DetectionTTL == 0 {
		c.Retention.DetectionTTL = 14 * 24 * time.Hour
	}
	if c.Retention.PruneInterval == 0 {
		c.Retention.PruneInterval = time.Hour
	}
}

// Validate checks values that have no sensible default
func (c *Config) Validate() error {
	switch c.Radio.Adapter {
	case "ble", "none":
	default:
		return fmt.Errorf("invalid radio adapter: %s", c.Radio.Adapter)
	}

	if _, err := c.Profile(); err != nil {
		return err
	}
	if _, err := c.CodeEpoch(); err != nil {
		return err
	}

	if c.Codes.ChainLength < 0 {
		return fmt.Errorf("codes.chain_length must be positive")
	}
	if c.Engine.RescanInterval < time.Second {
		return fmt.Errorf("engine.rescan_interval too short: %s", c.Engine.RescanInterval)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos: %d", c.MQTT.QoS)
	}
	if c.HTTPForward.Enabled && c.HTTPForward.URL == "" {
		return fmt.Errorf("http_forward.url is required when enabled")
	}

	v := validation.NewValidator()
	for i := range c.Operators {
		if err := v.Validate(&c.Operators[i]); err != nil {
			return fmt.Errorf("operators[%d]: %w", i, err)
		}
	}
	return nil
}

// Profile returns the GATT profile described by the radio section
func (c *Config) Profile() (beacon.Profile, error) {
	service, err := uuid.Parse(c.Radio.ServiceUUID)
	if err != nil {
		return beacon.Profile{}, fmt.Errorf("invalid radio.service_uuid: %w", err)
	}
	tag, err := uuid.Parse(c.Radio.ProtocolTag)
	if err != nil {
		return beacon.Profile{}, fmt.Errorf("invalid radio.protocol_tag: %w", err)
	}
	p := beacon.Profile{ServiceUUID: service, ProtocolTag: tag}
	return p, p.Validate()
}

// CodeEpoch returns the first day of the code chain; zero when unset
func (c *Config) CodeEpoch() (time.Time, error) {
	if c.Codes.Epoch == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(EpochLayout, c.Codes.Epoch, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid codes.epoch: %w", err)
	}
	return t, nil
}

// NATSSubject joins the configured prefix with the given parts
func (c *Config) NATSSubject(parts ...string) string {
	return strings.Join(append([]string{c.NATS.SubjectPrefix}, parts...), ".")
}

// PrintConfigSummary prints the configuration summary
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== Beacon Engine Configuration ===\n")
	fmt.Printf("Server: %s v%s\n", c.Server.Name, c.Server.Version)
	fmt.Printf("Radio adapter: %s\n", c.Radio.Adapter)
	fmt.Printf("  Service UUID: %s\n", c.Radio.ServiceUUID)
	fmt.Printf("  Protocol tag: %s\n", c.Radio.ProtocolTag)
	fmt.Printf("Engine: rescan every %s, expire after %s\n",
		c.Engine.RescanInterval, c.Engine.ExpiryThreshold)
	fmt.Printf("Codes: epoch=%q chain=%d secret set=%v\n",
		c.Codes.Epoch, c.Codes.ChainLength, c.Codes.Secret != "")
	fmt.Printf("NATS: %s (subject prefix %q)\n", valueOrNone(c.NATS.URL), c.NATS.SubjectPrefix)
	fmt.Printf("Database: %v\n", c.Database.DSN != "")
	fmt.Printf("API: enabled=%v %s:%d\n", c.API.Enabled, c.API.Host, c.API.Port)
	fmt.Printf("MQTT forward: %v, HTTP forward: %v\n", c.MQTT.Enabled, c.HTTPForward.Enabled)
	fmt.Printf("Retention: %s (prune every %s)\n", c.Retention.DetectionTTL, c.Retention.PruneInterval)
	fmt.Printf("===================================\n")
}

// WarnInsecureDefaults logs secrets that fall back to generated values
func (c *Config) WarnInsecureDefaults() {
	if c.JWT.Secret == "" && c.API.Enabled {
		log.Warn().Msg("jwt.secret is empty, API tokens use an ephemeral key")
	}
	if c.Codes.Secret == "" {
		log.Warn().Msg("codes.secret is empty, a random secret is generated per run")
	}
}

func valueOrNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
