package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig             `yaml:"server"`
	Admin      AdminConfig              `yaml:"admin"`
	Graph      GraphConfig              `yaml:"graph"`
	Cache      CacheConfig              `yaml:"cache"`
	Scheduler  SchedulerConfig          `yaml:"scheduler"`
	Sessions   SessionConfig            `yaml:"sessions"`
	Federation FederationConfig         `yaml:"federation"`
	Trust      TrustConfig              `yaml:"trust"`
	RateLimit  RateLimitConfig          `yaml:"rate_limit"`
	Webhooks   WebhookConfig            `yaml:"webhooks"`
	Stream     StreamConfig             `yaml:"stream"`
	Breakers   map[string]BreakerConfig `yaml:"breakers"`
}

type ServerConfig struct {
	Addr                string `yaml:"addr"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds  int    `yaml:"idle_timeout_seconds"`
	Env                 string `yaml:"env"`
}

type AdminConfig struct {
	// Bcrypt hash of the admin API key. Empty disables the admin surface.
	APIKeyHash string `yaml:"api_key_hash"`
}

type GraphConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type CacheConfig struct {
	Enabled              bool   `yaml:"enabled"`
	RedisURL             string `yaml:"redis_url"`
	DefaultTTLSeconds    int    `yaml:"default_ttl_seconds"`
	SearchTTLSeconds     int    `yaml:"search_ttl_seconds"`
	LineageTTLSeconds    int    `yaml:"lineage_ttl_seconds"`
	MaxCachedResultBytes int    `yaml:"max_cached_result_bytes"`
	CapsuleKeyPattern    string `yaml:"capsule_key_pattern"`
	LineageKeyPattern    string `yaml:"lineage_key_pattern"`
	SearchKeyPattern     string `yaml:"search_key_pattern"`
}

type SchedulerConfig struct {
	Enabled                          bool `yaml:"enabled"`
	GraphSnapshotEnabled             bool `yaml:"graph_snapshot_enabled"`
	GraphSnapshotIntervalMinutes     int  `yaml:"graph_snapshot_interval_minutes"`
	VersionCompactionEnabled         bool `yaml:"version_compaction_enabled"`
	VersionCompactionIntervalHours   int  `yaml:"version_compaction_interval_hours"`
	QueryCacheCleanupIntervalMinutes int  `yaml:"query_cache_cleanup_interval_minutes"`
	SessionCleanupIntervalMinutes    int  `yaml:"session_cleanup_interval_minutes"`
	TrustDecayIntervalHours          int  `yaml:"trust_decay_interval_hours"`
}

type SessionConfig struct {
	CacheEnabled           bool `yaml:"session_cache_enabled"`
	CacheTTLSeconds        int  `yaml:"session_cache_ttl_seconds"`
	MaxIPHistoryPerSession int  `yaml:"max_ip_history_per_session"`
}

type FederationConfig struct {
	InstanceID               string `yaml:"instance_id"`
	InstanceName             string `yaml:"instance_name"`
	APIVersion               string `yaml:"api_version"`
	KeyAlgorithm             string `yaml:"key_algorithm"`
	PrivateKeyPath           string `yaml:"private_key_path"`
	ClockSkewSeconds         int    `yaml:"clock_skew_seconds"`
	NonceTTLSeconds          int    `yaml:"nonce_ttl_seconds"`
	NoncePrefix              string `yaml:"nonce_prefix"`
	MaxEntitiesPerSync       int    `yaml:"max_entities_per_sync"`
	SuggestedIntervalMinutes int    `yaml:"suggested_interval_minutes"`
	AllowInsecurePeers       bool   `yaml:"allow_insecure_peers"`
}

type TrustConfig struct {
	InitialScore           float64 `yaml:"initial_score"`
	InactivityDecayPerWeek float64 `yaml:"inactivity_decay_per_week"`
	InactivityFloor        float64 `yaml:"inactivity_floor"`
	VerificationMaxAgeDays int     `yaml:"verification_max_age_days"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

type WebhookConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

type StreamConfig struct {
	Enabled bool `yaml:"enabled"`

	// AllowedOrigins gates websocket upgrades by Origin header. Empty means
	// any origin, for deployments that terminate behind a trusted gateway.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type BreakerConfig struct {
	FailureThreshold       int     `yaml:"failure_threshold"`
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold"`
	WindowSize             int     `yaml:"window_size"`
	MinCallsForRate        int     `yaml:"min_calls_for_rate"`
	SuccessThreshold       int     `yaml:"success_threshold"`
	RecoveryTimeoutSeconds int     `yaml:"recovery_timeout_seconds"`
	CallTimeoutSeconds     int     `yaml:"call_timeout_seconds"`
	HalfOpenMaxCalls       int     `yaml:"half_open_max_calls"`
}

// LoadConfig reads the YAML file at path, fills defaults, applies environment
// overrides for secrets, and validates the result.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with every default applied and no file read.
// Used by tests and by forge-check when no config file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeoutSeconds == 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds == 0 {
		c.Server.WriteTimeoutSeconds = 15
	}
	if c.Server.IdleTimeoutSeconds == 0 {
		c.Server.IdleTimeoutSeconds = 60
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}

	if c.Cache.DefaultTTLSeconds == 0 {
		c.Cache.DefaultTTLSeconds = 300
	}
	if c.Cache.SearchTTLSeconds == 0 {
		c.Cache.SearchTTLSeconds = 120
	}
	if c.Cache.LineageTTLSeconds == 0 {
		c.Cache.LineageTTLSeconds = 600
	}
	if c.Cache.MaxCachedResultBytes == 0 {
		c.Cache.MaxCachedResultBytes = 1 << 20 // 1 MiB
	}
	if c.Cache.CapsuleKeyPattern == "" {
		c.Cache.CapsuleKeyPattern = "forge:capsule:%s"
	}
	if c.Cache.LineageKeyPattern == "" {
		c.Cache.LineageKeyPattern = "forge:lineage:%s:%d"
	}
	if c.Cache.SearchKeyPattern == "" {
		c.Cache.SearchKeyPattern = "forge:search:%s"
	}

	if c.Scheduler.GraphSnapshotIntervalMinutes == 0 {
		c.Scheduler.GraphSnapshotIntervalMinutes = 60
	}
	if c.Scheduler.VersionCompactionIntervalHours == 0 {
		c.Scheduler.VersionCompactionIntervalHours = 24
	}
	if c.Scheduler.QueryCacheCleanupIntervalMinutes == 0 {
		c.Scheduler.QueryCacheCleanupIntervalMinutes = 10
	}
	if c.Scheduler.SessionCleanupIntervalMinutes == 0 {
		c.Scheduler.SessionCleanupIntervalMinutes = 15
	}
	if c.Scheduler.TrustDecayIntervalHours == 0 {
		c.Scheduler.TrustDecayIntervalHours = 24
	}

	if c.Sessions.CacheTTLSeconds == 0 {
		c.Sessions.CacheTTLSeconds = 300
	}
	if c.Sessions.MaxIPHistoryPerSession == 0 {
		c.Sessions.MaxIPHistoryPerSession = 10
	}

	if c.Federation.APIVersion == "" {
		c.Federation.APIVersion = "1.0"
	}
	if c.Federation.KeyAlgorithm == "" {
		c.Federation.KeyAlgorithm = "ed25519"
	}
	if c.Federation.ClockSkewSeconds == 0 {
		c.Federation.ClockSkewSeconds = 120
	}
	if c.Federation.NonceTTLSeconds == 0 {
		c.Federation.NonceTTLSeconds = 300
	}
	if c.Federation.NoncePrefix == "" {
		c.Federation.NoncePrefix = "forge:acp:nonce:"
	}
	if c.Federation.MaxEntitiesPerSync == 0 {
		c.Federation.MaxEntitiesPerSync = 200
	}
	if c.Federation.SuggestedIntervalMinutes == 0 {
		c.Federation.SuggestedIntervalMinutes = 30
	}

	if c.Trust.InitialScore == 0 {
		c.Trust.InitialScore = 0.3
	}
	if c.Trust.InactivityDecayPerWeek == 0 {
		c.Trust.InactivityDecayPerWeek = 0.01
	}
	if c.Trust.InactivityFloor == 0 {
		c.Trust.InactivityFloor = 0.3
	}
	if c.Trust.VerificationMaxAgeDays == 0 {
		c.Trust.VerificationMaxAgeDays = 7
	}

	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 60
	}

	if c.Webhooks.Workers == 0 {
		c.Webhooks.Workers = 4
	}
	if c.Webhooks.QueueSize == 0 {
		c.Webhooks.QueueSize = 1000
	}

	if c.Breakers == nil {
		c.Breakers = make(map[string]BreakerConfig)
	}
}

// applyEnvOverrides lets deployment environments inject secrets without
// writing them to the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FORGE_REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
	if v := os.Getenv("FORGE_GRAPH_URI"); v != "" {
		c.Graph.URI = v
	}
	if v := os.Getenv("FORGE_GRAPH_USERNAME"); v != "" {
		c.Graph.Username = v
	}
	if v := os.Getenv("FORGE_GRAPH_PASSWORD"); v != "" {
		c.Graph.Password = v
	}
	if v := os.Getenv("FORGE_ADMIN_KEY_HASH"); v != "" {
		c.Admin.APIKeyHash = v
	}
	if v := os.Getenv("FORGE_PRIVATE_KEY_PATH"); v != "" {
		c.Federation.PrivateKeyPath = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Addr = ":" + v
	}
}

func (c *Config) Validate() error {
	if c.Federation.InstanceID == "" {
		return fmt.Errorf("config: federation.instance_id is required")
	}
	switch c.Federation.KeyAlgorithm {
	case "ed25519", "ecdsa-p256":
	default:
		return fmt.Errorf("config: unsupported federation.key_algorithm %q", c.Federation.KeyAlgorithm)
	}
	if c.Trust.InitialScore < 0 || c.Trust.InitialScore > 1 {
		return fmt.Errorf("config: trust.initial_score must be in [0,1], got %v", c.Trust.InitialScore)
	}
	if c.Cache.MaxCachedResultBytes < 0 {
		return fmt.Errorf("config: cache.max_cached_result_bytes must be non-negative")
	}
	return nil
}
