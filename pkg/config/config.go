// Package config defines the YAML configuration surface for the cache
// fabric and middleware pipeline, and loads it with environment variable
// expansion and validation.
//
// Grounded on blueberrycongee-llmux's internal/config/config.go: a single
// top-level Config struct assembled from section structs, DefaultConfig
// supplying zero-value fallbacks, LoadFromFile doing os.ExpandEnv before
// yaml.Unmarshal, and a Validate pass that rejects obviously broken input
// before it reaches the rest of the system.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete recognized configuration surface: cache tiers,
// the coordinator that routes across them, and the middleware pipeline
// rules (rate limiting, caching, CORS, auth, authz).
type Config struct {
	Environment string            `yaml:"environment"`
	Tiers       []TierConfig      `yaml:"tiers"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Auth        AuthConfig        `yaml:"auth"`
	Authz       AuthzConfig       `yaml:"authz"`
	RateLimit   []RateLimitRule   `yaml:"rate_limit_rules"`
	Caching     []CachingRule     `yaml:"caching_rules"`
	CORS        []CORSRule        `yaml:"cors_rules"`
}

// TierConfig is the common configuration surface shared by every cache
// tier, plus the level-specific extras nested under RemoteExtra/DiskExtra.
type TierConfig struct {
	Name                string        `yaml:"name"`
	Level               string        `yaml:"level"` // memory, remote, disk
	MaxSize             int           `yaml:"max_size"`
	DefaultTTL          time.Duration `yaml:"default_ttl"`
	EvictionPolicy      string        `yaml:"eviction_policy"`
	SerializationFormat string        `yaml:"serialization_format"`
	CompressionEnabled  bool          `yaml:"compression_enabled"`
	CompressionLevel    int           `yaml:"compression_level"`
	MaxMemoryMB         int           `yaml:"max_memory_mb"`
	SyncInterval        time.Duration `yaml:"sync_interval"`
	BackgroundCleanup   bool          `yaml:"background_cleanup"`
	ThreadSafe          bool          `yaml:"thread_safe"`
	EnableMetrics       bool          `yaml:"enable_metrics"`
	SampleRate          float64       `yaml:"sample_rate"`

	Remote RemoteTierExtra `yaml:"remote"`
	Disk   DiskTierExtra   `yaml:"disk"`
}

// RemoteTierExtra is recognized only when TierConfig.Level is "remote".
type RemoteTierExtra struct {
	Host                 string        `yaml:"host"`
	Port                 int           `yaml:"port"`
	DB                   int           `yaml:"db"`
	Username             string        `yaml:"username"`
	Password             string        `yaml:"password"`
	SSL                  bool          `yaml:"ssl"`
	MaxConnections       int           `yaml:"max_connections"`
	SocketTimeout        time.Duration `yaml:"socket_timeout"`
	SocketConnectTimeout time.Duration `yaml:"socket_connect_timeout"`
	RetryOnTimeout       bool          `yaml:"retry_on_timeout"`
	ClusterMode          bool          `yaml:"cluster_mode"`
	ClusterNodes         []string      `yaml:"cluster_nodes"`
	PipelineBatchSize    int           `yaml:"pipeline_batch_size"`
	EnablePipeline       bool          `yaml:"enable_pipeline"`
	KeyPrefix            string        `yaml:"key_prefix"`
}

// DiskTierExtra is recognized only when TierConfig.Level is "disk".
type DiskTierExtra struct {
	CacheDir           string        `yaml:"cache_dir"`
	CreateSubdirs      bool          `yaml:"create_subdirs"`
	DirLevels          int           `yaml:"dir_levels"`
	FilesPerDir        int           `yaml:"files_per_dir"`
	FileExtension      string        `yaml:"file_extension"`
	TempExtension      string        `yaml:"temp_extension"`
	EnableIndex        bool          `yaml:"enable_index"`
	IndexFile          string        `yaml:"index_file"`
	IndexSyncInterval  time.Duration `yaml:"index_sync_interval"`
	AutoCleanupInterval time.Duration `yaml:"auto_cleanup_interval"`
	MaxDiskUsageMB     int           `yaml:"max_disk_usage_mb"`
	AsyncIO            bool          `yaml:"async_io"`
	IOChunkSize        int           `yaml:"io_chunk_size"`
}

// CoordinatorConfig configures the cache coordinator that routes reads
// and writes across the configured tiers.
type CoordinatorConfig struct {
	Name                string        `yaml:"name"`
	ReadPolicy          string        `yaml:"read_policy"`
	WritePolicy         string        `yaml:"write_policy"`
	SyncStrategy        string        `yaml:"sync_strategy"`
	SyncInterval        time.Duration `yaml:"sync_interval"`
	EnableFailover      bool          `yaml:"enable_failover"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	MaxFailures         int           `yaml:"max_failures"`
	EnablePromotion     bool          `yaml:"enable_promotion"`
	PromotionThreshold  int           `yaml:"promotion_threshold"`
	EnablePreload       bool          `yaml:"enable_preload"`
	EnableMetrics       bool          `yaml:"enable_metrics"`
	DetailedLogging     bool          `yaml:"detailed_logging"`
}

// AuthConfig configures the authentication middleware orchestrator.
type AuthConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Methods        []string `yaml:"methods"` // jwt, api_key, basic
	SkipPaths      []string `yaml:"skip_paths"`
	AllowAnonymous bool     `yaml:"allow_anonymous"`
	JWT            JWTConfig `yaml:"jwt"`
	APIKey         APIKeyConfig `yaml:"api_key"`
}

// JWTConfig configures JWT bearer-token verification.
type JWTConfig struct {
	Secret   string   `yaml:"secret"`
	Issuer   string   `yaml:"issuer"`
	Audience []string `yaml:"audience"`
}

// APIKeyConfig configures API-key verification via header or query param.
type APIKeyConfig struct {
	HeaderName string `yaml:"header_name"`
	QueryParam string `yaml:"query_param"`
}

// AuthzConfig configures the authorization middleware.
type AuthzConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Mode        string   `yaml:"mode"` // rbac, acl, policy
	ACLOrder    string   `yaml:"acl_order"` // deny_first, allow_first
	Enforcement string   `yaml:"enforcement"` // strict, permissive
	AdminPaths  []string `yaml:"admin_paths"`
	ModelPath   string   `yaml:"model_path"`   // casbin model file
	PolicyPath  string   `yaml:"policy_path"`  // casbin policy file
}

// RateLimitRule configures one rate-limiting rule in priority order.
type RateLimitRule struct {
	RuleID            string `yaml:"rule_id"`
	Name              string `yaml:"name"`
	PathPattern       string `yaml:"path_pattern"`
	MethodPattern     string `yaml:"method_pattern"`
	Type              string `yaml:"type"` // token_bucket, sliding_window, fixed_window
	Scope             string `yaml:"scope"` // global, per_ip, per_user, per_key
	RequestsPerWindow int    `yaml:"requests_per_window"`
	WindowSizeSeconds int    `yaml:"window_size_seconds"`
	BurstSize         int    `yaml:"burst_size"`
	Priority          int    `yaml:"priority"`
	Enabled           bool   `yaml:"enabled"`
}

// CachingRule configures one caching middleware rule in priority order.
type CachingRule struct {
	RuleID            string            `yaml:"rule_id"`
	PathPattern       string            `yaml:"path_pattern"`
	MethodPattern     string            `yaml:"method_pattern"`
	Strategy          string            `yaml:"strategy"`
	Scope             string            `yaml:"scope"`
	TTL               time.Duration     `yaml:"ttl"`
	VaryHeaders       []string          `yaml:"vary_headers"`
	CacheConditions   CacheConditions   `yaml:"cache_conditions"`
	Priority          int               `yaml:"priority"`
	Enabled           bool              `yaml:"enabled"`
}

// CacheConditions narrows when a CachingRule's response is eligible to
// be stored.
type CacheConditions struct {
	StatusCodes []int `yaml:"status_codes"`
}

// CORSRule configures one CORS rule in priority order.
type CORSRule struct {
	RuleID          string            `yaml:"rule_id"`
	PathPattern     string            `yaml:"path_pattern"`
	AllowedOrigins  []CORSOriginMatch `yaml:"allowed_origins"`
	AllowedMethods  []string          `yaml:"allowed_methods"`
	AllowedHeaders  []string          `yaml:"allowed_headers"`
	ExposedHeaders  []string          `yaml:"exposed_headers"`
	AllowCredentials bool             `yaml:"allow_credentials"`
	MaxAge          time.Duration     `yaml:"max_age"`
	Priority        int               `yaml:"priority"`
	Enabled         bool              `yaml:"enabled"`
}

// CORSOriginMatch pairs an origin value with how it should be matched.
type CORSOriginMatch struct {
	Origin      string `yaml:"origin"`
	PatternType string `yaml:"pattern_type"` // exact, wildcard, regex
}

// DefaultConfig returns a Config with every timing/threshold field set
// to a safe non-zero default, the way the teacher's DefaultConfig seeds
// a Config before YAML overrides are applied on top of it.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Coordinator: CoordinatorConfig{
			Name:                "default",
			ReadPolicy:          "read_through",
			WritePolicy:         "write_through",
			SyncStrategy:        "async",
			SyncInterval:        5 * time.Second,
			EnableFailover:      true,
			HealthCheckInterval: 30 * time.Second,
			MaxFailures:         3,
			EnablePromotion:     true,
			PromotionThreshold:  3,
			EnableMetrics:       true,
		},
		Auth: AuthConfig{
			JWT:    JWTConfig{},
			APIKey: APIKeyConfig{HeaderName: "X-API-Key", QueryParam: "api_key"},
		},
		Authz: AuthzConfig{
			ACLOrder:    "deny_first",
			Enforcement: "strict",
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file, expanding
// ${VAR_NAME} environment references before unmarshalling so that
// credentials never need to live in the file itself.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for the mistakes that would break
// the system at runtime rather than merely look odd.
func (c *Config) Validate() error {
	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one cache tier must be configured")
	}

	seenNames := make(map[string]bool, len(c.Tiers))
	for i, t := range c.Tiers {
		if t.Name == "" {
			return fmt.Errorf("tier[%d]: name is required", i)
		}
		if seenNames[t.Name] {
			return fmt.Errorf("tier[%d] %q: duplicate tier name", i, t.Name)
		}
		seenNames[t.Name] = true

		switch t.Level {
		case "memory", "remote", "disk":
		default:
			return fmt.Errorf("tier[%d] %q: unknown level %q", i, t.Name, t.Level)
		}

		if t.Level == "remote" {
			if t.Remote.ClusterMode && len(t.Remote.ClusterNodes) < 2 {
				return fmt.Errorf("tier[%d] %q: cluster_mode requires at least two cluster_nodes", i, t.Name)
			}
			if !t.Remote.ClusterMode && t.Remote.Host == "" {
				return fmt.Errorf("tier[%d] %q: remote tier requires host", i, t.Name)
			}
		}
		if t.Level == "disk" && t.Disk.CacheDir == "" {
			return fmt.Errorf("tier[%d] %q: disk tier requires cache_dir", i, t.Name)
		}
	}

	switch c.Coordinator.ReadPolicy {
	case "", "read_through", "cache_aside":
	default:
		return fmt.Errorf("coordinator: unknown read_policy %q", c.Coordinator.ReadPolicy)
	}
	switch c.Coordinator.WritePolicy {
	case "", "write_through", "write_around", "write_back":
	default:
		return fmt.Errorf("coordinator: unknown write_policy %q", c.Coordinator.WritePolicy)
	}
	if c.Coordinator.MaxFailures < 0 {
		return fmt.Errorf("coordinator: max_failures cannot be negative")
	}
	if c.Coordinator.PromotionThreshold < 0 {
		return fmt.Errorf("coordinator: promotion_threshold cannot be negative")
	}

	for i, r := range c.RateLimit {
		if r.RuleID == "" {
			return fmt.Errorf("rate_limit_rules[%d]: rule_id is required", i)
		}
		if r.RequestsPerWindow <= 0 {
			return fmt.Errorf("rate_limit_rules[%d] %q: requests_per_window must be positive", i, r.RuleID)
		}
	}

	for i, r := range c.Caching {
		if r.RuleID == "" {
			return fmt.Errorf("caching_rules[%d]: rule_id is required", i)
		}
	}

	for i, r := range c.CORS {
		if r.RuleID == "" {
			return fmt.Errorf("cors_rules[%d]: rule_id is required", i)
		}
	}

	return nil
}
