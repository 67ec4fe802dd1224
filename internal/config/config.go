// Package config loads the daemon configuration: defaults, then an
// optional YAML file, then GODEL_* environment overrides, highest last.
// The Watcher layers hot reload for the knobs that tolerate it.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// DefaultPath is consulted when GODEL_CONFIG_PATH is unset. A missing file
// is not an error; defaults and environment carry a bare daemon.
const DefaultPath = "./config/godel.yaml"

// EnvConfigPath overrides where the YAML file is read from.
const EnvConfigPath = "GODEL_CONFIG_PATH"

// Config is the full daemon configuration tree.
type Config struct {
	Service  ServiceConfig  `mapstructure:"service" yaml:"service"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing" yaml:"tracing"`
	Bus      BusConfig      `mapstructure:"bus" yaml:"bus"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Persist  PersistConfig  `mapstructure:"persist" yaml:"persist"`
	State    StateConfig    `mapstructure:"state" yaml:"state"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Exec     ExecConfig     `mapstructure:"exec" yaml:"exec"`
	Workflow WorkflowConfig `mapstructure:"workflow" yaml:"workflow"`
	Selector SelectorConfig `mapstructure:"selector" yaml:"selector"`
	LB       LBConfig       `mapstructure:"lb" yaml:"lb"`
	Quota    QuotaConfig    `mapstructure:"quota" yaml:"quota"`
	Auth     AuthConfig     `mapstructure:"auth" yaml:"auth"`
	Fleet    FleetConfig    `mapstructure:"fleet" yaml:"fleet"`
}

// ServiceConfig holds the listener knobs.
type ServiceConfig struct {
	Port              int `mapstructure:"port" yaml:"port"`
	HealthPort        int `mapstructure:"healthPort" yaml:"healthPort"`
	GRPCPort          int `mapstructure:"grpcPort" yaml:"grpcPort"`
	ReadTimeoutMs     int `mapstructure:"readTimeoutMs" yaml:"readTimeoutMs"`
	WriteTimeoutMs    int `mapstructure:"writeTimeoutMs" yaml:"writeTimeoutMs"`
	GracefulTimeoutMs int `mapstructure:"gracefulTimeoutMs" yaml:"gracefulTimeoutMs"`
	MaxHeaderBytes    int `mapstructure:"maxHeaderBytes" yaml:"maxHeaderBytes"`
}

// LoggingConfig shapes the zap logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
	Encoding    string `mapstructure:"encoding" yaml:"encoding"`
}

// TracingConfig shapes the OTLP exporter.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	ServiceName  string `mapstructure:"serviceName" yaml:"serviceName"`
	OTLPEndpoint string `mapstructure:"otlpEndpoint" yaml:"otlpEndpoint"`
}

// BusConfig bounds the event bus history ring.
type BusConfig struct {
	MaxHistorySize int `mapstructure:"maxHistorySize" yaml:"maxHistorySize"`
}

// StoreConfig selects and tunes the event store. An empty DSN keeps events
// in memory; sqlite:// and postgres:// pick the SQL backends.
type StoreConfig struct {
	DSN             string `mapstructure:"dsn" yaml:"dsn"`
	BatchSize       int    `mapstructure:"batchSize" yaml:"batchSize"`
	FlushIntervalMs int    `mapstructure:"flushIntervalMs" yaml:"flushIntervalMs"`
}

// PersistConfig tunes agent state persistence.
type PersistConfig struct {
	SaveDebounceMs int `mapstructure:"saveDebounceMs" yaml:"saveDebounceMs"`
}

// StateConfig tunes the agent state machines.
type StateConfig struct {
	ErrorRetryLimit int `mapstructure:"errorRetryLimit" yaml:"errorRetryLimit"`
}

// StorageConfig selects the agent state storage backend.
type StorageConfig struct {
	// Backend is one of memory, file, sql, redis.
	Backend string             `mapstructure:"backend" yaml:"backend"`
	Dir     string             `mapstructure:"dir" yaml:"dir"`
	Redis   RedisStorageConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisStorageConfig locates the Redis used by the redis storage backend.
type RedisStorageConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// ExecConfig tunes the execution engine.
type ExecConfig struct {
	MaxConcurrency    int    `mapstructure:"maxConcurrency" yaml:"maxConcurrency"`
	RetryAttempts     int    `mapstructure:"retryAttempts" yaml:"retryAttempts"`
	RetryDelayMs      int    `mapstructure:"retryDelayMs" yaml:"retryDelayMs"`
	RetryBackoff      string `mapstructure:"retryBackoff" yaml:"retryBackoff"`
	ContinueOnFailure bool   `mapstructure:"continueOnFailure" yaml:"continueOnFailure"`
}

// WorkflowConfig tunes the workflow engine and names the definition
// directory preloaded at boot.
type WorkflowConfig struct {
	MaxConcurrentNodes   int    `mapstructure:"maxConcurrentNodes" yaml:"maxConcurrentNodes"`
	DefaultTaskTimeoutMs int    `mapstructure:"defaultTaskTimeoutMs" yaml:"defaultTaskTimeoutMs"`
	SubWorkflowTimeoutMs int    `mapstructure:"subWorkflowTimeoutMs" yaml:"subWorkflowTimeoutMs"`
	MaxNestingDepth      int    `mapstructure:"maxNestingDepth" yaml:"maxNestingDepth"`
	DefinitionsDir       string `mapstructure:"definitionsDir" yaml:"definitionsDir"`
}

// SelectorConfig weights agent scoring.
type SelectorConfig struct {
	Weights WeightsConfig `mapstructure:"weights" yaml:"weights"`
}

// WeightsConfig mirrors selector.Weights.
type WeightsConfig struct {
	Skill       float64 `mapstructure:"skill" yaml:"skill"`
	Cost        float64 `mapstructure:"cost" yaml:"cost"`
	Reliability float64 `mapstructure:"reliability" yaml:"reliability"`
	Load        float64 `mapstructure:"load" yaml:"load"`
}

// LBConfig tunes the cluster load balancer.
type LBConfig struct {
	CircuitBreakerThreshold int     `mapstructure:"circuitBreakerThreshold" yaml:"circuitBreakerThreshold"`
	MaxAlternatives         int     `mapstructure:"maxAlternatives" yaml:"maxAlternatives"`
	RebalanceSpread         float64 `mapstructure:"rebalanceSpread" yaml:"rebalanceSpread"`
}

// QuotaConfig tunes admission.
type QuotaConfig struct {
	RequestsPerSecond float64      `mapstructure:"requestsPerSecond" yaml:"requestsPerSecond"`
	RequestBurst      int          `mapstructure:"requestBurst" yaml:"requestBurst"`
	UserDefaults      LimitsConfig `mapstructure:"userDefaults" yaml:"userDefaults"`
	TeamDefaults      LimitsConfig `mapstructure:"teamDefaults" yaml:"teamDefaults"`
	OrgDefaults       LimitsConfig `mapstructure:"orgDefaults" yaml:"orgDefaults"`
	Policy            PolicyConfig `mapstructure:"policy" yaml:"policy"`
}

// LimitsConfig carries default quota limits for one level. Zeroes mean
// unlimited.
type LimitsConfig struct {
	AgentsPerDay       int     `mapstructure:"agentsPerDay" yaml:"agentsPerDay"`
	AgentsPerWeek      int     `mapstructure:"agentsPerWeek" yaml:"agentsPerWeek"`
	AgentsPerMonth     int     `mapstructure:"agentsPerMonth" yaml:"agentsPerMonth"`
	ComputeHoursPerDay float64 `mapstructure:"computeHoursPerDay" yaml:"computeHoursPerDay"`
	ConcurrentAgents   int     `mapstructure:"concurrentAgents" yaml:"concurrentAgents"`
	StorageBytes       int64   `mapstructure:"storageBytes" yaml:"storageBytes"`
}

// PolicyConfig enables the rego admission hook.
type PolicyConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	FailClosed bool   `mapstructure:"failClosed" yaml:"failClosed"`
	CacheTTLMs int    `mapstructure:"cacheTtlMs" yaml:"cacheTtlMs"`
}

// AuthConfig secures the ops API. Disabled, every request passes with a
// development principal.
type AuthConfig struct {
	Enabled              bool           `mapstructure:"enabled" yaml:"enabled"`
	JWTSecret            string         `mapstructure:"jwtSecret" yaml:"jwtSecret"`
	Issuer               string         `mapstructure:"issuer" yaml:"issuer"`
	AccessTokenTTLMins   int            `mapstructure:"accessTokenTtlMins" yaml:"accessTokenTtlMins"`
	RefreshTokenTTLHours int            `mapstructure:"refreshTokenTtlHours" yaml:"refreshTokenTtlHours"`
	APIKeys              []APIKeyConfig `mapstructure:"apiKeys" yaml:"apiKeys"`
}

// APIKeyConfig binds one bcrypt-hashed API key to a principal.
type APIKeyConfig struct {
	Name   string   `mapstructure:"name" yaml:"name"`
	Hash   string   `mapstructure:"hash" yaml:"hash"`
	UserID string   `mapstructure:"userId" yaml:"userId"`
	TeamID string   `mapstructure:"teamId" yaml:"teamId"`
	OrgID  string   `mapstructure:"orgId" yaml:"orgId"`
	Scopes []string `mapstructure:"scopes" yaml:"scopes"`
}

// FleetConfig names the agent manifest preloaded at boot.
type FleetConfig struct {
	ManifestPath string `mapstructure:"manifestPath" yaml:"manifestPath"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.port", 8080)
	v.SetDefault("service.healthPort", 8081)
	v.SetDefault("service.grpcPort", 9090)
	v.SetDefault("service.readTimeoutMs", 15000)
	v.SetDefault("service.writeTimeoutMs", 15000)
	v.SetDefault("service.gracefulTimeoutMs", 10000)
	v.SetDefault("service.maxHeaderBytes", 1<<20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.encoding", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.serviceName", "godeld")
	v.SetDefault("tracing.otlpEndpoint", "localhost:4317")

	v.SetDefault("bus.maxHistorySize", 1000)

	v.SetDefault("store.dsn", "")
	v.SetDefault("store.batchSize", 100)
	v.SetDefault("store.flushIntervalMs", 5000)

	v.SetDefault("persist.saveDebounceMs", 100)

	v.SetDefault("state.errorRetryLimit", 3)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.dir", "./data/agents")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)

	v.SetDefault("exec.maxConcurrency", 10)
	v.SetDefault("exec.retryAttempts", 1)
	v.SetDefault("exec.retryDelayMs", 0)
	v.SetDefault("exec.retryBackoff", "fixed")
	v.SetDefault("exec.continueOnFailure", false)

	v.SetDefault("workflow.maxConcurrentNodes", 10)
	v.SetDefault("workflow.defaultTaskTimeoutMs", 300000)
	v.SetDefault("workflow.subWorkflowTimeoutMs", 600000)
	v.SetDefault("workflow.maxNestingDepth", 8)
	v.SetDefault("workflow.definitionsDir", "")

	v.SetDefault("selector.weights.skill", 0.4)
	v.SetDefault("selector.weights.cost", 0.2)
	v.SetDefault("selector.weights.reliability", 0.2)
	v.SetDefault("selector.weights.load", 0.2)

	v.SetDefault("lb.circuitBreakerThreshold", 3)
	v.SetDefault("lb.maxAlternatives", 3)
	v.SetDefault("lb.rebalanceSpread", 20)

	v.SetDefault("quota.requestsPerSecond", 50)
	v.SetDefault("quota.requestBurst", 100)
	v.SetDefault("quota.policy.enabled", false)
	v.SetDefault("quota.policy.path", "./config/policies")
	v.SetDefault("quota.policy.failClosed", false)
	v.SetDefault("quota.policy.cacheTtlMs", 30000)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.issuer", "godeld")
	v.SetDefault("auth.accessTokenTtlMins", 60)
	v.SetDefault("auth.refreshTokenTtlHours", 720)

	v.SetDefault("fleet.manifestPath", "")
}

// Default returns the built-in configuration, no file or environment
// applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always unmarshal; the types above match the keys.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load reads configuration from GODEL_CONFIG_PATH, or DefaultPath when the
// file exists, with GODEL_* environment variables overriding either.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		if _, err := os.Stat(DefaultPath); err == nil {
			path = DefaultPath
		}
	}
	return LoadFrom(path)
}

// LoadFrom reads configuration from an explicit file path. An empty path
// skips the file layer.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("GODEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validPort(p int) bool { return p > 0 && p < 65536 }

// Validate rejects values the daemon cannot run with. It checks shape and
// ranges only; reachability of DSNs and endpoints is the caller's problem.
func (c *Config) Validate() error {
	if !validPort(c.Service.Port) {
		return fmt.Errorf("config: service.port %d out of range", c.Service.Port)
	}
	if !validPort(c.Service.HealthPort) {
		return fmt.Errorf("config: service.healthPort %d out of range", c.Service.HealthPort)
	}
	if !validPort(c.Service.GRPCPort) {
		return fmt.Errorf("config: service.grpcPort %d out of range", c.Service.GRPCPort)
	}
	if c.Service.Port == c.Service.HealthPort {
		return fmt.Errorf("config: service.port and service.healthPort both %d", c.Service.Port)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("config: unknown logging.encoding %q", c.Logging.Encoding)
	}

	if c.Bus.MaxHistorySize < 0 {
		return fmt.Errorf("config: bus.maxHistorySize must be >= 0, got %d", c.Bus.MaxHistorySize)
	}
	if c.Store.BatchSize <= 0 {
		return fmt.Errorf("config: store.batchSize must be positive, got %d", c.Store.BatchSize)
	}
	if c.Store.FlushIntervalMs <= 0 {
		return fmt.Errorf("config: store.flushIntervalMs must be positive, got %d", c.Store.FlushIntervalMs)
	}
	if dsn := c.Store.DSN; dsn != "" &&
		!strings.HasPrefix(dsn, "sqlite://") && !strings.HasPrefix(dsn, "postgres://") {
		return fmt.Errorf("config: store.dsn must be empty, sqlite:// or postgres://, got %q", dsn)
	}

	switch c.Storage.Backend {
	case "memory", "file", "sql", "redis":
	default:
		return fmt.Errorf("config: unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "file" && c.Storage.Dir == "" {
		return fmt.Errorf("config: storage.dir required for the file backend")
	}
	if c.Storage.Backend == "sql" && c.Store.DSN == "" {
		return fmt.Errorf("config: storage.backend sql needs store.dsn")
	}

	switch c.Exec.RetryBackoff {
	case "fixed", "linear", "exponential":
	default:
		return fmt.Errorf("config: unknown exec.retryBackoff %q", c.Exec.RetryBackoff)
	}
	if c.Exec.MaxConcurrency <= 0 {
		return fmt.Errorf("config: exec.maxConcurrency must be positive, got %d", c.Exec.MaxConcurrency)
	}
	if c.Exec.RetryAttempts <= 0 {
		return fmt.Errorf("config: exec.retryAttempts counts total attempts, must be positive, got %d", c.Exec.RetryAttempts)
	}

	if c.Workflow.MaxConcurrentNodes <= 0 {
		return fmt.Errorf("config: workflow.maxConcurrentNodes must be positive, got %d", c.Workflow.MaxConcurrentNodes)
	}
	if c.Workflow.MaxNestingDepth <= 0 {
		return fmt.Errorf("config: workflow.maxNestingDepth must be positive, got %d", c.Workflow.MaxNestingDepth)
	}

	for _, w := range []struct {
		name  string
		value float64
	}{
		{"selector.weights.skill", c.Selector.Weights.Skill},
		{"selector.weights.cost", c.Selector.Weights.Cost},
		{"selector.weights.reliability", c.Selector.Weights.Reliability},
		{"selector.weights.load", c.Selector.Weights.Load},
	} {
		if w.value < 0 || w.value > 1 {
			return fmt.Errorf("config: %s must be within [0,1], got %v", w.name, w.value)
		}
	}

	if c.LB.CircuitBreakerThreshold <= 0 {
		return fmt.Errorf("config: lb.circuitBreakerThreshold must be positive, got %d", c.LB.CircuitBreakerThreshold)
	}

	if c.Quota.RequestsPerSecond <= 0 {
		return fmt.Errorf("config: quota.requestsPerSecond must be positive, got %v", c.Quota.RequestsPerSecond)
	}
	if c.Quota.RequestBurst <= 0 {
		return fmt.Errorf("config: quota.requestBurst must be positive, got %d", c.Quota.RequestBurst)
	}
	if c.Quota.Policy.Enabled && c.Quota.Policy.Path == "" {
		return fmt.Errorf("config: quota.policy.path required when the policy hook is enabled")
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("config: auth.enabled needs auth.jwtSecret or auth.apiKeys")
	}
	for i, k := range c.Auth.APIKeys {
		if k.Hash == "" {
			return fmt.Errorf("config: auth.apiKeys[%d] has no hash", i)
		}
		if k.UserID == "" {
			return fmt.Errorf("config: auth.apiKeys[%d] has no userId", i)
		}
	}
	return nil
}
