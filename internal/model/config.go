package model

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Provider ProviderConfig `yaml:"provider"`
	Retry    RetryConfig    `yaml:"retry"`
	Stream   StreamConfig   `yaml:"stream"`
	Quota    QuotaConfig    `yaml:"quota"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
}

type StoreConfig struct {
	Driver        string `yaml:"driver"` // memory | sqlite | redis | postgrest
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	SupabaseURL   string `yaml:"supabase_url"`
	SupabaseKey   string `yaml:"supabase_key"`
}

type ProviderConfig struct {
	Endpoint           string `yaml:"endpoint"`
	APIKey             string `yaml:"api_key"`
	Model              string `yaml:"model"`
	MaxTokens          int    `yaml:"max_tokens"`
	ContextTimeoutSec  int    `yaml:"context_timeout_sec"`  // context build budget (default 30)
	GenerateTimeoutSec int    `yaml:"generate_timeout_sec"` // per-section generation budget (default 120)
}

type RetryConfig struct {
	MaxRetries int `yaml:"max_retries"`
	BackoffSec int `yaml:"backoff_sec"`
}

type StreamConfig struct {
	IntervalMs      int `yaml:"interval_ms"`      // re-fetch cadence (default 1000)
	HeartbeatCycles int `yaml:"heartbeat_cycles"` // heartbeat every N cycles (default 10)
	MaxCycles       int `yaml:"max_cycles"`       // hard lifetime cap (default 900)
}

type QuotaConfig struct {
	Enabled     bool   `yaml:"enabled"`
	SupabaseURL string `yaml:"supabase_url"`
	SupabaseKey string `yaml:"supabase_key"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// ApplyDefaults fills zero-valued fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "127.0.0.1:8480"
	}
	if c.Server.DataDir == "" {
		c.Server.DataDir = ".grantd"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = c.Server.DataDir + "/sessions.db"
	}
	if c.Provider.Model == "" {
		c.Provider.Model = "grant-writer-large"
	}
	if c.Provider.MaxTokens <= 0 {
		c.Provider.MaxTokens = 2048
	}
	if c.Provider.ContextTimeoutSec <= 0 {
		c.Provider.ContextTimeoutSec = 30
	}
	if c.Provider.GenerateTimeoutSec <= 0 {
		c.Provider.GenerateTimeoutSec = 120
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = DefaultMaxRetries
	}
	if c.Retry.BackoffSec <= 0 {
		c.Retry.BackoffSec = 2
	}
	if c.Stream.IntervalMs <= 0 {
		c.Stream.IntervalMs = 1000
	}
	if c.Stream.HeartbeatCycles <= 0 {
		c.Stream.HeartbeatCycles = 10
	}
	if c.Stream.MaxCycles <= 0 {
		c.Stream.MaxCycles = 900
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = c.Server.DataDir + "/logs"
	}
}
