package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/longtext-translator/internal/chunker"
	"github.com/cuongbtq/longtext-translator/internal/domain"
	"github.com/cuongbtq/longtext-translator/internal/ledger"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Dispatch modes accepted by pipeline.mode
const (
	ModeSerial    = "serial"
	ModeStreaming = "streaming"
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Redis       RedisConfig       `yaml:"redis"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Logging     LoggingConfig     `yaml:"logging"`
	App         AppConfig         `yaml:"app"`
	Worker      WorkerConfig      `yaml:"worker"`
	Translation TranslationConfig `yaml:"translation"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Credits     CreditsConfig     `yaml:"credits"`
	Sweeper     SweeperConfig     `yaml:"sweeper"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	// Migrate applies the embedded schema on start
	Migrate bool `yaml:"migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
	// MaxPriority makes the queue a priority queue; job priorities above it are clamped
	MaxPriority uint8 `yaml:"max_priority"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// RedisConfig holds the job status cache connection
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	TTL         time.Duration `yaml:"ttl"`
	KeyPrefix   string        `yaml:"key_prefix"`
}

// ObjectStoreConfig holds the S3 compatible store for translated documents
type ObjectStoreConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID              string        `yaml:"id"`
	Concurrency     int           `yaml:"concurrency"`
	StepTimeout     time.Duration `yaml:"step_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TranslationConfig holds the translation engine endpoint
type TranslationConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Path         string        `yaml:"path"`
	APIKey       string        `yaml:"api_key"`
	APIKeyHeader string        `yaml:"api_key_header"`
	Timeout      time.Duration `yaml:"timeout"`
	// Languages maps internal language names to engine codes
	Languages map[string]string `yaml:"languages"`
}

// ChunkTierConfig maps texts up to UpTo characters to a chunk size, 0 meaning one chunk
type ChunkTierConfig struct {
	UpTo         int `yaml:"up_to"`
	MaxChunkSize int `yaml:"max_chunk_size"`
}

// PipelineConfig holds chunking, scheduling and retry policy
type PipelineConfig struct {
	Mode                    string            `yaml:"mode"`
	ChunkTiers              []ChunkTierConfig `yaml:"chunk_tiers"`
	DefaultChunkSize        int               `yaml:"default_chunk_size"`
	MaxActiveJobs           int               `yaml:"max_active_jobs"`
	ChunkConcurrency        int               `yaml:"chunk_concurrency"`
	InterChunkDelay         time.Duration     `yaml:"inter_chunk_delay"`
	MaxRetries              int               `yaml:"max_retries"`
	RetryBaseDelay          time.Duration     `yaml:"retry_base_delay"`
	RetryMaxDelay           time.Duration     `yaml:"retry_max_delay"`
	RetryMultiplier         float64           `yaml:"retry_multiplier"`
	PartialSuccessThreshold float64           `yaml:"partial_success_threshold"`
	FailedChunkMarker       string            `yaml:"failed_chunk_marker"`
	MaxTextLength           int               `yaml:"max_text_length"`
	JobMaxRetries           int               `yaml:"job_max_retries"`
}

// CreditsConfig holds pricing
type CreditsConfig struct {
	CharsPerCredit int   `yaml:"chars_per_credit"`
	MinimumCredits int64 `yaml:"minimum_credits"`
	// FreeCharacters is the per-job allowance of each user tier
	FreeCharacters map[string]int `yaml:"free_characters"`
}

// SweeperConfig holds the stuck job recovery loop
type SweeperConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	Threshold time.Duration `yaml:"threshold"`
	BatchSize int           `yaml:"batch_size"`
}

// Load reads and parses the configuration file. ${VAR} references are expanded from the environment.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills zero values with working defaults
func (c *Config) ApplyDefaults() {
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 1
	}
	if c.Worker.StepTimeout <= 0 {
		c.Worker.StepTimeout = 60 * time.Second
	}
	if c.Worker.ShutdownTimeout <= 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Translation.Timeout <= 0 {
		c.Translation.Timeout = 30 * time.Second
	}

	p := &c.Pipeline
	if p.Mode == "" {
		p.Mode = ModeSerial
	}
	if len(p.ChunkTiers) == 0 {
		p.ChunkTiers = []ChunkTierConfig{
			{UpTo: 1500, MaxChunkSize: 0},
			{UpTo: 10000, MaxChunkSize: 1000},
			{UpTo: 50000, MaxChunkSize: 2000},
		}
	}
	if p.DefaultChunkSize <= 0 {
		p.DefaultChunkSize = 3000
	}
	if p.MaxActiveJobs <= 0 {
		p.MaxActiveJobs = 1
	}
	if p.ChunkConcurrency <= 0 {
		p.ChunkConcurrency = 1
	}
	if p.InterChunkDelay == 0 {
		p.InterChunkDelay = 500 * time.Millisecond
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.RetryBaseDelay <= 0 {
		p.RetryBaseDelay = time.Second
	}
	if p.RetryMaxDelay <= 0 {
		p.RetryMaxDelay = 10 * time.Second
	}
	if p.RetryMultiplier <= 0 {
		p.RetryMultiplier = 2
	}
	if p.PartialSuccessThreshold == 0 {
		p.PartialSuccessThreshold = 0.7
	}
	if p.JobMaxRetries == 0 {
		p.JobMaxRetries = 3
	}

	if c.Credits.CharsPerCredit <= 0 {
		c.Credits.CharsPerCredit = 100
	}
	if c.Credits.MinimumCredits <= 0 {
		c.Credits.MinimumCredits = 1
	}
	if c.Credits.FreeCharacters == nil {
		c.Credits.FreeCharacters = map[string]int{"free": 500, "pro": 0}
	}

	if c.Sweeper.Interval <= 0 {
		c.Sweeper.Interval = 5 * time.Minute
	}
	if c.Sweeper.Threshold <= 0 {
		c.Sweeper.Threshold = 30 * time.Minute
	}
	if c.Sweeper.BatchSize <= 0 {
		c.Sweeper.BatchSize = 100
	}
}

// Validate checks if the configuration is valid
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}

	return c.ValidatePipelineConfig()
}

// Make another validation function for worker config
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.StepTimeout <= 0 {
		return fmt.Errorf("worker step_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Translation.BaseURL == "" {
		return fmt.Errorf("translation base_url is required")
	}

	if c.ObjectStore.Enabled && (c.ObjectStore.Endpoint == "" || c.ObjectStore.Bucket == "") {
		return fmt.Errorf("object_store endpoint and bucket are required when the object store is enabled")
	}

	if c.Sweeper.Enabled && c.Sweeper.Threshold <= c.Worker.StepTimeout {
		return fmt.Errorf("sweeper threshold %s must exceed worker step_timeout %s", c.Sweeper.Threshold, c.Worker.StepTimeout)
	}

	return c.ValidatePipelineConfig()
}

// ValidatePipelineConfig checks the policy shared by the API and the worker
func (c *Config) ValidatePipelineConfig() error {
	p := c.Pipeline

	if p.Mode != ModeSerial && p.Mode != ModeStreaming {
		return fmt.Errorf("invalid pipeline mode: %q (must be %s or %s)", p.Mode, ModeSerial, ModeStreaming)
	}

	for i, tier := range p.ChunkTiers {
		if tier.UpTo <= 0 || tier.MaxChunkSize < 0 {
			return fmt.Errorf("invalid chunk tier %d: up_to must be positive and max_chunk_size not negative", i)
		}
	}

	if p.DefaultChunkSize <= 0 {
		return fmt.Errorf("pipeline default_chunk_size must be greater than 0")
	}

	if p.PartialSuccessThreshold <= 0 || p.PartialSuccessThreshold > 1 {
		return fmt.Errorf("invalid partial_success_threshold: %v (must be in (0, 1])", p.PartialSuccessThreshold)
	}

	if p.MaxRetries < 0 || p.JobMaxRetries < 0 {
		return fmt.Errorf("pipeline retries must not be negative")
	}

	if p.InterChunkDelay < 0 {
		return fmt.Errorf("pipeline inter_chunk_delay must not be negative")
	}

	for tier, free := range c.Credits.FreeCharacters {
		if tier != "free" && tier != "pro" {
			return fmt.Errorf("unknown user tier in free_characters: %q", tier)
		}
		if free < 0 {
			return fmt.Errorf("free_characters of %s must not be negative", tier)
		}
	}

	return nil
}

// ChunkPolicy converts the tiers to the chunker policy
func (p PipelineConfig) ChunkPolicy() chunker.Policy {
	policy := chunker.Policy{Default: p.DefaultChunkSize}
	for _, tier := range p.ChunkTiers {
		policy.Tiers = append(policy.Tiers, chunker.Tier{UpTo: tier.UpTo, MaxChunkSize: tier.MaxChunkSize})
	}
	return policy
}

// DispatchMode returns the mode jobs are published with
func (p PipelineConfig) DispatchMode() domain.DispatchMode {
	return domain.DispatchMode(p.Mode)
}

// Pricing converts the credit settings to the ledger pricing
func (c CreditsConfig) Pricing() ledger.Pricing {
	pricing := ledger.Pricing{
		CharsPerCredit: c.CharsPerCredit,
		MinimumCredits: c.MinimumCredits,
		FreeCharacters: make(map[domain.UserTier]int, len(c.FreeCharacters)),
	}
	for tier, free := range c.FreeCharacters {
		pricing.FreeCharacters[domain.UserTier(tier)] = free
	}
	return pricing
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}
