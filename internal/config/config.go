package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"llm_flow/internal/utils"
)

// EnvPrefix prefixes every environment override, e.g. FLOW_APP_ENV.
const EnvPrefix = "FLOW"

// Config holds configuration for flowlog.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Costs        CostsConfig        `mapstructure:"costs"`
	Transports   TransportsConfig   `mapstructure:"transports"`
	RotatingFile RotatingFileConfig `mapstructure:"rotating_file"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Spend        SpendConfig        `mapstructure:"spend"`
	NATS         NATSConfig         `mapstructure:"nats"`
	S3           S3Config           `mapstructure:"s3"`
	GCS          GCSConfig          `mapstructure:"gcs"`
	Firestore    FirestoreConfig    `mapstructure:"firestore"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Analytics    AnalyticsConfig    `mapstructure:"analytics"`
	HTTP         HTTPConfig         `mapstructure:"http"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	UserID   string `mapstructure:"user_id"`
	LogLevel string `mapstructure:"log_level"`
}

// CostsConfig points at the cost table; an empty path uses the embedded table.
type CostsConfig struct {
	TablePath string        `mapstructure:"table_path"`
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// Transport names accepted in transports.enabled.
const (
	TransportConsole      = "console"
	TransportJSONL        = "jsonl"
	TransportJSON         = "json"
	TransportRotatingFile = "rotating_file"
	TransportRedisList    = "redis_list"
	TransportNATS         = "nats"
	TransportS3           = "s3"
	TransportGCS          = "gcs"
	TransportFirestore    = "firestore"
	TransportSQL          = "sql"
	TransportAnalytics    = "analytics"
)

var knownTransports = map[string]bool{
	TransportConsole: true, TransportJSONL: true, TransportJSON: true, TransportRotatingFile: true,
	TransportRedisList: true, TransportNATS: true, TransportS3: true, TransportGCS: true,
	TransportFirestore: true, TransportSQL: true, TransportAnalytics: true,
}

type TransportsConfig struct {
	Enabled []string `mapstructure:"enabled"`
	DataDir string   `mapstructure:"data_dir"`
}

type RotatingFileConfig struct {
	FileTemplate  string        `mapstructure:"file_template"`
	MaxSize       int64         `mapstructure:"max_size"`
	MaxFiles      int           `mapstructure:"max_files"`
	BufferSize    int           `mapstructure:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	ListKey      string        `mapstructure:"list_key"`
	ListMaxSize  int64         `mapstructure:"list_max_size"`
}

// QueueConfig configures the queues behind batch transports and workers.
type QueueConfig struct {
	UseRedis     bool          `mapstructure:"use_redis"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// SpendConfig enables per-session spend tracking in Redis.
type SpendConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Async   bool `mapstructure:"async"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Prefix       string `mapstructure:"prefix"`
	PodName      string `mapstructure:"pod_name"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

type FirestoreConfig struct {
	ProjectID  string `mapstructure:"project_id"`
	Collection string `mapstructure:"collection"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	Async           bool          `mapstructure:"async"`
}

type AnalyticsConfig struct {
	MeasurementID  string        `mapstructure:"measurement_id"`
	APISecret      string        `mapstructure:"api_secret"`
	Debug          bool          `mapstructure:"debug"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
	SharedLimit    bool          `mapstructure:"shared_limit"`
}

type HTTPConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// APIKeys are "name:key" entries; when set, /v1 requires one of them
	APIKeys []string `mapstructure:"api_keys"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.user_id", "")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("costs.table_path", "")
	v.SetDefault("costs.cache_size", 500)
	v.SetDefault("costs.cache_ttl", 15*time.Minute)

	v.SetDefault("transports.enabled", []string{TransportJSONL})
	v.SetDefault("transports.data_dir", "./data")

	v.SetDefault("rotating_file.file_template", "./data/entries-%s.jsonl")
	v.SetDefault("rotating_file.max_size", 10_485_760) // 10 MB
	v.SetDefault("rotating_file.max_files", 5)
	v.SetDefault("rotating_file.buffer_size", 1000)
	v.SetDefault("rotating_file.flush_interval", 5*time.Second)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.list_key", "llm_flow:entries")
	v.SetDefault("redis.list_max_size", 100000)

	v.SetDefault("queue.use_redis", false)
	v.SetDefault("queue.batch_size", 100)
	v.SetDefault("queue.batch_timeout", 5*time.Second)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.retry_backoff", time.Second)

	v.SetDefault("spend.enabled", false)
	v.SetDefault("spend.async", false)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject", "llm_flow.entries")

	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.prefix", "logs/")
	v.SetDefault("s3.pod_name", "flow-0")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.use_path_style", false)

	v.SetDefault("gcs.bucket", "")
	v.SetDefault("gcs.prefix", "llm-flow")

	v.SetDefault("firestore.project_id", "")
	v.SetDefault("firestore.collection", "log-entries")

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "./data/flow.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.query_timeout", 5*time.Second)
	v.SetDefault("database.async", false)

	v.SetDefault("analytics.measurement_id", "")
	v.SetDefault("analytics.api_secret", "")
	v.SetDefault("analytics.debug", false)
	v.SetDefault("analytics.session_timeout", 30*time.Minute)
	v.SetDefault("analytics.rate_per_second", 10.0)
	v.SetDefault("analytics.burst", 20)
	v.SetDefault("analytics.shared_limit", false)

	v.SetDefault("http.address", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.api_keys", []string{})
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads defaults, then the YAML file at path (optional), then FLOW_*
// environment overrides.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return decode(v)
}

// Validate rejects settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if _, err := utils.ParseLogLevel(c.App.LogLevel); err != nil {
		errs = append(errs, err)
	}
	for _, name := range c.Transports.Enabled {
		if !knownTransports[name] {
			errs = append(errs, fmt.Errorf("unknown transport %q", name))
		}
	}
	if c.Enabled(TransportS3) && c.S3.Bucket == "" {
		errs = append(errs, errors.New("s3.bucket is required for the s3 transport"))
	}
	if c.Enabled(TransportGCS) && c.GCS.Bucket == "" {
		errs = append(errs, errors.New("gcs.bucket is required for the gcs transport"))
	}
	if c.Enabled(TransportFirestore) && c.Firestore.ProjectID == "" {
		errs = append(errs, errors.New("firestore.project_id is required for the firestore transport"))
	}
	if c.Enabled(TransportAnalytics) && (c.Analytics.MeasurementID == "" || c.Analytics.APISecret == "") {
		errs = append(errs, errors.New("analytics.measurement_id and analytics.api_secret are required for the analytics transport"))
	}
	if c.Queue.BatchSize <= 0 {
		errs = append(errs, errors.New("queue.batch_size must be positive"))
	}
	return errors.Join(errs...)
}

// Enabled reports whether the named transport is switched on.
func (c *Config) Enabled(transport string) bool {
	for _, name := range c.Transports.Enabled {
		if name == transport {
			return true
		}
	}
	return false
}

// NeedsRedis reports whether any enabled component talks to Redis.
func (c *Config) NeedsRedis() bool {
	return c.Enabled(TransportRedisList) || c.Spend.Enabled || c.Queue.UseRedis ||
		(c.Enabled(TransportAnalytics) && c.Analytics.SharedLimit)
}

// Store wraps configuration with thread-safe access and hot-reload updates.
type Store struct {
	mu        sync.RWMutex
	cfg       *Config
	v         *viper.Viper
	listeners []func(*Config)
	logger    *utils.Logger
}

// LoadStore loads the configuration and keeps the viper instance for reloads.
func LoadStore(path string) (*Store, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Store{cfg: cfg, v: v, logger: utils.NewLogger("config")}, nil
}

// Get returns a copy of the current configuration.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cpy := *s.cfg
	return &cpy
}

// OnChange registers fn to run after every successful reload.
func (s *Store) OnChange(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Reload re-reads the file. An invalid file leaves the current configuration in place.
func (s *Store) Reload() error {
	if s.v.ConfigFileUsed() != "" {
		if err := s.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	cfg, err := decode(s.v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg = cfg
	listeners := append([]func(*Config){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// Watch reloads whenever the config file changes on disk.
func (s *Store) Watch() {
	if s.v.ConfigFileUsed() == "" {
		return
	}
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if err := s.Reload(); err != nil {
			s.logger.Error("Config reload failed", "file", e.Name, "error", err)
			return
		}
		s.logger.Info("Config reloaded", "file", e.Name)
	})
	s.v.WatchConfig()
}
