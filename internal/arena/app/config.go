package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"aipilot/internal/arena/pairing"
	"aipilot/internal/arena/sandbox"
	"aipilot/internal/common/cache"
	"aipilot/internal/common/db"
	"aipilot/internal/common/mq"
	"aipilot/internal/common/storage"
	"aipilot/pkg/utils/logger"

	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	defaultSQLitePath     = "data/arena.db"
	defaultImage          = "aipilot-sim:latest"
	defaultRuntime        = "docker"
	defaultMatchTimeout   = 10 * time.Minute
	defaultMaxFails       = 5
	defaultWakeInterval   = time.Minute
	defaultBackoff        = 5 * time.Second
	defaultStorageTimeout = 30 * time.Second
	defaultJobTTL         = 24 * time.Hour
	defaultStatsTTL       = 30 * time.Second
	defaultUploadTopic    = "arena.pilot.uploaded"
	defaultFinalTopic     = "arena.match.final"
	defaultConsumerGroup  = "arena-service"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// DatabaseConfig selects and configures the SQL backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "mysql".
	Driver             string        `yaml:"driver"`
	Path               string        `yaml:"path"`
	DSN                string        `yaml:"dsn"`
	BusyTimeout        time.Duration `yaml:"busyTimeout"`
	MaxOpenConnections int           `yaml:"maxOpenConnections"`
	MaxIdleConnections int           `yaml:"maxIdleConnections"`
	ConnMaxLifetime    time.Duration `yaml:"connMaxLifetime"`
}

// KafkaConfig holds Kafka settings. No brokers disables messaging.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ClientID      string        `yaml:"clientID"`
	RequiredAcks  int           `yaml:"requiredAcks"`
	BatchTimeout  time.Duration `yaml:"batchTimeout"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	Compression   string        `yaml:"compression"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	UploadTopic   string        `yaml:"uploadTopic"`
	FinalTopic    string        `yaml:"finalTopic"`
	Concurrency   int           `yaml:"concurrency"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	DeadLetter    string        `yaml:"deadLetterTopic"`
}

// MountConfig overrides the container-side mount targets.
type MountConfig struct {
	SideA string `yaml:"sideA"`
	SideB string `yaml:"sideB"`
	Map   string `yaml:"map"`
	Sim   string `yaml:"sim"`
}

// ArenaConfig holds match execution and scheduling settings.
type ArenaConfig struct {
	Image   string `yaml:"image"`
	Runtime string `yaml:"runtime"`

	MapDir    string `yaml:"mapDir"`
	LogDir    string `yaml:"logDir"`
	SimDir    string `yaml:"simDir"`
	UploadDir string `yaml:"uploadDir"`
	ReplayDir string `yaml:"replayDir"`

	MatchTimeout   time.Duration `yaml:"matchTimeout"`
	MaxConcurrent  int64         `yaml:"maxConcurrent"`
	MatchesPer     int           `yaml:"matchesPer"`
	MaxFails       int           `yaml:"maxFails"`
	FailureBackoff time.Duration `yaml:"failureBackoff"`
	WakeInterval   time.Duration `yaml:"wakeInterval"`
	StatusTimeout  time.Duration `yaml:"statusTimeout"`
	StorageTimeout time.Duration `yaml:"storageTimeout"`
	JobTTL         time.Duration `yaml:"jobTTL"`
	StatsTTL       time.Duration `yaml:"statsTTL"`

	Limits sandbox.Limits       `yaml:"limits"`
	Mounts MountConfig          `yaml:"mounts"`
	Marker sandbox.MarkerConfig `yaml:"marker"`
}

// ConverterConfig locates the replay conversion tool. An empty tool disables replays.
type ConverterConfig struct {
	Tool    string        `yaml:"tool"`
	MapPath string        `yaml:"mapPath"`
	WorkDir string        `yaml:"workDir"`
	Timeout time.Duration `yaml:"timeout"`
}

// AppConfig holds the arena config shared by the service and the CLI.
type AppConfig struct {
	Server    ServerConfig        `yaml:"server"`
	Logger    logger.Config       `yaml:"logger"`
	Database  DatabaseConfig      `yaml:"database"`
	Redis     cache.RedisConfig   `yaml:"redis"`
	MinIO     storage.MinIOConfig `yaml:"minio"`
	Kafka     KafkaConfig         `yaml:"kafka"`
	Arena     ArenaConfig         `yaml:"arena"`
	Converter ConverterConfig     `yaml:"converter"`
}

// LoadConfig reads a YAML config. A .env file next to the process is loaded
// first and ${VAR} references are expanded from the environment.
func LoadConfig(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env failed: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file failed: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file failed: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}

	cfg.Database.Driver = strings.ToLower(cfg.Database.Driver)
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" {
		cfg.Database.Path = defaultSQLitePath
	}
	if cfg.Redis.Addr != "" {
		applyRedisDefaults(&cfg.Redis)
	}

	if cfg.Kafka.UploadTopic == "" {
		cfg.Kafka.UploadTopic = defaultUploadTopic
	}
	if cfg.Kafka.FinalTopic == "" {
		cfg.Kafka.FinalTopic = defaultFinalTopic
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = defaultConsumerGroup
	}

	a := &cfg.Arena
	if a.Image == "" {
		a.Image = defaultImage
	}
	if a.Runtime == "" {
		a.Runtime = defaultRuntime
	}
	setDir(&a.MapDir, "Map")
	setDir(&a.LogDir, "logs")
	setDir(&a.SimDir, "sim")
	setDir(&a.UploadDir, "uploads")
	setDir(&a.ReplayDir, "replays")
	if a.MatchTimeout == 0 {
		a.MatchTimeout = defaultMatchTimeout
	}
	if a.MatchesPer <= 0 {
		a.MatchesPer = pairing.DefaultMatchesPer
	}
	if a.MaxFails == 0 {
		a.MaxFails = defaultMaxFails
	}
	if a.FailureBackoff == 0 {
		a.FailureBackoff = defaultBackoff
	}
	if a.WakeInterval == 0 {
		a.WakeInterval = defaultWakeInterval
	}
	if a.StorageTimeout == 0 {
		a.StorageTimeout = defaultStorageTimeout
	}
	if a.JobTTL == 0 {
		a.JobTTL = defaultJobTTL
	}
	if a.StatsTTL == 0 {
		a.StatsTTL = defaultStatsTTL
	}
	if a.Limits == (sandbox.Limits{}) {
		a.Limits = sandbox.DefaultLimits()
	}
}

func setDir(dir *string, def string) {
	if *dir == "" {
		*dir = def
	}
}

func validate(cfg *AppConfig) error {
	switch cfg.Database.Driver {
	case "sqlite":
	case "mysql":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for mysql")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if cfg.MinIO.Endpoint != "" && cfg.MinIO.Bucket == "" {
		return fmt.Errorf("minio bucket is required")
	}
	return nil
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}

func (d DatabaseConfig) pool() db.PoolConfig {
	return db.PoolConfig{
		MaxOpenConnections: d.MaxOpenConnections,
		MaxIdleConnections: d.MaxIdleConnections,
		ConnMaxLifetime:    d.ConnMaxLifetime,
	}
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		Compression:  parseCompression(k.Compression),
	}
}

func (k KafkaConfig) subscribeOptions() *mq.SubscribeOptions {
	return &mq.SubscribeOptions{
		ConsumerGroup:   k.ConsumerGroup,
		Concurrency:     k.Concurrency,
		MaxRetries:      k.MaxRetries,
		RetryDelay:      k.RetryDelay,
		DeadLetterTopic: k.DeadLetter,
	}
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}
