package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/eddielth/oceanflow/logger"
	"github.com/eddielth/oceanflow/validator"
)

// EnvPrefix is the prefix for environment overrides, e.g. OCEANFLOW_BROKER_URL
const EnvPrefix = "OCEANFLOW"

// Config 表示应用程序的配置
type Config struct {
	Role         string                 `mapstructure:"role" validate:"required,oneof=wavy aggregator server broker status"`
	ID           string                 `mapstructure:"id"`
	Broker       BrokerConfig           `mapstructure:"broker"`
	Topology     TopologyConfig         `mapstructure:"topology"`
	Wavy         WavyConfig             `mapstructure:"wavy"`
	Aggregator   AggregatorConfig       `mapstructure:"aggregator"`
	Server       ServerConfig           `mapstructure:"server"`
	Transformers map[string]Transformer `mapstructure:"transformers"`
	Storage      StorageConfig          `mapstructure:"storage"`
	Logger       LoggerConfig           `mapstructure:"logger"`
	Metrics      MetricsConfig          `mapstructure:"metrics"`
	RPC          RPCConfig              `mapstructure:"rpc"`
	Embedded     EmbeddedBrokerConfig   `mapstructure:"embedded"`
}

// BrokerConfig selects and configures the pub/sub transport. MaxDeliver and
// RedeliveryDelay govern redelivery on NATS of messages whose handler failed;
// -1 redelivers forever.
type BrokerConfig struct {
	Type            string        `mapstructure:"type" validate:"oneof=nats mqtt"`
	URL             string        `mapstructure:"url"`
	ClientID        string        `mapstructure:"client_id"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	MaxDeliver      int           `mapstructure:"max_deliver" validate:"gte=-1"`
	RedeliveryDelay time.Duration `mapstructure:"redelivery_delay"`
}

// TopologyConfig selects where device, aggregator and server records live
type TopologyConfig struct {
	Type     string `mapstructure:"type" validate:"oneof=file mongo"`
	Path     string `mapstructure:"path"`
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// WavyConfig configures a producer device
type WavyConfig struct {
	Mode           string        `mapstructure:"mode" validate:"oneof=broker legacy"`
	Interval       time.Duration `mapstructure:"interval"`
	AggregatorAddr string        `mapstructure:"aggregator_addr"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	AutoActivate   bool          `mapstructure:"auto_activate"`
}

// AggregatorConfig configures a regional aggregator
type AggregatorConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Legacy        LegacyConfig  `mapstructure:"legacy"`
}

// ServerConfig configures a continental server
type ServerConfig struct {
	OnPersistFailure string       `mapstructure:"on_persist_failure" validate:"oneof=drop redeliver"`
	Legacy           LegacyConfig `mapstructure:"legacy"`
}

// LegacyConfig configures the raw TCP protocol
type LegacyConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Host        string        `mapstructure:"host"`
	Listen      string        `mapstructure:"listen"`
	Uplink      bool          `mapstructure:"uplink"`
	UplinkAddr  string        `mapstructure:"uplink_addr"`
	RecordsDir  string        `mapstructure:"records_dir"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// Transformer 表示读数转换器的配置
type Transformer struct {
	ScriptPath string `mapstructure:"script_path"`
	ScriptCode string `mapstructure:"script_code"`
}

// LoggerConfig 表示日志配置
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format" validate:"oneof=console json"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

// MetricsConfig configures the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// RPCConfig configures request/response calls
type RPCConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// EmbeddedBrokerConfig configures the in-process NATS server of the broker role
type EmbeddedBrokerConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	StoreDir string `mapstructure:"store_dir"`
}

// StorageConfig 表示存储配置
type StorageConfig struct {
	File     FileStorageConfig     `mapstructure:"file"`
	Database DatabaseStorageConfig `mapstructure:"database"`
	Mongo    MongoStorageConfig    `mapstructure:"mongo"`
	Breaker  BreakerConfig         `mapstructure:"breaker"`
}

// FileStorageConfig 表示文件存储配置（JSON行格式）
type FileStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DatabaseStorageConfig 表示数据库存储配置
type DatabaseStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type" validate:"omitempty,oneof=mysql postgresql"`
	DSN     string `mapstructure:"dsn"`
}

// MongoStorageConfig represents the document store configuration
type MongoStorageConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// BreakerConfig wraps every backend in a circuit breaker when enabled
type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
}

// ConfigChangeCallback 是配置文件变更时的回调函数类型
type ConfigChangeCallback func(cfg *Config) error

func setDefaults() {
	viper.SetDefault("role", "")
	viper.SetDefault("id", "")

	viper.SetDefault("broker.type", "nats")
	viper.SetDefault("broker.url", "nats://127.0.0.1:4222")
	viper.SetDefault("broker.client_id", "")
	viper.SetDefault("broker.username", "")
	viper.SetDefault("broker.password", "")
	viper.SetDefault("broker.connect_timeout", 10*time.Second)
	viper.SetDefault("broker.retry_delay", 5*time.Second)
	viper.SetDefault("broker.max_deliver", 5)
	viper.SetDefault("broker.redelivery_delay", time.Second)

	viper.SetDefault("topology.type", "file")
	viper.SetDefault("topology.path", "./topology.yaml")
	viper.SetDefault("topology.uri", "mongodb://localhost:27017")
	viper.SetDefault("topology.database", "OceanMonitoring")

	viper.SetDefault("wavy.mode", "broker")
	viper.SetDefault("wavy.interval", time.Second)
	viper.SetDefault("wavy.aggregator_addr", "")
	viper.SetDefault("wavy.retry_delay", 5*time.Second)
	viper.SetDefault("wavy.auto_activate", false)

	viper.SetDefault("aggregator.flush_interval", 5*time.Second)
	viper.SetDefault("aggregator.legacy.enabled", false)
	viper.SetDefault("aggregator.legacy.host", "127.0.0.1")
	viper.SetDefault("aggregator.legacy.listen", "")
	viper.SetDefault("aggregator.legacy.uplink", true)
	viper.SetDefault("aggregator.legacy.uplink_addr", "")
	viper.SetDefault("aggregator.legacy.read_timeout", 30*time.Second)

	viper.SetDefault("server.on_persist_failure", "drop")
	viper.SetDefault("server.legacy.enabled", false)
	viper.SetDefault("server.legacy.host", "127.0.0.1")
	viper.SetDefault("server.legacy.listen", "")
	viper.SetDefault("server.legacy.records_dir", "./records")
	viper.SetDefault("server.legacy.read_timeout", 30*time.Second)

	viper.SetDefault("storage.file.enabled", true)
	viper.SetDefault("storage.file.path", "./data")
	viper.SetDefault("storage.database.enabled", false)
	viper.SetDefault("storage.database.type", "")
	viper.SetDefault("storage.database.dsn", "")
	viper.SetDefault("storage.mongo.enabled", false)
	viper.SetDefault("storage.mongo.uri", "mongodb://localhost:27017")
	viper.SetDefault("storage.mongo.database", "OceanMonitoring")
	viper.SetDefault("storage.breaker.enabled", false)
	viper.SetDefault("storage.breaker.consecutive_failures", 5)
	viper.SetDefault("storage.breaker.open_timeout", 30*time.Second)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")
	viper.SetDefault("logger.file_path", "")
	viper.SetDefault("logger.max_size", 10)
	viper.SetDefault("logger.max_backups", 5)
	viper.SetDefault("logger.console", true)

	viper.SetDefault("metrics.enabled", false)
	viper.SetDefault("metrics.addr", ":9102")

	viper.SetDefault("rpc.timeout", 5*time.Second)

	viper.SetDefault("embedded.host", "127.0.0.1")
	viper.SetDefault("embedded.port", 4222)
	viper.SetDefault("embedded.store_dir", "./jetstream")
}

// NewFlagSet defines the command line flags understood by LoadConfig
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", "", "path to the YAML configuration file")
	fs.StringP("role", "r", "", "component role: wavy, aggregator, server, broker or status")
	fs.String("id", "", "component identifier, e.g. EU-Agr01")
	fs.String("log-level", "", "log level override")
	fs.String("broker-url", "", "broker URL override")
	fs.String("broker-type", "", "broker type override: nats or mqtt")
	fs.String("action", "status", "rpc action sent by the status role")
	return fs
}

// LoadConfig 从指定路径加载配置文件，并应用环境变量和命令行参数（fs不为nil时）。
// 路径为空时只加载默认值
func LoadConfig(configPath string, fs *pflag.FlagSet) (*Config, error) {
	setDefaults()

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	if fs != nil {
		if err := bindFlags(fs); err != nil {
			return nil, err
		}
	}

	return unmarshal()
}

func bindFlags(fs *pflag.FlagSet) error {
	bindings := map[string]string{
		"role":        "role",
		"id":          "id",
		"log-level":   "logger.level",
		"broker-url":  "broker.url",
		"broker-type": "broker.type",
	}
	for flag, key := range bindings {
		f := fs.Lookup(flag)
		if f == nil {
			continue
		}
		if err := viper.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}
	return nil
}

func unmarshal() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &config, nil
}

// Validate checks the configuration for the selected role
func (c *Config) Validate() error {
	if err := validator.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch c.Role {
	case "wavy", "aggregator", "server":
		if c.ID == "" {
			return errors.New("invalid configuration: id is required for role " + c.Role)
		}
		if err := validator.Var(c.ID, "component_id"); err != nil {
			return fmt.Errorf("invalid configuration: malformed id %q", c.ID)
		}
	}

	if c.Aggregator.FlushInterval <= 0 {
		return errors.New("invalid configuration: aggregator.flush_interval must be positive")
	}
	if c.Wavy.Interval <= 0 {
		return errors.New("invalid configuration: wavy.interval must be positive")
	}
	if c.Storage.Database.Enabled && c.Storage.Database.Type == "" {
		return errors.New("invalid configuration: storage.database.type is required when the database is enabled")
	}
	return nil
}

var watchMu sync.Mutex

// WatchConfig 监听配置文件变化并调用回调函数
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	// 获取配置文件的绝对路径
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	viper.SetConfigFile(absPath)
	viper.WatchConfig()

	// 防抖动处理，避免短时间内多次触发
	var lastChangeTime time.Time
	debounceInterval := 2 * time.Second

	viper.OnConfigChange(func(e fsnotify.Event) {
		// 检查是否是写入操作
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}

		watchMu.Lock()
		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			watchMu.Unlock()
			return
		}
		lastChangeTime = now
		watchMu.Unlock()

		logger.Info("检测到配置文件变更: %s", e.Name)

		// 重新加载配置
		newConfig, err := unmarshal()
		if err != nil {
			logger.Error("解析更新后的配置失败: %v", err)
			return
		}

		// 调用回调函数处理新配置
		if err := callback(newConfig); err != nil {
			logger.Error("应用新配置失败: %v", err)
			return
		}

		logger.Info("配置已成功更新并应用")
	})

	return nil
}
