package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config pravardha-anchor 配置
// 先从环境变量加载默认值，若设置了 CONFIG_FILE 再用 YAML 文件覆盖。
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Anchor   AnchorConfig   `yaml:"anchor"`
	Notify   NotifyConfig   `yaml:"notify"`
	HTTP     struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
	MaxIdle  int    `yaml:"max_idle"`
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MQTTConfig MQTT 配置
type MQTTConfig struct {
	Broker   string `yaml:"broker"`    // 如 "tcp://localhost:1883"
	ClientID string `yaml:"client_id"` // 客户端 ID
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

// Ledger modes.
const (
	LedgerModeRPC    = "rpc"
	LedgerModeSQLite = "sqlite"
)

// LedgerConfig 账本配置
type LedgerConfig struct {
	Mode       string        `yaml:"mode"`        // "rpc" 或 "sqlite"
	RPCURL     string        `yaml:"rpc_url"`     // 账本网关地址
	Authority  string        `yaml:"authority"`   // 提交者身份
	SQLitePath string        `yaml:"sqlite_path"` // 本地账本文件
	ProgramID  string        `yaml:"program_id"`  // 地址派生用的程序 ID
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
}

// AnchorConfig 锚定任务配置
type AnchorConfig struct {
	PendingLimit  int           `yaml:"pending_limit"`  // anchor-pending 每次最多处理的窗口数
	LedgerTimeout time.Duration `yaml:"ledger_timeout"` // 单次账本调用超时
	StopOnError   bool          `yaml:"stop_on_error"`
}

// Notify drivers.
const (
	NotifyDriverNone  = "none"
	NotifyDriverRedis = "redis"
	NotifyDriverMQTT  = "mqtt"
)

// NotifyConfig 锚定事件通知配置
type NotifyConfig struct {
	Driver string `yaml:"driver"` // "none" / "redis" / "mqtt"
	Stream string `yaml:"stream"` // Redis Stream 名称
	Topic  string `yaml:"topic"`  // MQTT 主题前缀
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = parseInt(getEnv("DB_PORT", "5432"), 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "pravardha")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = parseInt(getEnv("DB_MAX_CONNS", "10"), 10)
	cfg.Database.MaxIdle = parseInt(getEnv("DB_MAX_IDLE", "5"), 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = parseInt(getEnv("REDIS_DB", "0"), 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "pravardha-anchor")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = byte(parseInt(getEnv("MQTT_QOS", "1"), 1))

	cfg.Ledger.Mode = getEnv("LEDGER_MODE", LedgerModeSQLite)
	cfg.Ledger.RPCURL = getEnv("LEDGER_RPC_URL", "http://localhost:8899")
	cfg.Ledger.Authority = getEnv("LEDGER_AUTHORITY", "")
	cfg.Ledger.SQLitePath = getEnv("LEDGER_SQLITE_PATH", "ledger.db")
	cfg.Ledger.ProgramID = getEnv("LEDGER_PROGRAM_ID", "pravardha")
	cfg.Ledger.Timeout = parseDuration(getEnv("LEDGER_TIMEOUT", "30s"), 30*time.Second)
	cfg.Ledger.RetryCount = parseInt(getEnv("LEDGER_RETRY_COUNT", "2"), 2)

	cfg.Anchor.PendingLimit = parseInt(getEnv("ANCHOR_PENDING_LIMIT", "100"), 100)
	cfg.Anchor.LedgerTimeout = parseDuration(getEnv("ANCHOR_LEDGER_TIMEOUT", "60s"), 60*time.Second)
	cfg.Anchor.StopOnError = getEnv("ANCHOR_STOP_ON_ERROR", "false") == "true"

	cfg.Notify.Driver = getEnv("NOTIFY_DRIVER", NotifyDriverNone)
	cfg.Notify.Stream = getEnv("NOTIFY_STREAM", "pravardha:anchors")
	cfg.Notify.Topic = getEnv("NOTIFY_TOPIC", "pravardha/anchors")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")
	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the values that have a closed set of options.
func (c *Config) Validate() error {
	switch c.Ledger.Mode {
	case LedgerModeRPC, LedgerModeSQLite:
	default:
		return fmt.Errorf("invalid ledger mode %q (want %q or %q)", c.Ledger.Mode, LedgerModeRPC, LedgerModeSQLite)
	}
	switch c.Notify.Driver {
	case NotifyDriverNone, NotifyDriverRedis, NotifyDriverMQTT:
	default:
		return fmt.Errorf("invalid notify driver %q", c.Notify.Driver)
	}
	if c.Ledger.ProgramID == "" {
		return fmt.Errorf("ledger program_id is required")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
