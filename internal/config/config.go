package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pu-ac-cn/uac-ticket/internal/expiration"
	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server         ServerConfig    `mapstructure:"server"`
	Log            LogConfig       `mapstructure:"log"`
	Database       DatabaseConfig  `mapstructure:"database"`
	Redis          RedisConfig     `mapstructure:"redis"`
	Ticket         TicketConfig    `mapstructure:"ticket"`
	Services       []ServiceConfig `mapstructure:"services"`
	ServicesSource string          `mapstructure:"services_source"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ProxyCallbackTimeout 代理回调地址的请求超时
	ProxyCallbackTimeout time.Duration `mapstructure:"proxy_callback_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// MySQLConfig MySQL 配置
type MySQLConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	DBName    string `mapstructure:"dbname"`
	Charset   string `mapstructure:"charset"`
	ParseTime bool   `mapstructure:"parse_time"`
	Loc       string `mapstructure:"loc"`
}

// SQLiteConfig SQLite 配置，用于单节点部署
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// KeyPrefix 票据键前缀
	KeyPrefix string `mapstructure:"key_prefix"`
	// SyncReplicas 写入后等待确认的副本数，0 表示不等待
	SyncReplicas int           `mapstructure:"sync_replicas"`
	SyncTimeout  time.Duration `mapstructure:"sync_timeout"`
}

// TicketConfig 票据配置
type TicketConfig struct {
	TGT      GrantingTicketConfig `mapstructure:"tgt"`
	ST       TicketTypeConfig     `mapstructure:"st"`
	PGT      GrantingTicketConfig `mapstructure:"pgt"`
	PT       TicketTypeConfig     `mapstructure:"pt"`
	ID       IDConfig             `mapstructure:"id"`
	Registry RegistryConfig       `mapstructure:"registry"`
}

// TicketTypeConfig 单一票据类型配置
type TicketTypeConfig struct {
	IDLength int          `mapstructure:"id_length"`
	Policy   PolicyConfig `mapstructure:"policy"`
}

// GrantingTicketConfig 授予票据配置
// 未配置 policy.kind 时使用绝对超时 + 滑动超时策略。
type GrantingTicketConfig struct {
	TicketTypeConfig           `mapstructure:",squash"`
	MaxTimeToLive              time.Duration    `mapstructure:"max_time_to_live"`
	TimeToKill                 time.Duration    `mapstructure:"time_to_kill"`
	OnlyTrackMostRecentSession bool             `mapstructure:"only_track_most_recent_session"`
	RememberMe                 RememberMeConfig `mapstructure:"remember_me"`
}

// RememberMeConfig 记住我配置
type RememberMeConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	TimeToKill time.Duration `mapstructure:"time_to_kill"`
	Attribute  string        `mapstructure:"attribute"`
}

// PolicyConfig 过期策略配置
type PolicyConfig struct {
	Kind            string        `mapstructure:"kind"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxUses         int           `mapstructure:"max_uses"`
	TimeToKill      time.Duration `mapstructure:"time_to_kill"`
	TimeBetweenUses time.Duration `mapstructure:"time_between_uses"`
	HardTimeout     time.Duration `mapstructure:"hard_timeout"`
	SlidingTimeout  time.Duration `mapstructure:"sliding_timeout"`
}

// IDConfig 票据 ID 配置
type IDConfig struct {
	// Suffix 节点后缀，为空时使用主机名
	Suffix         string `mapstructure:"suffix"`
	MinEntropyBits int    `mapstructure:"min_entropy_bits"`
}

// RegistryConfig 票据存储配置
type RegistryConfig struct {
	// Type 存储类型：memory、redis、database、leveldb
	Type    string        `mapstructure:"type"`
	LevelDB LevelDBConfig `mapstructure:"leveldb"`
	Cleaner CleanerConfig `mapstructure:"cleaner"`
	Crypto  CryptoConfig  `mapstructure:"crypto"`
}

// LevelDBConfig 嵌入式存储配置
type LevelDBConfig struct {
	Path string `mapstructure:"path"`
}

// CleanerConfig 过期票据清理配置
type CleanerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	StartDelay time.Duration `mapstructure:"start_delay"`
}

// CryptoConfig 票据签名与加密配置
type CryptoConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	SigningKey    string `mapstructure:"signing_key"`
	EncryptionKey string `mapstructure:"encryption_key"`
}

// ServiceConfig 注册服务配置
type ServiceConfig struct {
	Name               string   `mapstructure:"name"`
	ServiceID          string   `mapstructure:"service_id"`
	Description        string   `mapstructure:"description"`
	Disabled           bool     `mapstructure:"disabled"`
	SSOEnabled         bool     `mapstructure:"sso_enabled"`
	AllowedToProxy     bool     `mapstructure:"allowed_to_proxy"`
	ReleasedAttributes []string `mapstructure:"released_attributes"`
	EvaluationOrder    int      `mapstructure:"evaluation_order"`
}

var (
	global   *Config
	globalMu sync.RWMutex
)

// Load 加载配置
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}
	return load(v)
}

// LoadFromFile 从指定文件加载配置
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	// 支持环境变量覆盖，如 REDIS_ADDR
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 设置默认值
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	globalMu.Lock()
	global = &cfg
	globalMu.Unlock()
	return &cfg, nil
}

// Get 获取最近一次加载的配置
func Get() *Config {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.proxy_callback_timeout", "5s")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")

	// 数据库默认配置
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.dbname", "uac_ticket")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.mysql.port", 3306)
	v.SetDefault("database.mysql.charset", "utf8mb4")
	v.SetDefault("database.mysql.parse_time", true)
	v.SetDefault("database.mysql.loc", "Local")
	v.SetDefault("database.sqlite.path", "./data/uac-ticket.db")

	// Redis 默认配置
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "cas:")
	v.SetDefault("redis.sync_replicas", 0)
	v.SetDefault("redis.sync_timeout", "1s")

	// 票据默认配置
	v.SetDefault("ticket.tgt.max_time_to_live", "8h")
	v.SetDefault("ticket.tgt.time_to_kill", "2h")
	v.SetDefault("ticket.tgt.id_length", 50)
	v.SetDefault("ticket.tgt.remember_me.time_to_kill", "336h")
	v.SetDefault("ticket.tgt.remember_me.attribute", "rememberMe")
	v.SetDefault("ticket.pgt.max_time_to_live", "8h")
	v.SetDefault("ticket.pgt.time_to_kill", "2h")
	v.SetDefault("ticket.pgt.id_length", 50)
	v.SetDefault("ticket.st.id_length", 20)
	v.SetDefault("ticket.st.policy.kind", string(expiration.KindMultiTimeUseOrTimeout))
	v.SetDefault("ticket.st.policy.max_uses", 1)
	v.SetDefault("ticket.st.policy.timeout", "10s")
	v.SetDefault("ticket.pt.id_length", 20)
	v.SetDefault("ticket.pt.policy.kind", string(expiration.KindMultiTimeUseOrTimeout))
	v.SetDefault("ticket.pt.policy.max_uses", 1)
	v.SetDefault("ticket.pt.policy.timeout", "10s")
	v.SetDefault("ticket.id.min_entropy_bits", 96)

	// 票据存储默认配置
	v.SetDefault("ticket.registry.type", "memory")
	v.SetDefault("ticket.registry.leveldb.path", "./data/tickets")
	v.SetDefault("ticket.registry.cleaner.enabled", true)
	v.SetDefault("ticket.registry.cleaner.interval", "2m")
	v.SetDefault("ticket.registry.cleaner.start_delay", "20s")

	v.SetDefault("services_source", "memory")
}

// Policy 构建过期策略
func (p PolicyConfig) Policy() (expiration.Policy, error) {
	policy := expiration.Policy{
		Kind:            expiration.Kind(p.Kind),
		Timeout:         p.Timeout,
		MaxUses:         p.MaxUses,
		TimeToKill:      p.TimeToKill,
		TimeBetweenUses: p.TimeBetweenUses,
		HardTimeout:     p.HardTimeout,
		SlidingTimeout:  p.SlidingTimeout,
	}
	if err := policy.Validate(); err != nil {
		return expiration.Policy{}, fmt.Errorf("过期策略 %q: %w", p.Kind, err)
	}
	return policy, nil
}

// Policy 构建授予票据的过期策略，开启记住我时包装为委派策略
func (g GrantingTicketConfig) Policy() (expiration.Policy, error) {
	var (
		base expiration.Policy
		err  error
	)
	if g.TicketTypeConfig.Policy.Kind != "" {
		base, err = g.TicketTypeConfig.Policy.Policy()
		if err != nil {
			return expiration.Policy{}, err
		}
	} else {
		base = expiration.NewTicketGrantingTicket(g.MaxTimeToLive, g.TimeToKill)
		if err := base.Validate(); err != nil {
			return expiration.Policy{}, err
		}
	}
	if !g.RememberMe.Enabled {
		return base, nil
	}
	policy := expiration.NewRememberMeDelegating(expiration.NewHardTimeout(g.RememberMe.TimeToKill), base)
	if err := policy.Validate(); err != nil {
		return expiration.Policy{}, err
	}
	return policy, nil
}

// Model 转换为注册服务模型
func (s ServiceConfig) Model() *model.RegisteredService {
	status := model.StatusActive
	if s.Disabled {
		status = model.StatusDisabled
	}
	return &model.RegisteredService{
		Name:               s.Name,
		ServiceID:          s.ServiceID,
		Description:        s.Description,
		Status:             status,
		SSOEnabled:         s.SSOEnabled,
		AllowedToProxy:     s.AllowedToProxy,
		ReleasedAttributes: model.StringSlice(s.ReleasedAttributes),
		EvaluationOrder:    s.EvaluationOrder,
	}
}
