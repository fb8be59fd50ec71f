package config

import (
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Sheets    SheetsConfig    `mapstructure:"sheets"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	ETCD      ETCDConfig      `mapstructure:"etcd"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Gate      GateConfig      `mapstructure:"gate"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Summary   SummaryConfig   `mapstructure:"summary"`
	OAuth     OAuthConfig     `mapstructure:"oauth"`
	Session   SessionConfig   `mapstructure:"session"`
	GraphQL   GraphQLConfig   `mapstructure:"graphql"`
	Log       LogConfig       `mapstructure:"log"`
	Timezone  string          `mapstructure:"timezone"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// 单次业务操作（含排队等待票闸）的总超时
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	// 每个身份每分钟允许的 GraphQL 写操作（mutation）数，查询不计入
	VoteRatePerMinute int `mapstructure:"vote_rate_per_minute"`
	VoteBurst         int `mapstructure:"vote_burst"`
}

type StoreConfig struct {
	// sheets | mysql | memory
	Backend     string        `mapstructure:"backend"`
	Timeout     time.Duration `mapstructure:"timeout"`
	ReadRetries int           `mapstructure:"read_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	TopicsTable string        `mapstructure:"topics_table"`
	VotesTable  string        `mapstructure:"votes_table"`
}

type SheetsConfig struct {
	SpreadsheetID   string `mapstructure:"spreadsheet_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type MySQLConfig struct {
	Master       string `mapstructure:"master"`
	Slave        string `mapstructure:"slave"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	// 票数缓存使用的Redis
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
	TallyTTL    time.Duration `mapstructure:"tally_ttl"`

	// Redlock使用的Redis节点
	LockAddresses []string `mapstructure:"lock_addresses"`
}

type ETCDConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type GateConfig struct {
	// local | etcd | redis
	Backend       string        `mapstructure:"backend"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

type ReconcileConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type SummaryConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Endpoint string        `mapstructure:"endpoint"`
	Model    string        `mapstructure:"model"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type OAuthConfig struct {
	ClientID      string `mapstructure:"client_id"`
	ClientSecret  string `mapstructure:"client_secret"`
	RedirectURL   string `mapstructure:"redirect_url"`
	UserInfoURL   string `mapstructure:"userinfo_url"`
	AllowedDomain string `mapstructure:"allowed_domain"`
}

type SessionConfig struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var AppConfig Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.operation_timeout", 5*time.Second)
	v.SetDefault("server.vote_rate_per_minute", 30)
	v.SetDefault("server.vote_burst", 5)

	v.SetDefault("store.backend", "sheets")
	v.SetDefault("store.timeout", 3*time.Second)
	v.SetDefault("store.read_retries", 3)
	v.SetDefault("store.retry_delay", 100*time.Millisecond)
	v.SetDefault("store.topics_table", "topics")
	v.SetDefault("store.votes_table", "votes")

	v.SetDefault("sheets.spreadsheet_id", "")
	v.SetDefault("sheets.credentials_file", "key.json")

	v.SetDefault("mysql.master", "")
	v.SetDefault("mysql.slave", "")
	v.SetDefault("mysql.max_open_conns", 10)
	v.SetDefault("mysql.max_idle_conns", 5)

	v.SetDefault("redis.data_address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.max_retries", 2)
	v.SetDefault("redis.timeout", time.Second)
	v.SetDefault("redis.tally_ttl", 30*time.Second)

	v.SetDefault("etcd.dial_timeout", 5*time.Second)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "teamvote-votes")
	v.SetDefault("kafka.group_id", "teamvote")

	v.SetDefault("gate.backend", "local")
	v.SetDefault("gate.lock_ttl", 10*time.Second)
	v.SetDefault("gate.retry_interval", 50*time.Millisecond)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", time.Minute)

	v.SetDefault("summary.enabled", false)
	v.SetDefault("summary.api_key", "")
	v.SetDefault("summary.endpoint", "https://generativelanguage.googleapis.com")
	v.SetDefault("summary.model", "gemini-1.5-flash")
	v.SetDefault("summary.timeout", 10*time.Second)

	v.SetDefault("oauth.client_id", "")
	v.SetDefault("oauth.client_secret", "")
	v.SetDefault("oauth.redirect_url", "http://localhost:8080/auth/callback")
	v.SetDefault("oauth.allowed_domain", "")
	v.SetDefault("oauth.userinfo_url", "https://openidconnect.googleapis.com/v1/userinfo")

	v.SetDefault("session.secret", "")
	v.SetDefault("session.issuer", "teamvote")
	v.SetDefault("session.ttl", 12*time.Hour)

	v.SetDefault("graphql.path", "/graphql")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("timezone", "Asia/Tokyo")
}

// LoadConfig 加载配置文件，环境变量(TEAMVOTE_前缀)优先于文件
func LoadConfig(configPath string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("teamvote")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "读取配置文件失败")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "解析配置文件失败")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &AppConfig, nil
}

// Validate 检查互相依赖的配置项
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sheets":
		if c.Sheets.SpreadsheetID == "" {
			return errors.New("store.backend=sheets 需要配置 sheets.spreadsheet_id")
		}
	case "mysql":
		if c.MySQL.Master == "" {
			return errors.New("store.backend=mysql 需要配置 mysql.master")
		}
	case "memory":
	default:
		return errors.Errorf("未知的存储后端: %s", c.Store.Backend)
	}

	switch c.Gate.Backend {
	case "local":
	case "etcd":
		if len(c.ETCD.Endpoints) == 0 {
			return errors.New("gate.backend=etcd 需要配置 etcd.endpoints")
		}
	case "redis":
		if len(c.Redis.LockAddresses) == 0 {
			return errors.New("gate.backend=redis 需要配置 redis.lock_addresses")
		}
	default:
		return errors.Errorf("未知的票闸后端: %s", c.Gate.Backend)
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.enabled 需要配置 kafka.brokers")
	}
	if c.Session.Secret == "" {
		return errors.New("session.secret 不能为空")
	}
	if c.Store.Timeout <= 0 {
		return errors.New("store.timeout 必须大于0")
	}
	return nil
}

// Location 返回解析旧格式截止时间所用的时区
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.FixedZone("JST", 9*60*60)
	}
	return loc
}
