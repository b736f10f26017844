package service

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chart-ingestor/internal/model"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "CHART"

type Config struct {
	Environment string                    `mapstructure:"Environment"` // 选择 Databases 中的一个
	Vendor      VendorConfig              `mapstructure:"Vendor"`
	Auth        AuthConfig                `mapstructure:"Auth"`
	Databases   map[string]DatabaseConfig `mapstructure:"Databases"`
	Storage     StorageConfig             `mapstructure:"Storage"`
	Ingest      IngestConfig              `mapstructure:"Ingest"`
	Log         LogConfig                 `mapstructure:"Log"`
}

// VendorConfig 图表服务的各个地址
type VendorConfig struct {
	WSURL            string
	Origin           string
	SignInURL        string
	SearchURL        string
	HTTPTimeout      time.Duration
	HandshakeTimeout time.Duration
	SearchCacheTTL   time.Duration
}

// AuthConfig 账号信息，都为空时匿名访问
type AuthConfig struct {
	Username string
	Password string
}

// DatabaseConfig 单个环境的 postgres 账号
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

type StorageConfig struct {
	Driver     string // postgres / memory / parquet
	ParquetDir string
}

type IngestConfig struct {
	Interval        string
	Bars            int
	ExtendedSession bool
	StartDelay      time.Duration
	MaxConcurrent   int
	FetchTimeout    time.Duration
	MaxRetries      int
	RetryInitial    time.Duration
	RetryMax        time.Duration
	Quote           string   // 与 Coins 搭配的计价币
	Coins           []string // 通过搜索解析的基础币种
	Symbols         []string // 显式的 EXCHANGE:TICKER 列表，优先于 Coins
}

type LogConfig struct {
	Level string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Environment", "")

	v.SetDefault("Vendor.WSURL", "wss://data.tradingview.com/socket.io/websocket")
	v.SetDefault("Vendor.Origin", "https://data.tradingview.com")
	v.SetDefault("Vendor.SignInURL", "https://www.tradingview.com/accounts/signin/")
	v.SetDefault("Vendor.SearchURL", "https://symbol-search.tradingview.com/symbol_search/")
	v.SetDefault("Vendor.HTTPTimeout", 15*time.Second)
	v.SetDefault("Vendor.HandshakeTimeout", 10*time.Second)
	v.SetDefault("Vendor.SearchCacheTTL", 10*time.Minute)

	v.SetDefault("Auth.Username", "")
	v.SetDefault("Auth.Password", "")

	v.SetDefault("Storage.Driver", "postgres")
	v.SetDefault("Storage.ParquetDir", "data")

	v.SetDefault("Ingest.Interval", string(model.In1Minute))
	v.SetDefault("Ingest.Bars", 5000)
	v.SetDefault("Ingest.ExtendedSession", false)
	v.SetDefault("Ingest.StartDelay", time.Second)
	v.SetDefault("Ingest.MaxConcurrent", 8)
	v.SetDefault("Ingest.FetchTimeout", 60*time.Second)
	v.SetDefault("Ingest.MaxRetries", 3)
	v.SetDefault("Ingest.RetryInitial", time.Second)
	v.SetDefault("Ingest.RetryMax", 10*time.Second)
	v.SetDefault("Ingest.Quote", "USDT")
	v.SetDefault("Ingest.Coins", []string{})
	v.SetDefault("Ingest.Symbols", []string{})

	v.SetDefault("Log.Level", "info")
}

// flag 名 -> 配置 key
var flagKeys = map[string]string{
	"env":         "Environment",
	"driver":      "Storage.Driver",
	"parquet-dir": "Storage.ParquetDir",
	"interval":    "Ingest.Interval",
	"bars":        "Ingest.Bars",
	"extended":    "Ingest.ExtendedSession",
	"delay":       "Ingest.StartDelay",
	"concurrency": "Ingest.MaxConcurrent",
	"retries":     "Ingest.MaxRetries",
	"quote":       "Ingest.Quote",
	"coins":       "Ingest.Coins",
	"symbols":     "Ingest.Symbols",
	"log-level":   "Log.Level",
}

// LoadConfig 一次性加载配置: 默认值，然后 configPath/config.yaml (如果存在)，
// 然后 CHART_* 环境变量，最后是显式设置的 flag。
// flags 可以为 nil
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: reading config file: %v", model.ErrConfig, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("%w: bind flag %s: %v", model.ErrConfig, name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: unable to decode config: %v", model.ErrConfig, err)
	}
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	cfg.Ingest.Coins = splitList(cfg.Ingest.Coins)
	cfg.Ingest.Symbols = splitList(cfg.Ingest.Symbols)

	// 所选环境的账号可以只来自环境变量
	if cfg.Environment != "" {
		if db, ok := databaseFromViper(v, cfg.Environment); ok {
			if cfg.Databases == nil {
				cfg.Databases = make(map[string]DatabaseConfig)
			}
			cfg.Databases[cfg.Environment] = db
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func databaseFromViper(v *viper.Viper, tag string) (DatabaseConfig, bool) {
	prefix := "Databases." + tag + "."
	db := DatabaseConfig{
		Host:     v.GetString(prefix + "Host"),
		Port:     v.GetInt(prefix + "Port"),
		User:     v.GetString(prefix + "User"),
		Password: v.GetString(prefix + "Password"),
		Name:     v.GetString(prefix + "Name"),
		SSLMode:  v.GetString(prefix + "SSLMode"),
		MaxConns: v.GetInt32(prefix + "MaxConns"),
	}
	if db.Host == "" && db.User == "" && db.Name == "" {
		return DatabaseConfig{}, false
	}
	return db, true
}

// Validate 提前检查那些否则会在每个交易对上才失败的配置
func (c *Config) Validate() error {
	if _, err := model.ParseInterval(c.Ingest.Interval); err != nil {
		return fmt.Errorf("%w: %w", model.ErrConfig, err)
	}
	if c.Ingest.Bars <= 0 {
		return fmt.Errorf("%w: Ingest.Bars must be positive, got %d", model.ErrConfig, c.Ingest.Bars)
	}
	switch c.Storage.Driver {
	case "postgres", "":
		if _, err := c.Database(); err != nil {
			return err
		}
	case "memory", "parquet":
	default:
		return fmt.Errorf("%w: unknown Storage.Driver %q", model.ErrConfig, c.Storage.Driver)
	}
	return nil
}

// Database 返回 Environment 对应的账号
func (c *Config) Database() (DatabaseConfig, error) {
	if c.Environment == "" {
		return DatabaseConfig{}, fmt.Errorf("%w: environment tag is not set (CHART_ENVIRONMENT or --env)", model.ErrConfig)
	}
	db, ok := c.Databases[c.Environment]
	if !ok {
		return DatabaseConfig{}, fmt.Errorf("%w: no database configured for environment %q", model.ErrConfig, c.Environment)
	}
	return db, nil
}

// DSN 把账号拼成 postgres URL
func (d DatabaseConfig) DSN() string {
	host := d.Host
	if host == "" {
		host = "localhost"
	}
	port := d.Port
	if port == 0 {
		port = 5432
	}
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   host + ":" + strconv.Itoa(port),
	}
	if d.User != "" {
		if d.Password != "" {
			u.User = url.UserPassword(d.User, d.Password)
		} else {
			u.User = url.User(d.User)
		}
	}
	if d.Name != "" {
		u.Path = "/" + d.Name
	}
	u.RawQuery = url.Values{"sslmode": {sslMode}}.Encode()
	return u.String()
}

// splitList 兼容列表和逗号分隔的环境变量
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
