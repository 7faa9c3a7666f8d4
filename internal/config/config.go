package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Work     WorkConfig     `mapstructure:"work"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Watch    WatchConfig    `mapstructure:"watch"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

// WorkConfig locates job, backup and cache directories.
type WorkConfig struct {
	Dir       string `mapstructure:"dir"`
	BackupDir string `mapstructure:"backup_dir"`
	CacheDir  string `mapstructure:"cache_dir"`
}

// EngineConfig describes how the conversion engine is invoked.
// The job options are appended after Args.
type EngineConfig struct {
	Command     string   `mapstructure:"command"`
	Args        []string `mapstructure:"args"`
	Env         []string `mapstructure:"env"`
	LogFile     string   `mapstructure:"log_file"`
	ErrorMarker string   `mapstructure:"error_marker"`
	// StopOnShutdown terminates running engines when the server exits.
	StopOnShutdown bool `mapstructure:"stop_on_shutdown"`
}

type WatchConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
}

type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"` // sqlite, postgres
	Path    string `mapstructure:"path"`
	DSN     string `mapstructure:"dsn"`
}

type StorageConfig struct {
	Type      string `mapstructure:"type"` // s3, r2, s3compatible
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
}

type CacheConfig struct {
	Provider        string        `mapstructure:"provider"` // local, s3
	Prefix          string        `mapstructure:"prefix"`
	SplitServiceURL string        `mapstructure:"split_service_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	FileOnly   bool   `mapstructure:"file_only"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Credentials usually come from the environment
	_ = v.BindEnv("storage.access_key", "S3_ACCESS_KEY")
	_ = v.BindEnv("storage.secret_key", "S3_SECRET_KEY")
	_ = v.BindEnv("storage.endpoint", "S3_ENDPOINT")
	_ = v.BindEnv("database.dsn", "DATABASE_URL")
	_ = v.BindEnv("work.dir", "WORK_PATH")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5001)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("work.dir", "./data/work")
	v.SetDefault("work.backup_dir", "./data/backup")
	v.SetDefault("work.cache_dir", "./data/cache")
	v.SetDefault("engine.command", "catatom2osm")
	v.SetDefault("engine.args", []string{})
	v.SetDefault("engine.log_file", "catatom2osm.log")
	v.SetDefault("engine.error_marker", "ERROR")
	v.SetDefault("engine.stop_on_shutdown", false)
	v.SetDefault("watch.interval", 500*time.Millisecond)
	v.SetDefault("watch.startup_timeout", 30*time.Second)
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/audit.db")
	v.SetDefault("storage.type", "s3compatible")
	v.SetDefault("storage.bucket", "catatom-cache")
	v.SetDefault("cache.provider", "local")
	v.SetDefault("cache.prefix", "cache")
	v.SetDefault("cache.timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Work.Dir) == "" {
		return fmt.Errorf("work.dir is required")
	}
	if c.Work.BackupDir == "" {
		c.Work.BackupDir = c.Work.Dir + "/backup"
	}
	if strings.TrimSpace(c.Engine.Command) == "" {
		return fmt.Errorf("engine.command is required")
	}
	if c.Watch.Interval <= 0 {
		return fmt.Errorf("watch.interval must be positive, got %s", c.Watch.Interval)
	}
	switch c.Database.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if c.Database.Enabled && c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for postgres")
	}
	switch c.Cache.Provider {
	case "", "local":
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the s3 cache provider")
		}
	default:
		return fmt.Errorf("unsupported cache.provider %q", c.Cache.Provider)
	}
	return nil
}
