package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rpattn/zonemap/internal/db"
	"github.com/spf13/viper"
)

// Config is the full process configuration.
type Config struct {
	Data      DataConfig      `mapstructure:"data"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Database  db.Config       `mapstructure:"-"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Persist   PersistConfig   `mapstructure:"persist"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Watch     WatchConfig     `mapstructure:"watch"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type DataConfig struct {
	BasePath     string `mapstructure:"base_path" validate:"required"`
	SnapshotPath string `mapstructure:"snapshot_path" validate:"required"`
	ColorsPath   string `mapstructure:"colors_path"`
}

type LedgerConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=file postgres"`
	Path   string `mapstructure:"path" validate:"required_if=Driver file"`
}

type BackupConfig struct {
	Dir         string        `mapstructure:"dir"`
	Retain      int           `mapstructure:"retain" validate:"gte=1"`
	Interval    time.Duration `mapstructure:"interval" validate:"gte=0"`
	MinInterval time.Duration `mapstructure:"min_interval" validate:"gte=0"`
	GCS         GCSConfig     `mapstructure:"gcs"`
}

// GCSConfig enables the off-box backup mirror when Bucket is set.
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type PersistConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval" validate:"gte=0"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" validate:"gt=0"`
}

type NotifyConfig struct {
	Buffer int         `mapstructure:"buffer" validate:"gte=1"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig enables pub/sub fan-out of changes when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Channel  string `mapstructure:"channel" validate:"required_with=Addr"`
}

type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce" validate:"gte=0"`
}

type ReconcileConfig struct {
	// CodeAliases maps retired municipality codes to their current code.
	CodeAliases map[string]string `mapstructure:"code_aliases"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data.base_path", "data/base.csv")
	v.SetDefault("data.snapshot_path", "data/snapshot.csv")
	v.SetDefault("data.colors_path", "")
	v.SetDefault("ledger.driver", "file")
	v.SetDefault("ledger.path", "data/ledger.jsonl")
	v.SetDefault("backup.dir", "data/backups")
	v.SetDefault("backup.retain", 20)
	v.SetDefault("backup.interval", time.Hour)
	v.SetDefault("backup.min_interval", 5*time.Minute)
	v.SetDefault("backup.gcs.bucket", "")
	v.SetDefault("backup.gcs.prefix", "zonemap/backups")
	v.SetDefault("backup.gcs.credentials_file", "")
	v.SetDefault("persist.min_interval", time.Second)
	v.SetDefault("persist.retry_delay", 5*time.Second)
	v.SetDefault("notify.buffer", 256)
	v.SetDefault("notify.redis.addr", "")
	v.SetDefault("notify.redis.password", "")
	v.SetDefault("notify.redis.db", 0)
	v.SetDefault("notify.redis.channel", "zonemap:changes")
	v.SetDefault("watch.enabled", false)
	v.SetDefault("watch.debounce", 2*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.addr", "")
}

var validate = validator.New()

// Load reads dir/.env, then dir/config.yaml, then ZONEMAP_* environment
// variables (ZONEMAP_LEDGER_DRIVER, ZONEMAP_BACKUP_MIN_INTERVAL, ...). A missing
// config file is not an error.
func Load(dir string) (Config, error) {
	// Values already in the environment win over .env. A missing .env is fine.
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("read .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("ZONEMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	dbCfg, err := LoadDBConfig(dir)
	if err != nil {
		return Config{}, err
	}
	cfg.Database = dbCfg

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDBConfig reads the database section, overridable through DB_HOST,
// DB_PORT, DB_USER, DB_PASSWORD, DB_NAME and DB_SSLMODE.
func LoadDBConfig(configPath string) (db.Config, error) {
	cfg := db.DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	_ = v.BindEnv("database.host", "DB_HOST")
	_ = v.BindEnv("database.port", "DB_PORT")
	_ = v.BindEnv("database.user", "DB_USER")
	_ = v.BindEnv("database.password", "DB_PASSWORD")
	_ = v.BindEnv("database.dbname", "DB_NAME")
	_ = v.BindEnv("database.sslmode", "DB_SSLMODE")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return db.Config{}, fmt.Errorf("read database config: %w", err)
		}
	}

	if v.IsSet("database.host") {
		cfg.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.SSLMode = v.GetString("database.sslmode")
	}

	return cfg, nil
}
