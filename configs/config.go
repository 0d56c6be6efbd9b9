package configs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GiorgiUbiria/payments/internal/logger"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	DB struct {
		Driver       string `mapstructure:"driver"`
		DSN          string `mapstructure:"dsn"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
		Migrate      bool   `mapstructure:"migrate"`
	} `mapstructure:"db"`
	Ledger struct {
		LockTimeout time.Duration `mapstructure:"lock_timeout"`
	} `mapstructure:"ledger"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Seed struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"seed"`
}

var AppConfig Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("db.driver", DriverPostgres)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.migrate", true)
	v.SetDefault("ledger.lock_timeout", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("seed.enabled", false)
}

// Load reads config.yaml from dir. Every key can be overridden from the
// environment with the PAYMENTS_ prefix, e.g. PAYMENTS_DB_DSN. A missing
// file is not an error.
func Load(dir string) (Config, error) {
	v := viper.New()
	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("payments")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var fileLookupError viper.ConfigFileNotFoundError
	if err := v.ReadInConfig(); err != nil && !errors.As(err, &fileLookupError) {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.DB.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.DB.DSN == "" {
			return errors.New("db.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown db.driver %q", c.DB.Driver)
	}
	if c.Ledger.LockTimeout < 0 {
		return errors.New("ledger.lock_timeout must not be negative")
	}
	return nil
}

func LoadConfig() {
	cfg, err := Load("./configs")
	if err != nil {
		logger.Log.Fatal("failed to load config", zap.Error(err))
	}
	AppConfig = cfg
}
