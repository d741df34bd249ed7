package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	// Definitions is the YAML or JSON file holding model and state machine definitions.
	Definitions  string             `mapstructure:"definitions"`
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Search       SearchConfig       `mapstructure:"search"`
	StateMachine StateMachineConfig `mapstructure:"state_machine"`
	Log          LogConfig          `mapstructure:"log"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // postgres, mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"` // directory for SQLite database files, or ":memory:"
}

// SearchConfig holds the per-process defaults applied to every compiled schema.
type SearchConfig struct {
	DefaultPerPage  int  `mapstructure:"default_per_page"`
	MaxPerPage      int  `mapstructure:"max_per_page"`
	MaxPredicates   int  `mapstructure:"max_predicates"`
	MaxOrConditions int  `mapstructure:"max_or_conditions"`
	Strict          bool `mapstructure:"strict"`
}

type StateMachineConfig struct {
	HistoryTable string `mapstructure:"history_table"`
	LockColumn   string `mapstructure:"lock_column"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	switch d.Driver {
	case "sqlite":
		if d.Path == ":memory:" {
			return "file:" + d.Name + "?mode=memory&cache=shared&_time_format=sqlite"
		}
		return d.Path + "/" + d.Name + ".db?_time_format=sqlite"
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name)
	default:
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
			d.User, d.Password, d.Host, d.Port, d.Name)
	}
}

// IsSQLite returns true if the driver is sqlite.
func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite"
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// NewLogger builds a structured logger writing to w at the configured level.
// Unknown levels fall back to info.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, ok := logLevels[strings.ToLower(l.Level)]
	if !ok {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("definitions", "definitions.yaml")
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.path", "./data")
	v.SetDefault("search.default_per_page", 25)
	v.SetDefault("search.max_per_page", 100)
	v.SetDefault("search.max_predicates", 50)
	v.SetDefault("search.max_or_conditions", 20)
	v.SetDefault("search.strict", true)
	v.SetDefault("state_machine.history_table", "state_transitions")
	v.SetDefault("state_machine.lock_column", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads app.yaml from the working directory (or two levels up) and
// overlays environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("../..")
	return load(v)
}

// LoadFile reads configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.Search.MaxPerPage < 1 {
		return fmt.Errorf("config: search.max_per_page must be >= 1, got %d", c.Search.MaxPerPage)
	}
	if c.Search.DefaultPerPage < 1 || c.Search.DefaultPerPage > c.Search.MaxPerPage {
		return fmt.Errorf("config: search.default_per_page must be within [1, %d], got %d",
			c.Search.MaxPerPage, c.Search.DefaultPerPage)
	}
	return nil
}
