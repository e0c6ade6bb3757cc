package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// StorageType selects the persistence backend.
type StorageType string

const (
	StoragePostgres StorageType = "postgres"
	StorageMemory   StorageType = "memory"
)

// Config holds the configuration for the workflow service.
type Config struct {
	Service struct {
		Name        string `mapstructure:"name"`
		Version     string `mapstructure:"version"`
		Environment string `mapstructure:"environment"`
		LogLevel    string `mapstructure:"log_level"`
		// Timezone is the IANA zone plain request dates are read in.
		Timezone string `mapstructure:"timezone"`
	} `mapstructure:"service"`

	Server struct {
		Port            int           `mapstructure:"port"`
		GRPCPort        int           `mapstructure:"grpc_port"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	Storage StorageType `mapstructure:"storage"`

	Database struct {
		Host        string        `mapstructure:"host"`
		Port        int           `mapstructure:"port"`
		User        string        `mapstructure:"user"`
		Password    string        `mapstructure:"password"`
		Database    string        `mapstructure:"name"`
		SSLMode     string        `mapstructure:"sslmode"`
		MaxConns    int32         `mapstructure:"max_conns"`
		MinConns    int32         `mapstructure:"min_conns"`
		MaxConnTime time.Duration `mapstructure:"max_conn_time"`
		MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
		HealthCheck time.Duration `mapstructure:"health_check"`
	} `mapstructure:"database"`

	NATS struct {
		Enabled       bool   `mapstructure:"enabled"`
		URL           string `mapstructure:"url"`
		SubjectPrefix string `mapstructure:"subject_prefix"`
	} `mapstructure:"nats"`

	Outbox struct {
		Workers     int `mapstructure:"workers"`
		MaxAttempts int `mapstructure:"max_attempts"`
	} `mapstructure:"outbox"`

	Workflow struct {
		MaxSteps              int           `mapstructure:"max_steps"`
		CancelReasonMinLength int           `mapstructure:"cancel_reason_min_length"`
		PendingCacheTTL       time.Duration `mapstructure:"pending_cache_ttl"`
	} `mapstructure:"workflow"`

	Notification struct {
		// CCEmployeeIDs receive the final-approval broadcast.
		CCEmployeeIDs []string `mapstructure:"cc_employee_ids"`
		LinkBaseURL   string   `mapstructure:"link_base_url"`
	} `mapstructure:"notification"`

	// Callbacks maps a module type (LEAVE, EXPENSE, ...) to the business table
	// whose status column receives the final decision.
	Callbacks map[string]string `mapstructure:"callbacks"`

	// Directory seeds the in-memory org directory used with storage=memory.
	Directory []DirectoryEntry `mapstructure:"directory"`
}

// DirectoryEntry is one active employee assignment.
type DirectoryEntry struct {
	EmployeeID   string `mapstructure:"employee_id"`
	CompanyID    string `mapstructure:"company_id"`
	SupervisorID string `mapstructure:"supervisor_id"`
	PositionID   string `mapstructure:"position_id"`
}

// FlagKeys maps command-line flag names to configuration keys.
var FlagKeys = map[string]string{
	"storage":   "storage",
	"log-level": "service.log_level",
	"http-port": "server.port",
	"grpc-port": "server.grpc_port",
}

const envPrefix = "ERP_WORKFLOW"

// Load reads configuration from an optional YAML file and the environment.
// Missing files are tolerated when no explicit path is given.
func Load(file string) (*Config, error) {
	return LoadWithFlags(file, nil)
}

// LoadWithFlags is Load with command-line flags taking precedence over the
// environment and the file. Only flags named in FlagKeys are bound.
func LoadWithFlags(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || file != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no safe fallback.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("config: unknown storage %q", c.Storage)
	}
	if c.Workflow.MaxSteps < 1 {
		return fmt.Errorf("config: workflow.max_steps must be positive")
	}
	if c.Workflow.CancelReasonMinLength < 0 {
		return fmt.Errorf("config: workflow.cancel_reason_min_length must not be negative")
	}
	if _, err := time.LoadLocation(c.Service.Timezone); err != nil {
		return fmt.Errorf("config: service.timezone: %w", err)
	}
	return nil
}

// Location returns the configured company time zone, UTC if it cannot be
// loaded. Validate reports a bad zone at load time.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Service.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DSN returns the Postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.Port,
		c.Database.Database, c.Database.SSLMode)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "erp-workflow")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")
	v.SetDefault("service.log_level", "info")
	v.SetDefault("service.timezone", "UTC")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.grpc_port", 9086)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("storage", string(StoragePostgres))

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "erp")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_time", time.Hour)
	v.SetDefault("database.max_idle_time", 30*time.Minute)
	v.SetDefault("database.health_check", time.Minute)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "notifications.erp")

	v.SetDefault("outbox.workers", 4)
	v.SetDefault("outbox.max_attempts", 10)

	v.SetDefault("workflow.max_steps", 4)
	v.SetDefault("workflow.cancel_reason_min_length", 10)
	v.SetDefault("workflow.pending_cache_ttl", 2*time.Minute)

	v.SetDefault("notification.cc_employee_ids", []string{})
	v.SetDefault("notification.link_base_url", "/workflow")
}
