package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all orchestrator configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Saga     SagaConfig     `mapstructure:"saga"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Services ServicesConfig `mapstructure:"services"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Log      LogConfig      `mapstructure:"log"`
	OTel     OTelConfig     `mapstructure:"otel"`
}

// AppConfig holds application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	Debug       bool   `mapstructure:"debug"`
	Version     string `mapstructure:"version"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DSN returns the PostgreSQL connection string
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode,
	)
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the Redis address
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KafkaConfig holds Kafka/Redpanda connection settings
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	ClientID      string   `mapstructure:"client_id"`
}

// SagaConfig holds saga coordination settings
type SagaConfig struct {
	RateLimitPerMin    int           `mapstructure:"rate_limit_per_min"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
	ActiveStateTTL     time.Duration `mapstructure:"active_state_ttl"`
	StuckSagaThreshold time.Duration `mapstructure:"stuck_saga_threshold"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	RepublishPerSecond float64       `mapstructure:"republish_per_second"`
}

// WebhookConfig holds callback delivery settings
type WebhookConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// ServicesConfig holds downstream reservation service settings for the
// synchronous booking path
type ServicesConfig struct {
	Mode          string        `mapstructure:"mode"` // http or mock
	FlightBaseURL string        `mapstructure:"flight_base_url"`
	HotelBaseURL  string        `mapstructure:"hotel_base_url"`
	CarBaseURL    string        `mapstructure:"car_base_url"`
	ClientTimeout time.Duration `mapstructure:"client_timeout"`
}

// AdminConfig holds settings for the recovery API
type AdminConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTIssuer string `mapstructure:"jwt_issuer"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	ServiceName   string  `mapstructure:"service_name"`
	CollectorAddr string  `mapstructure:"collector_addr"`
	SampleRatio   float64 `mapstructure:"sample_ratio"`
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")

	// .env is optional, env vars may carry everything
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			_ = err
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{}
	bindConfig(v, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadWithPath loads configuration from a specific env file
func LoadWithPath(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("env")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{}
	bindConfig(v, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("APP_NAME", "travel-saga")
	v.SetDefault("APP_ENVIRONMENT", "development")
	v.SetDefault("APP_DEBUG", true)
	v.SetDefault("APP_VERSION", "1.0.0")

	// Server defaults
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_READ_TIMEOUT", "30s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "30s")
	v.SetDefault("SERVER_IDLE_TIMEOUT", "120s")

	// Postgres defaults
	v.SetDefault("POSTGRES_HOST", "localhost")
	v.SetDefault("POSTGRES_PORT", 5432)
	v.SetDefault("POSTGRES_USER", "postgres")
	v.SetDefault("POSTGRES_PASSWORD", "postgres")
	v.SetDefault("POSTGRES_DBNAME", "travel_saga")
	v.SetDefault("POSTGRES_SSLMODE", "disable")
	v.SetDefault("POSTGRES_MAX_OPEN_CONNS", 50)
	v.SetDefault("POSTGRES_MAX_IDLE_CONNS", 10)
	v.SetDefault("POSTGRES_CONN_MAX_LIFETIME", "1h")
	v.SetDefault("POSTGRES_CONN_MAX_IDLE_TIME", "30m")

	// Redis defaults
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 50)
	v.SetDefault("REDIS_MIN_IDLE_CONNS", 10)
	v.SetDefault("REDIS_DIAL_TIMEOUT", "5s")
	v.SetDefault("REDIS_READ_TIMEOUT", "3s")
	v.SetDefault("REDIS_WRITE_TIMEOUT", "3s")

	// Kafka defaults
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_CONSUMER_GROUP", "travel-saga-orchestrator")
	v.SetDefault("KAFKA_CLIENT_ID", "travel-saga")

	// Saga defaults
	v.SetDefault("RATE_LIMIT_PER_MIN", 5)
	v.SetDefault("LOCK_TTL_SECONDS", 300)
	v.SetDefault("ACTIVE_STATE_TTL_SECONDS", 3600)
	v.SetDefault("STUCK_SAGA_THRESHOLD_MS", 1800000)
	v.SetDefault("SWEEP_INTERVAL", "60s")
	v.SetDefault("REPUBLISH_PER_SECOND", 10.0)

	// Webhook defaults
	v.SetDefault("WEBHOOK_TIMEOUT_MS", 5000)

	// Downstream reservation services (sync path)
	v.SetDefault("SYNC_SERVICES_MODE", "mock")
	v.SetDefault("FLIGHT_SERVICE_URL", "http://localhost:8091")
	v.SetDefault("HOTEL_SERVICE_URL", "http://localhost:8092")
	v.SetDefault("CAR_SERVICE_URL", "http://localhost:8093")
	v.SetDefault("SERVICE_CLIENT_TIMEOUT", "10s")

	// Admin API defaults
	v.SetDefault("ADMIN_JWT_SECRET", "change-me-in-production")
	v.SetDefault("ADMIN_JWT_ISSUER", "travel-saga")

	// Log defaults
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_OUTPUT", "stdout")

	// OTel defaults
	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_SERVICE_NAME", "travel-saga")
	v.SetDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)
}

func bindConfig(v *viper.Viper, cfg *Config) {
	// App
	cfg.App.Name = v.GetString("APP_NAME")
	cfg.App.Environment = v.GetString("APP_ENVIRONMENT")
	cfg.App.Debug = v.GetBool("APP_DEBUG")
	cfg.App.Version = v.GetString("APP_VERSION")

	// Server
	cfg.Server.Host = v.GetString("SERVER_HOST")
	cfg.Server.Port = v.GetInt("SERVER_PORT")
	cfg.Server.ReadTimeout = v.GetDuration("SERVER_READ_TIMEOUT")
	cfg.Server.WriteTimeout = v.GetDuration("SERVER_WRITE_TIMEOUT")
	cfg.Server.IdleTimeout = v.GetDuration("SERVER_IDLE_TIMEOUT")

	// Postgres
	cfg.Postgres.Host = v.GetString("POSTGRES_HOST")
	cfg.Postgres.Port = v.GetInt("POSTGRES_PORT")
	cfg.Postgres.User = v.GetString("POSTGRES_USER")
	cfg.Postgres.Password = v.GetString("POSTGRES_PASSWORD")
	cfg.Postgres.DBName = v.GetString("POSTGRES_DBNAME")
	cfg.Postgres.SSLMode = v.GetString("POSTGRES_SSLMODE")
	cfg.Postgres.MaxOpenConns = v.GetInt("POSTGRES_MAX_OPEN_CONNS")
	cfg.Postgres.MaxIdleConns = v.GetInt("POSTGRES_MAX_IDLE_CONNS")
	cfg.Postgres.ConnMaxLifetime = v.GetDuration("POSTGRES_CONN_MAX_LIFETIME")
	cfg.Postgres.ConnMaxIdleTime = v.GetDuration("POSTGRES_CONN_MAX_IDLE_TIME")

	// Redis
	cfg.Redis.Host = v.GetString("REDIS_HOST")
	cfg.Redis.Port = v.GetInt("REDIS_PORT")
	cfg.Redis.Password = v.GetString("REDIS_PASSWORD")
	cfg.Redis.DB = v.GetInt("REDIS_DB")
	cfg.Redis.PoolSize = v.GetInt("REDIS_POOL_SIZE")
	cfg.Redis.MinIdleConns = v.GetInt("REDIS_MIN_IDLE_CONNS")
	cfg.Redis.DialTimeout = v.GetDuration("REDIS_DIAL_TIMEOUT")
	cfg.Redis.ReadTimeout = v.GetDuration("REDIS_READ_TIMEOUT")
	cfg.Redis.WriteTimeout = v.GetDuration("REDIS_WRITE_TIMEOUT")

	// Kafka
	brokersStr := v.GetString("KAFKA_BROKERS")
	cfg.Kafka.Brokers = strings.Split(brokersStr, ",")
	cfg.Kafka.ConsumerGroup = v.GetString("KAFKA_CONSUMER_GROUP")
	cfg.Kafka.ClientID = v.GetString("KAFKA_CLIENT_ID")

	// Saga
	cfg.Saga.RateLimitPerMin = v.GetInt("RATE_LIMIT_PER_MIN")
	cfg.Saga.LockTTL = time.Duration(v.GetInt("LOCK_TTL_SECONDS")) * time.Second
	cfg.Saga.ActiveStateTTL = time.Duration(v.GetInt("ACTIVE_STATE_TTL_SECONDS")) * time.Second
	cfg.Saga.StuckSagaThreshold = time.Duration(v.GetInt("STUCK_SAGA_THRESHOLD_MS")) * time.Millisecond
	cfg.Saga.SweepInterval = v.GetDuration("SWEEP_INTERVAL")
	cfg.Saga.RepublishPerSecond = v.GetFloat64("REPUBLISH_PER_SECOND")

	// Webhook
	cfg.Webhook.Timeout = time.Duration(v.GetInt("WEBHOOK_TIMEOUT_MS")) * time.Millisecond

	// Downstream services
	cfg.Services.Mode = v.GetString("SYNC_SERVICES_MODE")
	cfg.Services.FlightBaseURL = v.GetString("FLIGHT_SERVICE_URL")
	cfg.Services.HotelBaseURL = v.GetString("HOTEL_SERVICE_URL")
	cfg.Services.CarBaseURL = v.GetString("CAR_SERVICE_URL")
	cfg.Services.ClientTimeout = v.GetDuration("SERVICE_CLIENT_TIMEOUT")

	// Admin
	cfg.Admin.JWTSecret = v.GetString("ADMIN_JWT_SECRET")
	cfg.Admin.JWTIssuer = v.GetString("ADMIN_JWT_ISSUER")

	// Log
	cfg.Log.Level = v.GetString("LOG_LEVEL")
	cfg.Log.Format = v.GetString("LOG_FORMAT")
	cfg.Log.Output = v.GetString("LOG_OUTPUT")

	// OTel
	cfg.OTel.Enabled = v.GetBool("OTEL_ENABLED")
	cfg.OTel.ServiceName = v.GetString("OTEL_SERVICE_NAME")
	cfg.OTel.CollectorAddr = v.GetString("OTEL_COLLECTOR_ADDR")
	cfg.OTel.SampleRatio = v.GetFloat64("OTEL_SAMPLE_RATIO")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app name is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Saga.RateLimitPerMin <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d", c.Saga.RateLimitPerMin)
	}

	if c.Saga.LockTTL <= 0 {
		return fmt.Errorf("lock TTL must be positive, got %s", c.Saga.LockTTL)
	}

	if c.Saga.StuckSagaThreshold <= 0 {
		return fmt.Errorf("stuck saga threshold must be positive, got %s", c.Saga.StuckSagaThreshold)
	}

	if c.Admin.JWTSecret == "" {
		return fmt.Errorf("admin JWT secret is required")
	}

	if c.App.Environment == "production" && c.Admin.JWTSecret == "change-me-in-production" {
		return fmt.Errorf("admin JWT secret must be changed in production")
	}

	switch c.Services.Mode {
	case "http", "mock":
	default:
		return fmt.Errorf("invalid sync services mode: %q", c.Services.Mode)
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}
