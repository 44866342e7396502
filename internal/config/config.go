/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: Parses the approval threshold without float rounding.
 *
 * @notes
 * - Out-of-range values are coerced back to safe defaults with a warning instead of failing startup.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	LockModeWait   = "wait"
	LockModeNoWait = "nowait"

	defaultApprovalThreshold = "50000"
	defaultCacheKeyPrefix    = "ledger"
	defaultOutboxExchange    = "ledger.events"
	defaultOutboxBatchSize   = 100
	maxOutboxBatchSize       = 1000
	minOutboxPollInterval    = time.Second
	defaultOutboxPoll        = 5 * time.Second
	defaultCacheTTL          = 60 * time.Second
	defaultDBMaxConns        = 100
	defaultDBMinConns        = 20
)

// Config holds all the configuration variables for the ledger-transfer-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string          `mapstructure:"SERVER_PORT"`
	AppEnv               string          `mapstructure:"APP_ENV"`
	LogLevel             string          `mapstructure:"LOG_LEVEL"`
	DatabaseURL          string          `mapstructure:"DATABASE_URL"`
	DBMaxConns           int32           `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32           `mapstructure:"DB_MIN_CONNS"`
	StorageDriver        string          `mapstructure:"STORAGE_DRIVER"`
	AutoMigrate          bool            `mapstructure:"AUTO_MIGRATE"`
	RedisURL             string          `mapstructure:"REDIS_URL"`
	CacheKeyPrefix       string          `mapstructure:"CACHE_KEY_PREFIX"`
	CacheTTL             time.Duration   `mapstructure:"CACHE_TTL"`
	RabbitMQURL          string          `mapstructure:"RABBITMQ_URL"`
	OutboxExchange       string          `mapstructure:"OUTBOX_EXCHANGE"`
	OutboxPollInterval   time.Duration   `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize      int             `mapstructure:"OUTBOX_BATCH_SIZE"`
	CacheRepairQueue     string          `mapstructure:"CACHE_REPAIR_QUEUE"`
	ApprovalThresholdRaw string          `mapstructure:"APPROVAL_THRESHOLD"`
	ApprovalThreshold    decimal.Decimal `mapstructure:"-"`
	AccountLockMode      string          `mapstructure:"ACCOUNT_LOCK_MODE"`
	AccountLockTimeout   time.Duration   `mapstructure:"ACCOUNT_LOCK_TIMEOUT"`
	OperatorJWTSecret    string          `mapstructure:"OPERATOR_JWT_SECRET"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("APP_ENV", "production")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("DB_MAX_CONNS", defaultDBMaxConns)
	viper.SetDefault("DB_MIN_CONNS", defaultDBMinConns)
	viper.SetDefault("STORAGE_DRIVER", StorageDriverPostgres)
	viper.SetDefault("AUTO_MIGRATE", false)
	viper.SetDefault("CACHE_KEY_PREFIX", defaultCacheKeyPrefix)
	viper.SetDefault("CACHE_TTL", defaultCacheTTL)
	viper.SetDefault("OUTBOX_EXCHANGE", defaultOutboxExchange)
	viper.SetDefault("OUTBOX_POLL_INTERVAL", defaultOutboxPoll)
	viper.SetDefault("OUTBOX_BATCH_SIZE", defaultOutboxBatchSize)
	viper.SetDefault("APPROVAL_THRESHOLD", defaultApprovalThreshold)
	viper.SetDefault("ACCOUNT_LOCK_MODE", LockModeWait)
	viper.SetDefault("ACCOUNT_LOCK_TIMEOUT", time.Duration(0))

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("APP_ENV")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("DB_MAX_CONNS")
	_ = viper.BindEnv("DB_MIN_CONNS")
	_ = viper.BindEnv("STORAGE_DRIVER")
	_ = viper.BindEnv("AUTO_MIGRATE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("CACHE_KEY_PREFIX")
	_ = viper.BindEnv("CACHE_TTL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("OUTBOX_EXCHANGE")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL")
	_ = viper.BindEnv("OUTBOX_BATCH_SIZE")
	_ = viper.BindEnv("CACHE_REPAIR_QUEUE")
	_ = viper.BindEnv("APPROVAL_THRESHOLD")
	_ = viper.BindEnv("ACCOUNT_LOCK_MODE")
	_ = viper.BindEnv("ACCOUNT_LOCK_TIMEOUT")
	_ = viper.BindEnv("OPERATOR_JWT_SECRET")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.normalize()
	return
}

func (c *Config) normalize() {
	c.AppEnv = strings.ToLower(strings.TrimSpace(c.AppEnv))
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.CacheRepairQueue = strings.TrimSpace(c.CacheRepairQueue)
	c.OperatorJWTSecret = strings.TrimSpace(c.OperatorJWTSecret)

	c.StorageDriver = strings.ToLower(strings.TrimSpace(c.StorageDriver))
	if c.StorageDriver != StorageDriverPostgres && c.StorageDriver != StorageDriverMemory {
		log.Printf("level=warn component=config msg=\"unknown storage driver; using postgres\" value=%q", c.StorageDriver)
		c.StorageDriver = StorageDriverPostgres
	}

	if c.DBMaxConns <= 0 {
		c.DBMaxConns = defaultDBMaxConns
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		log.Printf("level=warn component=config msg=\"invalid DB_MIN_CONNS; clamping\" min=%d max=%d", c.DBMinConns, c.DBMaxConns)
		c.DBMinConns = min(defaultDBMinConns, c.DBMaxConns)
	}

	c.CacheKeyPrefix = strings.TrimSuffix(strings.TrimSpace(c.CacheKeyPrefix), ":")
	if c.CacheKeyPrefix == "" {
		c.CacheKeyPrefix = defaultCacheKeyPrefix
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}

	c.OutboxExchange = strings.TrimSpace(c.OutboxExchange)
	if c.OutboxExchange == "" {
		c.OutboxExchange = defaultOutboxExchange
	}
	if c.OutboxPollInterval < minOutboxPollInterval {
		log.Printf("level=warn component=config msg=\"outbox poll interval too small; raising to minimum\" value=%s min=%s", c.OutboxPollInterval, minOutboxPollInterval)
		c.OutboxPollInterval = minOutboxPollInterval
	}
	if c.OutboxBatchSize <= 0 {
		c.OutboxBatchSize = defaultOutboxBatchSize
	}
	if c.OutboxBatchSize > maxOutboxBatchSize {
		log.Printf("level=warn component=config msg=\"outbox batch size too large; capping\" value=%d max=%d", c.OutboxBatchSize, maxOutboxBatchSize)
		c.OutboxBatchSize = maxOutboxBatchSize
	}

	threshold, parseErr := decimal.NewFromString(strings.TrimSpace(c.ApprovalThresholdRaw))
	if parseErr != nil || threshold.IsNegative() {
		log.Printf("level=warn component=config msg=\"invalid APPROVAL_THRESHOLD; using default\" value=%q", c.ApprovalThresholdRaw)
		threshold = decimal.RequireFromString(defaultApprovalThreshold)
	}
	c.ApprovalThreshold = threshold

	c.AccountLockMode = strings.ToLower(strings.TrimSpace(c.AccountLockMode))
	if c.AccountLockMode != LockModeWait && c.AccountLockMode != LockModeNoWait {
		log.Printf("level=warn component=config msg=\"unknown account lock mode; using wait\" value=%q", c.AccountLockMode)
		c.AccountLockMode = LockModeWait
	}
	if c.AccountLockTimeout < 0 {
		c.AccountLockTimeout = 0
	}
}
