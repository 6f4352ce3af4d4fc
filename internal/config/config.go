package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/ride-dispatch/internal/fare"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr      string
	RedisPassword  string
	RedisKeyPrefix string

	PGDSN         string
	RunMigrations bool
	MigrationsDir string

	KafkaBrokers   []string
	KafkaRideTopic string

	JWTSecret string

	PendingTimeout      time.Duration
	ExpirySweepInterval time.Duration
	OTPMaxAttempts      int
	PollInterval        time.Duration
	Fares               fare.Table

	LogLevel string
}

// ConsumerConfig is the ride event consumer's subset.
type ConsumerConfig struct {
	KafkaBrokers   []string
	KafkaRideTopic string
	KafkaGroup     string

	RedisAddr      string
	RedisPassword  string
	RedisKeyPrefix string

	MetricsAddr string
	LogLevel    string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisKeyPrefix:      "dispatch:",
		MigrationsDir:       "migrations",
		KafkaRideTopic:      "ride-events",
		PendingTimeout:      2 * time.Minute,
		ExpirySweepInterval: 15 * time.Second,
		OTPMaxAttempts:      5,
		PollInterval:        3 * time.Second,
		Fares:               fare.DefaultRates,
		LogLevel:            "info",
	}
}

// LoadServerConfig reads the environment, after loading an optional .env
// file from the working directory.
func LoadServerConfig() (ServerConfig, error) {
	_ = godotenv.Load(".env")
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setKeyPrefixFromEnv(&cfg.RedisKeyPrefix, "REDIS_KEY_PREFIX")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationsDir, "MIGRATIONS_DIR")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaRideTopic, "KAFKA_RIDE_TOPIC")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	setDurationFromEnv(&cfg.PendingTimeout, "PENDING_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ExpirySweepInterval, "EXPIRY_SWEEP_INTERVAL", &errs)
	setIntFromEnv(&cfg.OTPMaxAttempts, "OTP_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.PollInterval, "POLL_INTERVAL", &errs)

	if v := os.Getenv("FARE_RATES"); v != "" {
		t, err := fare.ParseTable(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid FARE_RATES: %w", err))
		} else {
			cfg.Fares = t
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if cfg.OTPMaxAttempts <= 0 {
		errs = append(errs, errors.New("OTP_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.PendingTimeout <= 0 || cfg.ExpirySweepInterval <= 0 {
		errs = append(errs, errors.New("PENDING_TIMEOUT and EXPIRY_SWEEP_INTERVAL must be > 0"))
	}
	if cfg.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	_ = godotenv.Load(".env")
	cfg := ConsumerConfig{
		KafkaRideTopic: "ride-events",
		KafkaGroup:     "ride-dispatch-consumer",
		RedisKeyPrefix: "dispatch:",
		MetricsAddr:    ":9102",
		LogLevel:       "info",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaRideTopic, "KAFKA_RIDE_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setKeyPrefixFromEnv(&cfg.RedisKeyPrefix, "REDIS_KEY_PREFIX")

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

// setKeyPrefixFromEnv keeps a trailing ':' so keys read "fleet:driver:d1".
func setKeyPrefixFromEnv(target *string, key string) {
	setStringFromEnv(target, key)
	if *target != "" && !strings.HasSuffix(*target, ":") {
		*target += ":"
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
