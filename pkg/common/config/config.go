package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server (ops/status API)
	ServerPort   string
	ServerHost   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers  []string
	AuditTopic    string
	AuditDisabled bool

	// Telegram transport
	TelegramToken   string
	TelegramBaseURL string
	SendTimeout     time.Duration
	PollTimeout     time.Duration

	// Reminder policy
	Timezone      string
	RetryDelay    time.Duration
	MaxAttempts   int
	GraceWindow   time.Duration
	SweepInterval time.Duration

	// Roster
	RosterPath string
}

func Load() *Config {
	return &Config{
		ServerPort:   getEnv("SERVER_PORT", "8080"),
		ServerHost:   getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:  getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout: getDuration("WRITE_TIMEOUT", 30*time.Second),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "carelink"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "carelink123"),
		PostgresDB:       getEnv("POSTGRES_DB", "carelink"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:  getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		AuditTopic:    getEnv("AUDIT_TOPIC", "carelink.audit"),
		AuditDisabled: getBoolEnv("AUDIT_DISABLED", false),

		TelegramToken:   getEnv("TELEGRAM_TOKEN", ""),
		TelegramBaseURL: getEnv("TELEGRAM_BASE_URL", "https://api.telegram.org"),
		SendTimeout:     getDuration("SEND_TIMEOUT", 10*time.Second),
		PollTimeout:     getDuration("POLL_TIMEOUT", 50*time.Second),

		Timezone:      getEnv("TIMEZONE", "Europe/Kyiv"),
		RetryDelay:    getDuration("RETRY_DELAY", 60*time.Second),
		MaxAttempts:   getIntEnv("MAX_ATTEMPTS", 3),
		GraceWindow:   getDuration("GRACE_WINDOW", 10*time.Minute),
		SweepInterval: getDuration("SWEEP_INTERVAL", 5*time.Minute),

		RosterPath: getEnv("ROSTER_PATH", "roster.yaml"),
	}
}

// RetryWindow is the full span an obligation may stay unconfirmed before the
// sweeper treats it as missed.
func (c *Config) RetryWindow() time.Duration {
	return time.Duration(c.MaxAttempts) * c.RetryDelay
}

// PostgresDSN renders the connection string the gorm postgres driver expects.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		c.PostgresHost, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresPort, c.PostgresSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
