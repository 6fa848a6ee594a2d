package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"escalation-service/pkg/constants"
)

type Config struct {
	StoreBackend        string
	RedisURL            string
	DatabaseURL         string
	RequestTimeoutMS    int64
	SweepIntervalMS     int64
	LeaderElectionTTL   int
	PodID               string
	Port                string
	LogLevel            string
	NotifyMode          string
	ConsumerGroupName   string
	DefaultSupervisorID string
	Mail                MailConfig
}

type MailConfig struct {
	Host             string
	Port             int
	User             string
	Password         string
	Sender           string
	SupervisorEmails []string
	RetryCount       int
	RetryBackoffMS   int
	SendTimeoutMS    int
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment take precedence over .env.
func Load() *Config {
	_ = godotenv.Load()

	config := &Config{
		StoreBackend:        getEnv(constants.EnvStoreBackend, constants.DefaultStoreBackend),
		RedisURL:            getEnv(constants.EnvRedisURL, "redis://localhost:6379"),
		DatabaseURL:         getEnv(constants.EnvDatabaseURL, "postgres://localhost:5432/escalation?sslmode=disable"),
		RequestTimeoutMS:    getEnvInt64(constants.EnvRequestTimeout, constants.MinutesToMilliseconds(constants.DefaultRequestTimeoutMinutes)),
		SweepIntervalMS:     getEnvInt64(constants.EnvSweepInterval, constants.MinutesToMilliseconds(constants.DefaultSweepIntervalMinutes)),
		LeaderElectionTTL:   getEnvInt(constants.EnvLeaderElectionTTL, constants.DefaultLeaderElectionTTLSeconds),
		PodID:               getEnv(constants.EnvPodID, generatePodID()),
		Port:                getEnv(constants.EnvPort, "3000"),
		LogLevel:            getEnv(constants.EnvLogLevel, "info"),
		NotifyMode:          getEnv(constants.EnvNotifyMode, constants.DefaultNotificationMode),
		ConsumerGroupName:   getEnv(constants.EnvConsumerGroupName, constants.DefaultConsumerGroup),
		DefaultSupervisorID: getEnv(constants.EnvDefaultSupervisorID, constants.DefaultSupervisorID),
		Mail: MailConfig{
			Host:             getEnv(constants.EnvMailHost, ""),
			Port:             getEnvInt(constants.EnvMailPort, 587),
			User:             getEnv(constants.EnvMailUser, ""),
			Password:         getEnv(constants.EnvMailPassword, ""),
			Sender:           getEnv(constants.EnvMailSender, "noreply@escalation.local"),
			SupervisorEmails: getEnvList(constants.EnvSupervisorEmails),
			RetryCount:       getEnvInt(constants.EnvMailRetryCount, 3),
			RetryBackoffMS:   getEnvInt(constants.EnvMailRetryBackoff, 100),
			SendTimeoutMS:    getEnvInt(constants.EnvMailSendTimeout, constants.DefaultMailSendTimeoutMS),
		},
	}

	// Non-positive timings fall back to the defaults; a zero ticker interval panics
	if config.RequestTimeoutMS <= 0 {
		config.RequestTimeoutMS = constants.MinutesToMilliseconds(constants.DefaultRequestTimeoutMinutes)
	}
	if config.SweepIntervalMS <= 0 {
		config.SweepIntervalMS = constants.MinutesToMilliseconds(constants.DefaultSweepIntervalMinutes)
	}
	if config.LeaderElectionTTL <= 0 {
		config.LeaderElectionTTL = constants.DefaultLeaderElectionTTLSeconds
	}

	return config
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMS) * time.Millisecond
}

// MailEnabled reports whether SMTP delivery is configured
func (c *Config) MailEnabled() bool {
	return c.Mail.Host != ""
}

func (c *Config) LeaderElectionTTLDuration() time.Duration {
	return time.Duration(c.LeaderElectionTTL) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func generatePodID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}
