package constants

import "time"

// Default lifecycle timing values
const (
	// DefaultRequestTimeoutMinutes - Pending requests older than this are expired
	DefaultRequestTimeoutMinutes = 10

	// DefaultSweepIntervalMinutes - How often the timeout sweeper runs
	DefaultSweepIntervalMinutes = 2

	// DefaultLeaderElectionTTLSeconds - Default leader election TTL in seconds
	DefaultLeaderElectionTTLSeconds = 10

	// DefaultLeaderElectionIntervalSeconds - Default leader election check interval
	DefaultLeaderElectionIntervalSeconds = 5

	// DefaultPendingRecoveryIntervalSeconds - How often the dispatcher reclaims idle stream entries
	DefaultPendingRecoveryIntervalSeconds = 30

	// DefaultMailSendTimeoutMS - Upper bound on one supervisor alert, retries included
	DefaultMailSendTimeoutMS = 15000

	// DefaultMaxDeliveries - Stream entries delivered this many times are dead-lettered
	DefaultMaxDeliveries = 5
)

// DefaultSupervisorID is recorded on resolutions that do not name a supervisor
const DefaultSupervisorID = "supervisor"

// NotFoundAnswer is returned by knowledge lookups that match nothing
const NotFoundAnswer = "NOT_FOUND"

// Redis key prefixes and names
const (
	CustomerKeyPrefix       = "escalation:customer:"
	RequestKeyPrefix        = "escalation:request:"
	PendingRequestsKey      = "escalation:requests:pending"
	ResolvedRequestsKey     = "escalation:requests:resolved"
	UnresolvedRequestsKey   = "escalation:requests:unresolved"
	KnowledgeKeyPrefix      = "escalation:knowledge:entry:"
	KnowledgeIndexKey       = "escalation:knowledge:index"
	LeaderElectionKey       = "escalation:leader"
	NotificationsStream     = "escalation:notifications"
	DefaultConsumerGroup    = "notification-dispatchers"
	DefaultStoreBackend     = "memory"
	DefaultNotificationMode = "log"
)

// Configuration environment variable names
const (
	EnvStoreBackend        = "STORE_BACKEND"
	EnvRedisURL            = "REDIS_URL"
	EnvDatabaseURL         = "DATABASE_URL"
	EnvRequestTimeout      = "REQUEST_TIMEOUT_MS"
	EnvSweepInterval       = "SWEEP_INTERVAL_MS"
	EnvLeaderElectionTTL   = "LEADER_ELECTION_TTL"
	EnvPodID               = "POD_ID"
	EnvPort                = "PORT"
	EnvLogLevel            = "LOG_LEVEL"
	EnvNotifyMode          = "NOTIFY_MODE"
	EnvConsumerGroupName   = "CONSUMER_GROUP_NAME"
	EnvDefaultSupervisorID = "DEFAULT_SUPERVISOR_ID"
	EnvMailHost            = "MAIL_HOST"
	EnvMailPort            = "MAIL_PORT"
	EnvMailUser            = "MAIL_USER"
	EnvMailPassword        = "MAIL_PASSWORD"
	EnvMailSender          = "MAIL_SENDER"
	EnvSupervisorEmails    = "SUPERVISOR_EMAILS"
	EnvMailRetryCount      = "MAIL_RETRY_COUNT"
	EnvMailRetryBackoff    = "MAIL_RETRY_BACKOFF_MS"
	EnvMailSendTimeout     = "MAIL_SEND_TIMEOUT_MS"
)

// Helper functions for time conversions
func MinutesToMilliseconds(minutes int) int64 {
	return int64(minutes) * 60 * 1000
}

func SecondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
