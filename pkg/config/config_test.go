package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("REQUEST_TIMEOUT_MS", "")
	t.Setenv("SWEEP_INTERVAL_MS", "")
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("SUPERVISOR_EMAILS", "")

	cfg := Load()

	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, 10*time.Minute, cfg.RequestTimeout())
	assert.Equal(t, 2*time.Minute, cfg.SweepInterval())
	assert.Equal(t, "supervisor", cfg.DefaultSupervisorID)
	assert.Equal(t, "log", cfg.NotifyMode)
	assert.Empty(t, cfg.Mail.SupervisorEmails)
	assert.NotEmpty(t, cfg.PodID)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("REQUEST_TIMEOUT_MS", "5000")
	t.Setenv("SWEEP_INTERVAL_MS", "250")
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("LEADER_ELECTION_TTL", "3")
	t.Setenv("SUPERVISOR_EMAILS", "a@example.com, b@example.com,,")
	t.Setenv("MAIL_PORT", "not-a-number")

	cfg := Load()

	assert.Equal(t, "redis", cfg.StoreBackend)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 250*time.Millisecond, cfg.SweepInterval())
	assert.Equal(t, 3*time.Second, cfg.LeaderElectionTTLDuration())
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.Mail.SupervisorEmails)
	assert.Equal(t, 587, cfg.Mail.Port)
}

func TestLoad_NonPositiveTimingsFallBack(t *testing.T) {
	t.Setenv("REQUEST_TIMEOUT_MS", "-5000")
	t.Setenv("SWEEP_INTERVAL_MS", "0")
	t.Setenv("LEADER_ELECTION_TTL", "-1")

	cfg := Load()

	assert.Equal(t, 10*time.Minute, cfg.RequestTimeout())
	assert.Equal(t, 2*time.Minute, cfg.SweepInterval())
	assert.Equal(t, 10*time.Second, cfg.LeaderElectionTTLDuration())
}

func TestLoad_MailDisabledByDefault(t *testing.T) {
	t.Setenv("MAIL_HOST", "")
	t.Setenv("MAIL_SEND_TIMEOUT_MS", "")

	cfg := Load()

	assert.False(t, cfg.MailEnabled())
	assert.Empty(t, cfg.Mail.Host)
	assert.Equal(t, 15000, cfg.Mail.SendTimeoutMS)

	t.Setenv("MAIL_HOST", "smtp.example.com")
	assert.True(t, Load().MailEnabled())
}
