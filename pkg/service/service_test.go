package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escalation-service/pkg/config"
	"escalation-service/pkg/constants"
)

// freePort reserves a free port for the HTTP server
func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return fmt.Sprintf("%d", port)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		StoreBackend:        "memory",
		RequestTimeoutMS:    constants.MinutesToMilliseconds(10),
		SweepIntervalMS:     50,
		LeaderElectionTTL:   10,
		PodID:               "pod-test",
		Port:                freePort(t),
		NotifyMode:          "log",
		ConsumerGroupName:   "test-dispatchers",
		DefaultSupervisorID: "supervisor",
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests
	return logger
}

func TestService_MemoryBackendLifecycle(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	svc, err := NewService(ctx, cfg, quietLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	assert.True(t, svc.IsLeader())

	require.NoError(t, svc.Start(ctx))

	req, err := svc.Engine().CreateRequest(ctx, "+15550001", "Is there parking?")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:" + cfg.Port + "/api/requests/" + req.ID)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, svc.Stop(ctx))
}

func TestService_RedisBackendWithStream(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.StoreBackend = "redis"
	cfg.RedisURL = "redis://" + mr.Addr()
	cfg.NotifyMode = "stream"
	ctx := context.Background()

	svc, err := NewService(ctx, cfg, quietLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	require.NotNil(t, svc.election)
	require.NotNil(t, svc.dispatcher)

	require.NoError(t, svc.Start(ctx))
	assert.True(t, svc.IsLeader())

	_, err = svc.Engine().CreateRequest(ctx, "+15550001", "Do you open on Mondays?")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	assert.Eventually(t, func() bool {
		pending, err := rdb.XPending(ctx, constants.NotificationsStream, cfg.ConsumerGroupName).Result()
		if err != nil {
			return false
		}
		length, err := rdb.XLen(ctx, constants.NotificationsStream).Result()
		return err == nil && length == 1 && pending.Count == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Stop(ctx))
	assert.False(t, mr.Exists(constants.LeaderElectionKey))
}

func TestService_StreamModeFromEnvironment(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://"+mr.Addr())
	t.Setenv("NOTIFY_MODE", "stream")
	t.Setenv("PORT", freePort(t))
	t.Setenv("POD_ID", "pod-env")
	t.Setenv("MAIL_HOST", "")
	t.Setenv("SUPERVISOR_EMAILS", "")

	cfg := config.Load()
	require.False(t, cfg.MailEnabled())

	ctx := context.Background()
	svc, err := NewService(ctx, cfg, quietLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	require.NotNil(t, svc.dispatcher)

	require.NoError(t, svc.Start(ctx))
	_, err = svc.Engine().CreateRequest(ctx, "+15550002", "Do you take walk-ins?")
	require.NoError(t, err)

	delivered := svc.metrics.StreamMessagesProcessed.WithLabelValues("success")
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(delivered) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Stop(ctx))
}

func TestService_ConfigurationErrors(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig(t)
	cfg.StoreBackend = "cassandra"
	_, err := NewService(ctx, cfg, quietLogger(), prometheus.NewRegistry())
	assert.ErrorContains(t, err, "unknown store backend")

	cfg = testConfig(t)
	cfg.NotifyMode = "stream"
	_, err = NewService(ctx, cfg, quietLogger(), prometheus.NewRegistry())
	assert.ErrorContains(t, err, "requires the redis store backend")

	cfg = testConfig(t)
	cfg.NotifyMode = "carrier-pigeon"
	_, err = NewService(ctx, cfg, quietLogger(), prometheus.NewRegistry())
	assert.ErrorContains(t, err, "unknown notify mode")

	cfg = testConfig(t)
	cfg.NotifyMode = "mail"
	_, err = NewService(ctx, cfg, quietLogger(), prometheus.NewRegistry())
	assert.ErrorContains(t, err, "failed to configure mail alerts")
}

func TestService_MailMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.NotifyMode = "mail"
	cfg.Mail = config.MailConfig{
		Host:             "smtp.example.com",
		Port:             587,
		SupervisorEmails: []string{"lead@example.com"},
	}

	svc, err := NewService(context.Background(), cfg, quietLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	assert.Nil(t, svc.dispatcher)
	svc.Close()
}
