package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"escalation-service/pkg/config"
)

func TestLogNotifier(t *testing.T) {
	logger, hook := test.NewNullLogger()
	n := NewLogNotifier(logger)
	ctx := context.Background()

	require.NoError(t, n.AlertSupervisor(ctx, "Do you do balayage?", "+15550001"))
	require.NoError(t, n.TextCustomer(ctx, "+15550001", "Do you do balayage?", "Yes, on weekdays"))

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "supervisor", entries[0].Data["channel"])
	assert.Equal(t, "Do you do balayage?", entries[0].Data["question"])
	assert.Equal(t, "sms", entries[1].Data["channel"])
	assert.Equal(t, "Yes, on weekdays", entries[1].Data["answer"])

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, n.AlertSupervisor(cancelled, "q", "p"), context.Canceled)
}

type recordingTexter struct {
	texts []string
}

func (r *recordingTexter) TextCustomer(ctx context.Context, phone, question, answer string) error {
	r.texts = append(r.texts, phone+":"+answer)
	return nil
}

type recordingAlerter struct {
	alerts []string
}

func (r *recordingAlerter) AlertSupervisor(ctx context.Context, question, phone string) error {
	r.alerts = append(r.alerts, phone+":"+question)
	return nil
}

func TestCompose(t *testing.T) {
	alerter := &recordingAlerter{}
	texter := &recordingTexter{}
	var n Notifier = Compose(alerter, texter)

	require.NoError(t, n.AlertSupervisor(context.Background(), "hours?", "+1"))
	require.NoError(t, n.TextCustomer(context.Background(), "+1", "hours?", "9-5"))

	assert.Equal(t, []string{"+1:hours?"}, alerter.alerts)
	assert.Equal(t, []string{"+1:9-5"}, texter.texts)
}

type fakeDialer struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     []*gomail.Message
}

func (d *fakeDialer) DialAndSend(m ...*gomail.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls <= d.failures {
		return errors.New("421 service not available")
	}
	d.sent = append(d.sent, m...)
	return nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func mailConfig() config.MailConfig {
	return config.MailConfig{
		Host:             "smtp.example.com",
		Port:             587,
		Sender:           "assistant@example.com",
		SupervisorEmails: []string{"lead@example.com", "backup@example.com"},
		RetryCount:       2,
		RetryBackoffMS:   1,
	}
}

func TestMailAlerter_Send(t *testing.T) {
	dialer := &fakeDialer{}
	alerter, err := newMailAlerter(dialer, mailConfig(), quietLogger())
	require.NoError(t, err)

	require.NoError(t, alerter.AlertSupervisor(context.Background(), "Can I bring my dog?", "+15550001"))

	require.Len(t, dialer.sent, 1)
	msg := dialer.sent[0]
	assert.Equal(t, []string{"lead@example.com", "backup@example.com"}, msg.GetHeader("Bcc"))
	assert.Equal(t, []string{"Help needed: customer +15550001"}, msg.GetHeader("Subject"))
}

func TestMailAlerter_RetriesThenSucceeds(t *testing.T) {
	dialer := &fakeDialer{failures: 2}
	alerter, err := newMailAlerter(dialer, mailConfig(), quietLogger())
	require.NoError(t, err)

	require.NoError(t, alerter.AlertSupervisor(context.Background(), "q", "+1"))
	assert.Equal(t, 3, dialer.calls)
}

func TestMailAlerter_GivesUp(t *testing.T) {
	dialer := &fakeDialer{failures: 10}
	alerter, err := newMailAlerter(dialer, mailConfig(), quietLogger())
	require.NoError(t, err)

	err = alerter.AlertSupervisor(context.Background(), "q", "+1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Contains(t, err.Error(), "421 service not available")
	assert.Equal(t, 3, dialer.calls)
}

func TestMailAlerter_StopsOnCancel(t *testing.T) {
	dialer := &fakeDialer{failures: 10}
	cfg := mailConfig()
	cfg.RetryBackoffMS = 60000
	alerter, err := newMailAlerter(dialer, cfg, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = alerter.AlertSupervisor(ctx, "q", "+1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, dialer.calls)
}

type stalledDialer struct {
	release chan struct{}
}

func (d *stalledDialer) DialAndSend(m ...*gomail.Message) error {
	<-d.release
	return nil
}

func TestMailAlerter_SendTimeoutBoundsStalledServer(t *testing.T) {
	dialer := &stalledDialer{release: make(chan struct{})}
	t.Cleanup(func() { close(dialer.release) })

	cfg := mailConfig()
	cfg.SendTimeoutMS = 50
	alerter, err := newMailAlerter(dialer, cfg, quietLogger())
	require.NoError(t, err)

	start := time.Now()
	err = alerter.AlertSupervisor(context.Background(), "q", "+1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNewMailAlerter_Validation(t *testing.T) {
	cfg := mailConfig()
	cfg.Host = ""
	_, err := NewMailAlerter(cfg, quietLogger())
	assert.Error(t, err)

	cfg = mailConfig()
	cfg.SupervisorEmails = nil
	_, err = NewMailAlerter(cfg, quietLogger())
	assert.Error(t, err)
}
