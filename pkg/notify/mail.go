package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"escalation-service/pkg/config"
	"escalation-service/pkg/constants"
)

const maxMailBackoffMS = 32000

// Dialer sends fully built messages. *gomail.Dialer satisfies it.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// MailAlerter emails supervisor alerts, retrying with exponential backoff.
// One alert, retries included, never takes longer than sendTimeout.
type MailAlerter struct {
	dialer         Dialer
	sender         string
	receivers      []string
	retryCount     int
	retryBackoffMS int
	sendTimeout    time.Duration
	logger         *logrus.Logger
}

func NewMailAlerter(cfg config.MailConfig, logger *logrus.Logger) (*MailAlerter, error) {
	if cfg.Host == "" {
		return nil, errors.New("mail host is required")
	}
	return newMailAlerter(gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password), cfg, logger)
}

func newMailAlerter(dialer Dialer, cfg config.MailConfig, logger *logrus.Logger) (*MailAlerter, error) {
	if len(cfg.SupervisorEmails) == 0 {
		return nil, errors.New("at least one supervisor email is required")
	}

	sender := cfg.Sender
	if sender == "" {
		sender = "noreply@localhost"
	}
	retryCount := cfg.RetryCount
	if retryCount < 0 {
		retryCount = 0
	}
	retryBackoffMS := cfg.RetryBackoffMS
	if retryBackoffMS <= 0 {
		retryBackoffMS = 100
	}
	sendTimeoutMS := cfg.SendTimeoutMS
	if sendTimeoutMS <= 0 {
		sendTimeoutMS = constants.DefaultMailSendTimeoutMS
	}

	logger.WithFields(logrus.Fields{
		"host":        cfg.Host,
		"receivers":   len(cfg.SupervisorEmails),
		"retry_count": retryCount,
		"timeout_ms":  sendTimeoutMS,
	}).Info("Mail alerter configured")

	return &MailAlerter{
		dialer:         dialer,
		sender:         sender,
		receivers:      cfg.SupervisorEmails,
		retryCount:     retryCount,
		retryBackoffMS: retryBackoffMS,
		sendTimeout:    time.Duration(sendTimeoutMS) * time.Millisecond,
		logger:         logger,
	}, nil
}

func (m *MailAlerter) AlertSupervisor(ctx context.Context, question, customerPhone string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.sender)
	msg.SetHeader("Bcc", m.receivers...)
	msg.SetHeader("Subject", "Help needed: customer "+customerPhone)
	msg.SetBody("text/html", fmt.Sprintf(
		"<p>A customer (%s) asked a question the assistant could not answer:</p><blockquote>%s</blockquote>",
		html.EscapeString(customerPhone), html.EscapeString(question)))

	ctx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	defer cancel()

	var lastErr error
	backoffMS := m.retryBackoffMS

	for attempt := 0; attempt <= m.retryCount; attempt++ {
		err := m.send(ctx, msg)
		if err == nil {
			m.logger.WithFields(logrus.Fields{
				"receivers": len(m.receivers),
				"attempt":   attempt + 1,
			}).Info("Supervisor alert mailed")
			return nil
		}

		lastErr = err
		if attempt == m.retryCount {
			break
		}

		m.logger.WithError(err).WithFields(logrus.Fields{
			"attempt":    attempt + 1,
			"backoff_ms": backoffMS,
		}).Warn("Mail send failed, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("mail send cancelled after %d attempts: %w", attempt+1, ctx.Err())
		case <-time.After(time.Duration(backoffMS) * time.Millisecond):
		}
		backoffMS = int(math.Min(float64(backoffMS)*2, maxMailBackoffMS))
	}

	return fmt.Errorf("failed to send mail after %d attempts: %w", m.retryCount+1, lastErr)
}

// send runs one dial in the background so a stalled SMTP server cannot hold
// the caller past ctx.
func (m *MailAlerter) send(ctx context.Context, msg *gomail.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- m.dialer.DialAndSend(msg)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
