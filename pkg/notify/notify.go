package notify

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Alerter pages a human supervisor about an escalated question
type Alerter interface {
	AlertSupervisor(ctx context.Context, question, customerPhone string) error
}

// Texter follows up with the customer once a supervisor has answered
type Texter interface {
	TextCustomer(ctx context.Context, customerPhone, question, answer string) error
}

// Notifier delivers both kinds of message
type Notifier interface {
	Alerter
	Texter
}

// Composite routes alerts and texts to separate channels
type Composite struct {
	Alerter
	Texter
}

func Compose(alerter Alerter, texter Texter) *Composite {
	return &Composite{Alerter: alerter, Texter: texter}
}

// LogNotifier renders notifications as structured log lines. It stands in
// for a telephony provider.
type LogNotifier struct {
	logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) AlertSupervisor(ctx context.Context, question, customerPhone string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.logger.WithFields(logrus.Fields{
		"channel":        "supervisor",
		"customer_phone": customerPhone,
		"question":       question,
	}).Info("Hey, I need help answering a customer question")
	return nil
}

func (n *LogNotifier) TextCustomer(ctx context.Context, customerPhone, question, answer string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.logger.WithFields(logrus.Fields{
		"channel":        "sms",
		"customer_phone": customerPhone,
		"question":       question,
		"answer":         answer,
	}).Info("Texting customer with supervisor answer")
	return nil
}
