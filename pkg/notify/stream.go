package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"escalation-service/pkg/models"
)

// StreamNotifier appends notifications to a Redis stream instead of
// delivering them. A Dispatcher delivers them later, at least once.
type StreamNotifier struct {
	rdb    *redis.Client
	stream string
	logger *logrus.Logger
	now    func() time.Time
}

func NewStreamNotifier(rdb *redis.Client, stream string, logger *logrus.Logger) *StreamNotifier {
	return &StreamNotifier{
		rdb:    rdb,
		stream: stream,
		logger: logger,
		now:    time.Now,
	}
}

func (sn *StreamNotifier) AlertSupervisor(ctx context.Context, question, customerPhone string) error {
	return sn.publish(ctx, models.NotificationEvent{
		Kind:     models.NotificationSupervisorAlert,
		Phone:    customerPhone,
		Question: question,
	})
}

func (sn *StreamNotifier) TextCustomer(ctx context.Context, customerPhone, question, answer string) error {
	return sn.publish(ctx, models.NotificationEvent{
		Kind:     models.NotificationCustomerText,
		Phone:    customerPhone,
		Question: question,
		Answer:   answer,
	})
}

func (sn *StreamNotifier) publish(ctx context.Context, event models.NotificationEvent) error {
	event.EnqueuedAt = sn.now().UTC()

	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification event: %w", err)
	}

	messageID, err := sn.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: sn.stream,
		Values: map[string]interface{}{
			"kind":        string(event.Kind),
			"enqueued_at": event.EnqueuedAt.UnixMilli(),
			"event_data":  string(eventData),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add notification to stream: %w", err)
	}

	sn.logger.WithFields(logrus.Fields{
		"kind":       event.Kind,
		"message_id": messageID,
	}).Debug("Published notification to stream")
	return nil
}

// EnsureConsumerGroup creates group on stream, creating the stream if
// needed. An existing group is not an error.
func EnsureConsumerGroup(ctx context.Context, rdb *redis.Client, stream, group string) error {
	err := rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func parseNotificationEvent(message redis.XMessage) (*models.NotificationEvent, error) {
	raw, ok := message.Values["event_data"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid event_data")
	}

	event := &models.NotificationEvent{}
	if err := json.Unmarshal([]byte(raw), event); err != nil {
		return nil, fmt.Errorf("invalid event_data: %w", err)
	}

	switch event.Kind {
	case models.NotificationSupervisorAlert, models.NotificationCustomerText:
	default:
		return nil, fmt.Errorf("unknown notification kind %q", event.Kind)
	}
	return event, nil
}
