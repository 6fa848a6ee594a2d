package notify

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"escalation-service/pkg/constants"
	"escalation-service/pkg/metrics"
	"escalation-service/pkg/models"
)

// Dispatcher consumes the notification stream as a member of a consumer
// group and hands each event to a delivery Notifier. Entries are acked only
// after delivery succeeds; failed entries stay pending and are reclaimed by
// the recovery loop once idle, up to maxDeliveries times.
type Dispatcher struct {
	rdb              *redis.Client
	stream           string
	group            string
	consumerName     string
	delivery         Notifier
	logger           *logrus.Logger
	metrics          *metrics.Metrics
	block            time.Duration
	minIdle          time.Duration
	recoveryInterval time.Duration
	pendingPage      int64
	maxDeliveries    int64
	deadLetterStream string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewDispatcher(rdb *redis.Client, stream, group, podID string, delivery Notifier, logger *logrus.Logger, metrics *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		rdb:              rdb,
		stream:           stream,
		group:            group,
		consumerName:     fmt.Sprintf("consumer-%s", podID),
		delivery:         delivery,
		logger:           logger,
		metrics:          metrics,
		block:            1 * time.Second,
		minIdle:          1 * time.Minute,
		recoveryInterval: constants.SecondsToDuration(constants.DefaultPendingRecoveryIntervalSeconds),
		pendingPage:      100,
		maxDeliveries:    constants.DefaultMaxDeliveries,
		deadLetterStream: stream + ":dead",
		stopCh:           make(chan struct{}),
	}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	if err := EnsureConsumerGroup(ctx, d.rdb, d.stream, d.group); err != nil {
		return err
	}

	d.logger.WithFields(logrus.Fields{
		"consumer_name":  d.consumerName,
		"consumer_group": d.group,
	}).Info("Starting notification dispatcher")

	d.wg.Add(2)
	go d.consumeLoop(ctx)
	go d.recoveryLoop(ctx)
	return nil
}

func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

func (d *Dispatcher) consumeLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
			d.consume(ctx)
		}
	}
}

// consume reads one batch of new entries and processes them. It returns the
// number of entries read.
func (d *Dispatcher) consume(ctx context.Context) int {
	streams, err := d.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    d.group,
		Consumer: d.consumerName,
		Streams:  []string{d.stream, ">"},
		Count:    10,
		Block:    d.block,
	}).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			d.logger.WithError(err).Error("Failed to read from notification stream")
			// Avoid spinning while Redis is unreachable
			select {
			case <-time.After(d.block):
			case <-d.stopCh:
			case <-ctx.Done():
			}
		}
		return 0
	}

	read := 0
	for _, stream := range streams {
		for _, message := range stream.Messages {
			d.processMessage(ctx, message)
			read++
		}
	}
	return read
}

func (d *Dispatcher) processMessage(ctx context.Context, message redis.XMessage) {
	event, err := parseNotificationEvent(message)
	if err != nil {
		d.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to parse notification event")
		d.metrics.StreamMessagesProcessed.WithLabelValues("parse_error").Inc()
		// Ack so a malformed entry is not redelivered forever
		d.acknowledge(ctx, message.ID)
		return
	}

	if err := d.deliver(ctx, event); err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"kind":       event.Kind,
			"message_id": message.ID,
		}).Error("Failed to deliver notification")
		d.metrics.StreamMessagesProcessed.WithLabelValues("delivery_error").Inc()
		return
	}

	if err := d.acknowledge(ctx, message.ID); err != nil {
		d.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to acknowledge notification")
		return
	}

	d.metrics.StreamMessagesProcessed.WithLabelValues("success").Inc()
	d.logger.WithFields(logrus.Fields{
		"kind":       event.Kind,
		"message_id": message.ID,
	}).Debug("Delivered notification")
}

func (d *Dispatcher) deliver(ctx context.Context, event *models.NotificationEvent) error {
	switch event.Kind {
	case models.NotificationSupervisorAlert:
		return d.delivery.AlertSupervisor(ctx, event.Question, event.Phone)
	case models.NotificationCustomerText:
		return d.delivery.TextCustomer(ctx, event.Phone, event.Question, event.Answer)
	default:
		return fmt.Errorf("unknown notification kind %q", event.Kind)
	}
}

func (d *Dispatcher) acknowledge(ctx context.Context, messageID string) error {
	return d.rdb.XAck(ctx, d.stream, d.group, messageID).Err()
}

func (d *Dispatcher) recoveryLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.recoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.recoverPending(ctx)
		}
	}
}

// recoverPending claims entries idle for longer than minIdle, including
// those left by crashed consumers, and retries them. Entries already
// delivered maxDeliveries times are moved to the dead-letter stream. It
// returns the number of entries claimed.
func (d *Dispatcher) recoverPending(ctx context.Context) int {
	claimed := 0
	start := "-"

	for {
		pending, err := d.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: d.stream,
			Group:  d.group,
			Start:  start,
			End:    "+",
			Count:  d.pendingPage,
		}).Result()
		if err == redis.Nil {
			return claimed
		}
		if err != nil {
			d.logger.WithError(err).Error("Failed to get pending notifications")
			return claimed
		}

		claimed += d.claimIdle(ctx, pending)

		if int64(len(pending)) < d.pendingPage {
			return claimed
		}
		next, ok := nextStreamID(pending[len(pending)-1].ID)
		if !ok {
			return claimed
		}
		start = next
	}
}

func (d *Dispatcher) claimIdle(ctx context.Context, pending []redis.XPendingExt) int {
	deliveries := make(map[string]int64, len(pending))
	var ids []string
	for _, p := range pending {
		if p.Idle >= d.minIdle {
			ids = append(ids, p.ID)
			deliveries[p.ID] = p.RetryCount
		}
	}
	if len(ids) == 0 {
		return 0
	}

	d.logger.WithField("pending_count", len(ids)).Info("Processing pending notifications")

	messages, err := d.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   d.stream,
		Group:    d.group,
		Consumer: d.consumerName,
		MinIdle:  d.minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		d.logger.WithError(err).Error("Failed to claim pending notifications")
		return 0
	}

	for _, message := range messages {
		if deliveries[message.ID] >= d.maxDeliveries {
			d.deadLetter(ctx, message, deliveries[message.ID])
			continue
		}
		d.processMessage(ctx, message)
	}
	return len(messages)
}

// deadLetter copies an entry that keeps failing to the dead-letter stream
// and acks it on the main stream.
func (d *Dispatcher) deadLetter(ctx context.Context, message redis.XMessage, deliveries int64) {
	values := make(map[string]interface{}, len(message.Values)+2)
	for k, v := range message.Values {
		values[k] = v
	}
	values["original_id"] = message.ID
	values["deliveries"] = deliveries

	if err := d.rdb.XAdd(ctx, &redis.XAddArgs{Stream: d.deadLetterStream, Values: values}).Err(); err != nil {
		d.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to dead-letter notification")
		return
	}
	if err := d.acknowledge(ctx, message.ID); err != nil {
		d.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to acknowledge dead-lettered notification")
		return
	}

	d.metrics.StreamMessagesProcessed.WithLabelValues("dead_lettered").Inc()
	d.logger.WithFields(logrus.Fields{
		"message_id": message.ID,
		"deliveries": deliveries,
	}).Warn("Notification moved to dead-letter stream")
}

// nextStreamID returns the smallest stream ID greater than id
func nextStreamID(id string) (string, bool) {
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 {
		return "", false
	}
	ms, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return "", false
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return "", false
	}
	if seq == math.MaxUint64 {
		return fmt.Sprintf("%d-0", ms+1), true
	}
	return fmt.Sprintf("%d-%d", ms, seq+1), true
}
