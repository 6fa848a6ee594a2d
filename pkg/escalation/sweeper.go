package escalation

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"escalation-service/pkg/constants"
	"escalation-service/pkg/metrics"
)

// Expirer is the engine operation the sweeper drives
type Expirer interface {
	ExpireStaleRequests(ctx context.Context, now time.Time, timeout time.Duration) (int, error)
}

// Sweeper periodically expires stale PENDING requests. When several
// processes share storage, isLeader restricts the work to one of them;
// running on more than one is still safe because expiry is conditional.
type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	timeout  time.Duration
	isLeader func() bool
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSweeper builds a sweeper. Non-positive interval or timeout values are
// replaced by the defaults.
func NewSweeper(expirer Expirer, interval, timeout time.Duration, isLeader func() bool, logger *logrus.Logger, metrics *metrics.Metrics) *Sweeper {
	if isLeader == nil {
		isLeader = func() bool { return true }
	}
	if interval <= 0 {
		logger.WithField("interval", interval).Warn("Invalid sweep interval, using default")
		interval = time.Duration(constants.MinutesToMilliseconds(constants.DefaultSweepIntervalMinutes)) * time.Millisecond
	}
	if timeout <= 0 {
		logger.WithField("timeout", timeout).Warn("Invalid request timeout, using default")
		timeout = time.Duration(constants.MinutesToMilliseconds(constants.DefaultRequestTimeoutMinutes)) * time.Millisecond
	}
	return &Sweeper{
		expirer:  expirer,
		interval: interval,
		timeout:  timeout,
		isLeader: isLeader,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.logger.WithFields(logrus.Fields{
		"interval": s.interval,
		"timeout":  s.timeout,
	}).Info("Starting timeout sweeper")

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.isLeader() {
				s.logger.Debug("Skipping sweep, not the leader")
				continue
			}
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.WithError(err).Error("Timeout sweep failed")
			}
		}
	}
}

// RunOnce performs a single expiry pass using the current time.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	count, err := s.expirer.ExpireStaleRequests(ctx, s.now(), s.timeout)
	if err != nil {
		return count, err
	}

	s.logger.WithField("expired_count", count).Debug("Timeout sweep finished")
	return count, nil
}

// Timeout is the age after which a pending request is expired.
func (s *Sweeper) Timeout() time.Duration {
	return s.timeout
}
