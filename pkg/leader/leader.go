package leader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"escalation-service/pkg/metrics"
)

var renewScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

var resignScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// Election holds a Redis lease so that only one pod runs the sweeper.
// The lease is acquired with SET NX and renewed every interval; a pod that
// stops renewing loses it once the TTL lapses.
type Election struct {
	rdb      *redis.Client
	key      string
	podID    string
	ttl      time.Duration
	interval time.Duration
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	isLeader atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewElection(rdb *redis.Client, key, podID string, ttl, interval time.Duration, logger *logrus.Logger, metrics *metrics.Metrics) *Election {
	return &Election{
		rdb:      rdb,
		key:      key,
		podID:    podID,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
		stopCh:   make(chan struct{}),
	}
}

func (le *Election) Start(ctx context.Context) error {
	le.logger.WithField("pod_id", le.podID).Info("Starting leader election process")

	// Try to become leader immediately
	le.tryBecomeLeader(ctx)

	le.wg.Add(1)
	go le.electionLoop(ctx)
	return nil
}

// Stop halts the election loop and releases the lease if held
func (le *Election) Stop() {
	le.stopOnce.Do(func() {
		close(le.stopCh)
		le.wg.Wait()
		if le.isLeader.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			le.resignLeadership(ctx)
		}
	})
}

func (le *Election) IsLeader() bool {
	return le.isLeader.Load()
}

func (le *Election) electionLoop(ctx context.Context) {
	defer le.wg.Done()
	ticker := time.NewTicker(le.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-le.stopCh:
			return
		case <-ticker.C:
			le.tryBecomeLeader(ctx)
		}
	}
}

func (le *Election) tryBecomeLeader(ctx context.Context) {
	start := time.Now()
	defer func() {
		le.metrics.LeaderElectionDuration.Observe(time.Since(start).Seconds())
	}()

	acquired, err := le.rdb.SetNX(ctx, le.key, le.podID, le.ttl).Result()
	if err != nil {
		le.logger.WithError(err).Error("Failed to attempt leader election")
		le.setLeader(false)
		return
	}
	if acquired {
		le.setLeader(true)
		return
	}

	// The key exists: keep it if it is ours
	le.setLeader(le.renewLeadership(ctx))
}

func (le *Election) renewLeadership(ctx context.Context) bool {
	renewed, err := renewScript.Run(ctx, le.rdb, []string{le.key}, le.podID, le.ttl.Milliseconds()).Int()
	if err != nil {
		le.logger.WithError(err).Error("Failed to renew leadership")
		return false
	}
	return renewed == 1
}

func (le *Election) resignLeadership(ctx context.Context) {
	if err := resignScript.Run(ctx, le.rdb, []string{le.key}, le.podID).Err(); err != nil {
		le.logger.WithError(err).Error("Failed to resign leadership")
	} else {
		le.logger.Info("Resigned leadership")
	}
	le.isLeader.Store(false)
}

func (le *Election) setLeader(leader bool) {
	was := le.isLeader.Swap(leader)
	if was == leader {
		return
	}
	if leader {
		le.logger.WithField("pod_id", le.podID).Info("Became leader")
		le.metrics.LeaderChanges.Inc()
	} else {
		le.logger.WithField("pod_id", le.podID).Info("Lost leadership")
	}
}
