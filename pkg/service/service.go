package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"escalation-service/pkg/config"
	"escalation-service/pkg/constants"
	"escalation-service/pkg/escalation"
	"escalation-service/pkg/handlers"
	"escalation-service/pkg/leader"
	"escalation-service/pkg/memstore"
	"escalation-service/pkg/metrics"
	"escalation-service/pkg/notify"
	"escalation-service/pkg/postgres"
	redisClient "escalation-service/pkg/redis"
	"escalation-service/pkg/server"
)

// Service owns the engine and every background component around it:
// the timeout sweeper, the optional leader election and notification
// dispatcher, and the HTTP server.
type Service struct {
	config     *config.Config
	logger     *logrus.Logger
	metrics    *metrics.Metrics
	engine     *escalation.Engine
	learner    *escalation.Learner
	sweeper    *escalation.Sweeper
	election   *leader.Election
	dispatcher *notify.Dispatcher
	server     *http.Server
	closers    []func() error
}

// NewService connects the configured storage backend and builds all
// components. Nothing runs until Start.
func NewService(ctx context.Context, cfg *config.Config, logger *logrus.Logger, reg *prometheus.Registry) (*Service, error) {
	s := &Service{
		config:  cfg,
		logger:  logger,
		metrics: metrics.NewMetrics(reg),
	}

	repo, rdb, err := s.openRepository(ctx)
	if err != nil {
		return nil, err
	}

	notifier, err := s.buildNotifier(rdb)
	if err != nil {
		s.Close()
		return nil, err
	}

	var isLeader func() bool
	if rdb != nil {
		s.election = leader.NewElection(rdb, constants.LeaderElectionKey, cfg.PodID,
			cfg.LeaderElectionTTLDuration(),
			constants.SecondsToDuration(constants.DefaultLeaderElectionIntervalSeconds),
			logger, s.metrics)
		isLeader = s.election.IsLeader
	}

	s.learner = escalation.NewLearner(repo, logger, s.metrics)
	s.engine = escalation.NewEngine(repo, notifier, s.learner, logger, s.metrics,
		escalation.WithDefaultSupervisor(cfg.DefaultSupervisorID))
	s.sweeper = escalation.NewSweeper(s.engine, cfg.SweepInterval(), cfg.RequestTimeout(), isLeader, logger, s.metrics)

	handler := handlers.NewHandler(s.engine, s.learner, s.sweeper, logger, s.IsLeader, cfg.PodID)
	s.server = server.NewHTTPServer(cfg, handler, logger, reg)

	return s, nil
}

func (s *Service) openRepository(ctx context.Context) (escalation.Repository, *redis.Client, error) {
	switch s.config.StoreBackend {
	case "memory":
		s.logger.Warn("Using in-memory storage; data is lost on restart")
		return memstore.New(), nil, nil

	case "redis":
		redisConfig := redisClient.DefaultConnectionConfig()
		redisConfig.URL = s.config.RedisURL

		client, err := redisClient.NewClient(redisConfig, s.logger)
		if err != nil {
			return nil, nil, err
		}
		s.closers = append(s.closers, client.Close)
		rdb := client.GetRedisClient()
		return redisClient.NewRepository(rdb, s.logger), rdb, nil

	case "postgres":
		db, err := postgres.Open(ctx, s.config.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		s.closers = append(s.closers, db.Close)

		repo := postgres.NewRepository(db, s.logger)
		if err := repo.Migrate(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		return repo, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", s.config.StoreBackend)
	}
}

// buildNotifier selects the delivery chain for NOTIFY_MODE. In stream mode
// the engine only enqueues; the dispatcher delivers through the log or
// mail chain.
func (s *Service) buildNotifier(rdb *redis.Client) (notify.Notifier, error) {
	switch s.config.NotifyMode {
	case "log":
		return notify.NewLogNotifier(s.logger), nil

	case "mail":
		return s.mailNotifier()

	case "stream":
		if rdb == nil {
			return nil, fmt.Errorf("notify mode %q requires the redis store backend", s.config.NotifyMode)
		}

		var delivery notify.Notifier = notify.NewLogNotifier(s.logger)
		if s.config.MailEnabled() {
			mail, err := s.mailNotifier()
			if err != nil {
				return nil, err
			}
			delivery = mail
		}

		s.dispatcher = notify.NewDispatcher(rdb, constants.NotificationsStream, s.config.ConsumerGroupName,
			s.config.PodID, delivery, s.logger, s.metrics)
		return notify.NewStreamNotifier(rdb, constants.NotificationsStream, s.logger), nil

	default:
		return nil, fmt.Errorf("unknown notify mode %q", s.config.NotifyMode)
	}
}

func (s *Service) mailNotifier() (notify.Notifier, error) {
	alerter, err := notify.NewMailAlerter(s.config.Mail, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure mail alerts: %w", err)
	}
	return notify.Compose(alerter, notify.NewLogNotifier(s.logger)), nil
}

func (s *Service) Start(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"store_backend": s.config.StoreBackend,
		"notify_mode":   s.config.NotifyMode,
	}).Info("Starting escalation service")

	if s.election != nil {
		if err := s.election.Start(ctx); err != nil {
			return fmt.Errorf("failed to start leader election: %w", err)
		}
	}

	if s.dispatcher != nil {
		if err := s.dispatcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start notification dispatcher: %w", err)
		}
	}

	s.sweeper.Start(ctx)

	go func() {
		s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	s.logger.WithField("pod_id", s.config.PodID).Info("Escalation service started successfully")
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping escalation service")

	s.sweeper.Stop()
	if s.dispatcher != nil {
		s.dispatcher.Stop()
	}
	if s.election != nil {
		s.election.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var shutdownErr error
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Error("Failed to shutdown HTTP server gracefully")
		shutdownErr = err
	}

	s.Close()
	s.logger.Info("Escalation service stopped")
	return shutdownErr
}

// Close releases storage connections. Stop calls it.
func (s *Service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.WithError(err).Warn("Failed to close connection")
		}
	}
	s.closers = nil
}

// IsLeader reports whether this process currently runs the sweeper
func (s *Service) IsLeader() bool {
	if s.election == nil {
		return true
	}
	return s.election.IsLeader()
}

func (s *Service) Engine() *escalation.Engine {
	return s.engine
}

func (s *Service) Sweeper() *escalation.Sweeper {
	return s.sweeper
}
