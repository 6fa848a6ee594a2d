// Package escalation owns the help request lifecycle: opening escalations,
// resolving or expiring them through conditional updates, and firing the
// learn/notify side effects that follow a committed transition.
package escalation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"escalation-service/pkg/constants"
	"escalation-service/pkg/metrics"
	"escalation-service/pkg/models"
)

type Engine struct {
	repo              Repository
	notifier          Notifier
	learner           *Learner
	logger            *logrus.Logger
	metrics           *metrics.Metrics
	now               func() time.Time
	newID             func() string
	defaultSupervisor string
}

type Option func(*Engine)

// WithClock overrides the time source used for CreatedAt and ResolvedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides the id source for customers and help requests.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithDefaultSupervisor sets the supervisor id recorded when a resolution names none.
func WithDefaultSupervisor(id string) Option {
	return func(e *Engine) {
		if id != "" {
			e.defaultSupervisor = id
		}
	}
}

func NewEngine(repo Repository, notifier Notifier, learner *Learner, logger *logrus.Logger, metrics *metrics.Metrics, opts ...Option) *Engine {
	e := &Engine{
		repo:              repo,
		notifier:          notifier,
		learner:           learner,
		logger:            logger,
		metrics:           metrics,
		now:               time.Now,
		newID:             func() string { return uuid.New().String() },
		defaultSupervisor: constants.DefaultSupervisorID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateRequest opens a PENDING escalation for the customer's question and
// alerts a supervisor. Alert failures are logged and do not fail the call.
func (e *Engine) CreateRequest(ctx context.Context, customerPhone, question string) (*models.HelpRequest, error) {
	const op = "create_request"

	if guard := CanCreateRequest(customerPhone, question); !guard.Allowed {
		return nil, validationError(op, guard.Reason)
	}
	customerPhone = strings.TrimSpace(customerPhone)
	question = strings.TrimSpace(question)

	customer, err := e.findOrCreateCustomer(ctx, customerPhone)
	if err != nil {
		return nil, repositoryError(op, err)
	}

	req := models.HelpRequest{
		ID:               e.newID(),
		CustomerID:       customer.ID,
		CustomerPhone:    customerPhone,
		OriginalQuestion: question,
		Status:           models.StatusPending,
		CreatedAt:        e.now(),
	}

	done := e.observe("create_help_request")
	err = e.repo.CreateHelpRequest(ctx, req)
	done()
	if err != nil {
		return nil, repositoryError(op, err)
	}

	e.metrics.HelpRequestsCreated.Inc()
	e.logger.WithFields(logrus.Fields{
		"request_id":     req.ID,
		"customer_phone": customerPhone,
	}).Info("Received new help request")

	if err := e.notifier.AlertSupervisor(ctx, question, customerPhone); err != nil {
		e.reportNotifierFailure(op, "supervisor_alert", req.ID, err)
	} else {
		e.metrics.NotificationsSent.WithLabelValues("supervisor_alert", "success").Inc()
	}

	return &req, nil
}

func (e *Engine) findOrCreateCustomer(ctx context.Context, phone string) (*models.Customer, error) {
	done := e.observe("find_customer")
	customer, err := e.repo.FindCustomerByPhone(ctx, phone)
	done()
	if err == nil {
		return customer, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	done = e.observe("upsert_customer")
	defer done()
	return e.repo.UpsertCustomer(ctx, models.Customer{
		ID:        e.newID(),
		Phone:     phone,
		CreatedAt: e.now(),
	})
}

// ResolveRequest records the supervisor's answer on a PENDING request, then
// learns the fact and texts the customer, in that order. Neither side effect
// can undo the resolution.
func (e *Engine) ResolveRequest(ctx context.Context, requestID, answer, supervisorID string) (*models.HelpRequest, error) {
	const op = "resolve_request"

	if strings.TrimSpace(requestID) == "" {
		return nil, validationError(op, "request id is required")
	}
	if strings.TrimSpace(answer) == "" {
		return nil, validationError(op, "answer is required")
	}
	if strings.TrimSpace(supervisorID) == "" {
		supervisorID = e.defaultSupervisor
	}

	updated, err := e.transition(ctx, op, requestID, models.Transition{
		From:             models.StatusPending,
		To:               models.StatusResolved,
		SupervisorAnswer: answer,
		SupervisorID:     supervisorID,
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"request_id":    requestID,
		"supervisor_id": supervisorID,
	}).Info("Help request resolved")

	if err := e.learner.LearnFact(ctx, updated.OriginalQuestion, answer, updated.ID); err != nil {
		e.logger.WithError(err).WithField("request_id", updated.ID).Warn("Failed to learn fact from resolution")
	}

	if err := e.notifier.TextCustomer(ctx, updated.CustomerPhone, updated.OriginalQuestion, answer); err != nil {
		e.reportNotifierFailure(op, "customer_text", updated.ID, err)
	} else {
		e.metrics.NotificationsSent.WithLabelValues("customer_text", "success").Inc()
	}

	return updated, nil
}

// ExpireRequest marks a single PENDING request UNRESOLVED without waiting for
// the sweep. No notifications are sent.
func (e *Engine) ExpireRequest(ctx context.Context, requestID string) (*models.HelpRequest, error) {
	const op = "expire_request"

	if strings.TrimSpace(requestID) == "" {
		return nil, validationError(op, "request id is required")
	}

	updated, err := e.transition(ctx, op, requestID, models.Transition{
		From: models.StatusPending,
		To:   models.StatusUnresolved,
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithField("request_id", requestID).Info("Help request expired manually")
	return updated, nil
}

func (e *Engine) transition(ctx context.Context, op, requestID string, t models.Transition) (*models.HelpRequest, error) {
	done := e.observe("get_help_request")
	current, err := e.repo.GetHelpRequest(ctx, requestID)
	done()
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, notFoundError(op, requestID)
		}
		return nil, repositoryError(op, err)
	}

	if guard := CanTransition(*current, t.To); !guard.Allowed {
		return nil, transitionError(op, guard.Reason)
	}

	t.ResolvedAt = e.now()
	done = e.observe("transition_help_request")
	applied, err := e.repo.TransitionHelpRequest(ctx, requestID, t)
	done()
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, notFoundError(op, requestID)
		}
		return nil, repositoryError(op, err)
	}
	if !applied {
		e.metrics.TransitionConflicts.WithLabelValues(op).Inc()
		return nil, transitionError(op, "help request "+requestID+" is no longer PENDING")
	}

	e.metrics.HelpRequestTransitions.WithLabelValues(string(t.To)).Inc()
	updated := current.Apply(t)
	return &updated, nil
}

// ExpireStaleRequests moves every PENDING request created strictly before
// now-timeout to UNRESOLVED and returns how many it changed. Requests that
// leave PENDING concurrently are skipped.
func (e *Engine) ExpireStaleRequests(ctx context.Context, now time.Time, timeout time.Duration) (int, error) {
	const op = "expire_stale_requests"

	if timeout < 0 {
		return 0, validationError(op, "timeout must not be negative")
	}
	cutoff := now.Add(-timeout)

	if bulk, ok := e.repo.(BulkExpirer); ok {
		done := e.observe("expire_pending_before")
		ids, err := bulk.ExpirePendingBefore(ctx, cutoff, now)
		done()
		if err != nil {
			return 0, repositoryError(op, err)
		}
		e.recordExpired(ids)
		return len(ids), nil
	}

	done := e.observe("find_pending_before")
	stale, err := e.repo.FindHelpRequestsByStatusBefore(ctx, models.StatusPending, cutoff)
	done()
	if err != nil {
		return 0, repositoryError(op, err)
	}

	var (
		expired []string
		errs    []error
	)
	for _, req := range stale {
		applied, err := e.repo.TransitionHelpRequest(ctx, req.ID, models.Transition{
			From:       models.StatusPending,
			To:         models.StatusUnresolved,
			ResolvedAt: now,
		})
		if err != nil {
			e.logger.WithError(err).WithField("request_id", req.ID).Error("Failed to expire help request")
			errs = append(errs, err)
			continue
		}
		if !applied {
			e.metrics.TransitionConflicts.WithLabelValues(op).Inc()
			continue
		}
		expired = append(expired, req.ID)
	}

	e.recordExpired(expired)
	if len(errs) > 0 {
		return len(expired), repositoryError(op, errors.Join(errs...))
	}
	return len(expired), nil
}

func (e *Engine) recordExpired(ids []string) {
	if len(ids) == 0 {
		return
	}
	e.metrics.HelpRequestTransitions.WithLabelValues(string(models.StatusUnresolved)).Add(float64(len(ids)))
	e.logger.WithFields(logrus.Fields{
		"expired_count": len(ids),
		"request_ids":   ids,
	}).Info("Help requests marked as UNRESOLVED")
}

// GetRequest returns a single help request by id.
func (e *Engine) GetRequest(ctx context.Context, requestID string) (*models.HelpRequest, error) {
	const op = "get_request"

	req, err := e.repo.GetHelpRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, notFoundError(op, requestID)
		}
		return nil, repositoryError(op, err)
	}
	return req, nil
}

// ListRequests returns requests in status: pending oldest first, terminal
// ones most recently closed first.
func (e *Engine) ListRequests(ctx context.Context, status models.Status, limit int) ([]models.HelpRequest, error) {
	const op = "list_requests"

	if !status.Valid() {
		return nil, validationError(op, "unknown status %q", status)
	}
	if limit <= 0 {
		return nil, validationError(op, "limit must be positive")
	}

	done := e.observe("list_help_requests")
	defer done()
	reqs, err := e.repo.ListHelpRequests(ctx, status, limit)
	if err != nil {
		return nil, repositoryError(op, err)
	}
	return reqs, nil
}

// CountPending reports the number of requests awaiting a supervisor.
func (e *Engine) CountPending(ctx context.Context) (int, error) {
	count, err := e.repo.CountHelpRequests(ctx, models.StatusPending)
	if err != nil {
		return 0, repositoryError("count_pending", err)
	}
	e.metrics.PendingRequestsCount.Set(float64(count))
	return count, nil
}

func (e *Engine) reportNotifierFailure(op, kind, requestID string, err error) {
	e.metrics.NotificationsSent.WithLabelValues(kind, "failure").Inc()
	e.logger.WithError(notifierError(op, err)).WithFields(logrus.Fields{
		"request_id": requestID,
		"kind":       kind,
	}).Warn("Notification failed")
}

func (e *Engine) observe(operation string) func() {
	start := time.Now()
	return func() {
		e.metrics.RepositoryOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}
