package escalation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"

	"escalation-service/pkg/constants"
	"escalation-service/pkg/metrics"
	"escalation-service/pkg/models"
)

// MatchKind reports how a knowledge lookup was satisfied
type MatchKind string

const (
	MatchExact MatchKind = "exact"
	MatchFuzzy MatchKind = "fuzzy"
	MatchNone  MatchKind = "none"
)

// NormalizeQuestion folds case and collapses whitespace so that variants of
// the same question share one knowledge key.
func NormalizeQuestion(question string) string {
	return strings.Join(strings.Fields(cases.Fold().String(question)), " ")
}

// Learner is the only writer of knowledge entries.
type Learner struct {
	store   KnowledgeStore
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewLearner(store KnowledgeStore, logger *logrus.Logger, metrics *metrics.Metrics) *Learner {
	return &Learner{
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// LearnFact upserts the answer for question. A later resolution of the same
// normalized question overwrites the answer and source request.
func (l *Learner) LearnFact(ctx context.Context, question, answer, sourceRequestID string) error {
	const op = "learn_fact"

	key := NormalizeQuestion(question)
	if key == "" {
		return validationError(op, "question is required")
	}
	if strings.TrimSpace(answer) == "" {
		return validationError(op, "answer is required")
	}

	now := l.now()
	err := l.store.UpsertKnowledgeEntry(ctx, models.KnowledgeEntry{
		QuestionKey:     key,
		QuestionText:    strings.TrimSpace(question),
		AnswerText:      answer,
		SourceRequestID: sourceRequestID,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		l.metrics.KnowledgeEntriesLearned.WithLabelValues("failure").Inc()
		return repositoryError(op, err)
	}

	l.metrics.KnowledgeEntriesLearned.WithLabelValues("success").Inc()
	l.logger.WithFields(logrus.Fields{
		"question_key":      key,
		"source_request_id": sourceRequestID,
	}).Info("Learned new fact")
	return nil
}

// Lookup tries an exact match on the normalized question, then falls back
// to the most recently updated entry whose key contains it.
func (l *Learner) Lookup(ctx context.Context, question string) (*models.KnowledgeEntry, MatchKind, error) {
	const op = "find_answer"

	key := NormalizeQuestion(question)
	if key == "" {
		l.metrics.KnowledgeLookups.WithLabelValues(string(MatchNone)).Inc()
		return nil, MatchNone, nil
	}

	entry, err := l.store.FindKnowledgeExact(ctx, key)
	switch {
	case err == nil:
		l.metrics.KnowledgeLookups.WithLabelValues(string(MatchExact)).Inc()
		return entry, MatchExact, nil
	case !errors.Is(err, models.ErrNotFound):
		return nil, MatchNone, repositoryError(op, err)
	}

	l.logger.WithField("question_key", key).Debug("Exact match failed, trying broader search")

	entry, err = l.store.FindKnowledgeContaining(ctx, key)
	switch {
	case err == nil:
		l.metrics.KnowledgeLookups.WithLabelValues(string(MatchFuzzy)).Inc()
		return entry, MatchFuzzy, nil
	case !errors.Is(err, models.ErrNotFound):
		return nil, MatchNone, repositoryError(op, err)
	}

	l.metrics.KnowledgeLookups.WithLabelValues(string(MatchNone)).Inc()
	return nil, MatchNone, nil
}

// FindAnswer returns the learned answer for question or constants.NotFoundAnswer.
func (l *Learner) FindAnswer(ctx context.Context, question string) (string, error) {
	entry, _, err := l.Lookup(ctx, question)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return constants.NotFoundAnswer, nil
	}
	return entry.AnswerText, nil
}

// ListKnowledge returns learned entries, most recently updated first.
func (l *Learner) ListKnowledge(ctx context.Context, limit int) ([]models.KnowledgeEntry, error) {
	if limit <= 0 {
		return nil, validationError("list_knowledge", "limit must be positive")
	}
	entries, err := l.store.ListKnowledgeEntries(ctx, limit)
	if err != nil {
		return nil, repositoryError("list_knowledge", err)
	}
	return entries, nil
}
