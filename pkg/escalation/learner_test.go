package escalation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escalation-service/pkg/constants"
	"escalation-service/pkg/memstore"
	"escalation-service/pkg/metrics"
	"escalation-service/pkg/models"
)

func TestNormalizeQuestion(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "What are your hours?", want: "what are your hours?"},
		{in: "  WHAT are\tyour   hours?\n", want: "what are your hours?"},
		{in: "ÉCOLE", want: "école"},
		{in: "   ", want: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeQuestion(tt.in), tt.in)
	}
}

func TestLearner_FindAnswer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.learner.LearnFact(ctx, "What are your hours?", "9am to 5pm", "req_1"))

	for _, q := range []string{"What are your hours?", "what are your hours?", "  WHAT ARE YOUR HOURS?  "} {
		answer, err := h.learner.FindAnswer(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, "9am to 5pm", answer, q)
	}

	answer, err := h.learner.FindAnswer(ctx, "completely unrelated query")
	require.NoError(t, err)
	assert.Equal(t, constants.NotFoundAnswer, answer)

	answer, err = h.learner.FindAnswer(ctx, "   ")
	require.NoError(t, err)
	assert.Equal(t, constants.NotFoundAnswer, answer)
}

func TestLearner_LookupFallsBackToContainment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.learner.LearnFact(ctx, "Do you take walk-ins on Sundays?", "Only before noon", "req_1"))

	entry, match, err := h.learner.Lookup(ctx, "walk-ins")
	require.NoError(t, err)
	assert.Equal(t, MatchFuzzy, match)
	assert.Equal(t, "Only before noon", entry.AnswerText)

	entry, match, err = h.learner.Lookup(ctx, "do you take walk-ins on sundays?")
	require.NoError(t, err)
	assert.Equal(t, MatchExact, match)
	assert.Equal(t, "req_1", entry.SourceRequestID)

	entry, match, err = h.learner.Lookup(ctx, "refund policy")
	require.NoError(t, err)
	assert.Equal(t, MatchNone, match)
	assert.Nil(t, entry)
}

func TestLearner_FuzzyTieBreakPrefersMostRecent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.learner.LearnFact(ctx, "Is parking free on weekdays?", "No", "req_1"))
	h.clock.Advance(time.Minute)
	require.NoError(t, h.learner.LearnFact(ctx, "Is parking free on weekends?", "Yes", "req_2"))

	answer, err := h.learner.FindAnswer(ctx, "parking free")
	require.NoError(t, err)
	assert.Equal(t, "Yes", answer)

	h.clock.Advance(time.Minute)
	require.NoError(t, h.learner.LearnFact(ctx, "is parking free on WEEKDAYS?", "Only after 6pm", "req_3"))

	answer, err = h.learner.FindAnswer(ctx, "parking free")
	require.NoError(t, err)
	assert.Equal(t, "Only after 6pm", answer)
}

func TestLearner_LearnFactValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.learner.LearnFact(ctx, "  ", "answer", "req"), ErrValidation)
	assert.ErrorIs(t, h.learner.LearnFact(ctx, "question", "", "req"), ErrValidation)

	entries, err := h.learner.ListKnowledge(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = h.learner.ListKnowledge(ctx, 0)
	assert.ErrorIs(t, err, ErrValidation)
}

type failingKnowledgeStore struct {
	*memstore.Store
	err error
}

func (s failingKnowledgeStore) FindKnowledgeExact(ctx context.Context, key string) (*models.KnowledgeEntry, error) {
	return nil, s.err
}

func (s failingKnowledgeStore) UpsertKnowledgeEntry(ctx context.Context, e models.KnowledgeEntry) error {
	return s.err
}

func TestLearner_RepositoryFailures(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	store := failingKnowledgeStore{Store: memstore.New(), err: errors.New("connection reset")}
	learner := NewLearner(store, logger, metrics.NewMetrics(prometheus.NewRegistry()))

	_, err := learner.FindAnswer(context.Background(), "hours?")
	assert.ErrorIs(t, err, ErrRepository)

	err = learner.LearnFact(context.Background(), "hours?", "9-5", "req")
	assert.ErrorIs(t, err, ErrRepository)
	assert.Contains(t, err.Error(), "connection reset")
}
