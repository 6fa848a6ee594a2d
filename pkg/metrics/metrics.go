package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	PendingRequestsCount        prometheus.Gauge
	HelpRequestsCreated         prometheus.Counter
	HelpRequestTransitions      *prometheus.CounterVec
	TransitionConflicts         *prometheus.CounterVec
	SweepDuration               prometheus.Histogram
	RepositoryOperationDuration *prometheus.HistogramVec
	NotificationsSent           *prometheus.CounterVec
	KnowledgeLookups            *prometheus.CounterVec
	KnowledgeEntriesLearned     *prometheus.CounterVec
	LeaderChanges               prometheus.Counter
	LeaderElectionDuration      prometheus.Histogram
	StreamMessagesProcessed     *prometheus.CounterVec
}

// NewMetrics registers the service collectors on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PendingRequestsCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "escalation_pending_requests_count",
			Help: "Pending help requests seen by the last sweep",
		}),
		HelpRequestsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "escalation_help_requests_created_total",
			Help: "Total number of help requests created",
		}),
		HelpRequestTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escalation_help_request_transitions_total",
			Help: "Total number of committed help request transitions",
		}, []string{"to"}),
		TransitionConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escalation_transition_conflicts_total",
			Help: "Conditional updates rejected because the request had already left PENDING",
		}, []string{"operation"}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "escalation_sweep_duration_seconds",
			Help:    "Time taken to expire stale requests",
			Buckets: prometheus.DefBuckets,
		}),
		RepositoryOperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escalation_repository_operation_duration_seconds",
			Help:    "Time taken for repository operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		NotificationsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escalation_notifications_total",
			Help: "Notification attempts by kind and outcome",
		}, []string{"kind", "status"}),
		KnowledgeLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escalation_knowledge_lookups_total",
			Help: "Knowledge base lookups by match outcome",
		}, []string{"match"}),
		KnowledgeEntriesLearned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escalation_knowledge_learned_total",
			Help: "Knowledge upserts triggered by resolutions",
		}, []string{"status"}),
		LeaderChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "escalation_leader_changes_total",
			Help: "Total number of leader changes",
		}),
		LeaderElectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "escalation_leader_election_duration_seconds",
			Help:    "Time taken for leader election operations",
			Buckets: prometheus.DefBuckets,
		}),
		StreamMessagesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "escalation_stream_messages_processed_total",
			Help: "Total number of notification stream messages processed",
		}, []string{"status"}),
	}
}
