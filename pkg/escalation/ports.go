package escalation

import (
	"context"
	"time"

	"escalation-service/pkg/models"
)

// Repository is the storage port for customers and help requests.
// Lookups of absent records return models.ErrNotFound.
type Repository interface {
	FindCustomerByPhone(ctx context.Context, phone string) (*models.Customer, error)
	// UpsertCustomer stores c unless a customer with the same phone exists,
	// and returns the stored record either way.
	UpsertCustomer(ctx context.Context, c models.Customer) (*models.Customer, error)

	CreateHelpRequest(ctx context.Context, req models.HelpRequest) error
	GetHelpRequest(ctx context.Context, id string) (*models.HelpRequest, error)
	// TransitionHelpRequest atomically applies t if the stored status is
	// still t.From. It reports false, without error, when the status differs.
	TransitionHelpRequest(ctx context.Context, id string, t models.Transition) (bool, error)
	// FindHelpRequestsByStatusBefore returns requests in status created
	// strictly before cutoff, oldest first.
	FindHelpRequestsByStatusBefore(ctx context.Context, status models.Status, cutoff time.Time) ([]models.HelpRequest, error)
	ListHelpRequests(ctx context.Context, status models.Status, limit int) ([]models.HelpRequest, error)
	CountHelpRequests(ctx context.Context, status models.Status) (int, error)

	KnowledgeStore
}

// KnowledgeStore is the storage port for learned facts, keyed by normalized question
type KnowledgeStore interface {
	// UpsertKnowledgeEntry inserts e or overwrites the entry with the same
	// QuestionKey, keeping its original CreatedAt.
	UpsertKnowledgeEntry(ctx context.Context, e models.KnowledgeEntry) error
	FindKnowledgeExact(ctx context.Context, questionKey string) (*models.KnowledgeEntry, error)
	// FindKnowledgeContaining returns the most recently updated entry whose
	// key contains fragment, ties broken by the smaller key.
	FindKnowledgeContaining(ctx context.Context, fragment string) (*models.KnowledgeEntry, error)
	ListKnowledgeEntries(ctx context.Context, limit int) ([]models.KnowledgeEntry, error)
}

// BulkExpirer is implemented by repositories that can expire every pending
// request created before cutoff in one atomic conditional update.
type BulkExpirer interface {
	ExpirePendingBefore(ctx context.Context, cutoff, resolvedAt time.Time) ([]string, error)
}

// Notifier delivers escalation messages. Implementations should respect
// context cancellation.
type Notifier interface {
	AlertSupervisor(ctx context.Context, question, customerPhone string) error
	TextCustomer(ctx context.Context, customerPhone, question, answer string) error
}
