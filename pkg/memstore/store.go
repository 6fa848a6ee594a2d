// Package memstore is an in-process repository for single-instance
// deployments and tests. Each record carries its own mutex; there is no
// store-wide lock.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"escalation-service/pkg/models"
)

type requestSlot struct {
	mu  sync.Mutex
	req models.HelpRequest
}

type knowledgeSlot struct {
	mu    sync.Mutex
	entry models.KnowledgeEntry
}

type Store struct {
	customers sync.Map // phone -> models.Customer
	requests  sync.Map // id -> *requestSlot
	knowledge sync.Map // question key -> *knowledgeSlot
}

func New() *Store {
	return &Store{}
}

func (s *Store) FindCustomerByPhone(ctx context.Context, phone string) (*models.Customer, error) {
	v, ok := s.customers.Load(phone)
	if !ok {
		return nil, models.ErrNotFound
	}
	c := v.(models.Customer)
	return &c, nil
}

func (s *Store) UpsertCustomer(ctx context.Context, c models.Customer) (*models.Customer, error) {
	v, _ := s.customers.LoadOrStore(c.Phone, c)
	stored := v.(models.Customer)
	return &stored, nil
}

func (s *Store) CreateHelpRequest(ctx context.Context, req models.HelpRequest) error {
	if _, loaded := s.requests.LoadOrStore(req.ID, &requestSlot{req: req}); loaded {
		return &DuplicateError{ID: req.ID}
	}
	return nil
}

func (s *Store) GetHelpRequest(ctx context.Context, id string) (*models.HelpRequest, error) {
	slot, ok := s.slot(id)
	if !ok {
		return nil, models.ErrNotFound
	}
	slot.mu.Lock()
	req := slot.req
	slot.mu.Unlock()
	return &req, nil
}

func (s *Store) TransitionHelpRequest(ctx context.Context, id string, t models.Transition) (bool, error) {
	slot, ok := s.slot(id)
	if !ok {
		return false, models.ErrNotFound
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.req.Status != t.From {
		return false, nil
	}
	slot.req = slot.req.Apply(t)
	return true, nil
}

func (s *Store) FindHelpRequestsByStatusBefore(ctx context.Context, status models.Status, cutoff time.Time) ([]models.HelpRequest, error) {
	matched := s.collect(func(r models.HelpRequest) bool {
		return r.Status == status && r.CreatedAt.Before(cutoff)
	})
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched, nil
}

func (s *Store) ListHelpRequests(ctx context.Context, status models.Status, limit int) ([]models.HelpRequest, error) {
	matched := s.collect(func(r models.HelpRequest) bool { return r.Status == status })
	if status == models.StatusPending {
		sort.Slice(matched, func(i, j int) bool {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		})
	} else {
		sort.Slice(matched, func(i, j int) bool {
			return matched[i].ResolvedAt.After(*matched[j].ResolvedAt)
		})
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *Store) CountHelpRequests(ctx context.Context, status models.Status) (int, error) {
	return len(s.collect(func(r models.HelpRequest) bool { return r.Status == status })), nil
}

func (s *Store) UpsertKnowledgeEntry(ctx context.Context, e models.KnowledgeEntry) error {
	v, loaded := s.knowledge.LoadOrStore(e.QuestionKey, &knowledgeSlot{entry: e})
	if !loaded {
		return nil
	}
	slot := v.(*knowledgeSlot)
	slot.mu.Lock()
	e.CreatedAt = slot.entry.CreatedAt
	slot.entry = e
	slot.mu.Unlock()
	return nil
}

func (s *Store) FindKnowledgeExact(ctx context.Context, questionKey string) (*models.KnowledgeEntry, error) {
	v, ok := s.knowledge.Load(questionKey)
	if !ok {
		return nil, models.ErrNotFound
	}
	entry := v.(*knowledgeSlot).read()
	return &entry, nil
}

func (s *Store) FindKnowledgeContaining(ctx context.Context, fragment string) (*models.KnowledgeEntry, error) {
	var best *models.KnowledgeEntry
	s.knowledge.Range(func(_, v interface{}) bool {
		entry := v.(*knowledgeSlot).read()
		if !strings.Contains(entry.QuestionKey, fragment) {
			return true
		}
		if best == nil || newerEntry(entry, *best) {
			best = &entry
		}
		return true
	})
	if best == nil {
		return nil, models.ErrNotFound
	}
	return best, nil
}

func (s *Store) ListKnowledgeEntries(ctx context.Context, limit int) ([]models.KnowledgeEntry, error) {
	var entries []models.KnowledgeEntry
	s.knowledge.Range(func(_, v interface{}) bool {
		entries = append(entries, v.(*knowledgeSlot).read())
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return newerEntry(entries[i], entries[j]) })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *Store) slot(id string) (*requestSlot, bool) {
	v, ok := s.requests.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*requestSlot), true
}

func (s *Store) collect(keep func(models.HelpRequest) bool) []models.HelpRequest {
	var out []models.HelpRequest
	s.requests.Range(func(_, v interface{}) bool {
		slot := v.(*requestSlot)
		slot.mu.Lock()
		req := slot.req
		slot.mu.Unlock()
		if keep(req) {
			out = append(out, req)
		}
		return true
	})
	return out
}

func (k *knowledgeSlot) read() models.KnowledgeEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.entry
}

// newerEntry orders by UpdatedAt descending, then key ascending.
func newerEntry(a, b models.KnowledgeEntry) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.QuestionKey < b.QuestionKey
}

// DuplicateError is returned when a help request id is reused
type DuplicateError struct {
	ID string
}

func (e *DuplicateError) Error() string {
	return "help request " + e.ID + " already exists"
}
