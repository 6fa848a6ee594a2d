package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"escalation-service/pkg/models"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS customers (
	id TEXT PRIMARY KEY,
	phone_number TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS help_requests (
	id TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL REFERENCES customers(id),
	customer_phone TEXT NOT NULL,
	original_question TEXT NOT NULL,
	status TEXT NOT NULL,
	supervisor_answer TEXT NOT NULL DEFAULT '',
	supervisor_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS help_requests_status_created_at_idx ON help_requests (status, created_at);

CREATE TABLE IF NOT EXISTS knowledge_entries (
	question_key TEXT PRIMARY KEY,
	question_text TEXT NOT NULL,
	answer_text TEXT NOT NULL,
	source_request_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`

const requestColumns = "id, customer_id, customer_phone, original_question, status, supervisor_answer, supervisor_id, created_at, resolved_at"

const knowledgeColumns = "question_key, question_text, answer_text, source_request_id, created_at, updated_at"

// Repository stores customers, help requests and knowledge in PostgreSQL.
type Repository struct {
	db     *sql.DB
	logger *logrus.Logger
}

func NewRepository(db *sql.DB, logger *logrus.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// Migrate creates the tables if they do not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	r.logger.Info("Database schema verified")
	return nil
}

func (r *Repository) FindCustomerByPhone(ctx context.Context, phone string) (*models.Customer, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT id, phone_number, created_at FROM customers WHERE phone_number = $1", phone)

	var c models.Customer
	err := row.Scan(&c.ID, &c.Phone, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	return &c, nil
}

func (r *Repository) UpsertCustomer(ctx context.Context, c models.Customer) (*models.Customer, error) {
	// The no-op update makes RETURNING yield the existing row on conflict.
	query := `
		INSERT INTO customers (id, phone_number, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (phone_number) DO UPDATE SET phone_number = EXCLUDED.phone_number
		RETURNING id, phone_number, created_at`

	var stored models.Customer
	err := r.db.QueryRowContext(ctx, query, c.ID, c.Phone, c.CreatedAt).
		Scan(&stored.ID, &stored.Phone, &stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert customer: %w", err)
	}
	return &stored, nil
}

func (r *Repository) CreateHelpRequest(ctx context.Context, req models.HelpRequest) error {
	query := `
		INSERT INTO help_requests (` + requestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.ExecContext(ctx, query,
		req.ID, req.CustomerID, req.CustomerPhone, req.OriginalQuestion, string(req.Status),
		req.SupervisorAnswer, req.SupervisorID, req.CreatedAt, nullTime(req.ResolvedAt))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("help request %s already exists: %w", req.ID, err)
		}
		return fmt.Errorf("failed to create help request: %w", err)
	}
	return nil
}

func (r *Repository) GetHelpRequest(ctx context.Context, id string) (*models.HelpRequest, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+requestColumns+" FROM help_requests WHERE id = $1", id)

	req, err := scanHelpRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get help request: %w", err)
	}
	return req, nil
}

func (r *Repository) TransitionHelpRequest(ctx context.Context, id string, t models.Transition) (bool, error) {
	query := `
		UPDATE help_requests
		SET status = $1, supervisor_answer = $2, supervisor_id = $3, resolved_at = $4
		WHERE id = $5 AND status = $6`

	res, err := r.db.ExecContext(ctx, query,
		string(t.To), t.SupervisorAnswer, t.SupervisorID, t.ResolvedAt, id, string(t.From))
	if err != nil {
		return false, fmt.Errorf("failed to transition help request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read transition result: %w", err)
	}
	if affected == 1 {
		return true, nil
	}

	// Nothing matched: either the request is gone or its status moved on.
	var exists bool
	err = r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM help_requests WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check help request: %w", err)
	}
	if !exists {
		return false, models.ErrNotFound
	}

	r.logger.WithFields(logrus.Fields{
		"request_id": id,
		"expected":   t.From,
	}).Debug("Conditional transition rejected")
	return false, nil
}

// ExpirePendingBefore marks every pending request created before cutoff as
// unresolved in one statement and returns their ids.
func (r *Repository) ExpirePendingBefore(ctx context.Context, cutoff, resolvedAt time.Time) ([]string, error) {
	query := `
		UPDATE help_requests
		SET status = $1, resolved_at = $2
		WHERE status = $3 AND created_at < $4
		RETURNING id`

	rows, err := r.db.QueryContext(ctx, query,
		string(models.StatusUnresolved), resolvedAt, string(models.StatusPending), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to expire pending requests: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to expire pending requests: %w", err)
	}
	return ids, nil
}

func (r *Repository) FindHelpRequestsByStatusBefore(ctx context.Context, status models.Status, cutoff time.Time) ([]models.HelpRequest, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+requestColumns+" FROM help_requests WHERE status = $1 AND created_at < $2 ORDER BY created_at ASC, id ASC",
		string(status), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s requests: %w", status, err)
	}
	return collectHelpRequests(rows)
}

func (r *Repository) ListHelpRequests(ctx context.Context, status models.Status, limit int) ([]models.HelpRequest, error) {
	order := "resolved_at DESC, id ASC"
	if status == models.StatusPending {
		order = "created_at ASC, id ASC"
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT "+requestColumns+" FROM help_requests WHERE status = $1 ORDER BY "+order+" LIMIT $2",
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s requests: %w", status, err)
	}
	return collectHelpRequests(rows)
}

func (r *Repository) CountHelpRequests(ctx context.Context, status models.Status) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM help_requests WHERE status = $1", string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s requests: %w", status, err)
	}
	return count, nil
}

func (r *Repository) UpsertKnowledgeEntry(ctx context.Context, e models.KnowledgeEntry) error {
	query := `
		INSERT INTO knowledge_entries (` + knowledgeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (question_key) DO UPDATE SET
			question_text = EXCLUDED.question_text,
			answer_text = EXCLUDED.answer_text,
			source_request_id = EXCLUDED.source_request_id,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		e.QuestionKey, e.QuestionText, e.AnswerText, e.SourceRequestID, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert knowledge entry: %w", err)
	}
	return nil
}

func (r *Repository) FindKnowledgeExact(ctx context.Context, questionKey string) (*models.KnowledgeEntry, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+knowledgeColumns+" FROM knowledge_entries WHERE question_key = $1", questionKey)
	return r.scanKnowledge(row)
}

func (r *Repository) FindKnowledgeContaining(ctx context.Context, fragment string) (*models.KnowledgeEntry, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+knowledgeColumns+" FROM knowledge_entries WHERE strpos(question_key, $1) > 0 ORDER BY updated_at DESC, question_key ASC LIMIT 1",
		fragment)
	return r.scanKnowledge(row)
}

func (r *Repository) ListKnowledgeEntries(ctx context.Context, limit int) ([]models.KnowledgeEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+knowledgeColumns+" FROM knowledge_entries ORDER BY updated_at DESC, question_key ASC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge entries: %w", err)
	}
	defer rows.Close()

	var entries []models.KnowledgeEntry
	for rows.Next() {
		var e models.KnowledgeEntry
		if err := rows.Scan(&e.QuestionKey, &e.QuestionText, &e.AnswerText, &e.SourceRequestID, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list knowledge entries: %w", err)
	}
	return entries, nil
}

func (r *Repository) scanKnowledge(row *sql.Row) (*models.KnowledgeEntry, error) {
	var e models.KnowledgeEntry
	err := row.Scan(&e.QuestionKey, &e.QuestionText, &e.AnswerText, &e.SourceRequestID, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get knowledge entry: %w", err)
	}
	return &e, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanHelpRequest(s scanner) (*models.HelpRequest, error) {
	var (
		req        models.HelpRequest
		status     string
		resolvedAt sql.NullTime
	)
	err := s.Scan(&req.ID, &req.CustomerID, &req.CustomerPhone, &req.OriginalQuestion, &status,
		&req.SupervisorAnswer, &req.SupervisorID, &req.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	req.Status = models.Status(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		req.ResolvedAt = &t
	}
	return &req, nil
}

func collectHelpRequests(rows *sql.Rows) ([]models.HelpRequest, error) {
	defer rows.Close()

	var reqs []models.HelpRequest
	for rows.Next() {
		req, err := scanHelpRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan help request: %w", err)
		}
		reqs = append(reqs, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read help requests: %w", err)
	}
	return reqs, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
