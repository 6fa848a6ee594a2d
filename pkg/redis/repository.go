package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"escalation-service/pkg/constants"
	"escalation-service/pkg/models"
)

// Each help request is a hash; one sorted set per status indexes ids.
// PENDING is scored by created_at, terminal statuses by resolved_at, all in
// unix milliseconds.

var upsertCustomerScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 0 then
		redis.call("HSET", KEYS[1], "id", ARGV[1], "phone_number", ARGV[2], "created_at", ARGV[3])
		return 1
	end
	return 0
`)

var transitionScript = redis.NewScript(`
	local status = redis.call("HGET", KEYS[1], "status")
	if not status then
		return -1
	end
	if status ~= ARGV[1] then
		return 0
	end
	redis.call("HSET", KEYS[1], "status", ARGV[2], "supervisor_answer", ARGV[3], "supervisor_id", ARGV[4], "resolved_at", ARGV[5])
	redis.call("ZREM", KEYS[2], ARGV[6])
	redis.call("ZADD", KEYS[3], ARGV[5], ARGV[6])
	return 1
`)

var expirePendingScript = redis.NewScript(`
	local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
	local expired = {}
	for _, id in ipairs(ids) do
		local key = ARGV[3] .. id
		if redis.call("HGET", key, "status") == "PENDING" then
			redis.call("HSET", key, "status", "UNRESOLVED", "resolved_at", ARGV[2])
			redis.call("ZADD", KEYS[2], ARGV[2], id)
			table.insert(expired, id)
		end
		redis.call("ZREM", KEYS[1], id)
	end
	return expired
`)

var upsertKnowledgeScript = redis.NewScript(`
	redis.call("HSETNX", KEYS[1], "created_at", ARGV[5])
	redis.call("HSET", KEYS[1], "question_key", ARGV[1], "question_text", ARGV[2], "answer_text", ARGV[3], "source_request_id", ARGV[4], "updated_at", ARGV[6])
	redis.call("ZADD", KEYS[2], ARGV[6], ARGV[1])
	return 1
`)

type Repository struct {
	rdb    *redis.Client
	logger *logrus.Logger
}

func NewRepository(rdb *redis.Client, logger *logrus.Logger) *Repository {
	return &Repository{
		rdb:    rdb,
		logger: logger,
	}
}

func customerKey(phone string) string { return constants.CustomerKeyPrefix + phone }
func requestKey(id string) string     { return constants.RequestKeyPrefix + id }
func knowledgeKey(key string) string  { return constants.KnowledgeKeyPrefix + key }

func statusIndexKey(status models.Status) string {
	switch status {
	case models.StatusResolved:
		return constants.ResolvedRequestsKey
	case models.StatusUnresolved:
		return constants.UnresolvedRequestsKey
	default:
		return constants.PendingRequestsKey
	}
}

func (r *Repository) FindCustomerByPhone(ctx context.Context, phone string) (*models.Customer, error) {
	fields, err := r.rdb.HGetAll(ctx, customerKey(phone)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	if len(fields) == 0 {
		return nil, models.ErrNotFound
	}
	return decodeCustomer(fields)
}

func (r *Repository) UpsertCustomer(ctx context.Context, c models.Customer) (*models.Customer, error) {
	created, err := upsertCustomerScript.Run(ctx, r.rdb, []string{customerKey(c.Phone)},
		c.ID, c.Phone, c.CreatedAt.UnixMilli()).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to upsert customer: %w", err)
	}
	if created == 1 {
		r.logger.WithField("customer_id", c.ID).Debug("Created customer")
	}
	return r.FindCustomerByPhone(ctx, c.Phone)
}

func (r *Repository) CreateHelpRequest(ctx context.Context, req models.HelpRequest) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, requestKey(req.ID), encodeHelpRequest(req))
		pipe.ZAdd(ctx, statusIndexKey(req.Status), &redis.Z{
			Score:  float64(req.CreatedAt.UnixMilli()),
			Member: req.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create help request: %w", err)
	}

	r.logger.WithField("request_id", req.ID).Debug("Stored help request")
	return nil
}

func (r *Repository) GetHelpRequest(ctx context.Context, id string) (*models.HelpRequest, error) {
	fields, err := r.rdb.HGetAll(ctx, requestKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get help request: %w", err)
	}
	if len(fields) == 0 {
		return nil, models.ErrNotFound
	}
	return decodeHelpRequest(fields)
}

func (r *Repository) TransitionHelpRequest(ctx context.Context, id string, t models.Transition) (bool, error) {
	result, err := transitionScript.Run(ctx, r.rdb,
		[]string{requestKey(id), statusIndexKey(t.From), statusIndexKey(t.To)},
		string(t.From), string(t.To), t.SupervisorAnswer, t.SupervisorID, t.ResolvedAt.UnixMilli(), id,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to transition help request: %w", err)
	}

	switch result {
	case -1:
		return false, models.ErrNotFound
	case 0:
		r.logger.WithFields(logrus.Fields{
			"request_id": id,
			"expected":   t.From,
		}).Debug("Conditional transition rejected")
		return false, nil
	default:
		return true, nil
	}
}

// ExpirePendingBefore expires every pending request created before cutoff in
// a single script, so no request can be resolved in between.
func (r *Repository) ExpirePendingBefore(ctx context.Context, cutoff, resolvedAt time.Time) ([]string, error) {
	result, err := expirePendingScript.Run(ctx, r.rdb,
		[]string{constants.PendingRequestsKey, constants.UnresolvedRequestsKey},
		cutoff.UnixMilli(), resolvedAt.UnixMilli(), constants.RequestKeyPrefix,
	).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to expire pending requests: %w", err)
	}
	return result, nil
}

func (r *Repository) FindHelpRequestsByStatusBefore(ctx context.Context, status models.Status, cutoff time.Time) ([]models.HelpRequest, error) {
	if status == models.StatusPending {
		ids, err := r.rdb.ZRangeByScore(ctx, constants.PendingRequestsKey, &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending requests: %w", err)
		}
		return r.loadHelpRequests(ctx, ids)
	}

	ids, err := r.rdb.ZRange(ctx, statusIndexKey(status), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s requests: %w", status, err)
	}
	all, err := r.loadHelpRequests(ctx, ids)
	if err != nil {
		return nil, err
	}

	cutoffMS := cutoff.UnixMilli()
	var matched []models.HelpRequest
	for _, req := range all {
		if req.CreatedAt.UnixMilli() < cutoffMS {
			matched = append(matched, req)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched, nil
}

func (r *Repository) ListHelpRequests(ctx context.Context, status models.Status, limit int) ([]models.HelpRequest, error) {
	var (
		ids []string
		err error
	)
	if status == models.StatusPending {
		ids, err = r.rdb.ZRange(ctx, statusIndexKey(status), 0, int64(limit-1)).Result()
	} else {
		ids, err = r.rdb.ZRevRange(ctx, statusIndexKey(status), 0, int64(limit-1)).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s requests: %w", status, err)
	}
	return r.loadHelpRequests(ctx, ids)
}

func (r *Repository) CountHelpRequests(ctx context.Context, status models.Status) (int, error) {
	count, err := r.rdb.ZCard(ctx, statusIndexKey(status)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count %s requests: %w", status, err)
	}
	return int(count), nil
}

func (r *Repository) loadHelpRequests(ctx context.Context, ids []string) ([]models.HelpRequest, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringStringMapCmd, len(ids))
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, requestKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load help requests: %w", err)
	}

	reqs := make([]models.HelpRequest, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			r.logger.WithField("request_id", ids[i]).Warn("Index references missing help request")
			continue
		}
		req, err := decodeHelpRequest(fields)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *req)
	}
	return reqs, nil
}

func (r *Repository) UpsertKnowledgeEntry(ctx context.Context, e models.KnowledgeEntry) error {
	err := upsertKnowledgeScript.Run(ctx, r.rdb,
		[]string{knowledgeKey(e.QuestionKey), constants.KnowledgeIndexKey},
		e.QuestionKey, e.QuestionText, e.AnswerText, e.SourceRequestID, e.CreatedAt.UnixMilli(), e.UpdatedAt.UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to upsert knowledge entry: %w", err)
	}
	return nil
}

func (r *Repository) FindKnowledgeExact(ctx context.Context, questionKey string) (*models.KnowledgeEntry, error) {
	fields, err := r.rdb.HGetAll(ctx, knowledgeKey(questionKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get knowledge entry: %w", err)
	}
	if len(fields) == 0 {
		return nil, models.ErrNotFound
	}
	return decodeKnowledgeEntry(fields)
}

func (r *Repository) FindKnowledgeContaining(ctx context.Context, fragment string) (*models.KnowledgeEntry, error) {
	index, err := r.rdb.ZRangeWithScores(ctx, constants.KnowledgeIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan knowledge index: %w", err)
	}

	var best *redis.Z
	for i := range index {
		key := index[i].Member.(string)
		if !strings.Contains(key, fragment) {
			continue
		}
		if best == nil || index[i].Score > best.Score ||
			(index[i].Score == best.Score && key < best.Member.(string)) {
			best = &index[i]
		}
	}
	if best == nil {
		return nil, models.ErrNotFound
	}
	return r.FindKnowledgeExact(ctx, best.Member.(string))
}

func (r *Repository) ListKnowledgeEntries(ctx context.Context, limit int) ([]models.KnowledgeEntry, error) {
	keys, err := r.rdb.ZRevRange(ctx, constants.KnowledgeIndexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge entries: %w", err)
	}

	entries := make([]models.KnowledgeEntry, 0, len(keys))
	for _, key := range keys {
		entry, err := r.FindKnowledgeExact(ctx, key)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

func encodeHelpRequest(req models.HelpRequest) map[string]interface{} {
	fields := map[string]interface{}{
		"id":                req.ID,
		"customer_id":       req.CustomerID,
		"customer_phone":    req.CustomerPhone,
		"original_question": req.OriginalQuestion,
		"status":            string(req.Status),
		"supervisor_answer": req.SupervisorAnswer,
		"supervisor_id":     req.SupervisorID,
		"created_at":        req.CreatedAt.UnixMilli(),
		"resolved_at":       "",
	}
	if req.ResolvedAt != nil {
		fields["resolved_at"] = req.ResolvedAt.UnixMilli()
	}
	return fields
}

func decodeHelpRequest(fields map[string]string) (*models.HelpRequest, error) {
	createdAt, err := parseMillis(fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid created_at for request %s: %w", fields["id"], err)
	}

	req := &models.HelpRequest{
		ID:               fields["id"],
		CustomerID:       fields["customer_id"],
		CustomerPhone:    fields["customer_phone"],
		OriginalQuestion: fields["original_question"],
		Status:           models.Status(fields["status"]),
		SupervisorAnswer: fields["supervisor_answer"],
		SupervisorID:     fields["supervisor_id"],
		CreatedAt:        createdAt,
	}

	if raw := fields["resolved_at"]; raw != "" {
		resolvedAt, err := parseMillis(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid resolved_at for request %s: %w", req.ID, err)
		}
		req.ResolvedAt = &resolvedAt
	}
	return req, nil
}

func decodeCustomer(fields map[string]string) (*models.Customer, error) {
	createdAt, err := parseMillis(fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid created_at for customer %s: %w", fields["id"], err)
	}
	return &models.Customer{
		ID:        fields["id"],
		Phone:     fields["phone_number"],
		CreatedAt: createdAt,
	}, nil
}

func decodeKnowledgeEntry(fields map[string]string) (*models.KnowledgeEntry, error) {
	createdAt, err := parseMillis(fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid created_at for knowledge entry: %w", err)
	}
	updatedAt, err := parseMillis(fields["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid updated_at for knowledge entry: %w", err)
	}
	return &models.KnowledgeEntry{
		QuestionKey:     fields["question_key"],
		QuestionText:    fields["question_text"],
		AnswerText:      fields["answer_text"],
		SourceRequestID: fields["source_request_id"],
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}, nil
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
