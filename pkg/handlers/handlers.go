package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"escalation-service/pkg/constants"
	"escalation-service/pkg/escalation"
	"escalation-service/pkg/models"
)

const defaultListLimit = 50

type Handler struct {
	engine       *escalation.Engine
	learner      *escalation.Learner
	sweeper      *escalation.Sweeper
	logger       *logrus.Logger
	isLeaderFunc func() bool
	podID        string
}

func NewHandler(engine *escalation.Engine, learner *escalation.Learner, sweeper *escalation.Sweeper, logger *logrus.Logger, isLeaderFunc func() bool, podID string) *Handler {
	return &Handler{
		engine:       engine,
		learner:      learner,
		sweeper:      sweeper,
		logger:       logger,
		isLeaderFunc: isLeaderFunc,
		podID:        podID,
	}
}

func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var request struct {
		CustomerPhone string `json:"customer_phone"`
		Question      string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req, err := h.engine.CreateRequest(r.Context(), request.CustomerPhone, request.Question)
	if err != nil {
		h.handleError(w, err, "Failed to create help request")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         req.ID,
		"status":     req.Status,
		"created_at": req.CreatedAt,
	})
}

func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	status := models.StatusPending
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = models.Status(raw)
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = parsed
	}

	reqs, err := h.engine.ListRequests(r.Context(), status, limit)
	if err != nil {
		h.handleError(w, err, "Failed to list help requests")
		return
	}
	if reqs == nil {
		reqs = []models.HelpRequest{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"requests": reqs,
	})
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.engine.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.handleError(w, err, "Failed to get help request")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) ResolveRequest(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]

	var request struct {
		Answer       string `json:"answer"`
		SupervisorID string `json:"supervisor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req, err := h.engine.ResolveRequest(r.Context(), requestID, request.Answer, request.SupervisorID)
	if err != nil {
		h.handleError(w, err, "Failed to resolve help request")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":          req.ID,
		"status":      req.Status,
		"resolved_at": req.ResolvedAt,
	})
}

func (h *Handler) ExpireRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.engine.ExpireRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.handleError(w, err, "Failed to expire help request")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":          req.ID,
		"status":      req.Status,
		"resolved_at": req.ResolvedAt,
	})
}

func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	count, err := h.sweeper.RunOnce(r.Context())
	if err != nil {
		h.handleError(w, err, "Timeout sweep failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"expired":    count,
		"timeout_ms": h.sweeper.Timeout().Milliseconds(),
	})
}

func (h *Handler) LookupKnowledge(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	entry, match, err := h.learner.Lookup(r.Context(), request.Question)
	if err != nil {
		h.handleError(w, err, "Knowledge lookup failed")
		return
	}

	response := map[string]interface{}{
		"found": entry != nil,
		"match": match,
	}
	if entry != nil {
		response["answer"] = entry.AnswerText
	} else {
		response["answer"] = constants.NotFoundAnswer
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) ListKnowledge(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = parsed
	}

	entries, err := h.learner.ListKnowledge(r.Context(), limit)
	if err != nil {
		h.handleError(w, err, "Failed to list knowledge")
		return
	}
	if entries == nil {
		entries = []models.KnowledgeEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	count, err := h.engine.CountPending(r.Context())
	if err != nil {
		h.logger.WithError(err).Warn("Health check failed")
		writeError(w, http.StatusServiceUnavailable, "Health check failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "healthy",
		"is_leader":        h.isLeaderFunc(),
		"pending_requests": count,
		"timestamp":        time.Now(),
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	count, err := h.engine.CountPending(r.Context())
	if err != nil {
		h.handleError(w, err, "Failed to get status")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pod_id":           h.podID,
		"is_leader":        h.isLeaderFunc(),
		"pending_requests": count,
		"request_timeout":  h.sweeper.Timeout().String(),
		"timestamp":        time.Now(),
	})
}

// handleError maps engine error kinds onto HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, err error, msg string) {
	status := http.StatusInternalServerError
	switch escalation.KindOf(err) {
	case escalation.KindValidation:
		status = http.StatusBadRequest
	case escalation.KindNotFound:
		status = http.StatusNotFound
	case escalation.KindInvalidTransition:
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		h.logger.WithError(err).Error(msg)
		writeError(w, status, "Internal server error")
		return
	}

	h.logger.WithError(err).Debug(msg)
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
