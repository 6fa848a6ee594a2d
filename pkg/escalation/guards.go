package escalation

import (
	"fmt"
	"strings"

	"escalation-service/pkg/models"
)

// GuardResult represents the outcome of a guard evaluation.
type GuardResult struct {
	Allowed bool
	Reason  string
}

// CanCreateRequest evaluates whether a new escalation can be opened.
func CanCreateRequest(phone, question string) GuardResult {
	if strings.TrimSpace(phone) == "" {
		return GuardResult{Reason: "customer phone is required"}
	}
	if strings.TrimSpace(question) == "" {
		return GuardResult{Reason: "question is required"}
	}
	return GuardResult{Allowed: true}
}

// CanTransition evaluates whether req may move to target.
// Only PENDING requests have outgoing transitions.
func CanTransition(req models.HelpRequest, target models.Status) GuardResult {
	if req.Status != models.StatusPending {
		return GuardResult{
			Reason: fmt.Sprintf("cannot move help request %s to %s (current status: %s)", req.ID, target, req.Status),
		}
	}
	if target != models.StatusResolved && target != models.StatusUnresolved {
		return GuardResult{Reason: fmt.Sprintf("unknown target status %q", target)}
	}
	return GuardResult{Allowed: true}
}
