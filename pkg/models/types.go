package models

import (
	"errors"
	"time"
)

// ErrNotFound is returned by repositories when a record does not exist
var ErrNotFound = errors.New("record not found")

// Status is the lifecycle state of a help request
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusResolved   Status = "RESOLVED"
	StatusUnresolved Status = "UNRESOLVED"
)

// Terminal reports whether no further transition is defined out of s
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusUnresolved
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusResolved, StatusUnresolved:
		return true
	}
	return false
}

// Customer is a caller identified by phone number
type Customer struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone_number"`
	CreatedAt time.Time `json:"created_at"`
}

// HelpRequest tracks one escalation from creation to resolution or expiry
type HelpRequest struct {
	ID               string     `json:"id"`
	CustomerID       string     `json:"customer_id"`
	CustomerPhone    string     `json:"customer_phone"`
	OriginalQuestion string     `json:"original_question"`
	Status           Status     `json:"status"`
	SupervisorAnswer string     `json:"supervisor_answer,omitempty"`
	SupervisorID     string     `json:"supervisor_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}

// Apply returns a copy of r with the transition's target state written into it
func (r HelpRequest) Apply(t Transition) HelpRequest {
	r.Status = t.To
	r.SupervisorAnswer = t.SupervisorAnswer
	r.SupervisorID = t.SupervisorID
	resolvedAt := t.ResolvedAt
	r.ResolvedAt = &resolvedAt
	return r
}

// Transition is a conditional status change: it applies only while the
// stored status equals From.
type Transition struct {
	From             Status
	To               Status
	SupervisorAnswer string // only for StatusResolved
	SupervisorID     string // only for StatusResolved
	ResolvedAt       time.Time
}

// KnowledgeEntry is a learned question -> answer fact
type KnowledgeEntry struct {
	QuestionKey     string    `json:"question_key"`
	QuestionText    string    `json:"question_text"`
	AnswerText      string    `json:"answer_text"`
	SourceRequestID string    `json:"source_request_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NotificationKind identifies the notifier operation carried by a NotificationEvent
type NotificationKind string

const (
	NotificationSupervisorAlert NotificationKind = "supervisor_alert"
	NotificationCustomerText    NotificationKind = "customer_text"
)

// NotificationEvent is an outbox record for stream based delivery
type NotificationEvent struct {
	Kind       NotificationKind `json:"kind"`
	Phone      string           `json:"phone"`
	Question   string           `json:"question"`
	Answer     string           `json:"answer,omitempty"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
}
