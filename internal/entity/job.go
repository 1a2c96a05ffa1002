package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Valid reports whether s is one of the four lifecycle statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Priority selects the dispatch lane. It is fixed at creation.
type Priority string

const (
	PriorityDefault Priority = "default"
	PriorityHigh    Priority = "high"
)

// ParsePriority maps user input to a Priority. Empty input means default.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "", PriorityDefault:
		return PriorityDefault, nil
	case PriorityHigh:
		return PriorityHigh, nil
	default:
		return "", Validationf(`priority must be "default" or "high", got %q`, s)
	}
}

func (p Priority) Valid() bool {
	return p == PriorityDefault || p == PriorityHigh
}

// DeadLetterError is the sentinel error text of a job moved to the DLQ.
const DeadLetterError = "moved-to-dlq"

type Job struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Priority  Priority        `json:"priority"`
	Status    JobStatus       `json:"status"`
	Attempts  int             `json:"attempts"`
	Payload   json.RawMessage `json:"payload"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *string         `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ListFilter narrows JobRepository.List. Zero values mean "any".
type ListFilter struct {
	Status   JobStatus
	Type     string
	Priority Priority
	Limit    int
	Offset   int

	// OrderByUpdated sorts by updated_at instead of created_at (both DESC).
	OrderByUpdated bool
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Normalize clamps limit and offset into the accepted range.
func (f ListFilter) Normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
