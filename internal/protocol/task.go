package protocol

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// TaskStatus is the lifecycle state of a task on the relay.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusOffered    TaskStatus = "offered"
	StatusAccepted   TaskStatus = "accepted"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is the relay-owned task record. The full instruction text never
// passes through the relay; it travels requester→provider over the p2p
// channel once matched.
type Task struct {
	ID                string     `json:"id"`
	RequesterID       string     `json:"requesterId"`
	Tool              string     `json:"tool"`
	Model             string     `json:"model,omitempty"`
	Description       string     `json:"description"`
	WorkspaceID       string     `json:"workspaceId"`
	Credits           float64    `json:"credits"`
	EstimatedDuration int64      `json:"estimatedDuration,omitempty"`
	Status            TaskStatus `json:"status"`
	CreatedAt         time.Time  `json:"createdAt"`
	ProviderID        string     `json:"providerId,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	CommitSummary     string     `json:"commitSummary,omitempty"`
}

// NewTaskID returns a time-ordered unique task identifier.
func NewTaskID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
