package task

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return s, nil
	case "running":
		return StatusInProgress, nil
	case "canceled":
		return StatusCancelled, nil
	default:
		return "", fmt.Errorf("unknown task status %q", raw)
	}
}

// Priority is the dispatch class. Serious always outranks thought.
type Priority string

const (
	PriorityThought Priority = "thought"
	PrioritySerious Priority = "serious"
)

// Rank is the stored ordering key (higher dispatches first).
func (p Priority) Rank() int {
	if p == PrioritySerious {
		return 1
	}
	return 0
}

func (p Priority) Valid() bool { return p == PriorityThought || p == PrioritySerious }

func ParsePriority(raw string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "serious", "task", "high":
		return PrioritySerious, nil
	case "thought", "think", "random", "low":
		return PriorityThought, nil
	default:
		return "", fmt.Errorf("unknown priority %q (want serious or thought)", raw)
	}
}

// Task is one persisted unit of work.
type Task struct {
	ID          int64      `json:"id"`
	Description string     `json:"description"`
	Priority    Priority   `json:"priority"`
	ProjectID   string     `json:"project_id,omitempty"`
	Status      Status     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	Error       string     `json:"error,omitempty"`
	Result      string     `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Submission is the input to Store.Submit.
type Submission struct {
	Description string
	Priority    Priority
	ProjectID   string
}

// Outcome is the executor's verdict for one dispatch.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetryable Outcome = "retryable_failure"
	OutcomeFatal     Outcome = "fatal_failure"
)

func (o Outcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeRetryable || o == OutcomeFatal
}

// Report carries an Outcome plus what the executor said about it.
type Report struct {
	Outcome Outcome
	Error   string // failure cause, ignored on success
	Output  string // short result summary
}

// Counts is a per-status tally.
type Counts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

func (c *Counts) add(s Status, n int) {
	switch s {
	case StatusPending:
		c.Pending += n
	case StatusInProgress:
		c.InProgress += n
	case StatusCompleted:
		c.Completed += n
	case StatusFailed:
		c.Failed += n
	case StatusCancelled:
		c.Cancelled += n
	}
}

func (c Counts) Total() int {
	return c.Pending + c.InProgress + c.Completed + c.Failed + c.Cancelled
}

// Filter narrows List.
type Filter struct {
	Status    Status
	ProjectID string
	Limit     int
}

// Reason texts stored in error_message by the store itself.
const (
	ReasonRecovered = "recovered after restart"
	ReasonTimeout   = "timeout"
)

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusInProgress: {},
		StatusCancelled:  {},
	},
	StatusInProgress: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusPending:   {}, // retry, crash recovery and release
		StatusCancelled: {},
	},
}

// CanTransition reports whether from -> to is part of the lifecycle.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
