package models

import (
	"encoding/json"
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
	StatusDeadLetter = "dead_letter"
	StatusStale      = "stale"
)

// IsTerminal reports whether no automatic transition may follow the status.
// Dead-lettered jobs leave the terminal state only through a manual requeue.
func IsTerminal(status string) bool {
	return status == StatusDone || status == StatusDeadLetter
}

// Queue identifies one of the per-category job tables.
type Queue string

const (
	QueueAgent  Queue = "agent"
	QueueCourse Queue = "course"
	QueueMedia  Queue = "media"
	QueueRender Queue = "render"
)

// Queues lists every known queue in a stable order.
func Queues() []Queue {
	return []Queue{QueueAgent, QueueCourse, QueueMedia, QueueRender}
}

// Valid reports whether q names a known queue.
func (q Queue) Valid() bool {
	switch q {
	case QueueAgent, QueueCourse, QueueMedia, QueueRender:
		return true
	}
	return false
}

// Table returns the Postgres table backing the queue.
func (q Queue) Table() string {
	return string(q) + "_jobs"
}

// Job represents one unit of queued work persisted in a queue table.
// Payload is an opaque carrier: only the registered step executor
// interprets its shape, and it holds whatever partial state the executor
// needs to resume a multi-step run.
type Job struct {
	ID            string          `json:"id"`
	Queue         Queue           `json:"queue"`
	Type          string          `json:"job_type"`
	Tenant        string          `json:"tenant"`
	ChainID       string          `json:"chain_id,omitempty"`
	Status        string          `json:"status"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	LastError     *string         `json:"error,omitempty"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	RunAfter      time.Time       `json:"run_after"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	LastHeartbeat *time.Time      `json:"last_heartbeat,omitempty"`
}

// JobEvent is one row of a job's append-only event trail. Seq increases
// monotonically per job; the state machine never reads events back.
type JobEvent struct {
	JobID     string    `json:"job_id"`
	Seq       int       `json:"seq"`
	Status    string    `json:"status"`
	Stage     string    `json:"stage,omitempty"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Chain is the control record for a composite job: an ordered list of
// units advanced one at a time while ChainingEnabled holds.
type Chain struct {
	ID              string      `json:"id"`
	Queue           Queue       `json:"queue"`
	Type            string      `json:"job_type"`
	Tenant          string      `json:"tenant"`
	ChainingEnabled bool        `json:"chaining_enabled"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	Units           []ChainUnit `json:"units"`
}

// ChainUnit is one ordered unit of a composite. JobID is nil until the
// unit has been enqueued.
type ChainUnit struct {
	Index   int             `json:"index"`
	Payload json.RawMessage `json:"payload"`
	JobID   *string         `json:"job_id,omitempty"`
}
