package store

import (
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderSystem    Sender = "system"
)

// DeliveryStatus is the state of an outbound integration delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySucceeded DeliveryStatus = "succeeded"
	DeliveryFailed    DeliveryStatus = "failed"
)

// JobStatus records the queue-level outcome of one job.
type JobStatus string

const (
	JobEnqueued  JobStatus = "enqueued"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
)

// Conversation groups messages and runs for one user.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is an append-only conversation entry.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	RunID          string    `json:"run_id,omitempty"`
	Sender         Sender    `json:"sender"`
	Content        Content   `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// Run is one unit of asynchronous processing triggered by a user message.
type Run struct {
	ID               string     `json:"id"`
	ConversationID   string     `json:"conversation_id"`
	TriggerMessageID string     `json:"trigger_message_id"`
	Status           RunStatus  `json:"status"`
	StartedAt        *time.Time `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at"`
	LastError        string     `json:"last_error,omitempty"`
	LeaseOwner       string     `json:"-"`
	LeaseExpiresAt   *time.Time `json:"-"`
	Reclaims         int        `json:"-"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Media is a stored artifact referenced by an image message.
type Media struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id,omitempty"`
	MediaType      string    `json:"media_type"`
	StoragePath    string    `json:"-"`
	SHA256         string    `json:"sha256,omitempty"`
	SizeBytes      int64     `json:"size_bytes"`
	CreatedAt      time.Time `json:"created_at"`
}

// Delivery tracks the external notification attempts for one run.
type Delivery struct {
	ID            string         `json:"id"`
	RunID         string         `json:"run_id"`
	Status        DeliveryStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Job is the retained bookkeeping record of one queue hand-off.
type Job struct {
	JobID      string        `json:"job_id"`
	Kind       string        `json:"kind"`
	RunID      string        `json:"run_id"`
	Status     JobStatus     `json:"status"`
	Error      string        `json:"error,omitempty"`
	Timeout    time.Duration `json:"timeout"`
	SuccessTTL time.Duration `json:"success_ttl"`
	FailureTTL time.Duration `json:"failure_ttl"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	ExpiresAt  *time.Time    `json:"expires_at,omitempty"`
}

// MessageFilter narrows ListMessages.
type MessageFilter struct {
	AfterID string
	Since   *time.Time
	Limit   int
}
