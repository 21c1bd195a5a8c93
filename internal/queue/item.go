// Package queue implements the durable, priority-ordered delivery queue:
// scheduling, retry with exponential backoff, stuck-item recovery, and
// pausable batch processing.
package queue

import (
	"time"

	"github.com/avolkhin/herald/internal/domain"
)

// Status represents the state of a queue item.
type Status string

// Queue item statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the status still blocks a new item for the same
// record. A failed item stays active: it either retries or must be removed
// explicitly before the record can be enqueued again.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status permits no further transitions other
// than removal.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Item represents one scheduled delivery attempt for a record.
//
// A record has at most one active item at a time; retries reuse the item
// instead of creating a new one.
type Item struct {
	ID                    string          `json:"id"`
	RecordID              string          `json:"record_id"`
	Status                Status          `json:"status"`
	Priority              domain.Priority `json:"priority"`
	ScheduledAt           time.Time       `json:"scheduled_at"`
	RetryCount            int             `json:"retry_count"`
	MaxRetries            int             `json:"max_retries"`
	NextRetryAt           *time.Time      `json:"next_retry_at,omitempty"`
	ProcessingStartedAt   *time.Time      `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time      `json:"processing_completed_at,omitempty"`
	ProcessorID           string          `json:"processor_id,omitempty"`
	ErrorMessage          string          `json:"error_message,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// RetryBudgetLeft reports whether the item may still schedule a retry.
func (i *Item) RetryBudgetLeft() bool {
	return i.RetryCount < i.MaxRetries
}

// RetryDelay returns the backoff before the next attempt given the number of
// failures so far: base doubles with every recorded failure.
func RetryDelay(base time.Duration, retryCount int) time.Duration {
	return base << uint(retryCount)
}

// Stats holds queue item counts grouped by status and by priority.
type Stats struct {
	Total      int64                     `json:"total" msgpack:"total"`
	ByStatus   map[Status]int64          `json:"by_status" msgpack:"by_status"`
	ByPriority map[domain.Priority]int64 `json:"by_priority" msgpack:"by_priority"`
}

// ProcessorStat counts completed deliveries per processor.
type ProcessorStat struct {
	ProcessorID string `json:"processor_id"`
	Completed   int64  `json:"completed"`
}

// ProcessingMetrics aggregates attempt outcomes over finished items.
type ProcessingMetrics struct {
	Completed       int64           `json:"completed"`
	Failed          int64           `json:"failed"`
	SuccessRate     float64         `json:"success_rate"`
	AvgProcessingMs float64         `json:"avg_processing_ms"`
	TopProcessors   []ProcessorStat `json:"top_processors"`
}
