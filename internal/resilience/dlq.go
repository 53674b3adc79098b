package resilience

import (
	"time"

	"github.com/sells-group/lead-ingest/internal/model"
)

// Error classes recorded on dead-letter entries.
const (
	ErrorTransient = "transient"
	ErrorPermanent = "permanent"
)

// DLQEntry is a lead row whose single-row insert failed. It keeps the full
// lead so the row can be retried without the original file.
type DLQEntry struct {
	ID           string     `json:"id"`
	UploadID     string     `json:"upload_id"`
	ProjectID    string     `json:"project_id"`
	Lead         model.Lead `json:"lead"`
	Error        string     `json:"error"`
	ErrorType    string     `json:"error_type"` // "transient" or "permanent"
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	CreatedAt    time.Time  `json:"created_at"`
	LastFailedAt time.Time  `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	UploadID  string `json:"upload_id,omitempty"`
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTransient
	}
	return ErrorPermanent
}
