// Package store persists leads, projects, upload history and failed rows.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-ingest/internal/model"
	"github.com/sells-group/lead-ingest/internal/resilience"
)

// ErrNotFound is returned when a project, upload or failed row does not exist.
var ErrNotFound = eris.New("store: not found")

// UploadFilter specifies criteria for listing upload history.
type UploadFilter struct {
	ProjectID    string         `json:"project_id,omitempty"`
	State        model.JobState `json:"state,omitempty"`
	CreatedAfter time.Time      `json:"created_after,omitempty"`
	Limit        int            `json:"limit,omitempty"`
	Offset       int            `json:"offset,omitempty"`
}

// Store defines the persistence interface for lead ingestion.
type Store interface {
	// Leads. InsertLeads writes every lead or none of them.
	InsertLeads(ctx context.Context, leads []model.Lead) error
	CountLeads(ctx context.Context, projectID string) (int, error)

	// Project counters
	ReadAvailableLeads(ctx context.Context, projectID string) (int, error)
	WriteAvailableLeads(ctx context.Context, projectID string, value int) error
	IncrementAvailableLeads(ctx context.Context, projectID string, delta int) (int, error)

	// Projects
	UpsertProjects(ctx context.Context, projects []model.Project) (int64, error)
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjects(ctx context.Context) ([]model.Project, error)

	// Upload history
	CreateUpload(ctx context.Context, rec model.UploadRecord) error
	FinishUpload(ctx context.Context, rec model.UploadRecord) error
	GetUpload(ctx context.Context, id string) (*model.UploadRecord, error)
	ListUploads(ctx context.Context, filter UploadFilter) ([]model.UploadRecord, error)

	// Failed rows
	EnqueueFailures(ctx context.Context, entries []resilience.DLQEntry) error
	ListFailures(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementFailureRetry(ctx context.Context, id string, lastErr string) error
	RemoveFailure(ctx context.Context, id string) error
	CountFailures(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

// sourceCheck renders the allowed lead sources as a SQL IN list.
func sourceCheck() string {
	quoted := make([]string, len(model.SourceTags))
	for i, t := range model.SourceTags {
		quoted[i] = "'" + string(t) + "'"
	}
	return strings.Join(quoted, ", ")
}
