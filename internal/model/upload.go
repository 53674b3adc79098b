package model

import "time"

// JobState is the lifecycle state of an upload job.
type JobState string

const (
	JobIdle        JobState = "idle"
	JobParsing     JobState = "parsing"
	JobValidating  JobState = "validating"
	JobInserting   JobState = "inserting"
	JobCancelled   JobState = "cancelled"
	JobReconciling JobState = "reconciling"
	JobDone        JobState = "done"
	JobFailed      JobState = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s JobState) Terminal() bool {
	return s == JobDone || s == JobFailed
}

// RowError ties a failure back to its 1-based line in the uploaded file.
type RowError struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

// BatchResult is the outcome of inserting one batch, or one settled slice of
// it (a sub-batch or a single row).
type BatchResult struct {
	Attempted int        `json:"attempted"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Errors    []RowError `json:"errors,omitempty"`
}

// Add folds o into r.
func (r *BatchResult) Add(o BatchResult) {
	r.Attempted += o.Attempted
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
	r.Errors = append(r.Errors, o.Errors...)
}

// UploadJob is the mutable aggregate for a single upload. It is owned by one
// goroutine; other goroutines observe it through Progress snapshots.
//
// Invariant: Succeeded + Failed == Processed <= TotalRows and
// len(Errors) == Failed.
type UploadJob struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	FileName  string     `json:"file_name,omitempty"`
	State     JobState   `json:"state"`
	TotalRows int        `json:"total_rows"`
	BatchSize int        `json:"batch_size"`
	Processed int        `json:"processed"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Errors    []RowError `json:"errors"`
	Cancelled bool       `json:"cancelled"`
	StartedAt time.Time  `json:"started_at"`
}

// Fold applies a settled result to the job counters.
func (j *UploadJob) Fold(r BatchResult) {
	j.Processed += r.Succeeded + r.Failed
	j.Succeeded += r.Succeeded
	j.Failed += r.Failed
	j.Errors = append(j.Errors, r.Errors...)
}

// Progress returns a point-in-time snapshot of the job.
func (j *UploadJob) Progress() Progress {
	p := Progress{
		JobID:     j.ID,
		ProjectID: j.ProjectID,
		State:     j.State,
		Total:     j.TotalRows,
		Processed: j.Processed,
		Succeeded: j.Succeeded,
		Failed:    j.Failed,
		UpdatedAt: time.Now().UTC(),
	}
	if j.TotalRows > 0 {
		p.Percentage = float64(j.Processed) / float64(j.TotalRows) * 100
	}
	return p
}

// Progress is the snapshot published to observers while a job runs.
type Progress struct {
	JobID      string    `json:"job_id"`
	ProjectID  string    `json:"project_id"`
	State      JobState  `json:"state"`
	Total      int       `json:"total"`
	Processed  int       `json:"processed"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Percentage float64   `json:"percentage"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Summary is the caller-facing result of a finished job.
type Summary struct {
	JobID     string   `json:"job_id,omitempty"`
	ProjectID string   `json:"project_id"`
	State     JobState `json:"state"`
	Total     int      `json:"total"`
	Success   int      `json:"success"`
	Failed    int      `json:"failed"`
	// Skipped counts rows never attempted because the job was cancelled.
	Skipped   int        `json:"skipped,omitempty"`
	Cancelled bool       `json:"cancelled"`
	Errors    []RowError `json:"errors"`
	// ErrorsTruncated counts row errors dropped from Errors by the report cap.
	ErrorsTruncated int       `json:"errors_truncated,omitempty"`
	Warnings        []string  `json:"warnings,omitempty"`
	Reconciled      bool      `json:"reconciled"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// UploadRecord is the persisted history entry for a job.
type UploadRecord struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	FileName   string    `json:"file_name"`
	State      JobState  `json:"state"`
	Total      int       `json:"total"`
	Success    int       `json:"success"`
	Failed     int       `json:"failed"`
	Summary    *Summary  `json:"summary,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}
