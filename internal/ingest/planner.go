package ingest

import (
	"time"

	"github.com/sells-group/lead-ingest/internal/model"
)

// Volume thresholds that drive batch sizing, insert timeouts and pacing.
const (
	largeUploadRows  = 15000
	mediumUploadRows = 10000

	// DefaultYield is the pause between batches of medium and large uploads.
	DefaultYield = 50 * time.Millisecond
)

// BatchSize returns the bulk-insert batch size for an upload of total leads.
// Larger uploads use smaller batches so a single request stays well inside
// the backend's statement timeout.
func BatchSize(total int) int {
	switch {
	case total > largeUploadRows:
		return 25
	case total > mediumUploadRows:
		return 50
	default:
		return 100
	}
}

// InsertTimeout bounds a single insert call for an upload of total leads.
func InsertTimeout(total int) time.Duration {
	if total > largeUploadRows {
		return 20 * time.Second
	}
	return 30 * time.Second
}

// NeedsYield reports whether the orchestrator pauses between batches.
func NeedsYield(total int) bool {
	return total > mediumUploadRows
}

// Batch is a contiguous slice of leads. Offset is the index of Leads[0] in
// the full lead list.
type Batch struct {
	Index  int
	Offset int
	Leads  []model.Lead
}

// Plan partitions leads into batches sized by BatchSize(len(leads)).
func Plan(leads []model.Lead) []Batch {
	if len(leads) == 0 {
		return nil
	}
	size := BatchSize(len(leads))
	batches := make([]Batch, 0, (len(leads)+size-1)/size)
	for off := 0; off < len(leads); off += size {
		end := min(off+size, len(leads))
		batches = append(batches, Batch{
			Index:  len(batches),
			Offset: off,
			Leads:  leads[off:end],
		})
	}
	return batches
}
