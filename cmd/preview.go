package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/sells-group/lead-ingest/internal/ingest"
	"github.com/sells-group/lead-ingest/internal/model"
)

// previewRow is one parsed line with the outcome of validating it.
type previewRow struct {
	Row    int               `json:"row"`
	Fields map[string]string `json:"fields"`
	Lead   *model.Lead       `json:"lead,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// buildPreview parses the first n rows and validates them without touching
// the store.
func buildPreview(contents []byte, format ingest.Format, n int, projectID, userID string) ([]previewRow, error) {
	rows, err := ingest.Parser{}.Preview(contents, format, n)
	if err != nil {
		return nil, err
	}
	norm := ingest.Normalizer{UploadUserID: userID}
	out := make([]previewRow, 0, len(rows))
	for _, r := range rows {
		pr := previewRow{Row: r.Line, Fields: r.Fields}
		lead, err := norm.Normalize(r, r.Line, projectID)
		var verr *ingest.ValidationError
		switch {
		case errors.As(err, &verr):
			pr.Error = verr.Reason
		case err != nil:
			pr.Error = err.Error()
		default:
			pr.Lead = &lead
		}
		out = append(out, pr)
	}
	return out, nil
}

func formatPreview(w io.Writer, rows []previewRow) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ROW\tNAME\tPHONE\tSOURCE\tSTATUS")
	for _, r := range rows {
		if r.Lead == nil {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.Row, r.Fields["client_name"], r.Fields["client_phone"], "-", r.Error)
			continue
		}
		source := string(r.Lead.Source)
		if source == "" {
			source = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\tok\n", r.Row, r.Lead.ClientName, r.Lead.ClientPhone, source)
	}
	tw.Flush() //nolint:errcheck
}

func formatSummary(w io.Writer, s *model.Summary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Job:\t%s\n", s.JobID)
	fmt.Fprintf(tw, "Project:\t%s\n", s.ProjectID)
	fmt.Fprintf(tw, "State:\t%s\n", s.State)
	fmt.Fprintf(tw, "Rows:\t%d\n", s.Total)
	fmt.Fprintf(tw, "Success:\t%d\n", s.Success)
	fmt.Fprintf(tw, "Failed:\t%d\n", s.Failed)
	if s.Cancelled {
		fmt.Fprintf(tw, "Cancelled:\tyes (%d rows skipped)\n", s.Skipped)
	}
	fmt.Fprintf(tw, "Reconciled:\t%t\n", s.Reconciled)
	if !s.FinishedAt.IsZero() && !s.StartedAt.IsZero() {
		fmt.Fprintf(tw, "Duration:\t%s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	}
	tw.Flush() //nolint:errcheck

	if len(s.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  Row %d: %s\n", e.Row, e.Error)
		}
		if s.ErrorsTruncated > 0 {
			fmt.Fprintf(w, "  ... and %d more\n", s.ErrorsTruncated)
		}
	}
	for _, warn := range s.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", warn)
	}
}
