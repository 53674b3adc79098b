package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lead-ingest/internal/model"
	"github.com/sells-group/lead-ingest/internal/monitoring"
	"github.com/sells-group/lead-ingest/internal/store"
)

var uploadsCmd = &cobra.Command{
	Use:   "uploads",
	Short: "Inspect upload history",
	Long:  "Commands for listing, viewing, and summarizing upload jobs.",
}

// -- uploads list --

var uploadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List upload jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "read")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		project, _ := cmd.Flags().GetString("project")
		state, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")

		uploads, err := st.ListUploads(ctx, store.UploadFilter{
			ProjectID: project,
			State:     model.JobState(state),
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "uploads list")
		}

		if len(uploads) == 0 {
			fmt.Fprintln(os.Stderr, "No uploads found.")
			return nil
		}

		formatUploadsList(os.Stdout, uploads)
		return nil
	},
}

// -- uploads show --

var uploadsShowCmd = &cobra.Command{
	Use:   "show <upload-id>",
	Short: "Show the full summary of an upload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "read")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rec, err := st.GetUpload(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "uploads show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

// -- uploads stats --

var uploadsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate upload statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "read")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		hours := int(since.Hours())
		if hours < 1 {
			hours = 1
		}

		snap, err := monitoring.NewCollector(st, nil).Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "uploads stats")
		}
		formatUploadStats(os.Stdout, snap)
		return nil
	},
}

func formatUploadsList(w io.Writer, uploads []model.UploadRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROJECT\tFILE\tSTATE\tROWS\tSUCCESS\tFAILED\tCREATED")
	for _, u := range uploads {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			u.ID, u.ProjectID, u.FileName, u.State, u.Total, u.Success, u.Failed,
			u.CreatedAt.Format(time.DateTime))
	}
	tw.Flush() //nolint:errcheck
}

func formatUploadStats(w io.Writer, s *monitoring.MetricsSnapshot) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Window:\tlast %dh\n", s.LookbackHours)
	fmt.Fprintf(tw, "Uploads:\t%d (done %d, failed %d, cancelled %d, running %d)\n",
		s.UploadsTotal, s.UploadsDone, s.UploadsFailed, s.UploadsCancelled, s.UploadsRunning)
	fmt.Fprintf(tw, "Rows:\t%d (success %d, failed %d, skipped %d)\n",
		s.RowsTotal, s.RowsSucceeded, s.RowsFailed, s.RowsSkipped)
	fmt.Fprintf(tw, "Row failure rate:\t%.1f%%\n", s.RowFailureRate*100)
	fmt.Fprintf(tw, "Unreconciled uploads:\t%d\n", s.ReconcileWarnings)
	fmt.Fprintf(tw, "Queued failed rows:\t%d\n", s.DLQDepth)
	tw.Flush() //nolint:errcheck
}

func init() {
	uploadsListCmd.Flags().String("project", "", "filter by project id")
	uploadsListCmd.Flags().String("state", "", "filter by job state (done, failed, inserting, ...)")
	uploadsListCmd.Flags().Int("limit", 50, "max number of uploads to display")

	uploadsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	uploadsCmd.AddCommand(uploadsListCmd)
	uploadsCmd.AddCommand(uploadsShowCmd)
	uploadsCmd.AddCommand(uploadsStatsCmd)
	rootCmd.AddCommand(uploadsCmd)
}
