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
	"go.uber.org/zap"

	"github.com/sells-group/lead-ingest/internal/ingest"
	"github.com/sells-group/lead-ingest/internal/resilience"
)

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Inspect and retry rows whose insert failed",
}

func failureFilter(cmd *cobra.Command) resilience.DLQFilter {
	upload, _ := cmd.Flags().GetString("upload")
	errType, _ := cmd.Flags().GetString("type")
	limit, _ := cmd.Flags().GetInt("limit")
	return resilience.DLQFilter{UploadID: upload, ErrorType: errType, Limit: limit}
}

// -- failures list --

var failuresListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued failed rows",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "read")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.ListFailures(ctx, failureFilter(cmd))
		if err != nil {
			return eris.Wrap(err, "failures list")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No failed rows queued.")
			return nil
		}
		formatFailures(os.Stdout, entries)
		return nil
	},
}

// -- failures retry --

var failuresRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-insert queued failed rows and reconcile the recovered ones",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "upload")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.ListFailures(ctx, failureFilter(cmd))
		if err != nil {
			return eris.Wrap(err, "failures retry")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No failed rows queued.")
			return nil
		}

		res, err := ingest.NewRedriver(st, orchestratorConfig(cfg)).Redrive(ctx, entries)
		if err != nil {
			return eris.Wrap(err, "failures retry")
		}
		for _, w := range res.Warnings {
			zap.L().Warn("failures retry", zap.String("warning", w))
		}
		zap.L().Info("failures retry complete",
			zap.Int("attempted", res.Attempted),
			zap.Int("recovered", res.Recovered),
			zap.Int("failed", res.Failed),
			zap.Int("exhausted", res.Exhausted),
			zap.Int("abandoned", res.Abandoned),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func formatFailures(w io.Writer, entries []resilience.DLQEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUPLOAD\tROW\tTYPE\tRETRIES\tLAST FAILED\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d/%d\t%s\t%s\n",
			e.ID, e.UploadID, e.Lead.Row, e.ErrorType, e.RetryCount, e.MaxRetries,
			e.LastFailedAt.Format(time.DateTime), truncate(e.Error, 80))
	}
	tw.Flush() //nolint:errcheck
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func init() {
	for _, c := range []*cobra.Command{failuresListCmd, failuresRetryCmd} {
		c.Flags().String("upload", "", "only rows of this upload id")
		c.Flags().String("type", "", "only transient or permanent failures")
		c.Flags().Int("limit", 500, "max number of rows")
	}

	failuresCmd.AddCommand(failuresListCmd)
	failuresCmd.AddCommand(failuresRetryCmd)
	rootCmd.AddCommand(failuresCmd)
}
