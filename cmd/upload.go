package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-ingest/internal/ingest"
)

var (
	uploadProject string
	uploadFile    string
	uploadUser    string
	uploadPreview int
	uploadDryRun  bool
	uploadJSON    bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload a CSV or XLSX file of leads into a project",
	Long:  "Runs one ingestion job in the foreground. The first interrupt finishes the in-flight batch and stops; reconciliation still runs for the rows already inserted.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		contents, err := os.ReadFile(uploadFile)
		if err != nil {
			return eris.Wrap(err, "upload: read file")
		}
		fileName := filepath.Base(uploadFile)
		format := ingest.DetectFormat(fileName)

		if uploadPreview > 0 {
			rows, err := buildPreview(contents, format, uploadPreview, uploadProject, uploadUser)
			if err != nil {
				return eris.Wrap(err, "upload: preview")
			}
			if uploadJSON {
				return json.NewEncoder(os.Stdout).Encode(rows)
			}
			formatPreview(os.Stdout, rows)
			return nil
		}

		st, err := openStore(ctx, "upload")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if !uploadDryRun {
			if _, err := st.GetProject(ctx, uploadProject); err != nil {
				return eris.Wrapf(err, "upload: project %s", uploadProject)
			}
		}

		var observers []ingest.Observer
		pub, err := progressPublisher(ctx, cfg)
		if err != nil {
			zap.L().Warn("upload: progress publishing disabled", zap.Error(err))
		} else if pub != nil {
			defer pub.Close() //nolint:errcheck
			observers = append(observers, pub)
		}

		canceller := &ingest.Canceller{}
		done := make(chan struct{})
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			select {
			case <-sigCh:
				zap.L().Warn("upload: cancel requested, finishing current batch")
				canceller.RequestCancel()
			case <-done:
			}
		}()

		orch := ingest.NewOrchestrator(st, orchestratorConfig(cfg))
		summary, err := orch.Run(ctx, ingest.Request{
			ProjectID:    uploadProject,
			FileName:     fileName,
			Contents:     contents,
			Format:       format,
			UploadUserID: uploadUser,
			Canceller:    canceller,
			Observers:    observers,
			DryRun:       uploadDryRun,
		})
		if err != nil {
			return err
		}

		if uploadJSON {
			return json.NewEncoder(os.Stdout).Encode(summary)
		}
		formatSummary(os.Stdout, summary)
		return nil
	},
}

func init() {
	uploadCmd.Flags().StringVar(&uploadProject, "project", "", "project id to upload into (required)")
	uploadCmd.Flags().StringVar(&uploadFile, "file", "", "path to a .csv or .xlsx file (required)")
	uploadCmd.Flags().StringVar(&uploadUser, "user", "", "uploader id stamped on every lead")
	uploadCmd.Flags().IntVar(&uploadPreview, "preview", 0, "print the first N parsed rows and exit")
	uploadCmd.Flags().BoolVar(&uploadDryRun, "dry-run", false, "parse and validate without inserting")
	uploadCmd.Flags().BoolVar(&uploadJSON, "json", false, "print the result as JSON")
	_ = uploadCmd.MarkFlagRequired("project")
	_ = uploadCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(uploadCmd)
}
