package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lead-ingest/internal/model"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage the projects leads are uploaded into",
}

// -- projects import --

var projectsImportFile string

// projectsFile is the YAML layout read by `projects import`.
type projectsFile struct {
	Projects []model.Project `yaml:"projects"`
}

func loadProjects(r io.Reader) ([]model.Project, error) {
	var f projectsFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, eris.New("projects: file is empty")
		}
		return nil, eris.Wrap(err, "projects: decode yaml")
	}
	seen := make(map[string]bool, len(f.Projects))
	for i, p := range f.Projects {
		if p.ID == "" {
			return nil, eris.Errorf("projects: entry %d has no id", i+1)
		}
		if seen[p.ID] {
			return nil, eris.Errorf("projects: duplicate id %s", p.ID)
		}
		seen[p.ID] = true
		if p.Name == "" {
			f.Projects[i].Name = p.ID
		}
	}
	return f.Projects, nil
}

var projectsImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Upsert projects from a YAML file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		f, err := os.Open(projectsImportFile)
		if err != nil {
			return eris.Wrap(err, "projects: open file")
		}
		defer f.Close() //nolint:errcheck

		projects, err := loadProjects(f)
		if err != nil {
			return err
		}

		st, err := openStore(ctx, "read")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.UpsertProjects(ctx, projects)
		if err != nil {
			return eris.Wrap(err, "projects import")
		}
		zap.L().Info("projects import complete",
			zap.Int64("upserted", n),
			zap.String("file", projectsImportFile),
		)
		return nil
	},
}

// -- projects list --

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects with their available lead counters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "read")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		projects, err := st.ListProjects(ctx)
		if err != nil {
			return eris.Wrap(err, "projects list")
		}
		if len(projects) == 0 {
			fmt.Fprintln(os.Stderr, "No projects found.")
			return nil
		}
		formatProjects(os.Stdout, projects)
		return nil
	},
}

// -- projects recount --

var projectsRecountCmd = &cobra.Command{
	Use:   "recount <project-id>",
	Short: "Reset a project's available lead counter from the leads stored for it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		projectID := args[0]

		st, err := openStore(ctx, "read")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		before, err := st.ReadAvailableLeads(ctx, projectID)
		if err != nil {
			return eris.Wrap(err, "projects recount")
		}
		n, err := st.CountLeads(ctx, projectID)
		if err != nil {
			return eris.Wrap(err, "projects recount")
		}
		if err := st.WriteAvailableLeads(ctx, projectID, n); err != nil {
			return eris.Wrap(err, "projects recount")
		}
		zap.L().Info("projects recount complete",
			zap.String("project_id", projectID),
			zap.Int("before", before),
			zap.Int("after", n),
		)
		return nil
	},
}

func formatProjects(w io.Writer, projects []model.Project) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tREGION\tAVAILABLE\tUPDATED")
	for _, p := range projects {
		updated := "-"
		if !p.UpdatedAt.IsZero() {
			updated = p.UpdatedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", p.ID, p.Name, p.Region, p.AvailableLeads, updated)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	projectsImportCmd.Flags().StringVar(&projectsImportFile, "file", "", "path to projects YAML (required)")
	_ = projectsImportCmd.MarkFlagRequired("file")

	projectsCmd.AddCommand(projectsImportCmd)
	projectsCmd.AddCommand(projectsListCmd)
	projectsCmd.AddCommand(projectsRecountCmd)
	rootCmd.AddCommand(projectsCmd)
}
