package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/execution/template"
)

var templateCmd = &cobra.Command{
	Use:     "template",
	GroupID: GroupOps,
	Short:   "Validate and apply workflow templates",
}

var templateValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a template file without touching the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := template.LoadFile(args[0])
		if err != nil {
			return err
		}
		stages, steps := 0, 0
		for _, s := range t.Stages {
			stages++
			for _, task := range s.Tasks {
				steps += len(task.Steps)
			}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"name":         t.Name,
			"stages":       stages,
			"steps":        steps,
			"dependencies": len(t.Dependencies),
			"valid":        true,
		})
	},
}

var (
	applyProjectName string
	applyStart       string
)

var templateApplyCmd = &cobra.Command{
	Use:   "apply <file>",
	Short: "Instantiate a template into a project",
	Long: `Instantiate a template into a project. The project is created when it does
not exist yet; otherwise the template's stages are appended after the
existing ones.

Examples:
  crewflowctl template apply -p p-1 --name "Duplex 12" --start 2026-06-01 templates/remodel.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, err := requireProject()
		if err != nil {
			return err
		}
		t, err := template.LoadFile(args[0])
		if err != nil {
			return err
		}
		project := domain.Project{ID: projectID, Name: strings.TrimSpace(applyProjectName)}
		if project.Name == "" {
			project.Name = t.Name
		}
		if s := strings.TrimSpace(applyStart); s != "" {
			start, err := time.Parse(time.DateOnly, s)
			if err != nil {
				return fmt.Errorf("--start must be YYYY-MM-DD: %w", err)
			}
			project.StartDate = start
		}
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			applied, err := rt.templates.Apply(ctx, project, t, flagActor)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), applied)
		})
	},
}

var (
	adhocStage      string
	adhocFile       string
	adhocKey        string
	adhocName       string
	adhocDays       int
	adhocSequential bool
)

var adhocCmd = &cobra.Command{
	Use:     "adhoc",
	GroupID: GroupOps,
	Short:   "Add an ad-hoc task with steps under a stage",
	Long: `Add an ad-hoc task under an open stage. Steps come from a YAML task file
(the same shape as a template task) or, for a single-step task, from flags.

Examples:
  crewflowctl adhoc -p p-1 --stage st-2 --file patch.yaml
  crewflowctl adhoc -p p-1 --stage st-2 --key patch --name "Patch ceiling" --days 1`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, err := requireProject()
		if err != nil {
			return err
		}
		if strings.TrimSpace(adhocStage) == "" {
			return fmt.Errorf("--stage is required")
		}
		spec, err := adhocSpec()
		if err != nil {
			return err
		}
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			applied, err := rt.templates.AddAdhocTask(ctx, projectID, adhocStage, flagActor, spec)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), applied)
		})
	},
}

func adhocSpec() (template.TaskSpec, error) {
	if strings.TrimSpace(adhocFile) != "" {
		return template.LoadTaskFile(adhocFile)
	}
	key := strings.TrimSpace(adhocKey)
	if key == "" {
		return template.TaskSpec{}, fmt.Errorf("--file or --key is required")
	}
	name := strings.TrimSpace(adhocName)
	if name == "" {
		name = key
	}
	return template.TaskSpec{
		Key:        key,
		Name:       name,
		Sequential: adhocSequential,
		Steps: []template.StepSpec{
			{Key: key, Name: name, EstimatedDays: adhocDays},
		},
	}, nil
}

func init() {
	templateApplyCmd.Flags().StringVar(&applyProjectName, "name", "", "Project name when the project is created (defaults to the template name)")
	templateApplyCmd.Flags().StringVar(&applyStart, "start", "", "Project start date YYYY-MM-DD when the project is created")
	templateCmd.AddCommand(templateValidateCmd, templateApplyCmd)

	adhocCmd.Flags().StringVar(&adhocStage, "stage", "", "Stage id")
	adhocCmd.Flags().StringVar(&adhocFile, "file", "", "YAML task file")
	adhocCmd.Flags().StringVar(&adhocKey, "key", "", "Task key for a single-step task")
	adhocCmd.Flags().StringVar(&adhocName, "name", "", "Task name for a single-step task")
	adhocCmd.Flags().IntVar(&adhocDays, "days", 1, "Estimated days for a single-step task")
	adhocCmd.Flags().BoolVar(&adhocSequential, "sequential", false, "Chain the task's steps finish-to-start")

	rootCmd.AddCommand(templateCmd, adhocCmd)
}
