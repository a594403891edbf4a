package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/execution/workflow"
)

var errRefused = errors.New("request refused")

var (
	actionStage      string
	actionTask       string
	actionStep       string
	actionAssignment string
	actionMeta       []string
	actionDryRun     bool
)

var actionCmd = &cobra.Command{
	Use:     "action <ACTION>",
	GroupID: GroupActions,
	Short:   "Execute a workflow action",
	Long: `Execute one workflow action and print the result.

The id flag matching the action's level is required; other ids, when given,
must agree with the stored hierarchy. Refused actions print the reasons and
exit with status 1 without changing anything.

Examples:
  crewflowctl action START_STEP -p p-1 --step s-42
  crewflowctl action COMPLETE_STEP -p p-1 --step s-42 --meta completionNotes="boxes set"
  crewflowctl action COMPLETE_STAGE -p p-1 --stage st-1 --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runAction,
}

func init() {
	rootCmd.AddCommand(actionCmd)
	actionCmd.Flags().StringVar(&actionStage, "stage", "", "Stage id")
	actionCmd.Flags().StringVar(&actionTask, "task", "", "Task or ad-hoc task id")
	actionCmd.Flags().StringVar(&actionStep, "step", "", "Step id")
	actionCmd.Flags().StringVar(&actionAssignment, "assignment", "", "Assignment id")
	actionCmd.Flags().StringArrayVar(&actionMeta, "meta", nil, "Action metadata as key=value (repeatable)")
	actionCmd.Flags().BoolVar(&actionDryRun, "dry-run", false, "Only report whether the action would be allowed")
}

func runAction(cmd *cobra.Command, args []string) error {
	projectID, err := requireProject()
	if err != nil {
		return err
	}
	action := domain.NormalizeAction(args[0])
	if action == "" {
		return fmt.Errorf("unknown action %q", args[0])
	}
	meta, err := parseMetadata(actionMeta)
	if err != nil {
		return err
	}
	req := workflow.Request{
		ProjectID:    projectID,
		StageID:      strings.TrimSpace(actionStage),
		TaskID:       strings.TrimSpace(actionTask),
		StepID:       strings.TrimSpace(actionStep),
		AssignmentID: strings.TrimSpace(actionAssignment),
		Action:       action,
		ActorUserID:  flagActor,
		Metadata:     meta,
	}

	return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
		if actionDryRun {
			check, err := rt.engine.Check(ctx, req)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), check); err != nil {
				return err
			}
			if !check.Allowed {
				return errRefused
			}
			return nil
		}

		result, err := rt.engine.ExecuteAction(ctx, req)
		if err != nil && !domain.IsRefusal(err) {
			return err
		}
		if perr := printJSON(cmd.OutOrStdout(), result); perr != nil {
			return perr
		}
		if err != nil {
			return fmt.Errorf("%w: %s", errRefused, result.Message)
		}
		return nil
	})
}
