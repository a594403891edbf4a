package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/animus-labs/crewflow/internal/domain"
)

// edgeView is the JSON shape of a dependency edge.
type edgeView struct {
	ID             string                  `json:"id"`
	Dependent      domain.EntityRef        `json:"dependent"`
	DependsOn      domain.EntityRef        `json:"dependsOn"`
	Type           domain.DependencyType   `json:"dependencyType"`
	LagDays        int                     `json:"lagDays"`
	Status         domain.DependencyStatus `json:"status"`
	SatisfiedAt    *time.Time              `json:"satisfiedAt,omitempty"`
	Notes          string                  `json:"notes,omitempty"`
	IsCriticalPath bool                    `json:"isCriticalPath"`
	SlackDays      int                     `json:"slackDays"`
}

func toEdgeViews(deps []domain.Dependency) []edgeView {
	out := make([]edgeView, 0, len(deps))
	for _, d := range deps {
		out = append(out, edgeView{
			ID:             d.ID,
			Dependent:      d.Dependent,
			DependsOn:      d.DependsOn,
			Type:           d.Type,
			LagDays:        d.LagDays,
			Status:         d.Status,
			SatisfiedAt:    d.SatisfiedAt,
			Notes:          d.Notes,
			IsCriticalPath: d.IsCriticalPath,
			SlackDays:      d.SlackDays,
		})
	}
	return out
}

var readyType string

var readyCmd = &cobra.Command{
	Use:     "ready",
	GroupID: GroupGraph,
	Short:   "List units whose dependencies allow them to start",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, err := requireProject()
		if err != nil {
			return err
		}
		t, err := parseEntityType(readyType)
		if err != nil {
			return err
		}
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			refs, err := rt.parallel.ReadyToStart(ctx, projectID, t)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), refs)
		})
	},
}

var canStartCmd = &cobra.Command{
	Use:     "can-start <TYPE:id>",
	GroupID: GroupGraph,
	Short:   "Explain whether a unit can start now",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, err := requireProject()
		if err != nil {
			return err
		}
		ref, err := domain.ParseRef(args[0])
		if err != nil {
			return err
		}
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			res, err := rt.parallel.CanStart(ctx, projectID, ref)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

var depsCmd = &cobra.Command{
	Use:     "deps <TYPE:id>",
	GroupID: GroupGraph,
	Short:   "List the edges a unit waits on",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listEdges(cmd, args[0], false)
	},
}

var dependentsCmd = &cobra.Command{
	Use:     "dependents <TYPE:id>",
	GroupID: GroupGraph,
	Short:   "List the edges waiting on a unit",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listEdges(cmd, args[0], true)
	},
}

func listEdges(cmd *cobra.Command, raw string, dependents bool) error {
	projectID, err := requireProject()
	if err != nil {
		return err
	}
	ref, err := domain.ParseRef(raw)
	if err != nil {
		return err
	}
	return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
		var deps []domain.Dependency
		if dependents {
			deps, err = rt.engine.Dependents(ctx, projectID, ref)
		} else {
			deps, err = rt.engine.Dependencies(ctx, projectID, ref)
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), toEdgeViews(deps))
	})
}

var criticalPathStrict bool

var criticalPathCmd = &cobra.Command{
	Use:     "critical-path",
	GroupID: GroupGraph,
	Short:   "Compute the project's critical path and scheduling conflicts",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, err := requireProject()
		if err != nil {
			return err
		}
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			res, err := rt.engine.ComputeCriticalPath(ctx, projectID)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if criticalPathStrict {
				return res.Err()
			}
			return nil
		})
	},
}

var depCmd = &cobra.Command{
	Use:     "dep",
	GroupID: GroupGraph,
	Short:   "Add or remove dependency edges",
}

var (
	depType  string
	depLag   int
	depNotes string
)

var depAddCmd = &cobra.Command{
	Use:   "add <dependent TYPE:id> <dependsOn TYPE:id>",
	Short: "Add a dependency edge",
	Long: `Add a dependency edge. The edge is rejected when it would close a cycle,
link a unit to its own ancestor or descendant, or duplicate an existing edge.

Examples:
  crewflowctl dep add -p p-1 STEP:trim STEP:paint
  crewflowctl dep add -p p-1 TASK:finish TASK:drywall --type START_TO_START --lag 2`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, err := requireProject()
		if err != nil {
			return err
		}
		dependent, err := domain.ParseRef(args[0])
		if err != nil {
			return err
		}
		dependsOn, err := domain.ParseRef(args[1])
		if err != nil {
			return err
		}
		kind := domain.NormalizeDependencyType(depType)
		if !kind.IsSupported() {
			return fmt.Errorf("dependency type %q is not supported", depType)
		}
		edge := domain.Dependency{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			Dependent: dependent,
			DependsOn: dependsOn,
			Type:      kind,
			LagDays:   depLag,
			Status:    domain.DependencyPending,
			Notes:     strings.TrimSpace(depNotes),
			CreatedBy: flagActor,
		}
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			change, err := rt.engine.AddDependency(ctx, flagActor, edge)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), graphChangeView(change.Dependency, change.RemovedEdges, len(change.Changes)))
		})
	},
}

var depRemoveCmd = &cobra.Command{
	Use:   "remove <edge-id>",
	Short: "Remove a dependency edge and re-check its dependent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, err := requireProject()
		if err != nil {
			return err
		}
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			change, err := rt.engine.RemoveDependency(ctx, projectID, flagActor, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), graphChangeView(change.Dependency, change.RemovedEdges, len(change.Changes)))
		})
	},
}

var unitDeleteCmd = &cobra.Command{
	Use:     "delete-unit <TYPE:id>",
	GroupID: GroupGraph,
	Short:   "Delete a unit, its descendants and every edge touching them",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, err := requireProject()
		if err != nil {
			return err
		}
		ref, err := domain.ParseRef(args[0])
		if err != nil {
			return err
		}
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			change, err := rt.engine.DeleteUnit(ctx, projectID, flagActor, ref)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), change)
		})
	},
}

var cascadeCmd = &cobra.Command{
	Use:     "cascade <TYPE:id>",
	GroupID: GroupGraph,
	Short:   "Re-run the completion cascade for a unit changed outside the engine",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, err := requireProject()
		if err != nil {
			return err
		}
		ref, err := domain.ParseRef(args[0])
		if err != nil {
			return err
		}
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			change, err := rt.parallel.HandleEntityCompletionCascade(ctx, projectID, flagActor, ref)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), change)
		})
	},
}

var promoteCmd = &cobra.Command{
	Use:     "promote <TYPE:id>",
	GroupID: GroupGraph,
	Short:   "Re-check readiness of a unit or of every step beneath it",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, err := requireProject()
		if err != nil {
			return err
		}
		ref, err := domain.ParseRef(args[0])
		if err != nil {
			return err
		}
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			change, err := rt.engine.Promote(ctx, projectID, flagActor, ref)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), change)
		})
	},
}

func graphChangeView(dep *domain.Dependency, removed, changes int) map[string]any {
	out := map[string]any{"removedEdges": removed, "changes": changes}
	if dep != nil {
		out["dependency"] = toEdgeViews([]domain.Dependency{*dep})[0]
	}
	return out
}

func init() {
	readyCmd.Flags().StringVar(&readyType, "type", string(domain.EntityStep), "Entity type to list")
	criticalPathCmd.Flags().BoolVar(&criticalPathStrict, "strict", false, "Exit non-zero when conflicts are reported")
	depAddCmd.Flags().StringVar(&depType, "type", string(domain.FinishToStart), "FINISH_TO_START or START_TO_START")
	depAddCmd.Flags().IntVar(&depLag, "lag", 0, "Lag in days")
	depAddCmd.Flags().StringVar(&depNotes, "notes", "", "Free-form notes")

	depCmd.AddCommand(depAddCmd, depRemoveCmd)
	rootCmd.AddCommand(readyCmd, canStartCmd, depsCmd, dependentsCmd, criticalPathCmd, depCmd, unitDeleteCmd, cascadeCmd, promoteCmd)
}
