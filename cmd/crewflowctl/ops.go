package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/platform/objectstore"
	"github.com/animus-labs/crewflow/internal/service/recompute"
	"github.com/animus-labs/crewflow/internal/service/sweep"
)

var executeType string

var executeParallelCmd = &cobra.Command{
	Use:     "execute-parallel",
	GroupID: GroupActions,
	Short:   "Start every unit of a type that is ready to start",
	Long: `Start every READY_TO_START unit of the given type in parallel. Each start
is its own unit of work; refused starts are reported as skipped and do not
affect the others.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, err := requireProject()
		if err != nil {
			return err
		}
		t, err := parseEntityType(executeType)
		if err != nil {
			return err
		}
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			res, err := rt.parallel.ExecuteParallelEntities(ctx, projectID, flagActor, t)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Failed > 0 {
				return fmt.Errorf("%d start(s) failed", res.Failed)
			}
			return nil
		})
	},
}

var (
	recomputeAll    bool
	recomputeExport bool
)

var recomputeCmd = &cobra.Command{
	Use:     "recompute",
	GroupID: GroupOps,
	Short:   "Recompute critical path annotations now",
	Long: `Recompute the critical path of one project (--project) or of every project
flagged dirty (--all), annotate its edges and clear the flag. With --export
the snapshot is also written to object storage, as the daemon does.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !recomputeAll && flagProject == "" {
			return fmt.Errorf("--project or --all is required")
		}
		cfg, err := recompute.ConfigFromEnv()
		if err != nil {
			return err
		}
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			var snapshots recompute.SnapshotWriter
			if recomputeExport {
				store, err := snapshotStore(ctx)
				if err != nil {
					return err
				}
				snapshots = store
			}
			w := recompute.New(rt.db, snapshots, rt.bus, rt.logger, cfg)
			if recomputeAll {
				n, err := w.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"projects": n})
			}
			res, err := w.Recompute(ctx, flagProject)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

func snapshotStore(ctx context.Context) (*objectstore.SnapshotStore, error) {
	cfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("object store config: %w", err)
	}
	client, err := objectstore.NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := objectstore.EnsureBuckets(ctx, client, cfg); err != nil {
		return nil, err
	}
	return objectstore.NewSnapshotStore(client, cfg)
}

var snapshotAt string

var snapshotCmd = &cobra.Command{
	Use:     "snapshot",
	GroupID: GroupOps,
	Short:   "Print an exported critical path snapshot",
	Long: `Print the critical path snapshot exported for a project. Without --at the
latest snapshot is printed; --at takes the timestamp part of an object key
such as 20260504T080000Z.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, err := requireProject()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, err := snapshotStore(ctx)
		if err != nil {
			return err
		}
		name := "latest"
		if snapshotAt != "" {
			name = snapshotAt
		}
		body, err := store.Get(ctx, recompute.SnapshotKey(projectID, name))
		if err != nil {
			return err
		}
		var snap recompute.Snapshot
		if err := json.Unmarshal(body, &snap); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), snap)
	},
}

var sweepCmd = &cobra.Command{
	Use:     "sweep",
	GroupID: GroupOps,
	Short:   "Record overdue, due-soon and milestone notifications now",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := sweep.ConfigFromEnv()
		if err != nil {
			return err
		}
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			s := sweep.New(rt.db, rt.logger, cfg)
			var sum sweep.Summary
			if flagProject != "" {
				sum, err = s.SweepProject(ctx, flagProject)
			} else {
				sum, err = s.SweepOnce(ctx)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		})
	},
}

func init() {
	executeParallelCmd.Flags().StringVar(&executeType, "type", string(domain.EntityStep), "Entity type to start")
	recomputeCmd.Flags().BoolVar(&recomputeAll, "all", false, "Recompute one batch of dirty projects")
	recomputeCmd.Flags().BoolVar(&recomputeExport, "export", false, "Write the snapshot to object storage")
	snapshotCmd.Flags().StringVar(&snapshotAt, "at", "", "Snapshot timestamp (default latest)")
	rootCmd.AddCommand(executeParallelCmd, recomputeCmd, snapshotCmd, sweepCmd)
}
