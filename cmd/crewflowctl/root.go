package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/events"
	"github.com/animus-labs/crewflow/internal/execution/cascade"
	"github.com/animus-labs/crewflow/internal/execution/parallel"
	"github.com/animus-labs/crewflow/internal/execution/rules"
	"github.com/animus-labs/crewflow/internal/execution/template"
	"github.com/animus-labs/crewflow/internal/execution/workflow"
	platformpg "github.com/animus-labs/crewflow/internal/platform/postgres"
	"github.com/animus-labs/crewflow/internal/repo/postgres"
)

const (
	GroupActions = "actions"
	GroupGraph   = "graph"
	GroupOps     = "ops"
)

var (
	flagProject string
	flagActor   string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "crewflowctl",
	Short: "Operate crewflow project workflows",
	Long: `crewflowctl drives the crewflow workflow engine directly against the
project database: execute actions, inspect dependencies and readiness,
compute critical paths, apply templates and run maintenance passes.

Results are printed as JSON on stdout. Logs go to stderr.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupActions, Title: "Workflow actions:"},
		&cobra.Group{ID: GroupGraph, Title: "Dependency graph:"},
		&cobra.Group{ID: GroupOps, Title: "Operations:"},
	)
	rootCmd.PersistentFlags().StringVarP(&flagProject, "project", "p", "", "Project id")
	rootCmd.PersistentFlags().StringVar(&flagActor, "actor", envOr("CREWFLOW_ACTOR", "operator"), "Acting user id recorded on events")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Log at debug level")
}

// runtime is the wired engine stack shared by commands.
type runtime struct {
	logger    *slog.Logger
	sqlDB     *sql.DB
	db        *postgres.Database
	bus       *events.Bus
	engine    *workflow.Engine
	parallel  *parallel.Manager
	templates *template.Instantiator
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func connect(ctx context.Context) (*runtime, error) {
	logger := newLogger(os.Stderr)

	dbCfg, err := platformpg.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("database config: %w", err)
	}
	rulesCfg, err := rules.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("rules config: %w", err)
	}
	parallelCfg, err := parallel.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("parallel config: %w", err)
	}
	ruleEngine, err := rules.Load(rulesCfg)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	sqlDB, err := platformpg.Open(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db, err := postgres.NewDatabase(sqlDB, dbCfg)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if err := db.EnsureSchema(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	bus := events.NewBus(logger)
	bus.Subscribe(events.LogSubscriber(logger))

	opts := cascade.Options{RequireAcceptedAssignment: rulesCfg.RequireAcceptedAssignment}
	engine := workflow.New(db, workflow.Options{
		Rules:     ruleEngine,
		Cascade:   opts,
		Publisher: bus,
		Logger:    logger,
	})
	return &runtime{
		logger:    logger,
		sqlDB:     sqlDB,
		db:        db,
		bus:       bus,
		engine:    engine,
		parallel:  parallel.New(db, engine, opts, parallelCfg, logger),
		templates: template.NewInstantiator(db, template.Options{Cascade: opts, Publisher: bus, Logger: logger}),
	}, nil
}

func (rt *runtime) Close() {
	_ = rt.sqlDB.Close()
}

// withRuntime connects, runs fn and closes the connection.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	ctx := cmd.Context()
	rt, err := connect(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func requireProject() (string, error) {
	p := strings.TrimSpace(flagProject)
	if p == "" {
		return "", fmt.Errorf("--project is required")
	}
	return p, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseEntityType accepts any casing and the ad-hoc aliases.
func parseEntityType(value string) (domain.EntityType, error) {
	t := domain.NormalizeEntityType(value)
	if t == "" {
		return "", fmt.Errorf("entity type %q is invalid (want STAGE, TASK, ADHOC_TASK or STEP)", value)
	}
	return t, nil
}

// parseMetadata turns key=value pairs into action metadata. Booleans are
// kept as strings; Metadata.Bool understands both forms.
func parseMetadata(pairs []string) (domain.Metadata, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := domain.Metadata{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("metadata %q must be key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
