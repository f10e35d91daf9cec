package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	charmLog "github.com/charmbracelet/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"drdflow/internal/app"
	"drdflow/internal/config"
	"drdflow/internal/domain"
	"drdflow/internal/engine"
	"drdflow/internal/logging"
	"drdflow/internal/migrate"
	"drdflow/internal/repo"
	"drdflow/internal/server"
	"drdflow/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "drd",
	Short: "drdflow CLI",
	Long: `drdflow runs the review and approval workflow for digital readiness assessments
and the stage gates that move a transformation programme from phase to phase.

- Workspace: a .drdflow directory holding the SQLite database, optionally next to a drdflow.yml.
- Project: one programme, moving CONTEXT -> ASSESSMENT -> INITIATIVES -> ROADMAP -> EXECUTION -> STABILIZATION.
- Assessment: versioned content that goes DRAFT -> IN_REVIEW -> AWAITING_APPROVAL -> APPROVED or REJECTED.
- Reviews: assignments per version. Once every one is completed or skipped the assessment awaits approval.
- Gates: checklists recorded per project. A gate passes only when every criterion is met.
- Event log: every change is recorded, view with 'drd log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("DRDFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("project", "", "project id (overrides drdflow.yml)")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(assessmentCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the REST API. Reads DRDFLOW_ADDR, DRDFLOW_BASE_PATH, DRDFLOW_JWT_SECRET, DRDFLOW_ALLOW_ACTOR_HEADER, DRDFLOW_LOG_LEVEL, DRDFLOW_LOG_FORMAT and DRDFLOW_OTEL_ENDPOINT.",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadServerEnv()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				env.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				env.BasePath = basePath
			}
			logger, err := logging.New(os.Stderr, env.LogLevel, env.LogFormat)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			shutdownTracing, err := telemetry.Setup(ctx, "drdflow", env.OTelEndpoint)
			if err != nil {
				return fmt.Errorf("telemetry: %w", err)
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(sctx); err != nil {
					logger.Warn("flush traces", "err", err)
				}
			}()

			ws, err := app.Open(viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer ws.Close()
			if err := ensureConfiguredProject(ctx, ws); err != nil {
				return err
			}

			handler, err := server.New(server.Config{
				Engine:   ws.Engine,
				BasePath: env.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:              env.JWTSecret,
					AllowLegacyActorHeader: env.AllowActorHeader,
				},
				Log: logger,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(ctx, ws.Engine, logger)

			srv := &http.Server{Addr: env.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			logger.Info("serving drdflow API", "addr", env.Addr, "base_path", env.BasePath, "docs", "/docs")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			logger.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// ensureConfiguredProject creates the project named in drdflow.yml on first serve.
func ensureConfiguredProject(ctx context.Context, ws *app.Workspace) error {
	if ws.Config == nil {
		return nil
	}
	_, err := ws.Engine.GetProject(ctx, ws.Config.Project.ID)
	if err == nil || !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	_, err = ws.Engine.InitProject(ctx, engine.ProjectInput{
		ID:     ws.Config.Project.ID,
		Config: ws.Config,
	}, viper.GetString("actor-id"))
	return err
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.ListEvents(ctx, repo.EventFilter{
					ProjectID:  projectID,
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Time", "Type", "Entity", "Actor", "Payload")
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- helpers ---

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and list their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := app.Open(viper.GetString("workspace"), newLogger())
			if err != nil {
				return err
			}
			defer ws.Close()
			items, err := migrate.Status(ws.DB)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := newTable("Version", "Name", "Applied")
			for _, m := range items {
				tw.AppendRow(table.Row{m.Version, m.Name, m.AppliedAt})
			}
			tw.Render()
			return nil
		},
	}
}

func newLogger() *charmLog.Logger {
	logger, err := logging.New(os.Stderr, viper.GetString("log-level"), "text")
	if err != nil {
		return logging.Discard()
	}
	return logger
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := app.Open(viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

func withProject(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	ws, err := app.Open(viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer ws.Close()
	projectID, err := ws.ResolveProject(ctx, viper.GetString("project"))
	if err != nil {
		return err
	}
	return fn(ctx, ws.Engine, projectID)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printWorkflow(st domain.WorkflowStatus) error {
	if viper.GetBool("json") {
		return printJSON(st)
	}
	fmt.Printf("Assessment: %s (version %d)\n", st.AssessmentID, st.CurrentVersion)
	fmt.Printf("Status:     %s\n", st.Status)
	fmt.Printf("Reviews:    %d/%d completed\n", st.CompletedReviews, st.TotalReviews)
	if st.RejectionReason != "" {
		fmt.Printf("Rejected:   %s\n", st.RejectionReason)
	}
	actions := make([]string, 0, len(st.PermittedActions))
	for _, a := range st.PermittedActions {
		actions = append(actions, string(a))
	}
	fmt.Printf("Next:       %s\n", strings.Join(actions, ", "))
	return nil
}

// exitCode maps domain failures onto distinct process exit codes.
func exitCode(err error) int {
	switch domain.CodeOf(err) {
	case domain.CodeInvalidArgument, domain.CodeUnknownValue:
		return 2
	case domain.CodeNotFound:
		return 3
	case domain.CodeInvalidTransition, domain.CodeInvalidState, domain.CodeOutOfOrder:
		return 4
	case domain.CodeGateRejected:
		return 5
	default:
		return 1
	}
}
