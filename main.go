package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"medsim/internal/config"
	"medsim/internal/mcp"
	"medsim/internal/server"
	"medsim/internal/store"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const heartbeatInterval = time.Hour

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "medsim",
		Short:        "Clinical case simulator for medical students",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./medsim.yaml)")

	root.AddCommand(
		serveCmd(&configPath),
		mcpCmd(&configPath),
		migrateCmd(&configPath),
		casesCmd(&configPath),
		showCmd(&configPath),
	)
	return root
}

// loadConfig reads the config file and binds the command's flags over it.
func loadConfig(cmd *cobra.Command, path string, flags map[string]string) (*config.Config, *zap.Logger, error) {
	v, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	for key, flag := range flags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return nil, nil, fmt.Errorf("failed to bind --%s: %w", flag, err)
		}
	}

	cfg, err := config.Decode(v)
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.NewLogger(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd, *configPath, map[string]string{
				"server.host":   "host",
				"server.port":   "port",
				"feedback.mode": "feedback-mode",
				"store.driver":  "store",
				"llm.provider":  "provider",
			})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signalContext()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				stop()
				return err
			}
			defer func() {
				stop()
				a.shutdown(cfg.Server.ShutdownTimeout)
			}()

			srv, err := server.New(server.Config{
				Manager:           a.manager,
				Cases:             a.catalog,
				Renderer:          a.renderer,
				Histogram:         a.histogram,
				Limiter:           a.limiter,
				Logger:            logger,
				Registry:          a.registry,
				RequestsPerSecond: cfg.Server.RequestsPerSecond,
				Burst:             cfg.Server.Burst,
			})
			if err != nil {
				return err
			}

			a.recordEvent(ctx, "startup", fmt.Sprintf("%s serving on %s", a.instanceID, cfg.Server.Addr()))
			go a.maintain(ctx, heartbeatInterval)

			return srv.ListenAndServe(ctx, cfg.Server.Addr(), cfg.Server.ShutdownTimeout)
		},
	}

	cmd.Flags().String("host", "", "listen host")
	cmd.Flags().Int("port", 0, "listen port")
	cmd.Flags().String("feedback-mode", "", "feedback generation mode (single|parallel)")
	cmd.Flags().String("store", "", "persistence driver (sqlite|postgres|none)")
	cmd.Flags().String("provider", "", "completion backend (openai|http)")
	return cmd
}

func mcpCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the simulator as an MCP tool on stdin/stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd, *configPath, nil)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signalContext()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				stop()
				return err
			}
			defer func() {
				stop()
				a.shutdown(cfg.Server.ShutdownTimeout)
			}()

			a.recordEvent(ctx, "startup", a.instanceID+" serving MCP on stdio")
			go a.maintain(ctx, heartbeatInterval)

			// Serve blocks on stdin, so a signal must not wait for the next line.
			s := mcp.NewServer(a.manager, a.catalog, logger, version)
			errCh := make(chan error, 1)
			go func() {
				errCh <- s.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
			}()

			select {
			case err := <-errCh:
				if err != nil && ctx.Err() == nil {
					return fmt.Errorf("mcp server: %w", err)
				}
			case <-ctx.Done():
				logger.Info("received signal, shutting down")
			}
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := v.BindPFlag("store.postgres_dsn", cmd.Flags().Lookup("dsn")); err != nil {
				return err
			}

			dsn := v.GetString("store.postgres_dsn")
			if dsn == "" {
				return fmt.Errorf("no postgres DSN: set --dsn or %s_STORE_POSTGRES_DSN", config.EnvPrefix)
			}

			ctx, stop := signalContext()
			defer stop()
			if err := store.MigratePostgres(ctx, dsn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.Flags().String("dsn", "", "postgres connection string")
	return cmd
}

func casesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cases",
		Short: "List the available scenarios",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return listCases(cmd, v)
		},
	}
}

func listCases(cmd *cobra.Command, v *viper.Viper) error {
	catalog, err := loadCatalog(v.GetString("cases.file"))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE")
	for _, sc := range catalog.Scenarios() {
		fmt.Fprintf(tw, "%s\t%s\n", sc.ID, sc.Title)
	}
	return tw.Flush()
}

func showCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session saved in the sqlite store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := v.BindPFlag("store.sqlite_path", cmd.Flags().Lookup("db")); err != nil {
				return err
			}

			db, err := store.OpenSQLite(v.GetString("store.sqlite_path"))
			if err != nil {
				return err
			}
			defer db.Close()

			return showSession(cmd, db, args[0])
		},
	}
	cmd.Flags().String("db", "", "sqlite database path")
	return cmd
}

func showSession(cmd *cobra.Command, db *store.SQLite, id string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rec, err := db.LoadSession(ctx, id)
	if err != nil {
		return err
	}
	bookedPrompt, bookedCompletion, err := db.SessionUsage(ctx, id)
	if err != nil {
		return err
	}

	finished := "-"
	if !rec.FinishedAt.IsZero() {
		finished = rec.FinishedAt.UTC().Format(time.RFC3339)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "SESSION\t%s\n", rec.SessionID)
	fmt.Fprintf(tw, "SCENARIO\t%s\n", rec.ScenarioID)
	fmt.Fprintf(tw, "STAGE\t%s\n", rec.Stage)
	fmt.Fprintf(tw, "STARTED\t%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(tw, "FINISHED\t%s\n", finished)
	fmt.Fprintf(tw, "ROUNDS\t%d\n", rec.RoundCount)
	fmt.Fprintf(tw, "DIAGNOSIS\t%s\n", rec.FinalDiagnosis)
	fmt.Fprintf(tw, "TOKENS\t%d (%d prompt, %d completion)\n", rec.TotalTokens, rec.PromptTokens, rec.CompletionTokens)
	fmt.Fprintf(tw, "BOOKED CALLS\t%d prompt, %d completion\n", bookedPrompt, bookedCompletion)
	return tw.Flush()
}
