package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"bucketflow/internal/config"
	"bucketflow/internal/constants"
	"bucketflow/internal/handlers"
	"bucketflow/internal/logger"
	"bucketflow/internal/routing"
	"bucketflow/pkg/cel"
	"bucketflow/pkg/logging"
)

var (
	configFile string
)

// @title           bucketflow API
// @version         1.0
// @description     HTTP push ingestion and route inspection for the bucketflow storage event dispatcher

// @host      localhost:8080
// @BasePath  /

// @schemes   http https

func main() {
	rootCmd := &cobra.Command{
		Use:   "bucketflow",
		Short: "Storage event dispatcher",
		Long:  "bucketflow routes object storage notifications to handlers with deduplication, retries and dead-lettering",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(routesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(earlyLog *logging.EarlyLog) (*config.Config, error) {
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
		if configFile == "" {
			earlyLog.Error("Config file is required. Use --config flag or CONFIG_FILE environment variable")
			return nil, fmt.Errorf("config file is required")
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		earlyLog.Error("Failed to load config: %v", err)
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logging.NewEarlyLog()

			cfg, err := loadConfig(earlyLog)
			if err != nil {
				return err
			}

			log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				earlyLog.Error("Failed to init logger: %v", err)
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.InfowCtx(ctx, "Starting bucketflow")

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.ErrorwCtx(ctx, "Failed to initialize application", "error", err)
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
				defer shutdownCancel()
				_ = app.Shutdown(shutdownCtx)
				return err
			}

			log.InfowCtx(ctx, "Service running")
			runErr := app.Run(ctx)
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				log.ErrorwCtx(ctx, "Service stopped with error", "error", runErr)
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer shutdownCancel()
			if err := app.Shutdown(shutdownCtx); err != nil {
				log.ErrorwCtx(shutdownCtx, "Shutdown incomplete", "error", err)
				return err
			}

			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				return runErr
			}
			log.InfowCtx(shutdownCtx, "Service shutdown complete")
			return nil
		},
	}
}

func routesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Inspect route definitions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configured routes against the enabled handlers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(logging.NewEarlyLog())
			if err != nil {
				return err
			}

			table, err := checkRoutes(cfg)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "routes invalid: %v\n", err)
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tHANDLER\tFILTERS\tCONDITION\tRETRY")
			for _, r := range table.Describe() {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", r.Name, r.Handler, len(r.Filters), r.Condition, r.RetryPolicy)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d routes OK\n", table.Len())
			return nil
		},
	})
	return cmd
}

type handlerIDs map[string]struct{}

func (h handlerIDs) Has(id string) bool {
	_, ok := h[id]
	return ok
}

// checkRoutes builds the route table without connecting to any backend.
func checkRoutes(cfg *config.Config) (*routing.Table, error) {
	ids := handlerIDs{}
	for _, id := range handlers.EnabledIDs(cfg.Handlers) {
		ids[id] = struct{}{}
	}

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, err
	}

	defs, err := routing.Definitions(cfg.Routes)
	if err != nil {
		return nil, err
	}

	return routing.Load(defs, ids, routing.Options{
		DefaultRetry: routing.RetryPolicyFromConfig(&cfg.Dispatch.DefaultRetry, routing.DefaultRetryPolicy()),
		Evaluator:    evaluator,
	})
}
