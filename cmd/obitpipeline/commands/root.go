package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"ObitPipeline/internal/app"
	"ObitPipeline/internal/config"
	"ObitPipeline/internal/logging"
)

var batchSize int

var rootCmd = &cobra.Command{
	Use:           "obitpipeline",
	Short:         "LLM-assisted obituary rewrite and fact-audit pipeline",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// buildApp loads .env and config and wires the application. Every command
// re-reads configuration, matching the one-invocation-per-run model.
func buildApp() (*app.Application, error) {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.New(cfg.Logging.Level)
	return app.New(cfg, logger)
}

var rewriteCmd = &cobra.Command{
	Use:   "rewrite",
	Short: "Run one rewrite batch and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		application, err := buildApp()
		if err != nil {
			return err
		}
		defer application.Close()
		return application.RunRewrite(cmd.Context(), batchSize)
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Run one audit batch (idle gate permitting) and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		application, err := buildApp()
		if err != nil {
			return err
		}
		defer application.Close()
		return application.RunAudit(cmd.Context(), batchSize)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run both stages on their schedules with a metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		application, err := buildApp()
		if err != nil {
			return err
		}
		defer application.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return application.Serve(ctx)
	},
}

func init() {
	rewriteCmd.Flags().IntVar(&batchSize, "batch", 0, "Batch size override (0 = configured size)")
	auditCmd.Flags().IntVar(&batchSize, "batch", 0, "Batch size override (0 = configured size)")
	rootCmd.AddCommand(rewriteCmd, auditCmd, serveCmd)
}
