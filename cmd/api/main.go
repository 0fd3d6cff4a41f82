package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unimatch/backend/internal/app/apiapp"
	"github.com/unimatch/backend/internal/config"
	"github.com/unimatch/backend/internal/infra/logger"
	pgrepo "github.com/unimatch/backend/internal/repo/postgres"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:           "unimatch-api",
		Short:         "Match and messaging sync server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultPath := os.Getenv("APP_CONFIG")
	if defaultPath == "" {
		defaultPath = "configs/config.yaml"
	}
	cmd.PersistentFlags().StringVar(&cfgPath, "config", defaultPath, "Path to the YAML config file")

	cmd.AddCommand(newServeCommand(&cfgPath))
	cmd.AddCommand(newMigrateCommand(&cfgPath))
	return cmd
}

func newServeCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}

			log, err := logger.New(cfg.Log.Level, cfg.Realtime.InstanceID)
			if err != nil {
				return err
			}
			defer func() {
				_ = log.Sync()
			}()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := apiapp.New(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("create api app: %w", err)
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- app.Run()
			}()

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := app.Shutdown(shutdownCtx); err != nil {
					log.Error("shutdown api app", zap.Error(err))
				}
				return nil
			case err := <-errCh:
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = app.Shutdown(shutdownCtx)
				return err
			}
		},
	}
}

func newMigrateCommand(cfgPath *string) *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending postgres migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if dsn == "" {
				cfg, err := config.Load(*cfgPath)
				if err != nil {
					return err
				}
				dsn = cfg.Postgres.DSN
			}
			if err := pgrepo.Migrate(ctx, dsn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN, overrides the config file")
	return cmd
}
