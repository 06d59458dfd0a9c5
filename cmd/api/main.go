package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"threadline/api/internal/config"
	"threadline/api/internal/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:           "threadline",
		Short:         "Threaded collaboration API for orders, designs and products",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile == "" {
				_ = godotenv.Load()
				return nil
			}
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load env file: %w", err)
			}
			return nil
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading the environment (default .env when present)")

	root.AddCommand(newServeCommand(), newArchiveCommand(), newMigrateCommand())
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the event queue and the archive scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, cfg, logger, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.queue.Start(ctx); err != nil {
				return fmt.Errorf("start event queue: %w", err)
			}
			var archiveDone <-chan struct{}
			if cfg.ArchiveEnabled {
				archiveDone = rt.archiver.Start(ctx)
				logger.Info("archive_scheduler_started", zap.String("cron", rt.archiver.Cron()))
			}

			server := &http.Server{
				Addr:              cfg.Addr,
				Handler:           rt.httpServer().Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				WriteTimeout:      30 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			serveErr := make(chan error, 1)
			go func() {
				logger.Info("api_listening", zap.String("addr", cfg.Addr))
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case err := <-serveErr:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("shutdown_error", zap.Error(err))
			}
			if archiveDone != nil {
				<-archiveDone
			}
			logger.Info("api_stopped")
			return nil
		},
	}
}

func newArchiveCommand() *cobra.Command {
	archiveCmd := &cobra.Command{
		Use:   "archive",
		Short: "Inactive-thread archival",
	}
	archiveCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one auto-archive sweep now and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				result, err := rt.archiver.RunNow(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	})
	return archiveCmd
}

func newMigrateCommand() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Schema and data migrations",
	}
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				if rt.db == nil {
					return fmt.Errorf("DATABASE_URL is required")
				}
				return printJSON(cmd, map[string]any{"applied": rt.migrated})
			})
		},
	})
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "flatten-replies",
		Short: "Re-parent replies stored deeper than the maximum depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				result, err := rt.messages.FlattenDeepReplies(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	})
	return migrateCmd
}

// withRuntime builds a synchronous runtime for one-shot commands.
func withRuntime(cmd *cobra.Command, run func(ctx context.Context, rt *runtime) error) error {
	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer rt.Close()
	return run(ctx, rt)
}

func printJSON(cmd *cobra.Command, payload any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}
