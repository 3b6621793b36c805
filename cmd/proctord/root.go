package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/config"
	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/core"
)

const defaultConfigPath = "config/proctord.yaml"

// Version is the application version.
const Version = "0.2.0"

var (
	configPath string
	debug      bool
	autostart  bool
)

var rootCmd = &cobra.Command{
	Use:           "proctord",
	Short:         "Exam proctoring alert engine",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runService,
}

// Execute runs the root command under a SIGINT/SIGTERM aware context
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.Flags().BoolVar(&autostart, "autostart", false, "Start a proctoring session at boot")
	rootCmd.AddCommand(checkCmd)
}

func setupLogger(level slog.Level) {
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}

func runService(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	setupLogger(cfg.SlogLevel())

	slog.Info("starting proctord",
		"version", Version,
		"config", configPath,
		"instance_id", cfg.InstanceID,
		"debug", debug,
		"autostart", autostart,
	)

	svc, err := core.NewService(cfg, core.WithAutostart(autostart))
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("service error", "error", runErr)
		}
	}
	cancel()

	shutdownTimeout := cfg.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownErr := svc.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		slog.Error("shutdown failed", "error", shutdownErr)
	} else {
		slog.Info("proctord stopped successfully")
	}

	return errors.Join(runErr, shutdownErr)
}
