package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cellbook/internal/app"
	"cellbook/internal/config"
	"cellbook/internal/logutil"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "cellbook",
		Short:         "Reactive notebook server for script and query cells",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the notebook server",
		Long:  "Start the notebook server in the foreground. Configuration comes from CELLBOOK_* environment variables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logutil.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	srv, err := app.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("cellbook starting", zap.String("version", version))
	return srv.Run(ctx)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cellbook version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cellbook version %s\n", version)
		},
	}
}
