package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"bulksender/internal/app"

	"github.com/spf13/cobra"
)

func workerCmd(g *globalFlags) *cobra.Command {
	var withAPI bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the send loop until SIGINT/SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), g, app.Options{Worker: true, API: withAPI, DBPath: g.dbPath})
		},
	}
	cmd.Flags().BoolVar(&withAPI, "api", false, "also serve the producer HTTP API")
	return cmd
}

func serveCmd(g *globalFlags) *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the producer HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), g, app.Options{API: true, Worker: withWorker, DBPath: g.dbPath})
		},
	}
	cmd.Flags().BoolVar(&withWorker, "worker", false, "also run the send loop in this process")
	return cmd
}

// run starts the app and blocks until a signal or a fatal component error.
func run(parent context.Context, g *globalFlags, opts app.Options) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a, err := app.New(ctx, g.configPath, opts)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	reason := app.StopAppStop
	select {
	case sig := <-sigCh:
		reason = app.ReasonForSignal(sig)
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), a.StopTimeout())
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	return a.Err()
}
