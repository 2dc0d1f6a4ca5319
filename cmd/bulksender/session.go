package main

import (
	"context"
	"fmt"
	"time"

	"bulksender/internal/app"

	"github.com/spf13/cobra"
)

func sessionCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or close the transport session",
	}
	cmd.AddCommand(sessionStatusCmd(g), sessionCloseCmd(g))
	return cmd
}

func withSession(cmd *cobra.Command, g *globalFlags, timeout time.Duration, fn func(ctx context.Context, h *app.SessionHandle) error) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	h, err := app.OpenSession(g.configPath)
	if err != nil {
		return err
	}
	defer h.Release()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return fn(ctx, h)
}

func sessionStatusCmd(g *globalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the session is authenticated",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, g, timeout, func(ctx context.Context, h *app.SessionHandle) error {
				state := "unhealthy"
				if h.Session.Healthy(ctx) {
					state = "healthy"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "session is %s\n", state)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the gateway")
	return cmd
}

func sessionCloseCmd(g *globalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Log the transport session out; the next worker start needs a new login",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, g, timeout, func(ctx context.Context, h *app.SessionHandle) error {
				if err := h.Close(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "session closed")
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the gateway")
	return cmd
}
