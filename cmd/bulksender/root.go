package main

import (
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	dbPath     string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "bulksender",
		Short:         "Durable bulk message queue and sender",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "./config.json", "path to config file (json or yaml)")
	root.PersistentFlags().StringVar(&g.dbPath, "db", "", "queue database path (overrides storage.path)")

	root.AddCommand(
		workerCmd(g),
		serveCmd(g),
		enqueueCmd(g),
		jobsCmd(g),
		statusCmd(g),
		messagesCmd(g),
		pauseCmd(g),
		resumeCmd(g),
		stopCmd(g),
		deleteCmd(g),
		reportCmd(g),
		sessionCmd(g),
	)
	return root
}
