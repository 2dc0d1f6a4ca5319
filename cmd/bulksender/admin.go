package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"bulksender/internal/app"
	"bulksender/internal/contacts"
	"bulksender/internal/queue"
	"bulksender/internal/report"
	"bulksender/internal/storage"

	"github.com/spf13/cobra"
)

// withQueue opens the queue for a one-shot command and closes it afterwards.
func withQueue(cmd *cobra.Command, g *globalFlags, fn func(ctx context.Context, q *queue.Queue) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	h, err := app.Open(ctx, g.configPath, g.dbPath)
	if err != nil {
		return err
	}
	defer h.Close()
	return fn(ctx, h.Queue)
}

func parseJobID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(arg, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", arg)
	}
	return id, nil
}

func enqueueCmd(g *globalFlags) *cobra.Command {
	var (
		to         []string
		file       string
		text       string
		attachment string
		delayMin   time.Duration
		delayMax   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Create a job for the given recipients",
		Example: `  bulksender enqueue --to +15550100 --to +15550101 --text "hello"
  bulksender enqueue --file contacts.csv --attachment ./uploads/flyer.png --delay-min 10s --delay-max 20s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var raw []string
			raw = append(raw, to...)
			if file != "" {
				list, err := contacts.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read %s: %w", file, err)
				}
				raw = append(raw, list...)
			}
			recipients := make([]string, 0, len(raw))
			for _, r := range raw {
				if p := contacts.Normalize(r); p != "" {
					recipients = append(recipients, p)
				}
			}
			return withQueue(cmd, g, func(ctx context.Context, q *queue.Queue) error {
				id, err := q.Enqueue(ctx, queue.Request{
					Recipients: recipients,
					Text:       text,
					Attachment: attachment,
					DelayMin:   delayMin,
					DelayMax:   delayMax,
				})
				if err != nil {
					return err
				}
				unique := len(queue.Dedupe(recipients))
				fmt.Fprintf(cmd.OutOrStdout(), "job #%d enqueued: %d recipients (%d duplicates, %d invalid)\n",
					id, unique, len(recipients)-unique, len(raw)-len(recipients))
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringArrayVar(&to, "to", nil, "recipient phone number (repeatable)")
	f.StringVar(&file, "file", "", "contact list file (.txt or .csv)")
	f.StringVar(&text, "text", "", "message text")
	f.StringVar(&attachment, "attachment", "", "path to an attachment file")
	f.DurationVar(&delayMin, "delay-min", 0, "minimum delay between messages (default from config)")
	f.DurationVar(&delayMax, "delay-max", 0, "maximum delay between messages (default from config)")
	return cmd
}

func jobsCmd(g *globalFlags) *cobra.Command {
	var (
		limit  int
		active bool
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd, g, func(ctx context.Context, q *queue.Queue) error {
				var (
					jobs []storage.Job
					err  error
				)
				if active {
					jobs, err = q.ActiveJobs(ctx)
				} else {
					jobs, err = q.Jobs(ctx, limit)
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(jobs) == 0 {
					fmt.Fprintln(out, "No jobs.")
					return nil
				}
				printJobs(out, jobs)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs to list")
	cmd.Flags().BoolVar(&active, "active", false, "only running, paused and waiting_for_login jobs")
	return cmd
}

func printJobs(w io.Writer, jobs []storage.Job) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTOTAL\tSENT\tFAILED\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%s\n",
			j.ID, j.Status, j.Total, j.Sent, j.Failed, j.CreatedAt.Local().Format(time.DateTime))
	}
	_ = tw.Flush()
}

func statusCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withQueue(cmd, g, func(ctx context.Context, q *queue.Queue) error {
				j, err := q.JobStatus(ctx, id)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(j)
				}
				fmt.Fprintf(out, "Job #%d: %s\n", j.ID, j.Status)
				fmt.Fprintf(out, "  messages: %d total, %d sent, %d failed, %d remaining\n", j.Total, j.Sent, j.Failed, j.Remaining())
				fmt.Fprintf(out, "  delay:    %s - %s\n", j.DelayMin, j.DelayMax)
				if j.Attachment != "" {
					fmt.Fprintf(out, "  attachment: %s\n", j.Attachment)
				}
				if j.StartedAt != nil {
					fmt.Fprintf(out, "  started:  %s\n", j.StartedAt.Local().Format(time.DateTime))
				}
				if j.CompletedAt != nil {
					fmt.Fprintf(out, "  completed: %s\n", j.CompletedAt.Local().Format(time.DateTime))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the job as JSON")
	return cmd
}

func messagesCmd(g *globalFlags) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "messages <job-id>",
		Short: "List a job's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withQueue(cmd, g, func(ctx context.Context, q *queue.Queue) error {
				msgs, err := q.JobMessages(ctx, id, storage.MessageStatus(status))
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(msgs) == 0 {
					fmt.Fprintln(out, "No messages.")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tRECIPIENT\tSTATUS\tRETRIES\tLAST ERROR")
				for _, m := range msgs {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", m.ID, m.Recipient, m.Status, m.RetryCount, m.LastError)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, sent, failed)")
	return cmd
}

func adminCmd(g *globalFlags, use, short string, op func(*queue.Queue) func(context.Context, int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withQueue(cmd, g, func(ctx context.Context, q *queue.Queue) error {
				if err := op(q)(ctx, id); err != nil {
					return err
				}
				j, err := q.JobStatus(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job #%d is %s\n", id, j.Status)
				return nil
			})
		},
	}
}

func pauseCmd(g *globalFlags) *cobra.Command {
	return adminCmd(g, "pause", "Pause a job; the worker skips it until resumed",
		func(q *queue.Queue) func(context.Context, int64) error { return q.PauseJob })
}

func resumeCmd(g *globalFlags) *cobra.Command {
	return adminCmd(g, "resume", "Resume a paused job",
		func(q *queue.Queue) func(context.Context, int64) error { return q.ResumeJob })
}

func stopCmd(g *globalFlags) *cobra.Command {
	return adminCmd(g, "stop", "Stop a job for good; remaining messages are not sent",
		func(q *queue.Queue) func(context.Context, int64) error { return q.StopJob })
}

func deleteCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a stopped or completed job and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withQueue(cmd, g, func(ctx context.Context, q *queue.Queue) error {
				if err := q.DeleteJob(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job #%d deleted\n", id)
				return nil
			})
		},
	}
}

func reportCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Print a progress summary of active jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd, g, func(ctx context.Context, q *queue.Queue) error {
				jobs, err := q.ActiveJobs(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), report.Summarize(jobs))
				return nil
			})
		},
	}
}
