package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"stock-job-scheduler/internal/config"
	"stock-job-scheduler/internal/janitor"
	"stock-job-scheduler/internal/store"
)

// queuectl is the operator CLI: inspect queues and processors, trigger
// retention or reclaim passes by hand, cancel pending jobs.
func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "queuectl",
		Short:         "Operate the background job scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(statsCmd(), cleanupCmd(), reclaimCmd(), cancelCmd())
	return root
}

func withStore(fn func(ctx context.Context, cfg config.Config, st *store.Store) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load()
		ctx := cmd.Context()
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer st.Close()
		return fn(ctx, cfg, st)
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-queue and per-processor breakdowns",
		RunE: withStore(func(ctx context.Context, cfg config.Config, st *store.Store) error {
			queues, err := st.QueueStats(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "QUEUE\tSTATUS\tJOBS")
			for _, q := range queues {
				fmt.Fprintf(w, "%s\t%s\t%d\n", q.QueueName, q.Status, q.Count)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			procs, err := st.ProcessorStats(ctx)
			if err != nil {
				return err
			}
			fmt.Println()
			w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "QUEUE\tSTATUS\tPROCESSORS\tACTIVE\tPROCESSED\tFAILED")
			for _, p := range procs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n",
					p.QueueName, p.Status, p.ProcessorCount, p.ActiveJobs, p.TotalProcessed, p.TotalFailed)
			}
			return w.Flush()
		}),
	}
}

func cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run one retention pass now",
		RunE: withStore(func(ctx context.Context, cfg config.Config, st *store.Store) error {
			if days <= 0 {
				days = cfg.RetentionDays
			}
			j := janitor.New(st, nil, cfg.ProcessorTTL, cfg.HeartbeatFresh, zerolog.Nop())
			removed := j.CleanupOldJobs(ctx, days)
			fmt.Printf("removed %d terminal jobs older than %d days\n", removed, days)
			return nil
		}),
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention horizon in days (default from config)")
	return cmd
}

func reclaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Requeue processing jobs abandoned by dead processors",
		RunE: withStore(func(ctx context.Context, cfg config.Config, st *store.Store) error {
			j := janitor.New(st, nil, cfg.ProcessorTTL, cfg.HeartbeatFresh, zerolog.Nop())
			n := j.ReclaimStale(ctx)
			fmt.Printf("reclaimed %d jobs\n", n)
			return nil
		}),
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			return withStore(func(ctx context.Context, cfg config.Config, st *store.Store) error {
				if err := st.CancelPending(ctx, id); err != nil {
					return fmt.Errorf("cancel job %d: %w", id, err)
				}
				fmt.Printf("job %d cancelled\n", id)
				return nil
			})(cmd, args)
		},
	}
}
