package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/ToolPulse/internal/audit"
	"github.com/TobiSchelling/ToolPulse/internal/database"
	"github.com/TobiSchelling/ToolPulse/internal/reanalysis"
)

var reanalyzeCmd = &cobra.Command{
	Use:   "reanalyze",
	Short: "Manage reanalysis jobs",
}

var reanalyzeCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Queue a reanalysis job",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		fromFlag, _ := cmd.Flags().GetString("from")
		toFlag, _ := cmd.Flags().GetString("to")
		toolIDs, _ := cmd.Flags().GetStringSlice("tools")
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		by, _ := cmd.Flags().GetString("by")
		wait, _ := cmd.Flags().GetBool("wait")

		from, err := parseDate(fromFlag, false)
		if err != nil {
			return err
		}
		to, err := parseDate(toFlag, true)
		if err != nil {
			return err
		}

		eng := newEngine(db, audit.LogNotifier{Logger: logger})
		res, err := eng.trigger.Create(cmd.Context(), reanalysis.CreateRequest{
			From:        from,
			To:          to,
			ToolIDs:     toolIDs,
			BatchSize:   batchSize,
			TriggeredBy: by,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Queued job %s over ~%d documents\n", res.JobID, res.EstimatedDocCount)

		if !wait {
			fmt.Println("Run 'toolpulse reanalyze run' or 'toolpulse serve' to process it")
			return nil
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if _, err := eng.worker.RunPending(ctx); err != nil {
			return err
		}
		job, err := eng.trigger.Status(cmd.Context(), res.JobID)
		if err != nil {
			return err
		}
		printJob(job)
		return nil
	},
}

var reanalyzeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent reanalysis jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		eng := newEngine(db, audit.Nop{})
		jobs, err := eng.trigger.List(cmd.Context(), database.JobFilter{
			Status: database.JobStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No reanalysis jobs.")
			return nil
		}
		for _, j := range jobs {
			fmt.Printf("  %s  %-9s  %5.1f%%  %d/%d  %s (%s)\n",
				j.ID, j.Status, j.Progress.Percentage, j.Progress.ProcessedCount, j.Progress.TotalCount,
				j.TriggeredBy, j.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var reanalyzeStatusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show a job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		job, err := newEngine(db, audit.Nop{}).trigger.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJobJSON(job)
	},
}

var reanalyzeCancelCmd = &cobra.Command{
	Use:   "cancel [job-id]",
	Short: "Cancel a queued job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		job, err := newEngine(db, audit.LogNotifier{Logger: logger}).trigger.Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Cancelled job %s\n", job.ID)
		return nil
	},
}

var reanalyzeRetryCmd = &cobra.Command{
	Use:   "retry [job-id]",
	Short: "Requeue a failed job; it resumes from its last checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		job, err := newEngine(db, audit.LogNotifier{Logger: logger}).trigger.Retry(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Requeued job %s at %d/%d documents\n", job.ID, job.Progress.ProcessedCount, job.Progress.TotalCount)
		return nil
	},
}

var reanalyzeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Process queued jobs in the foreground and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		eng := newEngine(db, audit.LogNotifier{Logger: logger})

		n, err := eng.worker.RecoverInterrupted(ctx)
		if err != nil {
			return fmt.Errorf("recovering interrupted jobs: %w", err)
		}
		if n > 0 {
			fmt.Printf("Marked %d job(s) with expired leases as failed\n", n)
		}

		n, err = eng.worker.RunPending(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Processed %d job(s)\n", n)
		return nil
	},
}

func init() {
	reanalyzeCreateCmd.Flags().String("from", "", "Only posts published on or after this date (YYYY-MM-DD)")
	reanalyzeCreateCmd.Flags().String("to", "", "Only posts published on or before this date (YYYY-MM-DD)")
	reanalyzeCreateCmd.Flags().StringSlice("tools", nil, "Only posts currently tagged with these tool ids")
	reanalyzeCreateCmd.Flags().Int("batch-size", 0, "Documents per batch (default from config)")
	reanalyzeCreateCmd.Flags().String("by", os.Getenv("USER"), "Identity recorded as the job's trigger")
	reanalyzeCreateCmd.Flags().Bool("wait", false, "Process the job in the foreground")

	reanalyzeListCmd.Flags().String("status", "", "Filter by status (queued, running, completed, failed, cancelled)")
	reanalyzeListCmd.Flags().Int("limit", 20, "Maximum jobs to show")

	reanalyzeCmd.AddCommand(reanalyzeCreateCmd)
	reanalyzeCmd.AddCommand(reanalyzeListCmd)
	reanalyzeCmd.AddCommand(reanalyzeStatusCmd)
	reanalyzeCmd.AddCommand(reanalyzeCancelCmd)
	reanalyzeCmd.AddCommand(reanalyzeRetryCmd)
	reanalyzeCmd.AddCommand(reanalyzeRunCmd)
}

// parseDate accepts YYYY-MM-DD or RFC 3339. A bare date used as an upper
// bound covers the whole day.
func parseDate(s string, endOfDay bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q (expected YYYY-MM-DD)", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Second)
	}
	return &t, nil
}

func printJob(j *database.Job) {
	fmt.Printf("Job %s: %s\n", j.ID, j.Status)
	fmt.Printf("  Processed: %d/%d (%.1f%%)\n", j.Progress.ProcessedCount, j.Progress.TotalCount, j.Progress.Percentage)
	fmt.Printf("  Categorized: %d, uncategorized: %d, errors: %d\n",
		j.Statistics.CategorizedCount, j.Statistics.UncategorizedCount, j.Statistics.ErrorsCount)
	if j.Error != "" {
		fmt.Printf("  Error: %s\n", j.Error)
	}
}

func printJobJSON(j *database.Job) error {
	out, err := json.MarshalIndent(reanalysis.ViewOf(j), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
