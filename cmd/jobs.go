package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/whale-analyst/internal/job"
	"github.com/sells-group/whale-analyst/internal/model"
	"github.com/sells-group/whale-analyst/internal/monitoring"
	"github.com/sells-group/whale-analyst/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect analysis jobs",
	Long:  "Commands for listing and summarizing analysis jobs.",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List analysis jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("jobs"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		kind, _ := cmd.Flags().GetString("kind")
		subject, _ := cmd.Flags().GetString("subject")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.JobFilter{
			Status:     model.JobStatus(status),
			Kind:       model.AnalysisKind(kind),
			SubjectKey: subject,
			Limit:      limit,
		}
		if filter.Status != "" && !filter.Status.Valid() {
			return fmt.Errorf("unknown status %q (pending, running, completed, failed)", status)
		}

		reader := job.NewStatusReader(st, time.Duration(cfg.Jobs.StaleAfterMins)*time.Minute)
		jobs, err := reader.List(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

// -- jobs stats --

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate job statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("jobs"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		hours := int(since.Hours())
		if hours <= 0 {
			hours = 1
		}

		collector := monitoring.NewCollector(st,
			monitoring.WithStaleAfter(time.Duration(cfg.Jobs.StaleAfterMins)*time.Minute),
		)
		snap, err := collector.Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "jobs stats")
		}

		formatStats(os.Stdout, snap)
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by job status (pending, running, completed, failed)")
	jobsListCmd.Flags().String("kind", "", "filter by analysis kind")
	jobsListCmd.Flags().String("subject", "", "filter by subject key")
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")

	jobsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatsCmd)
	rootCmd.AddCommand(jobsCmd)
}

// formatJobsList writes a tabular list of jobs to w.
func formatJobsList(out io.Writer, jobs []job.Status) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSUBJECT\tKIND\tSTATUS\tPROVIDER\tCREATED\tAGE")
	_, _ = fmt.Fprintln(w, "--\t-------\t----\t------\t--------\t-------\t---")

	for _, j := range jobs {
		subject := j.SubjectKey
		if len(subject) > 30 {
			subject = subject[:27] + "..."
		}

		status := string(j.Status)
		if j.LikelyAbandoned {
			status += " (stale?)"
		}

		prov := ""
		if j.Result != nil {
			prov = j.Result.Metadata.Provider
		} else if j.FailureReason != "" {
			prov = failureClass(j.FailureReason)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(j.ID),
			subject,
			j.Kind,
			status,
			prov,
			j.CreatedAt.Format("2006-01-02 15:04"),
			j.UpdatedAt.Sub(j.CreatedAt).Round(time.Second),
		)
	}
	_ = w.Flush()
}

// formatStats writes a metrics snapshot to w.
func formatStats(out io.Writer, s *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\t%dh\n", s.LookbackHours)
	_, _ = fmt.Fprintf(w, "Total jobs:\t%d\n", s.JobsTotal)
	_, _ = fmt.Fprintf(w, "Pending:\t%d\n", s.JobsPending)
	_, _ = fmt.Fprintf(w, "Running:\t%d\n", s.JobsRunning)
	if s.StuckRunning > 0 {
		_, _ = fmt.Fprintf(w, "  Stuck:\t%d\n", s.StuckRunning)
	}
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.JobsCompleted)
	if s.PartialContext > 0 {
		_, _ = fmt.Fprintf(w, "  Partial context:\t%d\n", s.PartialContext)
	}
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.JobsFailed)
	for _, class := range sortedKeys(s.FailureClasses) {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", class, s.FailureClasses[class])
	}
	_, _ = fmt.Fprintf(w, "Fail rate:\t%.1f%%\n", s.FailRate*100)
	if len(s.ByProvider) > 0 {
		_, _ = fmt.Fprintln(w, "By provider:\t")
		for _, p := range sortedKeys(s.ByProvider) {
			_, _ = fmt.Fprintf(w, "  %s:\t%d\n", p, s.ByProvider[p])
		}
	}
	if s.AvgDurationMs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", float64(s.AvgDurationMs)/1000)
	}
	if s.AvgTokens > 0 {
		_, _ = fmt.Fprintf(w, "Avg tokens:\t%d\n", s.AvgTokens)
	}
	_, _ = fmt.Fprintf(w, "Cost:\t$%.4f\n", s.CostUSD)
	_ = w.Flush()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// failureClass returns the class prefix of a failure reason.
func failureClass(reason string) string {
	for i, r := range reason {
		if r == ':' {
			return reason[:i]
		}
	}
	return reason
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
