package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"hive.evalgo.org/common"
	"hive.evalgo.org/db"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Inspect and steer coordination runs",
}

var runStatusCmd = &cobra.Command{
	Use:   "status RUN_ID",
	Short: "Show the status of a run",
	Long: `Show a run's status, queue counts, leader and per-worker progress.
With --failed, list the terminally failed documents with their final errors.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel RUN_ID",
	Short: "Cancel a run",
	Long: `Move a non-terminal run to failed. Attached workers observe the status
change on their next check and exit; the run's queue and error history stay
queryable.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	runStatusCmd.Flags().StringP("output", "o", "table", "output format: table, json or yaml")
	runStatusCmd.Flags().Bool("failed", false, "include failed documents with their final errors")
	runCancelCmd.Flags().String("reason", "", "reason to record on the run")
	runListCmd.Flags().Bool("all", false, "include terminal runs")
	runCmd.AddCommand(runStatusCmd, runCancelCmd, runListCmd)
	RootCmd.AddCommand(runCmd)
}

// statusReport is the marshal-friendly shape of `hive run status`.
type statusReport struct {
	Run     runReport       `json:"run" yaml:"run"`
	Queue   queueReport     `json:"queue" yaml:"queue"`
	Workers []workerReport  `json:"workers" yaml:"workers"`
	Failed  []failedDocItem `json:"failed_documents,omitempty" yaml:"failed_documents,omitempty"`
}

type runReport struct {
	RunID              string     `json:"run_id" yaml:"run_id"`
	ConfigHash         string     `json:"config_hash" yaml:"config_hash"`
	Status             string     `json:"status" yaml:"status"`
	StatusReason       string     `json:"status_reason,omitempty" yaml:"status_reason,omitempty"`
	Leader             string     `json:"leader,omitempty" yaml:"leader,omitempty"`
	CreatedAt          time.Time  `json:"created_at" yaml:"created_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Elapsed            string     `json:"elapsed" yaml:"elapsed"`
	WorkerCount        int        `json:"worker_count" yaml:"worker_count"`
	DocumentsQueued    int64      `json:"documents_queued" yaml:"documents_queued"`
	DocumentsProcessed int64      `json:"documents_processed" yaml:"documents_processed"`
	DocumentsFailed    int64      `json:"documents_failed" yaml:"documents_failed"`
	DocumentsRetried   int64      `json:"documents_retried" yaml:"documents_retried"`
}

type queueReport struct {
	Pending    int64 `json:"pending" yaml:"pending"`
	Processing int64 `json:"processing" yaml:"processing"`
	Completed  int64 `json:"completed" yaml:"completed"`
	Failed     int64 `json:"failed" yaml:"failed"`
	Retry      int64 `json:"retry" yaml:"retry"`
}

type workerReport struct {
	WorkerID      string    `json:"worker_id" yaml:"worker_id"`
	Status        string    `json:"status" yaml:"status"`
	Hostname      string    `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	Version       string    `json:"version,omitempty" yaml:"version,omitempty"`
	Claimed       int64     `json:"documents_claimed" yaml:"documents_claimed"`
	Processed     int64     `json:"documents_processed" yaml:"documents_processed"`
	Failed        int64     `json:"documents_failed" yaml:"documents_failed"`
	LastHeartbeat time.Time `json:"last_heartbeat" yaml:"last_heartbeat"`
}

type failedDocItem struct {
	DocID      string     `json:"doc_id" yaml:"doc_id"`
	SourceName string     `json:"source" yaml:"source"`
	Retries    int        `json:"retries" yaml:"retries"`
	Error      string     `json:"error" yaml:"error"`
	FailedAt   *time.Time `json:"failed_at,omitempty" yaml:"failed_at,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	runID := args[0]
	output, _ := cmd.Flags().GetString("output")
	withFailed, _ := cmd.Flags().GetBool("failed")
	switch output {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", output)
	}

	cfg, err := loadOperatorConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := connectStore(ctx, cfg, common.Logger)
	if err != nil {
		return err
	}
	defer store.DB().Close()

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}
	summary, err := store.SummarizeQueue(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to summarize queue: %w", err)
	}
	workers, err := store.ListWorkers(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to list workers: %w", err)
	}
	var failed []*db.QueueItem
	if withFailed {
		failed, err = store.ListFailedItems(ctx, runID, 100)
		if err != nil {
			return fmt.Errorf("failed to list failed documents: %w", err)
		}
	}

	report := buildStatusReport(run, summary, workers, failed)
	switch output {
	case "json":
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
	case "yaml":
		data, err := yaml.Marshal(report)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
	default:
		renderStatusTable(cmd.OutOrStdout(), report)
	}
	return nil
}

func buildStatusReport(run *db.Run, summary db.QueueSummary, workers []*db.RunWorker, failed []*db.QueueItem) statusReport {
	// Elapsed is measured on the database clock: ObservedAt came back with
	// the queue summary, so live runs never show skewed local-clock values.
	end := summary.ObservedAt
	if run.CompletedAt != nil {
		end = *run.CompletedAt
	}
	elapsed := end.Sub(run.CreatedAt).Round(time.Second)
	if elapsed < 0 {
		elapsed = 0
	}

	report := statusReport{
		Run: runReport{
			RunID:              run.RunID,
			ConfigHash:         run.ConfigHash,
			Status:             run.Status,
			StatusReason:       run.StatusReason,
			Leader:             run.LeaderWorkerID,
			CreatedAt:          run.CreatedAt,
			CompletedAt:        run.CompletedAt,
			Elapsed:            elapsed.String(),
			WorkerCount:        run.WorkerCount,
			DocumentsQueued:    run.DocumentsQueued,
			DocumentsProcessed: run.DocumentsProcessed,
			DocumentsFailed:    run.DocumentsFailed,
			DocumentsRetried:   run.DocumentsRetried,
		},
		Queue: queueReport{
			Pending:    summary.Pending,
			Processing: summary.Processing,
			Completed:  summary.Completed,
			Failed:     summary.Failed,
			Retry:      summary.Retry,
		},
	}
	for _, w := range workers {
		report.Workers = append(report.Workers, workerReport{
			WorkerID:      w.WorkerID,
			Status:        w.Status,
			Hostname:      w.Hostname,
			Version:       w.Version,
			Claimed:       w.DocumentsClaimed,
			Processed:     w.DocumentsProcessed,
			Failed:        w.DocumentsFailed,
			LastHeartbeat: w.LastHeartbeat,
		})
	}
	for _, item := range failed {
		report.Failed = append(report.Failed, failedDocItem{
			DocID:      item.DocID,
			SourceName: item.SourceName,
			Retries:    item.RetryCount,
			Error:      item.ErrorMessage,
			FailedAt:   item.FailedAt,
		})
	}
	return report
}

func renderStatusTable(out io.Writer, report statusReport) {
	r := report.Run
	fmt.Fprintf(out, "Run:      %s  (config %s)\n", r.RunID, r.ConfigHash)
	fmt.Fprintf(out, "Status:   %s\n", r.Status)
	if r.StatusReason != "" {
		fmt.Fprintf(out, "Reason:   %s\n", r.StatusReason)
	}
	if r.Leader != "" {
		fmt.Fprintf(out, "Leader:   %s\n", r.Leader)
	}
	fmt.Fprintf(out, "Created:  %s (%s)\n", r.CreatedAt.Format(time.RFC3339), humanize.Time(r.CreatedAt))
	fmt.Fprintf(out, "Elapsed:  %s\n", r.Elapsed)
	fmt.Fprintf(out, "Totals:   %d queued, %d processed, %d failed, %d retried\n",
		r.DocumentsQueued, r.DocumentsProcessed, r.DocumentsFailed, r.DocumentsRetried)
	fmt.Fprintf(out, "Queue:    %d pending | %d processing | %d completed | %d failed | %d retry\n",
		report.Queue.Pending, report.Queue.Processing, report.Queue.Completed,
		report.Queue.Failed, report.Queue.Retry)

	if len(report.Workers) > 0 {
		fmt.Fprintln(out)
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "WORKER\tSTATUS\tHOST\tCLAIMED\tPROCESSED\tFAILED\tLAST HEARTBEAT")
		for _, w := range report.Workers {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				w.WorkerID, w.Status, w.Hostname, w.Claimed, w.Processed, w.Failed,
				humanize.Time(w.LastHeartbeat))
		}
		tw.Flush()
	}

	if len(report.Failed) > 0 {
		fmt.Fprintln(out)
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "FAILED DOCUMENT\tSOURCE\tRETRIES\tERROR")
		for _, f := range report.Failed {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", f.DocID, f.SourceName, f.Retries, f.Error)
		}
		tw.Flush()
	}
}

func runCancel(cmd *cobra.Command, args []string) error {
	runID := args[0]
	reasonFlag, _ := cmd.Flags().GetString("reason")
	reason := "operator cancelled"
	if reasonFlag != "" {
		reason = fmt.Sprintf("operator cancelled: %s", reasonFlag)
	}

	cfg, err := loadOperatorConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := connectStore(ctx, cfg, common.Logger)
	if err != nil {
		return err
	}
	defer store.DB().Close()

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}
	if run.IsTerminal() {
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s is already %s\n", runID, run.Status)
		return nil
	}

	cancelled, err := store.FailRun(ctx, runID, reason)
	if err != nil {
		return fmt.Errorf("failed to cancel run: %w", err)
	}
	if !cancelled {
		return fmt.Errorf("run %s changed status while cancelling", runID)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Run %s cancelled; workers exit on their next status check\n", runID)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")

	cfg, err := loadOperatorConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := connectStore(ctx, cfg, common.Logger)
	if err != nil {
		return err
	}
	defer store.DB().Close()

	runs, err := store.ListRuns(ctx, all)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs found")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTATUS\tWORKERS\tQUEUED\tPROCESSED\tFAILED\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.RunID, r.Status, r.WorkerCount, r.DocumentsQueued,
			r.DocumentsProcessed, r.DocumentsFailed, humanize.Time(r.CreatedAt))
	}
	return tw.Flush()
}
