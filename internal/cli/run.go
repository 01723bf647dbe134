package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/KafClaw/chatrun/internal/config"
	"github.com/KafClaw/chatrun/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Inspect and re-enqueue runs",
}

var runStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Print a run as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunStatus,
}

var runEnqueueCmd = &cobra.Command{
	Use:   "enqueue <run-id>",
	Short: "Publish a new job for a queued run",
	Long:  "Publish a new job for a run that is still queued, for example after the API could not reach the broker.",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunEnqueue,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage job records",
}

var jobsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished job records past their retention",
	RunE:  runJobsPrune,
}

func init() {
	runCmd.AddCommand(runStatusCmd)
	runCmd.AddCommand(runEnqueueCmd)
	jobsCmd.AddCommand(jobsPruneCmd)
}

func runRunStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	r, err := st.GetRun(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("run %s: %w", args[0], err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func runRunEnqueue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if cfg.Queue.Backend == config.QueueMemory {
		return fmt.Errorf("the memory queue is process-local; re-enqueue is only possible with kafka")
	}
	rt, err := openRuntime(cfg, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	r, err := rt.runs.Get(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("run %s: %w", args[0], err)
	}
	if r.Status != store.RunQueued {
		return fmt.Errorf("run %s is %s, only queued runs can be enqueued", r.ID, r.Status)
	}
	h, err := rt.runs.Enqueue(cmd.Context(), r.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Enqueued run %s as job %s\n", r.ID, h.JobID)
	return nil
}

func runJobsPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.PruneJobs(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d job records\n", n)
	return nil
}
