package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/chatrun/internal/config"
)

var workerOwner string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume run jobs from the queue",
	Long: "Consume run jobs and run the maintenance loops: the run reaper, " +
		"the delivery sweeper and the job janitor.",
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerOwner, "owner", "", "Lease owner name (default host:pid:random)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if cfg.Queue.Backend == config.QueueMemory {
		return fmt.Errorf("the memory queue is process-local; use 'chatrun serve --embedded-worker' instead")
	}
	rt, err := openRuntime(cfg, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	if err := rt.startWorker(gctx, g); err != nil {
		return err
	}
	err = ignoreCanceled(g.Wait())
	slog.Info("Worker stopped")
	return err
}

// startWorker launches the consumer and the maintenance loops on g.
func (rt *runtime) startWorker(ctx context.Context, g *errgroup.Group) error {
	w, err := rt.newWorker()
	if err != nil {
		return err
	}
	if workerOwner != "" {
		w.WithOwner(workerOwner)
	}
	slog.Info("Worker starting", "owner", w.Owner(), "delivery", rt.notifier.Enabled())
	g.Go(func() error { return w.Run(ctx) })
	for _, loop := range rt.maintenance() {
		g.Go(func() error { return loop(ctx) })
	}
	return nil
}
