package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/chatrun/internal/api"
	"github.com/KafClaw/chatrun/internal/config"
)

var (
	serveEmbeddedWorker bool
	serveAddr           string
)

// signalContext is swapped in tests.
var signalContext = func(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: "Run the HTTP API. With --embedded-worker the process also consumes jobs, " +
		"which is required when the queue backend is memory.",
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveEmbeddedWorker, "embedded-worker", false, "Process jobs in this process")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	embedded := serveEmbeddedWorker || cfg.Queue.Backend == config.QueueMemory
	rt, err := openRuntime(cfg, cfg.Queue.Backend == config.QueueMemory)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	addr := firstNonEmpty(serveAddr, cfg.Server.Addr())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.NewServer(rt.store, rt.runs).ListenAndServe(gctx, addr)
	})
	if embedded {
		if err := rt.startWorker(gctx, g); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "chatrun %s listening on %s (embedded worker: %v)\n", version, addr, embedded)
	err = ignoreCanceled(g.Wait())
	slog.Info("Shutdown complete")
	return err
}
