package commands

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/corvuslabs/conduit-go/internal/logging"
	"github.com/corvuslabs/conduit-go/internal/queue"
)

// NewWorkerCmd constructs the `conduit worker` command, which runs the
// ingestion stage workers against the shared broker.
func NewWorkerCmd() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run ingestion stage workers draining the task broker",
		Long: `Run a pool of stage workers against the configured broker.

Each worker dequeues one stage task at a time (parse_normalize, pii_dq,
enrich, chunk_embed, index_publish), executes it, and enqueues the next
stage. Workers are horizontally scalable; stage order per ingest is
preserved by the chain itself, not by worker count.

Examples:
  conduit worker
  conduit worker --workers 8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			d, err := buildDeps(ctx, log)
			if err != nil {
				return fmt.Errorf("worker: %w", err)
			}
			defer d.close()

			if workers <= 0 {
				workers = d.cfg.Broker.Workers
			}

			log.Info("stage workers starting",
				slog.Int("workers", workers),
				slog.String("queue", d.cfg.Broker.Queue))

			queue.NewPool(d.broker, d.coord.Handle, workers).Run(ctx)
			return nil
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Number of concurrent stage workers (default: QUEUE_WORKERS)")

	return cmd
}
