package commands

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/corvuslabs/conduit-go/internal/logging"
	"github.com/corvuslabs/conduit-go/internal/queue"
	"github.com/corvuslabs/conduit-go/internal/server"
)

// NewServeCmd constructs the `conduit serve` command, which starts the HTTP
// API server.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the conduit HTTP API server",
		Long: `Start the conduit HTTP API on the configured address.

The server exposes the ingestion endpoints (upload, status, reindex, delete,
presign, object-store webhook), the query endpoint, and the operational
endpoints (/health, /ready, /metrics).

With the in-memory broker (the default when REDIS_ADDR is unset) the stage
workers run inside this process; with Redis, run 'conduit worker' separately.

Examples:
  conduit serve
  conduit serve --port 9090
  REDIS_ADDR=localhost:6379 conduit serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			d, err := buildDeps(ctx, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer d.close()

			if _, inMemory := d.broker.(*queue.MemoryBroker); inMemory {
				pool := queue.NewPool(d.broker, d.coord.Handle, d.cfg.Broker.Workers)
				go pool.Run(ctx)
				log.Info("in-process stage workers started",
					slog.Int("workers", d.cfg.Broker.Workers))
			}

			if host == "" {
				host = d.cfg.Server.Host
			}
			if port == 0 {
				port = d.cfg.Server.Port
			}

			srv, err := server.New(server.Deps{
				Store:    d.store,
				Objects:  d.objects,
				Pipeline: d.coord,
				Query:    d.orch,
			}, &server.Config{
				Host:   host,
				Port:   port,
				Logger: log,
				APIKey: d.cfg.Server.APIKey,
				Pingers: []server.Pinger{
					server.NewPinger("state", d.store),
					server.NewPinger("object-store", d.objects),
					server.NewPinger("index", d.index),
					server.NewPinger("broker", d.broker),
				},
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Host address to bind to (default: CONDUIT_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "TCP port to listen on (default: CONDUIT_PORT)")

	return cmd
}
