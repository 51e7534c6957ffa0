package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/establishment/storesync/internal/domain"
	"github.com/establishment/storesync/internal/journal"
	"github.com/establishment/storesync/internal/metrics"
	"github.com/establishment/storesync/internal/server"
	"github.com/establishment/storesync/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serveAddr string
	serveSeed string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the reference storesync server",
	Long: `Serves the journal over HTTP: bulk state, batched fetches, object writes,
event paging and per-stream websocket subscriptions. With nats.publish set,
every journaled event is also published on NATS.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().StringVar(&serveSeed, "seed", "", "Import a state file into the journal before serving")
}

func runServe(cmd *cobra.Command, args []string) error {
	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	j, err := openJournal()
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveSeed != "" {
		payload, err := readState(serveSeed)
		if err != nil {
			return err
		}
		n, err := j.Import(ctx, payload.State)
		if err != nil {
			return fmt.Errorf("failed to seed journal: %w", err)
		}
		logger.Info("seeded journal", "objects", n, "file", serveSeed)
	}

	opts := server.Options{
		Logger:       logger,
		Token:        cfg.Server.Token,
		Types:        domain.Types,
		PingInterval: cfg.Server.PingInterval.Std(),
	}
	if cfg.Server.Metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts.Metrics = metrics.New(reg)
		opts.Gatherer = reg
	}
	if cfg.NATS.Publish {
		nc, err := transport.ConnectNATS(cfg.NATS.URL, "storesync-server", logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		opts.Publisher = transport.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix)
	}

	srv := server.New(j, opts)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx, addr)
	})

	// Heartbeat goroutine
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				logHeartbeat(ctx, j, srv.Hub())
			}
		}
	})

	return g.Wait()
}

func logHeartbeat(ctx context.Context, j *journal.Journal, hub *server.Hub) {
	stats, err := j.Stats(ctx)
	if err != nil {
		logger.Warn("failed to read journal stats", "error", err)
		return
	}
	logger.Info("heartbeat",
		"events", stats.Events,
		"cursor", stats.Cursor,
		"subscribers", hub.Subscribers(),
	)
}
