package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/establishment/storesync/internal/dispatch"
	"github.com/establishment/storesync/internal/domain"
	"github.com/establishment/storesync/internal/store"
	"github.com/establishment/storesync/internal/telemetry"
	"github.com/establishment/storesync/internal/transport"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	watchStreams []string
	watchThreads bool
	watchEvents  string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Load the server state and follow its event streams",
	Long: `Fetches the bulk state from the server, subscribes to the named streams
and logs every change applied to the local stores. The stream transport is
client.transport (websocket or nats). With --events a local event log is
followed instead and the command exits when it is exhausted.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringSliceVarP(&watchStreams, "stream", "s", []string{domain.GlobalStream}, "Streams to subscribe to")
	watchCmd.Flags().BoolVar(&watchThreads, "threads", false, "Also follow the stream of every message thread")
	watchCmd.Flags().StringVar(&watchEvents, "events", "", "Follow a newline-delimited event log instead of the server")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings := transport.DefaultClientSettings()
	settings.Token = cfg.Client.Token
	settings.Timeout = cfg.Client.Timeout.Std()
	client := transport.NewClient(ctx, cfg.Client.URL, settings, logger)
	defer client.Close()

	source, closeSource, err := newStreamSource()
	if err != nil {
		return err
	}
	defer closeSource()

	stores, d, err := newReplica(source, nil)
	if err != nil {
		return err
	}
	defer stores.Close()
	defer d.Close()

	var applied atomic.Int64
	watchChanges(stores, &applied)

	if watchEvents == "" {
		client.AddPostprocessor(d.ImportPayload)
		stores.EnableFetch(store.FetchOptions{
			Fetcher:    client,
			Importer:   d,
			MaxObjects: cfg.Fetch.MaxObjects,
			Delay:      cfg.Fetch.Delay.Std(),
		})
		if _, err := client.FetchState(ctx); err != nil {
			telemetry.TrackError("watch_state")
			return fmt.Errorf("failed to fetch state: %w", err)
		}
		counts := stores.Counts()
		for _, name := range sortedKeys(counts) {
			logger.Info("loaded", "objectType", name, "count", counts[name])
		}
	} else {
		// nothing is fetched, so every store counts as loaded
		for _, name := range domain.Types {
			d.MarkLoaded(name)
		}
	}

	for _, name := range watchStreams {
		if err := d.RegisterStream(ctx, name); err != nil {
			return fmt.Errorf("failed to register stream %s: %w", name, err)
		}
	}
	if watchThreads {
		followThreads(ctx, stores, d)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if watchEvents == "" {
			<-ctx.Done()
			return nil
		}
		return waitStreams(ctx, d)
	})
	err = g.Wait()

	loaded := 0
	for _, n := range stores.Counts() {
		loaded += n
	}
	telemetry.TrackSync(loaded, int(applied.Load()))
	logger.Info("stopped", "changes", applied.Load(), "pending", d.Pending())
	return err
}

func newStreamSource() (dispatch.StreamSource, func(), error) {
	if watchEvents != "" {
		return transport.NewLineSource(func() (io.ReadCloser, error) {
			return os.Open(watchEvents)
		}, logger), func() {}, nil
	}
	if cfg.Client.Transport == "nats" {
		nc, err := transport.ConnectNATS(cfg.NATS.URL, "storesync-watch", logger)
		if err != nil {
			return nil, nil, err
		}
		return transport.NewNATSSource(nc, cfg.NATS.SubjectPrefix, logger), nc.Close, nil
	}
	ws := transport.DefaultWebsocketSettings()
	ws.Token = cfg.Client.Token
	source, err := transport.NewWebsocketSource(cfg.Client.URL, ws, logger)
	if err != nil {
		return nil, nil, err
	}
	return source, func() {}, nil
}

func watchChanges(stores *domain.Stores, applied *atomic.Int64) {
	for _, s := range stores.Registry.Stores() {
		name := s.Name()
		for _, kind := range []store.Kind{store.KindCreate, store.KindUpdate, store.KindDelete, store.KindIDChange} {
			s.AddListener(kind, func(c store.Change) {
				applied.Add(1)
				attrs := []any{"objectType", name, "change", c.Kind, "objectId", c.Entity.ID()}
				if c.PreviousID != "" {
					attrs = append(attrs, "previousId", c.PreviousID)
				}
				if c.Virtual {
					attrs = append(attrs, "virtual", true)
				}
				logger.Info("change", attrs...)
			})
		}
	}
}

// followThreads subscribes to the stream of every known thread and of every
// thread created later.
func followThreads(ctx context.Context, stores *domain.Stores, d *dispatch.Dispatcher) {
	register := func(e *store.Entity) {
		if e.Virtual() {
			return
		}
		if err := d.RegisterStream(ctx, domain.ThreadStream(e.ID())); err != nil {
			logger.Warn("failed to follow thread", "threadId", e.ID(), "error", err)
		}
	}
	for _, e := range stores.Threads.All() {
		register(e)
	}
	stores.Threads.AddCreateListener(func(c store.Change) {
		register(c.Entity)
	})
	stores.Threads.AddDeleteListener(func(c store.Change) {
		d.UnregisterStream(domain.ThreadStream(c.Entity.ID()))
	})
}

func waitStreams(ctx context.Context, d *dispatch.Dispatcher) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if len(d.Streams()) == 0 {
				return nil
			}
		}
	}
}
