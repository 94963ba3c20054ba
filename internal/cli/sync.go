package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/evanofslack/cloud-dns-sync/internal/journal"
	"github.com/evanofslack/cloud-dns-sync/internal/metrics"
	"github.com/evanofslack/cloud-dns-sync/internal/reconcile"
	"github.com/evanofslack/cloud-dns-sync/internal/source"
	"github.com/spf13/cobra"
)

var errSyncFailed = errors.New("sync finished with failures")

func newCmdSync(opts *options) *cobra.Command {
	var once, dryRun bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile every declared zone, on an interval or once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if dryRun {
				cfg.Reconcile.DryRun = true
			}
			m := metrics.New(!once)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			j, err := journal.New(cfg.JournalPath, m)
			if err != nil {
				return fmt.Errorf("initialize journal: %w", err)
			}
			defer j.Close()

			_, engine, err := newEngine(ctx, cfg, m)
			if err != nil {
				return err
			}
			s := &syncer{recordsPath: cfg.RecordsPath, engine: engine, journal: j, metrics: m}

			if once {
				return s.performSync(ctx)
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", m.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			server := &http.Server{
				Addr:              cfg.Metrics.Address,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				slog.Info("Starting metrics server", "address", server.Addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("Metrics server failed", "error", err)
				}
			}()

			changes, err := source.Watch(ctx, cfg.RecordsPath)
			if err != nil {
				slog.Warn("Records file watch disabled", "path", cfg.RecordsPath, "error", err)
			}

			slog.Info("Starting cloud-dns-sync service", "provider", cfg.DNS.Provider, "interval", cfg.SyncInterval)
			wg := &sync.WaitGroup{}
			wg.Add(1)
			go s.runSyncLoop(ctx, wg, cfg.SyncInterval, changes)

			<-ctx.Done()
			slog.Info("Shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.Error("Metrics server shutdown error", "error", err)
			}

			wg.Wait()
			slog.Info("Service shutdown complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run a single reconcile pass and exit")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Plan and report without changing any record")
	return cmd
}

type syncer struct {
	recordsPath string
	engine      reconcile.Engine
	journal     journal.Journal
	metrics     *metrics.Metrics
}

func (s *syncer) runSyncLoop(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, changes <-chan struct{}) {
	defer wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.performSync(ctx); err != nil {
			slog.Error("Sync operation failed", "error", err)
		}

		select {
		case <-ticker.C:
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			slog.Info("Records file changed, syncing early")
			ticker.Reset(interval)
		case <-ctx.Done():
			slog.Info("Stopping sync loop")
			return
		}
	}
}

// performSync reconciles every zone of the records file. A zone that fails
// does not stop the others.
func (s *syncer) performSync(ctx context.Context) error {
	slog.Info("Starting sync operation")
	start := time.Now()
	defer func() {
		s.metrics.SetSyncDuration(time.Since(start))
	}()

	zones, err := source.Load(s.recordsPath)
	if err != nil {
		s.metrics.IncSyncRun(false)
		return err
	}

	var failed []string
	var created, updated, deleted int
	for _, z := range zones {
		started := time.Now()
		results, err := s.engine.Reconcile(ctx, z.Zone, z.Records)
		if results.Zone == "" {
			results.Zone = z.Zone
		}
		run := journal.FromResults(results, started, err)
		if jerr := s.journal.Save(ctx, run); jerr != nil {
			slog.Warn("fail save run journal", "zone", z.Zone, "error", jerr)
		}

		created += run.Created
		updated += run.Updated
		deleted += run.Deleted
		if err != nil {
			slog.Error("Zone reconcile failed", "zone", z.Zone, "error", err)
		}
		if !run.OK() {
			failed = append(failed, z.Zone)
		}
		if ctx.Err() != nil {
			break
		}
	}

	slog.Info("Sync completed",
		"zones", len(zones),
		"created", created,
		"updated", updated,
		"deleted", deleted,
		"failed_zones", len(failed))
	s.metrics.IncSyncRun(len(failed) == 0)

	if len(failed) > 0 {
		return fmt.Errorf("%w: %v", errSyncFailed, failed)
	}
	return nil
}
