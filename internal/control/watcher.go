package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/contestwatch/internal/admin/api"
	"github.com/vietddude/contestwatch/internal/admin/milestone"
	"github.com/vietddude/contestwatch/internal/admin/reconcile"
	"github.com/vietddude/contestwatch/internal/core/cursor"
	"github.com/vietddude/contestwatch/internal/core/domain"
	"github.com/vietddude/contestwatch/internal/core/worker"
	"github.com/vietddude/contestwatch/internal/indexing/health"
	"github.com/vietddude/contestwatch/internal/indexing/indexer"
	"github.com/vietddude/contestwatch/internal/indexing/ingest"
	"github.com/vietddude/contestwatch/internal/indexing/source"
	redisclient "github.com/vietddude/contestwatch/internal/infra/redis"
	"github.com/vietddude/contestwatch/internal/infra/storage"
	"github.com/vietddude/contestwatch/internal/infra/storage/memory"
	"github.com/vietddude/contestwatch/internal/infra/storage/postgres"
	"github.com/vietddude/contestwatch/internal/jobs/dispatcher"
	"github.com/vietddude/contestwatch/internal/jobs/handlers"
	"github.com/vietddude/contestwatch/internal/jobs/queue"
)

// Stores groups the repositories of one storage backend.
type Stores struct {
	Events     storage.EventRepository
	Cursors    storage.CursorRepository
	Milestones storage.MilestoneRepository
	Reports    storage.ReportRepository
}

// Watcher is the main application struct that manages the service lifecycle.
type Watcher struct {
	cfg Config
	log *slog.Logger

	db          *postgres.DB
	redisClient *redisclient.Client

	Stores     Stores
	Queue      *queue.Client
	Dispatcher *dispatcher.Dispatcher
	Cursors    *cursor.DefaultManager
	Milestones *milestone.Service
	Reports    *reconcile.Service
	Sources    *source.Set

	pipelines    []*indexer.Pipeline
	pruner       *worker.Pruner
	healthMon    *health.Monitor
	healthServer *health.Server
	grpcServer   *health.GRPCServer
	apiServer    *api.Server
}

// NewWatcher creates a new Watcher instance with all dependencies initialized.
func NewWatcher(ctx context.Context, cfg Config) (*Watcher, error) {
	cfg.applyDefaults()
	app := cfg.App
	w := &Watcher{cfg: cfg, log: cfg.Logger.With("component", "watcher")}

	if err := w.initStorage(ctx); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.initQueue(); err != nil {
		w.Close()
		return nil, err
	}

	w.Dispatcher = dispatcher.New(w.Queue, cfg.Logger)
	w.Cursors = cursor.NewManager(w.Stores.Cursors)
	w.Cursors.SetStateChangeCallback(func(stream domain.StreamKey, t cursor.Transition) {
		w.log.Info("Cursor state changed",
			"stream", stream.String(),
			"from", t.From,
			"to", t.To,
			"reason", t.Reason,
		)
	})
	w.Milestones = milestone.NewService(w.Stores.Milestones, w.Dispatcher, cfg.Logger)
	w.Reports = reconcile.NewService(w.Stores.Reports, cfg.Logger)

	registry := ingest.NewRegistry(cfg.Logger)
	for _, h := range app.Handlers {
		registry.Register(h.EventType, handlers.TriggerMilestone(w.Milestones, h.Milestone))
	}
	writer := ingest.NewWriter(w.Stores.Events, w.Cursors, registry, cfg.Logger)

	w.initSources()

	var lease indexer.Lease = indexer.NewLocalLease()
	if w.redisClient != nil {
		lease = indexer.NewRedisLease(redisclient.NewLocker(w.redisClient.Redis(), ""))
	}

	statuses := make([]health.StatusSource, 0, len(app.Streams))
	for _, s := range app.Streams {
		src, err := w.Sources.For(s.ChainID)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("stream %s: %w", s.Key(), err)
		}
		confirmations := app.Indexer.Confirmations
		if s.Confirmations != nil {
			confirmations = *s.Confirmations
		}
		p := indexer.NewPipeline(indexer.Config{
			Stream:          s.Key(),
			StartBlock:      s.StartBlock,
			ScanInterval:    app.Indexer.ScanInterval,
			MinScanInterval: app.Indexer.MinScanInterval,
			BatchBlocks:     app.Indexer.BatchBlocks,
			BatchLimit:      app.Indexer.BatchLimit,
			Confirmations:   confirmations,
			ReplayThreshold: app.Indexer.ReplayThreshold,
			MaxReplayWindow: app.Indexer.MaxReplayWindow,
			LeaseTTL:        app.Indexer.LeaseTTL,
			Source:          src,
			Cursor:          w.Cursors,
			Writer:          writer,
			Replays:         w.Dispatcher,
			Lease:           lease,
			Logger:          cfg.Logger,
		})
		w.pipelines = append(w.pipelines, p)
		statuses = append(statuses, p)
	}

	replay := handlers.NewReplay(w.Sources, writer, w.Dispatcher, app.StreamKeys(), app.Queue.ReplayChunk, cfg.Logger)
	reconcileHandler := handlers.NewReconcile(w.Reports, cfg.Logger)
	milestoneHandler := handlers.NewMilestone(cfg.Executor, w.Milestones, cfg.Logger)
	for family, h := range map[string]queue.Handler{
		dispatcher.FamilyReplay:    replay.Handle,
		dispatcher.FamilyReconcile: reconcileHandler.Handle,
		dispatcher.FamilyMilestone: milestoneHandler.Handle,
	} {
		if err := w.Queue.Work(family, h, cfg.workOptions(family)); err != nil {
			w.Close()
			return nil, err
		}
	}

	w.pruner = worker.NewPruner(w.Queue, app.Queue.Retention, app.Queue.PruneInterval, cfg.Logger)
	w.healthMon = health.NewMonitor(statuses, w.Queue, health.Thresholds{
		DegradedLag: app.Indexer.DegradedLag,
		CriticalLag: app.Indexer.CriticalLag,
	}).WithCursorMetrics(w.Cursors)

	if !cfg.DisableServers {
		w.healthServer = health.NewServer(w.healthMon, app.Server.HealthPort)
		w.apiServer = api.NewServer(api.NewHandlers(w.Milestones, w.Reports, cfg.Logger), app.Server.AdminPort)
		if app.Server.GRPCPort > 0 {
			g, err := health.NewGRPCServer(w.healthMon, fmt.Sprintf(":%d", app.Server.GRPCPort), cfg.Logger)
			if err != nil {
				w.Close()
				return nil, err
			}
			w.grpcServer = g
		}
	}

	w.log.Info("Watcher initialized",
		"streams", len(w.pipelines),
		"chains", len(app.Chains),
		"handlers", len(app.Handlers),
		"queue", app.Queue.Backend,
		"postgres", w.db != nil,
	)
	return w, nil
}

func (w *Watcher) initStorage(ctx context.Context) error {
	dbCfg := w.cfg.App.Database
	if dbCfg.URL == "" {
		store := memory.NewMemoryStorage()
		w.Stores = Stores{
			Events:     memory.NewEventRepo(store),
			Cursors:    memory.NewCursorRepo(store),
			Milestones: memory.NewMilestoneRepo(store),
			Reports:    memory.NewReportRepo(store),
		}
		w.log.Info("Using Memory storage")
		return nil
	}

	db, err := postgres.NewDB(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("failed to init db: %w", err)
	}
	w.db = db
	if dbCfg.Migrate {
		if err := db.Migrate(ctx); err != nil {
			return err
		}
	}
	w.Stores = Stores{
		Events:     postgres.NewEventRepo(db),
		Cursors:    postgres.NewCursorRepo(db),
		Milestones: postgres.NewMilestoneRepo(db),
		Reports:    postgres.NewReportRepo(db),
	}
	w.log.Info("Using PostgreSQL storage", "driver", dbCfg.Driver)
	return nil
}

func (w *Watcher) initQueue() error {
	app := w.cfg.App
	if app.Redis.URL != "" {
		rc, err := redisclient.NewClient(app.Redis)
		if err != nil {
			return err
		}
		w.redisClient = rc
	}

	var backend queue.Backend
	switch app.Queue.Backend {
	case "redis":
		if w.redisClient == nil {
			return errors.New("queue backend redis requires a redis connection")
		}
		backend = queue.NewRedisBackend(w.redisClient.Redis(), app.Queue.Prefix)
	default:
		backend = queue.NewMemoryBackend()
	}

	w.Queue = queue.NewClient(backend, queue.Config{
		Retry: queue.RetryPolicy{
			Limit:        app.Queue.RetryLimit,
			InitialDelay: app.Queue.RetryDelay,
			MaxDelay:     app.Queue.MaxRetryDelay,
		},
	}, w.cfg.Logger)
	return nil
}

func (w *Watcher) initSources() {
	w.Sources = source.NewSet()
	for _, ch := range w.cfg.App.Chains {
		src, ok := w.cfg.Sources[ch.ID]
		if !ok {
			src = source.NewRPCSource(source.RPCConfig{
				ChainID:      ch.ID,
				URL:          ch.RPCURL,
				FallbackURLs: ch.FallbackURLs,
				Timeout:      ch.Timeout,
				RateLimit:    ch.RateLimit,
				Burst:        ch.Burst,
				EventTypes:   w.cfg.App.EventTypes(ch.ID),
			}, w.cfg.Logger)
		}
		// Streams on one chain share the tip for half a scan interval.
		w.Sources.Add(ch.ID, source.NewHeadCache(src, w.cfg.App.Indexer.ScanInterval/2))
	}
}

// Pipelines returns the stream pipelines.
func (w *Watcher) Pipelines() []*indexer.Pipeline {
	return w.pipelines
}

// Health returns the current health report.
func (w *Watcher) Health(ctx context.Context) *health.HealthReport {
	return w.healthMon.CheckHealth(ctx)
}

// Run starts every component and blocks until ctx is done or one of them
// fails. Shutdown waits at most ShutdownTimeout.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Queue.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, p := range w.pipelines {
		g.Go(func() error { return p.Start(gctx) })
	}

	g.Go(func() error {
		w.pruner.Start(gctx)
		return nil
	})

	if w.db != nil {
		w.db.StartMetricsCollector(gctx)
	}

	if w.apiServer != nil {
		g.Go(w.apiServer.Start)
		g.Go(w.healthServer.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownTimeout)
			defer cancel()
			return errors.Join(w.apiServer.Stop(shutdownCtx), w.healthServer.Stop(shutdownCtx))
		})
	}
	if w.grpcServer != nil {
		g.Go(func() error { return w.grpcServer.Serve(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		for _, p := range w.pipelines {
			_ = p.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownTimeout)
		defer cancel()
		return w.Queue.Stop(shutdownCtx)
	})

	w.log.Info("Watcher started")
	err := g.Wait()
	w.log.Info("Watcher stopped", "error", err)
	return err
}

// Close releases connections. It is safe to call after Run returns.
func (w *Watcher) Close() {
	if w.Sources != nil {
		for _, ch := range w.cfg.App.Chains {
			if src, err := w.Sources.For(ch.ID); err == nil {
				if c, ok := src.(interface{ Close() error }); ok {
					_ = c.Close()
				}
			}
		}
	}
	if w.redisClient != nil {
		if err := w.redisClient.Close(); err != nil {
			w.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if w.db != nil {
		if err := w.db.Close(); err != nil {
			w.log.Warn("Failed to close database", "error", err)
		}
	}
}
