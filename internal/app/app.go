// Package app builds and holds the long-lived services of a harvest run.
package app

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/wikiharvest/internal/clock/system"
	"github.com/JakeFAU/wikiharvest/internal/config"
	"github.com/JakeFAU/wikiharvest/internal/confluence"
	"github.com/JakeFAU/wikiharvest/internal/export"
	"github.com/JakeFAU/wikiharvest/internal/fetcher"
	collyfetcher "github.com/JakeFAU/wikiharvest/internal/fetcher/colly"
	"github.com/JakeFAU/wikiharvest/internal/harvest"
	"github.com/JakeFAU/wikiharvest/internal/id/uuid"
	"github.com/JakeFAU/wikiharvest/internal/metrics"
	"github.com/JakeFAU/wikiharvest/internal/policy/ratelimit"
	"github.com/JakeFAU/wikiharvest/internal/publisher"
	memorypublisher "github.com/JakeFAU/wikiharvest/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/wikiharvest/internal/publisher/pubsub"
	gcsstore "github.com/JakeFAU/wikiharvest/internal/storage/gcs"
	localstore "github.com/JakeFAU/wikiharvest/internal/storage/local"
	memorystore "github.com/JakeFAU/wikiharvest/internal/storage/memory"
	"github.com/JakeFAU/wikiharvest/internal/storage/postgres"
)

// App holds the services shared by the CLI commands.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	registry     *prometheus.Registry
	recorder     *metrics.Recorder
	orchestrator *harvest.Orchestrator
	// events holds run notifications when the memory provider is used.
	events *memorypublisher.Publisher
	// closers run in reverse order on Close.
	closers []func() error
}

type options struct {
	fetcher       fetcher.Fetcher
	reportStore   harvest.ReportStore
	pubsubOptions []option.ClientOption
	gcsOptions    []option.ClientOption
}

// Option customizes New.
type Option func(*options)

// WithFetcher replaces the colly transport.
func WithFetcher(f fetcher.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithReportStore replaces the Postgres report store.
func WithReportStore(s harvest.ReportStore) Option {
	return func(o *options) { o.reportStore = s }
}

// WithPubSubOptions passes client options to the Pub/Sub client.
func WithPubSubOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.pubsubOptions = append(o.pubsubOptions, opts...) }
}

// WithStorageOptions passes client options to the GCS client.
func WithStorageOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.gcsOptions = append(o.gcsOptions, opts...) }
}

// New wires the content client, the orchestrator and every configured sink.
// It fails fast when a configured service cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.recorder, err = metrics.New(a.registry)
	if err != nil {
		return nil, err
	}

	f := o.fetcher
	if f == nil {
		f = collyfetcher.New(collyfetcher.Config{
			UserAgent:    cfg.Confluence.UserAgent,
			Timeout:      cfg.Confluence.Timeout,
			MaxBodyBytes: cfg.Confluence.MaxBodyBytes,
		})
	}
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.Confluence.RequestsPerSecond,
		Burst:             cfg.Confluence.Burst,
	}, a.recorder)
	client, err := confluence.New(confluence.Config{
		BaseURL:       cfg.Confluence.URL,
		Token:         cfg.Confluence.Token,
		ContentExpand: cfg.Harvest.ContentExpand,
		SearchExpand:  cfg.Harvest.SearchExpand,
	}, f,
		confluence.WithPacer(limiter),
		confluence.WithRecorder(a.recorder),
		confluence.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("init confluence client: %w", err)
	}

	harvestOpts := []harvest.Option{
		harvest.WithRecorder(a.recorder),
		harvest.WithClock(system.New().Now),
		harvest.WithRunID(uuid.New().NewID),
	}

	sink, err := a.buildSink(ctx, o)
	if err != nil {
		return nil, err
	}
	if sink != nil {
		harvestOpts = append(harvestOpts, harvest.WithRecordSink(sink))
	}

	store, err := a.buildReportStore(ctx, o)
	if err != nil {
		return nil, err
	}
	if store != nil {
		harvestOpts = append(harvestOpts, harvest.WithReportStore(store))
	}

	notifier, err := a.buildNotifier(ctx, o)
	if err != nil {
		return nil, err
	}
	if notifier != nil {
		harvestOpts = append(harvestOpts, harvest.WithNotifier(notifier))
	}

	a.orchestrator = harvest.NewOrchestrator(client, cfg.Harvest.Config, logger.Named("harvest"), harvestOpts...)
	logger.Info("application services initialized",
		zap.String("confluence", cfg.Confluence.URL),
		zap.String("export", cfg.Export.Provider),
		zap.Bool("report_store", store != nil),
		zap.Bool("notify", notifier != nil),
	)
	return a, nil
}

func (a *App) buildSink(ctx context.Context, o options) (harvest.RecordSink, error) {
	var blobs export.BlobStore
	switch a.cfg.Export.Provider {
	case config.ExportNone, "":
		a.logger.Info("record export disabled")
		return nil, nil
	case config.ExportMemory:
		blobs = memorystore.NewBlobStore()
	case config.ExportLocal:
		store, err := localstore.New(localstore.Config{BaseDir: a.cfg.Export.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local export: %w", err)
		}
		blobs = store
	case config.ExportGCS:
		client, err := storage.NewClient(ctx, o.gcsOptions...)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store, err := gcsstore.New(client, gcsstore.Config{
			Bucket:       a.cfg.Export.GCS.Bucket,
			CacheControl: a.cfg.Export.GCS.CacheControl,
		})
		if err != nil {
			return nil, fmt.Errorf("init gcs export: %w", err)
		}
		blobs = store
	default:
		return nil, fmt.Errorf("unknown export provider %q", a.cfg.Export.Provider)
	}
	return export.NewWriter(blobs, a.cfg.Export.Prefix, a.logger.Named("export")), nil
}

func (a *App) buildReportStore(ctx context.Context, o options) (harvest.ReportStore, error) {
	if o.reportStore != nil {
		return o.reportStore, nil
	}
	if !a.cfg.Report.Enabled() {
		return nil, nil
	}
	store, err := postgres.NewReportStore(ctx, a.cfg.Report.Postgres)
	if err != nil {
		return nil, fmt.Errorf("init report store: %w", err)
	}
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	if a.cfg.Report.CreateSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("init report schema: %w", err)
		}
	}
	return store, nil
}

func (a *App) buildNotifier(ctx context.Context, o options) (harvest.Notifier, error) {
	if !a.cfg.Notify.Enabled() {
		return nil, nil
	}
	var (
		pub   publisher.Publisher
		topic = a.cfg.Notify.TopicID
	)
	switch a.cfg.Notify.Provider {
	case config.NotifyMemory:
		a.events = memorypublisher.New()
		pub = a.events
		if topic == "" {
			topic = "harvest-runs"
		}
	default:
		ps, err := pubsubpublisher.Connect(ctx, a.cfg.Notify.ProjectID, topic, o.pubsubOptions...)
		if err != nil {
			return nil, fmt.Errorf("init notifier: %w", err)
		}
		a.closers = append(a.closers, ps.Close)
		pub = ps
	}
	notifier, err := publisher.NewRunNotifier(pub, topic, a.logger.Named("notify"))
	if err != nil {
		return nil, fmt.Errorf("init notifier: %w", err)
	}
	return notifier, nil
}

// Plan returns the sources named by configuration.
func (a *App) Plan() harvest.Plan {
	return harvest.Plan{
		Spaces:    a.cfg.Harvest.Spaces,
		Queries:   a.cfg.Harvest.CQLQueries,
		AllSpaces: a.cfg.Harvest.AllSpaces,
	}
}

// Notifications returns the run events kept by the memory notify provider.
func (a *App) Notifications() []memorypublisher.Message {
	if a.events == nil {
		return nil
	}
	return a.events.Messages()
}

// Run performs one harvest over the configured plan.
func (a *App) Run(ctx context.Context) (harvest.Result, error) {
	return a.orchestrator.Run(ctx, a.Plan())
}

// Discover resolves and sizes the configured spaces without collecting them.
func (a *App) Discover(ctx context.Context) ([]harvest.Source, error) {
	return a.orchestrator.Discover(ctx, a.cfg.Harvest.Spaces)
}

// MetricsEnabled reports whether ServeMetrics should be started.
func (a *App) MetricsEnabled() bool {
	return a.cfg.Metrics.Enabled
}

// ServeMetrics serves /metrics and /healthz until ctx is done.
func (a *App) ServeMetrics(ctx context.Context) error {
	return metrics.Serve(ctx, a.cfg.Metrics.Addr, metrics.Router(a.recorder, a.registry), a.logger.Named("metrics"))
}

// Registry exposes the Prometheus registry the run reports to.
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// Close releases every service in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
