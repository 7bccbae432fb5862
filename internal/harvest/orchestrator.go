package harvest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/wikiharvest/internal/metrics"
	"github.com/JakeFAU/wikiharvest/internal/retry"
)

// finishTimeout bounds saving and announcing the report once collection ends.
const finishTimeout = 30 * time.Second

// spaceListing names the report line of a failed space listing.
const spaceListing = "spaces"

// Plan names what a run should collect. Every space the API lists is
// collected when AllSpaces is set, or when neither Spaces nor Queries name
// anything. A plan of queries alone never lists spaces.
type Plan struct {
	Spaces    []string
	Queries   []string
	AllSpaces bool
}

func (p Plan) queries() []string {
	var out []string
	for _, q := range p.Queries {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out
}

// spaceKeys reports whether the plan collects spaces at all and which keys.
// A nil key list with ok set means every space.
func (p Plan) spaceKeys(queries int) (keys []string, ok bool) {
	for _, k := range p.Spaces {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	switch {
	case len(keys) > 0:
		return keys, true
	case p.AllSpaces || queries == 0:
		return nil, true
	default:
		return nil, false
	}
}

// Result is the combined record set of a run with its report.
type Result struct {
	Records []Record
	Report  Report
}

// Orchestrator runs the collector once per space and once per query,
// strictly one after the other, and keeps going when a source fails.
type Orchestrator struct {
	api       ContentAPI
	cfg       Config
	onFailure retry.FailureHandler
	logger    *zap.Logger
	recorder  *metrics.Recorder
	sink      RecordSink
	store     ReportStore
	notifier  Notifier
	now       func() time.Time
	newRunID  func() (string, error)
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithFailureHandler replaces the default classifying Policy.
func WithFailureHandler(h retry.FailureHandler) Option {
	return func(o *Orchestrator) { o.onFailure = h }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r *metrics.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithRecordSink streams each finished source's records to sink.
func WithRecordSink(sink RecordSink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithReportStore persists the final report.
func WithReportStore(store ReportStore) Option {
	return func(o *Orchestrator) { o.store = store }
}

// WithNotifier announces the final report.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRunID sets the run identifier generator.
func WithRunID(gen func() (string, error)) Option {
	return func(o *Orchestrator) { o.newRunID = gen }
}

// NewOrchestrator wires an Orchestrator over api.
func NewOrchestrator(api ContentAPI, cfg Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		api:    api,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.onFailure == nil {
		o.onFailure = NewPolicy(cfg, logger, WithPolicyRecorder(o.recorder)).OnFailure
	}
	return o
}

// Discover resolves the space sources of a run. When keys is empty it lists
// every space. Each source is sized by counting its pages; a failed count is
// logged and treated as 0. Sources are ordered largest first, ties keeping
// their listing order.
func (o *Orchestrator) Discover(ctx context.Context, keys []string) ([]Source, error) {
	if len(keys) == 0 {
		listed, err := o.listSpaces(ctx)
		if err != nil {
			return nil, err
		}
		keys = listed
	}

	sources := make([]Source, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		count, err := o.api.CountSpacePages(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("count pages of %s: %w", key, ctx.Err())
			}
			o.logger.Warn("could not count space pages", zap.String("space", key), zap.Error(err))
			count = 0
		}
		sources = append(sources, Source{Name: key, Kind: SourceSpace, ExpectedSize: count})
	}

	slices.SortStableFunc(sources, func(a, b Source) int {
		return b.ExpectedSize - a.ExpectedSize
	})
	return sources, nil
}

func (o *Orchestrator) listSpaces(ctx context.Context) ([]string, error) {
	fetcher := NewBatchFetcher[Space]("spaces", o.api.ListSpaces, o.cfg.batchOptions(o.cfg.DiscoveryBatchSize), o.onFailure, o.logger)
	outcome, err := Collect[Space](ctx, fetcher.Fetch, CollectOptions{
		Source:    "spaces",
		SkipLimit: o.cfg.SkipLimit,
		Logger:    o.logger,
		Recorder:  o.recorder,
	})
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	keys := make([]string, 0, len(outcome.Items))
	for _, s := range outcome.Items {
		keys = append(keys, s.Key)
	}
	o.logger.Info("spaces discovered", zap.Int("count", len(keys)), zap.String("reason", string(outcome.Reason)))
	return keys, nil
}

// Run collects every source of plan. Source failures, a failed space listing
// among them, are recorded in the report and never abort the run. Errors from the record sink, report store
// or notifier are joined and returned alongside a complete Result, as is a
// cancellation that cut the run short.
func (o *Orchestrator) Run(ctx context.Context, plan Plan) (Result, error) {
	report := Report{StartedAt: o.now()}
	if o.newRunID != nil {
		id, err := o.newRunID()
		if err != nil {
			return Result{}, fmt.Errorf("generate run id: %w", err)
		}
		report.RunID = id
	}
	logger := o.logger
	if report.RunID != "" {
		logger = logger.With(zap.String("run_id", report.RunID))
	}

	var (
		sources []Source
		records []Record
		errs    []error
	)
	queries := plan.queries()
	if keys, ok := plan.spaceKeys(len(queries)); ok {
		spaces, err := o.Discover(ctx, keys)
		switch {
		case err != nil && ctx.Err() != nil:
			report.Interrupted = true
			errs = append(errs, fmt.Errorf("discover spaces: %w", err))
		case err != nil:
			// The queries still run; the listing shows up as a failed source.
			report.add(SourceReport{Name: spaceListing, Kind: SourceSpace, Reason: StopFailed, Error: err.Error()})
			o.recorder.ObserveSource(string(SourceSpace), string(StopFailed), 0)
			logger.Error("space discovery failed", zap.Error(err))
		default:
			sources = spaces
		}
	}
	if !report.Interrupted {
		for _, q := range queries {
			sources = append(sources, Source{Name: q, Kind: SourceQuery})
		}
		if len(sources) == 0 && len(report.Sources) == 0 {
			return Result{}, ErrNoSources
		}
	}

	for i, src := range sources {
		if ctx.Err() != nil {
			report.Interrupted = true
			errs = append(errs, fmt.Errorf("run interrupted before %s: %w", src.Name, ctx.Err()))
			break
		}
		logger.Info("loading source",
			zap.String("progress", fmt.Sprintf("[%3d/%3d]", i+1, len(sources))),
			zap.String("source", src.Name),
			zap.String("kind", string(src.Kind)),
			zap.Int("expected", src.ExpectedSize),
		)

		outcome, err := o.collect(ctx, src)
		sr := SourceReport{Name: src.Name, Kind: src.Kind, Expected: src.ExpectedSize}
		if err != nil {
			sr.Reason = StopFailed
			sr.Error = err.Error()
			report.add(sr)
			o.recorder.ObserveSource(string(src.Kind), string(StopFailed), 0)
			logger.Error("skipping source due to errors", zap.String("source", src.Name), zap.Error(err))
			continue
		}

		for j := range outcome.Items {
			outcome.Items[j].Source = src.Name
			if outcome.Items[j].Space == "" && src.Kind == SourceSpace {
				outcome.Items[j].Space = src.Name
			}
		}
		sr.Collected = len(outcome.Items)
		sr.Skipped = outcome.Skipped
		sr.Reason = outcome.Reason
		if outcome.Err != nil {
			sr.Error = outcome.Err.Error()
		}
		report.add(sr)
		o.recorder.ObserveSource(string(src.Kind), string(outcome.Reason), sr.Collected)
		records = append(records, outcome.Items...)

		if o.sink != nil && len(outcome.Items) > 0 {
			if err := o.sink.WriteRecords(ctx, src, outcome.Items); err != nil {
				logger.Error("record sink failed", zap.String("source", src.Name), zap.Error(err))
				errs = append(errs, fmt.Errorf("write records of %s: %w", src.Name, err))
			}
		}
	}

	report.finalize(o.now())
	o.recorder.SetYield(report.Yield)
	report.log(logger)

	// An interrupted run is still persisted and announced.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if o.store != nil {
		if err := o.store.SaveReport(finishCtx, report); err != nil {
			logger.Error("report store failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("save report: %w", err))
		}
	}
	if o.notifier != nil {
		if err := o.notifier.NotifyRun(finishCtx, report); err != nil {
			logger.Error("run notification failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("notify run: %w", err))
		}
	}

	if records == nil {
		records = []Record{}
	}
	return Result{Records: records, Report: report}, errors.Join(errs...)
}

func (o *Orchestrator) collect(ctx context.Context, src Source) (CollectionOutcome[Record], error) {
	var (
		page  PageFunc[Record]
		batch int
	)
	switch src.Kind {
	case SourceSpace:
		page = func(ctx context.Context, start, limit int) (PageResult[Record], error) {
			return o.api.ListSpaceContent(ctx, src.Name, start, limit)
		}
		batch = o.cfg.SpaceBatchSize
	case SourceQuery:
		page = func(ctx context.Context, start, limit int) (PageResult[Record], error) {
			return o.api.SearchContent(ctx, src.Name, start, limit)
		}
		batch = o.cfg.QueryBatchSize
	default:
		return CollectionOutcome[Record]{}, fmt.Errorf("unknown source kind %q", src.Kind)
	}

	fetcher := NewBatchFetcher(src.Name, page, o.cfg.batchOptions(batch), o.onFailure, o.logger)
	return Collect[Record](ctx, fetcher.Fetch, CollectOptions{
		Source:    src.Name,
		Limit:     o.cfg.Limit,
		SkipLimit: o.cfg.SkipLimit,
		Logger:    o.logger,
		Recorder:  o.recorder,
	})
}
