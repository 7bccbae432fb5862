package harvest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/wikiharvest/internal/metrics"
)

// FetchFunc returns the outcome of fetching the page at offset start.
// (*BatchFetcher[T]).Fetch satisfies it.
type FetchFunc func(ctx context.Context, start int) (Outcome, error)

// CollectOptions configures one collection.
type CollectOptions struct {
	// Source labels logs and metrics.
	Source string
	// Limit caps the number of items returned; 0 means no cap.
	Limit int
	// SkipLimit stops the collection once this many items were skipped.
	SkipLimit int
	Logger    *zap.Logger
	Recorder  *metrics.Recorder
}

// Collect pages through a source until it is exhausted, the skip budget is
// spent or a fetch fails for good. The next offset is always the number of
// items collected plus the number skipped.
//
// A failure after at least one item was collected ends the collection with
// StopAborted and keeps the partial items. A failure before any item was
// collected is returned as an error.
func Collect[T any](ctx context.Context, fetch FetchFunc, opts CollectOptions) (CollectionOutcome[T], error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("source", opts.Source))

	out := CollectionOutcome[T]{Source: opts.Source, Items: []T{}}
	for opts.Limit <= 0 || len(out.Items) < opts.Limit {
		offset := len(out.Items) + out.Skipped
		outcome, err := fetch(ctx, offset)
		if err != nil {
			return abort(logger, out, offset, err)
		}

		switch o := outcome.(type) {
		case SkipDirective:
			if o.SkipCount <= 0 {
				return abort(logger, out, offset, fmt.Errorf("invalid skip of %d items", o.SkipCount))
			}
			out.Skipped += o.SkipCount
			opts.Recorder.ObserveSkip(opts.Source, o.SkipCount)
			if opts.SkipLimit > 0 && out.Skipped >= opts.SkipLimit {
				logger.Warn("skip budget reached",
					zap.Int("skipped", out.Skipped),
					zap.Int("skip_limit", opts.SkipLimit),
					zap.Int("items", len(out.Items)),
				)
				out.Reason = StopSkipBudget
				return out, nil
			}
		case PageResult[T]:
			out.Items = append(out.Items, o.Results...)
			logger.Debug("page collected",
				zap.Int("offset", offset),
				zap.Int("size", o.Size),
				zap.Bool("has_next", o.HasNext),
			)
			// The page is authoritative; TotalSize may be stale.
			if o.Size == 0 || !o.HasNext {
				return exhausted(out, opts.Limit), nil
			}
		default:
			return CollectionOutcome[T]{}, fmt.Errorf("collect %s: unexpected outcome %T", opts.Source, outcome)
		}
	}
	return exhausted(out, opts.Limit), nil
}

// abort ends a collection on err, keeping what was collected so far.
func abort[T any](logger *zap.Logger, out CollectionOutcome[T], offset int, err error) (CollectionOutcome[T], error) {
	if len(out.Items) == 0 {
		return CollectionOutcome[T]{}, fmt.Errorf("collect %s at offset %d: %w", out.Source, offset, err)
	}
	logger.Warn("collection interrupted, keeping partial results",
		zap.Int("items", len(out.Items)),
		zap.Int("skipped", out.Skipped),
		zap.Error(err),
	)
	out.Reason = StopAborted
	out.Err = err
	return out, nil
}

func exhausted[T any](out CollectionOutcome[T], limit int) CollectionOutcome[T] {
	if limit > 0 && len(out.Items) > limit {
		out.Items = out.Items[:limit]
	}
	out.Reason = StopExhausted
	return out
}
