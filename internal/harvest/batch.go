package harvest

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/wikiharvest/internal/retry"
)

// PageFunc fetches limit items starting at offset start.
type PageFunc[T any] func(ctx context.Context, start, limit int) (PageResult[T], error)

// BatchOptions shapes the degradation of one fetch kind.
type BatchOptions struct {
	BatchSize     int
	FailureLimit  int
	DegradeFactor int
	// SkipAmount is the offset advance of a skip; 0 means BatchSize.
	SkipAmount int
}

// BatchFetcher fetches one page at a time, shrinking the requested batch
// after every failure so that a single bad record can be isolated, and
// giving up on the region once even single-item fetches keep failing.
type BatchFetcher[T any] struct {
	source    string
	fetch     PageFunc[T]
	opts      BatchOptions
	onFailure retry.FailureHandler
	logger    *zap.Logger
}

// NewBatchFetcher wraps fetch. onFailure decides backoff between attempts.
func NewBatchFetcher[T any](
	source string,
	fetch PageFunc[T],
	opts BatchOptions,
	onFailure retry.FailureHandler,
	logger *zap.Logger,
) *BatchFetcher[T] {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.DegradeFactor < 1 {
		opts.DegradeFactor = 1
	}
	if opts.SkipAmount <= 0 {
		opts.SkipAmount = opts.BatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchFetcher[T]{
		source:    source,
		fetch:     fetch,
		opts:      opts,
		onFailure: onFailure,
		logger:    logger,
	}
}

// BatchSizeFor returns max(BatchSize / DegradeFactor^failures, 1).
func (b *BatchFetcher[T]) BatchSizeFor(failures int) int {
	size := b.opts.BatchSize
	for i := 0; i < failures && size > 1; i++ {
		size /= b.opts.DegradeFactor
		if b.opts.DegradeFactor == 1 {
			break
		}
	}
	return max(size, 1)
}

// Fetch returns the page at start, or a SkipDirective when the region at
// start failed twice in a row at batch size 1.
func (b *BatchFetcher[T]) Fetch(ctx context.Context, start int) (Outcome, error) {
	return retry.Do(ctx, b.opts.FailureLimit, b.onFailure, func(ctx context.Context, state *retry.State) (Outcome, error) {
		size := b.BatchSizeFor(state.FailureCount)

		if state.FailureCount > 0 {
			b.logger.Info("reducing batch size",
				zap.String("source", b.source),
				zap.Int("offset", start),
				zap.Int("batch_size", size),
				zap.Int("default_batch_size", b.opts.BatchSize),
			)
			if size == 1 {
				if state.ReadyToSkip {
					// Skipping a single item rarely clears a poisoned region.
					b.logger.Warn("skipping unfetchable region",
						zap.String("source", b.source),
						zap.Int("offset", start),
						zap.Int("skip", b.opts.SkipAmount),
					)
					return SkipDirective{SkipCount: b.opts.SkipAmount}, nil
				}
				state.ReadyToSkip = true
			}
		}

		page, err := b.fetch(ctx, start, size)
		if err != nil {
			return nil, err
		}
		return page, nil
	})
}
