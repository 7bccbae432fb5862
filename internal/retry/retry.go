// Package retry runs an operation repeatedly while delegating the decision of
// how long to wait (or whether to give up) to a pluggable failure handler.
package retry

import (
	"context"
	"errors"
	"fmt"
)

// ErrExhausted marks a failure that propagated because the failure limit was reached.
var ErrExhausted = errors.New("retry budget exhausted")

// State is shared between the retry loop, the operation and the failure
// handler for the lifetime of one logical call. It is never reused across calls.
type State struct {
	// FailureCount is the number of failures handled so far.
	FailureCount int
	// FailureLimit is the number of failures tolerated before giving up.
	FailureLimit int
	// FailureReason holds the most recent failure.
	FailureReason error
	// ReadyToSkip is set by operations that want to give up on their input
	// after one more failure.
	ReadyToSkip bool
}

// Operation is a unit of work that can see and annotate its retry state.
type Operation[T any] func(ctx context.Context, state *State) (T, error)

// FailureHandler is called after each tolerated failure, with FailureCount
// already incremented. It is expected to wait before returning nil. A non-nil
// return aborts the loop and is returned to the caller unchanged.
type FailureHandler func(ctx context.Context, state *State) error

// Do runs op until it succeeds, the handler gives up, or limit failures have
// been tolerated. op is invoked at most limit+1 times.
func Do[T any](ctx context.Context, limit int, onFailure FailureHandler, op Operation[T]) (T, error) {
	state := &State{FailureLimit: limit}
	for {
		result, err := op(ctx, state)
		if err == nil {
			return result, nil
		}
		state.FailureReason = err

		if state.FailureCount >= state.FailureLimit {
			var zero T
			return zero, fmt.Errorf("%w after %d failures: %w", ErrExhausted, state.FailureCount, err)
		}
		state.FailureCount++

		if onFailure != nil {
			if herr := onFailure(ctx, state); herr != nil {
				var zero T
				return zero, herr
			}
		}
	}
}

// Wrap binds op to a failure limit and handler, returning a plain call.
func Wrap[T any](op Operation[T], limit int, onFailure FailureHandler) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return Do(ctx, limit, onFailure, op)
	}
}
