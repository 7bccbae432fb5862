package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient error")

// flakyOp fails the first fails invocations and then returns "ok".
func flakyOp(fails int, calls *int, seen **State) Operation[string] {
	return func(_ context.Context, state *State) (string, error) {
		*calls++
		if seen != nil {
			*seen = state
		}
		if *calls <= fails {
			return "", errTransient
		}
		return "ok", nil
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	for k := 0; k < 5; k++ {
		calls := 0
		var state *State
		handled := 0
		got, err := Do(context.Background(), 5, func(_ context.Context, s *State) error {
			handled++
			require.Equal(t, handled, s.FailureCount)
			require.ErrorIs(t, s.FailureReason, errTransient)
			return nil
		}, flakyOp(k, &calls, &state))

		require.NoError(t, err)
		require.Equal(t, "ok", got)
		require.Equal(t, k+1, calls)
		require.Equal(t, k, state.FailureCount)
		require.Equal(t, k, handled)
	}
}

func TestDoPropagatesFinalFailure(t *testing.T) {
	t.Parallel()

	calls := 0
	var state *State
	_, err := Do(context.Background(), 3, nil, flakyOp(100, &calls, &state))

	require.Error(t, err)
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, errTransient)
	require.Equal(t, 4, calls)
	require.Equal(t, 3, state.FailureCount)
}

func TestDoHandlerCanGiveUpImmediately(t *testing.T) {
	t.Parallel()

	fatal := errors.New("forbidden")
	calls := 0
	_, err := Do(context.Background(), 5, func(_ context.Context, s *State) error {
		return s.FailureReason
	}, func(context.Context, *State) (int, error) {
		calls++
		return 0, fatal
	})

	require.ErrorIs(t, err, fatal)
	require.NotErrorIs(t, err, ErrExhausted)
	require.Equal(t, 1, calls)
}

func TestDoReusesStateAcrossAttempts(t *testing.T) {
	t.Parallel()

	var states []*State
	_, err := Do(context.Background(), 2, nil, func(_ context.Context, s *State) (int, error) {
		states = append(states, s)
		if !s.ReadyToSkip {
			s.ReadyToSkip = true
			return 0, errTransient
		}
		return 7, nil
	})

	require.NoError(t, err)
	require.Len(t, states, 2)
	require.Same(t, states[0], states[1])
}

func TestWrapCreatesFreshStatePerCall(t *testing.T) {
	t.Parallel()

	var states []*State
	call := Wrap(func(_ context.Context, s *State) (int, error) {
		states = append(states, s)
		return s.FailureCount, nil
	}, 5, nil)

	_, err := call(context.Background())
	require.NoError(t, err)
	_, err = call(context.Background())
	require.NoError(t, err)

	require.Len(t, states, 2)
	require.NotSame(t, states[0], states[1])
	require.Equal(t, 5, states[1].FailureLimit)
}

func TestDoHandlerSeesCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, 5, func(ctx context.Context, _ *State) error {
		return ctx.Err()
	}, func(context.Context, *State) (int, error) {
		return 0, errTransient
	})

	require.ErrorIs(t, err, context.Canceled)
}
