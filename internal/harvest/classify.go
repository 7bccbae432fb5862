package harvest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/wikiharvest/internal/backoff"
	"github.com/JakeFAU/wikiharvest/internal/metrics"
	"github.com/JakeFAU/wikiharvest/internal/retry"
)

// FailureKind is the retry classification of a failed fetch.
type FailureKind int

// Failure classes.
const (
	FailureUnrecoverable FailureKind = iota
	FailureServer
	FailureTimeout
)

func (k FailureKind) String() string {
	switch k {
	case FailureServer:
		return "server_error"
	case FailureTimeout:
		return "timeout"
	default:
		return "unrecoverable"
	}
}

// statusCoder is implemented by transport errors that carry an HTTP status.
type statusCoder interface {
	HTTPStatusCode() int
}

// Classify maps an error to its retry class. Only 5xx responses and read
// timeouts are retryable; everything else, including cancellation, is not.
func Classify(err error) FailureKind {
	if err == nil || errors.Is(err, context.Canceled) {
		return FailureUnrecoverable
	}
	var coded statusCoder
	if errors.As(err, &coded) {
		if code := coded.HTTPStatusCode(); code >= 500 && code < 600 {
			return FailureServer
		}
		return FailureUnrecoverable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	return FailureUnrecoverable
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Policy is the default failure handler: it classifies the failure, picks
// the matching backoff profile and sleeps before the next attempt.
type Policy struct {
	server   backoff.Profile
	timeout  backoff.Profile
	jitter   backoff.Jitter
	sleep    Sleeper
	logger   *zap.Logger
	recorder *metrics.Recorder
}

// PolicyOption customizes a Policy.
type PolicyOption func(*Policy)

// WithSleeper replaces the context-aware timer sleep.
func WithSleeper(s Sleeper) PolicyOption {
	return func(p *Policy) { p.sleep = s }
}

// WithJitter replaces the random source used for backoff jitter.
func WithJitter(j backoff.Jitter) PolicyOption {
	return func(p *Policy) { p.jitter = j }
}

// WithPolicyRecorder attaches a metrics recorder.
func WithPolicyRecorder(r *metrics.Recorder) PolicyOption {
	return func(p *Policy) { p.recorder = r }
}

// NewPolicy builds a Policy from the configured backoff profiles.
func NewPolicy(cfg Config, logger *zap.Logger, opts ...PolicyOption) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Policy{
		server:  cfg.ServerBackoff,
		timeout: cfg.TimeoutBackoff,
		sleep:   sleepContext,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnFailure implements retry.FailureHandler.
func (p *Policy) OnFailure(ctx context.Context, state *retry.State) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("retry abandoned: %w", err)
	}
	reason := state.FailureReason
	kind := Classify(reason)

	var profile backoff.Profile
	switch kind {
	case FailureServer:
		var coded statusCoder
		errors.As(reason, &coded)
		fields := []zap.Field{zap.Int("status", coded.HTTPStatusCode()), zap.Error(reason)}
		p.logger.Warn("fetch failed with server error", fields...)
		// The batch itself is the likely culprit; keep the delay short.
		profile = p.server
	case FailureTimeout:
		p.logger.Warn("fetch failed with read timeout", zap.Error(reason))
		// The server is struggling or throttling; back off hard.
		profile = p.timeout
	default:
		return reason
	}

	delay := profile.Delay(state.FailureCount, p.jitter)
	p.recorder.ObserveRetry(kind.String(), delay)
	p.logger.Info("retrying fetch",
		zap.Int("failure", state.FailureCount),
		zap.Int("limit", state.FailureLimit),
		zap.Duration("delay", delay),
	)
	if err := p.sleep(ctx, delay); err != nil {
		return fmt.Errorf("backoff sleep: %w", err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
