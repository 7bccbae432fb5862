// Package publisher announces finished harvest runs on a message topic.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/wikiharvest/internal/harvest"
)

// EventRunCompleted is the event type of a finished run announcement.
const EventRunCompleted = "harvest.run.completed"

// Publisher sends one JSON-encodable payload to a topic and returns the
// message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RunCompleted is the payload of a run announcement.
type RunCompleted struct {
	Event       string                 `json:"event"`
	RunID       string                 `json:"run_id"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  time.Time              `json:"finished_at"`
	Items       int                    `json:"items"`
	Expected    int                    `json:"expected_items"`
	YieldPct    float64                `json:"yield_pct"`
	Interrupted bool                   `json:"interrupted"`
	Failed      []harvest.SourceReport `json:"failed"`
}

// Attributes returns the message attributes subscribers can filter on.
func (e RunCompleted) Attributes() map[string]string {
	return map[string]string{
		"event":  e.Event,
		"run_id": e.RunID,
	}
}

// RunNotifier implements harvest.Notifier on top of a Publisher.
type RunNotifier struct {
	pub    Publisher
	topic  string
	logger *zap.Logger
}

var _ harvest.Notifier = (*RunNotifier)(nil)

// NewRunNotifier publishes run announcements to topic through pub.
func NewRunNotifier(pub Publisher, topic string, logger *zap.Logger) (*RunNotifier, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunNotifier{pub: pub, topic: topic, logger: logger.Named("notify")}, nil
}

// NotifyRun publishes the summary of report.
func (n *RunNotifier) NotifyRun(ctx context.Context, report harvest.Report) error {
	event := RunCompleted{
		Event:       EventRunCompleted,
		RunID:       report.RunID,
		StartedAt:   report.StartedAt,
		FinishedAt:  report.FinishedAt,
		Items:       report.Items,
		Expected:    report.ExpectedItems,
		YieldPct:    report.YieldPercent(),
		Interrupted: report.Interrupted,
		Failed:      report.Failed,
	}
	id, err := n.pub.Publish(ctx, n.topic, event)
	if err != nil {
		return fmt.Errorf("publish run %s: %w", report.RunID, err)
	}
	n.logger.Info("run announced", zap.String("topic", n.topic), zap.String("message_id", id))
	return nil
}
