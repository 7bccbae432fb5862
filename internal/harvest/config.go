package harvest

import (
	"fmt"
	"time"

	"github.com/JakeFAU/wikiharvest/internal/backoff"
)

// Config holds the tuning knobs of the fetch engine.
type Config struct {
	// FailureLimit is the number of failures tolerated per page fetch.
	FailureLimit int `mapstructure:"failure_limit"`
	// SkipLimit is the cumulative number of skipped items after which a
	// collection stops.
	SkipLimit int `mapstructure:"skip_limit"`
	// SkipAmount is how far a skip directive advances; 0 means the
	// undegraded batch size.
	SkipAmount int `mapstructure:"skip_amount"`
	// DegradeFactor divides the batch size after every failure.
	DegradeFactor int `mapstructure:"degrade_factor"`

	SpaceBatchSize     int `mapstructure:"space_batch_size"`
	QueryBatchSize     int `mapstructure:"query_batch_size"`
	DiscoveryBatchSize int `mapstructure:"discovery_batch_size"`
	// Limit caps the items collected per source; 0 means no cap.
	Limit int `mapstructure:"limit"`

	ServerBackoff  backoff.Profile `mapstructure:"server_backoff"`
	TimeoutBackoff backoff.Profile `mapstructure:"timeout_backoff"`
}

// DefaultConfig returns the tuning used against production wikis.
func DefaultConfig() Config {
	return Config{
		FailureLimit:       5,
		SkipLimit:          300,
		DegradeFactor:      3,
		SpaceBatchSize:     100,
		QueryBatchSize:     100,
		DiscoveryBatchSize: 500,
		ServerBackoff:      backoff.Profile{Base: 500 * time.Millisecond, Slot: 100 * time.Millisecond},
		TimeoutBackoff:     backoff.Profile{Base: 30 * time.Second, Slot: 15 * time.Second},
	}
}

// Validate rejects settings that would stall or never retry.
func (c Config) Validate() error {
	if c.FailureLimit < 0 {
		return fmt.Errorf("harvest.failure_limit must be >= 0")
	}
	if c.SkipLimit <= 0 {
		return fmt.Errorf("harvest.skip_limit must be > 0")
	}
	if c.SkipAmount < 0 {
		return fmt.Errorf("harvest.skip_amount must be >= 0")
	}
	if c.DegradeFactor < 1 {
		return fmt.Errorf("harvest.degrade_factor must be >= 1")
	}
	if c.SpaceBatchSize <= 0 || c.QueryBatchSize <= 0 || c.DiscoveryBatchSize <= 0 {
		return fmt.Errorf("harvest batch sizes must be > 0")
	}
	if c.Limit < 0 {
		return fmt.Errorf("harvest.limit must be >= 0")
	}
	if c.ServerBackoff.Base < 0 || c.ServerBackoff.Slot < 0 ||
		c.TimeoutBackoff.Base < 0 || c.TimeoutBackoff.Slot < 0 {
		return fmt.Errorf("harvest backoff durations must be >= 0")
	}
	return nil
}

func (c Config) batchOptions(batchSize int) BatchOptions {
	return BatchOptions{
		BatchSize:     batchSize,
		FailureLimit:  c.FailureLimit,
		DegradeFactor: c.DegradeFactor,
		SkipAmount:    c.SkipAmount,
	}
}
