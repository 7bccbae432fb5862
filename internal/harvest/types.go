// Package harvest implements the resilient bulk-fetch engine: adaptive page
// fetching, paginated collection with skip budgets, and the multi-source
// orchestration that produces the combined record set and its yield report.
package harvest

import (
	"context"
	"errors"
)

// ErrNoSources is returned when a run resolves to nothing to collect.
var ErrNoSources = errors.New("no sources to harvest")

// Outcome is the result of one adaptive page fetch. It is either a
// PageResult or a SkipDirective.
type Outcome interface {
	isOutcome()
}

// PageResult is one page returned by the remote list endpoint.
type PageResult[T any] struct {
	Results []T
	Start   int
	Limit   int
	// Size is the number of results returned; always len(Results).
	Size int
	// TotalSize is the total reported by the server, when it reports one.
	TotalSize *int
	// HasNext reports whether the server linked a next page.
	HasNext bool
}

func (PageResult[T]) isOutcome() {}

// SkipDirective tells the collector to advance the offset without data.
type SkipDirective struct {
	SkipCount int
}

func (SkipDirective) isOutcome() {}

// StopReason names the terminal state of a collection.
type StopReason string

// Terminal states of a collection. StopFailed only appears in reports: a
// collection that fails before producing any item has no outcome.
const (
	StopExhausted  StopReason = "exhausted"
	StopSkipBudget StopReason = "skip_budget"
	StopAborted    StopReason = "aborted"
	StopFailed     StopReason = "failed"
)

// CollectionOutcome holds everything gathered for one source.
type CollectionOutcome[T any] struct {
	Source  string
	Items   []T
	Skipped int
	Reason  StopReason
	// Err is the failure that interrupted an aborted collection.
	Err error
}

// SourceKind distinguishes named collections from structured queries.
type SourceKind string

// Supported source kinds.
const (
	SourceSpace SourceKind = "space"
	SourceQuery SourceKind = "query"
)

// Source is one independently paginated collection.
type Source struct {
	Name string
	Kind SourceKind
	// ExpectedSize is the number of items the source is believed to hold.
	// Queries have no expected size.
	ExpectedSize int
}

// Space is a named collection as listed by the content API.
type Space struct {
	Key  string
	Name string
}

// Record is a harvested content item with its provenance.
type Record struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	// Body is the rendered export view of the content.
	Body string `json:"body"`
	// URL is the canonical short link to the content.
	URL string `json:"url"`
	// Space is the key of the named collection the content lives in.
	Space string `json:"space"`
	// Source is the name of the space or query that produced the record.
	Source string `json:"source"`
	// Ancestors lists parent IDs root to leaf, excluding the space home page.
	Ancestors []string `json:"ancestors,omitempty"`
}

// ContentAPI is the paginated remote source the harvester reads from.
type ContentAPI interface {
	ListSpaces(ctx context.Context, start, limit int) (PageResult[Space], error)
	CountSpacePages(ctx context.Context, spaceKey string) (int, error)
	ListSpaceContent(ctx context.Context, spaceKey string, start, limit int) (PageResult[Record], error)
	SearchContent(ctx context.Context, cql string, start, limit int) (PageResult[Record], error)
}

// RecordSink receives the records of each source once it finishes.
type RecordSink interface {
	WriteRecords(ctx context.Context, source Source, records []Record) error
}

// ReportStore persists the final report of a run.
type ReportStore interface {
	SaveReport(ctx context.Context, report Report) error
}

// Notifier announces a finished run to downstream consumers.
type Notifier interface {
	NotifyRun(ctx context.Context, report Report) error
}
