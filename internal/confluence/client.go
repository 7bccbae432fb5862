// Package confluence is a read-only client for the Confluence REST API
// endpoints the harvester pages through.
package confluence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/wikiharvest/internal/fetcher"
	"github.com/JakeFAU/wikiharvest/internal/harvest"
	"github.com/JakeFAU/wikiharvest/internal/metrics"
)

// Endpoint labels used in logs and metrics.
const (
	endpointSpaces       = "spaces"
	endpointPageCount    = "page_count"
	endpointSpaceContent = "space_content"
	endpointSearch       = "search"
)

// Default expansions request the rendered body and the ancestor chain.
const (
	DefaultContentExpand = "ancestors,body.export_view"
	DefaultSearchExpand  = "space,ancestors,body.export_view"
)

// Config describes the remote wiki.
type Config struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token         string
	ContentExpand string
	SearchExpand  string
}

// Pacer delays requests to stay under the server's rate limits.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Client implements harvest.ContentAPI over a fetcher.Fetcher.
type Client struct {
	base          *url.URL
	fetcher       fetcher.Fetcher
	headers       http.Header
	contentExpand string
	searchExpand  string
	pacer         Pacer
	recorder      *metrics.Recorder
	logger        *zap.Logger
}

var _ harvest.ContentAPI = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithPacer makes every request wait on p first.
func WithPacer(p Pacer) Option {
	return func(c *Client) { c.pacer = p }
}

// WithRecorder records request counts and latency.
func WithRecorder(r *metrics.Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New validates cfg and builds a Client.
func New(cfg Config, f fetcher.Fetcher, opts ...Option) (*Client, error) {
	if f == nil {
		return nil, errors.New("confluence: fetcher is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse confluence url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("confluence url %q must be http or https", cfg.BaseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("confluence url %q has no host", cfg.BaseURL)
	}

	headers := http.Header{}
	headers.Set("Accept", "application/json")
	if cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+cfg.Token)
	}

	c := &Client{
		base:          base,
		fetcher:       f,
		headers:       headers,
		contentExpand: cfg.ContentExpand,
		searchExpand:  cfg.SearchExpand,
		logger:        zap.NewNop(),
	}
	if c.contentExpand == "" {
		c.contentExpand = DefaultContentExpand
	}
	if c.searchExpand == "" {
		c.searchExpand = DefaultSearchExpand
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("confluence")
	return c, nil
}

// ListSpaces lists current global spaces.
func (c *Client) ListSpaces(ctx context.Context, start, limit int) (harvest.PageResult[harvest.Space], error) {
	query := pageQuery(start, limit)
	query.Set("type", "global")
	query.Set("status", "current")

	var resp response[space]
	if err := c.get(ctx, endpointSpaces, "/rest/api/space", query, &resp); err != nil {
		return harvest.PageResult[harvest.Space]{}, err
	}
	return toPage(c, endpointSpaces, resp, func(s space) harvest.Space {
		return harvest.Space{Key: s.Key, Name: s.Name}
	}), nil
}

// CountSpacePages returns the number of pages in a space as reported by a
// zero-limit CQL search. A response without a total counts as 0.
func (c *Client) CountSpacePages(ctx context.Context, spaceKey string) (int, error) {
	query := url.Values{}
	query.Set("cql", fmt.Sprintf("space=%s and type=page", cqlString(spaceKey)))
	query.Set("limit", "0")

	var resp response[json.RawMessage]
	if err := c.get(ctx, endpointPageCount, "/rest/api/search", query, &resp); err != nil {
		return 0, err
	}
	if resp.TotalSize == nil {
		return 0, nil
	}
	return *resp.TotalSize, nil
}

// cqlString quotes s as a CQL string literal.
func cqlString(s string) string {
	return `"` + cqlEscaper.Replace(s) + `"`
}

var cqlEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// ListSpaceContent lists the pages of a space with the content expansion.
func (c *Client) ListSpaceContent(ctx context.Context, spaceKey string, start, limit int) (harvest.PageResult[harvest.Record], error) {
	query := pageQuery(start, limit)
	query.Set("spaceKey", spaceKey)
	query.Set("type", "page")
	query.Set("expand", c.contentExpand)

	var resp response[content]
	if err := c.get(ctx, endpointSpaceContent, "/rest/api/content", query, &resp); err != nil {
		return harvest.PageResult[harvest.Record]{}, err
	}
	base := c.linkBase(resp.Links)
	return toPage(c, endpointSpaceContent, resp, func(ct content) harvest.Record {
		rec := ct.record(base)
		if rec.Space == "" {
			rec.Space = spaceKey
		}
		return rec
	}), nil
}

// SearchContent runs a CQL query with the search expansion.
func (c *Client) SearchContent(ctx context.Context, cql string, start, limit int) (harvest.PageResult[harvest.Record], error) {
	query := pageQuery(start, limit)
	query.Set("cql", cql)
	query.Set("expand", c.searchExpand)

	var resp response[content]
	if err := c.get(ctx, endpointSearch, "/rest/api/content/search", query, &resp); err != nil {
		return harvest.PageResult[harvest.Record]{}, err
	}
	base := c.linkBase(resp.Links)
	return toPage(c, endpointSearch, resp, func(ct content) harvest.Record {
		return ct.record(base)
	}), nil
}

func (c *Client) get(ctx context.Context, endpoint, path string, query url.Values, out any) error {
	target := c.base.JoinPath(path)
	target.RawQuery = query.Encode()
	raw := target.String()

	if c.pacer != nil {
		if err := c.pacer.Wait(ctx, raw); err != nil {
			return fmt.Errorf("%s: pace request: %w", endpoint, err)
		}
	}

	start := time.Now()
	resp, err := c.fetcher.Fetch(ctx, fetcher.Request{URL: raw, Headers: c.headers.Clone()})
	elapsed := time.Since(start)
	if err != nil {
		code := 0
		var status *fetcher.StatusError
		if errors.As(err, &status) {
			code = status.StatusCode
		}
		c.recorder.ObserveAPIRequest(endpoint, code, elapsed)
		c.logger.Debug("request failed",
			zap.String("endpoint", endpoint),
			zap.String("url", raw),
			zap.Int("status", code),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	c.recorder.ObserveAPIRequest(endpoint, resp.StatusCode, elapsed)

	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", endpoint, err)
	}
	return nil
}

// linkBase prefers the base link reported by the server, which includes the
// context path of the wiki.
func (c *Client) linkBase(l links) string {
	if l.Base != "" {
		return strings.TrimRight(l.Base, "/")
	}
	return c.base.String()
}

func toPage[S, T any](c *Client, endpoint string, resp response[S], convert func(S) T) harvest.PageResult[T] {
	results := make([]T, 0, len(resp.Results))
	for _, item := range resp.Results {
		results = append(results, convert(item))
	}
	if resp.Size != len(results) {
		c.logger.Debug("page size disagrees with results",
			zap.String("endpoint", endpoint),
			zap.Int("size", resp.Size),
			zap.Int("results", len(results)),
		)
	}
	return harvest.PageResult[T]{
		Results:   results,
		Start:     resp.Start,
		Limit:     resp.Limit,
		Size:      len(results),
		TotalSize: resp.TotalSize,
		HasNext:   resp.Links.Next != "",
	}
}

func pageQuery(start, limit int) url.Values {
	query := url.Values{}
	query.Set("start", strconv.Itoa(start))
	query.Set("limit", strconv.Itoa(limit))
	return query
}

func (ct content) record(base string) harvest.Record {
	rec := harvest.Record{
		ID:    ct.ID,
		Title: ct.Title,
	}
	if ct.Body != nil && ct.Body.ExportView != nil {
		rec.Body = ct.Body.ExportView.Value
	}
	switch {
	case ct.Links.TinyUI != "":
		rec.URL = base + ct.Links.TinyUI
	case ct.Links.WebUI != "":
		rec.URL = base + ct.Links.WebUI
	}
	if ct.Space != nil {
		rec.Space = ct.Space.Key
	}
	// The first ancestor is always the space home page.
	if len(ct.Ancestors) > 1 {
		rec.Ancestors = make([]string, 0, len(ct.Ancestors)-1)
		for _, a := range ct.Ancestors[1:] {
			rec.Ancestors = append(rec.Ancestors, a.ID)
		}
	}
	return rec
}
