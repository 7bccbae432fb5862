package confluence

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/wikiharvest/internal/fetcher"
	collyfetcher "github.com/JakeFAU/wikiharvest/internal/fetcher/colly"
	"github.com/JakeFAU/wikiharvest/internal/harvest"
	"github.com/JakeFAU/wikiharvest/internal/metrics"
)

const testToken = "s3cret"

// wiki is a minimal Confluence stand-in serving one space of n pages.
type wiki struct {
	t      *testing.T
	pages  int
	mu     sync.Mutex
	hits   map[string]int
	failAt map[int]int // start offset -> remaining 503 responses
	srv    *httptest.Server
}

func newWiki(t *testing.T, pages int) *wiki {
	t.Helper()
	w := &wiki{t: t, pages: pages, hits: map[string]int{}, failAt: map[int]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/wiki/rest/api/space", w.spaces)
	mux.HandleFunc("/wiki/rest/api/search", w.search)
	mux.HandleFunc("/wiki/rest/api/content", w.content)
	mux.HandleFunc("/wiki/rest/api/content/search", w.cql)
	w.srv = httptest.NewServer(w.authorized(mux))
	t.Cleanup(w.srv.Close)
	return w
}

func (w *wiki) url() string { return w.srv.URL + "/wiki" }

func (w *wiki) authorized(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		w.mu.Lock()
		w.hits[r.URL.Path]++
		w.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			http.Error(rw, "unauthorized", http.StatusUnauthorized)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(rw, r)
	})
}

func window(r *http.Request, total int) (int, int, bool) {
	start, _ := strconv.Atoi(r.URL.Query().Get("start"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	end := min(start+limit, total)
	if start > end {
		start = end
	}
	return start, end, end < total
}

func (w *wiki) spaces(rw http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("type") != "global" || r.URL.Query().Get("status") != "current" {
		http.Error(rw, "bad filter", http.StatusBadRequest)
		return
	}
	keys := []string{"ENG", "OPS", "HR"}
	start, end, more := window(r, len(keys))
	var results []string
	for i, key := range keys[start:end] {
		results = append(results, fmt.Sprintf(`{"id":%d,"key":%q,"name":"%s space","type":"global","_links":{"webui":"/spaces/%s"}}`, start+i, key, key, key))
	}
	writePage(rw, results, start, end-start, more, nil)
}

func (w *wiki) search(rw http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("limit") != "0" {
		http.Error(rw, "expected count query", http.StatusBadRequest)
		return
	}
	switch r.URL.Query().Get("cql") {
	case `space="ENG" and type=page`:
		total := w.pages
		writePage(rw, nil, 0, 0, false, &total)
	case `space="~jdoe" and type=page`:
		total := 3
		writePage(rw, nil, 0, 0, false, &total)
	case `space="AND" and type=page`:
		total := 1
		writePage(rw, nil, 0, 0, false, &total)
	case `space="HR" and type=page`:
		writePage(rw, nil, 0, 0, false, nil)
	default:
		http.Error(rw, "boom", http.StatusInternalServerError)
	}
}

func (w *wiki) content(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("spaceKey") != "ENG" || q.Get("type") != "page" || q.Get("expand") != DefaultContentExpand {
		http.Error(rw, "bad query", http.StatusBadRequest)
		return
	}
	start, end, more := window(r, w.pages)
	w.mu.Lock()
	if w.failAt[start] > 0 {
		w.failAt[start]--
		w.mu.Unlock()
		http.Error(rw, "overloaded", http.StatusServiceUnavailable)
		return
	}
	w.mu.Unlock()

	results := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		results = append(results, pageJSON(i, ""))
	}
	writePage(rw, results, start, end-start, more, nil)
}

func (w *wiki) cql(rw http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("expand") != DefaultSearchExpand {
		http.Error(rw, "bad expand", http.StatusBadRequest)
		return
	}
	start, end, more := window(r, 2)
	var results []string
	for i := start; i < end; i++ {
		results = append(results, pageJSON(100+i, `"space":{"key":"OPS"},`))
	}
	writePage(rw, results, start, end-start, more, nil)
}

func pageJSON(i int, extra string) string {
	return fmt.Sprintf(`{"id":"%d","type":"page","status":"current","title":"Page %d",%s`+
		`"body":{"export_view":{"value":"<p>body %d</p>","representation":"export_view"}},`+
		`"ancestors":[{"id":"home","type":"page","status":"current"},{"id":"parent","type":"page","status":"current"}],`+
		`"_links":{"webui":"/spaces/ENG/pages/%d","tinyui":"/x/%d"}}`, i, i, extra, i, i, i)
}

func writePage(rw http.ResponseWriter, results []string, start, size int, more bool, total *int) {
	next := ""
	if more {
		next = fmt.Sprintf(`,"next":"/rest/api/next?start=%d"`, start+size)
	}
	totalJSON := ""
	if total != nil {
		totalJSON = fmt.Sprintf(`"totalSize":%d,`, *total)
	}
	body := "["
	for i, r := range results {
		if i > 0 {
			body += ","
		}
		body += r
	}
	body += "]"
	_, _ = fmt.Fprintf(rw, `{"results":%s,"start":%d,"limit":%d,"size":%d,%s"_links":{"base":"https://wiki.example.com/wiki","context":"/wiki"%s}}`,
		body, start, size, size, totalJSON, next)
}

func newTestClient(t *testing.T, baseURL string, opts ...Option) *Client {
	t.Helper()
	f := collyfetcher.New(collyfetcher.Config{UserAgent: "wikiharvest-test", Timeout: 5 * time.Second})
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	c, err := New(Config{BaseURL: baseURL, Token: testToken}, f, opts...)
	require.NoError(t, err)
	return c
}

func TestListSpacesPagesThroughResults(t *testing.T) {
	t.Parallel()

	w := newWiki(t, 0)
	c := newTestClient(t, w.url())

	first, err := c.ListSpaces(context.Background(), 0, 2)
	require.NoError(t, err)
	require.Equal(t, []harvest.Space{{Key: "ENG", Name: "ENG space"}, {Key: "OPS", Name: "OPS space"}}, first.Results)
	require.True(t, first.HasNext)
	require.Equal(t, 2, first.Size)

	second, err := c.ListSpaces(context.Background(), 2, 2)
	require.NoError(t, err)
	require.Equal(t, []harvest.Space{{Key: "HR", Name: "HR space"}}, second.Results)
	require.False(t, second.HasNext)
}

func TestCountSpacePages(t *testing.T) {
	t.Parallel()

	w := newWiki(t, 42)
	c := newTestClient(t, w.url())

	n, err := c.CountSpacePages(context.Background(), "ENG")
	require.NoError(t, err)
	require.Equal(t, 42, n)

	// Personal space keys and reserved words only parse when quoted.
	n, err = c.CountSpacePages(context.Background(), "~jdoe")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = c.CountSpacePages(context.Background(), "AND")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = c.CountSpacePages(context.Background(), "HR")
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = c.CountSpacePages(context.Background(), "OPS")
	var status *fetcher.StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusInternalServerError, status.StatusCode)
}

func TestListSpaceContentBuildsRecords(t *testing.T) {
	t.Parallel()

	w := newWiki(t, 3)
	c := newTestClient(t, w.url())

	page, err := c.ListSpaceContent(context.Background(), "ENG", 1, 5)
	require.NoError(t, err)
	require.False(t, page.HasNext)
	require.Equal(t, 2, page.Size)
	require.Equal(t, harvest.Record{
		ID:        "1",
		Title:     "Page 1",
		Body:      "<p>body 1</p>",
		URL:       "https://wiki.example.com/wiki/x/1",
		Space:     "ENG",
		Ancestors: []string{"parent"},
	}, page.Results[0])
}

func TestSearchContentKeepsContentSpace(t *testing.T) {
	t.Parallel()

	w := newWiki(t, 0)
	c := newTestClient(t, w.url())

	page, err := c.SearchContent(context.Background(), `label="runbook"`, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Results, 2)
	require.Equal(t, "OPS", page.Results[0].Space)
	require.Equal(t, "100", page.Results[0].ID)
}

func TestUnauthorizedIsAStatusError(t *testing.T) {
	t.Parallel()

	w := newWiki(t, 3)
	f := collyfetcher.New(collyfetcher.Config{Timeout: 5 * time.Second})
	c, err := New(Config{BaseURL: w.url(), Token: "wrong"}, f)
	require.NoError(t, err)

	_, err = c.ListSpaceContent(context.Background(), "ENG", 0, 10)
	var status *fetcher.StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusUnauthorized, status.StatusCode)
	require.Equal(t, harvest.FailureUnrecoverable, harvest.Classify(err))
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	f := collyfetcher.New(collyfetcher.Config{})
	_, err := New(Config{BaseURL: "ftp://wiki.example.com"}, f)
	require.Error(t, err)
	_, err = New(Config{BaseURL: "https://"}, f)
	require.Error(t, err)
	_, err = New(Config{BaseURL: "https://wiki.example.com"}, nil)
	require.Error(t, err)
}

type stubFetcher struct {
	requests []fetcher.Request
	resp     fetcher.Response
	err      error
}

func (s *stubFetcher) Fetch(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
	s.requests = append(s.requests, req)
	return s.resp, s.err
}

type countingPacer struct {
	urls []string
	err  error
}

func (p *countingPacer) Wait(_ context.Context, rawURL string) error {
	p.urls = append(p.urls, rawURL)
	return p.err
}

func TestRequestsArePacedAndRecorded(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	rec, err := metrics.New(reg)
	require.NoError(t, err)

	stub := &stubFetcher{err: fetcher.NewStatusError("u", http.StatusBadGateway, nil)}
	pacer := &countingPacer{}
	c, err := New(Config{BaseURL: "https://wiki.example.com/"}, stub, WithPacer(pacer), WithRecorder(rec))
	require.NoError(t, err)

	_, err = c.ListSpaces(context.Background(), 0, 500)
	require.Error(t, err)
	require.Equal(t, harvest.FailureServer, harvest.Classify(err))
	require.Len(t, pacer.urls, 1)
	require.Equal(t, "https://wiki.example.com/rest/api/space?limit=500&start=0&status=current&type=global", pacer.urls[0])
	require.Empty(t, stub.requests[0].Headers.Get("Authorization"))
	require.Equal(t, "application/json", stub.requests[0].Headers.Get("Accept"))

	count, err := testutil.GatherAndCount(reg, "harvest_api_requests_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestPacerFailureSkipsRequest(t *testing.T) {
	t.Parallel()

	stub := &stubFetcher{}
	pacer := &countingPacer{err: context.Canceled}
	c, err := New(Config{BaseURL: "https://wiki.example.com"}, stub, WithPacer(pacer))
	require.NoError(t, err)

	_, err = c.SearchContent(context.Background(), "type=page", 0, 10)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, stub.requests)
}

func TestMalformedBodyIsUnrecoverable(t *testing.T) {
	t.Parallel()

	stub := &stubFetcher{resp: fetcher.Response{StatusCode: http.StatusOK, Body: []byte("<html>login</html>")}}
	c, err := New(Config{BaseURL: "https://wiki.example.com"}, stub)
	require.NoError(t, err)

	_, err = c.ListSpaceContent(context.Background(), "ENG", 0, 10)
	require.ErrorContains(t, err, "decode response")
	require.Equal(t, harvest.FailureUnrecoverable, harvest.Classify(err))
}

func TestHarvestRecoversFromTransientServerErrors(t *testing.T) {
	t.Parallel()

	w := newWiki(t, 25)
	w.failAt[10] = 1
	c := newTestClient(t, w.url())

	cfg := harvest.DefaultConfig()
	cfg.SpaceBatchSize = 10
	noSleep := func(context.Context, time.Duration) error { return nil }
	policy := harvest.NewPolicy(cfg, zaptest.NewLogger(t), harvest.WithSleeper(noSleep))
	o := harvest.NewOrchestrator(c, cfg, zaptest.NewLogger(t), harvest.WithFailureHandler(policy.OnFailure))

	res, err := o.Run(context.Background(), harvest.Plan{Spaces: []string{"ENG"}})
	require.NoError(t, err)
	require.Len(t, res.Records, 25)
	require.Equal(t, 25, res.Report.ExpectedItems)
	require.InDelta(t, 1.0, res.Report.Yield, 1e-9)
	for i, r := range res.Records {
		require.Equal(t, strconv.Itoa(i), r.ID)
		require.Equal(t, "ENG", r.Source)
	}
}

func TestCancelledContextStopsFetch(t *testing.T) {
	t.Parallel()

	w := newWiki(t, 1)
	c := newTestClient(t, w.url())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ListSpaceContent(ctx, "ENG", 0, 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestCQLStringEscapesQuotes(t *testing.T) {
	t.Parallel()

	require.Equal(t, `"ENG"`, cqlString("ENG"))
	require.Equal(t, `"a\"b\\c"`, cqlString(`a"b\c`))
}
