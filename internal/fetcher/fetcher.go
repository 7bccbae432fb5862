// Package fetcher defines the transport contract used by the content API client.
package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Request describes a single GET against the remote API.
type Request struct {
	URL     string
	Headers http.Header
}

// Response is the raw payload of a successful GET.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher performs one HTTP GET and returns the body.
type Fetcher interface {
	Fetch(ctx context.Context, request Request) (Response, error)
}

// maxBodyExcerpt bounds how much of an error body is kept on StatusError.
const maxBodyExcerpt = 512

// StatusError reports a response with a non-success status code.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

// NewStatusError builds a StatusError, keeping only a short excerpt of body.
func NewStatusError(url string, code int, body []byte) *StatusError {
	if len(body) > maxBodyExcerpt {
		body = body[:maxBodyExcerpt]
	}
	return &StatusError{URL: url, StatusCode: code, Body: string(body)}
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// HTTPStatusCode exposes the status code to error classifiers.
func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}
