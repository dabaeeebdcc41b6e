// Package github reads counters from the GitHub REST API.
//
// Two response shapes are understood: the issue search API, whose body
// carries {"total_count": n}, and any list endpoint, whose count is the
// length of the returned JSON array.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/erikjohnston/github-matrix-project-bot/internal/errs"
	"github.com/erikjohnston/github-matrix-project-bot/model"
)

const (
	maxBody    = 4 << 20
	maxExcerpt = 512
)

// Client fetches counts. Credentials and fixed headers are expected to be
// attached by the http.Client's transport.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: hc}
}

type searchResponse struct {
	TotalCount *int64 `json:"total_count"`
}

// FetchCount returns the current count for q. Every failure is a *errs.FetchError.
func (c *Client) FetchCount(ctx context.Context, q model.MetricQuery) (int64, error) {
	target, err := c.url(q)
	if err != nil {
		return 0, &errs.FetchError{QueryID: q.ID, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, &errs.FetchError{QueryID: q.ID, Err: fmt.Errorf("new request: %w", err)}
	}
	if q.Accept != "" {
		req.Header.Set("Accept", q.Accept)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &errs.FetchError{QueryID: q.ID, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return 0, &errs.FetchError{QueryID: q.ID, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &errs.FetchError{QueryID: q.ID, StatusCode: resp.StatusCode, Body: excerpt(body)}
	}

	n, err := decodeCount(q.Kind, body)
	if err != nil {
		return 0, &errs.FetchError{QueryID: q.ID, Body: excerpt(body), Err: err}
	}
	return n, nil
}

func (c *Client) url(q model.MetricQuery) (string, error) {
	switch q.Kind {
	case model.Search:
		return c.baseURL + "/search/issues?q=" + url.QueryEscape(q.Query), nil
	case model.Collection:
		return c.baseURL + q.Path, nil
	default:
		return "", fmt.Errorf("unknown metric kind %q", q.Kind)
	}
}

func decodeCount(kind model.MetricKind, body []byte) (int64, error) {
	if kind == model.Collection {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return 0, fmt.Errorf("malformed list body: %w", err)
		}
		return int64(len(items)), nil
	}

	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return 0, fmt.Errorf("malformed search body: %w", err)
	}
	if sr.TotalCount == nil {
		return 0, fmt.Errorf("malformed search body: total_count missing")
	}
	if *sr.TotalCount < 0 {
		return 0, fmt.Errorf("malformed search body: negative total_count %d", *sr.TotalCount)
	}
	return *sr.TotalCount, nil
}

func excerpt(b []byte) string {
	if len(b) > maxExcerpt {
		b = b[:maxExcerpt]
	}
	return strings.TrimSpace(string(b))
}
