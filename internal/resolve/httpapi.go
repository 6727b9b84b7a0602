package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
	"golang.org/x/time/rate"
)

// HTTPAPI resolves through an HTTP extraction service:
//
//	GET {base}/resolve?url=<reference>  -> candidate
//	GET {base}/search?q=<query>         -> {"results": [candidate...]}
//
// Search results are ranked by Jaro-Winkler similarity between the query
// and each candidate's title. Requests are rate limited.
type HTTPAPI struct {
	base    string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

var _ Backend = (*HTTPAPI)(nil)

// HTTPAPIOption configures [HTTPAPI].
type HTTPAPIOption func(*HTTPAPI)

// WithAPIKey sends key in the X-API-Key header.
func WithAPIKey(key string) HTTPAPIOption {
	return func(h *HTTPAPI) { h.apiKey = key }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPAPIOption {
	return func(h *HTTPAPI) { h.client = c }
}

// WithRateLimit allows rps requests per second with the given burst.
func WithRateLimit(rps float64, burst int) HTTPAPIOption {
	return func(h *HTTPAPI) { h.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1)) }
}

// NewHTTPAPI creates a backend for the service at base.
func NewHTTPAPI(base string, opts ...HTTPAPIOption) *HTTPAPI {
	h := &HTTPAPI{
		base:    strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Name implements [Backend].
func (h *HTTPAPI) Name() string { return "httpapi" }

// Accepts implements [Backend]; the service takes URLs and queries.
func (h *HTTPAPI) Accepts(Reference) bool { return true }

type candidate struct {
	URL        string  `json:"url"`
	Codec      string  `json:"codec"`
	Title      string  `json:"title"`
	Duration   float64 `json:"duration"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
	Live       bool    `json:"is_live"`
}

func (c candidate) source() Source {
	return Source{
		URL:        c.URL,
		Codec:      strings.ToLower(c.Codec),
		Title:      c.Title,
		Duration:   time.Duration(c.Duration * float64(time.Second)),
		SampleRate: c.SampleRate,
		Channels:   c.Channels,
		Live:       c.Live,
	}
}

// Resolve implements [Backend].
func (h *HTTPAPI) Resolve(ctx context.Context, ref Reference) (Source, error) {
	if ref.IsQuery() {
		return h.search(ctx, ref.Query())
	}
	var c candidate
	if err := h.get(ctx, "/resolve", url.Values{"url": {ref.Raw}}, &c); err != nil {
		return Source{}, err
	}
	return c.source(), nil
}

func (h *HTTPAPI) search(ctx context.Context, query string) (Source, error) {
	var body struct {
		Results []candidate `json:"results"`
	}
	if err := h.get(ctx, "/search", url.Values{"q": {query}}, &body); err != nil {
		return Source{}, err
	}
	best, ok := rank(query, body.Results)
	if !ok {
		return Source{}, fmt.Errorf("%w: no results for %q", ErrUnresolvable, query)
	}
	return best.source(), nil
}

// rank picks the candidate whose title is closest to query. Ties keep the
// service's order.
func rank(query string, cs []candidate) (candidate, bool) {
	if len(cs) == 0 {
		return candidate{}, false
	}
	q := strings.ToLower(query)
	scores := make([]float64, len(cs))
	idx := make([]int, len(cs))
	for i, c := range cs {
		scores[i] = matchr.JaroWinkler(q, strings.ToLower(c.Title), false)
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })
	return cs[idx[0]], true
}

func (h *HTTPAPI) get(ctx context.Context, endpoint string, q url.Values, out any) error {
	if err := h.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		// Wait fails early when the deadline cannot be met.
		return fmt.Errorf("%w: rate limited: %v", ErrTimeout, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("resolve: httpapi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if h.apiKey != "" {
		req.Header.Set("X-API-Key", h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("resolve: httpapi: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: httpapi: not found", ErrUnresolvable)
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("resolve: httpapi: unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("%w: httpapi: decode response: %v", ErrUnresolvable, err)
	}
	return nil
}
