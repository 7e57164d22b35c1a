package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/earn12345678/data-engineering-project/internal/failure"
	"github.com/earn12345678/data-engineering-project/internal/record"
	"github.com/earn12345678/data-engineering-project/internal/retry"
)

// floatingTimestamp is the source's timestamp literal format.
const floatingTimestamp = "2006-01-02T15:04:05.000"

// Config configures the HTTP fetcher.
type Config struct {
	BaseURL           string
	Dataset           string
	AppToken          string
	TimestampField    string
	IDField           string
	PageSize          int
	MaxPages          int
	RequestTimeout    time.Duration
	RequestsPerSecond float64
}

// Fetcher reads a Socrata-style dataset endpoint page by page using
// $where/$order/$limit/$offset query parameters.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	retrier *retry.Retrier
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// NewFetcher creates a Fetcher. Pages are retried with r.
func NewFetcher(cfg Config, r *retry.Retrier, logger *zap.Logger, opts ...Option) *Fetcher {
	if cfg.PageSize < 1 {
		cfg.PageSize = 1000
	}
	if cfg.MaxPages < 1 {
		cfg.MaxPages = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	f := &Fetcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		retrier: r,
		limiter: rate.NewLimiter(rate.Inf, 1),
		logger:  logger,
	}
	if cfg.RequestsPerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch pages through every record strictly after cur. Pagination stops on a
// short page or after MaxPages pages; anything beyond is picked up by the
// next cycle once the cursor has advanced.
func (f *Fetcher) Fetch(ctx context.Context, cur record.Cursor) iter.Seq2[record.RawRecord, error] {
	return func(yield func(record.RawRecord, error) bool) {
		where := f.whereClause(cur)

		for page := 0; page < f.cfg.MaxPages; page++ {
			offset := page * f.cfg.PageSize

			rows, err := retry.Value(ctx, f.retrier, "source.fetch_page", func(ctx context.Context) ([]map[string]any, error) {
				return f.fetchPage(ctx, where, offset)
			})
			if err != nil {
				yield(record.RawRecord{}, fmt.Errorf("page %d (offset %d): %w", page, offset, err))
				return
			}

			f.logger.Debug("fetched page",
				zap.Int("page", page),
				zap.Int("offset", offset),
				zap.Int("rows", len(rows)))

			for _, fields := range rows {
				raw := f.toRaw(fields)
				if !raw.Timestamp.IsZero() && !cur.Admits(raw.Position()) {
					continue
				}
				if !yield(raw, nil) {
					return
				}
			}

			if len(rows) < f.cfg.PageSize {
				return
			}
		}

		f.logger.Warn("max pages reached, remaining records deferred to the next cycle",
			zap.Int("max_pages", f.cfg.MaxPages))
	}
}

func (f *Fetcher) whereClause(cur record.Cursor) string {
	if cur.IsZero() {
		return ""
	}
	ts := cur.LastProcessedTimestamp.UTC().Format(floatingTimestamp)
	if cur.LastProcessedID == "" {
		return fmt.Sprintf("%s > '%s'", f.cfg.TimestampField, ts)
	}
	return fmt.Sprintf("%s > '%s' OR (%s = '%s' AND %s > '%s')",
		f.cfg.TimestampField, ts,
		f.cfg.TimestampField, ts,
		f.cfg.IDField, escapeLiteral(cur.LastProcessedID))
}

func (f *Fetcher) pageURL(where string, offset int) string {
	q := url.Values{}
	if where != "" {
		q.Set("$where", where)
	}
	q.Set("$order", f.cfg.TimestampField+", "+f.cfg.IDField)
	q.Set("$limit", strconv.Itoa(f.cfg.PageSize))
	q.Set("$offset", strconv.Itoa(offset))

	base := strings.TrimRight(f.cfg.BaseURL, "/")
	return fmt.Sprintf("%s/resource/%s.json?%s", base, f.cfg.Dataset, q.Encode())
}

func (f *Fetcher) fetchPage(ctx context.Context, where string, offset int) ([]map[string]any, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, failure.Recoverable("source.rate_limit", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.pageURL(where, offset), nil)
	if err != nil {
		return nil, failure.Fatal("source.request", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.cfg.AppToken != "" {
		req.Header.Set("X-App-Token", f.cfg.AppToken)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, failure.Recoverable("source.request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failure.Recoverable("source.read", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp, body)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var rows []map[string]any
	if err := dec.Decode(&rows); err != nil {
		return nil, failure.Recoverable("source.decode", fmt.Errorf("invalid page body: %w", err))
	}
	return rows, nil
}

func (f *Fetcher) toRaw(fields map[string]any) record.RawRecord {
	raw := record.RawRecord{Fields: fields}
	if v, ok := fields[f.cfg.TimestampField]; ok {
		raw.Timestamp = parseTimestamp(v)
	}
	if v, ok := fields[f.cfg.IDField]; ok {
		raw.ID = stringValue(v)
	}
	return raw
}

// StatusError is a non-200 response from the source.
type StatusError struct {
	StatusCode int
	Body       string
	retryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("source returned %d: %s", e.StatusCode, e.Body)
}

// RetryAfter implements retry.Delayer.
func (e *StatusError) RetryAfter() time.Duration { return e.retryAfter }

func classifyStatus(resp *http.Response, body []byte) error {
	snippet := string(body)
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	se := &StatusError{StatusCode: resp.StatusCode, Body: snippet}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		se.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return failure.Recoverable("source.fetch", se)
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout:
		return failure.Recoverable("source.fetch", se)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return failure.Fatal("source.fetch", fmt.Errorf("credentials rejected: %w", se))
	default:
		return failure.Fatal("source.fetch", se)
	}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

var timestampLayouts = []string{
	floatingTimestamp,
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
	"2006-01-02",
}

func parseTimestamp(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func stringValue(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
