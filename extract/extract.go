// Package extract fetches LinkedIn job-search result pages and turns them
// into raw records. It is the only package that understands the source's
// HTML; everything downstream works with ledger types.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"

	"linkedin-watcher/pkg/ledger"
)

const (
	baseURL      = "https://www.linkedin.com"
	searchPath   = "/jobs/search/"
	requestUA    = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	fetchTimeout = 30 * time.Second

	// DefaultMaxPages bounds pagination per query.
	DefaultMaxPages = 3
	// DefaultPageSize is the source's pagination increment.
	DefaultPageSize = 25
)

// BlockedError indicates the source refused to serve results without
// authentication (auth wall, login redirect) or demanded interactive
// verification (Challenge is set).
type BlockedError struct {
	URL       string
	Challenge bool
}

func (e *BlockedError) Error() string {
	if e.Challenge {
		return fmt.Sprintf("blocked by verification challenge: %s", e.URL)
	}
	return fmt.Sprintf("blocked, authentication required: %s", e.URL)
}

// IsBlocked checks if an error is a blocked signal.
func IsBlocked(err error) bool {
	var blocked *BlockedError
	return errors.As(err, &blocked)
}

// IsChallengeBlocked checks if an error is a blocked signal caused by an
// interactive verification page.
func IsChallengeBlocked(err error) bool {
	var blocked *BlockedError
	return errors.As(err, &blocked) && blocked.Challenge
}

// ErrUnavailable indicates a query yielded nothing at all (network failure,
// timeout, unparseable pages).
var ErrUnavailable = errors.New("extraction unavailable")

// PartialError reports that a query yielded records but stopped early. The
// records extracted so far are still usable.
type PartialError struct {
	Query string
	Got   int
	Err   error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("partial result for %q after %d records: %v", e.Query, e.Got, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// AsPartial extracts a PartialError from err, if present.
func AsPartial(err error) (*PartialError, bool) {
	var partial *PartialError
	ok := errors.As(err, &partial)
	return partial, ok
}

// Client fetches and parses job-search pages using one cookie-backed HTTP
// session. The cookie jar contents are the session blob: exported and
// restored as an opaque artifact, never inspected elsewhere.
type Client struct {
	httpClient *http.Client
	jar        *cookiejar.Jar
	logger     *slog.Logger
	maxPages   int
	pageSize   int
}

// New creates an extraction client with a fresh cookie jar.
func New(logger *slog.Logger, maxPages, pageSize int) (*Client, error) {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Client{
		httpClient: &http.Client{Jar: jar, Timeout: fetchTimeout},
		jar:        jar,
		logger:     logger,
		maxPages:   maxPages,
		pageSize:   pageSize,
	}, nil
}

// searchURL builds the result-page URL for a query.
func searchURL(q ledger.Query) (string, error) {
	if q.URL != "" {
		if !strings.HasPrefix(q.URL, "http") {
			return "", fmt.Errorf("invalid search url %q", q.URL)
		}
		return q.URL, nil
	}
	params := url.Values{}
	params.Set("keywords", q.Keywords)
	params.Set("location", q.Location)
	return baseURL + searchPath + "?" + params.Encode(), nil
}

// pageURL appends the pagination offset to a search URL.
func pageURL(base string, start int) string {
	if start <= 0 {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "start=" + strconv.Itoa(start)
}

// RunQuery fetches all result pages for one query and returns the extracted
// records. Outcomes follow the extractor contract: success (possibly zero
// records on a clean empty result), *BlockedError when the source demands
// authentication, *PartialError when some pages were lost after records were
// already extracted, and ErrUnavailable when nothing could be fetched.
// Results are all-or-nothing with respect to cancellation: a cancelled query
// contributes no records.
func (c *Client) RunQuery(ctx context.Context, q ledger.Query) ([]ledger.RawRecord, error) {
	base, err := searchURL(q)
	if err != nil {
		return nil, err
	}

	var all []ledger.RawRecord
	pagesFetched := 0

	for page := range c.maxPages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := page * c.pageSize
		records, skipped, err := c.fetchPage(ctx, pageURL(base, start))
		if err != nil {
			if IsBlocked(err) {
				return nil, err
			}
			if pagesFetched == 0 {
				return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
			}
			return all, &PartialError{Query: q.Label(), Got: len(all), Err: err}
		}

		pagesFetched++
		if skipped > 0 {
			c.logger.Warn("Skipped malformed job cards", "query", q.Label(), "page", page+1, "skipped", skipped)
		}
		if len(records) == 0 {
			break
		}
		all = append(all, records...)
		if len(records) < c.pageSize {
			break
		}
	}

	c.logger.Info("Query extracted",
		"query", q.Label(),
		"pages", pagesFetched,
		"records", len(all))
	return all, nil
}

// fetchPage retrieves and parses a single result page with bounded retries.
// Blocked signals are unrecoverable here; only the session manager may decide
// to re-authenticate.
func (c *Client) fetchPage(ctx context.Context, fetchURL string) (records []ledger.RawRecord, skipped int, err error) {
	err = retry.Do(
		func() error {
			req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, http.NoBody)
			if reqErr != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", reqErr))
			}
			setBrowserHeaders(req)

			startTime := time.Now()
			resp, doErr := c.httpClient.Do(req)
			duration := time.Since(startTime)

			if doErr != nil {
				c.logger.Warn("HTTP request failed, will retry",
					"url", fetchURL,
					"duration_ms", duration.Milliseconds(),
					"error", doErr)
				return doErr
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			final := resp.Request.URL
			if blockedPath(final.Path) {
				c.logger.Warn("Redirected to auth wall", "url", final.String())
				return retry.Unrecoverable(&BlockedError{URL: final.String(), Challenge: challengePath(final.Path)})
			}
			// LinkedIn answers automated traffic with 999.
			if resp.StatusCode == http.StatusForbidden || resp.StatusCode == 999 {
				return retry.Unrecoverable(&BlockedError{URL: fetchURL})
			}
			if resp.StatusCode != http.StatusOK {
				c.logger.Warn("HTTP request returned non-OK status, will retry", "status_code", resp.StatusCode)
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			doc, parseErr := goquery.NewDocumentFromReader(resp.Body)
			if parseErr != nil {
				return retry.Unrecoverable(fmt.Errorf("parse HTML: %w", parseErr))
			}

			records, skipped = parseResults(doc)
			c.logger.Debug("Result page parsed",
				"url", fetchURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds(),
				"records", len(records),
				"skipped", skipped)
			return nil
		},
		retry.Attempts(4),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			c.logger.Info("Retrying page fetch after error", "attempt", n, "error", retryErr)
		}),
	)
	if err != nil {
		return nil, 0, err
	}
	return records, skipped, nil
}

func setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", requestUA)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("Cache-Control", "max-age=0")
}

// blockedPath reports whether a final URL path is a login/auth wall or a
// verification page rather than a result page.
func blockedPath(path string) bool {
	return strings.Contains(path, "/authwall") ||
		strings.Contains(path, "/login") ||
		strings.Contains(path, "/uas/") ||
		challengePath(path)
}

// challengePath reports whether a path is an interactive verification page.
// The login submit endpoint also lives under /checkpoint/, so only the
// challenge subtree counts.
func challengePath(path string) bool {
	return strings.Contains(path, "/checkpoint/challenge") ||
		strings.Contains(path, "/challenge/")
}
