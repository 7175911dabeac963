// Package abcp implements the ABCP parts-catalog admin API client: fetching
// customer garage records for a date window, with bounded retries, candidate
// URL auto-repair, and credential masking in logs.
package abcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// DefaultBaseURL is used when ABCP_BASE_URL is not configured.
const DefaultBaseURL = "https://abcp61741.public.api.abcp.ru/cp/garage"

// Config holds the settings the client needs.
type Config struct {
	// BaseURL is the garage endpoint. Variants with a trailing slash and
	// a /list suffix are tried automatically, and a /cp/users base is
	// repaired to /cp/garage.
	BaseURL string
	// Login and Password authenticate against the admin API. Both are
	// required; FetchGarage fails before any network activity when either
	// is missing.
	Login    string
	Password string
	// Timeout bounds each HTTP call.
	Timeout time.Duration
	// Retries is the number of extra attempts after a transport error or
	// a retryable status (429, 5xx).
	Retries int
	// RetryBackoff is the base delay between attempts; it doubles with
	// each retry.
	RetryBackoff time.Duration
	// RateLimitPause is an optional courtesy delay after a successful
	// fetch.
	RateLimitPause time.Duration
}

// Record is one garage vehicle as the API returned it: the decoded attribute
// map plus the verbatim JSON payload for archival.
type Record struct {
	Attrs map[string]interface{}
	Raw   json.RawMessage
}

// Client talks to one ABCP endpoint.
type Client struct {
	cfg    Config
	httpc  *http.Client
	logger *log.Logger
}

// New creates a Client. A nil logger falls back to stderr.
func New(cfg Config, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(os.Stderr, "[abcp] ", log.LstdFlags)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Client{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// apiError is the envelope some installations return instead of data.
type apiError struct {
	ErrorCode    json.Number `json:"errorCode"`
	ErrorMessage string      `json:"errorMessage"`
}

// FetchGarage requests all garage records updated inside [start, end],
// grouped by customer id. An interval without records returns an empty map,
// never an error: several installations report the empty case as HTTP 404
// with errorCode 301, or as HTTP 200 carrying the same envelope.
func (c *Client) FetchGarage(ctx context.Context, start, end time.Time) (map[string][]Record, error) {
	if c.cfg.Login == "" || c.cfg.Password == "" {
		return nil, fmt.Errorf("ABCP credentials missing: set ABCP_USERLOGIN and ABCP_USERPSW")
	}

	params := url.Values{}
	params.Set("userlogin", c.cfg.Login)
	params.Set("userpsw", c.cfg.Password)
	params.Set("dateUpdatedStart", start.Format("2006-01-02 15:04:05"))
	params.Set("dateUpdatedEnd", end.Format("2006-01-02 15:04:05"))

	c.logger.Printf("ABCP FETCH start: %s -> %s",
		params.Get("dateUpdatedStart"), params.Get("dateUpdatedEnd"))

	var failures []string
	for _, candidate := range CandidateURLs(c.cfg.BaseURL) {
		full := candidate + "?" + params.Encode()

		status, body, err := c.getWithRetry(ctx, full)
		if err != nil {
			return nil, fmt.Errorf("request to %s failed: %w", MaskURL(full), err)
		}

		if status == http.StatusOK {
			records, empty, err := decodeGarage(body)
			if err != nil {
				return nil, fmt.Errorf("response from %s: %w", MaskURL(full), err)
			}
			if empty {
				c.logger.Printf("ABCP FETCH empty (200 with error envelope)")
				return map[string][]Record{}, nil
			}
			total := 0
			for _, list := range records {
				total += len(list)
			}
			c.logger.Printf("ABCP FETCH ok: users=%d items=%d", len(records), total)
			if c.cfg.RateLimitPause > 0 {
				time.Sleep(c.cfg.RateLimitPause)
			}
			return records, nil
		}

		if isEmptyNotFound(status, body) {
			c.logger.Printf("ABCP FETCH empty (status=%d, interval without cars)", status)
			return map[string][]Record{}, nil
		}

		snippet := string(body)
		if len(snippet) > 500 {
			snippet = snippet[:500]
		}
		c.logger.Printf("WARNING: ABCP non-200: status=%d url=%s snippet=%s",
			status, MaskURL(full), snippet)
		failures = append(failures, fmt.Sprintf("[%d] %s: %s", status, MaskURL(full), snippet))

		// Only statuses that might mean "wrong path variant" justify
		// trying the next candidate.
		if status != http.StatusNotFound &&
			status != http.StatusMovedPermanently &&
			status != http.StatusFound {
			return nil, fmt.Errorf("ABCP responded %d at %s: %s", status, MaskURL(full), snippet)
		}
	}

	return nil, fmt.Errorf("ABCP responded non-200 for all candidate URLs:\n  %s",
		strings.Join(failures, "\n  "))
}

// getWithRetry performs one GET with bounded retries on transport errors and
// retryable statuses (429, 500, 502, 503, 504). The delay doubles with each
// attempt.
func (c *Client) getWithRetry(ctx context.Context, fullURL string) (int, []byte, error) {
	attempts := c.cfg.Retries + 1
	if attempts < 1 {
		attempts = 1
	}
	backoff := c.cfg.RetryBackoff

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoff * (1 << (attempt - 1))
			c.logger.Printf("ABCP retry %d/%d after %s", attempt, attempts-1, delay)
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		res, err := c.httpc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return 0, nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		body, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch res.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			lastErr = fmt.Errorf("status %d", res.StatusCode)
			continue
		}

		return res.StatusCode, body, nil
	}

	return 0, nil, fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}

// decodeGarage parses a 200 response body. The expected shape is a JSON
// object mapping customer ids to vehicle lists; an object carrying
// errorCode 301/404 means "no records" and reports empty=true. Any other
// errorCode is a genuine in-band failure (bad credentials and the like) and
// must never masquerade as an empty interval.
func decodeGarage(body []byte) (map[string][]Record, bool, error) {
	var envelope apiError
	if err := json.Unmarshal(body, &envelope); err == nil {
		switch code := envelope.ErrorCode.String(); code {
		case "":
		case "301", "404":
			return nil, true, nil
		default:
			return nil, false, fmt.Errorf("ABCP error %s: %s", code, envelope.ErrorMessage)
		}
	}

	var byUser map[string]json.RawMessage
	if err := json.Unmarshal(body, &byUser); err != nil {
		snippet := string(body)
		if len(snippet) > 500 {
			snippet = snippet[:500]
		}
		return nil, false, fmt.Errorf("not a JSON object: %s", snippet)
	}

	records := make(map[string][]Record, len(byUser))
	for userID, rawList := range byUser {
		var list []json.RawMessage
		if err := json.Unmarshal(rawList, &list); err != nil {
			// Non-list values (service keys like "status") are skipped.
			continue
		}
		out := make([]Record, 0, len(list))
		for _, raw := range list {
			var attrs map[string]interface{}
			if err := json.Unmarshal(raw, &attrs); err != nil {
				continue
			}
			out = append(out, Record{Attrs: attrs, Raw: raw})
		}
		records[userID] = out
	}
	return records, false, nil
}

// isEmptyNotFound reports whether a non-200 response is the documented
// "no vehicles in interval" case rather than a real failure.
func isEmptyNotFound(status int, body []byte) bool {
	if status != http.StatusNotFound {
		return false
	}
	var envelope apiError
	if err := json.Unmarshal(body, &envelope); err == nil {
		code := envelope.ErrorCode.String()
		if code == "301" || code == "404" {
			return true
		}
		msg := strings.ToLower(envelope.ErrorMessage)
		if strings.Contains(msg, "не найден") || strings.Contains(msg, "not found") {
			return true
		}
	}
	text := strings.ToLower(string(body))
	return strings.Contains(text, "не найден") || strings.Contains(text, "not found")
}

// CandidateURLs expands a base endpoint into the path variants worth trying:
// the base itself, with a trailing slash, and with a /list suffix. A base
// mistakenly pointing at /cp/users is repaired to /cp/garage first.
func CandidateURLs(base string) []string {
	b := strings.TrimSpace(base)
	if b == "" {
		b = DefaultBaseURL
	}
	b = strings.TrimRight(b, "/")

	if strings.HasSuffix(b, "/cp/users") {
		b = b[:strings.LastIndex(b, "/")] + "/garage"
	}

	candidates := []string{b, b + "/", b + "/list"}
	seen := make(map[string]bool, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, u := range candidates {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

// MaskURL hides credential query parameters so URLs are safe to log.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("userpsw") {
		q.Set("userpsw", "********")
	}
	if q.Has("userlogin") {
		q.Set("userlogin", "********")
	}
	u.RawQuery = q.Encode()
	return u.String()
}
