// Package bitrix implements the Bitrix24 webhook REST client used by the
// reconciliation service: deal lookup by customer, user-field reads and
// writes, and the user-field metadata cache that drives value normalization.
package bitrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"garagesync/internal/config"
)

// Config holds the settings the client needs.
type Config struct {
	// WebhookURL is the inbound webhook base, e.g.
	// https://example.bitrix24.ru/rest/1/token/
	WebhookURL string
	// DealCategoryID narrows deal lookup to one pipeline.
	DealCategoryID int64
	// UserFieldCode is the deal UF code holding the ABCP user id.
	UserFieldCode string
	// TZOffset is the default UTC offset applied to datetime values.
	TZOffset string
	// Timeout bounds each HTTP call.
	Timeout time.Duration
	// Pause is an optional courtesy delay after every API call.
	Pause time.Duration
}

// Client talks to one Bitrix24 portal through an inbound webhook.
type Client struct {
	cfg    Config
	httpc  *http.Client
	logger *log.Logger
	meta   *MetaCache

	validateOnce sync.Once
}

// New creates a Client. A nil logger falls back to stderr.
func New(cfg Config, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(os.Stderr, "[bitrix] ", log.LstdFlags)
	}
	if offset, ok := ParseOffset(cfg.TZOffset); !ok {
		logger.Printf("WARNING: invalid B24_TZ_OFFSET %q; using %s", cfg.TZOffset, offset)
		cfg.TZOffset = offset
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}

	c := &Client{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
	c.meta = NewMetaCache(c.loadFieldMeta)
	return c
}

// apiResponse is the common Bitrix24 envelope.
type apiResponse struct {
	Result           json.RawMessage `json:"result"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
	Next             *int            `json:"next"`
}

// call posts one REST method and returns the result payload. An explicit
// error envelope in the response is raised as an error, never swallowed.
func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	resp, err := c.callFull(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (c *Client) callFull(ctx context.Context, method string, params interface{}) (*apiResponse, error) {
	url := strings.TrimRight(c.cfg.WebhookURL, "/") + "/" + method
	masked := maskWebhook(url)

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params for %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s failed: %w", method, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response of %s: %w", method, err)
	}

	var resp apiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		snippet := string(data)
		if len(snippet) > 500 {
			snippet = snippet[:500]
		}
		return nil, fmt.Errorf("non-JSON response from %s (status %d): %s", masked, res.StatusCode, snippet)
	}

	if resp.Error != "" {
		return nil, fmt.Errorf("bitrix API error on %s: %s (%s)", method, resp.Error, resp.ErrorDescription)
	}

	if c.cfg.Pause > 0 {
		time.Sleep(c.cfg.Pause)
	}

	return &resp, nil
}

// maskWebhook hides the secret token segment of a webhook URL for logging.
func maskWebhook(url string) string {
	head, rest, found := strings.Cut(url, "/rest/")
	if !found {
		return url
	}
	parts := strings.Split(rest, "/")
	if len(parts) >= 2 {
		parts[1] = "********"
	}
	return head + "/rest/" + strings.Join(parts, "/")
}

// loadFieldMeta fetches the full deal user-field map, paginating through
// crm.deal.userfield.list.
func (c *Client) loadFieldMeta(ctx context.Context) (map[string]FieldMeta, error) {
	fields := map[string]FieldMeta{}
	start := 0

	for {
		payload := map[string]interface{}{
			"order":  map[string]string{"ID": "ASC"},
			"filter": map[string]string{},
			"start":  start,
		}
		resp, err := c.callFull(ctx, "crm.deal.userfield.list", payload)
		if err != nil {
			return nil, fmt.Errorf("failed to list deal user fields: %w", err)
		}

		var items []map[string]interface{}
		if err := json.Unmarshal(resp.Result, &items); err != nil {
			return nil, fmt.Errorf("unexpected userfield.list payload: %w", err)
		}

		for _, item := range items {
			code, _ := item["FIELD_NAME"].(string)
			if code == "" {
				continue
			}
			fields[code] = fieldMetaFromMap(item)
		}

		if resp.Next == nil {
			break
		}
		start = *resp.Next
	}

	c.logger.Printf("UF meta loaded: %d fields", len(fields))
	return fields, nil
}

// FieldMeta returns cached metadata for a UF code. Enumeration fields whose
// choice list was absent from the list response are enriched lazily with
// crm.deal.userfield.get.
func (c *Client) FieldMeta(ctx context.Context, code string) (FieldMeta, bool, error) {
	meta, ok, err := c.meta.Get(ctx, code)
	if err != nil || !ok {
		return meta, ok, err
	}

	if meta.Type == "enumeration" && len(meta.Choices) == 0 && meta.ID != 0 {
		result, err := c.call(ctx, "crm.deal.userfield.get", map[string]interface{}{"id": meta.ID})
		if err != nil {
			c.logger.Printf("UF get failed for %s: %v", code, err)
			return meta, true, nil
		}
		var full map[string]interface{}
		if err := json.Unmarshal(result, &full); err == nil {
			meta = fieldMetaFromMap(full)
			c.meta.Update(code, meta)
		}
	}

	return meta, true, nil
}

func fieldMetaFromMap(item map[string]interface{}) FieldMeta {
	meta := FieldMeta{
		ID:       anyToInt64(item["ID"]),
		Type:     strings.ToLower(anyToString(item["USER_TYPE_ID"])),
		Multiple: anyToString(item["MULTIPLE"]) == "Y",
		Choices:  map[string]int64{},
	}

	list, _ := item["LIST"].([]interface{})
	for _, raw := range list {
		choice, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		id := anyToInt64(choice["ID"])
		if id == 0 {
			continue
		}
		if label := strings.ToLower(strings.TrimSpace(anyToString(choice["VALUE"]))); label != "" {
			meta.Choices[label] = id
		}
		if xml := strings.ToLower(strings.TrimSpace(anyToString(choice["XML_ID"]))); xml != "" {
			meta.Choices[xml] = id
		}
	}

	return meta
}

// FindDealByCustomer locates the deal whose UF user-id field matches the
// customer inside the configured category.
//
// Returns (0, false, nil) when no deal matches. When several deals match,
// the one with the lowest numeric id wins; relying on the listing order of
// the API would make the choice non-deterministic.
func (c *Client) FindDealByCustomer(ctx context.Context, userID int64) (int64, bool, error) {
	payload := map[string]interface{}{
		"filter": map[string]interface{}{
			c.cfg.UserFieldCode: strconv.FormatInt(userID, 10),
			"CATEGORY_ID":       c.cfg.DealCategoryID,
		},
		"select": []string{"ID", "TITLE", c.cfg.UserFieldCode},
		"start":  0,
	}

	result, err := c.call(ctx, "crm.deal.list", payload)
	if err != nil {
		return 0, false, fmt.Errorf("deal lookup for user %d failed: %w", userID, err)
	}

	var items []map[string]interface{}
	if err := json.Unmarshal(result, &items); err != nil {
		return 0, false, fmt.Errorf("unexpected deal.list payload for user %d: %w", userID, err)
	}
	if len(items) == 0 {
		return 0, false, nil
	}

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		if id := anyToInt64(item["ID"]); id != 0 {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if len(ids) > 1 {
		c.logger.Printf("WARNING: %d deals match user %d; taking lowest deal id %d", len(ids), userID, ids[0])
	}
	return ids[0], true, nil
}

// GetDealFields reads the current values of the given UF codes from a deal.
// Codes absent from the deal come back as nil values.
func (c *Client) GetDealFields(ctx context.Context, dealID int64, codes []string) (map[string]interface{}, error) {
	result, err := c.call(ctx, "crm.deal.get", map[string]interface{}{"id": dealID})
	if err != nil {
		return nil, fmt.Errorf("failed to get deal %d: %w", dealID, err)
	}

	var deal map[string]interface{}
	if err := json.Unmarshal(result, &deal); err != nil {
		return nil, fmt.Errorf("unexpected deal.get payload for deal %d: %w", dealID, err)
	}

	current := make(map[string]interface{}, len(codes))
	for _, code := range codes {
		current[code] = deal[code]
	}
	return current, nil
}

// UpdateDealFields normalizes the given values per field metadata and writes
// them to the deal, suppressing the activity-stream event.
//
// After the write the same fields are re-read; a field whose stored value
// did not move although a change was requested is returned in notApplied.
// That usually means a type mismatch (e.g. an enumeration fed labels where
// Bitrix expects choice ids) and is a diagnostic, not a failure.
func (c *Client) UpdateDealFields(ctx context.Context, dealID int64, fields map[string]interface{}) (notApplied []string, err error) {
	if len(fields) == 0 {
		return nil, nil
	}

	norm := make(map[string]interface{}, len(fields))
	codes := make([]string, 0, len(fields))
	for code, value := range fields {
		meta, _, metaErr := c.FieldMeta(ctx, code)
		if metaErr != nil {
			return nil, fmt.Errorf("failed to resolve metadata for %s: %w", code, metaErr)
		}
		norm[code] = Normalize(meta, value, c.cfg.TZOffset)
		codes = append(codes, code)
	}
	sort.Strings(codes)

	before, err := c.GetDealFields(ctx, dealID, codes)
	if err != nil {
		c.logger.Printf("WARNING: failed to fetch pre-update fields for deal %d: %v", dealID, err)
		before = map[string]interface{}{}
	}

	_, err = c.call(ctx, "crm.deal.update", map[string]interface{}{
		"id":     dealID,
		"fields": norm,
		"params": map[string]string{"REGISTER_SONET_EVENT": "N"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update deal %d: %w", dealID, err)
	}

	after, err := c.GetDealFields(ctx, dealID, codes)
	if err != nil {
		c.logger.Printf("WARNING: failed to fetch post-update fields for deal %d: %v", dealID, err)
		return nil, nil
	}

	for _, code := range codes {
		applied := stringify(after[code]) == stringify(norm[code])
		if !applied && stringify(before[code]) == stringify(after[code]) {
			notApplied = append(notApplied, code)
		}
	}

	if len(notApplied) > 0 {
		for _, code := range notApplied {
			meta, _, _ := c.FieldMeta(ctx, code)
			c.logger.Printf("WARNING: deal %d field %s not applied (type=%s multiple=%v); check the value representation",
				dealID, code, meta.Type, meta.Multiple)
		}
	}

	return notApplied, nil
}

// ValidateMappings logs how each configured attribute maps onto real deal
// user fields, flagging UF codes Bitrix doesn't know. It runs at most once
// per client, so loop mode does not repeat the ENV-MAP block every iteration.
func (c *Client) ValidateMappings(ctx context.Context, mappings []config.EffectiveMapping) {
	c.validateOnce.Do(func() {
		for _, m := range mappings {
			for _, code := range m.Codes {
				meta, ok, err := c.FieldMeta(ctx, code)
				if err != nil {
					c.logger.Printf("ENV-MAP: cannot load UF meta: %v", err)
					return
				}
				if ok {
					c.logger.Printf("ENV-MAP: %s -> %s (type=%s, multiple=%v, id=%d)",
						m.Attr, code, meta.Type, meta.Multiple, meta.ID)
				} else {
					c.logger.Printf("ENV-MAP WARNING: %s -> %s (UF not found in Bitrix)", m.Attr, code)
				}
			}
		}
	})
}

func stringify(v interface{}) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func anyToString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func anyToInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
