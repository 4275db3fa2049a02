package erpnext

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const maxErrorBody = 64 << 10

// Filter is a Frappe list filter triple: field, operator, value.
type Filter struct {
	Field    string
	Operator string
	Value    any
}

// MarshalJSON encodes the filter as the array form Frappe expects.
func (f Filter) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{f.Field, f.Operator, f.Value})
}

// ListOptions narrows a resource list query.
type ListOptions struct {
	Filters []Filter
	Fields  []string
	OrderBy string
	Limit   int
}

// Client wraps interactions with the ERPNext REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient constructs a new client. A zero timeout leaves deadlines to the
// caller's context.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With(slog.String("component", "erpnext_client")),
	}
}

// GetList fetches documents of a doctype and decodes the data array into dest.
func (c *Client) GetList(ctx context.Context, creds Credentials, doctype string, opts ListOptions, dest any) error {
	params := url.Values{}
	if len(opts.Filters) > 0 {
		raw, err := json.Marshal(opts.Filters)
		if err != nil {
			return fmt.Errorf("encode filters: %w", err)
		}
		params.Set("filters", string(raw))
	}
	if len(opts.Fields) > 0 {
		raw, err := json.Marshal(opts.Fields)
		if err != nil {
			return fmt.Errorf("encode fields: %w", err)
		}
		params.Set("fields", string(raw))
	}
	if opts.OrderBy != "" {
		params.Set("order_by", opts.OrderBy)
	}
	if opts.Limit > 0 {
		params.Set("limit_page_length", strconv.Itoa(opts.Limit))
	}
	endpoint := c.resourceURL(doctype)
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	return c.do(ctx, creds, http.MethodGet, endpoint, nil, "data", dest)
}

// GetDoc fetches a single document by name.
func (c *Client) GetDoc(ctx context.Context, creds Credentials, doctype, name string, dest any) error {
	return c.do(ctx, creds, http.MethodGet, c.resourceURL(doctype)+"/"+url.PathEscape(name), nil, "data", dest)
}

// Insert creates a document and decodes the stored document into dest when
// dest is non-nil.
func (c *Client) Insert(ctx context.Context, creds Credentials, doctype string, doc any, dest any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", doctype, err)
	}
	return c.do(ctx, creds, http.MethodPost, c.resourceURL(doctype), raw, "data", dest)
}

// Call invokes a whitelisted server method with GET and decodes its message
// into dest.
func (c *Client) Call(ctx context.Context, creds Credentials, method string, dest any) error {
	endpoint := fmt.Sprintf("%s/api/method/%s", c.baseURL, url.PathEscape(method))
	return c.do(ctx, creds, http.MethodGet, endpoint, nil, "message", dest)
}

func (c *Client) resourceURL(doctype string) string {
	return fmt.Sprintf("%s/api/resource/%s", c.baseURL, url.PathEscape(doctype))
}

// do sends the request and decodes the envelope field key into dest.
func (c *Client) do(ctx context.Context, creds Credentials, method, endpoint string, body []byte, key string, dest any) error {
	if !creds.Authenticated() {
		return ErrUnauthorized
	}
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for key, values := range ResolveHeaders(creds) {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("erpnext %s %s: %w", method, req.URL.Path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{
			Status:  resp.StatusCode,
			Message: ExtractErrorMessage(raw, http.StatusText(resp.StatusCode)),
		}
		c.logger.Warn("erpnext request failed",
			slog.String("method", method),
			slog.String("path", req.URL.Path),
			slog.Int("status", resp.StatusCode),
			slog.String("auth", string(creds.Scheme())),
			slog.String("message", apiErr.Message),
		)
		return apiErr
	}
	if dest == nil {
		return nil
	}

	var envelope map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	payload := envelope[key]
	if len(payload) == 0 || string(payload) == "null" {
		return fmt.Errorf("%w: missing %s field", ErrMalformedResponse, key)
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
