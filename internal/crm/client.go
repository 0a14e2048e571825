// Package crm is a small REST client for the CRM holding deal pipelines.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds each CRM request.
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 8 << 20

// Client talks to the CRM API with a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client. A nil httpClient uses one with DefaultTimeout.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// Pipelines lists every pipeline.
func (c *Client) Pipelines(ctx context.Context) ([]Pipeline, error) {
	var out struct {
		Data []Pipeline `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/pipelines", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Deals lists the deals of a pipeline, following pagination.
func (c *Client) Deals(ctx context.Context, pipelineID string) ([]Deal, error) {
	var deals []Deal
	cursor := ""
	for {
		query := url.Values{}
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		var page struct {
			Data       []Deal `json:"data"`
			NextCursor string `json:"next_cursor"`
		}
		path := "/pipelines/" + url.PathEscape(pipelineID) + "/deals"
		if err := c.do(ctx, http.MethodGet, path, query, nil, &page); err != nil {
			return nil, err
		}
		deals = append(deals, page.Data...)
		if page.NextCursor == "" {
			return deals, nil
		}
		cursor = page.NextCursor
	}
}

// FindField returns the deal field named name, or nil if none exists.
func (c *Client) FindField(ctx context.Context, name string) (*Field, error) {
	var out struct {
		Data []Field `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/deal-fields", nil, nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Data {
		if strings.EqualFold(out.Data[i].Name, name) {
			return &out.Data[i], nil
		}
	}
	return nil, nil
}

// CreateField creates a deal field.
func (c *Client) CreateField(ctx context.Context, name, fieldType string) (*Field, error) {
	var out struct {
		Data Field `json:"data"`
	}
	body := map[string]string{"name": name, "type": fieldType}
	if err := c.do(ctx, http.MethodPost, "/deal-fields", nil, body, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// UpdateDealField sets one custom field on a deal.
func (c *Client) UpdateDealField(ctx context.Context, dealID, fieldKey string, value any) error {
	body := map[string]any{"fields": map[string]any{fieldKey: value}}
	return c.do(ctx, http.MethodPatch, "/deals/"+url.PathEscape(dealID), nil, body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, requestBody, out any) error {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("crm: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return fmt.Errorf("crm: failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("crm: request to %s %s failed: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("crm: failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{}
		_ = json.Unmarshal(body, apiErr)
		apiErr.StatusCode = resp.StatusCode
		apiErr.Method = method
		apiErr.Path = path
		return apiErr
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("crm: failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}
