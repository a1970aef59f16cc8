// Package client calls the kvbench results API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/accelbench/kvbench/internal/database"
	"github.com/accelbench/kvbench/internal/report"
)

// Client wraps HTTP calls to the results API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting the given base URL (e.g. "http://localhost:8080").
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
}

// ListRuns queries GET /api/v1/runs with optional filters.
func (c *Client) ListRuns(ctx context.Context, f database.RunFilter) ([]database.Run, error) {
	params := url.Values{}
	if f.Label != "" {
		params.Set("label", f.Label)
	}
	if f.Model != "" {
		params.Set("model", f.Model)
	}
	if f.PromptLen > 0 {
		params.Set("prompt_len", strconv.Itoa(f.PromptLen))
	}
	if f.Limit > 0 {
		params.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		params.Set("offset", strconv.Itoa(f.Offset))
	}

	u := c.baseURL + "/api/v1/runs"
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var runs []database.Run
	if err := c.doGet(ctx, u, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// GetRun fetches GET /api/v1/runs/{id}.
func (c *Client) GetRun(ctx context.Context, id string) (*database.Run, error) {
	var run database.Run
	if err := c.doGet(ctx, c.runURL(id), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRecords fetches GET /api/v1/runs/{id}/records.
func (c *Client) ListRecords(ctx context.Context, id string) ([]report.Row, error) {
	var rows []report.Row
	if err := c.doGet(ctx, c.runURL(id)+"/records", &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// DeleteRun calls DELETE /api/v1/runs/{id}.
func (c *Client) DeleteRun(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.runURL(id), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return c.readError(resp)
	}
	return nil
}

func (c *Client) runURL(id string) string {
	return c.baseURL + "/api/v1/runs/" + url.PathEscape(id)
}

func (c *Client) doGet(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.readError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) readError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("API error %d: %s", resp.StatusCode, apiErr.Error)
	}
	return fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
