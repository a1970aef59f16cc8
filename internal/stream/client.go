// Package stream issues streaming completion requests against an
// OpenAI-compatible endpoint and timestamps every streamed increment.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/accelbench/kvbench/internal/record"
)

// Endpoint selects the completion API flavour.
type Endpoint string

const (
	EndpointChat        Endpoint = "chat"
	EndpointCompletions Endpoint = "completions"
)

const (
	baseTimeout     = 30 * time.Second
	perTokenTimeout = 200 * time.Millisecond
	maxErrorBody    = 512
)

// DefaultTimeout is the per-request timeout used when none is configured.
// It grows with the number of tokens the server is asked to generate.
func DefaultTimeout(genTokens int) time.Duration {
	return baseTimeout + time.Duration(genTokens)*perTokenTimeout
}

// Config holds the connection and request parameters shared by every
// request of a run.
type Config struct {
	APIBase   string
	APIKey    string
	Model     string
	Endpoint  Endpoint
	MaxTokens int
	IgnoreEOS bool
	// Timeout bounds a single request from dispatch to the stream
	// sentinel. Zero selects DefaultTimeout(MaxTokens).
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client issues streaming requests. It is safe for concurrent use.
type Client struct {
	cfg        Config
	url        string
	httpClient *http.Client
}

// New creates a Client for the given configuration.
func New(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = EndpointChat
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout(cfg.MaxTokens)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.MaxIdleConnsPerHost = 256
		hc = &http.Client{Transport: tr}
	}
	base := strings.TrimRight(cfg.APIBase, "/")
	path := "/chat/completions"
	if cfg.Endpoint == EndpointCompletions {
		path = "/completions"
	}
	return &Client{cfg: cfg, url: base + path, httpClient: hc}
}

// Model returns the model identifier sent with each request.
func (c *Client) Model() string { return c.cfg.Model }

// WithModel returns a copy of the client that requests model.
func (c *Client) WithModel(model string) *Client {
	cp := *c
	cp.cfg.Model = model
	return &cp
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type completionRequest struct {
	Model         string         `json:"model"`
	Messages      []message      `json:"messages,omitempty"`
	Prompt        string         `json:"prompt,omitempty"`
	MaxTokens     int            `json:"max_tokens"`
	Stream        bool           `json:"stream"`
	Temperature   float64        `json:"temperature"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	IgnoreEOS     bool           `json:"ignore_eos,omitempty"`
}

func (c *Client) body(prompt string) ([]byte, error) {
	req := completionRequest{
		Model:         c.cfg.Model,
		MaxTokens:     c.cfg.MaxTokens,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
		IgnoreEOS:     c.cfg.IgnoreEOS,
	}
	if c.cfg.Endpoint == EndpointCompletions {
		req.Prompt = prompt
	} else {
		req.Messages = []message{{Role: "user", Content: prompt}}
	}
	return json.Marshal(req)
}

// Do issues one streaming request and returns its terminal record. Every
// failure is reported through the record's status and error detail; Do
// never returns a pending record.
func (c *Client) Do(ctx context.Context, id int64, prompt string) record.RequestRecord {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	rec := record.New(id, time.Now())
	payload, err := c.body(prompt)
	if err != nil {
		rec.Fail(fmt.Sprintf("encode request: %v", err))
		return rec
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		rec.Fail(fmt.Sprintf("build request: %v", err))
		return rec
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	rec.DispatchTime = time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.finish(ctx, &rec, fmt.Errorf("send request: %w", err))
		return rec
	}
	defer resp.Body.Close()
	rec.HTTPStatus = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		rec.Fail(fmt.Sprintf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
		return rec
	}

	c.finish(ctx, &rec, consume(resp.Body, &rec))
	return rec
}

// finish resolves the record from the outcome of the exchange. A request
// whose deadline passed before the stream completed is timed out, with
// whatever chunks arrived kept on the record.
func (c *Client) finish(ctx context.Context, rec *record.RequestRecord, err error) {
	switch {
	case err == nil:
		rec.Succeed()
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		rec.TimeOut(fmt.Sprintf("no stream sentinel within %s (%d chunks received)", c.cfg.Timeout, len(rec.Chunks)))
	default:
		rec.Fail(err.Error())
	}
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels returns the model identifiers served at {api_base}/models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	u := strings.TrimRight(c.cfg.APIBase, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("list models: http %d", resp.StatusCode)
	}
	var ml modelList
	if err := json.NewDecoder(resp.Body).Decode(&ml); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	ids := make([]string, 0, len(ml.Data))
	for _, m := range ml.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// Health performs GET on the serving engine's health route, which lives
// next to the API base (".../v1" is stripped).
func (c *Client) Health(ctx context.Context) error {
	base := strings.TrimSuffix(strings.TrimRight(c.cfg.APIBase, "/"), "/v1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health: http %d", resp.StatusCode)
	}
	return nil
}
