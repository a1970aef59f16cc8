// Package modelinfo fetches model architecture metadata from HuggingFace
// and sizes the KV cache it produces.
package modelinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the public HuggingFace hub.
const DefaultBaseURL = "https://huggingface.co"

// HFClient fetches model metadata from the HuggingFace hub.
type HFClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewHFClient creates a client. An empty baseURL selects DefaultBaseURL.
// token is sent as a bearer token when set, for gated models.
func NewHFClient(baseURL, token string) *HFClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &HFClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// hfConfigJSON is the subset of a model's config.json we need.
type hfConfigJSON struct {
	HiddenSize            int    `json:"hidden_size"`
	NumAttentionHeads     int    `json:"num_attention_heads"`
	NumKeyValueHeads      int    `json:"num_key_value_heads"`
	NumHiddenLayers       int    `json:"num_hidden_layers"`
	HeadDim               int    `json:"head_dim"`
	MaxPositionEmbeddings int    `json:"max_position_embeddings"`
	TorchDtype            string `json:"torch_dtype"`
	ModelType             string `json:"model_type"`

	// Multimodal models nest the language model's config.
	TextConfig *hfConfigJSON `json:"text_config"`
}

// FetchConfig fetches config.json of modelID at the main revision.
func (c *HFClient) FetchConfig(ctx context.Context, modelID string) (*ModelConfig, error) {
	u := fmt.Sprintf("%s/%s/resolve/main/config.json", c.baseURL, escapeModelID(modelID))
	var raw hfConfigJSON
	if err := c.doGet(ctx, u, &raw); err != nil {
		return nil, fmt.Errorf("fetch config.json of %s: %w", modelID, err)
	}
	src := &raw
	if src.NumHiddenLayers == 0 && src.TextConfig != nil {
		src = src.TextConfig
	}

	cfg := &ModelConfig{
		ModelID:               modelID,
		HiddenSize:            src.HiddenSize,
		NumAttentionHeads:     src.NumAttentionHeads,
		NumKeyValueHeads:      src.NumKeyValueHeads,
		NumHiddenLayers:       src.NumHiddenLayers,
		HeadDim:               src.HeadDim,
		MaxPositionEmbeddings: src.MaxPositionEmbeddings,
		TorchDtype:            cmpOr(src.TorchDtype, raw.TorchDtype),
		ModelType:             cmpOr(raw.ModelType, src.ModelType),
	}
	// Non-GQA models leave num_key_value_heads unset.
	if cfg.NumKeyValueHeads == 0 {
		cfg.NumKeyValueHeads = cfg.NumAttentionHeads
	}
	if cfg.HeadDim == 0 && cfg.NumAttentionHeads > 0 {
		cfg.HeadDim = cfg.HiddenSize / cfg.NumAttentionHeads
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *HFClient) doGet(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(out)
	case http.StatusUnauthorized, http.StatusForbidden:
		return &HFError{StatusCode: resp.StatusCode, Message: "model is gated, provide an HF token with access"}
	case http.StatusNotFound:
		msg := "model not found on HuggingFace"
		if c.token == "" {
			msg += " (private and gated models need an HF token)"
		}
		return &HFError{StatusCode: resp.StatusCode, Message: msg}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &HFError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

// escapeModelID escapes each path segment of an "org/name" id.
func escapeModelID(id string) string {
	parts := strings.Split(id, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func cmpOr(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// HFError represents an error from the HuggingFace API.
type HFError struct {
	StatusCode int
	Message    string
}

func (e *HFError) Error() string {
	return fmt.Sprintf("huggingface API %d: %s", e.StatusCode, e.Message)
}
