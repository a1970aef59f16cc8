package modelinfo

import (
	"fmt"
	"strings"
)

// ModelConfig holds the architecture fields that size the KV cache.
type ModelConfig struct {
	ModelID               string `json:"model_id"`
	HiddenSize            int    `json:"hidden_size"`
	NumAttentionHeads     int    `json:"num_attention_heads"`
	NumKeyValueHeads      int    `json:"num_key_value_heads"`
	NumHiddenLayers       int    `json:"num_hidden_layers"`
	HeadDim               int    `json:"head_dim"`
	MaxPositionEmbeddings int    `json:"max_position_embeddings"`
	TorchDtype            string `json:"torch_dtype"`
	ModelType             string `json:"model_type"`
}

func (c *ModelConfig) validate() error {
	if c.NumHiddenLayers <= 0 || c.NumKeyValueHeads <= 0 || c.HeadDim <= 0 {
		return fmt.Errorf("config of %s lacks layer or attention head sizes", c.ModelID)
	}
	return nil
}

// DtypeBytes returns the element size of a KV-cache or torch dtype name.
// "auto" and "" fall back to the model's native dtype.
func (c *ModelConfig) DtypeBytes(cacheDtype string) (int, error) {
	name := strings.ToLower(cacheDtype)
	if name == "" || name == "auto" {
		name = strings.ToLower(c.TorchDtype)
	}
	switch name {
	case "float32", "fp32":
		return 4, nil
	case "float16", "fp16", "half", "bfloat16", "bf16", "":
		return 2, nil
	case "fp8", "fp8_e4m3", "fp8_e5m2", "float8_e4m3fn", "int8":
		return 1, nil
	}
	return 0, fmt.Errorf("unknown dtype %q", cacheDtype)
}

// KVBytesPerToken is the size of one token's keys and values across all
// layers.
func (c *ModelConfig) KVBytesPerToken(cacheDtype string) (int64, error) {
	b, err := c.DtypeBytes(cacheDtype)
	if err != nil {
		return 0, err
	}
	return 2 * int64(c.NumHiddenLayers) * int64(c.NumKeyValueHeads) * int64(c.HeadDim) * int64(b), nil
}

// RetrievalUs is the time in microseconds to read one token's KV cache
// from a tier sustaining bandwidthGBps gigabytes per second.
func RetrievalUs(bytesPerToken int64, bandwidthGBps float64) (float64, error) {
	if bandwidthGBps <= 0 {
		return 0, fmt.Errorf("bandwidth must be positive, got %g", bandwidthGBps)
	}
	return float64(bytesPerToken) / (bandwidthGBps * 1e9) * 1e6, nil
}
