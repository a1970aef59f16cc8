package workload

import (
	"math/rand/v2"
	"strings"
)

// PromptMode selects how prompts are built.
type PromptMode string

const (
	// PromptRepeat sends the same shared-prefix prompt on every request so
	// that each request after the first can be served from the KV cache.
	PromptRepeat PromptMode = "repeat"
	// PromptRandom sends a distinct seeded word sequence per request.
	PromptRandom PromptMode = "random"
)

const sharedSentence = "The quick brown fox jumps over the lazy dog. "

var vocabulary = []string{
	"cache", "tier", "offload", "token", "prefill", "decode", "memory", "layer",
	"block", "tensor", "batch", "stream", "latency", "buffer", "device", "host",
	"disk", "network", "shard", "vector", "model", "query", "value", "key",
	"page", "queue", "kernel", "fabric", "signal", "window", "matrix", "cluster",
}

// Generator builds the prompt of each request.
type Generator struct {
	tokens int
	mode   PromptMode
	seed   uint64
	fixed  string
}

// NewGenerator returns a prompt generator for the given workload.
func NewGenerator(s Spec) *Generator {
	g := &Generator{tokens: s.PromptTokens, mode: s.PromptMode, seed: s.Arrival.Seed}
	if g.mode == "" {
		g.mode = PromptRepeat
	}
	if g.mode == PromptRepeat {
		g.fixed = RepeatPrompt(s.PromptTokens)
	}
	return g
}

// Prompt returns the prompt for request id.
func (g *Generator) Prompt(id int64) string {
	if g.mode == PromptRepeat {
		return g.fixed
	}
	return RandomPrompt(g.tokens, g.seed+uint64(id))
}

// RepeatPrompt repeats a ten-token sentence until it covers roughly
// tokens tokens. It always contains at least one sentence.
func RepeatPrompt(tokens int) string {
	n := tokens / 10
	if n < 1 {
		n = 1
	}
	return strings.Repeat(sharedSentence, n)
}

// RandomPrompt returns tokens words drawn from a fixed vocabulary. The
// same seed always yields the same prompt.
func RandomPrompt(tokens int, seed uint64) string {
	if tokens < 1 {
		tokens = 1
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))
	var b strings.Builder
	b.Grow(tokens * 7)
	for i := 0; i < tokens; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(vocabulary[rng.IntN(len(vocabulary))])
	}
	return b.String()
}
