package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/accelbench/kvbench/internal/record"
)

const (
	doneSentinel  = "[DONE]"
	maxLineBytes  = 1 << 20
	maxDetailSize = 512
)

var (
	errEmptyStream     = errors.New("stream finished without any content")
	errMissingSentinel = errors.New("stream ended without [DONE] sentinel")
)

// MalformedChunkError reports a data line that is not a valid stream chunk.
type MalformedChunkError struct {
	Payload string
	Err     error
}

func (e *MalformedChunkError) Error() string {
	return fmt.Sprintf("malformed chunk: %v: %s", e.Err, e.Payload)
}

func (e *MalformedChunkError) Unwrap() error { return e.Err }

type chunk struct {
	Choices []struct {
		Delta *struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		Text         string  `json:"text"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *chunk) content() string {
	var b strings.Builder
	for _, ch := range c.Choices {
		if ch.Delta != nil {
			b.WriteString(ch.Delta.ReasoningContent)
			b.WriteString(ch.Delta.Content)
		}
		b.WriteString(ch.Text)
	}
	return b.String()
}

func (c *chunk) finished() bool {
	for _, ch := range c.Choices {
		if ch.FinishReason != nil && *ch.FinishReason != "" {
			return true
		}
	}
	return false
}

// consume reads server-sent events from body and appends one timestamp per
// content-bearing chunk to rec as each line arrives. It returns nil once
// the stream terminates cleanly.
func consume(body io.Reader, rec *record.RequestRecord) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var finished, usageSeen bool
	for sc.Scan() {
		now := time.Now()
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == doneSentinel {
			return complete(rec, usageSeen)
		}

		var c chunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return &MalformedChunkError{Payload: truncate(data, maxDetailSize), Err: err}
		}
		if c.Error != nil {
			return fmt.Errorf("stream error: %s", c.Error.Message)
		}
		if c.content() != "" {
			rec.AddChunk(now)
		}
		if c.Usage != nil {
			usageSeen = true
			rec.PromptTokens = c.Usage.PromptTokens
			rec.OutputTokens = c.Usage.CompletionTokens
		}
		if c.finished() {
			finished = true
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	// Some servers close the stream after the finish chunk without sending
	// the sentinel.
	if finished {
		return complete(rec, usageSeen)
	}
	return errMissingSentinel
}

func complete(rec *record.RequestRecord, usageSeen bool) error {
	if len(rec.Chunks) == 0 {
		return errEmptyStream
	}
	if !usageSeen {
		rec.OutputTokens = len(rec.Chunks)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
