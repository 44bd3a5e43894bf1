package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const openRouterURL = "https://openrouter.ai/api/v1/chat/completions"

// Verdict is the background classifier's output.
type Verdict struct {
	Background bool    `json:"background"`
	Confidence float64 `json:"confidence"`
}

// Classifier asks a small, fast model whether a prompt should become an
// asynchronous background job. Its verdict is advisory; the caller compares
// confidence against the adaptive threshold.
type Classifier struct {
	model  string
	apiKey string
	client *http.Client
	logger *slog.Logger
}

// NewClassifier builds a classifier client for the given small model.
func NewClassifier(model, apiKey string, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		model:  model,
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

const classifierSystemPrompt = `You classify chat prompts. Answer with JSON only:
{"background": true|false, "confidence": 0.0-1.0}
"background" is true when the request needs minutes of autonomous work
(research reports, large summaries, multi-step investigations) rather than a
conversational reply.`

// Classify returns the verdict for a prompt. Any failure returns a zero
// verdict with the error; callers treat that as "stay interactive".
func (c *Classifier) Classify(ctx context.Context, prompt string) (Verdict, error) {
	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": classifierSystemPrompt},
			{"role": "user", "content": prompt},
		},
		"max_tokens":  64,
		"temperature": 0,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("marshal classifier request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openRouterURL, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("build classifier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Verdict{}, fmt.Errorf("read classifier response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("classifier status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var wire struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &wire); err != nil || len(wire.Choices) == 0 {
		return Verdict{}, fmt.Errorf("parse classifier response: %w", err)
	}

	content := wire.Choices[0].Message.Content
	// Models sometimes wrap the JSON in a code fence.
	if i := strings.Index(content, "{"); i >= 0 {
		if j := strings.LastIndex(content, "}"); j > i {
			content = content[i : j+1]
		}
	}
	var v Verdict
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return Verdict{}, fmt.Errorf("parse classifier verdict: %w", err)
	}
	return v, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
