package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	defaultSpeechEndpoint = "https://api.openai.com/v1/audio/speech"
	defaultSpeechModel    = "gpt-4o-mini-tts"
	defaultSpeechVoice    = "alloy"

	speechMaxChars = 4000
)

// Speech turns text into an audio file for the text_to_speech IPC kind.
type Speech struct {
	endpoint string
	apiKey   string
	model    string
	voice    string
	dir      string
	client   *http.Client
	logger   *slog.Logger
}

// SpeechOption configures a Speech client.
type SpeechOption func(*Speech)

// WithSpeechEndpoint overrides the API endpoint.
func WithSpeechEndpoint(endpoint string) SpeechOption {
	return func(s *Speech) { s.endpoint = endpoint }
}

// WithSpeechVoice overrides the voice.
func WithSpeechVoice(voice string) SpeechOption {
	return func(s *Speech) { s.voice = voice }
}

// NewSpeech builds a Speech client writing audio files into dir. An empty
// apiKey leaves the client constructed but every call fails with a clear
// configuration error.
func NewSpeech(dir, apiKey string, logger *slog.Logger, opts ...SpeechOption) *Speech {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Speech{
		endpoint: defaultSpeechEndpoint,
		apiKey:   apiKey,
		model:    defaultSpeechModel,
		voice:    defaultSpeechVoice,
		dir:      dir,
		client:   &http.Client{Timeout: 60 * time.Second},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SpeechResult is the text_to_speech IPC result payload.
type SpeechResult struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Synthesize converts text to an mp3 file and returns its path.
func (s *Speech) Synthesize(ctx context.Context, text string) (SpeechResult, error) {
	if s.apiKey == "" {
		return SpeechResult{}, fmt.Errorf("text_to_speech is not configured: missing API key")
	}
	if text == "" {
		return SpeechResult{}, fmt.Errorf("text is empty")
	}
	if len(text) > speechMaxChars {
		text = text[:speechMaxChars]
	}

	body, err := json.Marshal(map[string]string{
		"model":           s.model,
		"input":           text,
		"voice":           s.voice,
		"response_format": "mp3",
	})
	if err != nil {
		return SpeechResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return SpeechResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return SpeechResult{}, fmt.Errorf("speech request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return SpeechResult{}, fmt.Errorf("speech request: status %d: %s", resp.StatusCode, detail)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return SpeechResult{}, fmt.Errorf("create audio dir: %w", err)
	}
	dst := filepath.Join(s.dir, uuid.NewString()+".mp3")
	out, err := os.Create(dst)
	if err != nil {
		return SpeechResult{}, fmt.Errorf("create audio file: %w", err)
	}
	defer out.Close()
	n, err := io.Copy(out, resp.Body)
	if err != nil {
		os.Remove(dst)
		return SpeechResult{}, fmt.Errorf("write audio: %w", err)
	}
	s.logger.Debug("speech synthesized", "chars", len(text), "bytes", n)
	return SpeechResult{Path: dst, Size: n}, nil
}
