// Package haiku generates short poems through a local LLM endpoint
// (OpenAI-style chat completions) and cleans them to the radio-safe
// character set for transmission over the mesh.
package haiku

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
)

const (
	DefaultEndpoint    = "http://localhost:1234/v1/chat/completions"
	DefaultModel       = "openai/gpt-oss-20b"
	DefaultTemperature = 1.5
	DefaultTimeout     = 2 * time.Minute
)

const promptTemplate = "Current time: %s. Generate a short 5-word haiku about the " +
	"Forest of Dean. Consider topics like wild boar, ale, caving, coal, iron ore, " +
	"steam trains, local places like aylburton or lydney, cinderford or coleford. " +
	"Consider the season."

// Options adjusts a Client. Zero fields take the package defaults.
type Options struct {
	Endpoint    string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Client talks to the completion endpoint.
type Client struct {
	endpoint    string
	model       string
	temperature float64
	http        *http.Client
	log         *zap.Logger
}

// NewClient builds a Client from opts.
func NewClient(opts Options, log *zap.Logger) *Client {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Temperature == 0 {
		opts.Temperature = DefaultTemperature
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		endpoint:    opts.Endpoint,
		model:       opts.Model,
		temperature: opts.Temperature,
		http:        &http.Client{Timeout: opts.Timeout},
		log:         log,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate asks the model for one haiku and returns the raw completion
// text, trimmed. Callers run the result through CleanHaiku before
// putting it on the air.
func (c *Client) Generate(ctx context.Context) (string, error) {
	prompt := fmt.Sprintf(promptTemplate, time.Now().Format("2006-01-02 15:04:05"))
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("haiku: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("haiku: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("haiku: completion request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("haiku: completion endpoint returned %s", resp.Status)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("haiku: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("haiku: completion returned no choices")
	}
	out := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if out == "" {
		return "", errors.New("haiku: completion was empty")
	}
	c.log.Info("generated haiku", zap.String("haiku", out))
	return out, nil
}

// CleanHaiku reduces model output to the radio-safe character set:
// letters, digits, spaces and , . ; ' - survive; all other punctuation
// becomes a space; whitespace runs collapse. An empty result is an
// error.
func CleanHaiku(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ',' || r == '.' || r == ';' || r == '\'' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	out := strings.Join(strings.Fields(b.String()), " ")
	if out == "" {
		return "", errors.New("haiku: nothing left after cleaning")
	}
	return out, nil
}
