// Package llm wraps Google Gemini behind the pipeline's Summarizer contract:
// transcript + slide text -> structured meeting note.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/pdhai/meeting-notes-be/internal/pipeline"
)

const defaultModel = "gemini-1.5-flash"

// Inputs larger than this are truncated before prompting; meeting notes do
// not improve past this point and token cost does.
const maxInputChars = 24000

// Client generates structured meeting notes via Gemini.
type Client struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewClient creates a summarization client.
func NewClient(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}

	c, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	if model == "" {
		model = defaultModel
	}

	return &Client{
		client: c,
		model:  model,
		logger: logger,
	}, nil
}

type noteJSON struct {
	Summary     string   `json:"summary"`
	KeyPoints   []string `json:"key_points"`
	ActionItems []string `json:"action_items"`
}

// Summarize combines transcript and OCR text into a structured note. Either
// input may be empty; the caller guarantees at least one is non-empty.
func (c *Client) Summarize(ctx context.Context, transcript, slideText string) (*pipeline.Note, error) {
	prompt := buildPrompt(transcript, slideText)

	model := c.client.GenerativeModel(c.model)
	model.SetTemperature(0.2)
	model.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}

	raw, err := extractText(resp)
	if err != nil {
		return nil, err
	}

	var parsed noteJSON
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("gemini returned malformed JSON: %w", err)
	}

	c.logger.Debug("Summary generated",
		slog.String("model", c.model),
		slog.Int("key_points", len(parsed.KeyPoints)),
		slog.Int("action_items", len(parsed.ActionItems)),
	)

	return &pipeline.Note{
		Summary:     strings.TrimSpace(parsed.Summary),
		KeyPoints:   parsed.KeyPoints,
		ActionItems: parsed.ActionItems,
		Model:       c.model,
	}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.client.Close()
}

func buildPrompt(transcript, slideText string) string {
	var b strings.Builder
	b.WriteString("Summarize this meeting into JSON with fields ")
	b.WriteString(`"summary" (short paragraph), "key_points" (string array), `)
	b.WriteString(`"action_items" (string array of "owner: task" entries). `)
	b.WriteString("Focus on decisions, owners, and deadlines.\n")

	if transcript != "" {
		b.WriteString("\nTranscript:\n")
		b.WriteString(truncate(transcript, maxInputChars))
	}
	if slideText != "" {
		b.WriteString("\nSlide text:\n")
		b.WriteString(truncate(slideText, maxInputChars/2))
	}

	return b.String()
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				return string(text), nil
			}
		}
	}
	return "", fmt.Errorf("gemini response contained no text")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
