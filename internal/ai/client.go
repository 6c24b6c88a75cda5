package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultBaseURL targets the OpenAI API; any OpenAI-compatible endpoint
// (OpenRouter, Groq, Ollama, vLLM, ...) works by overriding it.
const DefaultBaseURL = "https://api.openai.com/v1"

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// Client is a minimal chat-completions client. Every call requests a JSON
// object response so stage results can be decoded directly into their structs.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// NewClient creates a Client. Empty baseURL and model fall back to the
// defaults; apiKey must be non-empty (callers gate on it before constructing).
func NewClient(baseURL, apiKey, model string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// CompleteJSON sends one system+user exchange with response_format
// json_object and decodes the model's JSON answer into out. Every failure
// mode wraps ErrBackend so callers can degrade uniformly.
func (c *Client) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string, out any) error {
	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}
	reqBody.ResponseFormat.Type = "json_object"

	data, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("%w: marshal request: %s", ErrBackend, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: build request: %s", ErrBackend, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBackend, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %s", ErrBackend, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d: %s", ErrBackend, resp.StatusCode, truncate(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("%w: decode response: %s", ErrBackend, err)
	}
	if parsed.Error != nil {
		return fmt.Errorf("%w: %s", ErrBackend, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return fmt.Errorf("%w: empty response", ErrBackend)
	}

	if err := json.Unmarshal([]byte(parsed.Choices[0].Message.Content), out); err != nil {
		return fmt.Errorf("%w: model did not return the requested JSON shape: %s", ErrBackend, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
