package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"periodontal-analyzer/llm"
)

const (
	DefaultBaseURL = "https://api.openai.com"
	DefaultModel   = "gpt-4o"
)

const systemPrompt = "You are a careful dental imaging assistant. Always answer with a single valid JSON object."

type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ImageURL struct {
	URL string `json:"url"`
}

type ImageContent struct {
	Type     string   `json:"type"`
	ImageURL ImageURL `json:"image_url"`
}

type ResponseFormat struct {
	Type string `json:"type"`
}

type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

type ChatResponse struct {
	Choices []struct {
		Message struct {
			Content any `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Client represents an OpenAI chat completions client.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API root.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithTimeout bounds each HTTP exchange.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.client.Timeout = d }
}

// NewClient creates a new OpenAI client
func NewClient(apiKey, model string, opts ...Option) *Client {
	if model == "" {
		model = DefaultModel
	}
	c := &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: DefaultBaseURL,
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) SourceName() string {
	return "ChatGPT"
}

// Classify sends the photo data URI as an image_url part.
func (c *Client) Classify(ctx context.Context, req llm.ClassifyRequest) (string, error) {
	if !strings.HasPrefix(req.PhotoDataURI, "data:") {
		return "", fmt.Errorf("photo must be a data URI")
	}
	prompt, err := llm.ClassificationPrompt(req.Symptoms)
	if err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}

	return c.complete(ctx, []Message{
		{Role: "system", Content: systemPrompt},
		{
			Role: "user",
			Content: []any{
				TextContent{Type: "text", Text: prompt},
				ImageContent{Type: "image_url", ImageURL: ImageURL{URL: req.PhotoDataURI}},
			},
		},
	})
}

func (c *Client) Summarize(ctx context.Context, req llm.SummarizeRequest) (string, error) {
	prompt, err := llm.SummaryPrompt(req)
	if err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return c.complete(ctx, []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	})
}

func (c *Client) complete(ctx context.Context, messages []Message) (string, error) {
	reqBody := ChatRequest{
		Model:          c.model,
		Messages:       messages,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := llm.ReadResponse(c.SourceName(), resp)
	if err != nil {
		return "", err
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", llm.InvalidOutput("failed to parse response: %v", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", llm.InvalidOutput("no choices in response")
	}

	switch content := chatResp.Choices[0].Message.Content.(type) {
	case string:
		if strings.TrimSpace(content) == "" {
			return "", llm.InvalidOutput("empty message (finish reason %q)", chatResp.Choices[0].FinishReason)
		}
		return content, nil
	case nil:
		return "", llm.InvalidOutput("empty message (finish reason %q)", chatResp.Choices[0].FinishReason)
	default:
		contentJSON, err := json.Marshal(content)
		if err != nil {
			return "", fmt.Errorf("failed to marshal content: %w", err)
		}
		return string(contentJSON), nil
	}
}
