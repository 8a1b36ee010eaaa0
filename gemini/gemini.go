package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"periodontal-analyzer/imaging"
	"periodontal-analyzer/llm"
	"periodontal-analyzer/models"

	"github.com/apex/log"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	DefaultModel   = "gemini-1.5-flash-latest"
)

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	ResponseMimeType string         `json:"response_mime_type,omitempty"`
	ResponseSchema   map[string]any `json:"response_schema,omitempty"`
}

type geminiRequest struct {
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
	Contents         []content         `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text,omitempty"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason,omitempty"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
}

var classificationSchema = map[string]any{
	"type": "OBJECT",
	"properties": map[string]any{
		"hasPeriodontalDisease": map[string]any{"type": "BOOLEAN"},
		"classification": map[string]any{
			"type": "STRING",
			"enum": categoryNames(),
		},
		"otherIssuesDescription": map[string]any{"type": "STRING"},
		"confidence":             map[string]any{"type": "NUMBER"},
	},
	"required": []string{"hasPeriodontalDisease", "classification", "confidence"},
}

var summarySchema = map[string]any{
	"type": "OBJECT",
	"properties": map[string]any{
		"summary": map[string]any{"type": "STRING"},
	},
	"required": []string{"summary"},
}

func categoryNames() []string {
	names := make([]string, len(models.Categories))
	for i, c := range models.Categories {
		names[i] = string(c)
	}
	return names
}

// Client talks to the Gemini generateContent REST API.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
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
	return func(c *Client) { c.http.Timeout = d }
}

func NewClient(apiKey, model string, opts ...Option) *Client {
	if model == "" {
		model = DefaultModel
	}
	c := &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: DefaultBaseURL,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) SourceName() string {
	return "Gemini"
}

func (c *Client) Classify(ctx context.Context, req llm.ClassifyRequest) (string, error) {
	img, err := imaging.ParseDataURI(req.PhotoDataURI)
	if err != nil {
		return "", err
	}
	prompt, err := llm.ClassificationPrompt(req.Symptoms)
	if err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}

	body := geminiRequest{
		GenerationConfig: &generationConfig{
			ResponseMimeType: "application/json",
			ResponseSchema:   classificationSchema,
		},
		Contents: []content{
			{
				Role: "user",
				Parts: []part{
					{Text: prompt},
					{InlineData: &inlineData{MimeType: img.MimeType, Data: img.Base64()}},
				},
			},
		},
	}
	return c.generateContent(ctx, body)
}

func (c *Client) Summarize(ctx context.Context, req llm.SummarizeRequest) (string, error) {
	prompt, err := llm.SummaryPrompt(req)
	if err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}

	body := geminiRequest{
		GenerationConfig: &generationConfig{
			ResponseMimeType: "application/json",
			ResponseSchema:   summarySchema,
		},
		Contents: []content{
			{
				Role:  "user",
				Parts: []part{{Text: prompt}},
			},
		},
	}
	return c.generateContent(ctx, body)
}

func (c *Client) generateContent(ctx context.Context, body geminiRequest) (string, error) {
	// v1 is only tried when the model is unknown to v1beta.
	endpoints := []string{
		fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, c.model, url.QueryEscape(c.apiKey)),
		fmt.Sprintf("%s/v1/models/%s:generateContent?key=%s", c.baseURL, c.model, url.QueryEscape(c.apiKey)),
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for _, ep := range endpoints {
		text, err := c.call(ctx, ep, data)
		if err == nil {
			return text, nil
		}
		lastErr = err
		var apiErr *llm.APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
			break
		}
		log.Debugf("Gemini model %s not found on %s, trying next endpoint", c.model, strings.SplitN(ep, "?", 2)[0])
	}
	return "", lastErr
}

func (c *Client) call(ctx context.Context, endpoint string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := llm.ReadResponse(c.SourceName(), resp)
	if err != nil {
		return "", err
	}

	var gr geminiResponse
	if err := json.Unmarshal(bodyBytes, &gr); err != nil {
		return "", llm.InvalidOutput("failed to parse response: %v", err)
	}
	if len(gr.Candidates) == 0 {
		if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
			return "", llm.InvalidOutput("prompt blocked: %s", gr.PromptFeedback.BlockReason)
		}
		return "", llm.InvalidOutput("no candidates in response")
	}
	for _, p := range gr.Candidates[0].Content.Parts {
		if p.Text != "" {
			return p.Text, nil
		}
	}
	return "", llm.InvalidOutput("no text part in response (finish reason %q)", gr.Candidates[0].FinishReason)
}
