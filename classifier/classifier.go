package classifier

import (
	"context"

	"periodontal-analyzer/imaging"
	"periodontal-analyzer/llm"
	"periodontal-analyzer/models"
	"periodontal-analyzer/parser"
)

// Client performs one classification exchange and validates the answer.
// It holds no mutable state and is safe for concurrent use.
type Client struct {
	llm    llm.Client
	strict bool
}

// New returns a Client. With strict set, an other_gums_issues answer that
// lacks a description is treated as invalid output.
func New(client llm.Client, strict bool) *Client {
	return &Client{llm: client, strict: strict}
}

// Classify sends img and symptoms to the model and returns the validated result.
func (c *Client) Classify(ctx context.Context, img imaging.EmbeddedImage, symptoms []string) (*models.ClassificationResult, error) {
	req := llm.ClassifyRequest{
		PhotoDataURI: img.DataURI(),
		Symptoms:     append(make([]string, 0, len(symptoms)), symptoms...),
	}

	raw, err := c.llm.Classify(ctx, req)
	if err != nil {
		return nil, err
	}
	result, err := parser.ParseClassification(raw, c.strict)
	if err != nil {
		return nil, err
	}
	result.Name = img.FileName
	return result, nil
}
