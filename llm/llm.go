package llm

import (
	"context"

	"periodontal-analyzer/models"
)

// Client abstracts the multimodal model provider.
// Implementations must be concurrency-safe; batches call Classify from many goroutines.
type Client interface {
	// Classify sends one embedded image plus reported symptoms and returns
	// the raw JSON text produced by the model.
	Classify(ctx context.Context, req ClassifyRequest) (string, error)
	// Summarize returns the raw model output for a set of classification results.
	Summarize(ctx context.Context, req SummarizeRequest) (string, error)
	// SourceName returns a short provider label (e.g., "Gemini").
	SourceName() string
}

// ClassifyRequest is the classification payload.
type ClassifyRequest struct {
	PhotoDataURI string   `json:"photoDataUri"`
	Symptoms     []string `json:"symptoms"`
}

// SummarizeRequest is the summarization payload.
type SummarizeRequest struct {
	Results      []models.SummaryEntry `json:"results"`
	StudyDetails string                `json:"studyDetails"`
}
