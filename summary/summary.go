package summary

import (
	"context"
	"errors"
	"fmt"

	"periodontal-analyzer/llm"
	"periodontal-analyzer/metrics"
	"periodontal-analyzer/models"
	"periodontal-analyzer/parser"

	"github.com/apex/log"
)

// StudyDetails is the study context sent with every summary request.
const StudyDetails = "This is a cross-sectional study evaluating the impact of diabetes on periodontal health using dental X-ray images. The analysis classifies periodontal health status and diabetes status."

var (
	// ErrNoResults is returned before any remote call when there is nothing to summarize.
	ErrNoResults = errors.New("no results available to generate a summary")
	// ErrSummaryGeneration is returned when the model produced no usable narrative.
	ErrSummaryGeneration = errors.New("failed to generate summary")
)

// Client produces narrative summaries. It never touches item state.
type Client struct {
	llm llm.Client
}

func New(client llm.Client) *Client {
	return &Client{llm: client}
}

// Summarize builds a narrative across entries, keeping their order.
func (c *Client) Summarize(ctx context.Context, entries []models.SummaryEntry) (*models.SummaryResult, error) {
	if len(entries) == 0 {
		metrics.SummariesTotal.WithLabelValues("no_results").Inc()
		return nil, ErrNoResults
	}

	req := llm.SummarizeRequest{
		Results:      append([]models.SummaryEntry(nil), entries...),
		StudyDetails: StudyDetails,
	}
	raw, err := c.llm.Summarize(ctx, req)
	if err != nil {
		metrics.SummariesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrSummaryGeneration, err)
	}

	text, err := parser.ParseSummary(raw)
	if err != nil {
		metrics.SummariesTotal.WithLabelValues("invalid").Inc()
		log.WithError(err).Warn("Model returned no usable summary")
		return nil, fmt.Errorf("%w: %w", ErrSummaryGeneration, err)
	}

	metrics.SummariesTotal.WithLabelValues("success").Inc()
	log.Infof("Generated summary for %d results via %s", len(entries), c.llm.SourceName())
	return &models.SummaryResult{Summary: text}, nil
}

// EntriesFromResults converts classification results into summary entries.
func EntriesFromResults(results []models.ClassificationResult) []models.SummaryEntry {
	entries := make([]models.SummaryEntry, 0, len(results))
	for _, r := range results {
		entries = append(entries, models.SummaryEntry{
			ImageName:      r.Name,
			Classification: r.Classification,
			Confidence:     r.Confidence,
		})
	}
	return entries
}
