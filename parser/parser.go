package parser

import (
	"encoding/json"
	"strings"

	"periodontal-analyzer/llm"
	"periodontal-analyzer/models"

	"github.com/apex/log"
)

// ExtractJSONFromMarkdown extracts JSON from markdown code blocks or
// surrounding prose.
func ExtractJSONFromMarkdown(response string) string {
	const fence = "```"

	startIdx := strings.Index(response, fence)
	if startIdx == -1 {
		startIdx = strings.Index(response, "{")
		endIdx := strings.LastIndex(response, "}")
		if startIdx == -1 || endIdx < startIdx {
			return strings.TrimSpace(response)
		}
		return strings.TrimSpace(response[startIdx : endIdx+1])
	}

	rest := response[startIdx+len(fence):]
	endIdx := strings.Index(rest, fence)
	if endIdx == -1 {
		return strings.TrimSpace(response)
	}
	content := strings.TrimSpace(rest[:endIdx])

	// Drop the language identifier (e.g., "json").
	if first, body, ok := strings.Cut(content, "\n"); ok && !strings.HasPrefix(strings.TrimSpace(first), "{") {
		content = body
	}
	return strings.TrimSpace(content)
}

// classificationPayload uses pointers so absent fields can be told apart
// from zero values.
type classificationPayload struct {
	HasPeriodontalDisease  *bool    `json:"hasPeriodontalDisease"`
	Classification         *string  `json:"classification"`
	OtherIssuesDescription *string  `json:"otherIssuesDescription"`
	Confidence             *float64 `json:"confidence"`
}

// ParseClassification validates a classification response. With strict set,
// an other_gums_issues result without a description is rejected; otherwise
// it is accepted and logged.
func ParseClassification(response string, strict bool) (*models.ClassificationResult, error) {
	jsonContent := ExtractJSONFromMarkdown(strings.TrimSpace(response))
	if jsonContent == "" {
		return nil, llm.InvalidOutput("empty response")
	}

	var p classificationPayload
	if err := json.Unmarshal([]byte(jsonContent), &p); err != nil {
		return nil, llm.InvalidOutput("failed to parse JSON response: %v", err)
	}
	if p.HasPeriodontalDisease == nil {
		return nil, llm.InvalidOutput("hasPeriodontalDisease is required")
	}
	if p.Classification == nil {
		return nil, llm.InvalidOutput("classification is required")
	}
	category := models.Category(strings.TrimSpace(*p.Classification))
	if !category.IsValid() {
		return nil, llm.InvalidOutput("unknown classification %q", *p.Classification)
	}
	if p.Confidence == nil {
		return nil, llm.InvalidOutput("confidence is required")
	}
	if *p.Confidence < 0 || *p.Confidence > 1 {
		return nil, llm.InvalidOutput("confidence must be between 0 and 1, got %v", *p.Confidence)
	}

	result := &models.ClassificationResult{
		HasPeriodontalDisease: *p.HasPeriodontalDisease,
		Classification:        category,
		Confidence:            *p.Confidence,
	}
	description := ""
	if p.OtherIssuesDescription != nil {
		description = strings.TrimSpace(*p.OtherIssuesDescription)
	}
	if category == models.CategoryOtherGumsIssues {
		if description == "" {
			if strict {
				return nil, llm.InvalidOutput("otherIssuesDescription is required for %s", category)
			}
			log.Warnf("Model returned %s without otherIssuesDescription", category)
		}
		result.OtherIssuesDescription = description
	}
	return result, nil
}

// ParseSummary returns the narrative from a {"summary": ...} response, or the
// trimmed text itself when the model answered in prose.
func ParseSummary(response string) (string, error) {
	cleaned := strings.TrimSpace(response)
	if cleaned == "" {
		return "", llm.InvalidOutput("empty summary")
	}

	jsonContent := ExtractJSONFromMarkdown(cleaned)
	looksJSON := strings.HasPrefix(cleaned, "{") || strings.HasPrefix(cleaned, "```")

	var out models.SummaryResult
	if err := json.Unmarshal([]byte(jsonContent), &out); err != nil {
		if looksJSON {
			return "", llm.InvalidOutput("failed to parse JSON response: %v", err)
		}
		return cleaned, nil
	}
	if summary := strings.TrimSpace(out.Summary); summary != "" {
		return summary, nil
	}
	return "", llm.InvalidOutput("summary is empty")
}
