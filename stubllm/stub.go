package stubllm

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"periodontal-analyzer/llm"
	"periodontal-analyzer/models"

	"github.com/shopspring/decimal"
)

// Client is a deterministic, no-network model stub intended for CI and local end-to-end runs.
// It returns schema-valid JSON so downstream parsing exercises the full pipeline.
type Client struct{}

func NewClient() *Client { return &Client{} }

func (c *Client) SourceName() string { return "Stub" }

func (c *Client) Classify(ctx context.Context, req llm.ClassifyRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// Output is deterministic per input so batches are stable in CI.
	sum := sha256.Sum256([]byte(req.PhotoDataURI + "\x00" + strings.Join(req.Symptoms, "\x00")))
	category := models.Categories[int(sum[0])%len(models.Categories)]
	confidence, _ := decimal.NewFromInt(int64(sum[1])).
		Div(decimal.NewFromInt(510)).
		Add(decimal.NewFromFloat(0.5)).
		Round(2).
		Float64()

	out := map[string]any{
		"hasPeriodontalDisease": category != models.CategoryNonDiabeticHealthy,
		"classification":        category,
		"confidence":            confidence,
	}
	if category == models.CategoryOtherGumsIssues {
		out["otherIssuesDescription"] = fmt.Sprintf("Stubbed finding %x", sum[2:4])
	}

	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *Client) Summarize(ctx context.Context, req llm.SummarizeRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	counts := map[models.Category]int{}
	diseased, professional := false, false
	for _, r := range req.Results {
		counts[r.Classification]++
		diseased = diseased || r.Classification != models.CategoryNonDiabeticHealthy
		professional = professional || r.Classification.RequiresProfessional()
	}

	parts := make([]string, 0, len(counts))
	for category, n := range counts {
		parts = append(parts, fmt.Sprintf("%d %s", n, category.Label()))
	}
	sort.Strings(parts)

	var b strings.Builder
	fmt.Fprintf(&b, "Stub summary of %d image(s): %s.", len(req.Results), strings.Join(parts, ", "))
	diabetic := 0
	for category, n := range counts {
		if category.IsDiabetic() {
			diabetic += n
		}
	}
	if diabetic > 0 {
		fmt.Fprintf(&b, " %d of %d diabetic case(s) were classified as severe.", counts[models.CategoryDiabeticSevere], diabetic)
	}
	if diseased {
		b.WriteString(" Maintain good oral hygiene, manage blood sugar levels if diabetic, and schedule regular dental check-ups.")
	}
	if professional {
		b.WriteString(" Please consult a dental professional or doctor for a formal diagnosis and treatment plan.")
	}

	out, err := json.Marshal(models.SummaryResult{Summary: b.String()})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
