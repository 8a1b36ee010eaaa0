package llm

import (
	"strings"
	"text/template"

	"periodontal-analyzer/models"

	"github.com/shopspring/decimal"
)

const classificationPrompt = `You are an expert in analyzing dental images (X-rays and clinical photos) to determine periodontal health and its relation to diabetes.

Analyze the provided image and user-reported symptoms, using the following clinical information to respond with a JSON object containing your analysis.

Your primary task is to determine if the patient has periodontal disease. Set the 'hasPeriodontalDisease' field to true if signs like gingivitis, periodontitis, gum recession, pocket formation, or bone loss are visible in the image or strongly suggested by the symptoms.

---
CLINICAL KNOWLEDGE BASE:

Periodontal disease in non-diabetic patients
Usually caused by plaque and tartar buildup.
Damage progression:
1. Gingivitis: redness, swelling, bleeding gums.
2. Periodontitis: gum recession, pocket formation.
3. Advanced cases: bone loss, teeth mobility, tooth loss.
Healing is better in non-diabetics because their immune system and wound healing are normal.

Periodontal disease in diabetic patients
Diabetes is a major risk factor for periodontal disease.
Damage progression is faster and more severe due to:
- Poor blood circulation in gums, which reduces healing.
- High blood sugar, which promotes bacterial growth.
- Altered immune response; the body cannot fight infection well.
- Increased inflammation; gums break down faster.

Clinical signs to look for in diabetics:
- More frequent and severe gingival inflammation.
- Gum recession occurs earlier.
- Pocket depth is deeper.
- X-rays show greater alveolar bone loss around teeth.
- Loose teeth and early tooth loss are more common.
---

The attached image is the primary source of information about the patient.
Reported symptoms (self-reported by the user, they may not be visible in the image, e.g., pain or bleeding during brushing):
{{- if .Symptoms}}
{{- range .Symptoms}}
- {{.}}
{{- end}}
{{- else}}
No symptoms reported by the user.
{{- end}}

Based on your analysis of the image, the reported symptoms, and the knowledge base, provide a JSON response.
Determine if periodontal disease is present.
Then, classify the periodontal health status as exactly one of {{.CategoryList}}.
If you classify the issue as 'other_gums_issues', you MUST provide a brief explanation in the 'otherIssuesDescription' field (e.g., "Signs of oral thrush" or "Possible canker sore"). Omit that field for every other classification.
Give your confidence in the classification as a number from 0.0 to 1.0.

Respond with a single JSON object and nothing else:
{"hasPeriodontalDisease": <true|false>, "classification": "<category>", "otherIssuesDescription": "<only for other_gums_issues>", "confidence": <0.0-1.0>}`

const summaryPrompt = `You are an expert medical researcher summarizing the findings of a study on periodontal health and diabetes.

Given the following classification results from a set of dental X-ray images and the study details, generate a concise summary highlighting key trends and potential correlations between diabetes and periodontal health.

Study Details: {{.StudyDetails}}

Classification Results:
{{- range .Results}}
- Image: {{.ImageName}}, Classification: {{.Classification}}, Confidence: {{confidence .Confidence}}
{{- end}}

Your summary should be easy to understand for a non-expert.

IMPORTANT:
- If you see any results classified as 'diabetic_severe' or 'other_gums_issues', your summary MUST include a clear recommendation to consult a dental professional or doctor for a formal diagnosis and treatment plan.
- For classifications indicating any level of disease, provide general, safe precautions such as maintaining good oral hygiene, managing blood sugar levels (if diabetic), and scheduling regular dental check-ups.
- Analyze the trends. For example, do diabetic cases show more severe classifications?

Respond with a single JSON object and nothing else: {"summary": "<your summary>"}`

var classificationTmpl = template.Must(template.New("classification").Parse(classificationPrompt))

var summaryTmpl = template.Must(template.New("summary").
	Funcs(template.FuncMap{"confidence": FormatConfidence}).
	Parse(summaryPrompt))

// FormatConfidence renders a confidence with at most two decimals.
func FormatConfidence(c float64) string {
	return decimal.NewFromFloat(c).Round(2).String()
}

// ClassificationPrompt renders the classification instructions for the given symptoms.
func ClassificationPrompt(symptoms []string) (string, error) {
	names := make([]string, len(models.Categories))
	for i, c := range models.Categories {
		names[i] = "'" + string(c) + "'"
	}
	var b strings.Builder
	err := classificationTmpl.Execute(&b, struct {
		Symptoms     []string
		CategoryList string
	}{symptoms, strings.Join(names, ", ")})
	return b.String(), err
}

// SummaryPrompt renders the summary instructions for req.
func SummaryPrompt(req SummarizeRequest) (string, error) {
	var b strings.Builder
	err := summaryTmpl.Execute(&b, req)
	return b.String(), err
}
