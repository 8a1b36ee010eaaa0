package llm

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"periodontal-analyzer/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassificationPrompt(t *testing.T) {
	prompt, err := ClassificationPrompt([]string{"Loose or shifting teeth", "Bad breath (halitosis)"})
	require.NoError(t, err)

	assert.Contains(t, prompt, "- Loose or shifting teeth\n- Bad breath (halitosis)")
	assert.NotContains(t, prompt, "No symptoms reported")
	for _, c := range models.Categories {
		assert.Contains(t, prompt, "'"+string(c)+"'")
	}

	prompt, err = ClassificationPrompt(nil)
	require.NoError(t, err)
	assert.Contains(t, prompt, "No symptoms reported by the user.")
}

func TestSummaryPrompt(t *testing.T) {
	prompt, err := SummaryPrompt(SummarizeRequest{
		StudyDetails: "Cross-sectional study.",
		Results: []models.SummaryEntry{
			{ImageName: "a.jpg", Classification: models.CategoryDiabeticSevere, Confidence: 0.8666},
			{ImageName: "b.jpg", Classification: models.CategoryNonDiabeticHealthy, Confidence: 1},
		},
	})
	require.NoError(t, err)

	assert.Contains(t, prompt, "Study Details: Cross-sectional study.")
	assert.Contains(t, prompt, "- Image: a.jpg, Classification: diabetic_severe, Confidence: 0.87")
	assert.Contains(t, prompt, "- Image: b.jpg, Classification: non_diabetic_healthy, Confidence: 1")
	assert.Contains(t, prompt, "consult a dental professional")
}

func TestReadResponse(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantErr  bool
		wantMsg  string
		wantTemp bool
	}{
		{name: "ok", status: 200, body: `{"ok":true}`},
		{name: "overloaded", status: 503, body: `{"error":{"code":503,"message":"The model is overloaded.","status":"UNAVAILABLE"}}`, wantErr: true, wantMsg: "The model is overloaded.", wantTemp: true},
		{name: "bad request plain text", status: 400, body: "bad image", wantErr: true, wantMsg: "bad image"},
		{name: "empty body", status: 500, body: "", wantErr: true, wantMsg: "Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: tt.status, Body: io.NopCloser(strings.NewReader(tt.body))}
			body, err := ReadResponse("Gemini", resp)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, tt.body, string(body))
				return
			}
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
			assert.Equal(t, tt.wantTemp, apiErr.Temporary())
		})
	}
}

func TestInvalidOutputError(t *testing.T) {
	err := InvalidOutput("missing %s", "confidence")
	assert.True(t, errors.Is(err, ErrInvalidModelOutput))
	assert.Equal(t, "no valid analysis was generated by the AI model: missing confidence", err.Error())
}
