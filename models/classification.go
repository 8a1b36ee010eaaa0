package models

// Category is the periodontal health status assigned to one image.
type Category string

const (
	CategoryNonDiabeticHealthy Category = "non_diabetic_healthy"
	CategoryDiabeticMild       Category = "diabetic_mild"
	CategoryDiabeticModerate   Category = "diabetic_moderate"
	CategoryDiabeticSevere     Category = "diabetic_severe"
	CategoryOtherGumsIssues    Category = "other_gums_issues"
)

// Categories lists the closed set of classification values in display order.
var Categories = []Category{
	CategoryNonDiabeticHealthy,
	CategoryDiabeticMild,
	CategoryDiabeticModerate,
	CategoryDiabeticSevere,
	CategoryOtherGumsIssues,
}

var categoryLabels = map[Category]string{
	CategoryNonDiabeticHealthy: "Non-diabetic, healthy",
	CategoryDiabeticMild:       "Diabetic, mild",
	CategoryDiabeticModerate:   "Diabetic, moderate",
	CategoryDiabeticSevere:     "Diabetic, severe",
	CategoryOtherGumsIssues:    "Other gum issues",
}

// IsValid reports whether c belongs to the closed category set.
func (c Category) IsValid() bool {
	_, ok := categoryLabels[c]
	return ok
}

// Label returns a human readable name for the category.
func (c Category) Label() string {
	if label, ok := categoryLabels[c]; ok {
		return label
	}
	return string(c)
}

// RequiresProfessional is true for categories whose summary must recommend
// a consultation with a dental professional.
func (c Category) RequiresProfessional() bool {
	return c == CategoryDiabeticSevere || c == CategoryOtherGumsIssues
}

// IsDiabetic is true for the three diabetic severity levels.
func (c Category) IsDiabetic() bool {
	return c == CategoryDiabeticMild || c == CategoryDiabeticModerate || c == CategoryDiabeticSevere
}

// ClassificationResult is the validated model output for one image.
type ClassificationResult struct {
	HasPeriodontalDisease  bool     `json:"hasPeriodontalDisease"`
	Classification         Category `json:"classification"`
	OtherIssuesDescription string   `json:"otherIssuesDescription,omitempty"`
	Confidence             float64  `json:"confidence"`
	Name                   string   `json:"name"`
}

// SummaryEntry is one line of the summarization request.
type SummaryEntry struct {
	ImageName      string   `json:"imageName"`
	Classification Category `json:"classification"`
	Confidence     float64  `json:"confidence"`
}

// SummaryResult is the narrative produced across a set of results.
type SummaryResult struct {
	Summary string `json:"summary"`
}
