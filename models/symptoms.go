package models

// KnownSymptoms is the catalog offered to users when submitting a batch.
var KnownSymptoms = []string{
	"Bleeding while brushing or flossing",
	"Loose or shifting teeth",
	"Bad breath (halitosis)",
	"Pain or tenderness in gums",
}

// CleanSymptoms returns a copy of symptoms without empty entries. The
// remaining strings are kept byte for byte and in order; the result is never
// nil.
func CleanSymptoms(symptoms []string) []string {
	out := make([]string, 0, len(symptoms))
	for _, s := range symptoms {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
