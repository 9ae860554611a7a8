package failure

import "fmt"

// Thresholds for turning repeated failures into curation work.
const (
	suggestMediumCount = 3
	suggestHighCount   = 5
)

// Suggest derives curation hints from the common-failure aggregation: a
// query that keeps failing probably needs a hard-mapping entry. Every pair
// gets a hint; the priority tier says how urgently.
func Suggest(common []CommonFailure) []Suggestion {
	var out []Suggestion
	for _, cf := range common {
		priority := "LOW"
		switch {
		case cf.Count >= suggestHighCount:
			priority = "HIGH"
		case cf.Count >= suggestMediumCount:
			priority = "MEDIUM"
		}
		out = append(out, Suggestion{
			OriginalQuery: cf.OriginalQuery,
			Count:         cf.Count,
			Priority:      priority,
			SuggestedAction: fmt.Sprintf(
				"add a hard mapping for %q (failed %d times)", cf.OriginalQuery, cf.Count),
		})
	}
	return out
}
