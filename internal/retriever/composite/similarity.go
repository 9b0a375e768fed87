package composite

import "strings"

// BestTextSimilarity implements the §4.6 stage-3 string-similarity score:
// a token-overlap (Jaccard) ratio between the query and a template's
// comparison text, combined with the embedding and rerank scores under
// its own weight (Weights.String).
func BestTextSimilarity(query, text string) float64 {
	a := tokenSet(query)
	b := tokenSet(text)
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	intersection := 0
	for tok := range a {
		if b[tok] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[strings.Trim(f, ".,!?;:\"'()")] = true
	}
	return set
}
