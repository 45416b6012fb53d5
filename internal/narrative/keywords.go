package narrative

import (
	"strings"
	"unicode"
)

// stopwords are excluded from keyword extraction. Deliberately small:
// the keywords only seed the disambiguation prompt, they are not a
// search index.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "can": true, "do": true, "for": true,
	"from": true, "has": true, "have": true, "how": true, "i": true, "in": true,
	"is": true, "it": true, "me": true, "my": true, "of": true, "on": true,
	"or": true, "please": true, "that": true, "the": true, "this": true,
	"to": true, "was": true, "we": true, "what": true, "when": true,
	"where": true, "which": true, "who": true, "will": true, "with": true,
	"would": true, "you": true, "your": true,
}

// ExtractKeywords returns up to max distinct lowercase content words
// from the query, in order of first appearance.
func ExtractKeywords(query string, max int) []string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool)
	var keywords []string
	for _, w := range words {
		if len(w) < 3 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		keywords = append(keywords, w)
		if len(keywords) == max {
			break
		}
	}
	return keywords
}

// TopicHint builds a short human-readable topic hint from the query
// text: the first sentence, truncated to 80 runes on a word boundary.
func TopicHint(query string) string {
	hint := strings.TrimSpace(query)
	for _, sep := range []string{". ", "? ", "! ", "\n"} {
		if idx := strings.Index(hint, sep); idx != -1 {
			hint = hint[:idx+1]
		}
	}
	hint = strings.TrimSpace(hint)

	runes := []rune(hint)
	if len(runes) <= 80 {
		return hint
	}
	truncated := string(runes[:80])
	if idx := strings.LastIndex(truncated, " "); idx > 0 {
		truncated = truncated[:idx]
	}
	return truncated + "…"
}
