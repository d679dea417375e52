package retrieval

import (
	"regexp"
	"strings"
)

// ExpansionVocabulary is appended to queries that contain a trigger word.
var ExpansionVocabulary = []string{
	"price", "noi", "cap rate", "irr", "cash flow", "revenue", "income", "expense", "acquisition",
}

var (
	tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

	triggerWords = map[string]bool{
		"metric": true, "metrics": true,
		"data": true,
		"key": true, "keys": true,
		"summary": true, "summaries": true, "summarize": true, "summarise": true,
		"financial": true, "financials": true, "financially": true,
	}

	jargonPattern = regexp.MustCompile(`(?i)\b(` +
		`price|pricing|noi|net operating income|cap(?:italization)? rates?|irr|` +
		`rent roll|occupancy|occupied|debt service|dscr|ltv|loan[- ]to[- ]value|vacancy|` +
		`amortization|cash[- ]on[- ]cash|equity multiple|cash flows?|purchase price|gross rent)\b`)

	summaryHeading = regexp.MustCompile(`(?i)\b(executive|financial|investment)\s+(summary|overview|highlights)\b`)

	coreFinancial = regexp.MustCompile(`(?i)\b(noi|net operating income|cap rate|irr|price|revenue|income|cash flow|expenses?)\b`)
)

var stopwords = func() map[string]bool {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by",
		"with", "as", "is", "are", "was", "were", "be", "been", "it", "this", "that", "these", "those", "from",
		"so", "such", "into", "about", "can", "will", "just", "should", "now", "me", "my", "i", "you", "we",
		"give", "show", "tell", "what", "which", "how", "please", "do", "does", "any", "all",
	}
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}()

// Tokenize lowercases text and splits it into letter/digit runs.
func Tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// Triggered reports whether query asks for generic key data.
func Triggered(query string) bool {
	for _, t := range Tokenize(query) {
		if triggerWords[t] {
			return true
		}
	}
	return false
}

// ExpandQuery returns the search terms for query: its non-stopword tokens,
// plus the domain vocabulary when a trigger word is present. Terms may be phrases.
func ExpandQuery(query string) []string {
	seen := make(map[string]bool)
	var terms []string
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			terms = append(terms, t)
		}
	}
	for _, t := range Tokenize(query) {
		if !stopwords[t] {
			add(t)
		}
	}
	if Triggered(query) {
		for _, v := range ExpansionVocabulary {
			add(v)
		}
	}
	return terms
}

// MatchesJargon reports whether text mentions domain jargon.
func MatchesJargon(text string) bool {
	return jargonPattern.MatchString(text)
}

// IsSummaryHeading reports whether the chunk opens with an executive,
// financial or investment summary heading.
func IsSummaryHeading(text string) bool {
	first := strings.TrimSpace(text)
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	return len(first) <= 80 && summaryHeading.MatchString(first)
}

// HasCoreFinancial reports whether text carries a core financial keyword.
func HasCoreFinancial(text string) bool {
	return coreFinancial.MatchString(text)
}
