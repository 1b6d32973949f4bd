package categorization

import (
	"strings"

	"github.com/cloudflare/ahocorasick"
)

// keywordRule binds a trigger substring to a category. Rules earlier in the
// table take precedence when several match the same description.
type keywordRule struct {
	keyword  string
	category string
}

var keywordRules = []keywordRule{
	{"payroll", "Payroll"},
	{"salary", "Payroll"},
	{"rent", "Rent"},
	{"utility", "Utilities"},
	{"electric", "Utilities"},
	{"marketing", "Marketing"},
	{"ad", "Marketing"},
	{"software", "Software"},
	{"subscription", "Software"},
	{"travel", "Travel"},
	{"flight", "Travel"},
	{"meal", "Meals"},
	{"restaurant", "Meals"},
	{"insurance", "Insurance"},
	{"supply", "Supplies"},
	{"legal", "Professional Services"},
	{"accounting", "Professional Services"},
}

// KeywordMatcher is the deterministic fallback classifier. It scans the
// description for known substrings with a single Aho-Corasick pass.
type KeywordMatcher struct {
	matcher *ahocorasick.Matcher
}

func NewKeywordMatcher() *KeywordMatcher {
	dict := make([]string, len(keywordRules))
	for i, r := range keywordRules {
		dict[i] = r.keyword
	}
	return &KeywordMatcher{matcher: ahocorasick.NewStringMatcher(dict)}
}

// Categorize returns the category of the highest-precedence matching rule,
// or "Other Expenses" when nothing matches. It never fails.
func (k *KeywordMatcher) Categorize(description string) string {
	hits := k.matcher.Match([]byte(strings.ToLower(description)))
	if len(hits) == 0 {
		return "Other Expenses"
	}
	best := hits[0]
	for _, h := range hits[1:] {
		if h < best {
			best = h
		}
	}
	return keywordRules[best].category
}
