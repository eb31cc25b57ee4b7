package index

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var lowerCaser = cases.Lower(language.Und)

// tokenizeName splits a column name into keyword tokens: snake_case,
// kebab-case, spaces, dots, and CamelCase boundaries all separate
// tokens, which are then lower-cased.
func tokenizeName(name string) []string {
	var tokens []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, lowerCaser.String(cur.String()))
			cur.Reset()
		}
	}

	runes := []rune(name)
	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || r == ' ' || r == '.' || r == '/':
			flush()
		case unicode.IsUpper(r) && i > 0 && (unicode.IsLower(runes[i-1]) ||
			(i+1 < len(runes) && unicode.IsLower(runes[i+1]))):
			flush()
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

// AttributeKeywords expands column names into the keyword list stored
// on the dataset document: each original name (lower-cased) plus its
// tokenization, deduplicated in first-seen order.
func AttributeKeywords(names []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(kw string) {
		kw = strings.TrimSpace(kw)
		if kw == "" || seen[kw] {
			return
		}
		seen[kw] = true
		out = append(out, kw)
	}
	for _, name := range names {
		add(lowerCaser.String(name))
		for _, tok := range tokenizeName(name) {
			add(tok)
		}
	}
	return out
}
