// Package moderation screens chat content before it is relayed. Messages and
// display names pass through a keyword blocklist (with leetspeak
// normalization) and a set of spam-pattern checks. Screening is synchronous
// and runs in the send path, so everything here must stay allocation-light.
package moderation

import (
	"strings"
	"unicode"
)

// FilterResult reports the outcome of a content check. A zero value means
// the content is clean.
type FilterResult struct {
	Blocked bool
	Reason  string // "blocked_keyword" or "spam_pattern"
	Term    string // the matched term or check name
}

// Filter holds the compiled blocklist. Single words live in a set for O(1)
// token lookup; multi-word phrases are matched against the tokenized text
// with word boundaries intact.
type Filter struct {
	words   map[string]struct{}
	phrases []string
}

// defaultTerms is the built-in blocklist for a public page: harassment,
// solicitation and the scam phrases that show up in drive-by spam. Operators
// with different needs build a Filter with NewFilterWithTerms.
var defaultTerms = []string{
	"kill yourself",
	"kys",
	"go die",
	"neck yourself",
	"send nudes",
	"child porn",
	"free bitcoin",
	"free crypto",
	"free robux",
	"buy followers",
	"earn money fast",
	"bomb threat",
}

// NewFilter returns a Filter loaded with the built-in blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms builds a Filter from an explicit term list. Terms
// containing whitespace are treated as phrases; empty and whitespace-only
// entries are ignored.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if strings.ContainsFunc(term, unicode.IsSpace) {
			f.phrases = append(f.phrases, term)
		} else {
			f.words[term] = struct{}{}
		}
	}
	return f
}

// Check screens text against the blocklist and the spam patterns, in that
// order. Keyword matches are reported before spam patterns so the caller can
// distinguish abuse from noise.
func (f *Filter) Check(text string) FilterResult {
	lower := strings.ToLower(text)

	// Plain pass: exact token and phrase matches.
	plain := tokenizePlain(lower)
	if r := f.checkTokens(plain); r.Blocked {
		return r
	}

	// Leet pass: normalize substitutions like "b@dw0rd" and re-check. Tokens
	// are split on whitespace only so the substitution characters survive
	// into normalization.
	leet := tokenizeLeet(lower)
	normalized := make([]string, 0, len(leet))
	for _, tok := range leet {
		normalized = append(normalized, stripNonAlnum(normalizeLeet(tok)))
	}
	if r := f.checkTokens(normalized); r.Blocked {
		return r
	}

	return f.checkSpamPatterns(text)
}

// checkTokens looks for blocklisted words among tokens and blocklisted
// phrases in the boundary-padded joined form.
func (f *Filter) checkTokens(tokens []string) FilterResult {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: tok}
		}
	}
	if len(f.phrases) > 0 && len(tokens) > 0 {
		padded := " " + strings.Join(tokens, " ") + " "
		for _, phrase := range f.phrases {
			if strings.Contains(padded, " "+phrase+" ") {
				return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: phrase}
			}
		}
	}
	return FilterResult{}
}

// leetMap covers the substitutions actually seen in the wild. Both "1" and
// "!" normalize to "i"; context decides which was meant, and for a blocklist
// check a false normalization of clean text is harmless.
var leetMap = map[rune]rune{
	'@': 'a',
	'0': 'o',
	'3': 'e',
	'1': 'i',
	'!': 'i',
	'$': 's',
}

// normalizeLeet replaces common character substitutions with the letters
// they stand in for.
func normalizeLeet(s string) string {
	return strings.Map(func(r rune) rune {
		if repl, ok := leetMap[r]; ok {
			return repl
		}
		return r
	}, s)
}

// stripNonAlnum drops everything that is not a letter or digit, so trailing
// punctuation does not defeat a token match.
func stripNonAlnum(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return r
		}
		return -1
	}, s)
}

// tokenizePlain splits text on every non-alphanumeric rune.
func tokenizePlain(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// tokenizeLeet splits on whitespace only, preserving substitution characters
// inside tokens for the normalization pass.
func tokenizeLeet(s string) []string {
	return strings.Fields(s)
}
