// Package gate classifies finished generation text as structurally
// complete or enumerates failure reasons. It is a pure function over the
// text; callers decide what to do with a failed verdict.
package gate

import (
	"strings"
	"unicode"

	"glimpse/internal/types"
)

// Reason is one structural failure class.
type Reason string

const (
	ReasonEmpty                      Reason = "empty"
	ReasonMissingTerminalPunctuation Reason = "missing_terminal_punctuation"
	ReasonDanglingSuffix             Reason = "dangling_suffix"
	ReasonUnmatchedDelimiter         Reason = "unmatched_delimiter"
	ReasonUnmatchedQuote             Reason = "unmatched_quote"
)

// functionWords are suffixes a complete sentence never ends on.
var functionWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {},
	"to": {}, "of": {}, "in": {}, "on": {}, "at": {}, "by": {}, "for": {},
	"with": {}, "from": {}, "into": {}, "about": {}, "as": {}, "than": {},
	"and": {}, "or": {}, "but": {}, "because": {}, "if": {}, "that": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {},
	"which": {}, "while": {}, "so": {}, "such": {}, "very": {},
}

// Evaluate returns the (possibly empty) set of failure reasons for text.
// A text is complete iff the returned slice is empty.
func Evaluate(text string) []Reason {
	if types.CleanSelection(text) == "" {
		return []Reason{ReasonEmpty}
	}

	// Structural checks ignore fenced code; an unterminated fence swallows
	// the rest of the text.
	stripped := stripFencedCode(text)

	var reasons []Reason
	if !hasTerminalPunctuation(stripped) {
		reasons = append(reasons, ReasonMissingTerminalPunctuation)
	}
	if endsWithFunctionWord(stripped) {
		reasons = append(reasons, ReasonDanglingSuffix)
	}
	if hasUnmatchedDelimiter(stripped) {
		reasons = append(reasons, ReasonUnmatchedDelimiter)
	}
	if hasUnmatchedQuote(stripped) {
		reasons = append(reasons, ReasonUnmatchedQuote)
	}
	return reasons
}

// Complete reports whether text passes every structural check.
func Complete(text string) bool {
	return len(Evaluate(text)) == 0
}

// Has reports whether reasons contains r.
func Has(reasons []Reason, r Reason) bool {
	for _, have := range reasons {
		if have == r {
			return true
		}
	}
	return false
}

// stripFencedCode removes paired triple-backtick regions. Text after an
// unterminated opening fence is treated as part of the fence and dropped.
func stripFencedCode(text string) string {
	var b strings.Builder
	rest := text
	for {
		open := strings.Index(rest, "```")
		if open < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:open])
		rest = rest[open+3:]
		close := strings.Index(rest, "```")
		if close < 0 {
			// Unterminated fence: checks stop here.
			return b.String()
		}
		rest = rest[close+3:]
	}
}

// trailingDecoration holds characters allowed after the final sentence
// punctuation: closing delimiters, quotes and markdown emphasis.
func isTrailingDecoration(r rune) bool {
	switch r {
	case ')', ']', '}', '"', '\'', '”', '’', '*', '_', '`':
		return true
	}
	return unicode.IsSpace(r)
}

func hasTerminalPunctuation(text string) bool {
	runes := []rune(text)
	for i := len(runes) - 1; i >= 0; i-- {
		r := runes[i]
		if isTrailingDecoration(r) {
			continue
		}
		// A trailing colon is a truncation shape ("such as:"), not an
		// ending.
		switch r {
		case '.', '!', '?', '…':
			return true
		}
		return false
	}
	return false
}

func endsWithFunctionWord(text string) bool {
	trimmed := strings.TrimRightFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if trimmed == "" {
		return false
	}
	start := len(trimmed)
	for start > 0 {
		r := rune(trimmed[start-1])
		if !unicode.IsLetter(r) {
			break
		}
		start--
	}
	last := strings.ToLower(trimmed[start:])
	_, dangling := functionWords[last]
	return dangling
}

func hasUnmatchedDelimiter(text string) bool {
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	open := map[rune]int{'(': 0, '[': 0, '{': 0}
	for _, r := range text {
		switch r {
		case '(', '[', '{':
			open[r]++
		case ')', ']', '}':
			o := pairs[r]
			if open[o] == 0 {
				return true
			}
			open[o]--
		}
	}
	return open['(']+open['[']+open['{'] > 0
}

func hasUnmatchedQuote(text string) bool {
	straight, left, right := 0, 0, 0
	for _, r := range text {
		switch r {
		case '"':
			straight++
		case '“':
			left++
		case '”':
			right++
		}
	}
	return straight%2 != 0 || left != right
}
