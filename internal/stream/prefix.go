package stream

import (
	"strings"

	"glimpse/internal/types"
)

// The generated text may open with a bracketed classification token such
// as "[MODE: Learn]". The lexer resolves it incrementally across chunk
// boundaries: it holds back the leading text until the token either closes,
// turns out not to be a token, or grows past any plausible token length.

type prefixState int

const (
	prefixScanning prefixState = iota
	prefixResolved
	prefixRejected
)

// maxHeaderLen bounds how much leading text can still be an unclosed mode
// token. Past this, the bracket is treated as literal content.
const maxHeaderLen = 48

type prefixLexer struct {
	state          prefixState
	pending        strings.Builder
	classification types.Classification
	explicit       bool
}

func newPrefixLexer() *prefixLexer {
	return &prefixLexer{classification: types.DefaultClassification}
}

// feed consumes one delta and returns the text that is now safe to publish.
// While the header is unresolved the return value is empty.
func (l *prefixLexer) feed(chunk string) string {
	switch l.state {
	case prefixResolved, prefixRejected:
		return chunk
	}

	l.pending.WriteString(chunk)
	buf := l.pending.String()
	lead := strings.TrimLeft(buf, " \t\r\n")
	if lead == "" {
		return ""
	}

	if !strings.HasPrefix(lead, "[") {
		l.state = prefixRejected
		l.pending.Reset()
		return buf
	}

	close := strings.Index(lead, "]")
	if close < 0 {
		if len(lead) > maxHeaderLen {
			l.state = prefixRejected
			l.pending.Reset()
			return buf
		}
		return "" // Defer until the bracket closes or the stream ends.
	}

	inner := lead[1:close]
	rest := strings.TrimLeft(lead[close+1:], " \t\r\n")
	if cls, ok := parseModeToken(inner); ok {
		l.state = prefixResolved
		l.classification = cls
		l.explicit = true
		l.pending.Reset()
		return rest
	}

	// A closed bracket that is not a mode token is literal content.
	l.state = prefixRejected
	l.pending.Reset()
	return buf
}

// finish forces resolution at end of stream and returns any held-back text.
// When no explicit token was ever seen the classification defaults to the
// first mode value.
func (l *prefixLexer) finish() string {
	if l.state != prefixScanning {
		return ""
	}
	l.state = prefixRejected
	out := l.pending.String()
	l.pending.Reset()
	return out
}

func (l *prefixLexer) resolvedClassification() (types.Classification, bool) {
	return l.classification, l.explicit
}

// parseModeToken matches the inside of a bracketed header, e.g.
// "MODE: Learn" or "mode:conversation".
func parseModeToken(inner string) (types.Classification, bool) {
	name, value, found := strings.Cut(inner, ":")
	if !found {
		return types.DefaultClassification, false
	}
	if !strings.EqualFold(strings.TrimSpace(name), "mode") {
		return types.DefaultClassification, false
	}
	return types.ParseClassification(value)
}
