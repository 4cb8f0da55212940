package gate

import "testing"

func TestEvaluate_CompleteSentence(t *testing.T) {
	if reasons := Evaluate("A fragment is an incomplete piece of text."); len(reasons) != 0 {
		t.Errorf("expected complete, got %v", reasons)
	}
}

func TestEvaluate_Empty(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t", "\u200b\ufeff"} {
		reasons := Evaluate(text)
		if len(reasons) != 1 || reasons[0] != ReasonEmpty {
			t.Errorf("Evaluate(%q) = %v, want [empty]", text, reasons)
		}
	}
}

func TestEvaluate_DanglingSuffix(t *testing.T) {
	reasons := Evaluate("In this context, fragment refers to a")
	if !Has(reasons, ReasonDanglingSuffix) {
		t.Errorf("expected dangling_suffix, got %v", reasons)
	}
}

func TestEvaluate_MissingTerminalPunctuation(t *testing.T) {
	reasons := Evaluate("This sentence just stops mid thought")
	if !Has(reasons, ReasonMissingTerminalPunctuation) {
		t.Errorf("expected missing_terminal_punctuation, got %v", reasons)
	}
}

func TestEvaluate_TrailingColonIsTruncation(t *testing.T) {
	reasons := Evaluate("The main causes are the following:")
	if !Has(reasons, ReasonMissingTerminalPunctuation) {
		t.Errorf("expected missing_terminal_punctuation, got %v", reasons)
	}
}

func TestEvaluate_PunctuationInsideTrailingDecoration(t *testing.T) {
	for _, text := range []string{
		`He said "stop."`,
		"A list item (see above).",
		"Emphasis matters, *really.*",
		"It ends with an ellipsis…",
	} {
		if reasons := Evaluate(text); len(reasons) != 0 {
			t.Errorf("Evaluate(%q) = %v, want complete", text, reasons)
		}
	}
}

func TestEvaluate_UnmatchedDelimiter(t *testing.T) {
	reasons := Evaluate("An unbalanced (parenthesis breaks things.")
	if !Has(reasons, ReasonUnmatchedDelimiter) {
		t.Errorf("expected unmatched_delimiter, got %v", reasons)
	}

	reasons = Evaluate("A stray closer) is just as wrong.")
	if !Has(reasons, ReasonUnmatchedDelimiter) {
		t.Errorf("expected unmatched_delimiter for stray closer, got %v", reasons)
	}
}

func TestEvaluate_DelimiterInsideFence(t *testing.T) {
	text := "Call it like this:\n```\nfoo(bar(\n```\nThat is the whole trick."
	if reasons := Evaluate(text); len(reasons) != 0 {
		t.Errorf("fenced delimiter should be ignored, got %v", reasons)
	}
}

func TestEvaluate_UnterminatedFenceSwallowsRest(t *testing.T) {
	// Everything after the opening fence belongs to the fence, so the
	// unbalanced bracket inside never reaches the structural checks.
	text := "Here is the snippet:\n```\nif (x {"
	reasons := Evaluate(text)
	if Has(reasons, ReasonUnmatchedDelimiter) {
		t.Errorf("delimiter after unterminated fence must not count, got %v", reasons)
	}
}

func TestEvaluate_UnmatchedQuote(t *testing.T) {
	reasons := Evaluate(`He said "wait. And then nothing.`)
	if !Has(reasons, ReasonUnmatchedQuote) {
		t.Errorf("expected unmatched_quote, got %v", reasons)
	}

	reasons = Evaluate("Curly “quotes without a close.")
	if !Has(reasons, ReasonUnmatchedQuote) {
		t.Errorf("expected unmatched_quote for curly, got %v", reasons)
	}

	if reasons := Evaluate("Paired “quotes” are fine."); Has(reasons, ReasonUnmatchedQuote) {
		t.Errorf("paired curly quotes flagged: %v", reasons)
	}
}

func TestEvaluate_MultipleReasons(t *testing.T) {
	reasons := Evaluate(`An open (bracket and a "quote and then the`)
	for _, want := range []Reason{ReasonDanglingSuffix, ReasonUnmatchedDelimiter, ReasonUnmatchedQuote, ReasonMissingTerminalPunctuation} {
		if !Has(reasons, want) {
			t.Errorf("missing reason %s in %v", want, reasons)
		}
	}
}

func TestComplete(t *testing.T) {
	if !Complete("Short and sweet.") {
		t.Error("complete text rejected")
	}
	if Complete("ends with the") {
		t.Error("dangling text accepted")
	}
}

func TestStripFencedCode(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"no fence", "plain text.", "plain text."},
		{"paired", "a ```code``` b", "a  b"},
		{"two fences", "a ```x``` b ```y``` c", "a  b  c"},
		{"unterminated", "a ```dangling", "a "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripFencedCode(tt.in); got != tt.want {
				t.Errorf("stripFencedCode(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
