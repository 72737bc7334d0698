package locale

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// Normalize prepares text for phrase comparison: NFKC, case folded, every run
// of whitespace collapsed to one ASCII space, trimmed.
func Normalize(s string) string {
	return CollapseSpace(folder.String(norm.NFKC.String(s)))
}

// NormalizeLabel normalizes control text and strips decorative punctuation
// and symbols from both ends ("Resume ›", "Pause!").
func NormalizeLabel(s string) string {
	n := Normalize(s)
	return strings.TrimFunc(n, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r)
	})
}

// CollapseSpace replaces every whitespace run (including NBSP and thin spaces)
// with a single space and trims the result. Letter case is preserved.
func CollapseSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			pendingSpace = b.Len() > 0
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// MatchesLabel reports whether a control's text matches keyword. Both are
// normalized first. The control must equal the keyword or begin with it
// followed by whitespace; a keyword buried inside a sentence never matches.
func MatchesLabel(controlText, keyword string) bool {
	text := NormalizeLabel(controlText)
	key := NormalizeLabel(keyword)
	return matchesNormalizedLabel(text, key)
}

func matchesNormalizedLabel(text, key string) bool {
	if key == "" || text == "" {
		return false
	}
	if text == key {
		return true
	}
	return strings.HasPrefix(text, key) && text[len(key)] == ' '
}

// MatchesAnyLabel reports whether controlText matches any keyword.
func MatchesAnyLabel(controlText string, keywords []string) bool {
	text := NormalizeLabel(controlText)
	for _, k := range keywords {
		if matchesNormalizedLabel(text, NormalizeLabel(k)) {
			return true
		}
	}
	return false
}

// EqualsAnyLabel reports whether controlText equals one of labels exactly
// after normalization.
func EqualsAnyLabel(controlText string, labels []string) bool {
	text := NormalizeLabel(controlText)
	if text == "" {
		return false
	}
	for _, l := range labels {
		if text == NormalizeLabel(l) {
			return true
		}
	}
	return false
}

// ContainsPhrase reports whether text contains phrase as whole words: the
// characters on either side of the occurrence must not be letters or digits.
func ContainsPhrase(text, phrase string) bool {
	return IndexPhrase(Normalize(text), Normalize(phrase)) >= 0
}

// ContainsAnyPhrase reports whether text contains any phrase.
func ContainsAnyPhrase(text string, phrases []string) bool {
	_, ok := FirstPhrase(text, phrases)
	return ok
}

// FirstPhrase returns the first phrase (in list order) found in text.
func FirstPhrase(text string, phrases []string) (string, bool) {
	n := Normalize(text)
	for _, p := range phrases {
		if IndexPhrase(n, Normalize(p)) >= 0 {
			return p, true
		}
	}
	return "", false
}

// IndexPhrase finds the first word-bounded occurrence of phrase in text. Both
// arguments must already be normalized. It returns -1 when absent.
func IndexPhrase(text, phrase string) int {
	if phrase == "" {
		return -1
	}
	from := 0
	for from <= len(text)-len(phrase) {
		i := strings.Index(text[from:], phrase)
		if i < 0 {
			return -1
		}
		start := from + i
		end := start + len(phrase)
		if boundaryBefore(text, start) && boundaryAfter(text, end) {
			return start
		}
		from = start + 1
	}
	return -1
}

// LastIndexPhrase finds the last word-bounded occurrence of phrase in text.
func LastIndexPhrase(text, phrase string) int {
	if phrase == "" {
		return -1
	}
	end := len(text)
	for end >= len(phrase) {
		i := strings.LastIndex(text[:end], phrase)
		if i < 0 {
			return -1
		}
		if boundaryBefore(text, i) && boundaryAfter(text, i+len(phrase)) {
			return i
		}
		end = i + len(phrase) - 1
	}
	return -1
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

