package locale

import (
	"strings"

	"golang.org/x/text/language"
)

// DetectionSource tells how a locale was chosen.
type DetectionSource string

const (
	DetectedByLang    DetectionSource = "lang_attribute"
	DetectedByPhrases DetectionSource = "phrases"
	DetectedByDefault DetectionSource = "default"
)

// Detection is the result of Detect.
type Detection struct {
	Table  *Table
	Source DetectionSource
	// Hits is the number of vocabulary phrases found when Source is phrases.
	Hits int
}

// Detect chooses the table for a page. A document language attribute that
// matches a loaded table with high confidence wins; otherwise the table whose
// vocabulary occurs most often in the text is used, falling back to the default.
func (r *Registry) Detect(langAttr, text string) Detection {
	if t, ok := r.matchTag(langAttr); ok {
		return Detection{Table: t, Source: DetectedByLang}
	}

	normalized := Normalize(text)
	var best *Table
	bestHits := 0
	for _, t := range r.order {
		hits := 0
		for _, phrase := range t.vocabulary() {
			if IndexPhrase(normalized, Normalize(phrase)) >= 0 {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = t, hits
		}
	}
	if best != nil {
		return Detection{Table: best, Source: DetectedByPhrases, Hits: bestHits}
	}
	return Detection{Table: r.def, Source: DetectedByDefault}
}

func (r *Registry) matchTag(langAttr string) (*Table, bool) {
	langAttr = strings.TrimSpace(langAttr)
	if langAttr == "" {
		return nil, false
	}
	tag, err := language.Parse(langAttr)
	if err != nil {
		return nil, false
	}
	_, idx, conf := r.matcher.Match(tag)
	if conf < language.High || idx < 0 || idx >= len(r.order) {
		return nil, false
	}
	return r.order[idx], true
}
