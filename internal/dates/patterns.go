package dates

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xkilldash9x/subsentry/internal/locale"
)

// pattern is one compiled date format for a locale.
type pattern struct {
	format locale.DateFormat
	re     *regexp.Regexp
	// indices of the day, month and year submatches; month may be a name or a number.
	day, month, year int
}

func monthAlternation(t *locale.Table) string {
	names := t.MonthNames()
	quoted := make([]string, 0, len(names))
	for _, n := range names {
		quoted = append(quoted, regexp.QuoteMeta(strings.TrimSuffix(n, ".")))
	}
	return strings.Join(quoted, "|")
}

// compile builds the patterns of t in the table's priority order.
func compile(t *locale.Table) ([]pattern, error) {
	months := monthAlternation(t)
	formats := t.DateFormats
	if len(formats) == 0 {
		formats = []locale.DateFormat{locale.FormatMonthDay, locale.FormatDayMonth, locale.FormatISO, locale.FormatNumeric}
	}

	var out []pattern
	for _, f := range formats {
		var p pattern
		var expr string
		switch f {
		case locale.FormatMonthDay:
			// "Oct 4", "October 4th, 2025"
			expr = `(?i)\b(` + months + `)\b\.?\s+(\d{1,2})(?:st|nd|rd|th)?\b(?:,?\s+(\d{4})\b)?`
			p = pattern{format: f, month: 1, day: 2, year: 3}
		case locale.FormatDayMonth:
			// "4 October 2025", "4. Oktober", "4 de octubre de 2025", "1er mars"
			expr = `(?i)\b(\d{1,2})(?:\.|º|°|er)?\s+(?:de\s+)?(` + months + `)\b\.?(?:,?\s+(?:de\s+)?(\d{4})\b)?`
			p = pattern{format: f, day: 1, month: 2, year: 3}
		case locale.FormatNumeric:
			expr = `\b(\d{1,2})[./](\d{1,2})[./](\d{4})\b`
			if t.NumericOrder == "mdy" {
				p = pattern{format: f, month: 1, day: 2, year: 3}
			} else {
				p = pattern{format: f, day: 1, month: 2, year: 3}
			}
		case locale.FormatISO:
			expr = `\b(\d{4})-(\d{2})-(\d{2})\b`
			p = pattern{format: f, year: 1, month: 2, day: 3}
		default:
			return nil, fmt.Errorf("unsupported date format '%s'", f)
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s pattern for locale '%s': %w", f, t.Code, err)
		}
		p.re = re
		out = append(out, p)
	}
	return out, nil
}
