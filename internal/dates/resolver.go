// Package dates finds calendar dates in locale text and decides which one is
// the pause (next billing) date and which one is the resume date.
package dates

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/text/unicode/norm"

	"github.com/xkilldash9x/subsentry/api/schemas"
	"github.com/xkilldash9x/subsentry/internal/locale"
)

const (
	DefaultMinYear = 2020
	DefaultMaxYear = 2035

	// roleWindow is how far before a date a role phrase may start.
	roleWindow = 80
)

// Resolver parses dates. It keeps no per-call state and is safe for
// concurrent use; compiled patterns are cached per locale.
type Resolver struct {
	minYear int
	maxYear int
	clock   clockwork.Clock

	patterns sync.Map // locale code -> []pattern
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithYearWindow sets the accepted year range (inclusive).
func WithYearWindow(minYear, maxYear int) Option {
	return func(r *Resolver) {
		r.minYear, r.maxYear = minYear, maxYear
	}
}

// WithClock sets the clock used to anchor dates written without a year.
func WithClock(c clockwork.Clock) Option {
	return func(r *Resolver) { r.clock = c }
}

// NewResolver creates a Resolver with the default 2020-2035 window.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		minYear: DefaultMinYear,
		maxYear: DefaultMaxYear,
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type match struct {
	start, end int
	date       schemas.CandidateDate
}

// Resolve returns the dates in text, in text order, one per calendar day.
//
// Roles come first from the nearest role phrase preceding each date. A lone
// date with no phrase takes the role of verb. With several dates, dates still
// unknown are ordered chronologically: the earliest becomes the pause date and
// the latest the resume date, provided that keeps every pause before every
// resume. Offsets refer to the text after whitespace collapsing.
func (r *Resolver) Resolve(text string, table *locale.Table, verb schemas.Action) []schemas.CandidateDate {
	if table == nil || text == "" {
		return nil
	}
	clean := locale.CollapseSpace(norm.NFKC.String(text))
	patterns := r.patternsFor(table)
	if len(patterns) == 0 {
		return nil
	}

	matches := r.scan(clean, table, patterns)
	if len(matches) == 0 {
		return nil
	}

	assignPhraseRoles(clean, table, matches)
	matches = dedupe(matches)
	assignFallbackRoles(matches, verb)

	out := make([]schemas.CandidateDate, len(matches))
	for i, m := range matches {
		out[i] = m.date
	}
	return out
}

func (r *Resolver) patternsFor(t *locale.Table) []pattern {
	if cached, ok := r.patterns.Load(t.Code); ok {
		return cached.([]pattern)
	}
	compiled, err := compile(t)
	if err != nil {
		return nil
	}
	actual, _ := r.patterns.LoadOrStore(t.Code, compiled)
	return actual.([]pattern)
}

// scan applies the patterns in priority order. A span claimed by an earlier
// pattern cannot be claimed again by a later one.
func (r *Resolver) scan(text string, table *locale.Table, patterns []pattern) []match {
	var claimed []match
	today := r.today()

	for _, p := range patterns {
		for _, loc := range p.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[0], loc[1]
			if overlaps(claimed, start, end) {
				continue
			}
			y, m, d, ok := r.decompose(text, loc, p, table, today)
			if !ok {
				continue
			}
			claimed = append(claimed, match{
				start: start,
				end:   end,
				date: schemas.CandidateDate{
					Raw:        text[start:end],
					Year:       y,
					Month:      m,
					Day:        d,
					Role:       schemas.RoleUnknown,
					RoleSource: schemas.RoleFromNone,
					Locale:     table.Code,
					Offset:     start,
				},
			})
		}
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].start < claimed[j].start })
	return claimed
}

func (r *Resolver) today() time.Time {
	now := r.clock.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func group(text string, loc []int, idx int) string {
	if idx <= 0 || 2*idx+1 >= len(loc) || loc[2*idx] < 0 {
		return ""
	}
	return text[loc[2*idx]:loc[2*idx+1]]
}

func (r *Resolver) decompose(text string, loc []int, p pattern, table *locale.Table, today time.Time) (int, int, int, bool) {
	day, err := strconv.Atoi(group(text, loc, p.day))
	if err != nil {
		return 0, 0, 0, false
	}

	monthText := group(text, loc, p.month)
	month, err := strconv.Atoi(monthText)
	if err != nil {
		month = table.MonthNumber(monthText)
	}
	if month < 1 || month > 12 {
		return 0, 0, 0, false
	}

	year := 0
	if yearText := group(text, loc, p.year); yearText != "" {
		if year, err = strconv.Atoi(yearText); err != nil {
			return 0, 0, 0, false
		}
	} else {
		// Year-less dates name the next occurrence of that day.
		year = today.Year()
		if validDay(year, month, day) && time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC).Before(today) {
			year++
		}
	}

	if year < r.minYear || year > r.maxYear {
		return 0, 0, 0, false
	}
	if !validDay(year, month, day) {
		return 0, 0, 0, false
	}
	return year, month, day, true
}

func validDay(year, month, day int) bool {
	if day < 1 || day > 31 {
		return false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return t.Day() == day && int(t.Month()) == month
}

func overlaps(ms []match, start, end int) bool {
	for _, m := range ms {
		if start < m.end && m.start < end {
			return true
		}
	}
	return false
}

// -- Role assignment --

// assignPhraseRoles tags each date with the role of the nearest role phrase in
// the window before it. The window never reaches back past the previous date.
func assignPhraseRoles(text string, table *locale.Table, ms []match) {
	prevEnd := 0
	for i := range ms {
		from := ms[i].start - roleWindow
		if from < prevEnd {
			from = prevEnd
		}
		if from < 0 {
			from = 0
		}
		window := locale.Normalize(text[from:ms[i].start])
		prevEnd = ms[i].end

		pauseAt := nearestPhraseEnd(window, table.PauseRolePhrases)
		resumeAt := nearestPhraseEnd(window, table.ResumeRolePhrases)
		switch {
		case pauseAt < 0 && resumeAt < 0:
			continue
		case pauseAt > resumeAt:
			ms[i].date.Role = schemas.RolePause
		case resumeAt > pauseAt:
			ms[i].date.Role = schemas.RoleResume
		default:
			// Both phrase sets end at the same position; leave it to the fallbacks.
			continue
		}
		ms[i].date.RoleSource = schemas.RoleFromPhrase
	}
}

// nearestPhraseEnd returns the largest end offset of any phrase in window, or -1.
func nearestPhraseEnd(window string, phrases []string) int {
	best := -1
	for _, p := range phrases {
		np := locale.Normalize(p)
		if i := locale.LastIndexPhrase(window, np); i >= 0 && i+len(np) > best {
			best = i + len(np)
		}
	}
	return best
}

// dedupe keeps the first occurrence of each calendar day, inheriting a phrase
// role from a later duplicate when the first had none.
func dedupe(ms []match) []match {
	out := ms[:0]
	for _, m := range ms {
		dup := -1
		for i := range out {
			if out[i].date.SameDay(m.date) {
				dup = i
				break
			}
		}
		if dup < 0 {
			out = append(out, m)
			continue
		}
		if out[dup].date.RoleSource == schemas.RoleFromNone && m.date.RoleSource == schemas.RoleFromPhrase {
			out[dup].date.Role = m.date.Role
			out[dup].date.RoleSource = schemas.RoleFromPhrase
		}
	}
	return out
}

func assignFallbackRoles(ms []match, verb schemas.Action) {
	if len(ms) == 1 {
		if ms[0].date.Role == schemas.RoleUnknown {
			switch verb {
			case schemas.ActionPause:
				ms[0].date.Role = schemas.RolePause
			case schemas.ActionResume:
				ms[0].date.Role = schemas.RoleResume
			default:
				return
			}
			ms[0].date.RoleSource = schemas.RoleFromContext
		}
		return
	}

	var unknown []int
	var pauses, resumes []time.Time
	for i, m := range ms {
		switch m.date.Role {
		case schemas.RolePause:
			pauses = append(pauses, m.date.Time())
		case schemas.RoleResume:
			resumes = append(resumes, m.date.Time())
		default:
			unknown = append(unknown, i)
		}
	}
	if len(unknown) == 0 {
		return
	}
	sort.SliceStable(unknown, func(a, b int) bool {
		return ms[unknown[a]].date.Time().Before(ms[unknown[b]].date.Time())
	})

	if len(pauses) == 0 {
		i := unknown[0]
		if beforeAll(ms[i].date.Time(), resumes) {
			ms[i].date.Role = schemas.RolePause
			ms[i].date.RoleSource = schemas.RoleFromProximity
			pauses = append(pauses, ms[i].date.Time())
			unknown = unknown[1:]
		}
	}
	if len(resumes) == 0 && len(unknown) > 0 {
		i := unknown[len(unknown)-1]
		if afterAll(ms[i].date.Time(), pauses) {
			ms[i].date.Role = schemas.RoleResume
			ms[i].date.RoleSource = schemas.RoleFromProximity
		}
	}
}

func beforeAll(t time.Time, others []time.Time) bool {
	for _, o := range others {
		if !t.Before(o) {
			return false
		}
	}
	return true
}

func afterAll(t time.Time, others []time.Time) bool {
	for _, o := range others {
		if !t.After(o) {
			return false
		}
	}
	return true
}
