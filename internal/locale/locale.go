package locale

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed tables.yaml
var embeddedTables []byte

// DateFormat names a family of date patterns. The order of a table's
// DateFormats is the priority in which the patterns claim text.
type DateFormat string

const (
	FormatMonthDay DateFormat = "month_day"
	FormatDayMonth DateFormat = "day_month"
	FormatNumeric  DateFormat = "numeric"
	FormatISO      DateFormat = "iso"
)

// Table is the per-language string data the engine matches page content against.
type Table struct {
	Code string `yaml:"code"`
	Name string `yaml:"name"`

	// -- Controls --
	ResumeLabels      []string `yaml:"resume_labels"`
	PauseLabels       []string `yaml:"pause_labels"`
	AffirmativeLabels []string `yaml:"affirmative_labels"`
	NegativeLabels    []string `yaml:"negative_labels"`

	// -- Page text --
	ExpiredPhrases      []string `yaml:"expired_phrases"`
	ScheduledPhrases    []string `yaml:"scheduled_phrases"`
	PlanPhrases         []string `yaml:"plan_phrases"`
	ErrorPhrases        []string `yaml:"error_phrases"`
	ConfirmationPhrases []string `yaml:"confirmation_phrases"`
	LoginPhrases        []string `yaml:"login_phrases"`

	// -- Dates --
	PauseRolePhrases  []string     `yaml:"pause_role_phrases"`
	ResumeRolePhrases []string     `yaml:"resume_role_phrases"`
	Months            [][]string   `yaml:"months"`
	DateFormats       []DateFormat `yaml:"date_formats"`
	// NumericOrder is "mdy" or "dmy".
	NumericOrder string `yaml:"numeric_order"`

	monthIndex map[string]int
}

// Validate checks that the table is usable.
func (t *Table) Validate() error {
	if t.Code == "" {
		return fmt.Errorf("locale table is missing a code")
	}
	if len(t.ResumeLabels) == 0 || len(t.PauseLabels) == 0 {
		return fmt.Errorf("locale '%s': resume_labels and pause_labels are required", t.Code)
	}
	if len(t.Months) != 12 {
		return fmt.Errorf("locale '%s': expected 12 month entries, got %d", t.Code, len(t.Months))
	}
	for i, names := range t.Months {
		if len(names) == 0 {
			return fmt.Errorf("locale '%s': month %d has no names", t.Code, i+1)
		}
	}
	switch t.NumericOrder {
	case "mdy", "dmy":
	default:
		return fmt.Errorf("locale '%s': numeric_order must be 'mdy' or 'dmy', got '%s'", t.Code, t.NumericOrder)
	}
	for _, f := range t.DateFormats {
		switch f {
		case FormatMonthDay, FormatDayMonth, FormatNumeric, FormatISO:
		default:
			return fmt.Errorf("locale '%s': unknown date format '%s'", t.Code, f)
		}
	}
	return nil
}

func (t *Table) index() {
	t.monthIndex = make(map[string]int)
	for i, names := range t.Months {
		for _, n := range names {
			t.monthIndex[Normalize(strings.TrimSuffix(n, "."))] = i + 1
		}
	}
}

// MonthNumber returns 1-12 for a month name or abbreviation, or 0.
func (t *Table) MonthNumber(name string) int {
	return t.monthIndex[Normalize(strings.TrimSuffix(name, "."))]
}

// MonthNames returns every month name and abbreviation, longest first.
func (t *Table) MonthNames() []string {
	var out []string
	for _, names := range t.Months {
		out = append(out, names...)
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// vocabulary is every phrase that can identify the language of a page.
func (t *Table) vocabulary() []string {
	var v []string
	for _, list := range [][]string{
		t.ResumeLabels, t.PauseLabels, t.ExpiredPhrases, t.ScheduledPhrases,
		t.PlanPhrases, t.PauseRolePhrases, t.ResumeRolePhrases,
	} {
		v = append(v, list...)
	}
	for _, names := range t.Months {
		if len(names) > 0 {
			v = append(v, names[0])
		}
	}
	return v
}

type tableFile struct {
	Locales []*Table `yaml:"locales"`
}

// Parse decodes a YAML document of locale tables.
func Parse(data []byte) ([]*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse locale tables: %w", err)
	}
	for _, t := range f.Locales {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		t.index()
	}
	return f.Locales, nil
}

// -- Registry --

// Registry holds the loaded tables and detects which one a page uses.
// It is read-only after construction and safe for concurrent use.
type Registry struct {
	tables  map[string]*Table
	order   []*Table
	def     *Table
	matcher language.Matcher
}

// NewRegistry builds a registry. defaultCode must name one of tables.
func NewRegistry(tables []*Table, defaultCode string) (*Registry, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("no locale tables loaded")
	}
	r := &Registry{tables: make(map[string]*Table, len(tables))}
	tags := make([]language.Tag, 0, len(tables))
	for _, t := range tables {
		if _, dup := r.tables[t.Code]; dup {
			return nil, fmt.Errorf("duplicate locale table '%s'", t.Code)
		}
		tag, err := language.Parse(t.Code)
		if err != nil {
			return nil, fmt.Errorf("locale '%s' is not a BCP 47 tag: %w", t.Code, err)
		}
		if t.monthIndex == nil {
			t.index()
		}
		r.tables[t.Code] = t
		r.order = append(r.order, t)
		tags = append(tags, tag)
	}
	def, ok := r.tables[defaultCode]
	if !ok {
		return nil, fmt.Errorf("default locale '%s' has no table", defaultCode)
	}
	r.def = def
	r.matcher = language.NewMatcher(tags)
	return r, nil
}

// Load builds a registry from the embedded tables, replaced or extended by the
// tables in path when path is not empty.
func Load(path, defaultCode string) (*Registry, error) {
	tables, err := Parse(embeddedTables)
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read locale tables '%s': %w", path, err)
		}
		overrides, err := Parse(data)
		if err != nil {
			return nil, err
		}
		tables = merge(tables, overrides)
	}
	return NewRegistry(tables, defaultCode)
}

func merge(base, overrides []*Table) []*Table {
	out := make([]*Table, 0, len(base)+len(overrides))
	replaced := make(map[string]*Table, len(overrides))
	for _, t := range overrides {
		replaced[t.Code] = t
	}
	for _, t := range base {
		if o, ok := replaced[t.Code]; ok {
			out = append(out, o)
			delete(replaced, t.Code)
			continue
		}
		out = append(out, t)
	}
	for _, t := range overrides {
		if _, ok := replaced[t.Code]; ok {
			out = append(out, t)
		}
	}
	return out
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the registry of embedded tables with English as fallback.
func Default() *Registry {
	defaultOnce.Do(func() {
		r, err := Load("", "en")
		if err != nil {
			// The embedded tables are compiled in; failing here is a build defect.
			panic(fmt.Sprintf("embedded locale tables are invalid: %v", err))
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

// Get returns the table for code.
func (r *Registry) Get(code string) (*Table, bool) {
	t, ok := r.tables[code]
	return t, ok
}

// Lookup returns the table for code or the default table.
func (r *Registry) Lookup(code string) *Table {
	if t, ok := r.tables[code]; ok {
		return t
	}
	return r.def
}

// DefaultTable returns the fallback table.
func (r *Registry) DefaultTable() *Table { return r.def }

// Codes lists the loaded locales in load order.
func (r *Registry) Codes() []string {
	out := make([]string, len(r.order))
	for i, t := range r.order {
		out[i] = t.Code
	}
	return out
}
