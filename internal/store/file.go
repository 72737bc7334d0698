package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	json "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/subsentry/api/schemas"
)

// accountsFile is the on-disk layout of a YAML account directory.
type accountsFile struct {
	Accounts []schemas.Account `yaml:"accounts"`
}

// FileDirectory is an account directory loaded from a YAML file, used when
// no database is configured.
type FileDirectory struct {
	byID    map[string]schemas.Account
	byEmail map[string][]string
	order   []string
}

// LoadFileDirectory reads and indexes a YAML accounts file.
func LoadFileDirectory(path string) (*FileDirectory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open accounts file: %w", err)
	}
	defer f.Close()
	return ParseFileDirectory(f)
}

// ParseFileDirectory indexes accounts read from r.
func ParseFileDirectory(r io.Reader) (*FileDirectory, error) {
	var doc accountsFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode accounts file: %w", err)
	}

	d := &FileDirectory{
		byID:    make(map[string]schemas.Account, len(doc.Accounts)),
		byEmail: make(map[string][]string),
	}
	for i, a := range doc.Accounts {
		if a.ID == "" || a.ProfileID == "" {
			return nil, fmt.Errorf("account #%d: id and profile_id are required", i+1)
		}
		if _, dup := d.byID[a.ID]; dup {
			return nil, fmt.Errorf("account %s: duplicate id", a.ID)
		}
		d.byID[a.ID] = a
		d.order = append(d.order, a.ID)
		key := strings.ToLower(a.Email)
		d.byEmail[key] = append(d.byEmail[key], a.ProfileID)
		d.byEmail[key] = append(d.byEmail[key], a.AltProfile...)
	}
	sort.Strings(d.order)
	return d, nil
}

// FindAccount returns the account with the given ID.
func (d *FileDirectory) FindAccount(_ context.Context, id string) (*schemas.Account, error) {
	a, ok := d.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", schemas.ErrAccountNotFound, id)
	}
	return &a, nil
}

// ListAccounts returns all accounts ordered by ID.
func (d *FileDirectory) ListAccounts(_ context.Context) ([]schemas.Account, error) {
	out := make([]schemas.Account, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.byID[id])
	}
	return out, nil
}

// AlternateIdentifiers returns every profile registered for email.
func (d *FileDirectory) AlternateIdentifiers(_ context.Context, email string) ([]string, error) {
	ids := d.byEmail[strings.ToLower(email)]
	return dedupe(append([]string(nil), ids...)), nil
}

// JSONSink writes each run result as one JSON line. It is the result sink
// for database-less runs.
type JSONSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONSink creates a sink writing to w.
func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{enc: json.NewEncoder(w)}
}

// WriteStatus encodes result as a single line.
func (s *JSONSink) WriteStatus(_ context.Context, result *schemas.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(result); err != nil {
		return fmt.Errorf("failed to write result %s: %w", result.RunID, err)
	}
	return nil
}
