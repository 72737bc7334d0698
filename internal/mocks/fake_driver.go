package mocks

import (
	"context"
	"fmt"
	"strings"
	"sync"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/subsentry/api/schemas"
)

// FakeDriver is a scripted schemas.Driver. Snapshot returns the current page;
// click handlers registered per control ref swap pages to simulate the site
// reacting. Every call is recorded so tests can check ordering, including
// calls made after Close.
type FakeDriver struct {
	mu sync.Mutex

	page     *schemas.PageSnapshot
	onClick  map[string]func(*FakeDriver)
	onReload func(*FakeDriver)

	// BlockNavigate makes Navigate wait for its context to end.
	BlockNavigate bool
	// NavigateErrs are returned by successive Navigate calls before succeeding.
	NavigateErrs []error
	// SnapshotErrs are returned by successive Snapshot calls before succeeding.
	SnapshotErrs []error
	// IP is reported by PublicIP.
	IP string
	// EvalFunc answers Evaluate. Its result is copied into res through JSON.
	EvalFunc func(script string) (interface{}, error)
	// Filled records the last value written per selector.
	Filled map[string]string

	calls        []string
	closeCount   int
	callsAtClose int
	policy       *schemas.DialogPolicy
}

// NewFakeDriver creates a driver showing page.
func NewFakeDriver(page *schemas.PageSnapshot) *FakeDriver {
	return &FakeDriver{page: page, onClick: make(map[string]func(*FakeDriver))}
}

// SetPage replaces the current page.
func (f *FakeDriver) SetPage(page *schemas.PageSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.page = page
}

// OnClick registers a handler run when the control with ref is clicked.
func (f *FakeDriver) OnClick(ref string, fn func(*FakeDriver)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClick[ref] = fn
}

// OnReload registers a handler run on every Reload.
func (f *FakeDriver) OnReload(fn func(*FakeDriver)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onReload = fn
}

func (f *FakeDriver) record(call string) {
	f.calls = append(f.calls, call)
}

// Calls returns a copy of the recorded calls.
func (f *FakeDriver) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount counts recorded calls starting with prefix.
func (f *FakeDriver) CallCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// CloseCount reports how many times Close was called.
func (f *FakeDriver) CloseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

// CallsAfterClose returns the calls recorded after the first Close.
func (f *FakeDriver) CallsAfterClose() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeCount == 0 {
		return nil
	}
	var out []string
	for _, c := range f.calls[f.callsAtClose:] {
		if c != "Close" {
			out = append(out, c)
		}
	}
	return out
}

// DialogPolicy returns the installed policy, if any.
func (f *FakeDriver) DialogPolicy() *schemas.DialogPolicy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.policy
}

func (f *FakeDriver) closedErr() error {
	if f.closeCount > 0 {
		return schemas.ErrDriverClosed
	}
	return nil
}

func (f *FakeDriver) Navigate(ctx context.Context, url string, _ schemas.NavigateOptions) error {
	f.mu.Lock()
	f.record("Navigate:" + url)
	if err := f.closedErr(); err != nil {
		f.mu.Unlock()
		return err
	}
	block := f.BlockNavigate
	var err error
	if len(f.NavigateErrs) > 0 {
		err, f.NavigateErrs = f.NavigateErrs[0], f.NavigateErrs[1:]
	}
	if f.page != nil && err == nil {
		f.page.URL = url
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *FakeDriver) Reload(ctx context.Context) error {
	f.mu.Lock()
	f.record("Reload")
	if err := f.closedErr(); err != nil {
		f.mu.Unlock()
		return err
	}
	fn := f.onReload
	f.mu.Unlock()
	if fn != nil {
		fn(f)
	}
	return ctx.Err()
}

func (f *FakeDriver) Evaluate(ctx context.Context, script string, res interface{}) error {
	f.mu.Lock()
	f.record("Evaluate")
	if err := f.closedErr(); err != nil {
		f.mu.Unlock()
		return err
	}
	fn := f.EvalFunc
	f.mu.Unlock()

	if fn == nil {
		return nil
	}
	out, err := fn(script)
	if err != nil || res == nil {
		return err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, res)
}

func (f *FakeDriver) Snapshot(ctx context.Context) (*schemas.PageSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Snapshot")
	if err := f.closedErr(); err != nil {
		return nil, err
	}
	if len(f.SnapshotErrs) > 0 {
		err := f.SnapshotErrs[0]
		f.SnapshotErrs = f.SnapshotErrs[1:]
		return nil, err
	}
	if f.page == nil {
		return &schemas.PageSnapshot{}, nil
	}
	cp := *f.page
	cp.Controls = append([]schemas.Control(nil), f.page.Controls...)
	cp.Surfaces = append([]schemas.Surface(nil), f.page.Surfaces...)
	return &cp, nil
}

func (f *FakeDriver) Click(ctx context.Context, ref string) error {
	f.mu.Lock()
	f.record("Click:" + ref)
	if err := f.closedErr(); err != nil {
		f.mu.Unlock()
		return err
	}
	if !f.hasRef(ref) {
		f.mu.Unlock()
		return fmt.Errorf("click %s: %w", ref, schemas.ErrControlNotFound)
	}
	fn := f.onClick[ref]
	f.mu.Unlock()
	if fn != nil {
		fn(f)
	}
	return nil
}

func (f *FakeDriver) hasRef(ref string) bool {
	if f.page == nil {
		return false
	}
	for _, c := range f.page.Controls {
		if c.Ref == ref {
			return true
		}
	}
	for _, s := range f.page.Surfaces {
		for _, c := range s.Controls {
			if c.Ref == ref {
				return true
			}
		}
	}
	return false
}

func (f *FakeDriver) Fill(ctx context.Context, selector, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Fill:" + selector)
	if err := f.closedErr(); err != nil {
		return err
	}
	if f.Filled == nil {
		f.Filled = make(map[string]string)
	}
	f.Filled[selector] = value
	return nil
}

func (f *FakeDriver) CurrentURL(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CurrentURL")
	if err := f.closedErr(); err != nil {
		return "", err
	}
	if f.page == nil {
		return "", nil
	}
	return f.page.URL, nil
}

func (f *FakeDriver) Screenshot(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Screenshot:" + path)
	return f.closedErr()
}

func (f *FakeDriver) OnDialog(policy schemas.DialogPolicy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("OnDialog")
	f.policy = &policy
}

func (f *FakeDriver) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeCount == 0 {
		f.callsAtClose = len(f.calls)
	}
	f.record("Close")
	f.closeCount++
	return nil
}

// PublicIP implements schemas.IPReporter.
func (f *FakeDriver) PublicIP(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PublicIP")
	if err := f.closedErr(); err != nil {
		return "", err
	}
	return f.IP, nil
}
